package messages

import (
	"context"

	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// LoadOlder fetches the page before the oldest loaded message and prepends
// it. It returns how many messages were added. Calls while a load is in
// flight, or after the first message was reached, are no-ops.
func (s *Store) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed || !s.opened {
		s.mu.Unlock()
		return 0, syncerr.E(syncerr.FailedPrecondition, "messages.load_older", errClosed)
	}
	if s.loading || s.exhausted || s.cursor == nil {
		s.mu.Unlock()
		return 0, nil
	}
	s.loading = true
	cursor := *s.cursor
	lctx, cancel := context.WithCancel(ctx)
	s.loadCancel = cancel
	s.mu.Unlock()
	defer cancel()

	q := s.liveQuery()
	q.StartAfter = &cursor
	docs, err := s.deps.Remote.Query(lctx, q)

	s.mu.Lock()
	s.loading = false
	s.loadCancel = nil
	if s.closed {
		s.mu.Unlock()
		return 0, nil
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("loading older messages failed", zap.Error(err))
		return 0, err
	}

	added := 0
	for _, d := range docs {
		var md messageDoc
		if err := d.Decode(&md); err != nil {
			s.logger.Warn("bad message document", zap.String("path", d.Path), zap.Error(err))
			continue
		}
		if s.byID[d.ID] == nil && s.byKey[md.ClientToken] == nil {
			added++
		}
		s.mergeLocked(d.ID, &md, true)
	}
	if len(docs) < s.cfg.PageSize {
		s.exhausted = true
	}
	if n := len(docs); n > 0 {
		s.cursor = cursorOf(docs[n-1])
	}
	s.sortLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	s.logger.Debug("loaded older messages", zap.Int("count", added), zap.Bool("exhausted", snap.Exhausted))
	return added, nil
}
