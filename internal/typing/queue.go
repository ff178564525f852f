package typing

import (
	"context"
	"sync"
	"time"
)

// queue is the single ordered publish queue. It keeps only the newest record
// per conversation and releases a conversation's record no sooner than the
// debounce window after its previous publish.
type queue struct {
	debounce time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]Record
	order   []string
	last    map[string]time.Time
	wake    chan struct{}
}

func newQueue(debounce time.Duration) *queue {
	return &queue{
		debounce: debounce,
		now:      time.Now,
		pending:  make(map[string]Record),
		last:     make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
	}
}

func (q *queue) put(rec Record) {
	q.mu.Lock()
	if _, ok := q.pending[rec.ConversationID]; !ok {
		q.order = append(q.order, rec.ConversationID)
	}
	q.pending[rec.ConversationID] = rec
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next blocks until a record is due or ctx ends.
func (q *queue) next(ctx context.Context) (Record, bool) {
	for {
		rec, wait, ok := q.take()
		if ok {
			return rec, true
		}
		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Record{}, false
		case <-q.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// take pops the first due record. When none is due it returns how long until
// the earliest one is, or zero if nothing is pending.
func (q *queue) take() (Record, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var wait time.Duration
	for i, conv := range q.order {
		due := q.last[conv].Add(q.debounce)
		if !now.Before(due) {
			rec := q.pending[conv]
			delete(q.pending, conv)
			q.order = append(q.order[:i:i], q.order[i+1:]...)
			q.last[conv] = now
			return rec, 0, true
		}
		if d := due.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return Record{}, wait, false
}
