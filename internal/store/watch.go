package store

import (
	"context"
	"sync"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

type watcher struct {
	id     int
	db     *DB
	query  remote.Query
	out    chan remote.ChangeBatch
	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Watch starts a live query. The first batch carries the current result set;
// later batches carry the changes produced by each commit that touched the
// collection. A subscription whose consumer stops reading holds back only
// itself.
func (db *DB) Watch(ctx context.Context, q remote.Query) (remote.Subscription, error) {
	if _, _, err := buildQuery(q); err != nil {
		return nil, syncerr.E(syncerr.InvalidArgument, "store.watch", err)
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, syncerr.E(syncerr.FailedPrecondition, "store.watch", ErrClosed)
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		id:     db.nextWatcher,
		db:     db,
		query:  q,
		out:    make(chan remote.ChangeBatch),
		kick:   make(chan struct{}, 1),
		ctx:    wctx,
		cancel: cancel,
	}
	db.nextWatcher++
	db.watchers[w.id] = w
	db.mu.Unlock()

	go w.run()
	return w, nil
}

// notify wakes every watcher of the given collections.
func (db *DB) notify(collections []string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, w := range db.watchers {
		for _, c := range collections {
			if w.query.Collection == c {
				select {
				case w.kick <- struct{}{}:
				default:
				}
				break
			}
		}
	}
}

func (w *watcher) Changes() <-chan remote.ChangeBatch { return w.out }

func (w *watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *watcher) Close() {
	w.db.mu.Lock()
	delete(w.db.watchers, w.id)
	w.db.mu.Unlock()
	w.cancel()
}

func (w *watcher) stop(cause error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = cause
	}
	w.mu.Unlock()
	w.cancel()
}

func (w *watcher) run() {
	defer close(w.out)
	defer w.Close()

	prev := map[string]*remote.Doc{}
	first := true
	for {
		// Reading the version first keeps it a lower bound of the snapshot,
		// so batch versions never go backwards.
		version, err := w.db.Version(w.ctx)
		var docs []*remote.Doc
		if err == nil {
			docs, err = w.db.Query(w.ctx, w.query)
		}
		if err != nil {
			if w.ctx.Err() == nil {
				w.db.logger.Warn("subscription failed",
					zap.String("collection", w.query.Collection), zap.Error(err))
				w.stop(err)
			}
			return
		}

		batch := diff(prev, docs)
		batch.Version = version
		if first || len(batch.Changes) > 0 {
			select {
			case w.out <- batch:
			case <-w.ctx.Done():
				return
			}
		}
		first = false

		prev = make(map[string]*remote.Doc, len(docs))
		for _, d := range docs {
			prev[d.Path] = d
		}

		select {
		case <-w.kick:
		case <-w.ctx.Done():
			return
		}
	}
}

func diff(prev map[string]*remote.Doc, docs []*remote.Doc) remote.ChangeBatch {
	batch := remote.ChangeBatch{Docs: docs}
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		seen[d.Path] = true
		old, ok := prev[d.Path]
		switch {
		case !ok:
			batch.Changes = append(batch.Changes, remote.Change{Kind: remote.Added, Doc: d})
		case old.Version != d.Version:
			batch.Changes = append(batch.Changes, remote.Change{Kind: remote.Modified, Doc: d})
		}
	}
	for path, d := range prev {
		if !seen[path] {
			batch.Changes = append(batch.Changes, remote.Change{Kind: remote.Removed, Doc: d})
		}
	}
	return batch
}
