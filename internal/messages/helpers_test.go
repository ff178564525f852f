package messages

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/matheus3301/chatsync/internal/workerpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const conv = "conv_alice_bob"

// flakyRemote wraps the SQLite store with switchable failures.
type flakyRemote struct {
	remote.Store
	offline   atomic.Bool
	failNext  atomic.Int32
	// lostAcks commits the batch but reports a transient failure.
	lostAcks  atomic.Int32
	queries   atomic.Int32
	commits   atomic.Int32
	holdQuery chan struct{}
	holdWrite chan struct{}
}

var errUnreachable = syncerr.E(syncerr.Transient, "commit", errors.New("network unreachable"))

func (f *flakyRemote) Query(ctx context.Context, q remote.Query) ([]*remote.Doc, error) {
	f.queries.Add(1)
	if f.holdQuery != nil {
		select {
		case <-f.holdQuery:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.Store.Query(ctx, q)
}

func (f *flakyRemote) Batch() remote.Batch { return &flakyBatch{inner: f.Store.Batch(), f: f} }

type flakyBatch struct {
	inner remote.Batch
	f     *flakyRemote
}

func (b *flakyBatch) Create(path string, data any) remote.Batch { b.inner.Create(path, data); return b }
func (b *flakyBatch) Set(path string, data any) remote.Batch    { b.inner.Set(path, data); return b }
func (b *flakyBatch) Update(path string, ops ...remote.FieldOp) remote.Batch {
	b.inner.Update(path, ops...)
	return b
}
func (b *flakyBatch) Delete(path string) remote.Batch { b.inner.Delete(path); return b }

func (b *flakyBatch) Commit(ctx context.Context) error {
	if b.f.holdWrite != nil {
		<-b.f.holdWrite
	}
	if b.f.offline.Load() {
		return errUnreachable
	}
	if b.f.failNext.Load() > 0 {
		b.f.failNext.Add(-1)
		return errUnreachable
	}
	if err := b.inner.Commit(ctx); err != nil {
		return err
	}
	b.f.commits.Add(1)
	if b.f.lostAcks.Load() > 0 {
		b.f.lostAcks.Add(-1)
		return errUnreachable
	}
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.notes...)
}

type env struct {
	db       *store.DB
	remote   *flakyRemote
	bus      *bus.Bus
	pool     *workerpool.Pool
	sched    *backoff.Scheduler
	online   atomic.Bool
	notifier *recordingNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)

	e := &env{
		db:       db,
		remote:   &flakyRemote{Store: db},
		bus:      bus.New(),
		pool:     workerpool.New(2, 64, logger),
		notifier: &recordingNotifier{},
	}
	e.online.Store(true)
	e.sched = backoff.NewScheduler(backoff.Config{
		BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, MaxAttempts: 4,
	}, logger, backoff.WithGate(e.online.Load))
	t.Cleanup(func() {
		e.pool.Shutdown()
		_ = db.Close()
	})

	_, err = db.Set(context.Background(), ConversationPath(conv), map[string]any{
		FieldParticipants: []string{"alice", "bob"},
		FieldUnread:       map[string]int{"alice": 0, "bob": 0},
		FieldActive:       true,
	})
	require.NoError(t, err)
	return e
}

func (e *env) open(t *testing.T, actor, peer string) *Store {
	t.Helper()
	s := New(conv, actor, peer, Config{PageSize: 20}, Deps{
		Remote:    e.remote,
		Scheduler: e.sched,
		Pool:      e.pool,
		Notifier:  e.notifier,
		Bus:       e.bus,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(s.Close)
	return s
}

// seed writes n messages from sender directly to the remote store, one
// millisecond apart starting at base.
func (e *env) seed(t *testing.T, sender string, n int, base time.Time) {
	t.Helper()
	b := e.db.Batch()
	for i := range n {
		id := fmt.Sprintf("seed-%03d", i)
		b.Set(messagePath(conv, id), messageDoc{
			ConversationID: conv,
			SenderID:       sender,
			Content:        fmt.Sprintf("m%d", i),
			Kind:           Text,
			CreatedAt:      base.Add(time.Duration(i) * time.Millisecond).UnixMilli(),
			ReadBy:         []string{sender},
			Status:         "sent",
			ClientToken:    "tok-" + id,
		})
	}
	require.NoError(t, b.Commit(context.Background()))
}

func (e *env) conversation(t *testing.T) map[string]any {
	t.Helper()
	d, err := e.db.Get(context.Background(), ConversationPath(conv))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, d.Decode(&m))
	return m
}

func (e *env) docCount(t *testing.T) int {
	t.Helper()
	docs, err := e.db.Query(context.Background(), remote.Query{Collection: MessagesCollection(conv)})
	require.NoError(t, err)
	return len(docs)
}

func history(s *Store, key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.byKey[key]
	out := make([]string, len(e.history))
	for i, h := range e.history {
		out[i] = string(h)
	}
	return out
}
