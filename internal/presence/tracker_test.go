package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memBackend records publishes and lets tests push records to watchers.
type memBackend struct {
	mu        sync.Mutex
	published []Record
	feeds     map[string]chan Record
	fail      error
	block     chan struct{}
}

func newMemBackend() *memBackend {
	return &memBackend{feeds: make(map[string]chan Record)}
}

func (b *memBackend) Publish(ctx context.Context, rec Record) error {
	b.mu.Lock()
	block, fail := b.block, b.fail
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	b.mu.Lock()
	b.published = append(b.published, rec)
	b.mu.Unlock()
	return nil
}

func (b *memBackend) Watch(ctx context.Context, actorID string) (<-chan Record, error) {
	in := make(chan Record, 8)
	out := make(chan Record)
	b.mu.Lock()
	b.feeds[actorID] = in
	b.mu.Unlock()
	go func() {
		defer close(out)
		for {
			select {
			case rec, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *memBackend) push(actor string, rec Record) {
	b.mu.Lock()
	ch := b.feeds[actor]
	b.mu.Unlock()
	ch <- rec
}

func (b *memBackend) drop(actor string) {
	b.mu.Lock()
	ch := b.feeds[actor]
	delete(b.feeds, actor)
	b.mu.Unlock()
	close(ch)
}

func (b *memBackend) records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.published...)
}

func testScheduler(t *testing.T) *backoff.Scheduler {
	return backoff.NewScheduler(backoff.Config{
		BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3,
	}, zaptest.NewLogger(t))
}

func newTracker(t *testing.T, cfg Config, b Backend) *Tracker {
	t.Helper()
	tr := NewTracker("alice", cfg, b, testScheduler(t), bus.New(), zaptest.NewLogger(t))
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr
}

func TestStartPublishesOnlineAndHeartbeats(t *testing.T) {
	b := newMemBackend()
	tr := newTracker(t, Config{Heartbeat: 10 * time.Millisecond}, b)
	tr.Start()

	require.Eventually(t, func() bool { return len(b.records()) >= 3 }, time.Second, 5*time.Millisecond)
	rec := b.records()[0]
	assert.Equal(t, "alice", rec.ActorID)
	assert.True(t, rec.Online)
}

func TestVisibilityPublishesImmediately(t *testing.T) {
	b := newMemBackend()
	tr := newTracker(t, Config{Heartbeat: time.Hour}, b)
	tr.Start()
	require.Eventually(t, func() bool { return len(b.records()) == 1 }, time.Second, time.Millisecond)

	tr.SetVisibility(Background)
	require.Eventually(t, func() bool { return len(b.records()) == 2 }, time.Second, time.Millisecond)
	assert.False(t, b.records()[1].Online)
}

func TestPublishFailureNeverBlocksCaller(t *testing.T) {
	b := newMemBackend()
	b.fail = syncerr.E(syncerr.Transient, "publish", nil)
	tr := newTracker(t, Config{Heartbeat: time.Hour}, b)
	tr.Start()

	done := make(chan struct{})
	go func() {
		for range 50 {
			tr.SetVisibility(Background)
			tr.SetVisibility(Foreground)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SetVisibility blocked on a failing backend")
	}
}

func TestIsOnlineHonoursTTL(t *testing.T) {
	b := newMemBackend()
	tr := newTracker(t, Config{TTL: time.Minute}, b)
	now := time.Now()
	tr.now = func() time.Time { return now }

	require.NoError(t, tr.Watch(context.Background(), "bob", "carol"))
	b.push("bob", Record{ActorID: "bob", Online: true, LastSeen: now.Add(-10 * time.Second)})
	b.push("carol", Record{ActorID: "carol", Online: true, LastSeen: now.Add(-2 * time.Minute)})

	require.Eventually(t, func() bool {
		_, okB := tr.LastSeen("bob")
		_, okC := tr.LastSeen("carol")
		return okB && okC
	}, time.Second, time.Millisecond)

	assert.True(t, tr.IsOnline("bob"))
	assert.False(t, tr.IsOnline("carol"), "stale record is offline despite its flag")
	assert.False(t, tr.IsOnline("dave"), "unknown actor is offline")

	now = now.Add(time.Minute)
	assert.False(t, tr.IsOnline("bob"))
}

func TestOlderRecordIgnored(t *testing.T) {
	b := newMemBackend()
	tr := newTracker(t, Config{}, b)
	now := time.Now()
	tr.now = func() time.Time { return now }
	require.NoError(t, tr.Watch(context.Background(), "bob"))

	b.push("bob", Record{ActorID: "bob", Online: false, LastSeen: now})
	b.push("bob", Record{ActorID: "bob", Online: true, LastSeen: now.Add(-time.Second)})
	b.push("bob", Record{ActorID: "bob", Online: false, LastSeen: now.Add(time.Millisecond)})

	require.Eventually(t, func() bool {
		ts, _ := tr.LastSeen("bob")
		return ts.Equal(now.Add(time.Millisecond))
	}, time.Second, time.Millisecond)
	assert.False(t, tr.IsOnline("bob"))
}

func TestWatchIsBounded(t *testing.T) {
	tr := newTracker(t, Config{MaxWatched: 2}, newMemBackend())
	ctx := context.Background()
	require.NoError(t, tr.Watch(ctx, "a", "b"))
	require.NoError(t, tr.Watch(ctx, "a"), "re-watching is free")
	require.ErrorIs(t, tr.Watch(ctx, "c"), syncerr.ErrFailedPrecondition)

	tr.Unwatch("a")
	require.NoError(t, tr.Watch(ctx, "c"))
}

func TestDroppedFeedIsResubscribed(t *testing.T) {
	b := newMemBackend()
	tr := newTracker(t, Config{}, b)
	ctx := context.Background()
	require.NoError(t, tr.Watch(ctx, "bob"))

	b.drop("bob")
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.dropped["bob"]
	}, time.Second, time.Millisecond)

	require.NoError(t, tr.Resubscribe(ctx))
	now := time.Now()
	b.push("bob", Record{ActorID: "bob", Online: true, LastSeen: now})
	require.Eventually(t, func() bool { return tr.IsOnline("bob") }, time.Second, time.Millisecond)
}

func TestCloseSendsFinalOffline(t *testing.T) {
	b := newMemBackend()
	tr := NewTracker("alice", Config{Heartbeat: time.Hour}, b, testScheduler(t), bus.New(), zaptest.NewLogger(t))
	tr.Start()
	require.Eventually(t, func() bool { return len(b.records()) == 1 }, time.Second, time.Millisecond)

	tr.Close(context.Background())
	recs := b.records()
	require.Len(t, recs, 2)
	assert.False(t, recs[1].Online)

	tr.SetVisibility(Foreground)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, b.records(), 2, "nothing publishes after close")
}

func TestCloseDoesNotWaitPastFinalTimeout(t *testing.T) {
	b := newMemBackend()
	tr := NewTracker("alice", Config{Heartbeat: time.Hour, FinalTimeout: 20 * time.Millisecond}, b,
		testScheduler(t), bus.New(), zaptest.NewLogger(t))
	tr.Start()
	require.Eventually(t, func() bool { return len(b.records()) == 1 }, time.Second, time.Millisecond)

	b.mu.Lock()
	b.block = make(chan struct{})
	b.mu.Unlock()
	defer close(b.block)

	start := time.Now()
	tr.Close(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
