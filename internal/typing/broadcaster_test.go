package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// hub is an in-memory backend shared by several broadcasters.
type hub struct {
	mu        sync.Mutex
	published []Record
	subs      map[string][]chan Record
}

func newHub() *hub { return &hub{subs: make(map[string][]chan Record)} }

func (h *hub) Publish(ctx context.Context, rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published = append(h.published, rec)
	for _, ch := range h.subs[rec.ConversationID] {
		select {
		case ch <- rec:
		default:
		}
	}
	return nil
}

func (h *hub) Watch(ctx context.Context, conversationID string) (<-chan Record, error) {
	in := make(chan Record, 64)
	h.mu.Lock()
	h.subs[conversationID] = append(h.subs[conversationID], in)
	h.mu.Unlock()
	out := make(chan Record)
	go func() {
		defer close(out)
		for {
			select {
			case rec := <-in:
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

func (h *hub) from(actor string) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Record
	for _, r := range h.published {
		if r.ActorID == actor {
			out = append(out, r)
		}
	}
	return out
}

func count(recs []Record, active bool) int {
	n := 0
	for _, r := range recs {
		if r.Active == active {
			n++
		}
	}
	return n
}

func newBroadcaster(t *testing.T, actor string, cfg Config, b Backend) *Broadcaster {
	t.Helper()
	sched := backoff.NewScheduler(backoff.Config{BaseDelay: time.Millisecond, MaxAttempts: 2}, zaptest.NewLogger(t))
	br := NewBroadcaster(actor, cfg, b, sched, bus.New(), zaptest.NewLogger(t))
	t.Cleanup(func() { br.Close(context.Background()) })
	return br
}

func TestIdleTimeoutPublishesInactiveExactlyOnce(t *testing.T) {
	h := newHub()
	br := newBroadcaster(t, "alice", Config{
		TTL: time.Second, Pulse: 500 * time.Millisecond, IdleTimeout: 30 * time.Millisecond, Debounce: time.Millisecond,
	}, h)

	br.SetTyping("c1", true)
	require.Eventually(t, func() bool { return count(h.from("alice"), false) == 1 }, time.Second, 2*time.Millisecond)
	assert.False(t, br.Typing("c1"))

	time.Sleep(100 * time.Millisecond)
	recs := h.from("alice")
	assert.Equal(t, 1, count(recs, true))
	assert.Equal(t, 1, count(recs, false), "auto-clear is published exactly once")

	br.SetTyping("c1", false)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, count(h.from("alice"), false), "explicit stop after idle publishes nothing")
}

func TestRapidCallsAreCoalesced(t *testing.T) {
	h := newHub()
	br := newBroadcaster(t, "alice", Config{
		TTL: time.Second, Pulse: 900 * time.Millisecond, IdleTimeout: time.Second, Debounce: 50 * time.Millisecond,
	}, h)

	for range 100 {
		br.SetTyping("c1", true)
	}
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.from("alice"), 1)
}

func TestPulsesKeepSignalAlive(t *testing.T) {
	h := newHub()
	br := newBroadcaster(t, "alice", Config{
		TTL: 60 * time.Millisecond, Pulse: 15 * time.Millisecond, IdleTimeout: 40 * time.Millisecond, Debounce: time.Millisecond,
	}, h)

	deadline := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(deadline) {
		br.SetTyping("c1", true)
		time.Sleep(10 * time.Millisecond)
	}
	recs := h.from("alice")
	assert.GreaterOrEqual(t, count(recs, true), 4, "pulses re-published while typing")
	assert.Zero(t, count(recs, false), "no idle flip while input keeps coming")
}

func TestDebounceSpacesPublishes(t *testing.T) {
	q := newQueue(40 * time.Millisecond)
	ctx := context.Background()

	q.put(Record{ConversationID: "c1", Active: true})
	first, ok := q.next(ctx)
	require.True(t, ok)
	assert.True(t, first.Active)

	start := time.Now()
	q.put(Record{ConversationID: "c1", Active: true})
	q.put(Record{ConversationID: "c1", Active: false})
	q.put(Record{ConversationID: "c2", Active: true})

	other, ok := q.next(ctx)
	require.True(t, ok)
	assert.Equal(t, "c2", other.ConversationID, "other conversations are not held back")

	latest, ok := q.next(ctx)
	require.True(t, ok)
	assert.False(t, latest.Active, "newest record wins")
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

// Two actors in one conversation: A types for a while then stops; B sees the
// signal throughout and loses it once A's idle window passes.
func TestReceiverScenario(t *testing.T) {
	h := newHub()
	cfg := Config{
		TTL: 90 * time.Millisecond, Pulse: 30 * time.Millisecond, IdleTimeout: 60 * time.Millisecond, Debounce: time.Millisecond,
	}
	a := newBroadcaster(t, "alice", cfg, h)
	b := newBroadcaster(t, "bob", cfg, h)
	require.NoError(t, b.Watch(context.Background(), "conv_alice_bob"))
	require.NoError(t, a.Watch(context.Background(), "conv_alice_bob"))

	events, unsub := b.bus.Subscribe("typing.", 16)
	defer unsub()

	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		a.SetTyping("conv_alice_bob", true)
		time.Sleep(20 * time.Millisecond)
		if time.Since(stop.Add(-130*time.Millisecond)) > 0 {
			assert.True(t, b.IsTyping("conv_alice_bob", "alice"))
		}
	}
	assert.False(t, a.IsTyping("conv_alice_bob", "alice"), "own pulses are filtered")

	require.Eventually(t, func() bool { return !b.IsTyping("conv_alice_bob", "alice") },
		500*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, b.Typists("conv_alice_bob"))

	evt := <-events
	change := evt.Payload.(Change)
	assert.Equal(t, "alice", change.ActorID)
	assert.True(t, change.Typing)
}

func TestPeerExpiresWithoutPulses(t *testing.T) {
	h := newHub()
	b := newBroadcaster(t, "bob", Config{TTL: 30 * time.Millisecond}, h)
	require.NoError(t, b.Watch(context.Background(), "c1"))

	// A single pulse whose sender vanished.
	require.NoError(t, h.Publish(context.Background(), Record{ConversationID: "c1", ActorID: "alice", Active: true, At: time.Now()}))
	require.Eventually(t, func() bool { return b.IsTyping("c1", "alice") }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !b.IsTyping("c1", "alice") }, time.Second, time.Millisecond)
}

func TestClosePublishesInactive(t *testing.T) {
	h := newHub()
	sched := backoff.NewScheduler(backoff.Config{BaseDelay: time.Millisecond, MaxAttempts: 1}, zaptest.NewLogger(t))
	br := NewBroadcaster("alice", Config{IdleTimeout: time.Hour, Pulse: time.Hour / 4, TTL: time.Hour}, h, sched, nil, zaptest.NewLogger(t))

	br.SetTyping("c1", true)
	require.Eventually(t, func() bool { return count(h.from("alice"), true) == 1 }, time.Second, time.Millisecond)

	br.Close(context.Background())
	assert.Equal(t, 1, count(h.from("alice"), false))

	br.SetTyping("c1", true)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, count(h.from("alice"), true), "closed broadcaster ignores input")
}
