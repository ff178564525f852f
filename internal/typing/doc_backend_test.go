package typing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDocBackendSurvivesDroppedFeed(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := Config{TTL: time.Second, Pulse: 300 * time.Millisecond, IdleTimeout: 50 * time.Millisecond, Debounce: time.Millisecond}
	backend := NewDocBackend(db, zaptest.NewLogger(t))
	alice := newBroadcaster(t, "alice", cfg, backend)
	bob := newBroadcaster(t, "bob", cfg, backend)

	require.NoError(t, bob.Watch(context.Background(), "c1"))
	alice.SetTyping("c1", true)
	require.Eventually(t, func() bool { return bob.IsTyping("c1", "alice") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !bob.IsTyping("c1", "alice") }, 2*time.Second, 5*time.Millisecond)

	db.DropWatches(errors.New("network reset"))
	require.Eventually(t, func() bool {
		bob.mu.Lock()
		defer bob.mu.Unlock()
		return bob.dropped["c1"]
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bob.Resubscribe(context.Background()))
	alice.SetTyping("c1", true)
	require.Eventually(t, func() bool { return bob.IsTyping("c1", "alice") }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, bob.Typists("c2"))
}
