package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

type switchProber struct{ down atomic.Bool }

func (p *switchProber) Probe(context.Context) (time.Duration, error) {
	if p.down.Load() {
		return 0, syncerr.E(syncerr.Transient, "probe", errors.New("unreachable"))
	}
	return time.Millisecond, nil
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ActorID = "alice"
	cfg.DataDir = dir
	cfg.Backoff.BaseDelay = time.Millisecond
	cfg.Backoff.MaxDelay = 5 * time.Millisecond
	cfg.Connectivity.Interval = 5 * time.Millisecond
	cfg.Connectivity.MaxInterval = 10 * time.Millisecond
	cfg.Connectivity.OfflineAfter = 1
	cfg.Connectivity.RecoverAfter = 1
	cfg.Presence.Heartbeat = time.Hour
	return cfg
}

func startCore(t *testing.T, p Params) (*fxtest.App, *Core) {
	t.Helper()
	if p.Logger == nil {
		p.Logger = zaptest.NewLogger(t)
	}
	if p.Prober == nil {
		p.Prober = &switchProber{}
	}
	var c *Core
	app := fxtest.New(t, Module(p), fx.NopLogger, fx.Populate(&c))
	app.RequireStart()
	return app, c
}

func TestCoreLifecycle(t *testing.T) {
	dir := t.TempDir()
	app, c := startCore(t, Params{Config: testConfig(t, dir)})

	_, err := os.Stat(filepath.Join(dir, lock.FileName))
	require.NoError(t, err, "data dir is locked while running")

	s, err := c.Directory.Open(context.Background(), "bob")
	require.NoError(t, err)
	msg, err := s.Send(context.Background(), "hi", messages.Text)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	require.Eventually(t, func() bool { return len(c.Directory.List()) == 1 }, time.Second, time.Millisecond)

	app.RequireStop()
	_, err = os.Stat(filepath.Join(dir, lock.FileName))
	assert.True(t, os.IsNotExist(err), "lock released on stop")
	_, err = s.Send(context.Background(), "late", messages.Text)
	require.ErrorIs(t, err, syncerr.ErrFailedPrecondition)
}

func TestSecondCoreOnSameDataDirFails(t *testing.T) {
	dir := t.TempDir()
	app, _ := startCore(t, Params{Config: testConfig(t, dir)})
	defer app.RequireStop()

	other := fx.New(
		Module(Params{Config: testConfig(t, dir), Logger: zaptest.NewLogger(t), Prober: &switchProber{}}),
		fx.NopLogger,
		fx.Invoke(func(*Core) {}),
	)
	require.Error(t, other.Err())
	assert.Contains(t, other.Err().Error(), "data dir locked")
}

func TestConnectionNoticesAndResubscribe(t *testing.T) {
	prober := &switchProber{}
	app, c := startCore(t, Params{Config: testConfig(t, t.TempDir()), Prober: prober})
	defer app.RequireStop()

	notices, unsub := c.Bus.Subscribe("notice.", 16)
	defer unsub()
	require.Eventually(t, c.Connectivity.Online, time.Second, time.Millisecond)

	s, err := c.Directory.Open(context.Background(), "bob")
	require.NoError(t, err)
	defer c.Directory.Release(s.ConversationID())

	prober.down.Store(true)
	evt := next(t, notices)
	assert.Equal(t, bus.KindConnectionLost, evt.Kind)
	assert.True(t, evt.Payload.(Notice).Persistent)

	c.db.DropWatches(syncerr.E(syncerr.Transient, "network", nil))
	require.Eventually(t, func() bool { return s.Dropped() != nil }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.Directory.Err() != nil }, time.Second, time.Millisecond)

	prober.down.Store(false)
	evt = next(t, notices)
	assert.Equal(t, bus.KindConnectionRestored, evt.Kind)
	assert.False(t, evt.Payload.(Notice).Persistent)

	require.Eventually(t, func() bool { return s.Dropped() == nil && c.Directory.Err() == nil }, time.Second, time.Millisecond)
}

func TestRevocationTearsDownAndStopsApp(t *testing.T) {
	id := NewStaticIdentity("alice")
	app, c := startCore(t, Params{Config: testConfig(t, t.TempDir()), Identity: id})

	s, err := c.Directory.Open(context.Background(), "bob")
	require.NoError(t, err)

	id.Revoke()
	id.Revoke()
	select {
	case <-c.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("core did not stop after revocation")
	}
	select {
	case <-app.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("app shutdown was not requested")
	}
	app.RequireStop()

	_, err = s.Send(context.Background(), "after logout", messages.Text)
	require.ErrorIs(t, err, syncerr.ErrFailedPrecondition)
}

func TestInvalidIdentityRejected(t *testing.T) {
	app := fx.New(
		Module(Params{Config: testConfig(t, t.TempDir()), Identity: NewStaticIdentity("a/b"), Logger: zaptest.NewLogger(t)}),
		fx.NopLogger,
		fx.Invoke(func(*Core) {}),
	)
	require.Error(t, app.Err())
}

func next(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no notice")
		return bus.Event{}
	}
}
