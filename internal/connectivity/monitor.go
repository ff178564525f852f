// Package connectivity tracks whether the remote store is reachable. It
// combines platform link signals with an active probe whose interval backs
// off while probes fail.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// State is the connectivity state.
type State int

const (
	Unknown State = iota
	Online
	Offline
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Quality grades the link from probe latency.
type Quality int

const (
	QualityNone Quality = iota
	QualityPoor
	QualityGood
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	default:
		return "none"
	}
}

// Transition is a connectivity state change.
type Transition struct {
	From    State
	To      State
	Quality Quality
	Reason  string
	At      time.Time
}

// Config controls probing.
type Config struct {
	ProbeURL     string        `toml:"probe_url"`
	ProbeTimeout time.Duration `toml:"probe_timeout"`
	Interval     time.Duration `toml:"interval"`
	MaxInterval  time.Duration `toml:"max_interval"`
	// RecoverAfter consecutive successes bring a grown interval back to
	// Interval.
	RecoverAfter int `toml:"recover_after"`
	// OfflineAfter consecutive failures move an online monitor offline.
	OfflineAfter int           `toml:"offline_after"`
	PoorLatency  time.Duration `toml:"poor_latency"`
}

// DefaultConfig returns the probing defaults.
func DefaultConfig() Config {
	return Config{
		ProbeURL:     "https://clients3.google.com/generate_204",
		ProbeTimeout: 5 * time.Second,
		Interval:     15 * time.Second,
		MaxInterval:  2 * time.Minute,
		RecoverAfter: 3,
		OfflineAfter: 2,
		PoorLatency:  1500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.RecoverAfter <= 0 {
		c.RecoverAfter = 1
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 1
	}
	if c.PoorLatency <= 0 {
		c.PoorLatency = d.PoorLatency
	}
	return c
}

// Monitor is the process-wide connectivity state. Probing runs only while at
// least one subscriber is attached.
type Monitor struct {
	cfg    Config
	prober Prober
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	quality   Quality
	linkUp    bool
	refs      int
	failures  int
	successes int
	cancel    context.CancelFunc
	done      chan struct{}
	kick      chan struct{}
}

// NewMonitor creates a monitor in the Unknown state.
func NewMonitor(cfg Config, prober Prober, b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	cfg = cfg.withDefaults()
	if prober == nil {
		prober = NewHTTPProber(cfg.ProbeURL, cfg.ProbeTimeout)
	}
	return &Monitor{
		cfg:    cfg,
		prober: prober,
		bus:    b,
		logger: logger.Named("connectivity"),
		linkUp: true,
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Quality returns the link quality observed by the last probe.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Online reports whether retries are worth attempting. Unknown counts as
// online until a probe says otherwise.
func (m *Monitor) Online() bool {
	return m.State() != Offline
}

// Subscribe attaches a subscriber. Every subscriber receives every
// transition exactly once, in emission order. The first subscriber starts
// probing; the last unsubscribe stops it and resets the monitor to Unknown.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	events, unsubscribe := m.bus.SubscribeOrdered(bus.KindConnectivityChanged)
	out := make(chan Transition)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		for evt := range events {
			t, ok := evt.Payload.(Transition)
			if !ok {
				continue
			}
			select {
			case out <- t:
			case <-stop:
				return
			}
		}
	}()

	m.acquire()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(stop)
			unsubscribe()
			m.release()
		})
	}
}

// SetLinkUp feeds a platform connect/disconnect signal. A lost link moves
// the monitor offline at once; a restored link triggers an immediate probe.
func (m *Monitor) SetLinkUp(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.linkUp == up {
		return
	}
	m.linkUp = up
	if !up {
		m.failures = m.cfg.OfflineAfter
		m.successes = 0
		m.setLocked(Offline, QualityNone, "link down")
		return
	}
	if m.kick != nil {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
}

// ProbeOnce runs a single probe and feeds its result into the state machine.
func (m *Monitor) ProbeOnce(ctx context.Context) (time.Duration, error) {
	latency, err := m.prober.Probe(ctx)
	m.observe(latency, err)
	return latency, err
}

func (m *Monitor) acquire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs++
	if m.refs > 1 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.kick = make(chan struct{}, 1)
	go m.run(ctx, m.kick, m.done)
	m.logger.Debug("probing started", zap.Duration("interval", m.cfg.Interval))
}

func (m *Monitor) release() {
	m.mu.Lock()
	if m.refs == 0 {
		m.mu.Unlock()
		return
	}
	m.refs--
	if m.refs > 0 {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.cancel, m.done, m.kick = nil, nil, nil
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	if m.refs == 0 {
		m.state = Unknown
		m.quality = QualityNone
		m.failures, m.successes = 0, 0
	}
	m.mu.Unlock()
	m.logger.Debug("probing stopped")
}

func (m *Monitor) run(ctx context.Context, kick <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	exp := backoff.NewExponential(backoff.Config{
		BaseDelay:   m.cfg.Interval,
		Multiplier:  2,
		MaxDelay:    m.cfg.MaxInterval,
		MaxAttempts: 1,
		Jitter:      0.1,
	})
	interval := m.cfg.Interval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-kick:
		}

		m.mu.Lock()
		linkUp := m.linkUp
		m.mu.Unlock()

		var (
			latency time.Duration
			err     error
		)
		if linkUp {
			latency, err = m.prober.Probe(ctx)
			if ctx.Err() != nil {
				return
			}
		} else {
			err = errLinkDown
		}

		if m.observe(latency, err) {
			interval = exp.NextBackOff()
		} else if m.recovered() {
			exp.Reset()
			interval = m.cfg.Interval
		}
		timer.Reset(interval)
	}
}

// observe applies one probe result and reports whether it was a failure.
func (m *Monitor) observe(latency time.Duration, err error) (failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.successes = 0
		m.failures++
		m.logger.Debug("probe failed", zap.Int("consecutive", m.failures), zap.Error(err))
		if m.state == Unknown || (m.state == Online && m.failures >= m.cfg.OfflineAfter) {
			m.setLocked(Offline, QualityNone, err.Error())
		}
		return true
	}

	m.failures = 0
	m.successes++
	quality := QualityGood
	if latency > m.cfg.PoorLatency {
		quality = QualityPoor
	}
	if m.state != Online {
		m.setLocked(Online, quality, "probe succeeded")
	} else {
		m.quality = quality
	}
	return false
}

func (m *Monitor) recovered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successes >= m.cfg.RecoverAfter
}

// setLocked moves to state and publishes the transition. Publishing under
// the lock keeps emission order equal to transition order.
func (m *Monitor) setLocked(state State, quality Quality, reason string) {
	m.quality = quality
	if m.state == state {
		return
	}
	t := Transition{From: m.state, To: state, Quality: quality, Reason: reason, At: time.Now()}
	m.state = state
	m.logger.Info("connectivity changed",
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.Stringer("quality", quality),
		zap.String("reason", reason))
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: bus.KindConnectivityChanged, Timestamp: t.At, Payload: t})
	}
}
