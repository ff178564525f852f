package backoff

import (
	"context"
	"errors"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// Operation kinds used across the core.
const (
	KindMessageSend     = "message.send"
	KindMessageRetry    = "message.retry"
	KindMessageEdit     = "message.edit"
	KindMessageReact    = "message.react"
	KindMessageRead     = "message.read"
	KindMessageDeliver  = "message.deliver"
	KindPresencePublish = "presence.publish"
	KindTypingPublish   = "typing.publish"
	KindDirectoryCreate = "directory.create"
	KindDirectoryUpdate = "directory.update"
)

// RetryState is the process-local retry accounting of one operation kind.
// It resets to zero after any successful operation of that kind.
type RetryState struct {
	Attempts            int
	ConsecutiveFailures int
	LastAttempt         time.Time
}

type kindState struct {
	cfg     Config
	limiter ratelimit.Limiter

	mu    sync.Mutex
	state RetryState
}

// Scheduler runs operations with bounded, per-kind exponential retry.
type Scheduler struct {
	defaults Config
	logger   *zap.Logger

	mu        sync.Mutex
	overrides map[string]Config
	kinds     map[string]*kindState
	gate      func() bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithGate installs a retry-eligibility check, typically the connectivity
// monitor. While it reports false, transient failures are not retried.
func WithGate(gate func() bool) Option {
	return func(s *Scheduler) { s.gate = gate }
}

// WithKind overrides the policy of one operation kind.
func WithKind(kind string, cfg Config) Option {
	return func(s *Scheduler) { s.overrides[kind] = cfg }
}

// NewScheduler creates a scheduler using defaults for kinds without an
// override.
func NewScheduler(defaults Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		defaults:  defaults.withDefaults(),
		logger:    logger,
		overrides: make(map[string]Config),
		kinds:     make(map[string]*kindState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetGate replaces the retry-eligibility check.
func (s *Scheduler) SetGate(gate func() bool) {
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
}

// Configure replaces the policy of one operation kind. Accounting for the
// kind starts over.
func (s *Scheduler) Configure(kind string, cfg Config) {
	s.mu.Lock()
	s.overrides[kind] = cfg
	delete(s.kinds, kind)
	s.mu.Unlock()
}

// Schedule runs op until it succeeds, fails terminally, exhausts the kind's
// attempt budget or ctx ends. Terminal errors are returned unchanged;
// exhaustion is reported as a syncerr Transient error carrying the attempt
// count.
func (s *Scheduler) Schedule(ctx context.Context, kind string, op func(context.Context) error) error {
	ks := s.kind(kind)

	attempts := 0
	operation := func() error {
		if err := ks.wait(ctx); err != nil {
			return cbackoff.Permanent(err)
		}
		attempts++
		ks.recordAttempt()

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !syncerr.Retryable(err) {
			return cbackoff.Permanent(err)
		}
		if !s.eligible() {
			s.logger.Debug("not retrying while offline", zap.String("kind", kind), zap.Error(err))
			return cbackoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.logger.Debug("retrying operation",
			zap.String("kind", kind),
			zap.Int("attempt", attempts),
			zap.Duration("delay", next),
			zap.Error(err))
	}

	b := cbackoff.WithContext(
		cbackoff.WithMaxRetries(NewExponential(ks.cfg), uint64(ks.cfg.MaxAttempts-1)),
		ctx,
	)
	err := cbackoff.RetryNotify(operation, b, notify)
	if err == nil {
		ks.succeeded()
		return nil
	}
	ks.failed()

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if syncerr.Retryable(err) {
		s.logger.Warn("operation failed after retries",
			zap.String("kind", kind), zap.Int("attempts", attempts), zap.Error(err))
		return syncerr.Exhausted(kind, err, attempts)
	}
	return err
}

// State returns a copy of the retry accounting for kind.
func (s *Scheduler) State(kind string) RetryState {
	ks := s.kind(kind)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state
}

func (s *Scheduler) eligible() bool {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	return gate == nil || gate()
}

func (s *Scheduler) kind(kind string) *kindState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ks, ok := s.kinds[kind]; ok {
		return ks
	}
	cfg := s.defaults
	if o, ok := s.overrides[kind]; ok {
		cfg = o.withDefaults()
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.MinInterval > 0 {
		limiter = ratelimit.New(1, ratelimit.Per(cfg.MinInterval), ratelimit.WithoutSlack)
	}
	ks := &kindState{cfg: cfg, limiter: limiter}
	s.kinds[kind] = ks
	return ks
}

// wait blocks until the kind's limiter admits another attempt, first
// attempts included, or ctx ends.
func (ks *kindState) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ks.cfg.MinInterval <= 0 {
		return nil
	}
	admitted := make(chan struct{})
	go func() {
		ks.limiter.Take()
		close(admitted)
	}()
	select {
	case <-admitted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ks *kindState) recordAttempt() {
	ks.mu.Lock()
	ks.state.Attempts++
	ks.state.LastAttempt = time.Now()
	ks.mu.Unlock()
}

func (ks *kindState) succeeded() {
	ks.mu.Lock()
	ks.state = RetryState{}
	ks.mu.Unlock()
}

func (ks *kindState) failed() {
	ks.mu.Lock()
	ks.state.ConsecutiveFailures++
	ks.mu.Unlock()
}
