// Package backoff schedules retries of remote operations with exponential
// backoff and jitter. Retry accounting is kept per operation kind so one
// failing feature cannot starve another.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// Config describes one retry policy.
type Config struct {
	BaseDelay   time.Duration `toml:"base_delay"`
	Multiplier  float64       `toml:"multiplier"`
	MaxDelay    time.Duration `toml:"max_delay"`
	MaxAttempts int           `toml:"max_attempts"`
	MinInterval time.Duration `toml:"min_interval"`
	// Jitter is the upper bound of the random extra delay, as a fraction of
	// the computed delay.
	Jitter float64 `toml:"jitter"`
}

// DefaultConfig returns the policy used when a kind has no override.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		MinInterval: 250 * time.Millisecond,
		Jitter:      0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Delay returns min(base*multiplier^attempt, maxDelay) without jitter.
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Exponential implements cbackoff.BackOff with the Config formula plus
// random jitter.
type Exponential struct {
	cfg     Config
	attempt int
	rand    func() float64
}

var _ cbackoff.BackOff = (*Exponential)(nil)

// NewExponential creates a backoff sequence for cfg.
func NewExponential(cfg Config) *Exponential {
	return &Exponential{cfg: cfg.withDefaults(), rand: rand.Float64}
}

// NextBackOff returns the delay before the next attempt.
func (e *Exponential) NextBackOff() time.Duration {
	d := e.cfg.Delay(e.attempt)
	e.attempt++
	if e.cfg.Jitter > 0 {
		d += time.Duration(e.rand() * e.cfg.Jitter * float64(d))
	}
	return d
}

// Reset restarts the sequence at the base delay.
func (e *Exponential) Reset() {
	e.attempt = 0
}
