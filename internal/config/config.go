// Package config loads the chatsync TOML configuration and derives the
// on-disk layout of an actor's data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/typing"
)

// Config represents ~/.chatsync/config.toml.
type Config struct {
	ActorID string `toml:"actor_id"`
	// DataDir overrides ~/.chatsync/actors/<actor_id>.
	DataDir string `toml:"data_dir"`

	Log          LogConfig           `toml:"log"`
	Backoff      backoff.Config      `toml:"backoff"`
	Retry        backoff.Config      `toml:"retry"`
	Connectivity connectivity.Config `toml:"connectivity"`
	Presence     presence.Config     `toml:"presence"`
	Typing       typing.Config       `toml:"typing"`
	Messages     messages.Config     `toml:"messages"`
	Redis        RedisConfig         `toml:"redis"`
	NATS         NATSConfig          `toml:"nats"`
	Notify       NotifyConfig        `toml:"notify"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type NATSConfig struct {
	URL  string `toml:"url"`
	Name string `toml:"name"`
}

// NotifyConfig selects the notification fanout: "none" or "nats".
type NotifyConfig struct {
	Backend string `toml:"backend"`
}

// Default returns a config with every section filled in.
func Default() *Config {
	retry := backoff.DefaultConfig()
	retry.MaxAttempts = 3
	retry.MinInterval = 500 * time.Millisecond
	return &Config{
		Log:          LogConfig{Level: "info"},
		Backoff:      backoff.DefaultConfig(),
		Retry:        retry,
		Connectivity: connectivity.DefaultConfig(),
		Presence:     presence.DefaultConfig(),
		Typing:       typing.DefaultConfig(),
		Messages:     messages.DefaultConfig(),
		Redis:        RedisConfig{Addr: "localhost:6379"},
		NATS:         NATSConfig{URL: "nats://127.0.0.1:4222", Name: "chatsync"},
		Notify:       NotifyConfig{Backend: "none"},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

var actorRegexp = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// ValidateActorID checks that id is usable in document paths and field
// paths.
func ValidateActorID(id string) error {
	if !actorRegexp.MatchString(id) {
		return fmt.Errorf("invalid actor id %q: must match ^[A-Za-z0-9-]{1,64}$", id)
	}
	return nil
}

// Validate checks the fields a running core depends on.
func (c *Config) Validate() error {
	if err := ValidateActorID(c.ActorID); err != nil {
		return err
	}
	switch c.Presence.Backend {
	case "store", "redis":
	default:
		return fmt.Errorf("presence.backend %q: want store or redis", c.Presence.Backend)
	}
	switch c.Typing.Backend {
	case "store", "nats":
	default:
		return fmt.Errorf("typing.backend %q: want store or nats", c.Typing.Backend)
	}
	switch c.Notify.Backend {
	case "none", "nats":
	default:
		return fmt.Errorf("notify.backend %q: want none or nats", c.Notify.Backend)
	}
	if c.Typing.Pulse >= c.Typing.TTL {
		return fmt.Errorf("typing.pulse %s must be shorter than typing.ttl %s", c.Typing.Pulse, c.Typing.TTL)
	}
	return nil
}

// NeedsNATS reports whether any component talks to NATS.
func (c *Config) NeedsNATS() bool {
	return c.Typing.Backend == "nats" || c.Notify.Backend == "nats"
}
