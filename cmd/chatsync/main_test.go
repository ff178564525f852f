package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		actorOverride, forceInit, probeURL = "", false, ""
		configPath = config.Path()
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConvID(t *testing.T) {
	out, err := execute(t, "conv-id", "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "conv_alice_bob", strings.TrimSpace(out))

	_, err = execute(t, "conv-id", "alice", "alice")
	require.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	_, err := execute(t, "config", "init", "--config", path, "--actor", "alice")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.ActorID)

	_, err = execute(t, "config", "init", "--config", path)
	require.ErrorContains(t, err, "already exists")
	_, err = execute(t, "config", "init", "--config", path, "--force")
	require.NoError(t, err)
}
