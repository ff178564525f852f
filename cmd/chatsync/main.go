package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath    string
	actorOverride string
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Real-time two-party conversation sync core",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.Path(), "config file path")
	rootCmd.PersistentFlags().StringVarP(&actorOverride, "actor", "a", "", "actor id (overrides config actor_id)")
	rootCmd.AddCommand(runCmd, convIDCmd, probeCmd, configCmd)
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if actorOverride != "" {
		cfg.ActorID = actorOverride
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
