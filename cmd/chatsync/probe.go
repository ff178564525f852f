package main

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/spf13/cobra"
)

var probeURL string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe the connectivity endpoint once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		url := cfg.Connectivity.ProbeURL
		if probeURL != "" {
			url = probeURL
		}
		latency, err := connectivity.NewHTTPProber(url, cfg.Connectivity.ProbeTimeout).Probe(cmd.Context())
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "online %s (%s)\n", url, latency)
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeURL, "url", "", "endpoint to probe (overrides config)")
}
