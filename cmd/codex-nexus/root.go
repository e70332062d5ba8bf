package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pysugar/codex-nexus/internal/config"
	"github.com/pysugar/codex-nexus/internal/manager"
	"github.com/pysugar/codex-nexus/internal/shutdown"
	"github.com/pysugar/codex-nexus/internal/version"
)

var (
	cfgFile string
	sd      = shutdown.NewManager()
)

var rootCmd = &cobra.Command{
	Use:   "codex-nexus",
	Short: "Codex Nexus - multi-account Codex request coordinator",
	Long: `Codex Nexus keeps a pool of OAuth-authenticated Codex accounts and picks
the best one for each request: healthy, within quota, least recently used.
Rate limits, auth failures and outages rotate traffic automatically.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with signal-aware shutdown.
func Execute() {
	ctx := sd.HandleSignals(context.Background())
	err := rootCmd.ExecuteContext(ctx)
	sd.Run(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
}

// newManager builds the manager from flags and registers its teardown.
func newManager() (*manager.Manager, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	m, err := manager.New(cfg)
	if err != nil {
		return nil, err
	}
	sd.Register("manager", func(context.Context) error { return m.Close() })
	return m, nil
}
