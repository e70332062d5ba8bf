package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pysugar/codex-nexus/internal/promptcache"
	"github.com/pysugar/codex-nexus/internal/store"
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Fetch and print the upstream system prompt",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := promptcache.New()
		if mirror := promptMirrorPath(); mirror != "" {
			c.WithMirror(mirror)
		}
		body, err := c.Get(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(body)
		return nil
	},
}

// promptMirrorPath places the prompt mirror next to the account storage.
func promptMirrorPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	storagePath, err := store.ResolveStoragePath(cwd)
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(storagePath), "prompt.md")
}

var (
	acquireFamily string
	acquireModel  string
)

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Select and probe the best account for a request (diagnostic)",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		lease, err := m.Acquire(cmd.Context(), acquireFamily, acquireModel)
		if err != nil {
			return err
		}
		fmt.Printf("Selected #%d %s\n", lease.Index, label(&lease.Account))
		return nil
	},
}

func init() {
	acquireCmd.Flags().StringVar(&acquireFamily, "family", "codex", "model family")
	acquireCmd.Flags().StringVar(&acquireModel, "model", "", "optional model pin")

	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(acquireCmd)
}
