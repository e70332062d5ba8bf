package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/pysugar/codex-nexus/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Codex Nexus %s\n", version.Version)
		fmt.Printf("Git Commit: %s\n", version.Commit)
		fmt.Printf("Build Time: %s\n", version.BuildTime)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
