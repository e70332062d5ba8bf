package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pysugar/codex-nexus/internal/oauth"
)

// indirection for tests
var startLogin = oauth.StartLogin

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authentication commands",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Add an account via the browser OAuth flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		session, err := startLogin(cmd.Context())
		if err != nil {
			return err
		}
		defer session.Cleanup()

		fmt.Println("Open this URL in your browser to log in:")
		fmt.Println()
		fmt.Println("  " + session.AuthURL)
		fmt.Println()
		fmt.Printf("Waiting for the callback on port %d...\n", session.Port)

		res := <-session.Result
		if res.Err != nil {
			return fmt.Errorf("login failed: %w", res.Err)
		}
		if err := m.AddCredentials(*res.Credentials); err != nil {
			return err
		}
		fmt.Printf("Logged in as %s\n", res.Credentials.Label())
		return nil
	},
}

var authRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Scan known on-disk locations for existing Codex credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		added, scanErrs := m.Recover()
		fmt.Printf("Recovered %d account(s)\n", added)
		for _, e := range scanErrs {
			fmt.Printf("  warning: %s: %s\n", e.Path, e.Error)
		}
		return nil
	},
}

func init() {
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authRecoverCmd)
	rootCmd.AddCommand(authCmd)
}
