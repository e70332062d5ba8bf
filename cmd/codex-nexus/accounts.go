package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pysugar/codex-nexus/internal/store"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the account pool",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		accounts := m.Accounts()
		if len(accounts) == 0 {
			fmt.Println("No accounts. Run `codex-nexus auth login` to add one.")
			return nil
		}

		active := m.ActiveIndex("codex")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  #\tLABEL\tEMAIL\tLAST USED\tSTATE")
		now := time.Now().UnixMilli()
		for i, acc := range accounts {
			marker := " "
			if i == active {
				marker = "*"
			}
			fmt.Fprintf(w, "%s %d\t%s\t%s\t%s\t%s\n",
				marker, i, label(&acc), acc.Email, lastUsed(&acc), state(&acc, now))
		}
		return w.Flush()
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <index|email|account-id>",
	Short: "Remove an account from the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		removed, err := m.Remove(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", label(&removed))
		return nil
	},
}

var accountsRenameCmd = &cobra.Command{
	Use:   "rename <index|email|account-id> <label>",
	Short: "Set an account's display label",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		return m.Rename(args[0], args[1])
	},
}

var accountsSwitchCmd = &cobra.Command{
	Use:   "switch <index|email|account-id>",
	Short: "Pin the default active account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		idx, err := m.Switch(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Active account is now #%d\n", idx)
		return nil
	},
}

var exportForce bool

var accountsExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the pool to a portable file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		if err := m.Export(args[0], exportForce); err != nil {
			return err
		}
		fmt.Printf("Exported to %s\n", args[0])
		return nil
	},
}

var accountsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge accounts from a file into the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		res, err := m.Import(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d, skipped %d, pool now holds %d account(s)\n",
			res.Imported, res.Skipped, res.Total)
		return nil
	},
}

var healthFamily string

var accountsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every account and show tracker state",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}

		report := m.HealthReport(cmd.Context(), healthFamily)
		if len(report) == 0 {
			fmt.Println("No accounts to probe.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  #\tLABEL\tOK\tSCORE\tTOKENS\tBREAKER\tNOTE")
		for _, row := range report {
			marker := " "
			if row.Active {
				marker = "*"
			}
			ok := "yes"
			note := ""
			if !row.Healthy {
				ok = "no"
				note = row.Error
			}
			if row.CoolingDown {
				note = "cooling down"
			}
			fmt.Fprintf(w, "%s %d\t%s\t%s\t%.0f\t%d\t%s\t%s\n",
				marker, row.Index, row.Label, ok, row.Score, row.Tokens, row.BreakerState, note)
		}
		return w.Flush()
	},
}

func label(acc *store.Account) string {
	if acc.AccountLabel != "" {
		return acc.AccountLabel
	}
	if acc.Email != "" {
		return acc.Email
	}
	if acc.AccountID != "" {
		return acc.AccountID
	}
	return "(unnamed)"
}

func lastUsed(acc *store.Account) string {
	if acc.LastUsed == 0 {
		return "never"
	}
	return time.UnixMilli(acc.LastUsed).Format("2006-01-02 15:04")
}

func state(acc *store.Account, nowMs int64) string {
	if acc.CoolingDownUntil > nowMs {
		return "cooldown (" + acc.CooldownReason + ")"
	}
	for _, reset := range acc.RateLimitResetTimes {
		if reset > nowMs {
			return "rate limited"
		}
	}
	return "ready"
}

func init() {
	accountsExportCmd.Flags().BoolVarP(&exportForce, "force", "f", false, "overwrite an existing file")
	accountsHealthCmd.Flags().StringVar(&healthFamily, "family", "codex", "model family to report on")

	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	accountsCmd.AddCommand(accountsRenameCmd)
	accountsCmd.AddCommand(accountsSwitchCmd)
	accountsCmd.AddCommand(accountsExportCmd)
	accountsCmd.AddCommand(accountsImportCmd)
	accountsCmd.AddCommand(accountsHealthCmd)
	rootCmd.AddCommand(accountsCmd)
}
