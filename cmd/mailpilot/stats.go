package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/display"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show autopilot statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := st.GetStats()
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		display.Header("Mailpilot Statistics")
		fmt.Println()
		fmt.Printf("  Processed   %5d emails\n", stats.ProcessedTotal)
		fmt.Printf("  Pending     %5d awaiting approval\n", stats.PendingCount)
		if stats.LastProcessed != "" {
			fmt.Printf("  Last run    %s\n", display.TimeAgo(stats.LastProcessed))
		}

		if len(stats.Actions7d) > 0 {
			fmt.Println()
			fmt.Println("  Last 7 days")
			actions := make([]string, 0, len(stats.Actions7d))
			for a := range stats.Actions7d {
				actions = append(actions, a)
			}
			sort.Strings(actions)
			for _, a := range actions {
				fmt.Printf("    %-16s %4d\n", a, stats.Actions7d[a])
			}
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the recent action audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := st.AuditLog(auditLimit, auditAction, auditSource)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		if len(entries) == 0 {
			fmt.Println("Audit log is empty.")
			return nil
		}
		for _, e := range entries {
			detail := ""
			if folder, ok := e.Details["folder"].(string); ok {
				detail = "-> " + folder
			}
			fmt.Printf("  %s  %-14s %-10s %s %s\n",
				display.Dim.Render(display.TimeAgo(e.Timestamp)),
				e.Action, display.Dim.Render(e.Source),
				display.Truncate(e.MessageID, 24), detail)
		}
		return nil
	},
}

var (
	auditLimit  int
	auditAction string
	auditSource string
)

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum rows")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action")
	auditCmd.Flags().StringVar(&auditSource, "source", "", "Filter by source (autopilot|rule|approval|aging)")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(auditCmd)
}
