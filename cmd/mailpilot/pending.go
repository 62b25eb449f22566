package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/display"
	"github.com/mailpilot/mailpilot/internal/mail"
	"github.com/mailpilot/mailpilot/internal/notify"
	"github.com/mailpilot/mailpilot/internal/pim"
	"github.com/mailpilot/mailpilot/internal/pipeline"
	"github.com/mailpilot/mailpilot/internal/store"
)

var pendingLimit int

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List actions queued for approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		actions, err := st.PendingActions(store.StatusPending, pendingLimit)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(actions)
		}

		if len(actions) == 0 {
			fmt.Println("No pending actions.")
			return nil
		}

		display.Header("Pending Actions")
		fmt.Println()
		for _, pa := range actions {
			badge := display.Dim.Render("?")
			if pa.Decision != nil {
				badge = display.ActionBadge(pa.Decision.Action)
			}
			line := fmt.Sprintf("  [%d] %s  %s  %s",
				pa.ID, badge,
				display.Confidence(pa.Confidence),
				display.Truncate(pa.Summary, 60))
			if pa.PendingFolder != "" {
				line += display.Dim.Render(fmt.Sprintf("  (awaiting folder %q)", pa.PendingFolder))
			}
			fmt.Println(line)
			if pa.Reasoning != "" {
				fmt.Printf("      %s\n", display.Dim.Render(display.Truncate(pa.Reasoning, 80)))
			}
		}
		fmt.Println()
		fmt.Printf("  %d pending. Approve with 'mailpilot pending approve ID'.\n", len(actions))
		return nil
	},
}

var pendingApproveCmd = &cobra.Command{
	Use:   "approve ID [ID...]",
	Short: "Approve and execute pending actions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := buildProvider("")
		if err != nil {
			return err
		}
		eng := pipeline.New(st, mail.NewOSAClient(logger), pim.NewOSAClient(logger),
			provider, cfg, logger, &notify.Desktop{}, pipeline.Options{})

		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				display.ErrorMsg("invalid id %q", arg)
				continue
			}
			pa, err := st.PendingAction(id)
			if err != nil {
				display.ErrorMsg("load %d: %v", id, err)
				continue
			}
			if pa == nil {
				display.ErrorMsg("no pending action with id %d", id)
				continue
			}
			if pa.Status != store.StatusPending {
				display.ErrorMsg("%d already processed (status: %s)", id, pa.Status)
				continue
			}
			res, err := eng.ExecuteApproved(cmd.Context(), pa)
			if err != nil {
				display.ErrorMsg("approve %d: %v", id, err)
				continue
			}
			display.SuccessMsg("Executed %s for %s", res.Action, display.Truncate(pa.Summary, 50))
		}
		return nil
	},
}

var pendingRejectCmd = &cobra.Command{
	Use:   "reject ID [ID...]",
	Short: "Reject pending actions without executing them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				display.ErrorMsg("invalid id %q", arg)
				continue
			}
			if err := st.UpdatePendingStatus(id, store.StatusRejected); err != nil {
				display.ErrorMsg("reject %d: %v", id, err)
				continue
			}
			display.SuccessMsg("Rejected %d", id)
		}
		return nil
	},
}

func init() {
	pendingCmd.Flags().IntVar(&pendingLimit, "limit", 50, "Maximum rows to list")

	pendingCmd.AddCommand(pendingApproveCmd)
	pendingCmd.AddCommand(pendingRejectCmd)
	rootCmd.AddCommand(pendingCmd)
}
