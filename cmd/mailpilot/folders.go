package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/display"
	"github.com/mailpilot/mailpilot/internal/mail"
	"github.com/mailpilot/mailpilot/internal/pipeline"
)

var foldersAccount string

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List folders that queued actions are waiting on",
	RunE: func(cmd *cobra.Command, args []string) error {
		folders, err := st.PendingFolders(foldersAccount)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(folders)
		}

		if len(folders) == 0 {
			fmt.Println("No actions waiting on missing folders.")
			return nil
		}

		display.Header("Folders Awaiting Creation")
		fmt.Println()
		for _, pf := range folders {
			fmt.Printf("  %-30s %-20s %3d queued  %s\n",
				pf.Folder, display.Dim.Render(pf.Account), pf.MessageCount,
				display.Dim.Render("since "+display.TimeAgo(pf.FirstQueued)))
		}
		fmt.Println()
		fmt.Println("  Create the folders in Mail.app, then run 'mailpilot folders retry'.")
		return nil
	},
}

var foldersRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-check missing folders and execute queued actions for any that now exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver := pipeline.NewResolver(st, mail.NewOSAClient(logger), logger,
			cfg.Autopilot.EffectiveFolderPolicy, "", nil)

		executed, err := resolver.RetryPending(cmd.Context(), uuid.NewString())
		if err != nil {
			return err
		}
		if executed == 0 {
			fmt.Println("No queued actions could be executed yet.")
			return nil
		}
		display.SuccessMsg("Executed %d queued action(s)", executed)
		return nil
	},
}

func init() {
	foldersCmd.Flags().StringVar(&foldersAccount, "account", "", "Limit to one account")

	foldersCmd.AddCommand(foldersRetryCmd)
	rootCmd.AddCommand(foldersCmd)
}
