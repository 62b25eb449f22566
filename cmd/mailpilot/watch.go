package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/display"
	"github.com/mailpilot/mailpilot/internal/mail"
	"github.com/mailpilot/mailpilot/internal/notify"
	"github.com/mailpilot/mailpilot/internal/pim"
	"github.com/mailpilot/mailpilot/internal/pipeline"
	"github.com/mailpilot/mailpilot/internal/watcher"
)

var watchStartupScan bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch for new mail and run autopilot passes continuously",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Autopilot.Enabled {
			return fmt.Errorf("autopilot is disabled in config")
		}

		provider, err := buildProvider(runProvider)
		if err != nil {
			return err
		}
		if !provider.Available(cmd.Context()) {
			return fmt.Errorf("AI provider %s is not available", provider.Name())
		}

		if cmd.Flags().Changed("startup-scan") {
			cfg.Autopilot.Watcher.StartupScan = watchStartupScan
		}

		client := mail.NewOSAClient(logger)
		notifier := &notify.Desktop{Enabled: cfg.Autopilot.Notifications}

		run := func(ctx context.Context, reason, detail string) error {
			eng := pipeline.New(st, client, pim.NewOSAClient(logger),
				provider, cfg, logger, notifier, pipeline.Options{})
			summary, _, err := eng.Run(ctx)
			if err != nil {
				return err
			}
			logger.Info("watch pass done", "reason", reason, "detail", detail,
				"processed", summary.EmailsProcessed, "executed", summary.ActionsExecuted,
				"queued", summary.ActionsQueued, "errors", summary.Errors)
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		w := watcher.New(st, client, cfg, logger, run)
		return w.Run(ctx)
	},
}

var watchResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear watcher state (count baseline, last scan, pid lock)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := st.ClearWatcherState(); err != nil {
			return fmt.Errorf("clear watcher state: %w", err)
		}
		display.SuccessMsg("Watcher state cleared")
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&runProvider, "provider", "", "AI provider override (claude|ollama)")
	watchCmd.Flags().BoolVar(&watchStartupScan, "startup-scan", true, "Run one pass immediately on start")

	watchCmd.AddCommand(watchResetCmd)
	rootCmd.AddCommand(watchCmd)
}
