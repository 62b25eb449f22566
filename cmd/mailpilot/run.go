package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/display"
	"github.com/mailpilot/mailpilot/internal/mail"
	"github.com/mailpilot/mailpilot/internal/notify"
	"github.com/mailpilot/mailpilot/internal/pim"
	"github.com/mailpilot/mailpilot/internal/pipeline"
	"github.com/mailpilot/mailpilot/internal/types"
)

var (
	runDryRun      bool
	runBatchSize   int
	runAccount     string
	runProvider    string
	runAutoCreate  bool
	runInteractive bool
	runContinuous  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one autopilot pass over the configured mailboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Autopilot.Enabled {
			return fmt.Errorf("autopilot is disabled in config")
		}

		provider, err := buildProvider(runProvider)
		if err != nil {
			return err
		}
		if !provider.Available(cmd.Context()) {
			return fmt.Errorf("AI provider %s is not available (missing key or server down)", provider.Name())
		}

		opts := pipeline.Options{
			DryRun:    runDryRun,
			BatchSize: runBatchSize,
			Account:   runAccount,
		}
		if runAutoCreate {
			opts.FolderPolicy = types.FolderAutoCreate
		}
		if runInteractive {
			opts.FolderPolicy = types.FolderInteractive
			opts.Prompter = &stdinPrompter{}
		}

		ctx := cmd.Context()
		if runContinuous {
			// An interrupt stops after the current batch; the engine
			// observes cancellation between messages and still flushes.
			sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = sigCtx
		}

		for {
			eng := pipeline.New(st, mail.NewOSAClient(logger), pim.NewOSAClient(logger),
				provider, cfg, logger, &notify.Desktop{Enabled: cfg.Autopilot.Notifications}, opts)

			summary, results, err := eng.Run(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(struct {
					Summary *types.RunResult       `json:"summary"`
					Results []*types.ProcessResult `json:"results"`
				}{summary, results}); err != nil {
					return err
				}
			} else {
				if verbose {
					for _, r := range results {
						fmt.Println(display.ResultLine(r))
					}
					fmt.Println()
				}
				fmt.Println(display.RunSummary(summary))
			}

			if !runContinuous || len(results) == 0 || ctx.Err() != nil {
				return nil
			}
		}
	},
}

// buildProvider constructs the classifier from config, with an optional
// CLI override.
func buildProvider(override string) (ai.Provider, error) {
	name := cfg.AI.Provider
	if override != "" {
		name = override
	}
	switch name {
	case "claude", "":
		return ai.NewClaudeProvider(cfg.AI.APIKey, cfg.AI.Model), nil
	case "ollama":
		return ai.NewOllamaProvider(cfg.AI.Host, cfg.AI.Model), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", name)
	}
}

// stdinPrompter asks on the terminal how to handle a missing folder.
type stdinPrompter struct{}

func (p *stdinPrompter) ResolveMissingFolder(target, account, nearest string) (pipeline.PromptChoice, string) {
	fmt.Printf("\nFolder %q does not exist in account %q.\n", target, account)
	if nearest != "" {
		fmt.Printf("  [u] use existing folder %q\n", nearest)
	}
	fmt.Println("  [c] create it")
	fmt.Println("  [s] skip this message")
	fmt.Print("> ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return pipeline.ChoiceSkip, ""
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "u":
		if nearest != "" {
			return pipeline.ChoiceUseExisting, nearest
		}
		return pipeline.ChoiceSkip, ""
	case "c":
		return pipeline.ChoiceCreate, ""
	default:
		return pipeline.ChoiceSkip, ""
	}
}

func init() {
	runCmd.Flags().BoolVarP(&runDryRun, "dry-run", "n", false, "Classify only; no mutations, no ledger writes")
	runCmd.Flags().IntVar(&runBatchSize, "batch", 0, "Per-mailbox fetch limit (default: from config)")
	runCmd.Flags().StringVar(&runAccount, "account", "", "Process only this account")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "AI provider override (claude|ollama)")
	runCmd.Flags().BoolVar(&runAutoCreate, "auto-create-folders", false, "Create missing destination folders")
	runCmd.Flags().BoolVarP(&runInteractive, "interactive", "i", false, "Prompt for each missing destination folder")
	runCmd.Flags().BoolVar(&runContinuous, "continuous", false, "Repeat passes until no messages remain; interrupt stops after the current batch")

	rootCmd.AddCommand(runCmd)
}
