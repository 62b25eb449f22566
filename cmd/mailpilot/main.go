package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/store"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	configPath string
	dbPath     string
	jsonOutput bool
	verbose    bool

	cfg    *config.Settings
	st     *store.Store
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailpilot",
	Short: "mailpilot - AI email autopilot for Apple Mail",
	Long:  "Mailpilot: quick rules, AI classification and confidence-gated execution against Mail.app.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "help", "version":
			return nil
		}

		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}

		logger = newLogger(cfg.LogLevel, verbose)

		dbp := dbPath
		if dbp == "" {
			dbp = cfg.DBPath
		}
		if dbp == "" {
			dbp = store.DefaultPath()
		}
		st, err = store.Open(dbp)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if st != nil {
			st.Close()
		}
	},
}

// newLogger builds the process logger. Verbose wins over the configured
// level.
func newLogger(level string, verbose bool) *slog.Logger {
	lv := slog.LevelInfo
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	}
	if verbose {
		lv = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailpilot version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: ~/.config/mailpilot/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: from config or ~/.local/share/mailpilot)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
