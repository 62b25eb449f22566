// Package config loads mailpilot settings from a YAML file via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/mailpilot/mailpilot/internal/rules"
	"github.com/mailpilot/mailpilot/internal/types"
)

// AIConfig selects and configures the classifier provider.
type AIConfig struct {
	// Provider is "claude" or "ollama".
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	// Host is the Ollama server URL.
	Host string `mapstructure:"host" yaml:"host"`
	// RateLimitDelaySec is slept between consecutive classifier calls.
	RateLimitDelaySec int `mapstructure:"rate_limit_delay_sec" yaml:"rate_limit_delay_sec"`
}

// RetentionRule purges messages older than Days from a folder.
type RetentionRule struct {
	Folder  string `mapstructure:"folder" yaml:"folder"`
	Account string `mapstructure:"account" yaml:"account"`
	Days    int    `mapstructure:"days" yaml:"days"`
}

// AgingConfig drives the three-phase aging/retention sweep.
type AgingConfig struct {
	Enabled         bool            `mapstructure:"enabled" yaml:"enabled"`
	StaleInboxDays  int             `mapstructure:"stale_inbox_days" yaml:"stale_inbox_days"`
	ReviewFolder    string          `mapstructure:"review_folder" yaml:"review_folder"`
	ReviewPurgeDays int             `mapstructure:"review_purge_days" yaml:"review_purge_days"`
	Retention       []RetentionRule `mapstructure:"retention" yaml:"retention"`
}

// WatcherConfig drives the hybrid watch loop.
type WatcherConfig struct {
	// PollIntervalSec is how often message counts are sampled.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	// PostScanIntervalSec is the fallback scan interval when no count
	// delta fires.
	PostScanIntervalSec int `mapstructure:"post_scan_interval_sec" yaml:"post_scan_interval_sec"`
	// StartupScan runs one pass immediately on watcher start.
	StartupScan bool `mapstructure:"startup_scan" yaml:"startup_scan"`
}

// AutopilotConfig is the autopilot section of the YAML file.
type AutopilotConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Instructions string   `mapstructure:"instructions" yaml:"instructions"`
	Mailboxes    []string `mapstructure:"mailboxes" yaml:"mailboxes"`
	// Accounts limits processing; empty means all enabled accounts.
	Accounts        []string `mapstructure:"accounts" yaml:"accounts"`
	ExcludeSenders  []string `mapstructure:"exclude_senders" yaml:"exclude_senders"`
	ExcludeSubjects []string `mapstructure:"exclude_subjects" yaml:"exclude_subjects"`
	MaxAgeDays      int      `mapstructure:"max_age_days" yaml:"max_age_days"`
	// MainAccount, when set, receives all move/archive operations.
	// types.LocalAccount routes to local "On My Mac" mailboxes.
	MainAccount string       `mapstructure:"main_account" yaml:"main_account"`
	QuickRules  []rules.Rule `mapstructure:"quick_rules" yaml:"quick_rules"`

	// BatchSize is the per-mailbox fetch limit.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
	// ChunkSize is the mutation-buffer flush boundary.
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`

	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	// OutboundConfidenceThreshold is the stricter bar for reply/forward
	// under the allow_high_confidence policy.
	OutboundConfidenceThreshold float64 `mapstructure:"outbound_confidence_threshold" yaml:"outbound_confidence_threshold"`

	LowConfidenceAction types.LowConfidenceAction `mapstructure:"low_confidence_action" yaml:"low_confidence_action"`
	OutboundPolicy      types.OutboundPolicy      `mapstructure:"outbound_policy" yaml:"outbound_policy"`

	// FolderPolicy is the default for missing destination folders;
	// FolderPolicies overrides it per account.
	FolderPolicy   types.FolderPolicy            `mapstructure:"folder_policy" yaml:"folder_policy"`
	FolderPolicies map[string]types.FolderPolicy `mapstructure:"folder_policies" yaml:"folder_policies"`

	// SendReplies sends generated replies immediately instead of
	// leaving drafts open.
	SendReplies bool `mapstructure:"send_replies" yaml:"send_replies"`

	// RetentionDays prunes the processed ledger at end of pass.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`

	Aging   AgingConfig   `mapstructure:"aging" yaml:"aging"`
	Watcher WatcherConfig `mapstructure:"watcher" yaml:"watcher"`

	// Notifications raises a desktop notice when folders are queued.
	Notifications bool `mapstructure:"notifications" yaml:"notifications"`
}

// Settings is the top-level configuration.
type Settings struct {
	DBPath    string          `mapstructure:"db_path" yaml:"db_path"`
	LogLevel  string          `mapstructure:"log_level" yaml:"log_level"`
	AI        AIConfig        `mapstructure:"ai" yaml:"ai"`
	Autopilot AutopilotConfig `mapstructure:"autopilot" yaml:"autopilot"`
}

// DefaultPath returns ~/.config/mailpilot/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailpilot", "config.yaml")
}

// RateLimitDelay returns the pause between classifier calls.
func (s *Settings) RateLimitDelay() time.Duration {
	return time.Duration(s.AI.RateLimitDelaySec) * time.Second
}

// EffectiveFolderPolicy resolves the folder policy for an account:
// per-account override, then the configured default, then queue.
func (a *AutopilotConfig) EffectiveFolderPolicy(account string) types.FolderPolicy {
	if p, ok := a.FolderPolicies[account]; ok && p != "" {
		return p
	}
	if a.FolderPolicy != "" {
		return a.FolderPolicy
	}
	return types.FolderQueue
}

// PollInterval returns the watcher's count-sampling interval.
func (w *WatcherConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSec) * time.Second
}

// PostScanInterval returns the watcher's fallback scan interval.
func (w *WatcherConfig) PostScanInterval() time.Duration {
	return time.Duration(w.PostScanIntervalSec) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("ai.provider", "claude")
	v.SetDefault("ai.rate_limit_delay_sec", 0)
	v.SetDefault("autopilot.enabled", true)
	v.SetDefault("autopilot.mailboxes", []string{"INBOX"})
	v.SetDefault("autopilot.max_age_days", 7)
	v.SetDefault("autopilot.batch_size", 50)
	v.SetDefault("autopilot.chunk_size", 10)
	v.SetDefault("autopilot.confidence_threshold", 0.7)
	v.SetDefault("autopilot.outbound_confidence_threshold", 0.9)
	v.SetDefault("autopilot.low_confidence_action", string(types.FlagForReview))
	v.SetDefault("autopilot.outbound_policy", string(types.RequireApproval))
	v.SetDefault("autopilot.folder_policy", string(types.FolderQueue))
	v.SetDefault("autopilot.retention_days", 90)
	v.SetDefault("autopilot.notifications", true)
	v.SetDefault("autopilot.aging.enabled", false)
	v.SetDefault("autopilot.aging.stale_inbox_days", 14)
	v.SetDefault("autopilot.aging.review_folder", "Needs Review")
	v.SetDefault("autopilot.aging.review_purge_days", 7)
	v.SetDefault("autopilot.watcher.poll_interval_sec", 60)
	v.SetDefault("autopilot.watcher.post_scan_interval_sec", 900)
	v.SetDefault("autopilot.watcher.startup_scan", true)
}

// Load reads settings from path, falling back to defaults when the file
// does not exist.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil && !isMissingConfig(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Settings
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// isMissingConfig reports whether the error means the config file is
// simply absent, which falls back to defaults.
func isMissingConfig(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	a := &s.Autopilot
	if a.ConfidenceThreshold < 0 || a.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %g out of range [0,1]", a.ConfidenceThreshold)
	}
	if a.OutboundConfidenceThreshold < 0 || a.OutboundConfidenceThreshold > 1 {
		return fmt.Errorf("outbound_confidence_threshold %g out of range [0,1]", a.OutboundConfidenceThreshold)
	}
	switch a.LowConfidenceAction {
	case types.FlagForReview, types.SkipLowConf, types.QueueForApproval:
	default:
		return fmt.Errorf("invalid low_confidence_action %q", a.LowConfidenceAction)
	}
	switch a.OutboundPolicy {
	case types.RequireApproval, types.AllowHighConfidence, types.FullAutopilot:
	default:
		return fmt.Errorf("invalid outbound_policy %q", a.OutboundPolicy)
	}
	switch a.FolderPolicy {
	case types.FolderAutoCreate, types.FolderInteractive, types.FolderQueue:
	default:
		return fmt.Errorf("invalid folder_policy %q", a.FolderPolicy)
	}
	for account, p := range a.FolderPolicies {
		switch p {
		case types.FolderAutoCreate, types.FolderInteractive, types.FolderQueue:
		default:
			return fmt.Errorf("invalid folder policy %q for account %q", p, account)
		}
	}
	for i := range a.QuickRules {
		if err := a.QuickRules[i].Validate(); err != nil {
			return fmt.Errorf("quick rule %d: %w", i, err)
		}
	}
	for _, r := range a.Aging.Retention {
		if r.Folder == "" || r.Days <= 0 {
			return fmt.Errorf("retention rule needs a folder and positive days")
		}
	}
	return nil
}
