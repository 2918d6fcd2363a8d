// Package config loads the kernel's YAML configuration.
package config

import (
	"time"
)

// Config is the top-level kernel configuration.
type Config struct {
	Controller string            `yaml:"controller"`
	Agents     []AgentConfig     `yaml:"agents"`
	Mailbox    MailboxConfig     `yaml:"mailbox"`
	Compaction CompactionConfig  `yaml:"compaction"`
	Truncation TruncationConfig  `yaml:"truncation"`
	Logging    LoggingConfig     `yaml:"logging"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
}

// AgentConfig describes one agent profile to register with the kernel.
type AgentConfig struct {
	AgentID      string `yaml:"agent_id"`
	Role         string `yaml:"role"`
	SystemPrompt string `yaml:"system_prompt"`
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	MaxLoops     int    `yaml:"max_loops"`
	MaxToolsPerTask int `yaml:"max_tools_per_task"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
}

// ProviderConfig configures a concrete LLM provider adapter.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	Region       string `yaml:"region"`
}

// MailboxConfig configures the inter-agent mailbox subsystem.
type MailboxConfig struct {
	DefaultLimit      int           `yaml:"default_limit"`
	DefaultLeaseMs    int           `yaml:"default_lease_ms"`
	DefaultMaxAttempts int          `yaml:"default_max_attempts"`
	WaitMs            int           `yaml:"wait_ms"`
	PollIntervalMs    int           `yaml:"poll_interval_ms"`
}

// CompactionConfig configures session-store compaction policy.
type CompactionConfig struct {
	Enabled         bool    `yaml:"enabled"`
	KeepMessagesNum int     `yaml:"keep_messages_num"`
	MaxTokens       int     `yaml:"max_tokens"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	TriggerRatio    float64 `yaml:"trigger_ratio"`
}

// TruncationConfig configures tool-output truncation middleware.
type TruncationConfig struct {
	MaxLines      int      `yaml:"max_lines"`
	MaxBytes      int      `yaml:"max_bytes"`
	SkipTools     []string `yaml:"skip_tools"`
	SpillDir      string   `yaml:"spill_dir"`
	RetentionDays int      `yaml:"retention_days"`
}

// LoggingConfig configures the ambient logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with the kernel's documented defaults.
func Default() *Config {
	return &Config{
		Mailbox: MailboxConfig{
			DefaultLimit:       10,
			DefaultLeaseMs:     15000,
			DefaultMaxAttempts: 3,
			WaitMs:             30000,
			PollIntervalMs:     400,
		},
		Compaction: CompactionConfig{
			Enabled:         true,
			KeepMessagesNum: 20,
			MaxOutputTokens: 4096,
			TriggerRatio:    0.9,
		},
		Truncation: TruncationConfig{
			MaxLines:      2000,
			MaxBytes:      50 * 1024,
			SpillDir:      "./data/truncation",
			RetentionDays: 7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
