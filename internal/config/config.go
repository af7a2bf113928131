package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/andywolf/cyclewarden/internal/gitsync"
	"github.com/andywolf/cyclewarden/internal/template"
)

// Config represents the full cyclewarden configuration
type Config struct {
	StateDir  string          `mapstructure:"state_dir" yaml:"state_dir"`
	Workdir   string          `mapstructure:"workdir" yaml:"workdir,omitempty"`
	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	SubWorker SubWorkerConfig `mapstructure:"sub_worker" yaml:"sub_worker"`
	Cycle     CycleConfig     `mapstructure:"cycle" yaml:"cycle"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Lessons   LessonsConfig   `mapstructure:"lessons" yaml:"lessons"`
	Dedup     DedupConfig     `mapstructure:"dedup" yaml:"dedup"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Notify    NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog" yaml:"watchdog"`
	Ensure    EnsureConfig    `mapstructure:"ensure" yaml:"ensure"`
	Stop      StopConfig      `mapstructure:"stop" yaml:"stop"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// WorkerConfig describes the primary worker command
type WorkerConfig struct {
	Command []string      `mapstructure:"command" yaml:"command"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RequireStatus fails attempts that leave neither a status file nor an
	// outcome directive. Defaults to true.
	RequireStatus *bool `mapstructure:"require_status" yaml:"require_status,omitempty"`
}

// RequiresStatus reports the effective require_status setting
func (w WorkerConfig) RequiresStatus() bool {
	return w.RequireStatus == nil || *w.RequireStatus
}

// SubWorkerConfig describes the delegated executor
type SubWorkerConfig struct {
	Command          []string      `mapstructure:"command" yaml:"command,omitempty"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	LessonsInContext int           `mapstructure:"lessons_in_context" yaml:"lessons_in_context"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	EscalationBase   time.Duration `mapstructure:"escalation_base" yaml:"escalation_base"`
	EscalationMax    time.Duration `mapstructure:"escalation_max" yaml:"escalation_max"`
}

// CycleConfig tunes the engine loop
type CycleConfig struct {
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffStep       time.Duration `mapstructure:"backoff_step" yaml:"backoff_step"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	KillPollInterval  time.Duration `mapstructure:"kill_poll_interval" yaml:"kill_poll_interval"`
}

// HealthConfig tunes staleness detection and the optional probe
type HealthConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold" yaml:"stale_threshold"`
	Command        string        `mapstructure:"command" yaml:"command,omitempty"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LessonsConfig bounds the failure lesson log
type LessonsConfig struct {
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries"`
}

// DedupConfig tunes alert deduplication
type DedupConfig struct {
	Window  time.Duration `mapstructure:"window" yaml:"window"`
	MaxKeys int           `mapstructure:"max_keys" yaml:"max_keys"`
}

// SyncConfig describes how cycle output is landed upstream. An empty Paths
// list disables synchronization.
type SyncConfig struct {
	Paths          []string      `mapstructure:"paths" yaml:"paths"`
	Remote         string        `mapstructure:"remote" yaml:"remote"`
	Branch         string        `mapstructure:"branch" yaml:"branch,omitempty"`
	MaxAreas       int           `mapstructure:"max_areas" yaml:"max_areas"`
	CommitTemplate string        `mapstructure:"commit_template" yaml:"commit_template"`
	RepairCommand  string        `mapstructure:"repair_command" yaml:"repair_command,omitempty"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// NotifyConfig lists the notification channels
type NotifyConfig struct {
	Locales  []string        `mapstructure:"locales" yaml:"locales"`
	Timeout  time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	Channels []ChannelConfig `mapstructure:"channels" yaml:"channels"`
}

// ChannelConfig is one notification destination
type ChannelConfig struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Type   string `mapstructure:"type" yaml:"type"`
	Locale string `mapstructure:"locale" yaml:"locale,omitempty"`
	// Alerts routes deduplicated worker error lines to this channel.
	Alerts  bool          `mapstructure:"alerts" yaml:"alerts,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`

	// webhook
	URL         string `mapstructure:"url" yaml:"url,omitempty"`
	TokenEnv    string `mapstructure:"token_env" yaml:"token_env,omitempty"`
	TokenSecret string `mapstructure:"token_secret" yaml:"token_secret,omitempty"`

	// command
	Command []string `mapstructure:"command" yaml:"command,omitempty"`

	// gcp_logging
	Project string `mapstructure:"project" yaml:"project,omitempty"`
	LogID   string `mapstructure:"log_id" yaml:"log_id,omitempty"`
}

// WatchdogConfig tunes the daemon
type WatchdogConfig struct {
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	EnsureTimeout time.Duration `mapstructure:"ensure_timeout" yaml:"ensure_timeout"`
}

// EnsureConfig tunes the repair entry point
type EnsureConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// StopConfig tunes process termination
type StopConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

// LoggingConfig controls the structured log stream
type LoggingConfig struct {
	// JSON mirrors every log line as a structured entry on stderr.
	JSON bool `mapstructure:"json" yaml:"json"`
}

// Channel types
const (
	ChannelLog        = "log"
	ChannelWebhook    = "webhook"
	ChannelCommand    = "command"
	ChannelGCPLogging = "gcp_logging"
)

// Load loads configuration from file and environment
func Load() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for unset fields
func ApplyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = ".cyclewarden"
	}

	if cfg.Worker.Timeout == 0 {
		cfg.Worker.Timeout = 30 * time.Minute
	}

	setInt(&cfg.SubWorker.MaxRetries, 2)
	setDuration(&cfg.SubWorker.Timeout, 20*time.Minute)
	setDuration(&cfg.SubWorker.BackoffBase, 10*time.Second)
	setInt(&cfg.SubWorker.LessonsInContext, 5)
	setInt(&cfg.SubWorker.FailureThreshold, 5)
	setDuration(&cfg.SubWorker.EscalationBase, 2*time.Minute)
	setDuration(&cfg.SubWorker.EscalationMax, 30*time.Minute)

	setInt(&cfg.Cycle.MaxRetries, 3)
	setDuration(&cfg.Cycle.BackoffStep, 5*time.Second)
	setDuration(&cfg.Cycle.BackoffMax, 60*time.Second)
	setDuration(&cfg.Cycle.Interval, 5*time.Minute)
	setDuration(&cfg.Cycle.HeartbeatInterval, 60*time.Second)
	setDuration(&cfg.Cycle.KillPollInterval, 5*time.Second)

	setDuration(&cfg.Health.StaleThreshold, 45*time.Minute)
	setDuration(&cfg.Health.Timeout, 30*time.Second)

	setInt(&cfg.Lessons.MaxEntries, 500)

	setDuration(&cfg.Dedup.Window, 10*time.Minute)
	setInt(&cfg.Dedup.MaxKeys, 500)

	if cfg.Sync.Remote == "" {
		cfg.Sync.Remote = "origin"
	}
	setInt(&cfg.Sync.MaxAreas, 3)
	if cfg.Sync.CommitTemplate == "" {
		cfg.Sync.CommitTemplate = "chore(cycle): {{cycle}} update {{summary}}"
	}
	setDuration(&cfg.Sync.Timeout, 2*time.Minute)

	if len(cfg.Notify.Locales) == 0 {
		cfg.Notify.Locales = []string{"en"}
	}
	setDuration(&cfg.Notify.Timeout, 15*time.Second)
	if len(cfg.Notify.Channels) == 0 {
		cfg.Notify.Channels = []ChannelConfig{{Name: "log", Type: ChannelLog, Alerts: true}}
	}
	for i := range cfg.Notify.Channels {
		ch := &cfg.Notify.Channels[i]
		if ch.Name == "" {
			ch.Name = fmt.Sprintf("%s-%d", ch.Type, i)
		}
		if ch.Locale == "" {
			ch.Locale = cfg.Notify.Locales[0]
		}
		if ch.Timeout == 0 {
			ch.Timeout = cfg.Notify.Timeout
		}
	}

	setDuration(&cfg.Watchdog.Interval, 60*time.Second)
	setDuration(&cfg.Watchdog.EnsureTimeout, 5*time.Minute)
	setDuration(&cfg.Ensure.Debounce, 2*time.Minute)
	setDuration(&cfg.Stop.GracePeriod, 10*time.Second)
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Cycle.MaxRetries < 1 {
		return fmt.Errorf("cycle.max_retries must be at least 1, got %d", c.Cycle.MaxRetries)
	}
	if c.SubWorker.MaxRetries < 1 {
		return fmt.Errorf("sub_worker.max_retries must be at least 1, got %d", c.SubWorker.MaxRetries)
	}
	if c.SubWorker.FailureThreshold < 1 {
		return fmt.Errorf("sub_worker.failure_threshold must be at least 1, got %d", c.SubWorker.FailureThreshold)
	}
	if c.SubWorker.EscalationMax < c.SubWorker.EscalationBase {
		return fmt.Errorf("sub_worker.escalation_max (%s) is below escalation_base (%s)", c.SubWorker.EscalationMax, c.SubWorker.EscalationBase)
	}
	if c.Cycle.BackoffMax < c.Cycle.BackoffStep {
		return fmt.Errorf("cycle.backoff_max (%s) is below backoff_step (%s)", c.Cycle.BackoffMax, c.Cycle.BackoffStep)
	}
	for name, d := range map[string]time.Duration{
		"worker.timeout":         c.Worker.Timeout,
		"cycle.interval":         c.Cycle.Interval,
		"health.stale_threshold": c.Health.StaleThreshold,
		"dedup.window":           c.Dedup.Window,
		"watchdog.interval":      c.Watchdog.Interval,
		"ensure.debounce":        c.Ensure.Debounce,
		"stop.grace_period":      c.Stop.GracePeriod,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if err := template.Check(c.Sync.CommitTemplate, gitsync.TemplateVars...); err != nil {
		return fmt.Errorf("sync.commit_template: %w", err)
	}

	seen := make(map[string]bool)
	for _, ch := range c.Notify.Channels {
		if seen[ch.Name] {
			return fmt.Errorf("duplicate notify channel name %q", ch.Name)
		}
		seen[ch.Name] = true
		switch ch.Type {
		case ChannelLog, ChannelGCPLogging:
		case ChannelWebhook:
			if ch.URL == "" {
				return fmt.Errorf("notify channel %q: webhook url is required", ch.Name)
			}
		case ChannelCommand:
			if len(ch.Command) == 0 {
				return fmt.Errorf("notify channel %q: command is required", ch.Name)
			}
		default:
			return fmt.Errorf("notify channel %q: invalid type %q (must be log, webhook, command, or gcp_logging)", ch.Name, ch.Type)
		}
	}
	return nil
}

// ValidateForRun performs the additional checks the engine needs
func (c *Config) ValidateForRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Worker.Command) == 0 {
		return fmt.Errorf("worker.command is required")
	}
	return nil
}
