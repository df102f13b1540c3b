package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atelierhq/atelier/internal/correlate"
	"github.com/atelierhq/atelier/internal/protocol"
)

// Config represents the complete atelier configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Space     SpaceConfig     `mapstructure:"space" yaml:"space"`
	Chat      ChatConfig      `mapstructure:"chat" yaml:"chat"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts" yaml:"timeouts"`
	State     StateConfig     `mapstructure:"state" yaml:"state"`
	Approvals ApprovalsConfig `mapstructure:"approvals" yaml:"approvals"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig describes the assistant service endpoint
type ServerConfig struct {
	// URL is the ws://, wss://, http:// or https:// endpoint. http(s) is
	// upgraded to ws(s).
	URL string `mapstructure:"url" yaml:"url"`
	// Token is sent as a bearer token during the handshake
	Token string `mapstructure:"token" yaml:"token"`
	// ReadLimitBytes caps the size of one inbound frame (default: 4MiB)
	ReadLimitBytes int64 `mapstructure:"read_limit_bytes" yaml:"read_limit_bytes"`
	// DialTimeout bounds the websocket handshake (default: 15s)
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// SpaceConfig selects the collaborative space
type SpaceConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
}

// ChatConfig controls chat requests
type ChatConfig struct {
	// HistoryTurns is how many prior turns are sent with each message (default: 20)
	HistoryTurns int `mapstructure:"history_turns" yaml:"history_turns"`
}

// TimeoutsConfig holds the per-request budgets. For generate and refine the
// budget covers both the started acknowledgement and the terminal update.
type TimeoutsConfig struct {
	Chat           time.Duration `mapstructure:"chat" yaml:"chat"`
	Generate       time.Duration `mapstructure:"generate" yaml:"generate"`
	Refine         time.Duration `mapstructure:"refine" yaml:"refine"`
	Describe       time.Duration `mapstructure:"describe" yaml:"describe"`
	Compare        time.Duration `mapstructure:"compare" yaml:"compare"`
	ApprovalList   time.Duration `mapstructure:"approval_list" yaml:"approval_list"`
	ApprovalAction time.Duration `mapstructure:"approval_action" yaml:"approval_action"`
	Sync           time.Duration `mapstructure:"sync" yaml:"sync"`
}

// Correlate converts the budgets to the correlator's per-kind table.
func (t TimeoutsConfig) Correlate() correlate.Timeouts {
	return correlate.Timeouts{
		protocol.KindChatRequest:     t.Chat,
		protocol.KindGenerateRequest: t.Generate,
		protocol.KindRefineRequest:   t.Refine,
		protocol.KindDescribeRequest: t.Describe,
		protocol.KindCompareRequest:  t.Compare,
		protocol.KindApprovalList:    t.ApprovalList,
		protocol.KindApprovalApprove: t.ApprovalAction,
		protocol.KindApprovalReject:  t.ApprovalAction,
		protocol.KindSyncRequest:     t.Sync,
	}
}

// StateConfig controls where conversations are persisted
type StateConfig struct {
	// Dir holds conversation documents, lock files and debug.log.
	// Empty means "state" under the config directory. Supports ~.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Backend is "file" (one JSON file per space) or "sqlite"
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// ResolveDir returns the absolute state directory.
func (s StateConfig) ResolveDir() string {
	dir := s.Dir
	if dir == "" {
		return filepath.Join(ConfigDir(), "state")
	}
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[2:])
		}
	}
	return filepath.Clean(dir)
}

// ApprovalsConfig controls approval handling
type ApprovalsConfig struct {
	// AutoApprove lists tool-name globs approved without asking
	AutoApprove []string `mapstructure:"auto_approve" yaml:"auto_approve"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	// ListenAddr serves /metrics while a command runs; empty disables it
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated log files (default: false)
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	d := correlate.DefaultTimeouts()
	return &Config{
		Server: ServerConfig{
			ReadLimitBytes: 4 << 20,
			DialTimeout:    15 * time.Second,
		},
		Chat: ChatConfig{
			HistoryTurns: 20,
		},
		Timeouts: TimeoutsConfig{
			Chat:           d[protocol.KindChatRequest],
			Generate:       d[protocol.KindGenerateRequest],
			Refine:         d[protocol.KindRefineRequest],
			Describe:       d[protocol.KindDescribeRequest],
			Compare:        d[protocol.KindCompareRequest],
			ApprovalList:   d[protocol.KindApprovalList],
			ApprovalAction: d[protocol.KindApprovalApprove],
			Sync:           d[protocol.KindSyncRequest],
		},
		State: StateConfig{
			Backend: BackendFile,
		},
		Approvals: ApprovalsConfig{
			AutoApprove: []string{},
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Server defaults
	viper.SetDefault("server.url", defaults.Server.URL)
	viper.SetDefault("server.token", defaults.Server.Token)
	viper.SetDefault("server.read_limit_bytes", defaults.Server.ReadLimitBytes)
	viper.SetDefault("server.dial_timeout", defaults.Server.DialTimeout)

	viper.SetDefault("space.id", defaults.Space.ID)
	viper.SetDefault("chat.history_turns", defaults.Chat.HistoryTurns)

	// Timeout defaults
	viper.SetDefault("timeouts.chat", defaults.Timeouts.Chat)
	viper.SetDefault("timeouts.generate", defaults.Timeouts.Generate)
	viper.SetDefault("timeouts.refine", defaults.Timeouts.Refine)
	viper.SetDefault("timeouts.describe", defaults.Timeouts.Describe)
	viper.SetDefault("timeouts.compare", defaults.Timeouts.Compare)
	viper.SetDefault("timeouts.approval_list", defaults.Timeouts.ApprovalList)
	viper.SetDefault("timeouts.approval_action", defaults.Timeouts.ApprovalAction)
	viper.SetDefault("timeouts.sync", defaults.Timeouts.Sync)

	// State defaults
	viper.SetDefault("state.dir", defaults.State.Dir)
	viper.SetDefault("state.backend", defaults.State.Backend)

	viper.SetDefault("approvals.auto_approve", defaults.Approvals.AutoApprove)
	viper.SetDefault("metrics.listen_addr", defaults.Metrics.ListenAddr)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "atelier")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atelier"
	}
	return filepath.Join(home, ".config", "atelier")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
