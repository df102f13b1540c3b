// Package config provides CLI commands for managing atelier configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/atelierhq/atelier/internal/config"
)

// validKeys maps every settable key to the kind of value it takes.
var validKeys = map[string]string{
	"server.url":               "url",
	"server.token":             "string",
	"server.read_limit_bytes":  "int",
	"server.dial_timeout":      "duration",
	"space.id":                 "string",
	"chat.history_turns":       "int",
	"timeouts.chat":            "duration",
	"timeouts.generate":        "duration",
	"timeouts.refine":          "duration",
	"timeouts.describe":        "duration",
	"timeouts.compare":         "duration",
	"timeouts.approval_list":   "duration",
	"timeouts.approval_action": "duration",
	"timeouts.sync":            "duration",
	"state.dir":                "string",
	"state.backend":            "backend",
	"approvals.auto_approve":   "list",
	"metrics.listen_addr":      "string",
	"logging.enabled":          "bool",
	"logging.level":            "level",
	"logging.max_size_mb":      "int",
	"logging.max_backups":      "int",
	"logging.compress":         "bool",
}

// Register adds the config command tree to parent.
func Register(parent *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "View or modify atelier configuration",
		Long: `View or modify atelier configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
		RunE: runConfigShow,
	}

	configCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show current configuration",
			RunE:  runConfigShow,
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set a configuration value",
			Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  atelier config set server.url wss://studio.example.com/ws
  atelier config set timeouts.generate 5m
  atelier config set approvals.auto_approve "describe_*,list_*"

Valid keys:
  ` + strings.Join(sortedKeys(), "\n  "),
			Args: cobra.ExactArgs(2),
			RunE: runConfigSet,
		},
		&cobra.Command{
			Use:   "init",
			Short: "Create a default config file",
			Long:  `Create a default config file at ~/.config/atelier/config.yaml with all available options.`,
			RunE:  runConfigInit,
		},
		&cobra.Command{
			Use:   "path",
			Short: "Show the config file path",
			RunE:  runConfigPath,
		},
	)
	parent.AddCommand(configCmd)
}

func sortedKeys() []string {
	keys := make([]string, 0, len(validKeys))
	for k := range validKeys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := appconfig.Load()
	if err != nil {
		fmt.Fprintf(out, "Configuration is invalid, showing defaults:\n%v\n\n", err)
		cfg = appconfig.Default()
	}

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	shown := *cfg
	if shown.Server.Token != "" {
		shown.Server.Token = "********"
	}
	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	keyType, ok := validKeys[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'atelier config set --help' to see valid keys", key)
	}

	typedValue, err := parseValue(key, keyType, value)
	if err != nil {
		return err
	}

	// Ensure config directory exists
	configDir := appconfig.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, typedValue)

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = appconfig.ConfigFile()
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

// parseValue converts value to the type keyType describes.
func parseValue(key, keyType, value string) (any, error) {
	switch keyType {
	case "string":
		return value, nil
	case "url":
		cfg := appconfig.Default()
		cfg.Server.URL = value
		for _, e := range cfg.Validate() {
			if e.Field == "server.url" {
				return nil, fmt.Errorf("invalid value for %s: %s", key, e.Message)
			}
		}
		return value, nil
	case "backend":
		if !slices.Contains(appconfig.ValidBackends(), value) {
			return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(appconfig.ValidBackends(), ", "))
		}
		return value, nil
	case "level":
		if !slices.Contains(appconfig.ValidLogLevels(), strings.ToLower(value)) {
			return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(appconfig.ValidLogLevels(), ", "))
		}
		return strings.ToLower(value), nil
	case "bool":
		if value != "true" && value != "false" {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return value == "true", nil
	case "int":
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if intVal < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return intVal, nil
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected a duration such as 30s or 5m", key)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid value for %s: must be positive", key)
		}
		return d.String(), nil
	case "list":
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	}
	return nil, fmt.Errorf("unsupported key type %q", keyType)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'atelier config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	d := appconfig.Default()
	configContent := fmt.Sprintf(`# atelier configuration

server:
  # Service endpoint (ws://, wss://, http:// or https://)
  url: ""
  # Bearer token sent during the handshake
  token: ""
  # Largest inbound frame accepted, in bytes
  read_limit_bytes: %d
  dial_timeout: %s

space:
  # Collaborative space to work in (or pass --space)
  id: ""

chat:
  # Prior turns sent as history with each message
  history_turns: %d

# How long each request may wait for its answer. For generate and refine
# this covers the job, not only its acknowledgement.
timeouts:
  chat: %s
  generate: %s
  refine: %s
  describe: %s
  compare: %s
  approval_list: %s
  approval_action: %s
  sync: %s

state:
  # Where conversations, lock files and debug.log live (default: state/ next to this file)
  dir: ""
  # file or sqlite
  backend: %s

approvals:
  # Tool-name globs approved without asking, e.g. ["describe_*"]
  auto_approve: []

metrics:
  # Serve prometheus metrics on this address while a command runs, e.g. 127.0.0.1:9464
  listen_addr: ""

logging:
  enabled: %t
  # debug, info, warn or error
  level: %s
  max_size_mb: %d
  max_backups: %d
  compress: %t
`,
		d.Server.ReadLimitBytes, d.Server.DialTimeout,
		d.Chat.HistoryTurns,
		d.Timeouts.Chat, d.Timeouts.Generate, d.Timeouts.Refine, d.Timeouts.Describe,
		d.Timeouts.Compare, d.Timeouts.ApprovalList, d.Timeouts.ApprovalAction, d.Timeouts.Sync,
		d.State.Backend,
		d.Logging.Enabled, d.Logging.Level, d.Logging.MaxSizeMB, d.Logging.MaxBackups, d.Logging.Compress,
	)

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Set server.url and space.id to get started.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := appconfig.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(appconfig.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. $HOME/.config/atelier/config.yaml\n")
	fmt.Fprintf(out, "  3. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: ATELIER_* (e.g., ATELIER_SERVER_URL, ATELIER_SPACE_ID)")
	return nil
}
