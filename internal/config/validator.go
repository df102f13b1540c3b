package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// Persistence backends accepted by state.backend
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "timeouts.chat")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidBackends returns the list of valid state backends
func ValidBackends() []string {
	return []string{BackendFile, BackendSQLite}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateChat()...)
	errors = append(errors, c.validateTimeouts()...)
	errors = append(errors, c.validateState()...)
	errors = append(errors, c.validateApprovals()...)
	errors = append(errors, c.validateMetrics()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateServer validates the ServerConfig. An empty URL is allowed so
// offline commands keep working; commands that connect check for it.
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		switch {
		case err != nil:
			errors = append(errors, ValidationError{
				Field:   "server.url",
				Value:   c.Server.URL,
				Message: "is not a valid URL",
			})
		case !slices.Contains([]string{"ws", "wss", "http", "https"}, u.Scheme):
			errors = append(errors, ValidationError{
				Field:   "server.url",
				Value:   c.Server.URL,
				Message: "scheme must be one of: ws, wss, http, https",
			})
		case u.Host == "":
			errors = append(errors, ValidationError{
				Field:   "server.url",
				Value:   c.Server.URL,
				Message: "must include a host",
			})
		}
	}

	if c.Server.ReadLimitBytes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "server.read_limit_bytes",
			Value:   c.Server.ReadLimitBytes,
			Message: "must be positive",
		})
	}

	if c.Server.DialTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.dial_timeout",
			Value:   c.Server.DialTimeout,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateChat() []ValidationError {
	if c.Chat.HistoryTurns < 0 {
		return []ValidationError{{
			Field:   "chat.history_turns",
			Value:   c.Chat.HistoryTurns,
			Message: "must be non-negative",
		}}
	}
	return nil
}

// validateTimeouts requires every budget to be positive
func (c *Config) validateTimeouts() []ValidationError {
	var errors []ValidationError

	fields := []struct {
		name  string
		value any
		ok    bool
	}{
		{"timeouts.chat", c.Timeouts.Chat, c.Timeouts.Chat > 0},
		{"timeouts.generate", c.Timeouts.Generate, c.Timeouts.Generate > 0},
		{"timeouts.refine", c.Timeouts.Refine, c.Timeouts.Refine > 0},
		{"timeouts.describe", c.Timeouts.Describe, c.Timeouts.Describe > 0},
		{"timeouts.compare", c.Timeouts.Compare, c.Timeouts.Compare > 0},
		{"timeouts.approval_list", c.Timeouts.ApprovalList, c.Timeouts.ApprovalList > 0},
		{"timeouts.approval_action", c.Timeouts.ApprovalAction, c.Timeouts.ApprovalAction > 0},
		{"timeouts.sync", c.Timeouts.Sync, c.Timeouts.Sync > 0},
	}
	for _, f := range fields {
		if !f.ok {
			errors = append(errors, ValidationError{
				Field:   f.name,
				Value:   f.value,
				Message: "must be positive",
			})
		}
	}

	return errors
}

func (c *Config) validateState() []ValidationError {
	if !slices.Contains(ValidBackends(), c.State.Backend) {
		return []ValidationError{{
			Field:   "state.backend",
			Value:   c.State.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		}}
	}
	return nil
}

// validateApprovals checks that every auto-approve pattern compiles
func (c *Config) validateApprovals() []ValidationError {
	var errors []ValidationError
	for i, pattern := range c.Approvals.AutoApprove {
		if strings.TrimSpace(pattern) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("approvals.auto_approve[%d]", i),
				Value:   pattern,
				Message: "must not be empty",
			})
			continue
		}
		if _, err := glob.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("approvals.auto_approve[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("is not a valid glob: %v", err),
			})
		}
	}
	return errors
}

func (c *Config) validateMetrics() []ValidationError {
	if c.Metrics.ListenAddr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
		return []ValidationError{{
			Field:   "metrics.listen_addr",
			Value:   c.Metrics.ListenAddr,
			Message: "must be host:port",
		}}
	}
	return nil
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
