package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/Chichichkin/LogIngestionAgent/internal/crashes"
	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "store.path").
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate checks a configuration with defaults applied. A missing base URL
// or app secret is not an error here: the pipeline reports it per group
// when sending.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateIngestion(&cfg.Ingestion)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateGroups(cfg.Groups)...)
	errs = append(errs, validateCrashes(&cfg.Crashes, cfg.Groups)...)
	errs = append(errs, validateDaemon(&cfg.Daemon, cfg.Groups)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateIngestion(cfg *IngestionConfig) []FieldError {
	var errs []FieldError

	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, FieldError{"ingestion.base_url", "must be an absolute http(s) URL"})
		}
	}
	if cfg.InstallID != "" {
		if _, err := uuid.Parse(cfg.InstallID); err != nil {
			errs = append(errs, FieldError{"ingestion.install_id", "must be a UUID"})
		}
	}
	if cfg.Timeout < 0 {
		errs = append(errs, FieldError{"ingestion.timeout", "must not be negative"})
	}

	r := cfg.Retry
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		errs = append(errs, FieldError{"ingestion.retry.max_retries", "must not be negative"})
	}
	if r.BaseDelay <= 0 {
		errs = append(errs, FieldError{"ingestion.retry.base_delay", "must be positive"})
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, FieldError{"ingestion.retry.max_delay", "must not be less than base_delay"})
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, FieldError{"ingestion.retry.jitter", "must be between 0 and 1"})
	}
	for _, code := range r.RetryableStatusCodes {
		if code < 100 || code > 599 {
			errs = append(errs, FieldError{"ingestion.retry.retryable_status_codes", fmt.Sprintf("%d is not an HTTP status code", code)})
		}
	}
	return errs
}

func validateStore(cfg *StoreConfig) []FieldError {
	var errs []FieldError
	if cfg.Path == "" {
		errs = append(errs, FieldError{"store.path", "must not be empty"})
	}
	if cfg.DefaultCapacity < 0 {
		errs = append(errs, FieldError{"store.default_capacity", "must not be negative"})
	}
	if cfg.CheckpointInterval < 0 {
		errs = append(errs, FieldError{"store.checkpoint_interval", "must not be negative"})
	}
	return errs
}

func validateGroups(groups map[string]GroupConfig) []FieldError {
	var errs []FieldError
	for name, g := range groups {
		field := "groups." + name
		if strings.TrimSpace(name) == "" {
			errs = append(errs, FieldError{"groups", "group name must not be empty"})
		}
		if g.Path != "" && !strings.HasPrefix(g.Path, "/") {
			errs = append(errs, FieldError{field + ".path", "must start with /"})
		}
		if g.BatchSize < 1 {
			errs = append(errs, FieldError{field + ".batch_size", "must be at least 1"})
		}
		if g.FlushInterval <= 0 {
			errs = append(errs, FieldError{field + ".flush_interval", "must be positive"})
		}
		if g.BackgroundFlushInterval <= 0 {
			errs = append(errs, FieldError{field + ".background_flush_interval", "must be positive"})
		}
		if g.Capacity < 0 {
			errs = append(errs, FieldError{field + ".capacity", "must not be negative"})
		}
	}
	return errs
}

func validateCrashes(cfg *CrashesConfig, groups map[string]GroupConfig) []FieldError {
	var errs []FieldError
	if _, ok := groups[cfg.Group]; !ok {
		errs = append(errs, FieldError{"crashes.group", fmt.Sprintf("group %q is not configured", cfg.Group)})
	}
	if _, err := crashes.ParseDecision(cfg.Decision); err != nil {
		errs = append(errs, FieldError{"crashes.decision", "must be send, dont_send or always_send"})
	}
	return errs
}

func validateDaemon(cfg *DaemonConfig, groups map[string]GroupConfig) []FieldError {
	if !cfg.Enabled {
		return nil
	}
	var errs []FieldError
	if cfg.Root == "" {
		errs = append(errs, FieldError{"daemon.root", "must be set when the daemon is enabled"})
	}
	if cfg.Workers < 1 {
		errs = append(errs, FieldError{"daemon.workers", "must be at least 1"})
	}
	if cfg.ScanInterval <= 0 {
		errs = append(errs, FieldError{"daemon.scan_interval", "must be positive"})
	}
	if _, ok := groups[cfg.Group]; !ok {
		errs = append(errs, FieldError{"daemon.group", fmt.Sprintf("group %q is not configured", cfg.Group)})
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError
	if _, err := telemetry.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, FieldError{"telemetry.logging.level", "must be debug, info, warn or error"})
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{"telemetry.logging.format", "must be json or text"})
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.ListenAddress == "" {
			errs = append(errs, FieldError{"telemetry.metrics.listen_address", "must be set when metrics are enabled"})
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, FieldError{"telemetry.metrics.path", "must start with /"})
		}
	}
	return errs
}
