package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "LOGAGENT_"

// Load reads the YAML file at path, applies defaults, environment overrides
// (LOGAGENT_SECTION_FIELD) and validates the result. An empty path starts
// from defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides runs before defaults so an override of a defaulted field
// is not mistaken for an unset one.
func applyEnvOverrides(cfg *Config) {
	// Ingestion overrides
	envString("INGESTION_BASE_URL", &cfg.Ingestion.BaseURL)
	envString("INGESTION_APP_SECRET", &cfg.Ingestion.AppSecret)
	envString("INGESTION_INSTALL_ID", &cfg.Ingestion.InstallID)
	envDuration("INGESTION_TIMEOUT", &cfg.Ingestion.Timeout)
	envBool("INGESTION_COMPRESS", &cfg.Ingestion.Compress)
	if val := os.Getenv(envPrefix + "INGESTION_RETRY_MAX_RETRIES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Ingestion.Retry.MaxRetries = &i
		}
	}
	envDuration("INGESTION_RETRY_BASE_DELAY", &cfg.Ingestion.Retry.BaseDelay)
	envDuration("INGESTION_RETRY_MAX_DELAY", &cfg.Ingestion.Retry.MaxDelay)
	if val := os.Getenv(envPrefix + "INGESTION_RETRY_JITTER"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Ingestion.Retry.Jitter = f
		}
	}
	if val := os.Getenv(envPrefix + "INGESTION_RETRY_RETRYABLE_STATUS_CODES"); val != "" {
		var codes []int
		for _, part := range strings.Split(val, ",") {
			if code, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				codes = append(codes, code)
			}
		}
		cfg.Ingestion.Retry.RetryableStatusCodes = codes
	}
	if val := os.Getenv(envPrefix + "INGESTION_RETRY_RETRY_SERVER_ERRORS"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Ingestion.Retry.RetryServerErrors = &b
		}
	}

	// Store overrides
	envString("STORE_PATH", &cfg.Store.Path)
	envInt("STORE_DEFAULT_CAPACITY", &cfg.Store.DefaultCapacity)
	envDuration("STORE_CHECKPOINT_INTERVAL", &cfg.Store.CheckpointInterval)

	// Crashes overrides
	envString("CRASHES_GROUP", &cfg.Crashes.Group)
	envBool("CRASHES_REQUIRE_CONFIRMATION", &cfg.Crashes.RequireConfirmation)
	envString("CRASHES_DECISION", &cfg.Crashes.Decision)
	envString("CRASHES_ATTACHMENTS_DIR", &cfg.Crashes.AttachmentsDir)

	// Device overrides
	envString("DEVICE_APP_VERSION", &cfg.Device.AppVersion)
	envString("DEVICE_APP_BUILD", &cfg.Device.AppBuild)
	envString("DEVICE_APP_NAMESPACE", &cfg.Device.AppNamespace)
	envString("DEVICE_LOCALE", &cfg.Device.Locale)
	envString("DEVICE_MODEL", &cfg.Device.Model)

	// Network overrides
	envDuration("NETWORK_PROBE_INTERVAL", &cfg.Network.ProbeInterval)
	envDuration("NETWORK_PROBE_TIMEOUT", &cfg.Network.ProbeTimeout)

	// Daemon overrides
	envBool("DAEMON_ENABLED", &cfg.Daemon.Enabled)
	envString("DAEMON_ROOT", &cfg.Daemon.Root)
	envDuration("DAEMON_SCAN_INTERVAL", &cfg.Daemon.ScanInterval)
	envInt("DAEMON_WORKERS", &cfg.Daemon.Workers)
	envString("DAEMON_GROUP", &cfg.Daemon.Group)
	envString("DAEMON_EVENT_NAME", &cfg.Daemon.EventName)
	envDuration("DAEMON_IDLE_TIMEOUT", &cfg.Daemon.IdleTimeout)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_LISTEN_ADDRESS", &cfg.Telemetry.Metrics.ListenAddress)
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
}

func envString(key string, dst *string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
