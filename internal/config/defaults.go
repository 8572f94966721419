package config

import (
	"slices"
	"time"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/channel"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/ingestion"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/network"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/store"
)

// Default values for configuration fields.
const (
	DefaultStorePath = "data/logs.db"

	DefaultCrashDecision = "send"

	DefaultDaemonScanInterval = 10 * time.Second
	DefaultDaemonWorkers      = 4
	DefaultDaemonEventName    = "log_line"

	DefaultLoggingLevel   = "info"
	DefaultLoggingFormat  = "json"
	DefaultMetricsAddress = "127.0.0.1:9464"
	DefaultMetricsPath    = "/metrics"

	// Crash reports are rare and urgent.
	DefaultCrashesBatchSize = 1
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets every zero valued field to its default. It is
// idempotent.
func ApplyDefaults(cfg *Config) {
	// Ingestion defaults
	if cfg.Ingestion.Timeout == 0 {
		cfg.Ingestion.Timeout = ingestion.DefaultRequestTimeout
	}
	retry := &cfg.Ingestion.Retry
	if retry.MaxRetries == nil {
		retries := ingestion.DefaultMaxRetries
		retry.MaxRetries = &retries
	}
	if retry.BaseDelay == 0 {
		retry.BaseDelay = ingestion.DefaultBaseDelay
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = ingestion.DefaultMaxDelay
	}
	if retry.Jitter == 0 {
		retry.Jitter = ingestion.DefaultJitter
	}
	if retry.RetryableStatusCodes == nil {
		for code := range ingestion.DefaultStatusPolicy().Retryable {
			retry.RetryableStatusCodes = append(retry.RetryableStatusCodes, code)
		}
		slices.Sort(retry.RetryableStatusCodes)
	}
	if retry.RetryServerErrors == nil {
		enabled := true
		retry.RetryServerErrors = &enabled
	}

	// Store defaults
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath
	}
	if cfg.Store.DefaultCapacity == 0 {
		cfg.Store.DefaultCapacity = store.DefaultCapacity
	}
	if cfg.Store.CheckpointInterval == 0 {
		cfg.Store.CheckpointInterval = store.DefaultCheckpointInterval
	}

	// Crashes defaults
	if cfg.Crashes.Group == "" {
		cfg.Crashes.Group = logging.GroupCrashes
	}
	if cfg.Crashes.Decision == "" {
		cfg.Crashes.Decision = DefaultCrashDecision
	}

	// Group defaults, events and crashes always exist
	if cfg.Groups == nil {
		cfg.Groups = make(map[string]GroupConfig)
	}
	if _, ok := cfg.Groups[logging.GroupEvents]; !ok {
		cfg.Groups[logging.GroupEvents] = GroupConfig{}
	}
	if _, ok := cfg.Groups[cfg.Crashes.Group]; !ok {
		cfg.Groups[cfg.Crashes.Group] = GroupConfig{BatchSize: DefaultCrashesBatchSize}
	}
	for name, group := range cfg.Groups {
		if group.BatchSize == 0 {
			group.BatchSize = channel.DefaultBatchSize
		}
		if group.FlushInterval == 0 {
			group.FlushInterval = channel.DefaultFlushInterval
		}
		if group.BackgroundFlushInterval == 0 {
			group.BackgroundFlushInterval = channel.DefaultBackgroundFlushInterval
		}
		cfg.Groups[name] = group
	}

	// Network defaults
	if cfg.Network.ProbeInterval == 0 {
		cfg.Network.ProbeInterval = network.DefaultProbeInterval
	}
	if cfg.Network.ProbeTimeout == 0 {
		cfg.Network.ProbeTimeout = network.DefaultProbeTimeout
	}

	// Daemon defaults
	if cfg.Daemon.ScanInterval == 0 {
		cfg.Daemon.ScanInterval = DefaultDaemonScanInterval
	}
	if cfg.Daemon.Workers == 0 {
		cfg.Daemon.Workers = DefaultDaemonWorkers
	}
	if cfg.Daemon.Group == "" {
		cfg.Daemon.Group = logging.GroupEvents
	}
	if cfg.Daemon.EventName == "" {
		cfg.Daemon.EventName = DefaultDaemonEventName
	}

	// Telemetry defaults
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = DefaultMetricsAddress
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
}
