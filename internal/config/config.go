package config

import "time"

// Config is the root configuration of the agent.
type Config struct {
	// Ingestion describes the backend batches are delivered to.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Store configures the on-disk log queue.
	Store StoreConfig `yaml:"store"`

	// Groups configures batching per log group. Keys are group names.
	Groups map[string]GroupConfig `yaml:"groups"`

	Crashes CrashesConfig `yaml:"crashes"`

	// Device is reported with every log.
	Device DeviceConfig `yaml:"device"`

	Network NetworkConfig `yaml:"network"`

	// Daemon configures the optional file tailer.
	Daemon DaemonConfig `yaml:"daemon"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type IngestionConfig struct {
	// BaseURL of the ingestion endpoint, e.g. "https://in.example.com".
	BaseURL string `yaml:"base_url"`

	// AppSecret authenticates the application. Sending is disabled without it.
	AppSecret string `yaml:"app_secret"`

	// InstallID identifies this installation. Generated and persisted when empty.
	InstallID string `yaml:"install_id"`

	// Timeout bounds a single HTTP attempt.
	// Default: 60s
	Timeout time.Duration `yaml:"timeout"`

	// Compress gzips request bodies.
	Compress bool `yaml:"compress"`

	Retry RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one. Zero sends
	// each batch once.
	// Default: 3
	MaxRetries *int `yaml:"max_retries"`

	// Default: 1s
	BaseDelay time.Duration `yaml:"base_delay"`

	// Default: 30s
	MaxDelay time.Duration `yaml:"max_delay"`

	// Jitter is the largest random fraction added to a delay, in [0, 1].
	// Default: 0.5
	Jitter float64 `yaml:"jitter"`

	// RetryableStatusCodes are retried on top of 5xx responses.
	// Default: [408, 429]
	RetryableStatusCodes []int `yaml:"retryable_status_codes"`

	// RetryServerErrors retries every 5xx response.
	// Default: true
	RetryServerErrors *bool `yaml:"retry_server_errors"`
}

type StoreConfig struct {
	// Path of the SQLite database file.
	// Default: "data/logs.db"
	Path string `yaml:"path"`

	// DefaultCapacity is the entry limit of groups without their own.
	// Default: 300
	DefaultCapacity int `yaml:"default_capacity"`

	// CheckpointInterval between WAL checkpoints.
	// Default: 5m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

type GroupConfig struct {
	// Path overrides the ingestion path of the group, "/logs/<group>" by default.
	Path string `yaml:"path"`

	BatchSize               int           `yaml:"batch_size"`
	FlushInterval           time.Duration `yaml:"flush_interval"`
	BackgroundFlushInterval time.Duration `yaml:"background_flush_interval"`

	// Capacity of the group in the store; 0 uses store.default_capacity.
	Capacity int `yaml:"capacity"`
}

type CrashesConfig struct {
	// Group crash reports and attachments are sent in.
	// Default: "crashes"
	Group string `yaml:"group"`

	// RequireConfirmation holds crash reports until a decision is made.
	RequireConfirmation bool `yaml:"require_confirmation"`

	// Decision answers confirmation requests: send, dont_send or always_send.
	// Default: "send"
	Decision string `yaml:"decision"`

	// AttachmentsDir holds one directory per crash id whose files are
	// attached to that crash.
	AttachmentsDir string `yaml:"attachments_dir"`
}

type DeviceConfig struct {
	AppVersion   string `yaml:"app_version"`
	AppBuild     string `yaml:"app_build"`
	AppNamespace string `yaml:"app_namespace"`
	Locale       string `yaml:"locale"`
	// Model defaults to the host name.
	Model string `yaml:"model"`
}

type NetworkConfig struct {
	// Default: 30s
	ProbeInterval time.Duration `yaml:"probe_interval"`
	// Default: 5s
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type DaemonConfig struct {
	Enabled bool `yaml:"enabled"`

	// Root directory scanned for *.log files.
	Root string `yaml:"root"`

	// Default: 10s
	ScanInterval time.Duration `yaml:"scan_interval"`

	// Default: 4
	Workers int `yaml:"workers"`

	// Default: "events"
	Group string `yaml:"group"`

	// Default: "log_line"
	EventName string `yaml:"event_name"`

	// IdleTimeout stops tailing a file after this long without new lines.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info"
	Level string `yaml:"level"`

	// Format is json or text.
	// Default: "json"
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Default: "127.0.0.1:9464"
	ListenAddress string `yaml:"listen_address"`

	// Default: "/metrics"
	Path string `yaml:"path"`
}
