package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Chichichkin/LogIngestionAgent/internal/config"
	"github.com/Chichichkin/LogIngestionAgent/internal/crashes"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/ingestion"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/network"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/store"
	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

const (
	sdkName      = "logagent"
	installIDKey = "install_id"
)

// loadConfig loads the configuration and builds the process logger from it.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	logger, err := telemetry.NewLogger(telemetry.LoggerConfig{
		Level:  cfg.Telemetry.Logging.Level,
		Format: cfg.Telemetry.Logging.Format,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore opens the configured store. Only the pipeline owns it: other
// commands leave batches in flight untouched, as a running pipeline may be
// waiting on them.
func openStore(cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics, pipeline bool) (*store.Store, error) {
	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	st, err := store.Open(store.Config{
		Path:               cfg.Store.Path,
		DefaultCapacity:    cfg.Store.DefaultCapacity,
		CheckpointInterval: cfg.Store.CheckpointInterval,
		SkipRecovery:       !pipeline,
		Logger:             logger.With("component", "store"),
		OnEvict: func(group string, n int) {
			metrics.LogsDropped(group, "evicted", n)
		},
		OnDiscard: func(group string, n int) {
			metrics.LogsDropped(group, "corrupt", n)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %q: %w", cfg.Store.Path, err)
	}

	for name, group := range cfg.Groups {
		if group.Capacity > 0 {
			st.SetCapacity(name, group.Capacity)
		}
	}
	return st, nil
}

// resolveInstallID returns the configured install id, or the one persisted by
// an earlier run, generating and persisting it on first use.
func resolveInstallID(ctx context.Context, prefs *store.Preferences, configured string) (uuid.UUID, error) {
	if configured != "" {
		return uuid.Parse(configured)
	}

	stored, ok, err := prefs.String(ctx, installIDKey)
	if err != nil {
		return uuid.Nil, err
	}
	if ok {
		if id, err := uuid.Parse(stored); err == nil {
			return id, nil
		}
	}

	id := uuid.New()
	if err := prefs.SetString(ctx, installIDKey, id.String()); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func deviceInfo(cfg config.DeviceConfig) *logging.Device {
	model := cfg.Model
	if model == "" {
		model, _ = os.Hostname()
	}
	locale := cfg.Locale
	if locale == "" {
		locale = strings.SplitN(os.Getenv("LANG"), ".", 2)[0]
	}
	_, offset := time.Now().Zone()

	return &logging.Device{
		SDKName:        sdkName,
		SDKVersion:     Version,
		Model:          model,
		OSName:         runtime.GOOS,
		OSVersion:      osVersion(),
		Locale:         locale,
		TimeZoneOffset: offset / 60,
		AppVersion:     cfg.AppVersion,
		AppBuild:       cfg.AppBuild,
		AppNamespace:   cfg.AppNamespace,
	}
}

func osVersion() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// newSender builds the ingestion chain. A missing endpoint yields a sender
// that reports the configuration error, which disables every group on its
// first send while logs keep accumulating in the store.
func newSender(cfg *config.Config, installID uuid.UUID, device *logging.Device, state *network.State,
	metrics *telemetry.Metrics, logger *slog.Logger) (ingestion.Sender, func(), error) {
	retry := cfg.Ingestion.Retry
	maxRetries := ingestion.DefaultMaxRetries
	if retry.MaxRetries != nil {
		maxRetries = *retry.MaxRetries
	}

	paths := make(map[string]string)
	for name, group := range cfg.Groups {
		if group.Path != "" {
			paths[name] = group.Path
		}
	}

	transport, err := ingestion.NewHTTPTransport(ingestion.TransportConfig{
		BaseURL:   cfg.Ingestion.BaseURL,
		Paths:     paths,
		InstallID: installID,
		Device:    device,
		Compress:  cfg.Ingestion.Compress,
		Timeout:   cfg.Ingestion.Timeout,
		Policy:    ingestion.NewStatusPolicy(retry.RetryableStatusCodes, *retry.RetryServerErrors),
		Client:    &http.Client{Timeout: cfg.Ingestion.Timeout},
		Logger:    logger.With("component", "transport"),
	})
	if err != nil {
		if !ingestion.IsConfigurationError(err) {
			return nil, nil, err
		}
		logger.Warn("ingestion is not configured, logs are kept locally", "error", err)
		return ingestion.SenderFunc(func(ctx context.Context, b *ingestion.Batch) ingestion.Result {
			return ingestion.Failure(ingestion.RejectedPermanently, err)
		}), func() {}, nil
	}

	chain := ingestion.NewDefaultChain(transport, ingestion.ChainConfig{
		AppSecret: cfg.Ingestion.AppSecret,
		Retry: ingestion.RetryPolicy{
			MaxRetries: maxRetries,
			BaseDelay:  retry.BaseDelay,
			MaxDelay:   retry.MaxDelay,
			Jitter:     retry.Jitter,
		},
		Network: state,
		Logger:  logger.With("component", "ingestion"),
		OnRetry: func(b *ingestion.Batch, attempt int, delay time.Duration) {
			metrics.Retry(b.Group)
		},
	})
	return chain, transport.Close, nil
}

// startMonitor probes the ingestion endpoint in the background. Without an
// endpoint the state stays online and the chain reports the missing
// configuration instead.
func startMonitor(ctx context.Context, cfg *config.Config, state *network.State, handler *crashes.Handler, logger *slog.Logger) (<-chan struct{}, error) {
	if cfg.Ingestion.BaseURL == "" {
		done := make(chan struct{})
		close(done)
		return done, nil
	}

	probe, err := network.DialProbe(cfg.Ingestion.BaseURL, cfg.Network.ProbeTimeout)
	if err != nil {
		return nil, err
	}
	monitor := network.NewMonitor(state, probe, cfg.Network.ProbeInterval, logger.With("component", "network"))
	go func() {
		defer handler.Recover()
		monitor.Run(ctx)
	}()
	return monitor.Done(), nil
}
