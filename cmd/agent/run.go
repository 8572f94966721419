package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Chichichkin/LogIngestionAgent/internal/config"
	"github.com/Chichichkin/LogIngestionAgent/internal/crashes"
	"github.com/Chichichkin/LogIngestionAgent/internal/daemon"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/channel"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/network"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/store"
	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var runFlags struct {
	background bool
	logLevel   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the delivery pipeline",
	Long: `Run the delivery pipeline until SIGINT or SIGTERM.

Queued logs are sent per group once a batch fills up or its flush interval
elapses. SIGUSR1 switches to the background flush interval, SIGUSR2 back to
the foreground one.

Examples:
  # Run with a config file
  agent run --config /etc/logagent/config.yaml

  # Start with background flush intervals
  agent run --background`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runFlags.background, "background", false, "start with background flush intervals")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	if runFlags.logLevel != "" {
		os.Setenv("LOGAGENT_TELEMETRY_LOGGING_LEVEL", runFlags.logLevel)
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	st, err := openStore(cfg, logger, metrics, true)
	if err != nil {
		return err
	}
	defer st.Close()

	installID, err := resolveInstallID(ctx, st.Preferences(), cfg.Ingestion.InstallID)
	if err != nil {
		return fmt.Errorf("failed to resolve install id: %w", err)
	}
	device := deviceInfo(cfg.Device)
	session := uuid.New()

	logger.Info("starting log agent",
		"version", Version,
		"install_id", installID,
		"session_id", session,
		"store", cfg.Store.Path,
		"endpoint", cfg.Ingestion.BaseURL,
	)

	// Crash capture starts first so a failure while wiring the rest is
	// recorded for the next run. Every goroutine started below defers it
	// too, as a deferred recover only covers its own goroutine.
	handler := crashes.NewHandler(st, crashes.HandlerConfig{
		Group:     cfg.Crashes.Group,
		Device:    device,
		SessionID: &session,
		Logger:    logger.With("component", "crashes"),
	})
	defer handler.Recover()

	state := network.NewState(true)
	defer state.Close()

	sender, closeSender, err := newSender(cfg, installID, device, state, metrics, logger)
	if err != nil {
		return err
	}
	defer closeSender()

	ch := channel.New(st, sender, channel.Config{
		Device:  device,
		Logger:  logger.With("component", "channel"),
		Metrics: metrics,
		Network: state,
		OnError: func(group string, err error) {
			logger.Error("delivery failed", "group", group, "error", err)
		},
		Recover: handler.Recover,
	})
	ch.SetForeground(!runFlags.background)

	module, err := newCrashModule(cfg, st, ch, logger)
	if err != nil {
		return err
	}

	for name, group := range cfg.Groups {
		var listener logging.Listener
		if name == cfg.Crashes.Group {
			listener = module
		}
		if err := ch.AddGroup(channel.GroupConfig{
			Name:                    name,
			BatchSize:               group.BatchSize,
			FlushInterval:           group.FlushInterval,
			BackgroundFlushInterval: group.BackgroundFlushInterval,
			Listener:                listener,
		}); err != nil {
			return err
		}
	}

	monitorDone, err := startMonitor(ctx, cfg, state, handler, logger)
	if err != nil {
		return err
	}

	ch.Start(ctx)
	if err := module.Start(ctx); err != nil {
		logger.Error("failed to load crash reports", "error", err)
	}
	if report, ok := module.LastSessionCrashReport(); ok {
		logger.Warn("previous session crashed", "id", report.ID, "pending", module.Pending())
	}

	var tailer *daemon.Service
	if cfg.Daemon.Enabled {
		tailer = daemon.NewService(ctx, daemon.Config{
			LogRootPath:     cfg.Daemon.Root,
			ScanInterval:    cfg.Daemon.ScanInterval,
			Workers:         cfg.Daemon.Workers,
			Group:           cfg.Daemon.Group,
			EventName:       cfg.Daemon.EventName,
			FileIdleTimeout: cfg.Daemon.IdleTimeout,
			Logger:          logger.With("component", "daemon"),
			Registerer:      registry,
			OnPanic:         recordPanic(handler, logger),
		}, ch)
		tailer.Start()
	}

	var server *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		server = serveMetrics(cfg.Telemetry.Metrics, registry, handler, logger)
	}

	waitForSignals(ctx, ch, logger)

	logger.Info("shutting down")
	cancel()

	if tailer != nil {
		tailer.Stop()
	}
	module.Stop()
	ch.Shutdown()
	<-monitorDone

	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("log agent stopped")
	return nil
}

func newCrashModule(cfg *config.Config, st *store.Store, ch *channel.Channel, logger *slog.Logger) (*crashes.Module, error) {
	confirmer, err := newStaticConfirmer(cfg.Crashes.Decision, cfg.Crashes.AttachmentsDir)
	if err != nil {
		return nil, err
	}

	logger = logger.With("component", "crashes")
	return crashes.NewModule(st, st.Preferences(), ch, crashes.ModuleConfig{
		Group:               cfg.Crashes.Group,
		RequireConfirmation: cfg.Crashes.RequireConfirmation,
		Confirmer:           confirmer,
		Listener:            crashLogger{logger: logger},
		Logger:              logger,
	}), nil
}

// recordPanic records panics that a component recovered from itself as
// non-fatal crashes.
func recordPanic(handler *crashes.Handler, logger *slog.Logger) func(any) {
	return func(value any) {
		if _, err := handler.Capture(value, false); err != nil {
			logger.Error("failed to record panic", "error", err)
		}
	}
}

// waitForSignals blocks until ctx ends or a termination signal arrives,
// switching flush intervals on SIGUSR1 and SIGUSR2.
func waitForSignals(ctx context.Context, ch *channel.Channel, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR1:
				logger.Info("switching to background flush intervals")
				ch.SetForeground(false)
			case syscall.SIGUSR2:
				logger.Info("switching to foreground flush intervals")
				ch.SetForeground(true)
			default:
				logger.Info("received shutdown signal", "signal", sig)
				return
			}
		}
	}
}

func serveMetrics(cfg config.MetricsConfig, registry *prometheus.Registry, handler *crashes.Handler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		defer handler.Recover()
		logger.Info("serving metrics", "address", cfg.ListenAddress, "path", cfg.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return server
}
