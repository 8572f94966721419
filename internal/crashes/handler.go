package crashes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/store"
	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

// Appender is the only store primitive capture needs.
type Appender interface {
	Append(ctx context.Context, group string, log logging.Log, opts ...store.AppendOption) (int64, error)
}

type HandlerConfig struct {
	Group     string
	Device    *logging.Device
	SessionID *uuid.UUID
	// LaunchTime is reported as the app launch offset. Defaults to the time
	// the handler was created.
	LaunchTime time.Time
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Handler writes crash reports straight to the store, bypassing the channel,
// so a report survives even when the process dies right after.
type Handler struct {
	appender Appender
	group    string
	device   *logging.Device
	session  *uuid.UUID
	launched time.Time
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewHandler(appender Appender, cfg HandlerConfig) *Handler {
	if cfg.Group == "" {
		cfg.Group = logging.GroupCrashes
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.LaunchTime.IsZero() {
		cfg.LaunchTime = cfg.Clock.Now()
	}
	return &Handler{
		appender: appender,
		group:    cfg.Group,
		device:   cfg.Device,
		session:  cfg.SessionID,
		launched: cfg.LaunchTime,
		clock:    cfg.Clock,
		logger:   telemetry.OrDiscard(cfg.Logger),
	}
}

// Recover must be deferred directly:
//
//	defer handler.Recover()
//
// It records a fatal crash for the panic in flight and panics again with the
// same value.
func (h *Handler) Recover() {
	r := recover()
	if r == nil {
		return
	}
	if _, err := h.capture(r, true); err != nil {
		h.logger.Error("failed to record crash", "error", err)
	}
	panic(r)
}

// Capture records value as a crash without panicking. The report is held
// until it is confirmed on a later start.
func (h *Handler) Capture(value any, fatal bool) (*logging.ErrorLog, error) {
	return h.capture(value, fatal)
}

func (h *Handler) capture(value any, fatal bool) (*logging.ErrorLog, error) {
	report := h.build(value, fatal)

	if _, err := h.appender.Append(context.Background(), h.group, report, store.Held()); err != nil {
		return nil, fmt.Errorf("appending crash %s: %w", report.ID, err)
	}
	h.logger.Warn("crash recorded", "id", report.ID, "fatal", fatal, "exception", report.Exception.Type)
	return report, nil
}

func (h *Handler) build(value any, fatal bool) *logging.ErrorLog {
	launched := h.launched.UnixMilli()
	report := &logging.ErrorLog{
		Base: logging.Base{
			TOffset:   h.clock.Now().UnixMilli(),
			SessionID: h.session,
		},
		ID:               uuid.New(),
		ProcessID:        os.Getpid(),
		ProcessName:      processName(),
		Fatal:            fatal,
		AppLaunchTOffset: &launched,
		Architecture:     runtime.GOARCH,
	}
	if h.device != nil {
		device := *h.device
		report.Device = &device
	}

	if ppid := os.Getppid(); ppid > 0 {
		report.ParentProcessID = &ppid
		if name := parentName(ppid); name != "" {
			report.ParentProcessName = &name
		}
	}

	if id, state := currentGoroutine(); id > 0 {
		report.ErrorThreadID = &id
		if state != "" {
			report.ErrorThreadName = &state
		}
	}

	report.Exception = exceptionOf(value)
	report.Exception.Frames = callerFrames()
	trace := string(stackDump(false))
	report.Exception.StackTrace = &trace
	report.Threads = parseGoroutines(stackDump(true))

	return report
}

func processName() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Base(exe)
	}
	if len(os.Args) > 0 {
		return filepath.Base(os.Args[0])
	}
	return ""
}

func parentName(ppid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", ppid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
