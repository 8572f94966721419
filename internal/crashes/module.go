package crashes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/store"
	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

// AlwaysSendKey is the preference remembering an AlwaysSend answer.
const AlwaysSendKey = "crashes.always_send"

type Decision int

const (
	Send Decision = iota
	DontSend
	AlwaysSend
)

func (d Decision) String() string {
	switch d {
	case Send:
		return "send"
	case DontSend:
		return "dont_send"
	case AlwaysSend:
		return "always_send"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "send", "":
		return Send, nil
	case "dont_send", "dontsend", "dont-send":
		return DontSend, nil
	case "always_send", "alwayssend", "always-send":
		return AlwaysSend, nil
	default:
		return Send, fmt.Errorf("unknown crash decision %q", s)
	}
}

// Confirmer asks the user whether crash reports may leave the device and
// supplies attachments for the ones that may.
type Confirmer interface {
	RequestConfirmation(ctx context.Context, report *logging.ErrorLog) (Decision, error)
	FetchAttachments(ctx context.Context, crashID uuid.UUID) ([]logging.ErrorAttachment, error)
}

// CrashListener observes delivery of crash reports.
type CrashListener interface {
	OnBeforeSending(report *logging.ErrorLog)
	OnSendingSucceeded(report *logging.ErrorLog)
	OnSendingFailed(report *logging.ErrorLog, err error)
}

type HeldStore interface {
	Held(ctx context.Context, group string) ([]store.Entry, error)
	Release(ctx context.Context, group string, id int64) error
	Delete(ctx context.Context, group string, id int64) error
}

type Preferences interface {
	Bool(ctx context.Context, key string) (bool, error)
	SetBool(ctx context.Context, key string, value bool) error
}

// Channel is the part of the delivery channel the gate feeds.
type Channel interface {
	logging.Enqueuer
	Trigger(group string)
}

type ModuleConfig struct {
	Group string
	// RequireConfirmation holds crash reports until the Confirmer answers.
	RequireConfirmation bool
	Confirmer           Confirmer
	Listener            CrashListener
	Logger              *slog.Logger
}

// Module releases crash reports captured by a previous run once they are
// confirmed, then queues their attachments.
type Module struct {
	store   HeldStore
	prefs   Preferences
	channel Channel

	group     string
	confirm   bool
	confirmer Confirmer
	listener  CrashListener
	logger    *slog.Logger

	mu         sync.RWMutex
	lastReport *logging.ErrorLog
	pending    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewModule(st HeldStore, prefs Preferences, channel Channel, cfg ModuleConfig) *Module {
	if cfg.Group == "" {
		cfg.Group = logging.GroupCrashes
	}
	return &Module{
		store:     st,
		prefs:     prefs,
		channel:   channel,
		group:     cfg.Group,
		confirm:   cfg.RequireConfirmation,
		confirmer: cfg.Confirmer,
		listener:  cfg.Listener,
		logger:    telemetry.OrDiscard(cfg.Logger),
	}
}

// Start loads the reports held from earlier runs and resolves them in the
// background, one at a time.
func (m *Module) Start(ctx context.Context) error {
	entries, err := m.store.Held(ctx, m.group)
	if err != nil {
		return fmt.Errorf("loading held crash reports: %w", err)
	}

	var last *logging.ErrorLog
	for _, e := range entries {
		if report, ok := e.Log.(*logging.ErrorLog); ok {
			if last == nil || report.TOffset >= last.TOffset {
				last = report
			}
		}
	}

	m.mu.Lock()
	m.lastReport = last
	m.pending = len(entries)
	m.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	m.logger.Info("crash reports from previous session", "count", len(entries))

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, e := range entries {
			if ctx.Err() != nil {
				return
			}
			m.resolve(ctx, e)
		}
	}()
	return nil
}

// Wait blocks until every report loaded by Start is resolved or abandoned.
func (m *Module) Wait() {
	m.wg.Wait()
}

// Stop abandons unanswered confirmations; their reports stay held.
func (m *Module) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Module) HasCrashedInLastSession() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReport != nil
}

// LastSessionCrashReport returns the most recent report from a previous run.
func (m *Module) LastSessionCrashReport() (*logging.ErrorLog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReport, m.lastReport != nil
}

// Pending returns the number of reports still waiting for a decision.
func (m *Module) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending
}

func (m *Module) resolve(ctx context.Context, e store.Entry) {
	report, ok := e.Log.(*logging.ErrorLog)
	if !ok {
		// Only crash reports are ever held; anything else is not ours to gate.
		m.release(ctx, e.ID)
		return
	}

	decision, err := m.decide(ctx, report)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error("crash confirmation failed, keeping report", "id", report.ID, "error", err)
		}
		return
	}
	m.logger.Info("crash report resolved", "id", report.ID, "decision", decision)

	switch decision {
	case DontSend:
		if err := m.store.Delete(ctx, m.group, e.ID); err != nil {
			m.logger.Error("failed to delete declined crash report", "id", report.ID, "error", err)
			return
		}
		m.done()
		return
	case AlwaysSend:
		if err := m.prefs.SetBool(ctx, AlwaysSendKey, true); err != nil {
			m.logger.Error("failed to persist always-send", "error", err)
		}
	}

	if !m.release(ctx, e.ID) {
		return
	}
	m.enqueueAttachments(ctx, report)
	m.channel.Trigger(m.group)
}

func (m *Module) decide(ctx context.Context, report *logging.ErrorLog) (Decision, error) {
	if !m.confirm || m.confirmer == nil {
		return Send, nil
	}

	always, err := m.prefs.Bool(ctx, AlwaysSendKey)
	if err != nil {
		m.logger.Warn("failed to read always-send preference", "error", err)
	}
	if always {
		return Send, nil
	}

	return m.confirmer.RequestConfirmation(ctx, report)
}

func (m *Module) release(ctx context.Context, id int64) bool {
	if err := m.store.Release(ctx, m.group, id); err != nil {
		m.logger.Error("failed to release crash report", "entry", id, "error", err)
		return false
	}
	m.done()
	return true
}

func (m *Module) done() {
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
}

func (m *Module) enqueueAttachments(ctx context.Context, report *logging.ErrorLog) {
	if m.confirmer == nil {
		return
	}

	attachments, err := m.confirmer.FetchAttachments(ctx, report.ID)
	if err != nil {
		m.logger.Error("failed to fetch crash attachments", "id", report.ID, "error", err)
		return
	}

	for _, a := range attachments {
		if a.Text == nil && a.Binary == nil {
			m.logger.Warn("skipping empty crash attachment", "id", report.ID)
			continue
		}
		log := logging.NewErrorAttachmentLog(report.ID, a)
		log.SessionID = report.SessionID
		log.Device = report.Device
		if err := m.channel.Enqueue(ctx, m.group, log); err != nil {
			m.logger.Error("failed to enqueue crash attachment", "id", report.ID, "error", err)
		}
	}
}

func (m *Module) OnBeforeSending(log logging.Log) {
	if report, ok := log.(*logging.ErrorLog); ok && m.listener != nil {
		m.listener.OnBeforeSending(report)
	}
}

func (m *Module) OnSuccess(log logging.Log) {
	if report, ok := log.(*logging.ErrorLog); ok && m.listener != nil {
		m.listener.OnSendingSucceeded(report)
	}
}

func (m *Module) OnFailure(log logging.Log, err error) {
	if report, ok := log.(*logging.ErrorLog); ok && m.listener != nil {
		m.listener.OnSendingFailed(report, err)
	}
}
