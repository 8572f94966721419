package crashes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/channel"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/store"
	"github.com/Chichichkin/LogIngestionAgent/internal/testutils"
)

type fakeChannel struct {
	testutils.MockEnqueuer
	mu       sync.Mutex
	triggers []string
}

func (c *fakeChannel) Trigger(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers = append(c.triggers, group)
}

func (c *fakeChannel) Triggers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.triggers...)
}

type fakeConfirmer struct {
	decision    Decision
	err         error
	attachments []logging.ErrorAttachment

	mu        sync.Mutex
	asked     []uuid.UUID
	fetched   []uuid.UUID
	fetchErr  error
	answering chan struct{}
}

func (c *fakeConfirmer) RequestConfirmation(ctx context.Context, report *logging.ErrorLog) (Decision, error) {
	c.mu.Lock()
	c.asked = append(c.asked, report.ID)
	c.mu.Unlock()

	if c.answering != nil {
		select {
		case <-c.answering:
		case <-ctx.Done():
			return Send, ctx.Err()
		}
	}
	return c.decision, c.err
}

func (c *fakeConfirmer) FetchAttachments(_ context.Context, crashID uuid.UUID) ([]logging.ErrorAttachment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = append(c.fetched, crashID)
	return c.attachments, c.fetchErr
}

func (c *fakeConfirmer) calls() (asked, fetched int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.asked), len(c.fetched)
}

func captureCrash(t *testing.T, st *store.Store, msg string) *logging.ErrorLog {
	t.Helper()
	report, err := NewHandler(st, HandlerConfig{}).Capture(errors.New(msg), true)
	require.NoError(t, err)
	return report
}

func eligible(t *testing.T, st *store.Store) int {
	t.Helper()
	n, err := st.Count(context.Background(), logging.GroupCrashes)
	require.NoError(t, err)
	return n
}

func startModule(t *testing.T, st *store.Store, ch Channel, cfg ModuleConfig) *Module {
	t.Helper()
	m := NewModule(st, st.Preferences(), ch, cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func TestModule_NoCrashes(t *testing.T) {
	st := openStore(t)
	m := startModule(t, st, &fakeChannel{}, ModuleConfig{})
	m.Wait()

	assert.False(t, m.HasCrashedInLastSession())
	_, ok := m.LastSessionCrashReport()
	assert.False(t, ok)
}

func TestModule_ReleasesWithoutConfirmer(t *testing.T) {
	st := openStore(t)
	report := captureCrash(t, st, "boom")
	ch := &fakeChannel{}

	m := startModule(t, st, ch, ModuleConfig{RequireConfirmation: true})
	m.Wait()

	assert.True(t, m.HasCrashedInLastSession())
	last, ok := m.LastSessionCrashReport()
	require.True(t, ok)
	assert.Equal(t, report.ID, last.ID)

	assert.Equal(t, 1, eligible(t, st))
	assert.Zero(t, m.Pending())
	assert.Equal(t, []string{logging.GroupCrashes}, ch.Triggers())
}

func TestModule_SendReleasesAndQueuesAttachments(t *testing.T) {
	st := openStore(t)
	report := captureCrash(t, st, "boom")
	ch := &fakeChannel{}
	confirmer := &fakeConfirmer{
		decision: Send,
		attachments: []logging.ErrorAttachment{
			logging.TextAttachment("user notes"),
			logging.BinaryAttachmentOf([]byte{1, 2, 3}, "dump.bin", "application/octet-stream"),
			{},
		},
	}

	m := startModule(t, st, ch, ModuleConfig{RequireConfirmation: true, Confirmer: confirmer})
	m.Wait()

	assert.Equal(t, 1, eligible(t, st))
	asked, fetched := confirmer.calls()
	assert.Equal(t, 1, asked)
	assert.Equal(t, 1, fetched)

	enqueued := ch.Enqueued()
	require.Len(t, enqueued, 2, "empty attachments are skipped")
	for _, e := range enqueued {
		assert.Equal(t, logging.GroupCrashes, e.Group)
		att, ok := e.Log.(*logging.ErrorAttachmentLog)
		require.True(t, ok)
		assert.Equal(t, report.ID, att.ErrorID)
	}
	assert.Equal(t, "user notes", *enqueued[0].Log.(*logging.ErrorAttachmentLog).Text)
}

func TestModule_DontSendDeletesWithoutAttachments(t *testing.T) {
	st := openStore(t)
	captureCrash(t, st, "boom")
	ch := &fakeChannel{}
	confirmer := &fakeConfirmer{
		decision:    DontSend,
		attachments: []logging.ErrorAttachment{logging.TextAttachment("never sent")},
	}

	m := startModule(t, st, ch, ModuleConfig{RequireConfirmation: true, Confirmer: confirmer})
	m.Wait()

	size, err := st.Size(context.Background(), logging.GroupCrashes)
	require.NoError(t, err)
	assert.Zero(t, size)

	_, fetched := confirmer.calls()
	assert.Zero(t, fetched)
	assert.Empty(t, ch.Enqueued())
	assert.Empty(t, ch.Triggers())
}

func TestModule_AlwaysSendSkipsFutureConfirmations(t *testing.T) {
	st := openStore(t)
	captureCrash(t, st, "first")
	confirmer := &fakeConfirmer{decision: AlwaysSend}

	m := startModule(t, st, &fakeChannel{}, ModuleConfig{RequireConfirmation: true, Confirmer: confirmer})
	m.Wait()
	assert.Equal(t, 1, eligible(t, st))

	always, err := st.Preferences().Bool(context.Background(), AlwaysSendKey)
	require.NoError(t, err)
	assert.True(t, always)

	captureCrash(t, st, "second")
	next := startModule(t, st, &fakeChannel{}, ModuleConfig{RequireConfirmation: true, Confirmer: confirmer})
	next.Wait()

	asked, fetched := confirmer.calls()
	assert.Equal(t, 1, asked, "the persisted answer replaces the prompt")
	assert.Equal(t, 2, fetched)
	assert.Equal(t, 2, eligible(t, st))
}

func TestModule_PendingUntilAnswered(t *testing.T) {
	st := openStore(t)
	captureCrash(t, st, "boom")
	confirmer := &fakeConfirmer{decision: Send, answering: make(chan struct{})}

	m := startModule(t, st, &fakeChannel{}, ModuleConfig{RequireConfirmation: true, Confirmer: confirmer})

	assert.Eventually(t, func() bool {
		asked, _ := confirmer.calls()
		return asked == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, m.Pending())
	assert.Zero(t, eligible(t, st), "an unanswered crash is never batched")

	close(confirmer.answering)
	m.Wait()
	assert.Zero(t, m.Pending())
	assert.Equal(t, 1, eligible(t, st))
}

func TestModule_StopKeepsUnansweredCrashHeld(t *testing.T) {
	st := openStore(t)
	captureCrash(t, st, "boom")
	confirmer := &fakeConfirmer{decision: Send, answering: make(chan struct{})}

	m := startModule(t, st, &fakeChannel{}, ModuleConfig{RequireConfirmation: true, Confirmer: confirmer})
	assert.Eventually(t, func() bool {
		asked, _ := confirmer.calls()
		return asked == 1
	}, time.Second, 10*time.Millisecond)

	m.Stop()
	assert.Zero(t, eligible(t, st))
	assert.Len(t, heldReports(t, st), 1)
}

func TestModule_ConfirmerErrorKeepsCrashHeld(t *testing.T) {
	st := openStore(t)
	captureCrash(t, st, "boom")
	confirmer := &fakeConfirmer{err: errors.New("dialog dismissed")}

	m := startModule(t, st, &fakeChannel{}, ModuleConfig{RequireConfirmation: true, Confirmer: confirmer})
	m.Wait()

	assert.Zero(t, eligible(t, st))
	assert.Len(t, heldReports(t, st), 1)
	assert.Equal(t, 1, m.Pending())
}

type recordingCrashListener struct {
	mu        sync.Mutex
	before    int
	succeeded int
	failed    []error
}

func (l *recordingCrashListener) OnBeforeSending(*logging.ErrorLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.before++
}

func (l *recordingCrashListener) OnSendingSucceeded(*logging.ErrorLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.succeeded++
}

func (l *recordingCrashListener) OnSendingFailed(_ *logging.ErrorLog, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, err)
}

func TestModule_ForwardsCrashCallbacksOnly(t *testing.T) {
	listener := &recordingCrashListener{}
	m := NewModule(nil, nil, nil, ModuleConfig{Listener: listener})

	report := &logging.ErrorLog{ID: uuid.New()}
	event := logging.NewEventLog("click", nil)

	m.OnBeforeSending(report)
	m.OnBeforeSending(event)
	m.OnSuccess(report)
	m.OnFailure(report, errors.New("rejected"))
	m.OnFailure(logging.NewErrorAttachmentLog(report.ID, logging.TextAttachment("x")), errors.New("rejected"))

	assert.Equal(t, 1, listener.before)
	assert.Equal(t, 1, listener.succeeded)
	assert.Len(t, listener.failed, 1)
}

func TestModule_DeliversCrashBeforeAttachments(t *testing.T) {
	st := openStore(t)
	report := captureCrash(t, st, "boom")

	sender := &testutils.MockSender{}
	sent := sender.Sent()
	listener := &recordingCrashListener{}
	confirmer := &fakeConfirmer{decision: Send, attachments: []logging.ErrorAttachment{logging.TextAttachment("notes")}}

	ch := channel.New(st, sender, channel.Config{})
	module := NewModule(st, st.Preferences(), ch, ModuleConfig{
		RequireConfirmation: true,
		Confirmer:           confirmer,
		Listener:            listener,
	})
	require.NoError(t, ch.AddGroup(channel.GroupConfig{
		Name:          logging.GroupCrashes,
		BatchSize:     2,
		FlushInterval: time.Hour,
		Listener:      module,
	}))
	ch.Start(context.Background())
	defer ch.Shutdown()

	require.NoError(t, module.Start(context.Background()))
	module.Wait()

	select {
	case batch := <-sent:
		require.Len(t, batch.Logs, 2)
		first, err := logging.DefaultSerializer().Deserialize(batch.Logs[0])
		require.NoError(t, err)
		second, err := logging.DefaultSerializer().Deserialize(batch.Logs[1])
		require.NoError(t, err)
		assert.Equal(t, report.ID, first.(*logging.ErrorLog).ID)
		assert.Equal(t, report.ID, second.(*logging.ErrorAttachmentLog).ErrorID)
	case <-time.After(2 * time.Second):
		t.Fatal("crash was not delivered")
	}

	assert.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return listener.before == 1 && listener.succeeded == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{
		"send": Send, "": Send, "DONT_SEND": DontSend, "always-send": AlwaysSend,
	} {
		got, err := ParseDecision(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDecision("maybe")
	assert.Error(t, err)
	assert.Equal(t, "always_send", AlwaysSend.String())
}
