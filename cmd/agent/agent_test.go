package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/LogIngestionAgent/internal/config"
	"github.com/Chichichkin/LogIngestionAgent/internal/crashes"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/ingestion"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/network"
	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "nested", "logs.db")
	return cfg
}

func TestOpenStore_CreatesDirectoryAndCapacities(t *testing.T) {
	cfg := testConfig(t)
	events := cfg.Groups[logging.GroupEvents]
	events.Capacity = 10
	cfg.Groups[logging.GroupEvents] = events

	st, err := openStore(cfg, telemetry.OrDiscard(nil), nil, true)
	require.NoError(t, err)
	defer st.Close()

	assert.FileExists(t, cfg.Store.Path)
	assert.Equal(t, 10, st.Capacity(logging.GroupEvents))
	assert.Equal(t, cfg.Store.DefaultCapacity, st.Capacity(logging.GroupCrashes))
}

func TestOpenStore_OutsidePipelineLeavesBatchesInFlight(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	pipeline, err := openStore(cfg, telemetry.OrDiscard(nil), nil, true)
	require.NoError(t, err)
	defer pipeline.Close()

	_, err = pipeline.Append(ctx, logging.GroupEvents, logging.NewEventLog("e", nil))
	require.NoError(t, err)
	batch, err := pipeline.NextBatch(ctx, logging.GroupEvents, 10)
	require.NoError(t, err)
	require.NotNil(t, batch)

	other, err := openStore(cfg, telemetry.OrDiscard(nil), nil, false)
	require.NoError(t, err)
	require.NoError(t, other.Close())

	next, err := pipeline.NextBatch(ctx, logging.GroupEvents, 10)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestResolveInstallID(t *testing.T) {
	cfg := testConfig(t)
	st, err := openStore(cfg, telemetry.OrDiscard(nil), nil, true)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	first, err := resolveInstallID(ctx, st.Preferences(), "")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first)

	again, err := resolveInstallID(ctx, st.Preferences(), "")
	require.NoError(t, err)
	assert.Equal(t, first, again, "the generated id is persisted")

	configured := uuid.New()
	got, err := resolveInstallID(ctx, st.Preferences(), configured.String())
	require.NoError(t, err)
	assert.Equal(t, configured, got)

	_, err = resolveInstallID(ctx, st.Preferences(), "not-a-uuid")
	assert.Error(t, err)
}

func TestDeviceInfo(t *testing.T) {
	device := deviceInfo(config.DeviceConfig{
		AppVersion: "1.2.3",
		AppBuild:   "42",
		Locale:     "en_US",
		Model:      "edge-7",
	})

	assert.Equal(t, sdkName, device.SDKName)
	assert.Equal(t, Version, device.SDKVersion)
	assert.Equal(t, "edge-7", device.Model)
	assert.Equal(t, "en_US", device.Locale)
	assert.Equal(t, "1.2.3", device.AppVersion)
	assert.Equal(t, "42", device.AppBuild)
	assert.NotEmpty(t, device.OSName)
}

func TestNewSender_WithoutEndpointReportsConfigurationError(t *testing.T) {
	cfg := testConfig(t)

	sender, closeSender, err := newSender(cfg, uuid.New(), nil, network.NewState(true), nil, telemetry.OrDiscard(nil))
	require.NoError(t, err)
	defer closeSender()

	result := sender.Send(context.Background(), &ingestion.Batch{ID: "b1", Group: logging.GroupEvents})
	assert.Equal(t, ingestion.RejectedPermanently, result.Status)
	assert.True(t, ingestion.IsConfigurationError(result.Err))
}

func TestNewSender_WithoutSecretReportsConfigurationError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingestion.BaseURL = "http://127.0.0.1:1"

	sender, closeSender, err := newSender(cfg, uuid.New(), nil, network.NewState(true), nil, telemetry.OrDiscard(nil))
	require.NoError(t, err)
	defer closeSender()

	result := sender.Send(context.Background(), &ingestion.Batch{ID: "b1", Group: logging.GroupEvents})
	assert.True(t, ingestion.IsConfigurationError(result.Err))
}

func TestParseProperties(t *testing.T) {
	props, err := parseProperties([]string{"env=prod", "empty=", "expr=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod", "empty": "", "expr": "a=b"}, props)

	_, err = parseProperties([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseProperties([]string{"=value"})
	assert.Error(t, err)
}

func TestPrintStatus(t *testing.T) {
	cfg := testConfig(t)
	st, err := openStore(cfg, telemetry.OrDiscard(nil), nil, true)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := st.Append(ctx, logging.GroupEvents, logging.NewEventLog("e", nil))
		require.NoError(t, err)
	}
	_, err = st.Append(ctx, "legacy", logging.NewEventLog("old", nil))
	require.NoError(t, err)

	stats, err := st.Groups(ctx)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printStatus(&out, cfg, st, stats))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "GROUP")
	assert.Equal(t, []string{"crashes", "0", "0", "0", "300"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"events", "3", "0", "0", "300"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"legacy", "(unconfigured)", "1", "0", "0", "300"}, strings.Fields(lines[3]))
}

func TestRecordPanic_StoresHeldCrash(t *testing.T) {
	cfg := testConfig(t)
	st, err := openStore(cfg, telemetry.OrDiscard(nil), nil, true)
	require.NoError(t, err)
	defer st.Close()

	handler := crashes.NewHandler(st, crashes.HandlerConfig{Group: logging.GroupCrashes})
	recordPanic(handler, telemetry.OrDiscard(nil))("tailer exploded")

	held, err := st.Held(context.Background(), logging.GroupCrashes)
	require.NoError(t, err)
	require.Len(t, held, 1)
	report, ok := held[0].Log.(*logging.ErrorLog)
	require.True(t, ok)
	assert.False(t, report.Fatal)
}

func TestStaticConfirmer(t *testing.T) {
	dir := t.TempDir()
	crashID := uuid.New()
	crashDir := filepath.Join(dir, crashID.String())
	require.NoError(t, os.MkdirAll(filepath.Join(crashDir, "ignored"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(crashDir, "a-notes.txt"), []byte("user pressed save"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(crashDir, "b-dump.bin"), []byte{0x00, 0x01, 0xff, 0xfe}, 0o644))

	c, err := newStaticConfirmer("always_send", dir)
	require.NoError(t, err)

	decision, err := c.RequestConfirmation(context.Background(), &logging.ErrorLog{})
	require.NoError(t, err)
	assert.Equal(t, crashes.AlwaysSend, decision)

	attachments, err := c.FetchAttachments(context.Background(), crashID)
	require.NoError(t, err)
	require.Len(t, attachments, 2)

	require.NotNil(t, attachments[0].Text)
	assert.Equal(t, "user pressed save", *attachments[0].Text)
	require.NotNil(t, attachments[1].Binary)
	assert.Equal(t, "b-dump.bin", attachments[1].Binary.FileName)
	assert.Equal(t, "application/octet-stream", attachments[1].Binary.ContentType)
	assert.Equal(t, []byte{0x00, 0x01, 0xff, 0xfe}, attachments[1].Binary.Data)

	none, err := c.FetchAttachments(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = newStaticConfirmer("perhaps", dir)
	assert.Error(t, err)
}
