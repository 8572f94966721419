package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

const DefaultRequestTimeout = 60 * time.Second

type TransportConfig struct {
	BaseURL string
	// Paths maps a group to its endpoint path. Groups without an entry are
	// posted to /logs/<group>.
	Paths     map[string]string
	InstallID uuid.UUID
	Device    *logging.Device
	Compress  bool
	Timeout   time.Duration
	Policy    StatusPolicy

	Client *http.Client
	Logger *slog.Logger
}

// HTTPTransport posts one JSON log container per batch.
type HTTPTransport struct {
	baseURL    string
	paths      map[string]string
	installID  uuid.UUID
	device     *logging.Device
	compress   bool
	policy     StatusPolicy
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPTransport(cfg TransportConfig) (*HTTPTransport, error) {
	if cfg.BaseURL == "" {
		return nil, &ConfigurationError{Field: "base_url", Message: "ingestion endpoint is not set"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.Policy.Retryable == nil {
		cfg.Policy = DefaultStatusPolicy()
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPTransport{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		paths:      cfg.Paths,
		installID:  cfg.InstallID,
		device:     cfg.Device,
		compress:   cfg.Compress,
		policy:     cfg.Policy,
		httpClient: client,
		logger:     telemetry.OrDiscard(cfg.Logger),
	}, nil
}

func (t *HTTPTransport) Name() string { return "transport" }

func (t *HTTPTransport) URL(group string) string {
	if p, ok := t.paths[group]; ok {
		return t.baseURL + "/" + strings.TrimLeft(p, "/")
	}
	return t.baseURL + "/logs/" + group
}

// Send never aborts a request that has started: the outcome of a batch on the
// wire is always observed, even if ctx is cancelled meanwhile.
func (t *HTTPTransport) Send(ctx context.Context, b *Batch) Result {
	body, err := t.createBody(b)
	if err != nil {
		return Failure(RejectedPermanently, err)
	}

	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, t.URL(b.Group), bytes.NewReader(body))
	if err != nil {
		return Failure(RejectedPermanently, fmt.Errorf("failed to create request: %w", err))
	}

	for k, values := range b.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if t.installID != uuid.Nil {
		req.Header.Set("Install-ID", t.installID.String())
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Failure(TransientFailure, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		t.logger.Debug("batch delivered", "group", b.Group, "batch", b.ID, "logs", len(b.Logs), "status", resp.StatusCode)
		return Result{Status: Delivered, StatusCode: resp.StatusCode}
	}

	responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return Result{
		Status:     t.policy.Classify(resp.StatusCode),
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Err:        &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(responseBody))},
	}
}

func (t *HTTPTransport) createBody(b *Batch) ([]byte, error) {
	container := logging.LogContainer{
		BatchID: b.ID,
		Device:  t.device,
		Logs:    make([]json.RawMessage, len(b.Logs)),
	}
	for i, l := range b.Logs {
		container.Logs[i] = l
	}

	body, err := json.Marshal(container)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	if !t.compress {
		return body, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}
	return buf.Bytes(), nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (t *HTTPTransport) Close() {
	t.httpClient.CloseIdleConnections()
}
