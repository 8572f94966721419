package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/ingestion"
)

// MockSender replays Results in order and repeats the last one. With no
// Results every batch is delivered.
type MockSender struct {
	Results []ingestion.Result
	// Block, when set, holds every send until it is closed or ctx ends.
	Block chan struct{}
	Delay time.Duration

	mu      sync.Mutex
	batches []*ingestion.Batch
	sent    chan *ingestion.Batch
}

func (m *MockSender) Send(ctx context.Context, b *ingestion.Batch) ingestion.Result {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	m.batches = append(m.batches, b)
	i := len(m.batches) - 1
	sent := m.sent
	m.mu.Unlock()

	if sent != nil {
		sent <- b
	}

	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return ingestion.Failure(ingestion.TransientFailure, ctx.Err())
		}
	}

	if len(m.Results) == 0 {
		return ingestion.Result{Status: ingestion.Delivered, StatusCode: 200}
	}
	return m.Results[min(i, len(m.Results)-1)]
}

// Sent returns a channel receiving every batch as it reaches the sender.
// It must be called before the first send.
func (m *MockSender) Sent() <-chan *ingestion.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = make(chan *ingestion.Batch, 64)
	}
	return m.sent
}

func (m *MockSender) Batches() []*ingestion.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ingestion.Batch(nil), m.batches...)
}

func (m *MockSender) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// EnqueuedLog is one call recorded by MockEnqueuer.
type EnqueuedLog struct {
	Group string
	Log   logging.Log
}

type MockEnqueuer struct {
	mu         sync.Mutex
	Logs       []EnqueuedLog
	ShouldFail bool
}

func (m *MockEnqueuer) Enqueue(_ context.Context, group string, log logging.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		return fmt.Errorf("mock enqueue failed")
	}
	m.Logs = append(m.Logs, EnqueuedLog{Group: group, Log: log})
	return nil
}

func (m *MockEnqueuer) Enqueued() []EnqueuedLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EnqueuedLog(nil), m.Logs...)
}

// MockListener records delivery callbacks.
type MockListener struct {
	mu        sync.Mutex
	Before    []logging.Log
	Succeeded []logging.Log
	Failed    []logging.Log
	Errors    []error
}

func (m *MockListener) OnBeforeSending(log logging.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Before = append(m.Before, log)
}

func (m *MockListener) OnSuccess(log logging.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Succeeded = append(m.Succeeded, log)
}

func (m *MockListener) OnFailure(log logging.Log, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed = append(m.Failed, log)
	m.Errors = append(m.Errors, err)
}

func (m *MockListener) Stats() (before, succeeded, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Before), len(m.Succeeded), len(m.Failed)
}

// CreateTempLogStructure lays out application log files for tailing tests
// and returns the root directory.
func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"checkout/api/app.log":       "order created\norder paid\n",
		"checkout/worker/app.log":    "job started\n",
		"billing/invoices/app.log":   "invoice sent\nerror log\n",
		"billing/invoices/notes.txt": "not a log file\n",
		"search/indexer/indexer.log": "index rebuilt\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
