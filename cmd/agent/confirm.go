package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Chichichkin/LogIngestionAgent/internal/crashes"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
)

// staticConfirmer answers every confirmation request with the configured
// decision and attaches the files found under <dir>/<crash id>/.
type staticConfirmer struct {
	decision crashes.Decision
	dir      string
}

func newStaticConfirmer(decision, dir string) (*staticConfirmer, error) {
	d, err := crashes.ParseDecision(decision)
	if err != nil {
		return nil, err
	}
	return &staticConfirmer{decision: d, dir: dir}, nil
}

func (c *staticConfirmer) RequestConfirmation(ctx context.Context, report *logging.ErrorLog) (crashes.Decision, error) {
	return c.decision, ctx.Err()
}

func (c *staticConfirmer) FetchAttachments(ctx context.Context, crashID uuid.UUID) ([]logging.ErrorAttachment, error) {
	if c.dir == "" {
		return nil, nil
	}

	dir := filepath.Join(c.dir, crashID.String())
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var attachments []logging.ErrorAttachment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, attachmentOf(entry.Name(), data))
	}
	return attachments, nil
}

func attachmentOf(name string, data []byte) logging.ErrorAttachment {
	contentType := http.DetectContentType(data)
	if strings.HasPrefix(contentType, "text/plain") && utf8.Valid(data) {
		return logging.TextAttachment(string(data))
	}
	return logging.BinaryAttachmentOf(data, name, contentType)
}

// crashLogger reports crash delivery in the agent log.
type crashLogger struct {
	logger *slog.Logger
}

func (l crashLogger) OnBeforeSending(report *logging.ErrorLog) {
	l.logger.Debug("sending crash report", "id", report.ID)
}

func (l crashLogger) OnSendingSucceeded(report *logging.ErrorLog) {
	l.logger.Info("crash report delivered", "id", report.ID)
}

func (l crashLogger) OnSendingFailed(report *logging.ErrorLog, err error) {
	l.logger.Error("crash report dropped", "id", report.ID, "error", err)
}
