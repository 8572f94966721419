package daemon

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

const (
	DefaultScanInterval  = 10 * time.Second
	DefaultWorkers       = 4
	DefaultFileQueueSize = 64
	DefaultEventName     = "log_line"
)

// Service tails *.log files under a root directory and enqueues every new
// line as an event.
type Service struct {
	config    Config
	enqueuer  logging.Enqueuer
	fileQueue chan string
	workersWg sync.WaitGroup
	scannerWg sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	seen    map[string]struct{}
	tailing map[string]struct{}
}

type Config struct {
	LogRootPath   string
	ScanInterval  time.Duration
	Workers       int
	FileQueueSize int
	// Group receives the events; defaults to logging.GroupEvents.
	Group     string
	EventName string
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	Logger          *slog.Logger
	Registerer      prometheus.Registerer
	// OnPanic receives panics recovered from workers, which keep running.
	OnPanic func(value any)
}

// NewService creates 1 + config.Workers goroutines on Start.
func NewService(ctx context.Context, config Config, enqueuer logging.Enqueuer) *Service {
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultScanInterval
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.FileQueueSize <= 0 {
		config.FileQueueSize = DefaultFileQueueSize
	}
	if config.Group == "" {
		config.Group = logging.GroupEvents
	}
	if config.EventName == "" {
		config.EventName = DefaultEventName
	}

	nCtx, cancel := context.WithCancel(ctx)
	return &Service{
		config:    config,
		enqueuer:  enqueuer,
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		logger:    telemetry.OrDiscard(config.Logger).With("component", "tailer"),
		metrics:   NewMetrics(config.Registerer),
		seen:      make(map[string]struct{}),
		tailing:   make(map[string]struct{}),
	}
}

func (s *Service) Start() {
	s.logger.Info("starting file tailer",
		"root", s.config.LogRootPath, "workers", s.config.Workers, "queue_size", s.config.FileQueueSize)

	for i := 0; i < s.config.Workers; i++ {
		s.workersWg.Add(1)
		go s.worker(i)
	}

	s.scannerWg.Add(1)
	go s.scanner()
}

func (s *Service) Stop() {
	s.logger.Info("stopping file tailer")
	s.cancel()

	s.scannerWg.Wait()

	close(s.fileQueue)
	s.workersWg.Wait()

	s.logger.Info("file tailer stopped")
}

func (s *Service) worker(id int) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", "worker", id, "panic", r)
			s.panicked(r)
		}
	}()

	s.metrics.WorkersActive.Inc()
	defer s.metrics.WorkersActive.Dec()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.QueuedFiles.Dec()
			s.metrics.WorkersBusy.Inc()
			s.processFile(s.ctx, filePath)
			s.metrics.WorkersBusy.Dec()
			s.release(filePath)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) panicked(value any) {
	if s.config.OnPanic != nil {
		s.config.OnPanic(value)
	}
}

func (s *Service) processFile(ctx context.Context, filePath string) {
	defer s.metrics.FilesProcessed.Inc()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("file processing panicked", "file", filePath, "panic", r)
			s.metrics.FilesFailed.Inc()
			s.panicked(r)
		}
	}()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Warn("failed to tail file", "file", filePath, "error", err)
		s.metrics.FilesFailed.Inc()
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	checkTicker := time.NewTicker(time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()
	props := s.properties(filePath)

	for {
		select {
		case line := <-t.Lines:
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.logger.Warn("error reading file", "file", filePath, "error", line.Err)
				continue
			}

			s.enqueueLine(ctx, props, line.Text)
			lastActivity = time.Now()

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.logger.Debug("file idle, stop tailing", "file", filePath)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) enqueueLine(ctx context.Context, props map[string]string, text string) {
	properties := make(map[string]string, len(props)+1)
	for k, v := range props {
		properties[k] = v
	}
	properties["line"] = text

	if err := s.enqueuer.Enqueue(ctx, s.config.Group, logging.NewEventLog(s.config.EventName, properties)); err != nil {
		s.logger.Warn("failed to enqueue line", "group", s.config.Group, "error", err)
		s.metrics.LinesDropped.Inc()
		return
	}
	s.metrics.LinesRead.Inc()
}

func (s *Service) scanner() {
	defer s.scannerWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Warn("error discovering log files", "error", err)
		return
	}

	for _, file := range files {
		if !s.claim(file) {
			continue
		}
		select {
		case s.fileQueue <- file:
			s.metrics.QueuedFiles.Inc()
		case <-s.ctx.Done():
			s.release(file)
			return

		default:
			s.release(file)
			s.logger.Warn("file queue full, skipping", "file", file,
				"queued", len(s.fileQueue), "capacity", cap(s.fileQueue))
		}
	}
}

// claim marks file as tailed. A file already queued or tailed is skipped
// until its worker lets go of it.
func (s *Service) claim(file string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[file]; !ok {
		s.seen[file] = struct{}{}
		s.metrics.FilesDiscovered.Inc()
	}
	if _, ok := s.tailing[file]; ok {
		return false
	}
	s.tailing[file] = struct{}{}
	return true
}

func (s *Service) release(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tailing, file)
}

func (s *Service) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.WalkDir(s.config.LogRootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("error accessing path", "path", path, "error", err)
			return nil
		}

		if !d.IsDir() && strings.HasSuffix(d.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// properties describes where a line came from. Files are laid out as
// <root>/<source>/<component>/<name>.log; shorter paths carry fewer keys.
func (s *Service) properties(filePath string) map[string]string {
	props := map[string]string{
		"file": filepath.Base(filePath),
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		props["path"] = filePath
		return props
	}
	props["path"] = filepath.ToSlash(rel)

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) >= 2 {
		props["source"] = parts[0]
	}
	if len(parts) >= 3 {
		props["component"] = parts[1]
	}
	return props
}
