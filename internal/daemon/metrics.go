package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "tailer"

// Metrics of the file tailer. Collectors are registered only when a
// registerer is given.
type Metrics struct {
	FilesDiscovered prometheus.Counter
	FilesProcessed  prometheus.Counter
	FilesFailed     prometheus.Counter
	LinesRead       prometheus.Counter
	LinesDropped    prometheus.Counter
	QueuedFiles     prometheus.Gauge
	WorkersActive   prometheus.Gauge
	WorkersBusy     prometheus.Gauge
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logagent",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logagent",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		FilesDiscovered: counter("files_discovered_total", "Log files found under the root"),
		FilesProcessed:  counter("files_processed_total", "Log files whose tailing ended"),
		FilesFailed:     counter("files_failed_total", "Log files that could not be tailed"),
		LinesRead:       counter("lines_read_total", "Lines read and enqueued as events"),
		LinesDropped:    counter("lines_dropped_total", "Lines that could not be enqueued"),
		QueuedFiles:     gauge("queued_files", "Files waiting for a worker"),
		WorkersActive:   gauge("workers_active", "Running tail workers"),
		WorkersBusy:     gauge("workers_busy", "Workers currently tailing a file"),
	}

	if registry != nil {
		registry.MustRegister(
			m.FilesDiscovered, m.FilesProcessed, m.FilesFailed,
			m.LinesRead, m.LinesDropped,
			m.QueuedFiles, m.WorkersActive, m.WorkersBusy,
		)
	}
	return m
}
