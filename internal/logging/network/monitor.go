package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// ProbeFunc reports whether the ingestion endpoint is reachable.
type ProbeFunc func(ctx context.Context) error

// DialProbe checks that a TCP connection to the host of rawURL can be opened.
func DialProbe(rawURL string, timeout time.Duration) (ProbeFunc, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint url %q has no host", rawURL)
	}

	addr := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	dialer := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context) error {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}, nil
}

// Monitor periodically probes connectivity and writes the result to a State.
type Monitor struct {
	state    *State
	probe    ProbeFunc
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

func NewMonitor(state *State, probe ProbeFunc, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		state:    state,
		probe:    probe,
		interval: interval,
		logger:   telemetry.OrDiscard(logger),
		done:     make(chan struct{}),
	}
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// Done is closed when Run returns.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) check(ctx context.Context) {
	err := m.probe(ctx)
	if ctx.Err() != nil {
		return
	}

	online := err == nil
	if online != m.state.Online() {
		if online {
			m.logger.Info("connectivity restored")
		} else {
			m.logger.Warn("connectivity lost", "error", err)
		}
	}
	m.state.SetOnline(online)
}
