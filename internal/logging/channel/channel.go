package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/ingestion"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/network"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/store"
	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

const (
	DefaultBatchSize               = 50
	DefaultFlushInterval           = 3 * time.Second
	DefaultBackgroundFlushInterval = 30 * time.Second
)

type Store interface {
	Append(ctx context.Context, group string, log logging.Log, opts ...store.AppendOption) (int64, error)
	NextBatch(ctx context.Context, group string, max int) (*store.Batch, error)
	MarkSent(ctx context.Context, b *store.Batch) error
	AckSuccess(ctx context.Context, b *store.Batch) error
	AckFailure(ctx context.Context, b *store.Batch, retryable bool) error
	Count(ctx context.Context, group string) (int, error)
}

type GroupConfig struct {
	Name      string
	BatchSize int
	// FlushInterval bounds how long a log waits for its batch to fill up
	// while the host is in the foreground.
	FlushInterval           time.Duration
	BackgroundFlushInterval time.Duration
	Listener                logging.Listener
}

type Config struct {
	// Device is stamped on logs enqueued without one.
	Device  *logging.Device
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// Network, when set, re-triggers every group as soon as connectivity
	// comes back.
	Network *network.State
	// OnError receives failures that drop logs or disable a group.
	OnError func(group string, err error)
	// Recover, when set, is deferred in every group worker, so it runs
	// recover itself. A worker that panics stays down as Disabled unless
	// Recover panics again.
	Recover func()
}

// Channel batches logs per group and drives them through the ingestion
// chain. Producers only ever wait for the local store.
type Channel struct {
	store     Store
	sender    ingestion.Sender
	device    *logging.Device
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	network   *network.State
	onError   func(string, error)
	recoverFn func()

	mu          sync.RWMutex
	groups      map[string]*group
	ctx         context.Context
	started     bool
	unsubscribe func()

	foreground atomic.Bool
}

func New(st Store, sender ingestion.Sender, cfg Config) *Channel {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	c := &Channel{
		store:     st,
		sender:    sender,
		device:    cfg.Device,
		clock:     cfg.Clock,
		logger:    telemetry.OrDiscard(cfg.Logger),
		metrics:   cfg.Metrics,
		network:   cfg.Network,
		onError:   cfg.OnError,
		recoverFn: cfg.Recover,
		groups:    make(map[string]*group),
	}
	c.foreground.Store(true)
	return c
}

// AddGroup registers a group. Groups added after Start begin sending at once.
func (c *Channel) AddGroup(cfg GroupConfig) error {
	if cfg.Name == "" {
		return &ingestion.ConfigurationError{Field: "group", Message: "group name is empty"}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.BackgroundFlushInterval <= 0 {
		cfg.BackgroundFlushInterval = DefaultBackgroundFlushInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.groups[cfg.Name]; ok {
		return &ingestion.ConfigurationError{Field: "group", Message: fmt.Sprintf("group %q already registered", cfg.Name)}
	}

	g := newGroup(c, cfg)
	c.groups[cfg.Name] = g
	if c.started {
		g.start(c.ctx)
	}
	return nil
}

func (c *Channel) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.groups))
	for name := range c.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Channel) group(name string) (*group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.groups[name]
	if !ok {
		return nil, &ingestion.ConfigurationError{Field: "group", Message: fmt.Sprintf("group %q is not registered", name)}
	}
	return g, nil
}

func (c *Channel) allGroups() []*group {
	c.mu.RLock()
	defer c.mu.RUnlock()

	groups := make([]*group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	return groups
}

// Enqueue stamps log with the current time and device when unset, stores it
// and wakes the group's worker.
func (c *Channel) Enqueue(ctx context.Context, group string, log logging.Log) error {
	if log == nil {
		return &logging.SchemaError{Err: errors.New("nil log")}
	}
	g, err := c.group(group)
	if err != nil {
		return err
	}

	base := log.Common()
	if base.TOffset == 0 {
		base.TOffset = c.clock.Now().UnixMilli()
	}
	if base.Device == nil && c.device != nil {
		device := *c.device
		base.Device = &device
	}

	if _, err := c.store.Append(ctx, group, log); err != nil {
		return err
	}
	c.metrics.LogEnqueued(group)

	g.notify()
	return nil
}

// Trigger makes the group re-examine its queue, e.g. after entries were
// released outside of Enqueue.
func (c *Channel) Trigger(group string) {
	if g, err := c.group(group); err == nil {
		g.notify()
	}
}

func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.ctx = ctx
	c.started = true
	groups := make([]*group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	if c.network != nil {
		c.unsubscribe = c.network.Subscribe(func(online bool) {
			if online {
				c.triggerAll()
			}
		})
	}

	for _, g := range groups {
		g.start(ctx)
	}
	c.logger.Info("channel started", "groups", len(groups))
}

// Shutdown stops every worker. Sends already on the wire resolve first;
// everything else stays in the store for the next run.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	var wg sync.WaitGroup
	for _, g := range c.allGroups() {
		wg.Add(1)
		go func(g *group) {
			defer wg.Done()
			g.stop()
		}(g)
	}
	wg.Wait()
	c.logger.Info("channel stopped")
}

func (c *Channel) Enable(group string) error {
	g, err := c.group(group)
	if err != nil {
		return err
	}
	g.setEnabled(true)

	c.mu.RLock()
	started, ctx := c.started, c.ctx
	c.mu.RUnlock()
	if started {
		g.start(ctx)
	}
	return nil
}

// Disable stops sending for group. Timers and backoff waits are cancelled;
// queued logs stay in the store.
func (c *Channel) Disable(group string) error {
	g, err := c.group(group)
	if err != nil {
		return err
	}
	g.setEnabled(false)
	g.stop()
	return nil
}

func (c *Channel) SetEnabled(enabled bool) {
	for _, name := range c.Groups() {
		if enabled {
			c.Enable(name)
		} else {
			c.Disable(name)
		}
	}
}

func (c *Channel) State(group string) (State, error) {
	g, err := c.group(group)
	if err != nil {
		return Disabled, err
	}
	return g.State(), nil
}

// SetForeground tells the channel whether the host is in the foreground,
// which selects the flush interval of every group.
func (c *Channel) SetForeground(foreground bool) {
	if c.foreground.Swap(foreground) != foreground {
		c.triggerAll()
	}
}

func (c *Channel) triggerAll() {
	for _, g := range c.allGroups() {
		g.notify()
	}
}

func (c *Channel) reportError(group string, err error) {
	if c.onError != nil {
		c.onError(group, err)
	}
}
