package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging/ingestion"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/store"
)

type State int32

const (
	Idle State = iota
	Batching
	Sending
	Disabled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Batching:
		return "batching"
	case Sending:
		return "sending"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

type sendOutcome int

const (
	sendDone sendOutcome = iota
	// the queue could not be read or nothing was eligible
	sendStalled
	// the chain reported a configuration error
	sendDisabled
)

type timerKind int

const (
	flushTimer timerKind = iota
	pollTimer
	ackTimer
)

const (
	ackRetryBaseDelay = time.Second
	ackRetryMaxDelay  = time.Minute
	ackRetryLimit     = 5
)

type resolveFunc func(ctx context.Context, b *store.Batch) error

// unackedBatch is a batch whose outcome is known but not yet written to the
// store.
type unackedBatch struct {
	batch    *store.Batch
	outcome  string
	resolve  resolveFunc
	backoff  *ingestion.Backoff
	delay    time.Duration
	attempts int
}

// group owns the worker of a single log group. Only the worker touches the
// timer and only one batch is ever in flight.
type group struct {
	ch  *Channel
	cfg GroupConfig

	state atomic.Int32
	wake  chan struct{}

	mu      sync.Mutex
	enabled bool
	cancel  context.CancelFunc
	done    chan struct{}

	// worker owned, survives a restart of the worker
	unacked *unackedBatch
}

func newGroup(ch *Channel, cfg GroupConfig) *group {
	g := &group{
		ch:      ch,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		enabled: true,
	}
	g.setState(Disabled)
	return g
}

func (g *group) State() State {
	return State(g.state.Load())
}

func (g *group) setState(s State) {
	if State(g.state.Swap(int32(s))) != s {
		g.ch.metrics.GroupState(g.cfg.Name, int(s))
	}
}

func (g *group) notify() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *group) setEnabled(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	g.mu.Unlock()
}

func (g *group) start(parent context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.enabled || g.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel
	g.done = make(chan struct{})
	g.setState(Idle)

	go g.run(ctx, g.done)
}

func (g *group) stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// disableSelf is called by the worker itself, so it must not wait on done.
func (g *group) disableSelf(done chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.enabled = false
	if g.done == done {
		g.cancel()
		g.cancel, g.done = nil, nil
	}
}

func (g *group) interval() time.Duration {
	if g.ch.foreground.Load() {
		return g.cfg.FlushInterval
	}
	return g.cfg.BackgroundFlushInterval
}

func (g *group) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer g.setState(Disabled)
	if g.ch.recoverFn != nil {
		defer g.ch.recoverFn()
	}

	var (
		timer    clockwork.Timer
		timerC   <-chan time.Time
		armed    timerKind
		armedFor time.Duration
		flushDue bool
		ackDue   bool
	)
	// arm keeps a running timer of the same kind and duration.
	arm := func(kind timerKind, d time.Duration) {
		if timer != nil && armed == kind && armedFor == d {
			return
		}
		if timer != nil {
			timer.Stop()
		}
		armed, armedFor = kind, d
		timer = g.ch.clock.NewTimer(d)
		timerC = timer.Chan()
	}
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}
	defer disarm()

	name := g.cfg.Name
	for {
		if ctx.Err() != nil {
			return
		}

		unresolved := g.unacked != nil && !g.settle(ctx, ackDue)
		ackDue = false

		var pending int
		var err error
		if !unresolved {
			pending, err = g.ch.store.Count(ctx, name)
		}

		switch {
		case unresolved:
			g.setState(Sending)
			arm(ackTimer, g.unacked.delay)

		case err != nil:
			if ctx.Err() != nil {
				return
			}
			g.ch.logger.Error("failed to count pending logs", "group", name, "error", err)
			arm(flushTimer, g.interval())

		case pending >= g.cfg.BatchSize || (flushDue && pending > 0):
			disarm()
			flushDue = false
			g.setState(Sending)

			switch g.send(ctx) {
			case sendDone:
				continue
			case sendDisabled:
				g.disableSelf(done)
				return
			case sendStalled:
				arm(flushTimer, g.interval())
				g.setState(Batching)
			}

		case pending > 0:
			arm(flushTimer, g.interval())
			g.setState(Batching)

		default:
			// Other processes may append to the same store without waking
			// this worker.
			flushDue = false
			arm(pollTimer, g.cfg.BackgroundFlushInterval)
			g.setState(Idle)
		}

		select {
		case <-ctx.Done():
			return
		case <-g.wake:
		case <-timerC:
			timer, timerC = nil, nil
			if armed == ackTimer {
				ackDue = true
			} else {
				flushDue = true
			}
		}
	}
}

// send ships one batch and resolves it in the store. Resolution uses a
// detached context so a shutdown never leaves the batch half acknowledged.
func (g *group) send(ctx context.Context) sendOutcome {
	name := g.cfg.Name
	st := g.ch.store
	logger := g.ch.logger

	batch, err := st.NextBatch(ctx, name, g.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("failed to read next batch", "group", name, "error", err)
		}
		return sendStalled
	}
	if batch == nil {
		return sendStalled
	}

	rctx := context.WithoutCancel(ctx)
	requeue := func(ctx context.Context, b *store.Batch) error { return st.AckFailure(ctx, b, true) }
	drop := func(ctx context.Context, b *store.Batch) error { return st.AckFailure(ctx, b, false) }
	if err := st.MarkSent(rctx, batch); err != nil {
		logger.Warn("failed to mark batch as sent", "group", name, "batch", batch.ID, "error", err)
	}

	logs := batch.Logs()
	listener := g.cfg.Listener
	if listener != nil {
		for _, l := range logs {
			listener.OnBeforeSending(l)
		}
	}

	started := g.ch.clock.Now()
	res := g.ch.sender.Send(ctx, &ingestion.Batch{
		ID:    batch.ID,
		Group: name,
		Logs:  batch.Payloads(),
	})
	elapsed := g.ch.clock.Since(started)

	switch {
	case res.Status == ingestion.Delivered:
		g.ack(rctx, batch, "delivered", st.AckSuccess)
		g.ch.metrics.BatchResolved(name, res.Status.String(), len(logs), elapsed)
		logger.Debug("batch delivered", "group", name, "batch", batch.ID, "logs", len(logs), "duration", elapsed)
		if listener != nil {
			for _, l := range logs {
				listener.OnSuccess(l)
			}
		}
		return sendDone

	case ingestion.IsConfigurationError(res.Err):
		g.ack(rctx, batch, "requeued", requeue)
		g.ch.metrics.BatchResolved(name, "misconfigured", 0, elapsed)
		logger.Error("ingestion misconfigured, disabling group", "group", name, "error", res.Err)
		g.ch.reportError(name, res.Err)
		return sendDisabled

	case res.Status == ingestion.TransientFailure && ctx.Err() != nil:
		g.ack(rctx, batch, "requeued", requeue)
		g.ch.metrics.BatchResolved(name, "requeued", 0, elapsed)
		logger.Info("batch requeued on shutdown", "group", name, "batch", batch.ID)
		return sendDone

	default:
		err := res.Err
		if err == nil {
			err = errors.New("batch rejected")
		}
		g.ack(rctx, batch, "dropped", drop)
		g.ch.metrics.BatchResolved(name, res.Status.String(), 0, elapsed)
		g.ch.metrics.LogsDropped(name, res.Status.String(), len(logs))
		logger.Error("batch dropped", "group", name, "batch", batch.ID, "logs", len(logs),
			"status", res.Status, "status_code", res.StatusCode, "error", err)
		if listener != nil {
			for _, l := range logs {
				listener.OnFailure(l, err)
			}
		}
		g.ch.reportError(name, err)
		return sendDone
	}
}

// ack resolves batch in the store. A batch that cannot be resolved is kept as
// the group's unacked batch: the worker retries it with backoff before it
// reads the queue again, since the store refuses a new batch meanwhile.
func (g *group) ack(ctx context.Context, batch *store.Batch, outcome string, resolve resolveFunc) {
	err := resolve(ctx, batch)
	if err == nil {
		return
	}

	backoff := ingestion.NewBackoff(ingestion.RetryPolicy{
		BaseDelay: ackRetryBaseDelay,
		MaxDelay:  ackRetryMaxDelay,
	})
	g.unacked = &unackedBatch{
		batch:   batch,
		outcome: outcome,
		resolve: resolve,
		backoff: backoff,
		delay:   backoff.Next(0),
	}
	g.ch.logger.Error("failed to resolve batch", "group", g.cfg.Name, "batch", batch.ID,
		"outcome", outcome, "retry_in", g.unacked.delay, "error", err)
}

// settle retries the unacked batch when due and reports whether it is now
// resolved. After ackRetryLimit failures the batch is requeued instead, so
// its logs are sent again rather than being stuck in flight.
func (g *group) settle(ctx context.Context, due bool) bool {
	u := g.unacked
	if !due {
		return false
	}

	err := u.resolve(context.WithoutCancel(ctx), u.batch)
	if err == nil {
		g.ch.logger.Info("batch resolved after retry", "group", g.cfg.Name, "batch", u.batch.ID,
			"outcome", u.outcome, "attempts", u.attempts+1)
		g.unacked = nil
		return true
	}

	u.attempts++
	if u.attempts >= ackRetryLimit && u.outcome != "requeued" {
		u.outcome = "requeued"
		u.resolve = func(ctx context.Context, b *store.Batch) error {
			return g.ch.store.AckFailure(ctx, b, true)
		}
	}
	u.delay = u.backoff.Next(0)
	g.ch.logger.Warn("batch still unresolved", "group", g.cfg.Name, "batch", u.batch.ID,
		"outcome", u.outcome, "attempts", u.attempts, "retry_in", u.delay, "error", err)
	return false
}
