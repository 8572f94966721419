package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultJitter     = 0.5
)

type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the largest fraction of the current delay added at random.
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Jitter:     DefaultJitter,
	}
}

// Backoff yields retry delays that double from the base delay, carry upward
// jitter and never exceed the cap. Successive delays never decrease.
type Backoff struct {
	exp    *backoff.ExponentialBackOff
	cap    time.Duration
	jitter float64
	rand   func() float64
	prev   time.Duration
}

func NewBackoff(p RetryPolicy) *Backoff {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	p.Jitter = min(max(p.Jitter, 0), 1)

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
	exp.Reset()

	return &Backoff{
		exp:    exp,
		cap:    p.MaxDelay,
		jitter: p.Jitter,
		rand:   rand.Float64,
	}
}

// Next returns the next delay, at least floor (a server supplied
// Retry-After) unless that exceeds the cap.
func (b *Backoff) Next(floor time.Duration) time.Duration {
	d := b.exp.NextBackOff()
	if b.jitter > 0 {
		d += time.Duration(b.rand() * b.jitter * float64(d))
	}
	d = min(max(d, floor, b.prev), b.cap)
	b.prev = d
	return d
}

// Retry resends a batch after transient failures, waiting out a growing
// backoff between attempts. Waits end early when ctx is cancelled.
type Retry struct {
	policy   RetryPolicy
	clock    clockwork.Clock
	logger   *slog.Logger
	observer func(b *Batch, attempt int, delay time.Duration)
}

func NewRetry(policy RetryPolicy, clock clockwork.Clock, logger *slog.Logger) *Retry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Retry{
		policy: policy,
		clock:  clock,
		logger: telemetry.OrDiscard(logger),
	}
}

// WithObserver registers fn to be called before every backoff wait.
func (r *Retry) WithObserver(fn func(b *Batch, attempt int, delay time.Duration)) *Retry {
	r.observer = fn
	return r
}

func (r *Retry) Name() string { return "retry" }

func (r *Retry) Send(ctx context.Context, b *Batch, next Sender) Result {
	delays := NewBackoff(r.policy)

	for attempt := 1; ; attempt++ {
		res := next.Send(ctx, b)
		if res.Status != TransientFailure || ctx.Err() != nil {
			return res
		}

		if attempt > r.policy.MaxRetries {
			r.logger.Warn("batch failed on every attempt",
				"group", b.Group, "batch", b.ID, "attempts", attempt, "error", res.Err)
			return Result{
				Status:     RejectedPermanently,
				StatusCode: res.StatusCode,
				Err:        &RetryExhaustedError{Attempts: attempt, Last: res.Err},
			}
		}

		delay := delays.Next(res.RetryAfter)
		r.logger.Warn("batch send failed, retrying",
			"group", b.Group, "batch", b.ID, "attempt", attempt, "retry_in", delay, "error", res.Err)
		if r.observer != nil {
			r.observer(b, attempt, delay)
		}

		timer := r.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{
				Status:     TransientFailure,
				StatusCode: res.StatusCode,
				Err:        fmt.Errorf("retry of batch %s cancelled: %w", b.ID, ctx.Err()),
			}
		case <-timer.Chan():
		}
	}
}
