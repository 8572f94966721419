package ingestion

import (
	"context"
	"errors"
	"net/http"
	"time"
)

type Status int

const (
	Delivered Status = iota
	RejectedPermanently
	TransientFailure
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case RejectedPermanently:
		return "rejected"
	case TransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of one send. StatusCode is zero when no response was
// received.
type Result struct {
	Status     Status
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func Failure(status Status, err error) Result {
	return Result{Status: status, Err: err}
}

// Batch is the outbound form of a store batch: serialized logs plus the
// headers stages attach on the way to the transport.
type Batch struct {
	ID     string
	Group  string
	Logs   [][]byte
	Header http.Header
}

type Sender interface {
	Send(ctx context.Context, b *Batch) Result
}

type SenderFunc func(ctx context.Context, b *Batch) Result

func (f SenderFunc) Send(ctx context.Context, b *Batch) Result { return f(ctx, b) }

// Stage is one capability of the delivery chain. It may handle the batch
// itself or pass it on to next.
type Stage interface {
	Name() string
	Send(ctx context.Context, b *Batch, next Sender) Result
}

// Chain runs stages in order, outermost first, ending at the transport.
type Chain struct {
	stages    []Stage
	transport Sender
}

func NewChain(transport Sender, stages ...Stage) *Chain {
	return &Chain{stages: stages, transport: transport}
}

func (c *Chain) Stages() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return names
}

func (c *Chain) Send(ctx context.Context, b *Batch) Result {
	if b.Header == nil {
		b.Header = make(http.Header)
	}
	return c.sendFrom(ctx, 0, b)
}

func (c *Chain) sendFrom(ctx context.Context, i int, b *Batch) Result {
	if i == len(c.stages) {
		return c.transport.Send(ctx, b)
	}
	next := SenderFunc(func(ctx context.Context, b *Batch) Result {
		return c.sendFrom(ctx, i+1, b)
	})
	return c.stages[i].Send(ctx, b, next)
}

func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
