package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging/network"
	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

// Connectivity holds batches while the device is offline instead of letting
// them fail against the network.
type Connectivity struct {
	state  *network.State
	logger *slog.Logger
}

func NewConnectivity(state *network.State, logger *slog.Logger) *Connectivity {
	return &Connectivity{state: state, logger: telemetry.OrDiscard(logger)}
}

func (c *Connectivity) Name() string { return "connectivity" }

func (c *Connectivity) Send(ctx context.Context, b *Batch, next Sender) Result {
	if !c.state.Online() {
		c.logger.Debug("offline, holding batch", "group", b.Group, "batch", b.ID)
		if err := c.state.WaitOnline(ctx); err != nil {
			return Failure(TransientFailure, fmt.Errorf("waiting for connectivity: %w", err))
		}
	}
	return next.Send(ctx, b)
}

type ChainConfig struct {
	AppSecret string
	Retry     RetryPolicy
	Network   *network.State
	Clock     clockwork.Clock
	Logger    *slog.Logger
	OnRetry   func(b *Batch, attempt int, delay time.Duration)
}

// NewDefaultChain wraps transport in auth, retry and the connectivity gate,
// in that order from the inside out.
func NewDefaultChain(transport Sender, cfg ChainConfig) *Chain {
	retry := NewRetry(cfg.Retry, cfg.Clock, cfg.Logger).WithObserver(cfg.OnRetry)

	stages := make([]Stage, 0, 3)
	if cfg.Network != nil {
		stages = append(stages, NewConnectivity(cfg.Network, cfg.Logger))
	}
	stages = append(stages, retry, NewAuth(cfg.AppSecret))
	return NewChain(transport, stages...)
}
