package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/credit-pool/internal/metrics"
	"github.com/atmx/credit-pool/internal/pool"
)

// Finalizer periodically runs one bounded finalization pass and samples
// the balance-dependent gauges.
type Finalizer struct {
	pool     *pool.Pool
	interval time.Duration
}

// NewFinalizer creates a finalizer. A non-positive interval makes Run
// return immediately.
func NewFinalizer(p *pool.Pool, interval time.Duration) *Finalizer {
	return &Finalizer{pool: p, interval: interval}
}

// Run loops until ctx is cancelled. Must be called in a goroutine.
func (f *Finalizer) Run(ctx context.Context) {
	if f.interval <= 0 {
		return
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}

// Tick runs a single pass.
func (f *Finalizer) Tick(ctx context.Context) {
	n, err := f.pool.FinalizeBatch(ctx)
	if err != nil {
		slog.Error("background finalization failed", "err", err)
	} else if n > 0 {
		slog.Info("withdrawals finalized", "count", n)
	}

	summary, err := f.pool.Summary(ctx)
	if err != nil {
		slog.Warn("pool sample failed", "err", err)
		return
	}
	metrics.ObserveRates(summary.ExchangeRate, summary.Utilization)
}
