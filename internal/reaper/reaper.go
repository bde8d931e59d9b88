// Package reaper periodically evicts expired records.
package reaper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"file-relay/internal/metrics"
)

// DefaultInterval applies when Config.Interval is zero.
const DefaultInterval = 15 * time.Second

// Sweeper is implemented by *registry.Registry.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Reaper runs Sweeper.SweepExpired on a fixed interval.
type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(s Sweeper, interval time.Duration, log *zap.Logger, m *metrics.Metrics) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{sweeper: s, interval: interval, log: log.Named("reaper"), metrics: m}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// A failing sweep never stops the schedule.
func (r *Reaper) Run(ctx context.Context) {
	r.log.Info("starting", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Run immediately on start
	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("shutting down")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep, converting a panic into an error.
func (r *Reaper) RunOnce(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sweep panicked: %v", p)
			r.log.Error("sweep panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
		r.metrics.RecordSweep(time.Since(start), err != nil)
	}()

	n, err = r.sweeper.SweepExpired(ctx)
	if err != nil {
		r.log.Warn("sweep failed", zap.Int("evicted", n), zap.Error(err))
	}
	if n > 0 {
		r.log.Info("expired files evicted",
			zap.Int("evicted", n),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
	return n, err
}
