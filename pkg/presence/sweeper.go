package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Sweeper periodically evicts expired usage pairs and re-broadcasts the
// active model set. The period equals the idle timeout. On a pool with
// native expiry each tick only re-reads and re-broadcasts; eviction is the
// server's job. A failed iteration is logged and retried on the next tick.
type Sweeper struct {
	coord    *Coordinator
	interval time.Duration
	clock    clock.Clock
}

// NewSweeper creates a sweeper driving the coordinator's tracker. A nil
// clk uses the wall clock.
func NewSweeper(coord *Coordinator, clk clock.Clock) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{coord: coord, interval: coord.tracker.Timeout(), clock: clk}
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	slog.Info("Usage sweeper started", "interval", s.interval, "native_expiry", s.coord.tracker.NativeExpiry())
	for {
		select {
		case <-ctx.Done():
			slog.Info("Usage sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if err := s.coord.tracker.Sweep(ctx); err != nil {
		slog.Warn("Usage sweep failed, retrying next tick", "error", err)
		return
	}
	s.coord.BroadcastUsage(ctx)
}
