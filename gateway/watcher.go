package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tradepost/native/market"
	"tradepost/observability"
)

// ReleaseSweeper periodically asks the engine for delivered escrows whose
// confirmation window has lapsed and triggers their permissionless
// settlement. It holds no state of its own; the engine re-validates every
// candidate, so races with a concurrent buyer confirmation are benign.
type ReleaseSweeper struct {
	engine       *market.Engine
	logger       *slog.Logger
	pollInterval time.Duration
	nowFn        func() int64
}

// NewReleaseSweeper constructs a sweeper with the given poll interval.
func NewReleaseSweeper(engine *market.Engine, logger *slog.Logger, interval time.Duration) *ReleaseSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ReleaseSweeper{
		engine:       engine,
		logger:       logger,
		pollInterval: interval,
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (s *ReleaseSweeper) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

// Run polls until the context is cancelled.
func (s *ReleaseSweeper) Run(ctx context.Context) {
	if s.engine == nil {
		return
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce settles every currently-eligible escrow and returns how many
// settlements succeeded.
func (s *ReleaseSweeper) SweepOnce(ctx context.Context) int {
	due, err := s.engine.DueAutoReleases(s.nowFn())
	if err != nil {
		s.logger.Error("auto-release scan failed", "error", err)
		return 0
	}
	released := 0
	for _, asset := range due {
		if ctx.Err() != nil {
			return released
		}
		if _, err := s.engine.AutoRelease([20]byte{}, asset); err != nil {
			// InvalidState means someone else settled the escrow first.
			if errors.Is(err, market.ErrInvalidState) {
				continue
			}
			s.logger.Error("auto-release failed", "asset", asset.String(), "error", err)
			continue
		}
		released++
		observability.MarketMetrics().ObserveSettlement("completed")
		s.logger.Info("auto-released escrow", "asset", asset.String())
	}
	return released
}
