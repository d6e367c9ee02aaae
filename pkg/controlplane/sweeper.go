package controlplane

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultLivenessThreshold = 2 * time.Minute
	DefaultLivenessInterval  = 30 * time.Second
)

// Sweeper marks runners OFFLINE once their last contact is older than the threshold.
type Sweeper struct {
	repo      Repository
	clock     clock.Clock
	threshold time.Duration
	interval  time.Duration
	logger    Logger
	onStale   func(ids []string)
}

func NewSweeper(repo Repository, threshold, interval time.Duration, clk clock.Clock, logger Logger) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	if threshold <= 0 {
		threshold = DefaultLivenessThreshold
	}
	if interval <= 0 {
		interval = DefaultLivenessInterval
	}
	return &Sweeper{repo: repo, clock: clk, threshold: threshold, interval: interval, logger: loggerOrNop(logger)}
}

// OnStale registers a callback invoked with the ids marked by each sweep.
func (s *Sweeper) OnStale(fn func(ids []string)) {
	s.onStale = fn
}

// Sweep runs a single pass.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	cutoff := s.clock.Now().UTC().Add(-s.threshold)
	ids, err := s.repo.MarkStaleRunners(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.logger.Info("runners marked offline", "count", len(ids), "runner_ids", ids)
		if s.onStale != nil {
			s.onStale(ids)
		}
	}
	return ids, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("liveness sweep failed", "error", err)
			}
		}
	}
}
