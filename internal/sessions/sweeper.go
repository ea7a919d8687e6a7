package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/lendguard/internal/metrics"
)

// Sweeper periodically deletes session locations that have been idle
// longer than the TTL.
type Sweeper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a sweeper. It does nothing until Start is called.
func NewSweeper(store Store, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("session location sweep failed", "error", err)
			}
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Sweep runs one pass and returns the number of rows removed.
// A non-positive TTL disables sweeping.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	n, err := s.store.DeleteStale(ctx, s.now().Add(-s.ttl))
	if n > 0 {
		metrics.SessionLocationsSweptTotal.Add(float64(n))
		s.logger.Info("stale session locations removed", "count", n, "ttl", s.ttl)
	}
	return n, err
}
