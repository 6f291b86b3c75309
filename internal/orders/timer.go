package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically cancels pending orders that sat unresolved past
// the stale deadline. It is the safety net behind the in-process
// auto-approve scheduler: armed deadlines do not survive a restart, so
// anything still pending long after creation gets swept here.
type Sweeper struct {
	service  *Service
	store    Store
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a stale-order sweeper. Orders pending longer than
// maxAge are cancelled.
func NewSweeper(service *Service, store Store, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Sweeper{
		service:  service,
		store:    store,
		maxAge:   maxAge,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in order sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)

	stale, err := s.store.ListStalePending(ctx, cutoff, 100)
	if err != nil {
		s.logger.Warn("failed to list stale orders", "error", err)
		return
	}

	for _, order := range stale {
		_, err := s.service.Cancel(ctx, order.ID, ResolverSweep)
		if errors.Is(err, ErrNotPending) {
			// Resolved between the list and the cancel. Fine.
			continue
		}
		if err != nil {
			s.logger.Warn("failed to sweep stale order",
				"order", order.ID, "error", err)
			continue
		}
		s.logger.Info("swept stale order",
			"order", order.ID,
			"subject", order.SubjectID,
			"age", time.Since(order.CreatedAt).Round(time.Second),
		)
	}
}
