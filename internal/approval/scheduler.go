// Package approval schedules deferred auto-approval of pending orders.
//
// Each armed order carries a deadline. A single goroutine sleeps until
// the earliest deadline and fires it; manual admin action cancels the
// entry first or simply wins the order's conditional transition, in
// which case the fire is a no-op downstream. One goroutine and a heap
// replace a timer goroutine per order, so tens of thousands of armed
// orders cost nothing but heap entries.
package approval

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FireFunc resolves one due order. Implementations are expected to use
// a conditional transition so firing an already-resolved order is
// harmless.
type FireFunc func(ctx context.Context, orderID string) error

// entry is one armed order in the heap.
type entry struct {
	orderID  string
	deadline time.Time
	index    int  // position in the heap
	removed  bool // cancelled or superseded by a re-arm
}

// deadlineHeap orders entries by soonest deadline.
type deadlineHeap []*entry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x any)        { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler runs deferred approvals.
type Scheduler struct {
	fire   FireFunc
	logger *slog.Logger

	mu      sync.Mutex
	heap    deadlineHeap
	entries map[string]*entry // orderID -> live entry
	wake    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a scheduler. Call Start before arming orders.
func NewScheduler(fire FireFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		fire:    fire,
		logger:  logger,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Arm schedules the order to fire at deadline. Re-arming an order
// replaces its previous deadline.
func (s *Scheduler) Arm(orderID string, deadline time.Time) {
	s.mu.Lock()
	if old, ok := s.entries[orderID]; ok {
		old.removed = true
	}
	e := &entry{orderID: orderID, deadline: deadline}
	s.entries[orderID] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()

	schedulerArmed.Inc()
	s.poke()
}

// Cancel removes the order's pending fire. After Cancel returns the
// scheduler will not fire this order unless it is re-armed. Cancelling
// an unknown order is a no-op.
func (s *Scheduler) Cancel(orderID string) {
	s.mu.Lock()
	e, ok := s.entries[orderID]
	if ok {
		e.removed = true
		delete(s.entries, orderID)
	}
	s.mu.Unlock()

	if ok {
		schedulerCancelled.Inc()
		s.poke()
	}
}

// Armed reports whether the order currently has a pending fire.
func (s *Scheduler) Armed(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[orderID]
	return ok
}

// Len returns the number of armed orders.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// poke nudges the run loop to re-evaluate its sleep.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the fire loop until ctx is cancelled. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := s.peek()
		if !ok {
			// Nothing armed; sleep until poked.
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		wait := time.Until(next)
		if wait > 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			case <-timer.C:
			}
		}

		s.fireDue(ctx)
	}
}

// Done is closed when the run loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// peek returns the earliest live deadline, discarding cancelled
// entries on the way.
func (s *Scheduler) peek() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.heap.Len() > 0 {
		e := s.heap[0]
		if e.removed {
			heap.Pop(&s.heap)
			continue
		}
		return e.deadline, true
	}
	return time.Time{}, false
}

// fireDue pops and fires every entry whose deadline has passed.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 {
			s.mu.Unlock()
			return
		}
		e := s.heap[0]
		if e.removed {
			heap.Pop(&s.heap)
			s.mu.Unlock()
			continue
		}
		if e.deadline.After(now) {
			s.mu.Unlock()
			return
		}
		heap.Pop(&s.heap)
		delete(s.entries, e.orderID)
		s.mu.Unlock()

		s.fireOne(ctx, e.orderID)
	}
}

func (s *Scheduler) fireOne(ctx context.Context, orderID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic firing auto-approval",
				"order", orderID, "panic", fmt.Sprint(r))
		}
	}()

	schedulerFired.Inc()
	if err := s.fire(ctx, orderID); err != nil {
		s.logger.Warn("auto-approval failed", "order", orderID, "error", err)
		return
	}
	s.logger.Info("auto-approval fired", "order", orderID)
}
