// Package orders owns the purchase-order lifecycle.
//
// State machine:
//
//	pending → approved   (administrator or auto-approval)
//	pending → rejected   (administrator)
//	pending → cancelled  (staleness sweep)
//
// Status is monotonic: once an order leaves pending it never changes
// again, and orders are never deleted (audit trail). All transitions go
// through the store's compare-and-swap primitive, which is what makes
// the race between a human administrator and the auto-approve timer
// safe without locking between the two call sites.
package orders

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrNotPending    = errors.New("order is not pending")
	ErrNotOwner      = errors.New("order belongs to a different subject")
	ErrNoKey         = errors.New("order has no provisioned key")
	ErrInvalidAmount = errors.New("invalid order amount")
)

// Status is the order state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Resolver sentinels for transitions not performed by a human.
const (
	ResolverAuto  = "auto"
	ResolverSweep = "sweep"
)

// Order is a purchase order for one key.
type Order struct {
	ID           string     `json:"id"`
	SubjectID    string     `json:"subjectId"`
	ServerID     string     `json:"serverId"`
	PlanID       string     `json:"planId"`
	Protocol     string     `json:"protocol"`
	Amount       int        `json:"amount"` // Ks
	Status       Status     `json:"status"`
	ScreenshotFP string     `json:"screenshotFp,omitempty"`
	KeyRef       string     `json:"keyRef,omitempty"` // provisioned credential reference
	ResolvedBy   string     `json:"resolvedBy,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// Terminal reports whether the order has left pending.
func (o *Order) Terminal() bool {
	return o.Status != StatusPending
}

// Store persists orders. TransitionFromPending is the single atomic
// conditional update everything else is built on: it moves the order to
// `to` only if the current status is pending, and reports whether this
// caller performed the transition.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	SetScreenshot(ctx context.Context, id, fingerprint string) error
	SetKeyRef(ctx context.Context, id, keyRef string) error
	TransitionFromPending(ctx context.Context, id string, to Status, resolvedBy string, at time.Time) (bool, error)
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]*Order, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Order, error)
	CreationTimesSince(ctx context.Context, subjectID string, since time.Time) ([]time.Time, error)
	CountRejectedSince(ctx context.Context, subjectID string, since time.Time) (int, error)
}
