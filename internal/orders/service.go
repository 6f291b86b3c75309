package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/keygate/internal/abuse"
	"github.com/mbd888/keygate/internal/idgen"
	"github.com/mbd888/keygate/internal/logging"
	"github.com/mbd888/keygate/internal/metrics"
	"github.com/mbd888/keygate/internal/notify"
	"github.com/mbd888/keygate/internal/payment"
	"github.com/mbd888/keygate/internal/provision"
	"github.com/mbd888/keygate/internal/retry"
	"github.com/mbd888/keygate/internal/syncutil"
	"github.com/mbd888/keygate/internal/traces"
)

// ErrSubjectBlocked is returned when an abuse detector blocks the
// subject during an order operation.
var ErrSubjectBlocked = errors.New("subject is blocked")

const (
	casAttempts  = 3
	casBaseDelay = 100 * time.Millisecond
)

// CreateInput describes a new order.
type CreateInput struct {
	SubjectID string
	ServerID  string
	PlanID    string
	Protocol  string
	Amount    int
}

// Service owns the order lifecycle: create, screenshot submission,
// and the pending -> terminal transitions. All resolution paths funnel
// through the store's conditional update, so exactly one of a
// concurrent approve/reject/cancel wins and the rest are no-ops.
type Service struct {
	store       Store
	provisioner provision.Provisioner
	verifier    payment.Verifier
	scorer      *abuse.Scorer
	notifier    notify.Notifier
	locks       syncutil.ShardedMutex
}

// NewService wires the order service. provisioner and verifier may be
// nil (approval then skips key creation, screenshots skip OCR);
// notifier may be nil to disable event emission.
func NewService(store Store, provisioner provision.Provisioner, verifier payment.Verifier, scorer *abuse.Scorer, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:       store,
		provisioner: provisioner,
		verifier:    verifier,
		scorer:      scorer,
		notifier:    notifier,
	}
}

// Create opens a pending order after running the order-velocity abuse
// checks for the subject.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Create",
		traces.SubjectID(in.SubjectID), traces.Protocol(in.Protocol))
	defer span.End()

	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if s.scorer != nil {
		if s.scorer.IsBlocked(in.SubjectID) {
			return nil, ErrSubjectBlocked
		}
		if err := s.runVelocityChecks(ctx, in.SubjectID); err != nil {
			return nil, err
		}
	}

	order := &Order{
		ID:        idgen.WithPrefix("ord_"),
		SubjectID: in.SubjectID,
		ServerID:  in.ServerID,
		PlanID:    in.PlanID,
		Protocol:  in.Protocol,
		Amount:    in.Amount,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	ordersCreated.Inc()
	logging.L(ctx).Info("order created",
		"order", order.ID, "subject", order.SubjectID,
		"plan", order.PlanID, "amount", order.Amount)
	s.notifier.Emit(ctx, notify.NewEvent(notify.EventOrderCreated, map[string]any{
		"order_id":   order.ID,
		"subject_id": order.SubjectID,
		"plan_id":    order.PlanID,
		"amount":     order.Amount,
	}))
	return order, nil
}

// runVelocityChecks feeds recent order history into the abuse scorer.
func (s *Service) runVelocityChecks(ctx context.Context, subjectID string) error {
	now := time.Now()

	times, err := s.store.CreationTimesSince(ctx, subjectID, now.Add(-s.scorer.RapidOrderWindow()))
	if err != nil {
		return fmt.Errorf("load order history: %w", err)
	}
	if s.scorer.CheckRapidOrders(subjectID, times) && s.scorer.IsBlocked(subjectID) {
		return ErrSubjectBlocked
	}

	rejected, err := s.store.CountRejectedSince(ctx, subjectID, now.Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("load rejection history: %w", err)
	}
	if s.scorer.CheckFailedOrders(subjectID, rejected) && s.scorer.IsBlocked(subjectID) {
		return ErrSubjectBlocked
	}
	return nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListBySubject returns the subject's most recent orders.
func (s *Service) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListBySubject(ctx, subjectID, limit)
}

// SubmitScreenshot attaches a payment screenshot to a pending order.
// The screenshot is fingerprinted for the duplicate detector; if an OCR
// verifier is configured its result is returned so callers can decide
// whether to auto-approve.
func (s *Service) SubmitScreenshot(ctx context.Context, orderID, subjectID string, screenshot []byte) (*payment.Result, error) {
	ctx, span := traces.StartSpan(ctx, "orders.SubmitScreenshot",
		traces.OrderID(orderID), traces.SubjectID(subjectID))
	defer span.End()

	unlock := s.locks.Lock(subjectID)
	defer unlock()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.SubjectID != subjectID {
		return nil, ErrNotOwner
	}
	if order.Status != StatusPending {
		return nil, ErrNotPending
	}

	fp := payment.Fingerprint(screenshot)
	if s.scorer != nil && s.scorer.CheckDuplicateSubmission(subjectID, orderID, fp) {
		screenshotsRejected.Inc()
		return nil, fmt.Errorf("%w: screenshot already used for another order", ErrSubjectBlocked)
	}

	// The fingerprint is already claimed in the duplicate detector, so
	// releasing the shard lock during backoff is safe: a concurrent
	// submission of the same screenshot fails the duplicate check.
	relock := func() { _ = s.locks.Lock(subjectID) }
	err = retry.DoWithUnlock(ctx, casAttempts, casBaseDelay, unlock, relock, func() error {
		if err := s.store.SetScreenshot(ctx, orderID, fp); err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store screenshot: %w", err)
	}
	logging.L(ctx).Info("screenshot submitted",
		"order", orderID, "subject", subjectID, "fingerprint", fp[:12])

	if s.verifier == nil {
		return &payment.Result{Reason: "manual review"}, nil
	}
	result, err := s.verifier.Verify(ctx, screenshot, order.Amount)
	if err != nil {
		// OCR being down never blocks submission; the order just waits
		// for manual review.
		logging.L(ctx).Warn("payment verification unavailable",
			"order", orderID, "error", err)
		return &payment.Result{Reason: "verification unavailable"}, nil
	}
	return result, nil
}

// TryApprove moves a pending order to approved and provisions the key.
// Exactly one concurrent caller wins the transition; everyone else gets
// ErrNotPending and must not act on the order. Transient storage errors
// are retried a few times before giving up.
func (s *Service) TryApprove(ctx context.Context, orderID, resolvedBy string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.TryApprove", traces.OrderID(orderID))
	defer span.End()

	won, err := s.transition(ctx, orderID, StatusApproved, resolvedBy)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrNotPending
	}

	approvalsTotal.WithLabelValues(resolverLabel(resolvedBy)).Inc()
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load approved order: %w", err)
	}
	metrics.PendingOrderAge.Observe(time.Since(order.CreatedAt).Seconds())
	logging.L(ctx).Info("order approved",
		"order", orderID, "subject", order.SubjectID, "resolved_by", resolvedBy)

	if s.provisioner != nil {
		if err := s.provisionKey(ctx, order); err != nil {
			return order, err
		}
	}

	s.notifier.Emit(ctx, notify.NewEvent(notify.EventOrderApproved, map[string]any{
		"order_id":    order.ID,
		"subject_id":  order.SubjectID,
		"resolved_by": resolvedBy,
		"key_ref":     order.KeyRef,
	}))
	return order, nil
}

// provisionKey creates the VPN key for a freshly approved order. The
// order stays approved even when provisioning fails; the failure is
// surfaced to the caller and alerted to admins for manual delivery.
func (s *Service) provisionKey(ctx context.Context, order *Order) error {
	ctx, span := traces.StartSpan(ctx, "orders.provisionKey",
		traces.OrderID(order.ID), traces.Protocol(order.Protocol))
	defer span.End()

	key, err := s.provisioner.CreateKey(ctx, provision.CreateRequest{
		OrderID:   order.ID,
		SubjectID: order.SubjectID,
		Protocol:  order.Protocol,
		PlanDays:  planDays(order.PlanID),
		Devices:   1,
	})
	if errors.Is(err, provision.ErrDuplicateClient) {
		// A previous attempt already created the client.
		logging.L(ctx).Info("key already provisioned", "order", order.ID)
		return nil
	}
	if err != nil {
		provisionFailures.Inc()
		logging.L(ctx).Error("provisioning failed after approval",
			"order", order.ID, "subject", order.SubjectID, "error", err)
		s.notifier.Emit(ctx, notify.NewEvent(notify.EventAdminAlert, map[string]any{
			"message":    "order approved but key provisioning failed",
			"order_id":   order.ID,
			"subject_id": order.SubjectID,
			"error":      err.Error(),
		}))
		return fmt.Errorf("provision key for %s: %w", order.ID, err)
	}

	span.SetAttributes(traces.KeyRef(key.Ref))
	if err := s.store.SetKeyRef(ctx, order.ID, key.Ref); err != nil {
		logging.L(ctx).Error("failed to record key ref",
			"order", order.ID, "key_ref", key.Ref, "error", err)
	}
	order.KeyRef = key.Ref
	return nil
}

// TryReject moves a pending order to rejected. Same winner semantics as
// TryApprove.
func (s *Service) TryReject(ctx context.Context, orderID, resolvedBy, reason string) (*Order, error) {
	won, err := s.transition(ctx, orderID, StatusRejected, resolvedBy)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrNotPending
	}

	rejectionsTotal.Inc()
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load rejected order: %w", err)
	}
	metrics.PendingOrderAge.Observe(time.Since(order.CreatedAt).Seconds())
	logging.L(ctx).Info("order rejected",
		"order", orderID, "resolved_by", resolvedBy, "reason", reason)
	s.notifier.Emit(ctx, notify.NewEvent(notify.EventOrderRejected, map[string]any{
		"order_id":    order.ID,
		"subject_id":  order.SubjectID,
		"resolved_by": resolvedBy,
		"reason":      reason,
	}))
	return order, nil
}

// RevokeKey removes an approved order's key from the panel, for refund
// and abuse cases. The order stays approved with its key ref intact as
// the audit record of what was issued.
func (s *Service) RevokeKey(ctx context.Context, orderID, revokedBy string) error {
	ctx, span := traces.StartSpan(ctx, "orders.RevokeKey", traces.OrderID(orderID))
	defer span.End()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != StatusApproved || order.KeyRef == "" {
		return ErrNoKey
	}
	if s.provisioner == nil {
		return ErrNoKey
	}

	if err := s.provisioner.RevokeKey(ctx, order.KeyRef); err != nil {
		return fmt.Errorf("revoke key for %s: %w", orderID, err)
	}

	logging.L(ctx).Info("key revoked",
		"order", orderID, "key_ref", order.KeyRef, "revoked_by", revokedBy)
	s.notifier.Emit(ctx, notify.NewEvent(notify.EventAdminAlert, map[string]any{
		"message":    "key revoked",
		"order_id":   order.ID,
		"subject_id": order.SubjectID,
		"key_ref":    order.KeyRef,
		"revoked_by": revokedBy,
	}))
	return nil
}

// Cancel moves a pending order to cancelled. Used by the customer and
// by the stale-order sweeper.
func (s *Service) Cancel(ctx context.Context, orderID, resolvedBy string) (*Order, error) {
	won, err := s.transition(ctx, orderID, StatusCancelled, resolvedBy)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrNotPending
	}

	cancellationsTotal.Inc()
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load cancelled order: %w", err)
	}
	logging.L(ctx).Info("order cancelled", "order", orderID, "resolved_by", resolvedBy)
	s.notifier.Emit(ctx, notify.NewEvent(notify.EventOrderCancelled, map[string]any{
		"order_id":    order.ID,
		"subject_id":  order.SubjectID,
		"resolved_by": resolvedBy,
	}))
	return order, nil
}

// transition runs the conditional update with a small retry budget.
// Losing the race is permanent and reported as won=false; only storage
// errors are retried.
func (s *Service) transition(ctx context.Context, orderID string, to Status, resolvedBy string) (bool, error) {
	var won bool
	err := retry.Do(ctx, casAttempts, casBaseDelay, func() error {
		w, err := s.store.TransitionFromPending(ctx, orderID, to, resolvedBy, time.Now().UTC())
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		won = w
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("transition %s to %s: %w", orderID, to, err)
	}
	return won, nil
}

// resolverLabel collapses admin IDs into one metric label value to keep
// cardinality bounded.
func resolverLabel(resolvedBy string) string {
	switch resolvedBy {
	case ResolverAuto, ResolverSweep:
		return resolvedBy
	default:
		return "manual"
	}
}

// planDays maps a plan ID to its duration. Unknown plans default to a
// month.
func planDays(planID string) int {
	switch planID {
	case "weekly":
		return 7
	case "monthly":
		return 30
	case "quarterly":
		return 90
	case "yearly":
		return 365
	default:
		return 30
	}
}
