package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/keygate/internal/circuitbreaker"
)

// BreakerProvisioner wraps a Provisioner with a circuit breaker so a
// down panel fails fast instead of holding approvals open for the full
// HTTP timeout on every order.
type BreakerProvisioner struct {
	inner   Provisioner
	breaker *circuitbreaker.Breaker
	key     string
}

// NewBreakerProvisioner wraps inner. key identifies the panel server in
// breaker state and metrics.
func NewBreakerProvisioner(inner Provisioner, breaker *circuitbreaker.Breaker, key string) *BreakerProvisioner {
	return &BreakerProvisioner{inner: inner, breaker: breaker, key: key}
}

func (b *BreakerProvisioner) CreateKey(ctx context.Context, req CreateRequest) (*Key, error) {
	if !b.breaker.Allow(b.key) {
		return nil, fmt.Errorf("%w: circuit open for %s", ErrPanelUnavailable, b.key)
	}

	key, err := b.inner.CreateKey(ctx, req)
	switch {
	case err == nil, errors.Is(err, ErrDuplicateClient):
		// Duplicate means the panel answered; the circuit is healthy.
		b.breaker.RecordSuccess(b.key)
	case errors.Is(err, ErrPanelUnavailable):
		b.breaker.RecordFailure(b.key)
	default:
		// Application-level rejections do not trip the circuit.
		b.breaker.RecordSuccess(b.key)
	}
	return key, err
}

func (b *BreakerProvisioner) RevokeKey(ctx context.Context, keyRef string) error {
	if !b.breaker.Allow(b.key) {
		return fmt.Errorf("%w: circuit open for %s", ErrPanelUnavailable, b.key)
	}

	err := b.inner.RevokeKey(ctx, keyRef)
	switch {
	case err == nil, errors.Is(err, ErrKeyNotFound):
		b.breaker.RecordSuccess(b.key)
	case errors.Is(err, ErrPanelUnavailable):
		b.breaker.RecordFailure(b.key)
	default:
		b.breaker.RecordSuccess(b.key)
	}
	return err
}

var _ Provisioner = (*BreakerProvisioner)(nil)
