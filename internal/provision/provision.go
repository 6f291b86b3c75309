// Package provision creates VPN access keys on remote panel servers.
package provision

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateClient is returned when the panel already has a client
	// for this request. Callers treat it as success on retry.
	ErrDuplicateClient = errors.New("client already exists on panel")

	// ErrPanelUnavailable is returned when the panel cannot be reached
	// or refuses the login.
	ErrPanelUnavailable = errors.New("panel unavailable")

	// ErrNoInbound is returned when the panel has no inbound for the
	// requested protocol and no fallback inbound either.
	ErrNoInbound = errors.New("no matching inbound on panel")

	// ErrKeyNotFound is returned when a revocation cannot locate the
	// client on any inbound.
	ErrKeyNotFound = errors.New("key not found on panel")
)

// CreateRequest describes the key to provision.
type CreateRequest struct {
	OrderID     string
	SubjectID   string
	Username    string
	Protocol    string // trojan, vless, vmess, shadowsocks
	PlanDays    int
	DataLimitGB int // 0 = unlimited
	Devices     int
}

// Key is a provisioned access credential.
type Key struct {
	Ref        string // panel-side client identity, stored on the order
	ClientID   string // uuid / password on the inbound
	SubLink    string
	ConfigLink string
	ExpiresAt  time.Time
}

// Provisioner creates and revokes keys. Implemented by PanelClient and
// its circuit-breaker wrapper.
type Provisioner interface {
	CreateKey(ctx context.Context, req CreateRequest) (*Key, error)
	RevokeKey(ctx context.Context, keyRef string) error
}
