package gate

import (
	"fmt"
	"time"
)

// Ban is one entry in the in-memory ban ledger. A subject holds at most
// one active ban; issuing a new one replaces it (latest wins). A zero
// ExpiresAt means permanent.
type Ban struct {
	SubjectID string
	Reason    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Permanent reports whether the ban never expires on its own.
func (b *Ban) Permanent() bool {
	return b.ExpiresAt.IsZero()
}

// UserMessage renders the rejection text shown to the banned subject.
func (b *Ban) UserMessage(now time.Time) string {
	if b.Permanent() {
		return "You are blocked. Contact support if you believe this is a mistake."
	}
	remaining := b.ExpiresAt.Sub(now).Round(time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("You are temporarily blocked. Please wait %s.", remaining)
}

// banLadder maps rapid-request violation counts to ban durations. The
// policy is a table so it can be read and tested on its own; the final
// rung also triggers durable persistence.
var banLadder = []time.Duration{
	1: 2 * time.Minute,  // first violation: warning ban
	2: 15 * time.Minute, // second: medium
	3: 24 * time.Hour,   // third and beyond: long, persisted
}

// persistAfterViolations is the ladder rung at which bans are written
// through to the durable ban store.
const persistAfterViolations = 3

// ladderDuration returns the ban duration for the nth violation.
func ladderDuration(violations int) time.Duration {
	if violations <= 0 {
		violations = 1
	}
	if violations >= len(banLadder) {
		return banLadder[len(banLadder)-1]
	}
	return banLadder[violations]
}
