// Package gate admits or rejects inbound requests before any business
// handler runs.
//
// Checks are layered, cheapest first: a global burst window (flood
// shedding), a global per-minute ceiling, the subject's ban ledger,
// per-subject per-action quotas, a rapid-request pattern detector with
// an escalating ban ladder, and a total-volume spam threshold. All state
// is in-memory under one mutex; the only I/O (persisting severe bans)
// happens outside the lock.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ActionType buckets requests for per-type quotas.
type ActionType string

const (
	ActionMessage    ActionType = "message"
	ActionCallback   ActionType = "callback"
	ActionFreeTrial  ActionType = "free_trial"
	ActionOrder      ActionType = "order"
	ActionScreenshot ActionType = "screenshot"
)

// Quota is a sliding-window limit for one action type.
type Quota struct {
	Count  int
	Period time.Duration
}

// Config tunes the gate. Zero values fall back to defaults.
type Config struct {
	Quotas map[ActionType]Quota

	GlobalBurstLimit  int           // requests across all subjects per BurstWindow
	BurstWindow       time.Duration // default 1s
	GlobalMinuteLimit int           // requests across all subjects per minute

	SpamThreshold int           // total per-subject actions in SpamWindow
	SpamWindow    time.Duration // default 60s
	SpamBan       time.Duration // ban issued on spam threshold

	RapidWindow     time.Duration // window for the rapid-request detector
	RapidRatePerSec int           // req/s over RapidWindow that counts as a violation
}

// DefaultConfig returns the production admission policy.
func DefaultConfig() Config {
	return Config{
		Quotas: map[ActionType]Quota{
			ActionMessage:    {Count: 15, Period: time.Minute},
			ActionCallback:   {Count: 30, Period: time.Minute},
			ActionFreeTrial:  {Count: 1, Period: 24 * time.Hour},
			ActionOrder:      {Count: 5, Period: time.Hour},
			ActionScreenshot: {Count: 3, Period: 5 * time.Minute},
		},
		GlobalBurstLimit:  30,
		BurstWindow:       time.Second,
		GlobalMinuteLimit: 600,
		SpamThreshold:     100,
		SpamWindow:        time.Minute,
		SpamBan:           5 * time.Minute,
		RapidWindow:       10 * time.Second,
		RapidRatePerSec:   5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Quotas == nil {
		c.Quotas = d.Quotas
	}
	if c.GlobalBurstLimit <= 0 {
		c.GlobalBurstLimit = d.GlobalBurstLimit
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = d.BurstWindow
	}
	if c.GlobalMinuteLimit <= 0 {
		c.GlobalMinuteLimit = d.GlobalMinuteLimit
	}
	if c.SpamThreshold <= 0 {
		c.SpamThreshold = d.SpamThreshold
	}
	if c.SpamWindow <= 0 {
		c.SpamWindow = d.SpamWindow
	}
	if c.SpamBan <= 0 {
		c.SpamBan = d.SpamBan
	}
	if c.RapidWindow <= 0 {
		c.RapidWindow = d.RapidWindow
	}
	if c.RapidRatePerSec <= 0 {
		c.RapidRatePerSec = d.RapidRatePerSec
	}
	return c
}

// BanStore persists severe bans so they survive restarts. One-way and
// best-effort: failures are logged, never retried, and never delay the
// in-memory ban.
type BanStore interface {
	PersistBan(ctx context.Context, subjectID, reason string, duration time.Duration) error
}

// action is one admitted request, kept for sliding-window accounting.
type action struct {
	at  time.Time
	typ ActionType
}

// subjectState is per-subject mutable state. actions holds admitted
// requests for quota accounting; attempts holds every check, admitted or
// not, so flood patterns are visible even when quotas are already
// rejecting the traffic.
type subjectState struct {
	actions    []action
	attempts   []time.Time
	violations int // rapid-request ladder position
}

// Gate is the admission controller. Safe for concurrent use.
type Gate struct {
	mu       sync.Mutex
	cfg      Config
	subjects map[string]*subjectState
	bans     map[string]*Ban
	global   []time.Time // all admitted requests, pruned to one minute
	logger   *slog.Logger
	store    BanStore
}

// New creates a gate. store may be nil, in which case severe bans are
// in-memory only.
func New(cfg Config, store BanStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:      cfg.withDefaults(),
		subjects: make(map[string]*subjectState),
		bans:     make(map[string]*Ban),
		logger:   logger,
		store:    store,
	}
}

// Check admits or rejects one request. The returned message is
// user-facing and only meaningful when allowed is false.
func (g *Gate) Check(subjectID string, actionType ActionType) (allowed bool, message string) {
	now := time.Now()

	g.mu.Lock()
	verdict := g.check(subjectID, actionType, now)
	g.mu.Unlock()

	if verdict.allowed {
		checksTotal.WithLabelValues(string(actionType), "allowed").Inc()
	} else {
		checksTotal.WithLabelValues(string(actionType), "rejected").Inc()
		rejectionsTotal.WithLabelValues(verdict.reason).Inc()
	}

	// Persistence happens outside the lock; the in-memory ban is already
	// in effect whatever the store says.
	if verdict.persist != nil {
		g.persistBan(verdict.persist)
	}
	return verdict.allowed, verdict.message
}

// verdict carries the admission decision plus any ban that needs
// persisting once the lock is released.
type verdict struct {
	allowed bool
	reason  string
	message string
	persist *Ban
}

func (g *Gate) check(subjectID string, actionType ActionType, now time.Time) verdict {
	// Global flood shedding before any per-subject accounting.
	g.pruneGlobal(now)
	if g.countGlobalSince(now.Add(-g.cfg.BurstWindow)) >= g.cfg.GlobalBurstLimit {
		return verdict{reason: "burst", message: "Server busy, please retry in a moment."}
	}
	if len(g.global) >= g.cfg.GlobalMinuteLimit {
		return verdict{reason: "global_minute", message: "Server busy, please retry in a minute."}
	}

	if ban := g.activeBan(subjectID, now); ban != nil {
		return verdict{reason: "banned", message: ban.UserMessage(now)}
	}

	st, ok := g.subjects[subjectID]
	if !ok {
		st = &subjectState{}
		g.subjects[subjectID] = st
	}
	st.attempts = append(st.attempts, now)
	st.prune(now, g.longestPeriod(), g.detectorHorizon())

	// Rapid-request (DDoS) pattern: sustained rate above the threshold
	// over the short window. Violations climb the ban ladder.
	recent := st.attemptsSince(now.Add(-g.cfg.RapidWindow))
	if recent > g.cfg.RapidRatePerSec*int(g.cfg.RapidWindow/time.Second) {
		st.violations++
		ban := g.issueBan(subjectID, "rapid_requests", ladderDuration(st.violations), now)
		st.attempts = st.attempts[:0]
		bansIssuedTotal.WithLabelValues("rapid_requests").Inc()
		v := verdict{reason: "rapid_requests", message: ban.UserMessage(now)}
		if st.violations >= persistAfterViolations {
			v.persist = ban
		}
		g.logger.Warn("rapid-request pattern detected",
			"subject", subjectID,
			"violations", st.violations,
			"recent", recent,
		)
		return v
	}

	// Slow-type, high-volume spam across all action types.
	if st.attemptsSince(now.Add(-g.cfg.SpamWindow)) >= g.cfg.SpamThreshold {
		ban := g.issueBan(subjectID, "spam_volume", g.cfg.SpamBan, now)
		st.attempts = st.attempts[:0]
		bansIssuedTotal.WithLabelValues("spam_volume").Inc()
		g.logger.Warn("spam threshold crossed", "subject", subjectID)
		return verdict{reason: "spam_volume", message: ban.UserMessage(now), persist: ban}
	}

	// Per-action quota.
	quota, ok := g.cfg.Quotas[actionType]
	if !ok {
		quota = g.cfg.Quotas[ActionMessage]
	}
	if st.countTypeSince(actionType, now.Add(-quota.Period)) >= quota.Count {
		return verdict{reason: "quota", message: fmt.Sprintf("Rate limit exceeded for %s. Please wait before trying again.", actionType)}
	}

	st.actions = append(st.actions, action{at: now, typ: actionType})
	g.global = append(g.global, now)
	return verdict{allowed: true}
}

// IsBanned reports whether the subject has an active ban, removing
// expired records as a side effect.
func (g *Gate) IsBanned(subjectID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeBan(subjectID, time.Now()) != nil
}

// Unban removes a subject's ban. Required for permanent bans, which
// never expire on their own.
func (g *Gate) Unban(subjectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.bans, subjectID)
}

// BanSubject issues an explicit ban (admin action). A zero duration
// means permanent.
func (g *Gate) BanSubject(subjectID, reason string, duration time.Duration) *Ban {
	g.mu.Lock()
	ban := g.issueBan(subjectID, reason, duration, time.Now())
	g.mu.Unlock()
	bansIssuedTotal.WithLabelValues(reason).Inc()
	g.persistBan(ban)
	return ban
}

// Restore seeds the in-memory ledger with bans loaded from durable
// storage, typically once at startup. Already-expired bans are skipped;
// an existing in-memory ban for the same subject is kept only if it was
// issued later.
func (g *Gate) Restore(bans []*Ban) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ban := range bans {
		if ban == nil || ban.SubjectID == "" {
			continue
		}
		if !ban.Permanent() && now.After(ban.ExpiresAt) {
			continue
		}
		if cur, ok := g.bans[ban.SubjectID]; ok && cur.IssuedAt.After(ban.IssuedAt) {
			continue
		}
		g.bans[ban.SubjectID] = ban
	}
}

// activeBan returns the subject's ban if still in force. Caller holds the lock.
func (g *Gate) activeBan(subjectID string, now time.Time) *Ban {
	ban, ok := g.bans[subjectID]
	if !ok {
		return nil
	}
	if !ban.Permanent() && now.After(ban.ExpiresAt) {
		delete(g.bans, subjectID)
		return nil
	}
	return ban
}

// issueBan records a ban, replacing any active one (latest wins). Caller
// holds the lock.
func (g *Gate) issueBan(subjectID, reason string, duration time.Duration, now time.Time) *Ban {
	ban := &Ban{
		SubjectID: subjectID,
		Reason:    reason,
		IssuedAt:  now,
	}
	if duration > 0 {
		ban.ExpiresAt = now.Add(duration)
	}
	g.bans[subjectID] = ban
	return ban
}

func (g *Gate) persistBan(ban *Ban) {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	duration := time.Duration(0)
	if !ban.Permanent() {
		duration = time.Until(ban.ExpiresAt)
	}
	if err := g.store.PersistBan(ctx, ban.SubjectID, ban.Reason, duration); err != nil {
		g.logger.Error("failed to persist ban",
			"subject", ban.SubjectID,
			"reason", ban.Reason,
			"error", err,
		)
	}
}

func (g *Gate) pruneGlobal(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(g.global); i++ {
		if g.global[i].After(cutoff) {
			break
		}
	}
	g.global = g.global[i:]
}

func (g *Gate) countGlobalSince(cutoff time.Time) int {
	n := 0
	for i := len(g.global) - 1; i >= 0; i-- {
		if !g.global[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

// detectorHorizon is the retention horizon for raw attempt history.
func (g *Gate) detectorHorizon() time.Duration {
	if g.cfg.RapidWindow > g.cfg.SpamWindow {
		return g.cfg.RapidWindow
	}
	return g.cfg.SpamWindow
}

// longestPeriod is the retention horizon for per-subject action history.
func (g *Gate) longestPeriod() time.Duration {
	longest := g.cfg.SpamWindow
	for _, q := range g.cfg.Quotas {
		if q.Period > longest {
			longest = q.Period
		}
	}
	return longest
}

// prune drops actions older than the quota horizon and attempts older
// than the detector horizon.
func (s *subjectState) prune(now time.Time, keep, keepAttempts time.Duration) {
	cutoff := now.Add(-keep)
	i := 0
	for ; i < len(s.actions); i++ {
		if s.actions[i].at.After(cutoff) {
			break
		}
	}
	s.actions = s.actions[i:]

	attemptCutoff := now.Add(-keepAttempts)
	j := 0
	for ; j < len(s.attempts); j++ {
		if s.attempts[j].After(attemptCutoff) {
			break
		}
	}
	s.attempts = s.attempts[j:]
}

func (s *subjectState) attemptsSince(cutoff time.Time) int {
	n := 0
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if !s.attempts[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

func (s *subjectState) countTypeSince(typ ActionType, cutoff time.Time) int {
	n := 0
	for i := len(s.actions) - 1; i >= 0; i-- {
		if !s.actions[i].at.After(cutoff) {
			break
		}
		if s.actions[i].typ == typ {
			n++
		}
	}
	return n
}
