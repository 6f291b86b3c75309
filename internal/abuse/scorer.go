// Package abuse tracks per-subject suspicion scores and issues blocks.
//
// Every classified threat or abuse-pattern match feeds Record, which
// accumulates a time-decaying score per subject. Crossing the suspicion
// threshold issues a block; warnings persist across score resets so
// repeat offenders escalate to longer blocks on their next violation.
//
// The scorer's block list is independent of the request gate's ban
// ledger. Callers consult both.
package abuse

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/keygate/internal/threat"
)

// Config tunes scoring behavior. Zero values fall back to defaults.
type Config struct {
	SuspicionThreshold int           // score at which a block is issued
	WarningLimit       int           // warnings before blocks turn severe
	DecayGap           time.Duration // inactivity required before decay applies
	DecayAmount        int           // score subtracted after a decay gap
	StandardBlock      time.Duration
	SevereBlock        time.Duration
	MaxEvents          int // ring buffer size per subject

	RapidOrderCount  int           // orders within RapidOrderWindow that trip the detector
	RapidOrderWindow time.Duration
	FailedOrderCount int // rejected orders within an hour that trip the detector
}

// DefaultConfig returns the production scoring policy.
func DefaultConfig() Config {
	return Config{
		SuspicionThreshold: 10,
		WarningLimit:       3,
		DecayGap:           time.Hour,
		DecayAmount:        5,
		StandardBlock:      30 * time.Minute,
		SevereBlock:        24 * time.Hour,
		MaxEvents:          50,
		RapidOrderCount:    5,
		RapidOrderWindow:   10 * time.Minute,
		FailedOrderCount:   5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SuspicionThreshold <= 0 {
		c.SuspicionThreshold = d.SuspicionThreshold
	}
	if c.WarningLimit <= 0 {
		c.WarningLimit = d.WarningLimit
	}
	if c.DecayGap <= 0 {
		c.DecayGap = d.DecayGap
	}
	if c.DecayAmount <= 0 {
		c.DecayAmount = d.DecayAmount
	}
	if c.StandardBlock <= 0 {
		c.StandardBlock = d.StandardBlock
	}
	if c.SevereBlock <= 0 {
		c.SevereBlock = d.SevereBlock
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = d.MaxEvents
	}
	if c.RapidOrderCount <= 0 {
		c.RapidOrderCount = d.RapidOrderCount
	}
	if c.RapidOrderWindow <= 0 {
		c.RapidOrderWindow = d.RapidOrderWindow
	}
	if c.FailedOrderCount <= 0 {
		c.FailedOrderCount = d.FailedOrderCount
	}
	return c
}

// Event is one recorded suspicious activity.
type Event struct {
	Category threat.Category
	Severity int
	At       time.Time
}

// record holds a subject's running suspicion state. The events slice is a
// bounded ring so long-lived abusers can't grow memory without bound.
type record struct {
	score        int
	warnings     int
	lastActivity time.Time
	events       []Event
	next         int // ring write index
}

type blockEntry struct {
	expiresAt time.Time
	action    string
}

// Scorer accumulates suspicion per subject and maintains a block list.
type Scorer struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*record
	blocks  map[string]blockEntry
	logger  *slog.Logger
	seenFPs map[string]string // screenshot fingerprint -> first order ID
}

// NewScorer creates a scorer with the given config.
func NewScorer(cfg Config, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*record),
		blocks:  make(map[string]blockEntry),
		logger:  logger,
		seenFPs: make(map[string]string),
	}
}

// Record registers a suspicious event for a subject and returns whether a
// block was issued, along with the action taken ("standard_block",
// "severe_block", or "").
func (s *Scorer) Record(subjectID string, category threat.Category, severity int) (blocked bool, action string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[subjectID]
	if !ok {
		rec = &record{events: make([]Event, 0, s.cfg.MaxEvents)}
		s.records[subjectID] = rec
	}

	// Decay only after a genuine inactivity gap. Scores never decay
	// mid-burst, so sustained abuse keeps accumulating.
	if !rec.lastActivity.IsZero() && now.Sub(rec.lastActivity) >= s.cfg.DecayGap {
		rec.score -= s.cfg.DecayAmount
		if rec.score < 0 {
			rec.score = 0
		}
	}
	rec.lastActivity = now

	rec.appendEvent(Event{Category: category, Severity: severity, At: now}, s.cfg.MaxEvents)
	rec.score += severity

	if rec.score < s.cfg.SuspicionThreshold {
		return false, ""
	}

	rec.warnings++
	duration := s.cfg.StandardBlock
	action = "standard_block"
	if rec.warnings >= s.cfg.WarningLimit {
		duration = s.cfg.SevereBlock
		action = "severe_block"
	}

	// Score resets on block; warnings survive so the next threshold
	// crossing escalates.
	rec.score = 0
	s.blocks[subjectID] = blockEntry{expiresAt: now.Add(duration), action: action}

	s.logger.Warn("abuse block issued",
		"subject", subjectID,
		"category", string(category),
		"action", action,
		"warnings", rec.warnings,
		"duration", duration.String(),
	)
	return true, action
}

func (r *record) appendEvent(ev Event, max int) {
	if len(r.events) < max {
		r.events = append(r.events, ev)
		return
	}
	r.events[r.next] = ev
	r.next = (r.next + 1) % max
}

// IsBlocked reports whether a subject is currently blocked, expiring
// stale entries as a side effect.
func (s *Scorer) IsBlocked(subjectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.blocks[subjectID]
	if !ok {
		return false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.blocks, subjectID)
		return false
	}
	return true
}

// RapidOrderWindow returns the lookback the rapid-order detector uses,
// so callers know how much order history to load.
func (s *Scorer) RapidOrderWindow() time.Duration {
	return s.cfg.RapidOrderWindow
}

// Score returns the subject's current suspicion score and warning count.
func (s *Scorer) Score(subjectID string) (score, warnings int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[subjectID]
	if !ok {
		return 0, 0
	}
	return rec.score, rec.warnings
}

// Reset clears a subject's suspicion state and block. Admin use only.
func (s *Scorer) Reset(subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, subjectID)
	delete(s.blocks, subjectID)
}

// --- Specialized detectors. Each funnels into Record with an
// appropriate category and severity. ---

// CheckRapidOrders flags a subject creating orders faster than the
// configured rate. orderTimes should be the subject's recent order
// creation times, newest or oldest first.
func (s *Scorer) CheckRapidOrders(subjectID string, orderTimes []time.Time) bool {
	cutoff := time.Now().Add(-s.cfg.RapidOrderWindow)
	recent := 0
	for _, t := range orderTimes {
		if t.After(cutoff) {
			recent++
		}
	}
	if recent < s.cfg.RapidOrderCount {
		return false
	}
	s.Record(subjectID, "rapid_orders", 3)
	return true
}

// CheckFailedOrders flags a subject with too many rejected orders in the
// past hour.
func (s *Scorer) CheckFailedOrders(subjectID string, rejectedLastHour int) bool {
	if rejectedLastHour < s.cfg.FailedOrderCount {
		return false
	}
	s.Record(subjectID, "repeated_failures", 3)
	return true
}

// CheckDuplicateSubmission flags a screenshot fingerprint that was
// already submitted for a different order. The first submission for an
// order records the fingerprint and passes.
func (s *Scorer) CheckDuplicateSubmission(subjectID, orderID, fingerprint string) bool {
	if fingerprint == "" {
		return false
	}

	s.mu.Lock()
	firstOrder, seen := s.seenFPs[fingerprint]
	if !seen {
		s.seenFPs[fingerprint] = orderID
	}
	s.mu.Unlock()

	if !seen || firstOrder == orderID {
		return false
	}

	s.Record(subjectID, "duplicate_submission", 5)
	s.logger.Warn("duplicate screenshot submission",
		"subject", subjectID,
		"order", orderID,
		"first_order", firstOrder,
		"fingerprint", fmt.Sprintf("%.12s", fingerprint),
	)
	return true
}
