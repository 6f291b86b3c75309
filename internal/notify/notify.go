// Package notify delivers order and security events to webhook endpoints.
//
// The admin side of the shop (dashboard, on-call chat bridge) subscribes
// a URL and optionally a signing secret; every event is POSTed as JSON
// with an HMAC signature header so receivers can verify origin.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/keygate/internal/idgen"
	"github.com/mbd888/keygate/internal/logging"
)

// EventType identifies what happened.
type EventType string

const (
	EventOrderCreated   EventType = "order.created"
	EventOrderApproved  EventType = "order.approved"
	EventOrderRejected  EventType = "order.rejected"
	EventOrderCancelled EventType = "order.cancelled"
	EventSecurityBan    EventType = "security.ban"
	EventSecurityBlock  EventType = "security.block"
	EventAdminAlert     EventType = "admin.alert"
)

// Event is the wire payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an event with a fresh ID and the current time.
func NewEvent(typ EventType, data map[string]any) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID     string      `json:"id"`
	URL    string      `json:"url"`
	Secret string      `json:"-"`
	Events []EventType `json:"events"` // empty = all events
	Active bool        `json:"active"`

	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

func (s *Subscription) wants(typ EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == typ {
			return true
		}
	}
	return false
}

// Notifier is the emitting side. The order service and the gate only
// need Emit.
type Notifier interface {
	Emit(ctx context.Context, event *Event)
}

// Dispatcher fans events out to subscribed endpoints.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	client *http.Client
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subs: make(map[string]*Subscription),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Subscribe registers a webhook endpoint and returns its ID.
func (d *Dispatcher) Subscribe(url, secret string, events ...EventType) string {
	sub := &Subscription{
		ID:     idgen.WithPrefix("wh_"),
		URL:    url,
		Secret: secret,
		Events: events,
		Active: true,
	}
	d.mu.Lock()
	d.subs[sub.ID] = sub
	d.mu.Unlock()
	return sub.ID
}

// Unsubscribe removes a webhook endpoint.
func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
}

// Emit sends the event to every active matching subscription. Delivery
// is asynchronous; a slow receiver never blocks order processing.
func (d *Dispatcher) Emit(ctx context.Context, event *Event) {
	d.mu.RLock()
	var targets []*Subscription
	for _, sub := range d.subs {
		if sub.Active && sub.wants(event.Type) {
			targets = append(targets, sub)
		}
	}
	d.mu.RUnlock()

	for _, sub := range targets {
		go d.send(context.WithoutCancel(ctx), sub, event)
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordError(sub, "marshal event: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordError(sub, "create request: "+err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Keygate-Event", string(event.Type))
	req.Header.Set("X-Keygate-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Keygate-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordError(sub, "request failed: "+err.Error())
		logging.L(ctx).Warn("webhook delivery failed",
			"subscription", sub.ID, "event", event.Type, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(sub)
		return
	}
	d.recordError(sub, fmt.Sprintf("status %d", resp.StatusCode))
	logging.L(ctx).Warn("webhook delivery rejected",
		"subscription", sub.ID, "event", event.Type, "status", resp.StatusCode)
}

// Sign computes the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(sub *Subscription) {
	d.mu.Lock()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	d.mu.Unlock()
}

func (d *Dispatcher) recordError(sub *Subscription, msg string) {
	d.mu.Lock()
	sub.LastError = msg
	d.mu.Unlock()
}

// Nop discards all events. Useful in tests and when no webhook is
// configured.
type Nop struct{}

func (Nop) Emit(context.Context, *Event) {}

// Multi fans one event out to several notifiers. Nil entries are
// skipped so callers can pass optional sinks unconditionally.
func Multi(notifiers ...Notifier) Notifier {
	var active []Notifier
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	switch len(active) {
	case 0:
		return Nop{}
	case 1:
		return active[0]
	}
	return multi(active)
}

type multi []Notifier

func (m multi) Emit(ctx context.Context, event *Event) {
	for _, n := range m {
		n.Emit(ctx, event)
	}
}

var (
	_ Notifier = (*Dispatcher)(nil)
	_ Notifier = Nop{}
)
