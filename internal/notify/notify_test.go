package notify

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// receiver records webhook deliveries.
type receiver struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
	types  []string
	status int
	got    chan struct{}
}

func newReceiver(status int) *receiver {
	return &receiver{status: status, got: make(chan struct{}, 16)}
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.sigs = append(r.sigs, req.Header.Get("X-Keygate-Signature"))
	r.types = append(r.types, req.Header.Get("X-Keygate-Event"))
	r.mu.Unlock()
	w.WriteHeader(r.status)
	r.got <- struct{}{}
}

func (r *receiver) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}
}

func TestEmitDeliversSignedEvent(t *testing.T) {
	rec := newReceiver(http.StatusOK)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := NewDispatcher()
	d.Subscribe(srv.URL, "topsecret", EventOrderApproved)

	d.Emit(context.Background(), NewEvent(EventOrderApproved, map[string]any{
		"order_id": "ord_1",
	}))
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.bodies) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(rec.bodies))
	}
	if rec.types[0] != string(EventOrderApproved) {
		t.Errorf("event header = %q", rec.types[0])
	}
	want := Sign(rec.bodies[0], "topsecret")
	if !hmac.Equal([]byte(rec.sigs[0]), []byte(want)) {
		t.Errorf("signature mismatch: got %q want %q", rec.sigs[0], want)
	}

	var ev Event
	if err := json.Unmarshal(rec.bodies[0], &ev); err != nil {
		t.Fatalf("unmarshal delivered event: %v", err)
	}
	if ev.Data["order_id"] != "ord_1" {
		t.Errorf("data = %v", ev.Data)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Errorf("event missing id or timestamp: %+v", ev)
	}
}

func TestEmitFiltersByEventType(t *testing.T) {
	rec := newReceiver(http.StatusOK)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := NewDispatcher()
	d.Subscribe(srv.URL, "", EventSecurityBan)

	// Not subscribed: must not deliver.
	d.Emit(context.Background(), NewEvent(EventOrderApproved, nil))
	// Subscribed: must deliver.
	d.Emit(context.Background(), NewEvent(EventSecurityBan, nil))
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.types) != 1 || rec.types[0] != string(EventSecurityBan) {
		t.Fatalf("deliveries = %v, want only security.ban", rec.types)
	}
}

func TestEmitAllEventsWhenUnfiltered(t *testing.T) {
	rec := newReceiver(http.StatusOK)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := NewDispatcher()
	d.Subscribe(srv.URL, "")

	d.Emit(context.Background(), NewEvent(EventOrderCreated, nil))
	d.Emit(context.Background(), NewEvent(EventAdminAlert, nil))
	rec.wait(t)
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.types) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(rec.types))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	rec := newReceiver(http.StatusOK)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := NewDispatcher()
	id := d.Subscribe(srv.URL, "")
	d.Unsubscribe(id)

	d.Emit(context.Background(), NewEvent(EventOrderCreated, nil))

	select {
	case <-rec.got:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFailedDeliveryRecordsError(t *testing.T) {
	rec := newReceiver(http.StatusBadGateway)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := NewDispatcher()
	id := d.Subscribe(srv.URL, "")

	d.Emit(context.Background(), NewEvent(EventOrderCreated, nil))
	rec.wait(t)

	// Delivery bookkeeping happens right after the response; poll briefly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d.mu.RLock()
		lastErr := d.subs[id].LastError
		d.mu.RUnlock()
		if lastErr != "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("LastError never recorded for failed delivery")
}
