package provision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/keygate/internal/circuitbreaker"
)

// fakePanel is an in-memory 3x-ui panel.
type fakePanel struct {
	t            *testing.T
	inbounds     []inbound
	loginOK      bool
	addMsg       string // non-empty = addClient fails with this message
	logins       int
	addedNames   []string
	deletedNames []string
	delInbound   int // only this inbound's delClient succeeds
}

func (f *fakePanel) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins++
		if !f.loginOK {
			writeJSON(w, apiResponse{Success: false, Msg: "invalid credentials"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: "session"})
		writeJSON(w, apiResponse{Success: true})
	})
	mux.HandleFunc("/panel/api/inbounds/list", func(w http.ResponseWriter, r *http.Request) {
		obj, _ := json.Marshal(f.inbounds)
		writeJSON(w, apiResponse{Success: true, Obj: obj})
	})
	mux.HandleFunc("/panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		if f.addMsg != "" {
			writeJSON(w, apiResponse{Success: false, Msg: f.addMsg})
			return
		}
		var settings struct {
			Clients []struct {
				Email string `json:"email"`
			} `json:"clients"`
		}
		if err := json.Unmarshal([]byte(r.FormValue("settings")), &settings); err != nil {
			f.t.Errorf("bad settings payload: %v", err)
		}
		for _, c := range settings.Clients {
			f.addedNames = append(f.addedNames, c.Email)
		}
		writeJSON(w, apiResponse{Success: true})
	})
	mux.HandleFunc("/panel/api/inbounds/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/panel/api/inbounds/"), "/")
		if len(parts) != 3 || parts[1] != "delClient" {
			http.NotFound(w, r)
			return
		}
		if parts[0] != strconv.Itoa(f.delInbound) {
			writeJSON(w, apiResponse{Success: false, Msg: "client not found"})
			return
		}
		f.deletedNames = append(f.deletedNames, parts[2])
		writeJSON(w, apiResponse{Success: true})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, panel *fakePanel) *PanelClient {
	t.Helper()
	srv := httptest.NewServer(panel.handler())
	t.Cleanup(srv.Close)
	client, err := NewPanelClient(PanelConfig{
		BaseURL:  srv.URL,
		Username: "admin",
		Password: "secret",
		Domain:   "vpn.example.com",
		SubPort:  2096,
	})
	if err != nil {
		t.Fatalf("NewPanelClient: %v", err)
	}
	return client
}

func TestCreateKeyTrojan(t *testing.T) {
	panel := &fakePanel{
		t:       t,
		loginOK: true,
		inbounds: []inbound{
			{ID: 3, Port: 443, Protocol: "trojan", Remark: "Main"},
		},
	}
	client := newTestClient(t, panel)

	key, err := client.CreateKey(context.Background(), CreateRequest{
		OrderID:   "ord_abc",
		SubjectID: "12345",
		Username:  "alice",
		Protocol:  "trojan",
		PlanDays:  30,
		Devices:   2,
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	if !strings.Contains(key.Ref, "alice") || !strings.Contains(key.Ref, "ord_abc") {
		t.Errorf("key ref %q should carry username and order id", key.Ref)
	}
	if !strings.HasPrefix(key.ConfigLink, "trojan://") {
		t.Errorf("config link %q should be a trojan URI", key.ConfigLink)
	}
	if !strings.HasPrefix(key.SubLink, "https://vpn.example.com:2096/sub/") {
		t.Errorf("unexpected sub link %q", key.SubLink)
	}
	if got := time.Until(key.ExpiresAt); got < 29*24*time.Hour {
		t.Errorf("expiry %v too soon for a 30 day plan", got)
	}
	if len(panel.addedNames) != 1 {
		t.Fatalf("panel recorded %d clients, want 1", len(panel.addedNames))
	}
	if panel.logins != 1 {
		t.Errorf("logged in %d times, want 1", panel.logins)
	}
}

func TestCreateKeyLoginCached(t *testing.T) {
	panel := &fakePanel{
		t:        t,
		loginOK:  true,
		inbounds: []inbound{{ID: 1, Port: 443, Protocol: "vless"}},
	}
	client := newTestClient(t, panel)

	for i := 0; i < 3; i++ {
		if _, err := client.CreateKey(context.Background(), CreateRequest{
			OrderID: "ord_1", SubjectID: "7", Protocol: "vless", PlanDays: 7, Devices: 1,
		}); err != nil {
			t.Fatalf("CreateKey #%d: %v", i, err)
		}
	}
	if panel.logins != 1 {
		t.Errorf("logged in %d times across 3 calls, want 1", panel.logins)
	}
}

func TestCreateKeyFallbackInbound(t *testing.T) {
	panel := &fakePanel{
		t:        t,
		loginOK:  true,
		inbounds: []inbound{{ID: 9, Port: 8443, Protocol: "vmess"}},
	}
	client := newTestClient(t, panel)

	key, err := client.CreateKey(context.Background(), CreateRequest{
		OrderID: "ord_2", SubjectID: "8", Protocol: "trojan", PlanDays: 30, Devices: 1,
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	// No trojan inbound, so the vmess one is used and labels say VM.
	if !strings.Contains(key.Ref, "(VM)") {
		t.Errorf("key ref %q should use the fallback inbound protocol", key.Ref)
	}
}

func TestCreateKeyDuplicate(t *testing.T) {
	panel := &fakePanel{
		t:        t,
		loginOK:  true,
		inbounds: []inbound{{ID: 1, Port: 443, Protocol: "trojan"}},
		addMsg:   "Duplicate email: alice",
	}
	client := newTestClient(t, panel)

	_, err := client.CreateKey(context.Background(), CreateRequest{
		OrderID: "ord_3", SubjectID: "9", Username: "alice", Protocol: "trojan", PlanDays: 30, Devices: 1,
	})
	if !errors.Is(err, ErrDuplicateClient) {
		t.Fatalf("err = %v, want ErrDuplicateClient", err)
	}
}

func TestCreateKeyLoginRejected(t *testing.T) {
	panel := &fakePanel{t: t, loginOK: false}
	client := newTestClient(t, panel)

	_, err := client.CreateKey(context.Background(), CreateRequest{
		OrderID: "ord_4", SubjectID: "10", Protocol: "trojan", PlanDays: 30, Devices: 1,
	})
	if !errors.Is(err, ErrPanelUnavailable) {
		t.Fatalf("err = %v, want ErrPanelUnavailable", err)
	}
}

func TestCreateKeyNoInbounds(t *testing.T) {
	panel := &fakePanel{t: t, loginOK: true}
	client := newTestClient(t, panel)

	_, err := client.CreateKey(context.Background(), CreateRequest{
		OrderID: "ord_5", SubjectID: "11", Protocol: "trojan", PlanDays: 30, Devices: 1,
	})
	if !errors.Is(err, ErrNoInbound) {
		t.Fatalf("err = %v, want ErrNoInbound", err)
	}
}

func TestRevokeKeySearchesInbounds(t *testing.T) {
	panel := &fakePanel{
		t:       t,
		loginOK: true,
		inbounds: []inbound{
			{ID: 1, Port: 443, Protocol: "trojan"},
			{ID: 2, Port: 8443, Protocol: "vless"},
		},
		delInbound: 2,
	}
	client := newTestClient(t, panel)

	if err := client.RevokeKey(context.Background(), "User_11 - 1D / ord_9 (VL)"); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if len(panel.deletedNames) != 1 {
		t.Fatalf("panel deleted %d clients, want 1", len(panel.deletedNames))
	}
}

func TestRevokeKeyNotFound(t *testing.T) {
	panel := &fakePanel{
		t:          t,
		loginOK:    true,
		inbounds:   []inbound{{ID: 1, Port: 443, Protocol: "trojan"}},
		delInbound: 99, // nothing matches
	}
	client := newTestClient(t, panel)

	err := client.RevokeKey(context.Background(), "missing")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
}

// stubProvisioner fails or succeeds on demand for breaker tests.
type stubProvisioner struct {
	err   error
	calls int
}

func (s *stubProvisioner) CreateKey(ctx context.Context, req CreateRequest) (*Key, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Key{Ref: "stub"}, nil
}

func (s *stubProvisioner) RevokeKey(context.Context, string) error {
	s.calls++
	return s.err
}

func TestBreakerOpensOnPanelFailures(t *testing.T) {
	stub := &stubProvisioner{err: ErrPanelUnavailable}
	bp := NewBreakerProvisioner(stub, circuitbreaker.New(3, time.Minute), "server-1")

	for i := 0; i < 3; i++ {
		if _, err := bp.CreateKey(context.Background(), CreateRequest{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	// Circuit is open now; the inner provisioner must not be called.
	before := stub.calls
	_, err := bp.CreateKey(context.Background(), CreateRequest{})
	if !errors.Is(err, ErrPanelUnavailable) {
		t.Fatalf("err = %v, want ErrPanelUnavailable", err)
	}
	if stub.calls != before {
		t.Errorf("inner provisioner called while circuit open")
	}
}

func TestBreakerDuplicateCountsAsSuccess(t *testing.T) {
	stub := &stubProvisioner{err: ErrDuplicateClient}
	bp := NewBreakerProvisioner(stub, circuitbreaker.New(2, time.Minute), "server-1")

	for i := 0; i < 5; i++ {
		if _, err := bp.CreateKey(context.Background(), CreateRequest{}); !errors.Is(err, ErrDuplicateClient) {
			t.Fatalf("err = %v, want ErrDuplicateClient", err)
		}
	}
	if stub.calls != 5 {
		t.Errorf("inner called %d times, want 5; duplicates must not trip the circuit", stub.calls)
	}
}
