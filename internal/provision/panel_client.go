package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/keygate/internal/idgen"
)

// PanelConfig describes one 3x-ui panel server.
type PanelConfig struct {
	BaseURL  string // panel URL including web base path
	Username string
	Password string
	Domain   string // public domain clients connect to
	SubPort  int    // subscription link port
}

// PanelClient talks to a single 3x-ui panel. Sessions are cookie based:
// a successful login sets a session cookie that authorizes the inbound
// API calls that follow. The client re-logs-in lazily when a call comes
// back unauthorized.
type PanelClient struct {
	cfg    PanelConfig
	client *http.Client

	mu       sync.Mutex
	loggedIn bool
}

// NewPanelClient creates a client for one panel server.
func NewPanelClient(cfg PanelConfig) (*PanelClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("panel base URL is required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &PanelClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
	}, nil
}

// apiResponse is the envelope every 3x-ui endpoint wraps its payload in.
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// inbound is the subset of the panel inbound object we need.
type inbound struct {
	ID       int    `json:"id"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Remark   string `json:"remark"`
}

func (p *PanelClient) login(ctx context.Context) error {
	form := url.Values{
		"username": {p.cfg.Username},
		"password": {p.cfg.Password},
	}
	resp, err := p.postForm(ctx, "/login", form)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: login rejected: %s", ErrPanelUnavailable, resp.Msg)
	}
	p.mu.Lock()
	p.loggedIn = true
	p.mu.Unlock()
	return nil
}

func (p *PanelClient) ensureLogin(ctx context.Context) error {
	p.mu.Lock()
	ok := p.loggedIn
	p.mu.Unlock()
	if ok {
		return nil
	}
	return p.login(ctx)
}

// listInbounds fetches all inbounds from the panel.
func (p *PanelClient) listInbounds(ctx context.Context) ([]inbound, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.cfg.BaseURL+"/panel/api/inbounds/list", nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode inbound list: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("inbound list failed: %s", resp.Msg)
	}
	var inbounds []inbound
	if err := json.Unmarshal(resp.Obj, &inbounds); err != nil {
		return nil, fmt.Errorf("decode inbound list: %w", err)
	}
	return inbounds, nil
}

// pickInbound finds an inbound matching the protocol, falling back to
// the first inbound the panel has.
func pickInbound(inbounds []inbound, protocol string) (inbound, error) {
	for _, ib := range inbounds {
		if ib.Protocol == protocol {
			return ib, nil
		}
	}
	if len(inbounds) > 0 {
		return inbounds[0], nil
	}
	return inbound{}, ErrNoInbound
}

var protocolCodes = map[string]string{
	"trojan":      "TR",
	"vless":       "VL",
	"vmess":       "VM",
	"shadowsocks": "SS",
}

// CreateKey provisions a client on the panel and returns the key links.
func (p *PanelClient) CreateKey(ctx context.Context, req CreateRequest) (*Key, error) {
	if err := p.ensureLogin(ctx); err != nil {
		return nil, err
	}

	inbounds, err := p.listInbounds(ctx)
	if err != nil {
		return nil, err
	}
	ib, err := pickInbound(inbounds, req.Protocol)
	if err != nil {
		return nil, err
	}

	clientID := idgen.New()
	subID := idgen.Hex(8)
	expiresAt := time.Now().AddDate(0, 0, req.PlanDays)
	clientName := clientLabel(req, ib.Protocol)

	settings := clientSettings(ib.Protocol, clientID, clientName, subID, req, expiresAt)
	settingsJSON, err := json.Marshal(map[string]any{
		"clients": []map[string]any{settings},
	})
	if err != nil {
		return nil, fmt.Errorf("encode client settings: %w", err)
	}

	form := url.Values{
		"id":       {fmt.Sprint(ib.ID)},
		"settings": {string(settingsJSON)},
	}
	resp, err := p.postForm(ctx, "/panel/api/inbounds/addClient", form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}
	if !resp.Success {
		if strings.Contains(strings.ToLower(resp.Msg), "duplicate") {
			return nil, ErrDuplicateClient
		}
		return nil, fmt.Errorf("add client failed: %s", resp.Msg)
	}

	return &Key{
		Ref:        clientName,
		ClientID:   clientID,
		SubLink:    fmt.Sprintf("https://%s:%d/sub/%s", p.cfg.Domain, p.cfg.SubPort, subID),
		ConfigLink: configLink(ib, p.cfg.Domain, clientID, clientName),
		ExpiresAt:  expiresAt,
	}, nil
}

// clientLabel formats the panel-visible client name. The order ID makes
// the name unique per order, so a retried provision of the same order
// collides on the panel instead of creating a second client.
func clientLabel(req CreateRequest, protocol string) string {
	code, ok := protocolCodes[protocol]
	if !ok {
		code = "VPN"
	}
	name := req.Username
	if name == "" {
		name = "User_" + req.SubjectID
	}
	return fmt.Sprintf("%s - %dD / %s (%s)", name, req.Devices, req.OrderID, code)
}

// clientSettings builds the per-protocol client object. Trojan and
// shadowsocks identify clients by password, the rest by id.
func clientSettings(protocol, clientID, clientName, subID string, req CreateRequest, expiresAt time.Time) map[string]any {
	s := map[string]any{
		"email":      clientName,
		"limitIp":    req.Devices,
		"totalGB":    int64(req.DataLimitGB) * 1024 * 1024 * 1024,
		"expiryTime": expiresAt.UnixMilli(),
		"enable":     true,
		"tgId":       req.SubjectID,
		"subId":      subID,
		"reset":      0,
	}
	switch protocol {
	case "trojan", "shadowsocks":
		s["password"] = clientID
	default:
		s["id"] = clientID
	}
	return s
}

func configLink(ib inbound, domain, clientID, clientName string) string {
	remark := url.QueryEscape(ib.Remark + "-" + clientName)
	switch ib.Protocol {
	case "trojan":
		return fmt.Sprintf("trojan://%s@%s:%d?security=none&type=tcp#%s", clientID, domain, ib.Port, remark)
	case "vless":
		return fmt.Sprintf("vless://%s@%s:%d?type=tcp&security=none#%s", clientID, domain, ib.Port, remark)
	default:
		return ""
	}
}

// RevokeKey removes the client from the panel. The key ref is the
// panel-side client name, which the delClient endpoint accepts in place
// of the uuid. The inbound is not stored on the order, so each inbound
// is tried in turn.
func (p *PanelClient) RevokeKey(ctx context.Context, keyRef string) error {
	if err := p.ensureLogin(ctx); err != nil {
		return err
	}

	inbounds, err := p.listInbounds(ctx)
	if err != nil {
		return err
	}

	var lastMsg string
	for _, ib := range inbounds {
		path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", ib.ID, url.PathEscape(keyRef))
		resp, err := p.postForm(ctx, path, url.Values{})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
		}
		if resp.Success {
			return nil
		}
		lastMsg = resp.Msg
	}
	return fmt.Errorf("%w: %q not found on any inbound: %s", ErrKeyNotFound, keyRef, lastMsg)
}

func (p *PanelClient) postForm(ctx context.Context, path string, form url.Values) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		p.mu.Lock()
		p.loggedIn = false
		p.mu.Unlock()
		return nil, fmt.Errorf("panel rejected request: status %d", httpResp.StatusCode)
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode panel response: %w", err)
	}
	return &resp, nil
}

var _ Provisioner = (*PanelClient)(nil)
