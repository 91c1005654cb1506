package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/channel-warden/actions"
	"github.com/onnwee/channel-warden/bridge"
	"github.com/onnwee/channel-warden/config"
	"github.com/onnwee/channel-warden/monitor"
	"github.com/onnwee/channel-warden/store"
)

func TestReadyz(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	f.tokens.has = false
	rr = f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected Content-Type=application/json, got %q", ct)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "not_ready" || resp["failed_check"] != "credentials" {
		t.Fatalf("unexpected body %v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", rr.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.status.snap = monitor.Snapshot{
		Running:       true,
		State:         "active",
		ChannelStatus: map[string]string{"alpha": "live"},
		OpenTabs:      1,
	}
	if err := config.SaveSettings(context.Background(), f.store, config.Settings{Channels: []string{"alpha"}, Delay: 120}); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	rr := f.do(httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp statusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Running || resp.ChannelStatus["alpha"] != "live" || resp.OpenTabs != 1 {
		t.Fatalf("unexpected status %+v", resp)
	}
	if !resp.HasToken || resp.BridgeConnected {
		t.Fatalf("unexpected token/bridge flags %+v", resp)
	}
	if resp.IntervalSeconds != 120 || len(resp.Channels) != 1 {
		t.Fatalf("unexpected settings view %+v", resp)
	}

	rr = f.do(httptest.NewRequest(http.MethodPost, "/status", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestSettingsGetDefaults(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(httptest.NewRequest(http.MethodGet, "/settings", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var s config.Settings
	if err := json.NewDecoder(rr.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Delay != config.DefaultDelay || !s.ShowOverlay || s.Channels == nil {
		t.Fatalf("unexpected defaults %+v", s)
	}
}

func TestSettingsPutMergesAndNotifies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := config.SaveSettings(ctx, f.store, config.Settings{Channels: []string{"alpha"}, Delay: 300, Mute: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader(`{"channels":["Beta","beta","gamma_1"],"delay":90}`))
	rr := f.do(req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d, body=%s", rr.Code, rr.Body.String())
	}

	s, err := config.LoadSettings(ctx, f.store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(s.Channels) != 2 || s.Channels[0] != "beta" || s.Channels[1] != "gamma_1" {
		t.Fatalf("unexpected channels %v", s.Channels)
	}
	if s.Delay != 90 || !s.Mute {
		t.Fatalf("expected delay 90 with mute kept, got %+v", s)
	}
	if len(f.actions.cmds) != 1 {
		t.Fatalf("expected one configUpdated dispatch, got %d", len(f.actions.cmds))
	}
	if _, ok := f.actions.cmds[0].(*actions.ConfigUpdated); !ok {
		t.Fatalf("unexpected command %T", f.actions.cmds[0])
	}
}

func TestSettingsPutRejectsInvalid(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{"channels":`, http.StatusBadRequest},
		{"bad channel", `{"channels":["no spaces allowed"]}`, http.StatusBadRequest},
		{"delay too short", `{"delay":10}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader(tt.body)))
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
		})
	}
	if len(f.actions.cmds) != 0 {
		t.Fatal("rejected settings must not trigger a reload")
	}
}

func TestSettingsPutStorageFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.FailWrites = errors.New("disk full")

	rr := f.do(httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader(`{"channels":["alpha"]}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestSettingsWriteRequiresAuth(t *testing.T) {
	f := newFixture(t, &config.Config{AdminToken: "s3cret"})

	rr := f.do(httptest.NewRequest(http.MethodGet, "/settings", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET should stay open, got %d", rr.Code)
	}
	rr = f.do(httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader(`{"delay":120}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader(`{"delay":120}`))
	req.Header.Set("X-Admin-Token", "s3cret")
	if rr = f.do(req); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with token, got %d", rr.Code)
	}
}

func TestActionEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(httptest.NewRequest(http.MethodPost, "/api/action", strings.NewReader(`{"action":"getStatus"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"success":true}` {
		t.Fatalf("unexpected body %s", got)
	}
	if len(f.actions.raws) != 1 || f.actions.raws[0] != `{"action":"getStatus"}` {
		t.Fatalf("unexpected forwarded messages %v", f.actions.raws)
	}

	rr = f.do(httptest.NewRequest(http.MethodGet, "/api/action", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	rr = f.do(httptest.NewRequest(http.MethodPost, "/api/action", strings.NewReader(`not json`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestActionEndpointRateLimited(t *testing.T) {
	f := newFixture(t, &config.Config{RateLimitEnabled: true, RateLimitPerSecond: 0.001, RateLimitBurst: 2})

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/action", strings.NewReader(`{"action":"getStatus"}`))
		req.RemoteAddr = "192.0.2.10:4000"
		last = f.do(req).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected third request to be limited, got %d", last)
	}
}

func TestCORSPreflightThroughMux(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")

	rr := f.do(req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	for _, h := range []string{"Access-Control-Allow-Origin", "Access-Control-Allow-Methods", "Access-Control-Allow-Headers"} {
		if rr.Header().Get(h) == "" {
			t.Errorf("missing CORS header: %s", h)
		}
	}
}

func TestBridgeUpgradeThroughMiddleware(t *testing.T) {
	hub := bridge.NewHub(bridge.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := NewMux(ctx, &config.Config{AdminToken: "s3cret"}, Deps{
		Store:   store.NewMemory(),
		Monitor: &fakeStatus{},
		Tokens:  &fakeTokens{},
		Actions: &recordingActions{},
		Bridge:  hub,
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/bridge"

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected unauthenticated dial to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=s3cret", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !hub.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("hub never saw the connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
