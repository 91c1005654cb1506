package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/onnwee/channel-warden/actions"
	"github.com/onnwee/channel-warden/config"
	"github.com/onnwee/channel-warden/monitor"
	"github.com/onnwee/channel-warden/store"
)

type fakeStatus struct{ snap monitor.Snapshot }

func (f *fakeStatus) Snapshot() monitor.Snapshot { return f.snap }

type fakeTokens struct{ has bool }

func (f *fakeTokens) HasToken(context.Context) bool { return f.has }

type recordingActions struct {
	mu   sync.Mutex
	raws []string
	cmds []actions.Command
}

func (r *recordingActions) Handle(_ context.Context, raw []byte) actions.Result {
	r.mu.Lock()
	r.raws = append(r.raws, string(raw))
	r.mu.Unlock()
	return actions.Ack{Success: true}
}

func (r *recordingActions) Dispatch(_ context.Context, cmd actions.Command) actions.Result {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()
	return actions.Ack{Success: true}
}

type fixture struct {
	store   *store.Memory
	status  *fakeStatus
	tokens  *fakeTokens
	actions *recordingActions
	handler http.Handler
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{RateLimitEnabled: false}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f := &fixture{
		store:   store.NewMemory(),
		status:  &fakeStatus{},
		tokens:  &fakeTokens{has: true},
		actions: &recordingActions{},
	}
	f.handler = NewMux(ctx, cfg, Deps{
		Store:   f.store,
		Monitor: f.status,
		Tokens:  f.tokens,
		Actions: f.actions,
		Version: "test",
	})
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("expected a correlation id header")
	}
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")

	rr := f.do(req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, http.NewServeMux(), "127.0.0.1:0") }()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}
