// Package testutil provides a mock Twitch server and database helpers shared
// by package tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/channel-warden/twitchapi"
)

// MockTwitchServer creates a test server that mocks Twitch Helix and id.twitch.tv responses
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle installs or replaces the handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.handlers[path] = h
	m.mu.Unlock()
}

// Hits returns how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockStreamsResponse answers /helix/streams with the given live streams,
// filtered by the requested user_login values.
func (m *MockTwitchServer) MockStreamsResponse(streams []twitchapi.Stream) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		wanted := map[string]bool{}
		for _, l := range r.URL.Query()["user_login"] {
			wanted[strings.ToLower(l)] = true
		}
		data := []twitchapi.Stream{}
		for _, s := range streams {
			if wanted[strings.ToLower(s.UserLogin)] {
				data = append(data, s)
			}
		}
		writeJSON(w, map[string]any{"data": data})
	})
}

// MockValidateResponse answers /oauth2/validate for the given user.
func (m *MockTwitchServer) MockValidateResponse(userID, login string) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, twitchapi.Validation{
			ClientID:  "test-client",
			Login:     login,
			UserID:    userID,
			Scopes:    []string{"user:read:subscriptions"},
			ExpiresIn: 3600,
		})
	})
}

// MockSubscriptionResponse answers /helix/subscriptions/user. Broadcasters
// missing from tiers get 404, which is Twitch's "not subscribed".
func (m *MockTwitchServer) MockSubscriptionResponse(tiers map[string]string) {
	m.Handle("/helix/subscriptions/user", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("broadcaster_id")
		tier, ok := tiers[id]
		if !ok {
			http.Error(w, `{"error":"Not Found","status":404}`, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"data": []twitchapi.Subscription{{BroadcasterID: id, Tier: tier}}})
	})
}

// MockStatus makes path answer with status and a short body.
func (m *MockTwitchServer) MockStatus(path string, status int) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(status), status)
	})
}

// Client returns a HelixClient whose requests are all routed to the mock.
func (m *MockTwitchServer) Client() *twitchapi.HelixClient {
	return &twitchapi.HelixClient{
		ClientID:   "test-client",
		HTTPClient: &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: m.URL}},
	}
}

// rewriteTransport redirects every request to the test server.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(strings.TrimPrefix(t.host, "http://"), "https://")
	return t.Transport.RoundTrip(req)
}
