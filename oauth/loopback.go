package oauth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// ErrFlowInProgress is returned when a second loopback flow is started.
var ErrFlowInProgress = errors.New("authorization already in progress")

// callbackPage forwards the URL fragment, which never reaches the server, back
// to the daemon.
const callbackPage = `<!doctype html>
<html><body><p id="s">Completing sign-in...</p>
<script>
fetch(location.pathname, {method: "POST", body: location.href})
  .then(r => { document.getElementById("s").textContent = r.ok ? "Signed in. You can close this tab." : "Sign-in failed."; });
</script></body></html>`

// LoopbackAuthorizer completes the implicit grant in any browser. The daemon
// serves it at the redirect URI; the user opens the logged authorize URL.
type LoopbackAuthorizer struct {
	// Open, if set, launches a browser for the authorize URL.
	Open func(url string) error

	mu      sync.Mutex
	waiting chan string
}

func (l *LoopbackAuthorizer) Authorize(ctx context.Context, authURL string) (string, error) {
	ch := make(chan string, 1)
	l.mu.Lock()
	if l.waiting != nil {
		l.mu.Unlock()
		return "", ErrFlowInProgress
	}
	l.waiting = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.waiting = nil
		l.mu.Unlock()
	}()

	slog.Info("open the authorization URL in a browser to continue", slog.String("url", authURL), slog.String("component", "oauth"))
	if l.Open != nil {
		if err := l.Open(authURL); err != nil {
			return "", err
		}
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case redirect := <-ch:
		return redirect, nil
	}
}

// ServeHTTP serves the callback page (GET) and receives the forwarded redirect (POST).
func (l *LoopbackAuthorizer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, callbackPage)
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 8192))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		l.mu.Lock()
		ch := l.waiting
		l.mu.Unlock()
		if ch == nil {
			http.Error(w, "no authorization in progress", http.StatusConflict)
			return
		}
		select {
		case ch <- string(body):
		default:
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
