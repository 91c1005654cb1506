package oauth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLoopbackAuthorizer(t *testing.T) {
	l := &LoopbackAuthorizer{}
	srv := httptest.NewServer(l)
	defer srv.Close()

	opened := make(chan string, 1)
	l.Open = func(u string) error { opened <- u; return nil }

	done := make(chan string, 1)
	go func() {
		r, err := l.Authorize(context.Background(), "https://id.twitch.tv/oauth2/authorize?state=s")
		if err != nil {
			t.Errorf("Authorize() error = %v", err)
		}
		done <- r
	}()
	<-opened

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(page), "location.href") {
		t.Fatalf("callback page = %s", page)
	}

	redirect := "http://127.0.0.1/auth/callback#access_token=abc&state=s"
	resp, err = http.Post(srv.URL, "text/plain", strings.NewReader(redirect))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	select {
	case got := <-done:
		if got != redirect {
			t.Errorf("redirect = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Authorize did not return")
	}
}

func TestLoopbackAuthorizerNoFlow(t *testing.T) {
	srv := httptest.NewServer(&LoopbackAuthorizer{})
	defer srv.Close()
	resp, err := http.Post(srv.URL, "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestLoopbackAuthorizerCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := (&LoopbackAuthorizer{}).Authorize(ctx, "https://example")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
