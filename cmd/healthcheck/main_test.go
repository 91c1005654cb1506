package main

import "testing"

func TestHealthURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"", "http://127.0.0.1:8787/healthz"},
		{":9000", "http://127.0.0.1:9000/healthz"},
		{"0.0.0.0:8787", "http://0.0.0.0:8787/healthz"},
	}
	for _, tt := range tests {
		t.Setenv("HTTP_ADDR", tt.addr)
		if got := healthURL(); got != tt.want {
			t.Errorf("HTTP_ADDR=%q: got %q want %q", tt.addr, got, tt.want)
		}
	}
}
