package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/onnwee/channel-warden/store"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"TWITCH_SCOPES", "AUTH_FLOW", "HTTP_ADDR", "DB_DSN", "DATA_DIR", "CLAIM_POINTS", "BRIDGE_REQUEST_TIMEOUT", "TWITCH_REDIRECT_URI"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:8787" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.DBDsn != "data/warden.db" {
		t.Errorf("DBDsn = %q", cfg.DBDsn)
	}
	if cfg.ClaimPoints != DefaultClaimPoints {
		t.Errorf("ClaimPoints = %d", cfg.ClaimPoints)
	}
	if cfg.BridgeRequestTimeout != 10*time.Second {
		t.Errorf("BridgeRequestTimeout = %v", cfg.BridgeRequestTimeout)
	}
	if cfg.AuthFlow != AuthFlowBridge {
		t.Errorf("AuthFlow = %q", cfg.AuthFlow)
	}
}

func TestLoadLoopbackRedirectDefault(t *testing.T) {
	t.Setenv("AUTH_FLOW", "loopback")
	t.Setenv("HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("TWITCH_REDIRECT_URI", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TwitchRedirectURI != "http://127.0.0.1:9999/auth/callback" {
		t.Errorf("redirect = %q", cfg.TwitchRedirectURI)
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("AUTH_FLOW", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Error("expected error for unknown AUTH_FLOW")
	}
	t.Setenv("AUTH_FLOW", "")
	t.Setenv("BRIDGE_REQUEST_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Error("expected error for bad BRIDGE_REQUEST_TIMEOUT")
	}
}

func TestValidateAuthReady(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "")
	cfg, _ := Load()
	if err := cfg.ValidateAuthReady(); err == nil {
		t.Error("expected error when client id missing")
	}
	cfg.TwitchClientID = "cid"
	cfg.TwitchRedirectURI = "https://ext.example/cb"
	if err := cfg.ValidateAuthReady(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateChannel(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"abc", true},
		{"Some_Streamer99", true},
		{"ab", false},
		{"has space", false},
		{"way_too_long_channel_name_x", false},
		{"dash-name", false},
	}
	for _, tt := range tests {
		if got := ValidateChannel(tt.name); got != tt.ok {
			t.Errorf("ValidateChannel(%q) = %v, want %v", tt.name, got, tt.ok)
		}
	}
}

func TestSettingsInterval(t *testing.T) {
	cases := map[int]time.Duration{0: 300 * time.Second, 30: 60 * time.Second, 120: 120 * time.Second}
	for delay, want := range cases {
		if got := (Settings{Delay: delay}).Interval(); got != want {
			t.Errorf("Interval(%d) = %v, want %v", delay, got, want)
		}
	}
}

func TestSettingsValidate(t *testing.T) {
	ok := Settings{Channels: []string{"abc"}, Delay: 60}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := Settings{Channels: []string{"x"}, Delay: 10, SeparateWindow: true, Minimize: true, Maximize: true}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSaveAndLoadSettings(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s, err := LoadSettings(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s, DefaultSettings()) {
		t.Fatalf("fresh store settings = %+v", s)
	}
	in := Settings{Channels: []string{"Foo_Bar", "foo_bar", " baz "}, Delay: 90, Mute: true, ShowOverlay: true}
	if err := SaveSettings(ctx, st, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadSettings(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Channels, []string{"foo_bar", "baz"}) {
		t.Errorf("channels = %v", got.Channels)
	}
	if got.Delay != 90 || !got.Mute || got.Autostart {
		t.Errorf("settings = %+v", got)
	}
}

func TestSeedSettings(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	yml := "channels:\n  - alpha\n  - bravo\ndelay: 120\nseparateWindow: true\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	seeded, err := SeedSettings(ctx, st, path)
	if err != nil || !seeded {
		t.Fatalf("seed = %v, %v", seeded, err)
	}
	s, _ := LoadSettings(ctx, st)
	if len(s.Channels) != 2 || s.Delay != 120 || !s.SeparateWindow || !s.ShowOverlay {
		t.Errorf("seeded settings = %+v", s)
	}
	// A second seed must not overwrite user edits.
	_ = store.SetJSON(ctx, st, store.KeyChannels, []string{"charlie"})
	seeded, err = SeedSettings(ctx, st, path)
	if err != nil || seeded {
		t.Fatalf("reseed = %v, %v", seeded, err)
	}
}
