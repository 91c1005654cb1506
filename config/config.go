// Package config loads process configuration from the environment and the
// runtime Settings (channel list, polling interval, window behaviour) from the
// shared store. Defaults let the daemon run locally with only TWITCH_CLIENT_ID set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Auth flow implementations selectable with AUTH_FLOW.
const (
	AuthFlowBridge   = "bridge"
	AuthFlowLoopback = "loopback"
)

// DefaultClaimPoints is the base reward value credited per successful claim.
const DefaultClaimPoints = 50

type Config struct {
	// Twitch
	TwitchClientID    string
	TwitchUserID      string
	TwitchRedirectURI string
	TwitchScopes      string
	AuthFlow          string

	// Storage
	DBDsn         string
	DataDir       string
	EncryptionKey string
	SettingsFile  string

	// HTTP surface
	HTTPAddr             string
	AdminToken           string
	AdminUsername        string
	AdminPassword        string
	RateLimitEnabled     bool
	RateLimitPerSecond   float64
	RateLimitBurst       int
	BridgeRequestTimeout time.Duration

	// Rewards
	ClaimPoints int
}

// Load reads environment variables and applies defaults. It does not require
// TWITCH_CLIENT_ID; use ValidateAuthReady before starting monitoring.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchUserID = os.Getenv("TWITCH_USER_ID")
	cfg.TwitchScopes = os.Getenv("TWITCH_SCOPES")
	if cfg.TwitchScopes == "" {
		cfg.TwitchScopes = "user:read:follows user:read:subscriptions"
	}
	cfg.AuthFlow = strings.ToLower(os.Getenv("AUTH_FLOW"))
	if cfg.AuthFlow == "" {
		cfg.AuthFlow = AuthFlowBridge
	}
	if cfg.AuthFlow != AuthFlowBridge && cfg.AuthFlow != AuthFlowLoopback {
		return nil, fmt.Errorf("invalid AUTH_FLOW %q (want %s or %s)", cfg.AuthFlow, AuthFlowBridge, AuthFlowLoopback)
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8787"
	}
	cfg.TwitchRedirectURI = os.Getenv("TWITCH_REDIRECT_URI")
	if cfg.TwitchRedirectURI == "" && cfg.AuthFlow == AuthFlowLoopback {
		cfg.TwitchRedirectURI = "http://" + cfg.HTTPAddr + "/auth/callback"
	}

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	cfg.DBDsn = os.Getenv("DB_DSN")
	if cfg.DBDsn == "" {
		cfg.DBDsn = cfg.DataDir + "/warden.db"
	}
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.SettingsFile = os.Getenv("SETTINGS_FILE")

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.RateLimitEnabled = os.Getenv("RATE_LIMIT_ENABLED") != "0"
	cfg.RateLimitPerSecond = 5
	if v := os.Getenv("RATE_LIMIT_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_SECOND %q", v)
		}
		cfg.RateLimitPerSecond = f
	}
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", 10)

	cfg.BridgeRequestTimeout = 10 * time.Second
	if v := os.Getenv("BRIDGE_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BRIDGE_REQUEST_TIMEOUT: %w", err)
		}
		cfg.BridgeRequestTimeout = d
	}

	cfg.ClaimPoints = envInt("CLAIM_POINTS", DefaultClaimPoints)
	return cfg, nil
}

// ValidateAuthReady checks the fields needed to talk to the Twitch API.
func (c *Config) ValidateAuthReady() error {
	if c.TwitchClientID == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID")
	}
	if c.TwitchRedirectURI == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_REDIRECT_URI")
	}
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
