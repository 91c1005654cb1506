package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onnwee/channel-warden/store"
)

const (
	// DefaultDelay is the polling interval used when none is configured.
	DefaultDelay = 300
	// MinDelay is the shortest allowed polling interval in seconds.
	MinDelay = 60
)

var channelPattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,25}$`)

// ValidateChannel reports whether name is a well-formed channel login.
func ValidateChannel(name string) bool { return channelPattern.MatchString(name) }

// Settings is the user-editable runtime configuration held in the store.
type Settings struct {
	Channels        []string `json:"channels" yaml:"channels"`
	Delay           int      `json:"delay" yaml:"delay"`
	SeparateWindow  bool     `json:"separateWindow" yaml:"separateWindow"`
	Mute            bool     `json:"mute" yaml:"mute"`
	Minimize        bool     `json:"minimize" yaml:"minimize"`
	Maximize        bool     `json:"maximize" yaml:"maximize"`
	DetailedLogging bool     `json:"detailedLogging" yaml:"detailedLogging"`
	ShowOverlay     bool     `json:"showOverlay" yaml:"showOverlay"`
	Autostart       bool     `json:"autostart" yaml:"autostart"`
}

// DefaultSettings mirrors a fresh install: no channels, five minute polling,
// overlay and autostart on.
func DefaultSettings() Settings {
	return Settings{Delay: DefaultDelay, ShowOverlay: true, Autostart: true}
}

// Interval returns the polling interval, never shorter than MinDelay.
func (s Settings) Interval() time.Duration {
	d := s.Delay
	if d <= 0 {
		d = DefaultDelay
	}
	if d < MinDelay {
		d = MinDelay
	}
	return time.Duration(d) * time.Second
}

// NormalizeChannels lower-cases, trims and de-duplicates names, dropping empties.
// Order of first appearance is kept.
func NormalizeChannels(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || slices.Contains(out, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Validate checks an edited Settings value before it is saved.
func (s Settings) Validate() error {
	var errs []error
	var bad []string
	for _, c := range s.Channels {
		if !ValidateChannel(strings.TrimSpace(c)) {
			bad = append(bad, c)
		}
	}
	if len(bad) > 0 {
		errs = append(errs, fmt.Errorf("invalid channel names: %s", strings.Join(bad, ", ")))
	}
	if s.Delay < MinDelay {
		errs = append(errs, fmt.Errorf("minimal delay: %d seconds", MinDelay))
	}
	if s.SeparateWindow && s.Minimize && s.Maximize {
		errs = append(errs, errors.New("cannot enable both minimize and maximize for separate windows"))
	}
	return errors.Join(errs...)
}

// LoadSettings reads every settings key from st, falling back to defaults for
// absent keys. Channel names are normalized and invalid ones dropped.
func LoadSettings(ctx context.Context, st store.Store) (Settings, error) {
	s := DefaultSettings()
	fields := []struct {
		key string
		dst any
	}{
		{store.KeyChannels, &s.Channels},
		{store.KeyDelay, &s.Delay},
		{store.KeySeparateWindow, &s.SeparateWindow},
		{store.KeyMute, &s.Mute},
		{store.KeyMinimize, &s.Minimize},
		{store.KeyMaximize, &s.Maximize},
		{store.KeyDetailedLogging, &s.DetailedLogging},
		{store.KeyShowOverlay, &s.ShowOverlay},
		{store.KeyAutostart, &s.Autostart},
	}
	for _, f := range fields {
		if _, err := store.GetJSON(ctx, st, f.key, f.dst); err != nil {
			return s, err
		}
	}
	valid := s.Channels[:0]
	for _, c := range NormalizeChannels(s.Channels) {
		if ValidateChannel(c) {
			valid = append(valid, c)
		}
	}
	s.Channels = valid
	return s, nil
}

// SaveSettings validates s and writes each key. Unchanged keys are rewritten too,
// which is harmless because subscribers compare old and new values.
func SaveSettings(ctx context.Context, st store.Store, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.Channels = NormalizeChannels(s.Channels)
	values := []struct {
		key string
		v   any
	}{
		{store.KeyChannels, s.Channels},
		{store.KeyDelay, s.Delay},
		{store.KeySeparateWindow, s.SeparateWindow},
		{store.KeyMute, s.Mute},
		{store.KeyMinimize, s.Minimize},
		{store.KeyMaximize, s.Maximize},
		{store.KeyDetailedLogging, s.DetailedLogging},
		{store.KeyShowOverlay, s.ShowOverlay},
		{store.KeyAutostart, s.Autostart},
	}
	for _, kv := range values {
		if err := store.SetJSON(ctx, st, kv.key, kv.v); err != nil {
			return err
		}
	}
	return nil
}

// LoadSettingsFile parses a YAML settings file. Missing fields take defaults.
func LoadSettingsFile(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings file: %w", err)
	}
	return s, nil
}

// SeedSettings writes the YAML file at path into st when no channel list is
// stored yet. It reports whether the store was seeded.
func SeedSettings(ctx context.Context, st store.Store, path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if _, ok, err := st.Get(ctx, store.KeyChannels); err != nil || ok {
		return false, err
	}
	s, err := LoadSettingsFile(path)
	if err != nil {
		return false, err
	}
	if err := SaveSettings(ctx, st, s); err != nil {
		return false, err
	}
	return true, nil
}
