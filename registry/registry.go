// Package registry tracks the tab or window opened for each live channel. It
// holds at most one artifact per channel and repairs itself when artifacts
// disappear without the registry closing them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/channel-warden/host"
	"github.com/onnwee/channel-warden/telemetry"
)

// closeConcurrency bounds parallel closes during CloseAll.
const closeConcurrency = 8

// ChannelURL is the page opened for a channel.
func ChannelURL(channel string) string { return "https://www.twitch.tv/" + channel }

// OpenError reports that no artifact could be allocated for a channel.
type OpenError struct {
	Channel string
	Err     error
}

func (e *OpenError) Error() string { return fmt.Sprintf("open %s: %v", e.Channel, e.Err) }
func (e *OpenError) Unwrap() error { return e.Err }

// CloseError reports a failure removing an artifact. The entry is gone regardless.
type CloseError struct {
	Channel  string
	Artifact host.Artifact
	Err      error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %s (%s): %v", e.Channel, e.Artifact, e.Err)
}
func (e *CloseError) Unwrap() error { return e.Err }

// Effects are applied to a newly opened artifact.
type Effects struct {
	Mute     bool
	Minimize bool
	Maximize bool
}

// Entry links a channel to its artifact.
type Entry struct {
	Channel  string        `json:"channel"`
	Artifact host.Artifact `json:"artifact"`
	OpenedAt time.Time     `json:"openedAt"`
}

// Registry is safe for concurrent use.
type Registry struct {
	host host.Host

	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// New returns an empty registry backed by h.
func New(h host.Host) *Registry {
	return &Registry{host: h, entries: make(map[string]Entry), now: time.Now}
}

func key(channel string) string { return strings.ToLower(channel) }

// Get returns the entry for channel.
func (r *Registry) Get(channel string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key(channel)]
	return e, ok
}

// Has reports whether channel has an entry.
func (r *Registry) Has(channel string) bool {
	_, ok := r.Get(channel)
	return ok
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a copy of every entry, sorted by channel.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (r *Registry) take(channel string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key(channel)]
	if ok {
		delete(r.entries, key(channel))
		telemetry.SetOpenArtifacts(len(r.entries))
	}
	return e, ok
}

// Open allocates one artifact for channel unless it already has one. Effects
// are best effort: a failed mute or minimize is logged but the entry is kept.
func (r *Registry) Open(ctx context.Context, channel string, mode host.Kind, eff Effects) (_ Entry, err error) {
	channel = key(channel)
	if e, ok := r.Get(channel); ok {
		return e, nil
	}
	ctx, span := telemetry.StartArtifactSpan(ctx, "open", channel)
	defer func() { telemetry.EndSpan(span, err) }()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", channel), slog.String("component", "registry"))

	req := host.OpenRequest{URL: ChannelURL(channel), Kind: mode, Focused: !eff.Minimize}
	if mode == host.KindWindow {
		req.Width, req.Height = 1200, 800
	}
	a, err := r.host.Open(ctx, req)
	if err != nil {
		telemetry.IncArtifactOp("open", "error")
		return Entry{}, &OpenError{Channel: channel, Err: err}
	}

	if mode == host.KindWindow {
		var state host.WindowState
		switch {
		case eff.Minimize:
			state = host.WindowMinimized
		case eff.Maximize:
			state = host.WindowMaximized
		}
		if state != "" {
			if err := r.host.SetWindowState(ctx, a.ID, state); err != nil {
				log.Warn("failed to set window state", slog.String("state", string(state)), slog.Any("err", err))
			}
		}
	}
	if eff.Mute && a.TabID != 0 {
		if err := r.host.Mute(ctx, a.TabID); err != nil {
			log.Warn("failed to mute tab", slog.Int("tab_id", a.TabID), slog.Any("err", err))
		}
	}

	e := Entry{Channel: channel, Artifact: a, OpenedAt: r.now()}
	r.mu.Lock()
	if existing, dup := r.entries[channel]; dup {
		r.mu.Unlock()
		// Lost a race with a concurrent Open; keep the first artifact.
		if err := r.host.Remove(ctx, a); err != nil && !errors.Is(err, host.ErrNotFound) {
			log.Warn("failed to remove duplicate artifact", slog.String("artifact", a.String()), slog.Any("err", err))
		}
		return existing, nil
	}
	r.entries[channel] = e
	telemetry.SetOpenArtifacts(len(r.entries))
	r.mu.Unlock()

	telemetry.IncArtifactOp("open", "success")
	log.Info(fmt.Sprintf("%s for %s opened", mode, channel), slog.Int("id", a.ID))
	return e, nil
}

// Close removes channel's artifact and entry. Closing a channel without an
// entry, or whose artifact is already gone, succeeds. The entry is removed
// even when the host fails to close the artifact.
func (r *Registry) Close(ctx context.Context, channel string) (err error) {
	e, ok := r.take(channel)
	if !ok {
		return nil
	}
	ctx, span := telemetry.StartArtifactSpan(ctx, "close", e.Channel)
	defer func() { telemetry.EndSpan(span, err) }()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", e.Channel), slog.String("component", "registry"))

	exists, err := r.host.Exists(ctx, e.Artifact)
	if err == nil && !exists {
		telemetry.IncArtifactOp("close", "gone")
		log.Info("artifact already closed", slog.String("artifact", e.Artifact.String()))
		return nil
	}
	if err := r.host.Remove(ctx, e.Artifact); err != nil {
		if errors.Is(err, host.ErrNotFound) {
			telemetry.IncArtifactOp("close", "gone")
			return nil
		}
		telemetry.IncArtifactOp("close", "error")
		return &CloseError{Channel: e.Channel, Artifact: e.Artifact, Err: err}
	}
	telemetry.IncArtifactOp("close", "success")
	log.Info(fmt.Sprintf("%s for %s closed", e.Artifact.Kind, e.Channel), slog.Int("id", e.Artifact.ID))
	return nil
}

// ReconcileAgainstLiveHandles drops entries whose artifact id is not in the
// live set for its kind and returns the affected channels.
func (r *Registry) ReconcileAgainstLiveHandles(live map[host.Kind]map[int]bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for ch, e := range r.entries {
		if !live[e.Artifact.Kind][e.Artifact.ID] {
			delete(r.entries, ch)
			removed = append(removed, ch)
		}
	}
	telemetry.SetOpenArtifacts(len(r.entries))
	sort.Strings(removed)
	return removed
}

// Sweep enumerates the host's open tabs and windows and reconciles against them.
// Nothing is removed when enumeration fails.
func (r *Registry) Sweep(ctx context.Context) ([]string, error) {
	kinds := map[host.Kind]bool{}
	for _, e := range r.Snapshot() {
		kinds[e.Artifact.Kind] = true
	}
	if len(kinds) == 0 {
		return nil, nil
	}
	live := make(map[host.Kind]map[int]bool, len(kinds))
	for kind := range kinds {
		ids, err := r.host.List(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("list %ss: %w", kind, err)
		}
		set := make(map[int]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		live[kind] = set
	}
	removed := r.ReconcileAgainstLiveHandles(live)
	for _, ch := range removed {
		telemetry.LoggerWithCorr(ctx).Info("removed stale registry entry", slog.String("channel", ch), slog.String("component", "registry"))
	}
	return removed, nil
}

func (r *Registry) removeWhere(match func(Entry) bool) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch, e := range r.entries {
		if match(e) {
			delete(r.entries, ch)
			telemetry.SetOpenArtifacts(len(r.entries))
			return ch, true
		}
	}
	return "", false
}

// HandleTabRemoved drops the tab entry for a tab the user closed.
func (r *Registry) HandleTabRemoved(tabID int) (string, bool) {
	return r.removeWhere(func(e Entry) bool {
		return e.Artifact.Kind == host.KindTab && e.Artifact.ID == tabID
	})
}

// HandleWindowRemoved drops the window entry for a window the user closed.
func (r *Registry) HandleWindowRemoved(windowID int) (string, bool) {
	return r.removeWhere(func(e Entry) bool {
		return e.Artifact.Kind == host.KindWindow && e.Artifact.ID == windowID
	})
}

// CloseAll closes every entry in parallel. Individual failures are logged and
// returned joined; the registry is empty afterwards either way.
func (r *Registry) CloseAll(ctx context.Context) error {
	entries := r.Snapshot()
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(closeConcurrency)
	for _, e := range entries {
		g.Go(func() error {
			if err := r.Close(gctx, e.Channel); err != nil {
				telemetry.LoggerWithCorr(ctx).Warn("close failed during teardown", slog.String("channel", e.Channel), slog.Any("err", err), slog.String("component", "registry"))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	clear(r.entries)
	telemetry.SetOpenArtifacts(0)
	r.mu.Unlock()
	return errors.Join(errs...)
}
