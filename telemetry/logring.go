package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/channel-warden/events"
	"github.com/onnwee/channel-warden/store"
)

// MaxLogEntries caps the persisted log ring buffer.
const MaxLogEntries = 1000

// LogEntry is one record of the persisted log stream shown by the log viewer.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// LogRing holds the most recent log entries and persists them under the logs key.
type LogRing struct {
	mu      sync.Mutex
	entries []LogEntry
	dirty   bool

	store    store.Store
	pub      events.Publisher
	detailed atomic.Bool
	wake     chan struct{}
}

// NewLogRing creates a ring persisting to st (which may be nil) and publishing
// each entry to pub.
func NewLogRing(st store.Store, pub events.Publisher) *LogRing {
	if pub == nil {
		pub = events.Nop{}
	}
	return &LogRing{store: st, pub: pub, wake: make(chan struct{}, 1)}
}

// Load restores previously persisted entries.
func (r *LogRing) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	var entries []LogEntry
	if _, err := store.GetJSON(ctx, r.store, store.KeyLogs, &entries); err != nil {
		return err
	}
	r.mu.Lock()
	r.entries = append(entries, r.entries...)
	r.trim()
	r.mu.Unlock()
	return nil
}

// SetDetailed toggles recording of debug entries.
func (r *LogRing) SetDetailed(on bool) { r.detailed.Store(on) }

// Append adds an entry, evicting the oldest beyond MaxLogEntries.
func (r *LogRing) Append(e LogEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.trim()
	r.dirty = true
	r.mu.Unlock()
	r.pub.Publish(events.Log, e)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *LogRing) trim() {
	if n := len(r.entries) - MaxLogEntries; n > 0 {
		r.entries = append(r.entries[:0:0], r.entries[n:]...)
	}
}

// Entries returns a copy of the buffer, oldest first.
func (r *LogRing) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.entries...)
}

// Flush persists the buffer if it changed since the last flush.
func (r *LogRing) Flush(ctx context.Context) error {
	r.mu.Lock()
	if !r.dirty || r.store == nil {
		r.mu.Unlock()
		return nil
	}
	snapshot := append([]LogEntry(nil), r.entries...)
	r.dirty = false
	r.mu.Unlock()
	if err := store.SetJSON(ctx, r.store, store.KeyLogs, snapshot); err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return err
	}
	return nil
}

// Run persists appended entries at most once per interval until ctx is done.
func (r *LogRing) Run(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			_ = r.Flush(context.WithoutCancel(ctx))
			return
		case <-r.wake:
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
		_ = r.Flush(context.WithoutCancel(ctx))
	}
}

// RingHandler tees records into a LogRing before passing them to the wrapped handler.
type RingHandler struct {
	next  slog.Handler
	ring  *LogRing
	attrs []slog.Attr
}

// NewRingHandler wraps next.
func NewRingHandler(next slog.Handler, ring *LogRing) *RingHandler {
	return &RingHandler{next: next, ring: ring}
}

func (h *RingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l) || (l < slog.LevelInfo && h.ring.detailed.Load())
}

func (h *RingHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= slog.LevelInfo || h.ring.detailed.Load() {
		h.ring.Append(LogEntry{Timestamp: rec.Time, Level: levelName(rec.Level), Message: h.message(rec)})
	}
	if h.next.Enabled(ctx, rec.Level) {
		return h.next.Handle(ctx, rec)
	}
	return nil
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RingHandler{next: h.next.WithAttrs(attrs), ring: h.ring, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	return &RingHandler{next: h.next.WithGroup(name), ring: h.ring, attrs: h.attrs}
}

// message renders the record text with its attributes for the log viewer.
func (h *RingHandler) message(rec slog.Record) string {
	var b strings.Builder
	b.WriteString(rec.Message)
	write := func(a slog.Attr) bool {
		if a.Key == "component" || a.Key == "corr" {
			return true
		}
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	rec.Attrs(write)
	return b.String()
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
