package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/channel-warden/events"
	"github.com/onnwee/channel-warden/store"
)

func TestLogRingCapsAndEvictsOldest(t *testing.T) {
	r := NewLogRing(nil, nil)
	for i := 0; i < MaxLogEntries+5; i++ {
		r.Append(LogEntry{Level: "info", Message: fmt.Sprintf("m%d", i)})
	}
	got := r.Entries()
	if len(got) != MaxLogEntries {
		t.Fatalf("len = %d, want %d", len(got), MaxLogEntries)
	}
	if got[0].Message != "m5" || got[len(got)-1].Message != fmt.Sprintf("m%d", MaxLogEntries+4) {
		t.Errorf("first=%s last=%s", got[0].Message, got[len(got)-1].Message)
	}
}

func TestLogRingFlushAndLoad(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := NewLogRing(st, nil)
	r.Append(LogEntry{Timestamp: time.Unix(1, 0).UTC(), Level: "info", Message: "hello"})
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	restored := NewLogRing(st, nil)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if e := restored.Entries(); len(e) != 1 || e[0].Message != "hello" {
		t.Fatalf("restored = %+v", e)
	}
}

func TestRingHandler(t *testing.T) {
	var buf bytes.Buffer
	rec := &events.Recorder{}
	ring := NewLogRing(nil, rec)
	logger := slog.New(NewRingHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}), ring))

	logger.With(slog.String("component", "monitor")).Info("channel status", slog.String("channel", "abc"))
	logger.Warn("retrying")
	logger.Debug("hidden")

	entries := ring.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Message != "channel status channel=abc" || entries[0].Level != "info" {
		t.Errorf("entry0 = %+v", entries[0])
	}
	if entries[1].Level != "warning" {
		t.Errorf("entry1 level = %s", entries[1].Level)
	}
	if len(rec.Named(events.Log)) != 2 {
		t.Errorf("log events = %d", len(rec.Named(events.Log)))
	}
	if !strings.Contains(buf.String(), "component=monitor") {
		t.Errorf("wrapped handler output = %q", buf.String())
	}

	ring.SetDetailed(true)
	logger.Debug("now visible")
	entries = ring.Entries()
	if entries[len(entries)-1].Level != "debug" {
		t.Errorf("debug entry not recorded: %+v", entries[len(entries)-1])
	}
	if strings.Contains(buf.String(), "now visible") {
		t.Error("debug record leaked to info-level handler")
	}
}
