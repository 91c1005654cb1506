package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/channel-warden/events"
	"github.com/onnwee/channel-warden/host"
	"github.com/onnwee/channel-warden/overlay"
	"github.com/onnwee/channel-warden/registry"
	"github.com/onnwee/channel-warden/store"
	"github.com/onnwee/channel-warden/twitchapi"
)

type harness struct {
	st      *store.Memory
	host    *host.Fake
	reg     *registry.Registry
	tokens  *fakeTokens
	streams *fakeStreams
	events  *events.Recorder
	sup     *Supervisor
}

func newHarness(t *testing.T, channels []string, fn func(call int) (map[string]twitchapi.Stream, error)) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		st:      store.NewMemory(),
		host:    host.NewFake(),
		tokens:  &fakeTokens{},
		streams: &fakeStreams{fn: fn},
		events:  &events.Recorder{},
	}
	if err := store.SetJSON(ctx, h.st, store.KeyChannels, channels); err != nil {
		t.Fatal(err)
	}
	h.reg = registry.New(h.host)
	h.sup = New(Options{
		Store:     h.st,
		Poller:    &Poller{Tokens: h.tokens, Streams: h.streams},
		Registry:  h.reg,
		Overlay:   overlay.New(h.host, h.st),
		Publisher: h.events,
		RetryBase: time.Millisecond,
	})
	t.Cleanup(func() { h.sup.Suspend(ctx) })
	return h
}

func (h *harness) persistStatus(t *testing.T, status map[string]string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := store.SetJSON(ctx, h.st, store.KeyChannelStatus, status); err != nil {
		t.Fatal(err)
	}
	if err := store.SetJSON(ctx, h.st, store.KeyLastStatusUpdate, at.UnixMilli()); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) gen() uint64 {
	h.sup.mu.Lock()
	defer h.sup.mu.Unlock()
	return h.sup.gen
}

func live(logins ...string) func(int) (map[string]twitchapi.Stream, error) {
	return func(int) (map[string]twitchapi.Stream, error) { return liveSet(logins...), nil }
}

func TestStartOpensAndClosesPerTransition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a", "b"}, live("a"))
	h.persistStatus(t, map[string]string{"a": StatusOffline, "b": StatusLive}, time.Now())
	if _, err := h.reg.Open(ctx, "b", host.KindTab, registry.Effects{}); err != nil {
		t.Fatal(err)
	}

	h.sup.Start(ctx)

	if h.sup.State() != Active {
		t.Fatalf("state = %v, want active", h.sup.State())
	}
	if !h.reg.Has("a") || h.reg.Has("b") {
		t.Errorf("registry = %+v", h.reg.Snapshot())
	}
	if len(h.host.Removed) != 1 {
		t.Errorf("removed = %+v", h.host.Removed)
	}
	want := map[string]string{"a": StatusLive, "b": StatusOffline}
	var persisted map[string]string
	if _, err := store.GetJSON(ctx, h.st, store.KeyChannelStatus, &persisted); err != nil {
		t.Fatal(err)
	}
	for ch, s := range want {
		if persisted[ch] != s || h.sup.ChannelStatus()[ch] != s {
			t.Errorf("status[%s] persisted=%q memory=%q, want %q", ch, persisted[ch], h.sup.ChannelStatus()[ch], s)
		}
	}
	var active bool
	_, _ = store.GetJSON(ctx, h.st, store.KeyMonitoringActive, &active)
	if !active {
		t.Error("monitoringActive not persisted")
	}
	if got := h.events.Named(events.StatusChanged); len(got) != 1 || !got[0].Payload.(StatusEvent).IsRunning {
		t.Errorf("status events = %+v", got)
	}
}

func TestUnauthorizedCycleRetriedOnce(t *testing.T) {
	h := newHarness(t, []string{"a"}, func(call int) (map[string]twitchapi.Stream, error) {
		if call == 1 {
			return nil, &twitchapi.APIError{Status: 401, Body: "invalid oauth token"}
		}
		return liveSet("a"), nil
	})
	h.sup.Start(context.Background())

	if calls := h.streams.Calls(); calls != 2 {
		t.Fatalf("stream calls = %d, want 2", calls)
	}
	if inv, ref := h.tokens.counts(); inv != 1 || ref != 1 {
		t.Errorf("invalidated=%d refreshed=%d", inv, ref)
	}
	if !h.reg.Has("a") {
		t.Error("retried cycle did not open the live channel")
	}
}

func TestRetryBudgetExhaustedKeepsMonitoring(t *testing.T) {
	h := newHarness(t, []string{"a"}, func(int) (map[string]twitchapi.Stream, error) {
		return nil, &twitchapi.APIError{Status: 503, Body: "unavailable"}
	})
	h.sup.Start(context.Background())

	if calls := h.streams.Calls(); calls != DefaultMaxAttempts {
		t.Errorf("stream calls = %d, want %d", calls, DefaultMaxAttempts)
	}
	if !h.sup.Running() {
		t.Error("supervisor stopped after exhausting retries")
	}
	h.streams.set(live("a"))
	h.sup.tick(context.Background(), h.gen())
	if !h.reg.Has("a") {
		t.Error("next tick did not get a fresh retry budget")
	}
}

func TestStatusWrittenOncePerCycle(t *testing.T) {
	h := newHarness(t, []string{"a", "b", "c"}, live("a", "c"))
	h.sup.Start(context.Background())

	var writes atomic.Int32
	cancel := h.st.Subscribe(func(c store.Change) {
		if c.Key == store.KeyChannelStatus {
			writes.Add(1)
		}
	})
	defer cancel()
	h.streams.set(live("b"))
	h.sup.tick(context.Background(), h.gen())

	if n := writes.Load(); n != 1 {
		t.Errorf("channelStatus written %d times in one cycle", n)
	}
	want := map[string]string{"a": StatusOffline, "b": StatusLive, "c": StatusOffline}
	got := h.sup.ChannelStatus()
	for ch, s := range want {
		if got[ch] != s {
			t.Errorf("status[%s] = %q, want %q", ch, got[ch], s)
		}
	}
}

func TestStaleStatusDiscarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a"}, live())

	h.persistStatus(t, map[string]string{"a": StatusLive}, time.Now().Add(-11*time.Minute))
	if got := h.sup.loadStatus(ctx); len(got) != 0 {
		t.Errorf("stale status = %v, want empty", got)
	}
	h.persistStatus(t, map[string]string{"a": StatusLive}, time.Now().Add(-time.Minute))
	if got := h.sup.loadStatus(ctx); got["a"] != StatusLive {
		t.Errorf("fresh status = %v", got)
	}
}

func TestFirstCheckDoesNotDuplicateSurvivingTab(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a", "b"}, live("a", "b"))
	h.persistStatus(t, map[string]string{"a": StatusLive, "b": StatusLive}, time.Now())
	if _, err := h.reg.Open(ctx, "a", host.KindTab, registry.Effects{}); err != nil {
		t.Fatal(err)
	}
	h.sup.Start(ctx)

	if len(h.host.Opened) != 2 {
		t.Errorf("host opens = %d, want 2 (a before start, b on first check)", len(h.host.Opened))
	}
	h.sup.tick(ctx, h.gen())
	if len(h.host.Opened) != 2 {
		t.Error("live channel reopened on a later cycle")
	}
}

func TestOverlappingTickDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a"}, live())
	h.sup.Start(ctx)
	before := h.streams.Calls()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.streams.set(func(int) (map[string]twitchapi.Stream, error) {
		once.Do(func() { close(entered) })
		<-release
		return liveSet("a"), nil
	})
	done := make(chan struct{})
	go func() {
		h.sup.tick(ctx, h.gen())
		close(done)
	}()
	<-entered
	h.sup.tick(ctx, h.gen())
	close(release)
	<-done

	if calls := h.streams.Calls() - before; calls != 1 {
		t.Errorf("stream calls during overlap = %d, want 1", calls)
	}
	if len(h.host.Opened) != 1 {
		t.Errorf("host opens = %d, want 1", len(h.host.Opened))
	}
}

// countingSubs counts subscription lookups.
type countingSubs struct{ calls atomic.Int32 }

func (c *countingSubs) GetUserSubscription(context.Context, string, string, string) (*twitchapi.Subscription, error) {
	c.calls.Add(1)
	return &twitchapi.Subscription{Tier: "3000"}, nil
}

func TestStopDiscardsInFlightCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a"}, live())
	subs := &countingSubs{}
	h.sup.opts.Enricher = &Enricher{Subs: subs, Users: stubUser("viewer"), Ledger: &recordingSink{}}
	h.sup.Start(ctx)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.streams.set(func(int) (map[string]twitchapi.Stream, error) {
		once.Do(func() { close(entered) })
		<-release
		return liveSet("a"), nil
	})
	done := make(chan struct{})
	go func() {
		h.sup.tick(ctx, h.gen())
		close(done)
	}()
	<-entered
	h.sup.Stop(ctx)
	close(release)
	<-done

	if h.reg.Len() != 0 || len(h.host.Opened) != 0 {
		t.Errorf("side effects applied after stop: opened=%d", len(h.host.Opened))
	}
	var streams []twitchapi.Stream
	if _, err := store.GetJSON(ctx, h.st, store.KeyLastLiveStreams, &streams); err != nil {
		t.Fatal(err)
	}
	if len(streams) != 0 {
		t.Errorf("live streams persisted after stop: %+v", streams)
	}
	if n := subs.calls.Load(); n != 0 {
		t.Errorf("enricher ran %d lookups after stop", n)
	}
}

// recordingSink accepts multipliers without persisting them.
type recordingSink struct {
	mu  sync.Mutex
	set map[string]float64
}

func (r *recordingSink) SetMultiplier(_ context.Context, channel string, m float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set == nil {
		r.set = map[string]float64{}
	}
	r.set[channel] = m
	return nil
}

func TestStopClosesEveryArtifact(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a", "b"}, live("a", "b"))
	h.sup.Start(ctx)
	if h.reg.Len() != 2 {
		t.Fatalf("registry len = %d", h.reg.Len())
	}

	h.sup.Stop(ctx)
	h.sup.Stop(ctx)

	if h.sup.State() != Inactive || h.reg.Len() != 0 {
		t.Errorf("state=%v registry=%d", h.sup.State(), h.reg.Len())
	}
	if len(h.host.Removed) != 2 {
		t.Errorf("removed = %d, want 2", len(h.host.Removed))
	}
	var active bool
	if _, err := store.GetJSON(ctx, h.st, store.KeyMonitoringActive, &active); err != nil || active {
		t.Errorf("monitoringActive = %v, %v", active, err)
	}
	if got := h.events.Named(events.StatusChanged); len(got) != 2 || got[1].Payload.(StatusEvent).IsRunning {
		t.Errorf("status events = %+v", got)
	}
}

func TestSuspendLeavesArtifactsOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a"}, live("a"))
	h.sup.Start(ctx)
	h.sup.Suspend(ctx)
	if h.sup.Running() {
		t.Error("still running after suspend")
	}
	if h.reg.Len() != 1 || len(h.host.Removed) != 0 {
		t.Error("suspend closed artifacts")
	}
}

func TestStartTwiceIsNoOp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a"}, live())
	h.sup.Start(ctx)
	h.sup.Start(ctx)
	if calls := h.streams.Calls(); calls != 1 {
		t.Errorf("stream calls = %d, want 1", calls)
	}
}

func TestDelayChangeRecreatesTimer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a"}, live())
	h.sup.Start(ctx)

	if err := store.SetJSON(ctx, h.st, store.KeyDelay, 120); err != nil {
		t.Fatal(err)
	}
	h.sup.mu.Lock()
	interval, starts := h.sup.interval, h.sup.timerStarts
	h.sup.mu.Unlock()
	if interval != 120*time.Second || starts != 2 {
		t.Errorf("interval=%v timer starts=%d", interval, starts)
	}

	// Below the minimum clamps to 60s.
	_ = store.SetJSON(ctx, h.st, store.KeyDelay, 5)
	h.sup.mu.Lock()
	interval = h.sup.interval
	h.sup.mu.Unlock()
	if interval != 60*time.Second {
		t.Errorf("interval = %v, want 60s", interval)
	}
}

func TestWatchdogRestartsLostTimer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"a"}, live())
	h.sup.Start(ctx)
	gen := h.gen()

	if h.sup.checkTimer(ctx, gen) {
		t.Fatal("restarted a healthy timer")
	}
	h.sup.mu.Lock()
	h.sup.pollCancel()
	done := h.sup.pollDone
	h.sup.mu.Unlock()
	<-done

	if !h.sup.checkTimer(ctx, gen) {
		t.Fatal("lost timer not restarted")
	}
	h.sup.mu.Lock()
	starts := h.sup.timerStarts
	h.sup.mu.Unlock()
	if starts != 2 {
		t.Errorf("timer starts = %d, want 2", starts)
	}
}

func TestEmptyChannelListSkipsPolling(t *testing.T) {
	h := newHarness(t, nil, live())
	h.sup.Start(context.Background())
	if h.streams.Calls() != 0 {
		t.Error("polled with no channels configured")
	}
}
