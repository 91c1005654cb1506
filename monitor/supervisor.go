package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/channel-warden/config"
	"github.com/onnwee/channel-warden/events"
	"github.com/onnwee/channel-warden/host"
	"github.com/onnwee/channel-warden/overlay"
	"github.com/onnwee/channel-warden/registry"
	"github.com/onnwee/channel-warden/rewards"
	"github.com/onnwee/channel-warden/store"
	"github.com/onnwee/channel-warden/telemetry"
	"github.com/onnwee/channel-warden/twitchapi"
)

const (
	DefaultMaxAttempts      = 5
	DefaultRetryBase        = 5 * time.Second
	DefaultWatchdogInterval = 30 * time.Second
	DefaultSweepInterval    = 5 * time.Minute
	DefaultStaleAfter       = 10 * time.Minute
)

// State is the supervisor lifecycle state.
type State int32

const (
	Inactive State = iota
	Activating
	Active
)

func (s State) String() string {
	switch s {
	case Activating:
		return "activating"
	case Active:
		return "active"
	default:
		return "inactive"
	}
}

var errDiscarded = errors.New("cycle result discarded")

// OverlaySink receives the overlay payload after each cycle.
type OverlaySink interface {
	Broadcast(ctx context.Context, d overlay.Data) (int, error)
}

// Options wires a Supervisor. Poller, Registry and Store are required.
type Options struct {
	Store     store.Store
	Poller    *Poller
	Enricher  *Enricher
	Registry  *registry.Registry
	Ledger    *rewards.Ledger
	Overlay   OverlaySink
	Publisher events.Publisher

	MaxAttempts      int
	RetryBase        time.Duration
	WatchdogInterval time.Duration
	SweepInterval    time.Duration
	StaleAfter       time.Duration
	Now              func() time.Time
}

// StatusEvent is published on activation and deactivation.
type StatusEvent struct {
	IsRunning bool `json:"isRunning"`
}

// Snapshot is a read-only view for status queries.
type Snapshot struct {
	Running       bool              `json:"isRunning"`
	State         string            `json:"state"`
	ChannelStatus map[string]string `json:"channelStatus"`
	OpenTabs      int               `json:"openTabs"`
}

// Supervisor owns the monitoring lifecycle and its timers. Every timer and
// in-flight cycle belongs to a generation; Stop and Suspend bump the
// generation so that late results from an older one are dropped.
type Supervisor struct {
	opts Options

	// cycleMu admits one cycle at a time.
	cycleMu sync.Mutex
	// applyMu separates a cycle's side effects from teardown.
	applyMu sync.Mutex

	mu          sync.Mutex
	state       State
	gen         uint64
	cancel      context.CancelFunc
	runCtx      context.Context
	pollCancel  context.CancelFunc
	pollDone    chan struct{}
	timerStarts int
	interval    time.Duration
	status      map[string]string
	firstCheck  bool
	unsubscribe func()
}

// New builds an inactive Supervisor.
func New(opts Options) *Supervisor {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = DefaultWatchdogInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{opts: opts, status: map[string]string{}}
}

func (s *Supervisor) logger(ctx context.Context) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(slog.String("component", "supervisor"))
}

// Start activates monitoring: it starts the watchdog and polling timer, runs
// one cycle before returning and then starts the registry sweep. Starting an
// active supervisor only logs a warning.
func (s *Supervisor) Start(ctx context.Context) {
	log := s.logger(ctx)
	s.mu.Lock()
	if s.state != Inactive {
		s.mu.Unlock()
		log.Warn("monitoring is already active")
		return
	}
	s.state = Activating
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCtx, s.cancel = runCtx, cancel
	s.mu.Unlock()

	log.Info("starting monitoring")
	settings, err := config.LoadSettings(ctx, s.opts.Store)
	if err != nil {
		log.Warn("failed to load settings, using defaults", slog.Any("err", err))
	}
	status := s.loadStatus(ctx)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.firstCheck = true
	s.interval = settings.Interval()
	s.unsubscribe = s.opts.Store.Subscribe(s.onStoreChange)
	go s.watchdog(runCtx, gen)
	s.startPollTimerLocked(runCtx, gen)
	interval := s.interval
	s.mu.Unlock()

	s.persistActive(ctx, true)
	telemetry.SetMonitoringActive(true)
	s.opts.Publisher.Publish(events.StatusChanged, StatusEvent{IsRunning: true})

	s.cycleMu.Lock()
	s.runCycle(runCtx, gen)
	s.cycleMu.Unlock()

	s.mu.Lock()
	if s.gen == gen && s.state == Activating {
		s.state = Active
		go s.sweepLoop(runCtx, gen)
	}
	s.mu.Unlock()
	log.Info("monitoring started", slog.Duration("interval", interval))
}

// Stop deactivates monitoring, sweeps the registry once and closes every
// artifact it holds. Close failures are logged, not returned.
func (s *Supervisor) Stop(ctx context.Context) {
	log := s.logger(ctx)
	s.mu.Lock()
	if s.state == Inactive {
		s.mu.Unlock()
		log.Warn("monitoring is not active")
		return
	}
	s.deactivateLocked()
	status := maps.Clone(s.status)
	s.mu.Unlock()
	log.Info("stopping monitoring")

	s.applyMu.Lock()
	if _, err := s.opts.Registry.Sweep(ctx); err != nil {
		log.Warn("final registry sweep failed", slog.Any("err", err))
	}
	if err := s.opts.Registry.CloseAll(ctx); err != nil {
		log.Warn("some tabs or windows failed to close", slog.Any("err", err))
	}
	s.applyMu.Unlock()

	s.persistStatus(ctx, status)
	s.persistActive(ctx, false)
	telemetry.SetMonitoringActive(false)
	s.opts.Publisher.Publish(events.StatusChanged, StatusEvent{IsRunning: false})
	log.Info("monitoring stopped")
}

// Suspend cancels every timer without touching the registry. It is used when
// the process is shutting down.
func (s *Supervisor) Suspend(ctx context.Context) {
	s.mu.Lock()
	if s.state == Inactive {
		s.mu.Unlock()
		return
	}
	s.deactivateLocked()
	s.mu.Unlock()
	telemetry.SetMonitoringActive(false)
	s.logger(ctx).Info("suspended, timers cleared")
}

func (s *Supervisor) deactivateLocked() {
	s.state = Inactive
	s.gen++
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// State returns the lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether monitoring is activating or active.
func (s *Supervisor) Running() bool { return s.State() != Inactive }

// ChannelStatus returns a copy of the last reconciled status.
func (s *Supervisor) ChannelStatus() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.status)
}

// Snapshot returns the status view served to UIs.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:       s.state != Inactive,
		State:         s.state.String(),
		ChannelStatus: maps.Clone(s.status),
	}
	s.mu.Unlock()
	snap.OpenTabs = s.opts.Registry.Len()
	return snap
}

// CheckNow runs a cycle in the background when monitoring is active. The
// cycle is dropped if one is already running.
func (s *Supervisor) CheckNow() bool {
	s.mu.Lock()
	if s.state == Inactive {
		s.mu.Unlock()
		return false
	}
	ctx, gen := s.runCtx, s.gen
	s.mu.Unlock()
	go s.tick(ctx, gen)
	return true
}

func (s *Supervisor) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.state != Inactive
}

// startPollTimerLocked replaces the polling timer. Callers hold s.mu.
func (s *Supervisor) startPollTimerLocked(runCtx context.Context, gen uint64) {
	if s.pollCancel != nil {
		s.pollCancel()
	}
	tctx, cancel := context.WithCancel(runCtx)
	done := make(chan struct{})
	s.pollCancel, s.pollDone = cancel, done
	s.timerStarts++
	go s.pollLoop(tctx, runCtx, gen, s.interval, done)
}

func (s *Supervisor) pollLoop(tctx, runCtx context.Context, gen uint64, interval time.Duration, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-tctx.Done():
			return
		case <-t.C:
			go s.tick(runCtx, gen)
		}
	}
}

// tick runs a cycle unless one is already running, in which case the firing
// is dropped.
func (s *Supervisor) tick(ctx context.Context, gen uint64) {
	if !s.cycleMu.TryLock() {
		telemetry.IncPollDropped()
		s.logger(ctx).Warn("previous check still running, skipping tick")
		return
	}
	defer s.cycleMu.Unlock()
	s.runCycle(ctx, gen)
}

func (s *Supervisor) watchdog(ctx context.Context, gen uint64) {
	t := time.NewTicker(s.opts.WatchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.checkTimer(ctx, gen)
		}
	}
}

// checkTimer restarts the polling timer if its loop has exited. It reports
// whether a restart happened.
func (s *Supervisor) checkTimer(ctx context.Context, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state == Inactive {
		return false
	}
	if s.pollDone != nil {
		select {
		case <-s.pollDone:
		default:
			return false
		}
	}
	s.logger(ctx).Warn("polling timer lost, restarting")
	s.startPollTimerLocked(s.runCtx, gen)
	return true
}

func (s *Supervisor) sweepLoop(ctx context.Context, gen uint64) {
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !s.current(gen) {
				return
			}
			if _, err := s.opts.Registry.Sweep(ctx); err != nil {
				s.logger(ctx).Warn("registry sweep failed", slog.Any("err", err))
			}
		}
	}
}

// onStoreChange recreates the polling timer when the delay changes and notes
// channel list edits, which the next cycle picks up by itself.
func (s *Supervisor) onStoreChange(c store.Change) {
	if bytes.Equal(c.Old, c.New) {
		return
	}
	switch c.Key {
	case store.KeyChannels:
		slog.Info("channel list changed, applying on next check", slog.String("component", "supervisor"))
	case store.KeyDelay:
		settings := config.DefaultSettings()
		if !c.Removed {
			if err := json.Unmarshal(c.New, &settings.Delay); err != nil {
				slog.Warn("ignoring undecodable delay", slog.Any("err", err), slog.String("component", "supervisor"))
				return
			}
		}
		s.setInterval(settings.Interval())
	}
}

func (s *Supervisor) setInterval(iv time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Inactive || iv == s.interval {
		return
	}
	s.interval = iv
	s.startPollTimerLocked(s.runCtx, s.gen)
	slog.Info("polling interval changed", slog.Duration("interval", iv), slog.String("component", "supervisor"))
}

// loadStatus restores the persisted status unless it is older than StaleAfter.
func (s *Supervisor) loadStatus(ctx context.Context) map[string]string {
	log := s.logger(ctx)
	status := map[string]string{}
	ok, err := store.GetJSON(ctx, s.opts.Store, store.KeyChannelStatus, &status)
	if err != nil {
		log.Warn("failed to load channel status", slog.Any("err", err))
		return map[string]string{}
	}
	if !ok {
		return map[string]string{}
	}
	var updated int64
	if _, err := store.GetJSON(ctx, s.opts.Store, store.KeyLastStatusUpdate, &updated); err != nil || updated == 0 {
		log.Info("channel status has no timestamp, discarding")
		return map[string]string{}
	}
	if age := s.opts.Now().Sub(time.UnixMilli(updated)); age > s.opts.StaleAfter {
		log.Info("channel status is stale, discarding", slog.Duration("age", age.Round(time.Second)))
		return map[string]string{}
	}
	return status
}

func (s *Supervisor) persistStatus(ctx context.Context, status map[string]string) {
	log := s.logger(ctx)
	if err := store.SetJSON(ctx, s.opts.Store, store.KeyChannelStatus, status); err != nil {
		log.Error("failed to save channel status", slog.Any("err", err))
		return
	}
	if err := store.SetJSON(ctx, s.opts.Store, store.KeyLastStatusUpdate, s.opts.Now().UnixMilli()); err != nil {
		log.Error("failed to save status timestamp", slog.Any("err", err))
	}
}

func (s *Supervisor) persistActive(ctx context.Context, active bool) {
	if err := store.SetJSON(ctx, s.opts.Store, store.KeyMonitoringActive, active); err != nil {
		s.logger(ctx).Error("failed to save monitoring state", slog.Any("err", err))
	}
}

// runCycle is the cycle boundary: panics are recovered and logged here.
func (s *Supervisor) runCycle(ctx context.Context, gen uint64) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	log := s.logger(ctx)
	defer func() {
		if r := recover(); r != nil {
			telemetry.IncPollCycle("panic")
			log.Error("panic in poll cycle", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	telemetry.TimeFunc(telemetry.PollDuration, func() { s.cycle(ctx, gen, log) })
}

func (s *Supervisor) cycle(ctx context.Context, gen uint64, log *slog.Logger) {
	settings, err := config.LoadSettings(ctx, s.opts.Store)
	if err != nil {
		telemetry.IncPollCycle("error")
		log.Error("failed to load settings", slog.Any("err", err))
		return
	}
	if len(settings.Channels) == 0 {
		log.Warn("channels list empty")
		return
	}
	log.Info("checking channels", slog.String("channels", strings.Join(settings.Channels, ", ")))

	attempts := s.opts.MaxAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		if !s.current(gen) {
			telemetry.IncPollCycle("discarded")
			return
		}
		actx, span := telemetry.StartCycleSpan(ctx, attempt, len(settings.Channels))
		err := s.attempt(actx, gen, settings)
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()

		switch {
		case err == nil:
			telemetry.IncPollCycle("success")
			log.Info("channel status check completed")
			return
		case errors.Is(err, errDiscarded):
			telemetry.IncPollCycle("discarded")
			log.Info("monitoring stopped during check, result discarded")
			return
		}
		log.Error(fmt.Sprintf("error checking channel status (attempt %d/%d)", attempt, attempts), slog.Any("err", err))
		if ClassifyCycleError(err) == ErrorClassFatal {
			telemetry.IncPollCycle("error")
			log.Warn("check abandoned until next tick")
			return
		}
		if attempt == attempts {
			telemetry.IncPollCycle("exhausted")
			log.Warn("maximum retry attempts reached, but monitoring continues")
			return
		}
		telemetry.IncPollCycle("retry")
		if errors.Is(err, ErrReauthorized) {
			continue
		}
		select {
		case <-ctx.Done():
			telemetry.IncPollCycle("discarded")
			return
		case <-time.After(s.opts.RetryBase * time.Duration(attempt)):
		}
	}
}

// attempt is one poll, decide, apply, persist pass. Remote calls run on a
// context detached from ctx so that Stop never aborts them mid-flight; their
// results are dropped instead.
func (s *Supervisor) attempt(ctx context.Context, gen uint64, settings config.Settings) error {
	log := s.logger(ctx)
	reqCtx := context.WithoutCancel(ctx)

	s.mu.Lock()
	prev := maps.Clone(s.status)
	first := s.firstCheck
	s.mu.Unlock()

	streams, token, err := s.opts.Poller.FetchStatus(reqCtx, settings.Channels)
	if err != nil {
		return err
	}
	live := orderedStreams(settings.Channels, streams)
	if err := s.saveLiveStreams(reqCtx, gen, live); err != nil {
		return err
	}

	plan := Reconcile(settings.Channels, prev, streams, s.opts.Registry.Has, first)
	for _, ch := range settings.Channels {
		before := prev[ch]
		if before == "" {
			before = StatusOffline
		}
		if before != plan.Status[ch] {
			log.Info(fmt.Sprintf("channel %s: %s -> %s", ch, before, plan.Status[ch]))
		} else {
			log.Debug(fmt.Sprintf("channel %s: %s", ch, plan.Status[ch]))
		}
	}
	if s.opts.Enricher != nil {
		if !s.current(gen) {
			return errDiscarded
		}
		s.opts.Enricher.Enrich(reqCtx, token, streams)
	}

	if err := s.apply(reqCtx, gen, settings, plan, streams, first); err != nil {
		return err
	}
	telemetry.SetLiveChannels(LiveCount(plan.Status))
	s.broadcast(reqCtx, settings, live, plan.Status)
	return nil
}

// saveLiveStreams persists the live list unless the cycle's generation has ended.
func (s *Supervisor) saveLiveStreams(ctx context.Context, gen uint64, live []twitchapi.Stream) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if !s.current(gen) {
		return errDiscarded
	}
	if err := store.SetJSON(ctx, s.opts.Store, store.KeyLastLiveStreams, live); err != nil {
		s.logger(ctx).Warn("failed to save live streams", slog.Any("err", err))
	}
	return nil
}

func (s *Supervisor) apply(ctx context.Context, gen uint64, settings config.Settings, plan Plan, streams map[string]twitchapi.Stream, first bool) error {
	log := s.logger(ctx)
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if !s.current(gen) {
		return errDiscarded
	}

	mode := host.KindTab
	if settings.SeparateWindow {
		mode = host.KindWindow
	}
	eff := registry.Effects{Mute: settings.Mute, Minimize: settings.Minimize, Maximize: settings.Maximize}

	for _, ch := range plan.Closes {
		log.Info(fmt.Sprintf("%s became offline, closing %s", ch, mode))
		if err := s.opts.Registry.Close(ctx, ch); err != nil {
			log.Error("failed to close", slog.String("channel", ch), slog.Any("err", err))
		}
	}
	for _, ch := range plan.Opens {
		st := streams[ch]
		msg := fmt.Sprintf("%s is live, opening %s", ch, mode)
		if first {
			msg = fmt.Sprintf("%s online at startup, opening %s", ch, mode)
		}
		log.Info(msg, slog.String("title", st.Title), slog.String("category", st.GameName), slog.Int("viewers", st.ViewerCount))
		if _, err := s.opts.Registry.Open(ctx, ch, mode, eff); err != nil {
			log.Error("failed to open", slog.String("channel", ch), slog.Any("err", err))
		}
	}

	s.mu.Lock()
	s.status = plan.Status
	if s.firstCheck {
		s.firstCheck = false
		log.Info("first check completed, switching to normal mode")
	}
	s.mu.Unlock()
	s.persistStatus(ctx, plan.Status)
	return nil
}

func (s *Supervisor) broadcast(ctx context.Context, settings config.Settings, live []twitchapi.Stream, status map[string]string) {
	if s.opts.Overlay == nil {
		return
	}
	var stats map[string]rewards.ChannelStats
	if s.opts.Ledger != nil {
		stats = s.opts.Ledger.Snapshot()
	}
	d := overlay.NewData(settings.Channels, live, maps.Clone(status), stats, settings.ShowOverlay)
	if _, err := s.opts.Overlay.Broadcast(ctx, d); err != nil && !errors.Is(err, overlay.ErrBusy) {
		s.logger(ctx).Warn("overlay update failed", slog.Any("err", err))
	}
}

// orderedStreams lists live streams in configured channel order.
func orderedStreams(channels []string, streams map[string]twitchapi.Stream) []twitchapi.Stream {
	out := make([]twitchapi.Stream, 0, len(streams))
	for _, ch := range channels {
		if st, ok := streams[strings.ToLower(ch)]; ok {
			out = append(out, st)
		}
	}
	return out
}
