// Package rewards keeps per-channel reward statistics: claim counts, points
// adjusted by the subscription multiplier, error counts and a per-day
// breakdown. The ledger is persisted in full after every change.
package rewards

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/channel-warden/events"
	"github.com/onnwee/channel-warden/store"
	"github.com/onnwee/channel-warden/telemetry"
)

// DuplicateWindow is how long after a successful claim another success for the
// same channel is ignored.
const DuplicateWindow = 5 * time.Second

// DayLayout keys the daily buckets.
const DayLayout = "2006-01-02"

// DailyStats is one calendar day's tally.
type DailyStats struct {
	Rewards int     `json:"rewards"`
	Points  float64 `json:"points"`
}

// ChannelStats is the ledger entry for one channel.
type ChannelStats struct {
	TotalRewards  int                   `json:"totalRewards"`
	TotalPoints   float64               `json:"totalPoints"`
	Errors        int                   `json:"errors"`
	LastReward    *time.Time            `json:"lastReward"`
	FirstReward   *time.Time            `json:"firstReward"`
	DailyStats    map[string]DailyStats `json:"dailyStats"`
	SubMultiplier float64               `json:"subMultiplier"`
}

func newChannelStats() *ChannelStats {
	return &ChannelStats{DailyStats: map[string]DailyStats{}, SubMultiplier: 1.0}
}

func (c *ChannelStats) clone() ChannelStats {
	out := *c
	out.DailyStats = maps.Clone(c.DailyStats)
	if c.LastReward != nil {
		t := *c.LastReward
		out.LastReward = &t
	}
	if c.FirstReward != nil {
		t := *c.FirstReward
		out.FirstReward = &t
	}
	return out
}

// Outcome is the effect of one RecordClaim call.
type Outcome string

const (
	Recorded  Outcome = "recorded"
	Duplicate Outcome = "duplicate"
	Failed    Outcome = "error"
)

// StatsUpdate is the payload of the statsUpdated event.
type StatsUpdate struct {
	Stats         map[string]ChannelStats `json:"stats"`
	ChannelStatus map[string]string       `json:"channelStatus,omitempty"`
}

// Options configures a Ledger.
type Options struct {
	Store     store.Store
	Publisher events.Publisher
	// DefaultPoints is credited when a claim report carries no amount.
	DefaultPoints int
	// Now and Location define the ledger clock and its calendar.
	Now      func() time.Time
	Location *time.Location
	// ChannelStatus, if set, is included in update events.
	ChannelStatus func() map[string]string
}

// Ledger is safe for concurrent use.
type Ledger struct {
	opts  Options
	mu    sync.Mutex
	stats map[string]*ChannelStats
	// persistMu orders snapshot-then-write so an older snapshot never lands last.
	persistMu sync.Mutex
}

// New returns an empty ledger; call Load to restore persisted stats.
func New(opts Options) *Ledger {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Ledger{opts: opts, stats: make(map[string]*ChannelStats)}
}

// Load replaces the in-memory ledger with the persisted one.
func (l *Ledger) Load(ctx context.Context) error {
	var persisted map[string]*ChannelStats
	if _, err := store.GetJSON(ctx, l.opts.Store, store.KeyRewardStats, &persisted); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats = make(map[string]*ChannelStats, len(persisted))
	for ch, s := range persisted {
		if s == nil {
			continue
		}
		if s.DailyStats == nil {
			s.DailyStats = map[string]DailyStats{}
		}
		if s.SubMultiplier == 0 {
			s.SubMultiplier = 1.0
		}
		l.stats[strings.ToLower(ch)] = s
	}
	return nil
}

func (l *Ledger) entry(channel string) *ChannelStats {
	s, ok := l.stats[channel]
	if !ok {
		s = newChannelStats()
		l.stats[channel] = s
	}
	return s
}

// RecordClaim books one claim report. A success within DuplicateWindow of the
// previous success for the channel is ignored. A failure only bumps the error
// counter. The returned error is a persistence failure; the in-memory ledger
// is updated regardless.
func (l *Ledger) RecordClaim(ctx context.Context, channel string, success bool, points int) (Outcome, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", channel), slog.String("component", "rewards"))
	if channel == "" {
		return Failed, nil
	}

	l.mu.Lock()
	s := l.entry(channel)
	now := l.opts.Now()
	if !success {
		s.Errors++
		errs := s.Errors
		l.mu.Unlock()
		telemetry.IncRewardClaim("error")
		log.Info("reward collection error", slog.Int("errors", errs))
		return Failed, l.persist(ctx)
	}
	if s.LastReward != nil && now.Sub(*s.LastReward) < DuplicateWindow {
		elapsed := now.Sub(*s.LastReward)
		l.mu.Unlock()
		telemetry.IncRewardClaim("duplicate")
		log.Debug("skipping duplicate reward", slog.Duration("elapsed", elapsed))
		return Duplicate, nil
	}
	if points <= 0 {
		points = l.opts.DefaultPoints
	}
	mult := s.SubMultiplier
	if mult == 0 {
		mult = 1.0
	}
	credited := float64(points) * mult
	s.TotalRewards++
	s.TotalPoints += credited
	s.LastReward = &now
	if s.FirstReward == nil {
		first := now
		s.FirstReward = &first
	}
	day := now.In(l.opts.Location).Format(DayLayout)
	d := s.DailyStats[day]
	d.Rewards++
	d.Points += credited
	s.DailyStats[day] = d
	total := s.TotalPoints
	l.mu.Unlock()

	telemetry.IncRewardClaim("success")
	log.Info("reward registered",
		slog.Float64("points", credited),
		slog.Int("base", points),
		slog.Float64("multiplier", mult),
		slog.Float64("total_points", total))
	return Recorded, l.persist(ctx)
}

// SetMultiplier stores the subscription multiplier applied to future claims.
func (l *Ledger) SetMultiplier(ctx context.Context, channel string, m float64) error {
	channel = strings.ToLower(channel)
	l.mu.Lock()
	s := l.entry(channel)
	if s.SubMultiplier == m {
		l.mu.Unlock()
		return nil
	}
	s.SubMultiplier = m
	l.mu.Unlock()
	return l.persist(ctx)
}

// Multiplier returns the channel's multiplier, 1.0 when unknown.
func (l *Ledger) Multiplier(channel string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.stats[strings.ToLower(channel)]; ok && s.SubMultiplier != 0 {
		return s.SubMultiplier
	}
	return 1.0
}

// Clear empties the ledger.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.stats = make(map[string]*ChannelStats)
	l.mu.Unlock()
	telemetry.LoggerWithCorr(ctx).Info("reward stats cleared", slog.String("component", "rewards"))
	return l.persist(ctx)
}

// Snapshot returns a deep copy of the ledger.
func (l *Ledger) Snapshot() map[string]ChannelStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]ChannelStats, len(l.stats))
	for ch, s := range l.stats {
		out[ch] = s.clone()
	}
	return out
}

func (l *Ledger) persist(ctx context.Context) error {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	snap := l.Snapshot()
	update := StatsUpdate{Stats: snap}
	if l.opts.ChannelStatus != nil {
		update.ChannelStatus = l.opts.ChannelStatus()
	}
	l.opts.Publisher.Publish(events.StatsUpdated, update)
	if l.opts.Store == nil {
		return nil
	}
	if err := store.SetJSON(ctx, l.opts.Store, store.KeyRewardStats, snap); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("failed to persist reward stats", slog.Any("err", err), slog.String("component", "rewards"))
		return err
	}
	return nil
}
