// Package overlay pushes the channel list, live status and reward stats to
// every open Twitch page, where the content script renders them.
package overlay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/channel-warden/host"
	"github.com/onnwee/channel-warden/rewards"
	"github.com/onnwee/channel-warden/store"
	"github.com/onnwee/channel-warden/telemetry"
	"github.com/onnwee/channel-warden/twitchapi"
)

const (
	// SitePattern matches the pages that host the overlay.
	SitePattern = "*://www.twitch.tv/*"
	// Action is the message action understood by the content script.
	Action = "updateChannelOverlay"

	defaultRetries    = 3
	defaultRetryDelay = 500 * time.Millisecond
	sendConcurrency   = 8
)

var (
	// ErrBusy is returned when a broadcast is already running.
	ErrBusy = errors.New("overlay update already in progress")

	errTabNotReady = errors.New("tab not ready")
)

// Data is the overlay payload.
type Data struct {
	Action        string                          `json:"action"`
	Channels      []string                        `json:"channels"`
	LiveStreams   []twitchapi.Stream              `json:"liveStreams"`
	ChannelStatus map[string]string               `json:"channelStatus"`
	RewardStats   map[string]rewards.ChannelStats `json:"rewardStats,omitempty"`
	ShowOverlay   bool                            `json:"showOverlay"`
}

// Empty is served before the first broadcast.
func Empty() Data {
	return Data{Action: Action, Channels: []string{}, LiveStreams: []twitchapi.Stream{}, ChannelStatus: map[string]string{}}
}

// NewData assembles a payload, substituting empty collections for nil ones so
// the content script never sees null.
func NewData(channels []string, live []twitchapi.Stream, status map[string]string, stats map[string]rewards.ChannelStats, show bool) Data {
	d := Empty()
	if channels != nil {
		d.Channels = channels
	}
	if live != nil {
		d.LiveStreams = live
	}
	if status != nil {
		d.ChannelStatus = status
	}
	d.RewardStats = stats
	d.ShowOverlay = show
	return d
}

// Broadcaster sends Data to site tabs with bounded per-tab retry.
type Broadcaster struct {
	host  host.Host
	store store.Store

	Retries    int
	RetryDelay time.Duration

	inProgress atomic.Bool
	mu         sync.RWMutex
	last       *Data
}

// New returns a Broadcaster. st may be nil.
func New(h host.Host, st store.Store) *Broadcaster {
	return &Broadcaster{host: h, store: st, Retries: defaultRetries, RetryDelay: defaultRetryDelay}
}

// Broadcast sends d to every site tab and remembers it as the last payload.
// Per-tab failures are logged; the returned count is the number of tabs reached.
func (b *Broadcaster) Broadcast(ctx context.Context, d Data) (int, error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "overlay"))
	if !b.inProgress.CompareAndSwap(false, true) {
		telemetry.IncOverlayBroadcast("skipped")
		log.Warn("overlay update already in progress, skipping")
		return 0, ErrBusy
	}
	defer b.inProgress.Store(false)

	d.Action = Action
	b.remember(ctx, d)

	tabs, err := b.host.QueryTabs(ctx, SitePattern)
	if err != nil {
		telemetry.IncOverlayBroadcast("error")
		return 0, err
	}
	log.Debug("found site tabs for update", slog.Int("tabs", len(tabs)))

	var sent atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sendConcurrency)
	for _, tab := range tabs {
		g.Go(func() error {
			if err := b.send(gctx, tab.ID, d); err != nil {
				log.Error("error updating tab", slog.Int("tab_id", tab.ID), slog.Any("err", err))
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	telemetry.IncOverlayBroadcast("success")
	log.Debug("overlay update completed", slog.Int("sent", int(sent.Load())))
	return int(sent.Load()), nil
}

// PushTo sends the last payload to a single tab, typically one that just loaded.
func (b *Broadcaster) PushTo(ctx context.Context, tabID int) error {
	d, _ := b.Last(ctx)
	return b.send(ctx, tabID, d)
}

// Last returns the last broadcast payload, falling back to the persisted one.
// ok is false when nothing was ever broadcast; Empty() is returned then.
func (b *Broadcaster) Last(ctx context.Context) (Data, bool) {
	b.mu.RLock()
	last := b.last
	b.mu.RUnlock()
	if last != nil {
		return *last, true
	}
	if b.store != nil {
		var d Data
		if ok, err := store.GetJSON(ctx, b.store, store.KeyLastOverlayData, &d); err == nil && ok {
			return d, true
		}
	}
	return Empty(), false
}

func (b *Broadcaster) remember(ctx context.Context, d Data) {
	b.mu.Lock()
	b.last = &d
	b.mu.Unlock()
	if b.store == nil {
		return
	}
	if err := store.SetJSON(ctx, b.store, store.KeyLastOverlayData, d); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("failed to persist overlay data", slog.Any("err", err), slog.String("component", "overlay"))
	}
}

// send delivers d to one tab, retrying up to Retries times with a linearly
// growing delay while the tab is loading or the send fails.
func (b *Broadcaster) send(ctx context.Context, tabID int, d Data) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = b.sendOnce(ctx, tabID, d); err == nil || errors.Is(err, host.ErrNotFound) {
			return err
		}
		if attempt >= b.Retries {
			return err
		}
		telemetry.LoggerWithCorr(ctx).Debug("retrying overlay send", slog.Int("tab_id", tabID), slog.Int("attempt", attempt+1), slog.String("component", "overlay"))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

func (b *Broadcaster) sendOnce(ctx context.Context, tabID int, d Data) error {
	tab, err := b.host.GetTab(ctx, tabID)
	if err != nil {
		return err
	}
	if !tab.Complete {
		return errTabNotReady
	}
	return b.host.SendToTab(ctx, tabID, d)
}
