package actions

import (
	"context"
	"errors"
	"log/slog"

	"github.com/onnwee/channel-warden/config"
	"github.com/onnwee/channel-warden/host"
	"github.com/onnwee/channel-warden/monitor"
	"github.com/onnwee/channel-warden/overlay"
	"github.com/onnwee/channel-warden/rewards"
	"github.com/onnwee/channel-warden/store"
	"github.com/onnwee/channel-warden/telemetry"
	"github.com/onnwee/channel-warden/twitchapi"
)

// UnknownActionMessage is the error text returned for unrecognized actions.
const UnknownActionMessage = "Unknown action"

// Result is the response to one Command.
type Result interface {
	OK() bool
}

// Ack is the generic {success, error} response.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (a Ack) OK() bool { return a.Success }

func fail(err error) Ack { return Ack{Success: false, Error: err.Error()} }

// StatusResult answers getStatus.
type StatusResult struct {
	IsRunning     bool              `json:"isRunning"`
	ChannelStatus map[string]string `json:"channelStatus"`
	OpenTabs      int               `json:"openTabs"`
	HasToken      bool              `json:"hasToken"`
}

func (StatusResult) OK() bool { return true }

// TokenResult answers refreshToken. Token holds only a prefix of the token.
type TokenResult struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

func (r TokenResult) OK() bool { return r.Error == "" }

// ChannelData is the payload of getChannelData.
type ChannelData struct {
	Channels      []string                        `json:"channels"`
	LiveStreams   []twitchapi.Stream              `json:"liveStreams"`
	ChannelStatus map[string]string               `json:"channelStatus"`
	RewardStats   map[string]rewards.ChannelStats `json:"rewardStats"`
	ShowOverlay   bool                            `json:"showOverlay"`
}

// ChannelDataResult answers getChannelData.
type ChannelDataResult struct {
	Success bool        `json:"success"`
	Data    ChannelData `json:"data"`
}

func (r ChannelDataResult) OK() bool { return r.Success }

// StatsResult answers getRewardStats.
type StatsResult struct {
	Stats map[string]rewards.ChannelStats `json:"stats"`
}

func (StatsResult) OK() bool { return true }

// OverlayResult answers getInitialOverlay with the overlay payload itself.
type OverlayResult struct {
	overlay.Data
}

func (OverlayResult) OK() bool { return true }

// Monitor is the supervisor as seen by the messaging surface.
type Monitor interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
	Snapshot() monitor.Snapshot
	CheckNow() bool
}

// Tokens is the token manager as seen by the messaging surface.
type Tokens interface {
	HasToken(ctx context.Context) bool
	Refresh(ctx context.Context) (string, error)
}

// Ledger is the reward ledger as seen by the messaging surface.
type Ledger interface {
	RecordClaim(ctx context.Context, channel string, success bool, points int) (rewards.Outcome, error)
	Clear(ctx context.Context) error
	Snapshot() map[string]rewards.ChannelStats
}

// Overlay is the overlay broadcaster as seen by the messaging surface.
type Overlay interface {
	Broadcast(ctx context.Context, d overlay.Data) (int, error)
	Last(ctx context.Context) (overlay.Data, bool)
}

// Windows resolves a tab's window and changes its state.
type Windows interface {
	GetTab(ctx context.Context, tabID int) (host.Tab, error)
	SetWindowState(ctx context.Context, windowID int, state host.WindowState) error
}

// Dispatcher routes each Command variant to its handler.
type Dispatcher struct {
	Store   store.Store
	Monitor Monitor
	Tokens  Tokens
	Ledger  Ledger
	Overlay Overlay
	Windows Windows
	// Go runs startMonitoring in the background; nil means a new goroutine.
	Go func(func())
}

// Handle parses raw and dispatches it. Parse failures become failed Acks.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) Result {
	cmd, err := Parse(raw)
	if errors.Is(err, ErrUnknownAction) {
		telemetry.LoggerWithCorr(ctx).Warn("unknown action received", slog.String("component", "actions"))
		return Ack{Success: false, Error: UnknownActionMessage}
	}
	if err != nil {
		return fail(err)
	}
	return d.Dispatch(ctx, cmd)
}

// Dispatch runs the handler for cmd.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Result {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "actions"))
	log.Debug("received message", slog.String("action", cmd.Action()))
	switch c := cmd.(type) {
	case *StartMonitoring:
		return d.startMonitoring(ctx, log)
	case *StopMonitoring:
		log.Info("monitoring stop request")
		d.Monitor.Stop(ctx)
		return Ack{Success: true}
	case *GetStatus:
		return d.getStatus(ctx, log)
	case *RefreshToken:
		return d.refreshToken(ctx, log)
	case *GetChannelData:
		return d.getChannelData(ctx)
	case *GetRewardStats:
		return StatsResult{Stats: d.Ledger.Snapshot()}
	case *ClearRewardStats:
		log.Info("reward stats clearing")
		if err := d.Ledger.Clear(ctx); err != nil {
			return fail(err)
		}
		return Ack{Success: true}
	case *ConfigUpdated:
		return d.configUpdated(ctx, log)
	case *ForceUpdateOverlay:
		return d.forceUpdateOverlay(ctx, log, c.ShowOverlay)
	case *GetInitialOverlay:
		return d.getInitialOverlay(ctx, log)
	case *RewardClaimed:
		return d.rewardClaimed(ctx, log, c)
	case *RewardNotFound:
		log.Info("reward button not found", slog.String("channel", c.Channel))
		return Ack{Success: true}
	case *MinimizeCurrentWindow:
		return d.setWindowState(ctx, log, c.TabID, host.WindowMinimized)
	case *MaximizeCurrentWindow:
		return d.setWindowState(ctx, log, c.TabID, host.WindowMaximized)
	default:
		return Ack{Success: false, Error: UnknownActionMessage}
	}
}

func (d *Dispatcher) startMonitoring(ctx context.Context, log *slog.Logger) Result {
	log.Info("monitoring start request")
	run := d.Go
	if run == nil {
		run = func(fn func()) { go fn() }
	}
	bg := context.WithoutCancel(ctx)
	run(func() { d.Monitor.Start(bg) })
	return Ack{Success: true}
}

func (d *Dispatcher) getStatus(ctx context.Context, log *slog.Logger) Result {
	snap := d.Monitor.Snapshot()
	res := StatusResult{
		IsRunning:     snap.Running,
		ChannelStatus: snap.ChannelStatus,
		OpenTabs:      snap.OpenTabs,
		HasToken:      d.Tokens.HasToken(ctx),
	}
	if res.ChannelStatus == nil {
		res.ChannelStatus = map[string]string{}
	}
	log.Debug("sending status",
		slog.Bool("monitoring", res.IsRunning),
		slog.Int("tabs", res.OpenTabs),
		slog.Bool("token", res.HasToken))
	return res
}

func (d *Dispatcher) refreshToken(ctx context.Context, log *slog.Logger) Result {
	log.Info("token refresh request")
	tok, err := d.Tokens.Refresh(ctx)
	if err != nil {
		log.Error("token refresh error", slog.Any("err", err))
		return TokenResult{Error: err.Error()}
	}
	if len(tok) > 10 {
		tok = tok[:10]
	}
	return TokenResult{Token: tok + "..."}
}

// channelData gathers the persisted view shared by getChannelData and the
// overlay pushes.
func (d *Dispatcher) channelData(ctx context.Context) (ChannelData, error) {
	settings, err := config.LoadSettings(ctx, d.Store)
	if err != nil {
		return ChannelData{}, err
	}
	cd := ChannelData{
		Channels:      settings.Channels,
		LiveStreams:   []twitchapi.Stream{},
		ChannelStatus: map[string]string{},
		RewardStats:   d.Ledger.Snapshot(),
		ShowOverlay:   settings.ShowOverlay,
	}
	if cd.Channels == nil {
		cd.Channels = []string{}
	}
	if _, err := store.GetJSON(ctx, d.Store, store.KeyLastLiveStreams, &cd.LiveStreams); err != nil {
		return ChannelData{}, err
	}
	if _, err := store.GetJSON(ctx, d.Store, store.KeyChannelStatus, &cd.ChannelStatus); err != nil {
		return ChannelData{}, err
	}
	if cd.LiveStreams == nil {
		cd.LiveStreams = []twitchapi.Stream{}
	}
	if cd.ChannelStatus == nil {
		cd.ChannelStatus = map[string]string{}
	}
	return cd, nil
}

func (d *Dispatcher) getChannelData(ctx context.Context) Result {
	cd, err := d.channelData(ctx)
	if err != nil {
		return fail(err)
	}
	return ChannelDataResult{Success: true, Data: cd}
}

func (d *Dispatcher) pushOverlay(ctx context.Context, log *slog.Logger, cd ChannelData) {
	data := overlay.NewData(cd.Channels, cd.LiveStreams, cd.ChannelStatus, cd.RewardStats, cd.ShowOverlay)
	n, err := d.Overlay.Broadcast(ctx, data)
	if err != nil && !errors.Is(err, overlay.ErrBusy) {
		log.Warn("overlay update failed", slog.Any("err", err))
		return
	}
	log.Debug("overlay update sent", slog.Int("tabs", n))
}

func (d *Dispatcher) configUpdated(ctx context.Context, log *slog.Logger) Result {
	log.Info("configuration updated, reloading settings")
	cd, err := d.channelData(ctx)
	if err != nil {
		log.Error("settings reload error", slog.Any("err", err))
		return fail(err)
	}
	d.pushOverlay(ctx, log, cd)
	return Ack{Success: true}
}

func (d *Dispatcher) forceUpdateOverlay(ctx context.Context, log *slog.Logger, show bool) Result {
	log.Info("force overlay update", slog.Bool("show_overlay", show))
	cd, err := d.channelData(ctx)
	if err != nil {
		return fail(err)
	}
	cd.ShowOverlay = show
	d.pushOverlay(ctx, log, cd)
	return Ack{Success: true}
}

func (d *Dispatcher) getInitialOverlay(ctx context.Context, log *slog.Logger) Result {
	data, ok := d.Overlay.Last(ctx)
	if !ok {
		settings, err := config.LoadSettings(ctx, d.Store)
		if err == nil && settings.ShowOverlay && d.Monitor.CheckNow() {
			log.Info("no overlay data yet, checking channels now")
		}
	}
	return OverlayResult{Data: data}
}

func (d *Dispatcher) rewardClaimed(ctx context.Context, log *slog.Logger, c *RewardClaimed) Result {
	log.Info("reward collection message", slog.String("channel", c.Channel), slog.Bool("success", c.Success))
	if c.Channel == "" {
		return Ack{Success: false, Error: "channel not provided"}
	}
	if _, err := d.Ledger.RecordClaim(ctx, c.Channel, c.Success, c.Points); err != nil {
		// The in-memory ledger already holds the claim.
		log.Error("failed to persist reward stats", slog.Any("err", err))
	}
	return Ack{Success: true}
}

func (d *Dispatcher) setWindowState(ctx context.Context, log *slog.Logger, tabID int, state host.WindowState) Result {
	if tabID == 0 {
		return Ack{Success: false, Error: "Tab ID not provided"}
	}
	tab, err := d.Windows.GetTab(ctx, tabID)
	if err != nil {
		return fail(err)
	}
	if err := d.Windows.SetWindowState(ctx, tab.WindowID, state); err != nil {
		return fail(err)
	}
	log.Info("window state changed", slog.Int("window_id", tab.WindowID), slog.String("state", string(state)))
	return Ack{Success: true}
}
