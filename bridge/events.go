package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/channel-warden/host"
	"github.com/onnwee/channel-warden/overlay"
	"github.com/onnwee/channel-warden/telemetry"
)

// DefaultInitialPushDelay is how long a freshly loaded page gets before the
// last overlay payload is pushed to it.
const DefaultInitialPushDelay = 2 * time.Second

// Artifacts is the registry as seen by browser events.
type Artifacts interface {
	HandleTabRemoved(tabID int) (string, bool)
	HandleWindowRemoved(windowID int) (string, bool)
}

// OverlayTarget pushes the last overlay payload to one tab.
type OverlayTarget interface {
	PushTo(ctx context.Context, tabID int) error
}

// Suspender stops timers without closing artifacts.
type Suspender interface {
	Suspend(ctx context.Context)
}

// Router dispatches inbound browser events.
type Router struct {
	Registry         Artifacts
	Overlay          OverlayTarget
	Monitor          Suspender
	InitialPushDelay time.Duration
}

// Handle is suitable for Options.Events.
func (r *Router) Handle(ctx context.Context, ev Event) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "bridge"))
	switch ev.Name {
	case EventTabRemoved:
		if ch, ok := r.Registry.HandleTabRemoved(ev.TabID); ok {
			log.Info("tracked tab closed by user", slog.String("channel", ch), slog.Int("tab_id", ev.TabID))
		}
	case EventWindowRemoved:
		if ch, ok := r.Registry.HandleWindowRemoved(ev.WindowID); ok {
			log.Info("tracked window closed by user", slog.String("channel", ch), slog.Int("window_id", ev.WindowID))
		}
	case EventTabComplete:
		if r.Overlay == nil || !host.MatchURLPattern(overlay.SitePattern, ev.URL) {
			return
		}
		delay := r.InitialPushDelay
		if delay <= 0 {
			delay = DefaultInitialPushDelay
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := r.Overlay.PushTo(ctx, ev.TabID); err != nil {
			log.Debug("initial overlay push failed", slog.Int("tab_id", ev.TabID), slog.Any("err", err))
		}
	case EventSuspend:
		log.Info("browser suspending, pausing monitor timers")
		if r.Monitor != nil {
			r.Monitor.Suspend(ctx)
		}
	default:
		log.Debug("ignoring browser event", slog.String("event", ev.Name))
	}
}
