package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/onnwee/channel-warden/telemetry"
	"github.com/onnwee/channel-warden/twitchapi"
)

// SubscriptionSource looks up the user's subscription to a broadcaster.
type SubscriptionSource interface {
	GetUserSubscription(ctx context.Context, token, broadcasterID, userID string) (*twitchapi.Subscription, error)
}

// MultiplierSink stores the per-channel multiplier used at claim time.
type MultiplierSink interface {
	SetMultiplier(ctx context.Context, channel string, m float64) error
}

// UserSource resolves the authenticated user's id.
type UserSource interface {
	UserID(ctx context.Context) (string, error)
}

// TierMultiplier maps a subscription tier code to a reward multiplier.
func TierMultiplier(tier string) float64 {
	switch tier {
	case "1000":
		return 1.2
	case "2000":
		return 1.5
	case "3000":
		return 2.0
	default:
		return 1.0
	}
}

// Enricher refreshes the subscription multiplier of every live channel.
type Enricher struct {
	Subs   SubscriptionSource
	Users  UserSource
	Ledger MultiplierSink
}

// Enrich looks up the subscription for each live stream. A missing
// subscription resets the multiplier to 1.0; any other failure is logged and
// leaves the stored multiplier untouched.
func (e *Enricher) Enrich(ctx context.Context, token string, live map[string]twitchapi.Stream) {
	if len(live) == 0 {
		return
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "enricher"))
	userID, err := e.Users.UserID(ctx)
	if err != nil {
		log.Error("cannot resolve user id for subscription lookup", slog.Any("err", err))
		return
	}

	logins := make([]string, 0, len(live))
	for login := range live {
		logins = append(logins, login)
	}
	sort.Strings(logins)
	for _, login := range logins {
		stream := live[login]
		if stream.UserID == "" {
			log.Error("cannot get subscription status without channel id", slog.String("channel", login))
			continue
		}
		m := 1.0
		sub, err := e.Subs.GetUserSubscription(ctx, token, stream.UserID, userID)
		switch {
		case err == nil:
			m = TierMultiplier(sub.Tier)
			log.Info("user is subscribed", slog.String("channel", login), slog.String("tier", sub.Tier), slog.Float64("multiplier", m))
		case errors.Is(err, twitchapi.ErrNotSubscribed):
			log.Info("user is not subscribed", slog.String("channel", login))
		default:
			log.Error("error checking subscription", slog.String("channel", login), slog.Any("err", err))
			continue
		}
		if err := e.Ledger.SetMultiplier(ctx, login, m); err != nil {
			log.Warn("failed to persist multiplier", slog.String("channel", login), slog.Any("err", err))
		}
	}
}
