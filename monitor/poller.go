// Package monitor runs the channel-monitoring core: it polls Twitch for live
// status, decides which channels need a tab or window opened or closed,
// applies those decisions through the registry and keeps the supervisor's
// timers alive while monitoring is active.
package monitor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/onnwee/channel-warden/telemetry"
	"github.com/onnwee/channel-warden/twitchapi"
)

// ErrReauthorized is returned by FetchStatus after Twitch rejected the token
// and a new one was obtained. The caller retries the attempt immediately.
var ErrReauthorized = errors.New("token was re-authorized")

// Tokens is the subset of the token manager the poller needs.
type Tokens interface {
	EnsureValid(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
	Refresh(ctx context.Context) (string, error)
}

// StreamSource looks up live streams by login.
type StreamSource interface {
	GetStreams(ctx context.Context, token string, logins []string) (map[string]twitchapi.Stream, error)
}

// Poller fetches live status for the configured channels.
type Poller struct {
	Tokens  Tokens
	Streams StreamSource
}

// FetchStatus returns the live streams among channels keyed by lower-case
// login, together with the token used. Channels absent from the result are
// offline. A 401 invalidates the token and runs the authorization flow; when
// that succeeds FetchStatus returns ErrReauthorized.
func (p *Poller) FetchStatus(ctx context.Context, channels []string) (map[string]twitchapi.Stream, string, error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "poller"))
	token, err := p.Tokens.EnsureValid(ctx)
	if err != nil {
		return nil, "", err
	}
	streams, err := p.Streams.GetStreams(ctx, token, channels)
	if err == nil {
		log.Info("received live stream data", slog.Int("active_streams", len(streams)))
		return streams, token, nil
	}
	if !errors.Is(err, twitchapi.ErrUnauthorized) {
		return nil, "", err
	}

	log.Error("authorization error (401)", slog.Any("err", err))
	if ierr := p.Tokens.Invalidate(ctx); ierr != nil {
		log.Warn("failed to remove rejected token", slog.Any("err", ierr))
	}
	if _, rerr := p.Tokens.Refresh(ctx); rerr != nil {
		log.Error("failed to refresh token", slog.Any("err", rerr))
		return nil, "", rerr
	}
	log.Info("token successfully refreshed")
	return nil, "", ErrReauthorized
}
