// Package oauth owns the Twitch user access token: it loads and validates the
// persisted token, runs the interactive implicit-grant flow when the token is
// missing or rejected, and makes sure only one such flow runs at a time.
// Refresh is reactive only; nothing renews the token ahead of expiry.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/channel-warden/crypto"
	"github.com/onnwee/channel-warden/store"
	"github.com/onnwee/channel-warden/telemetry"
	"github.com/onnwee/channel-warden/twitchapi"
)

// DefaultAuthTimeout bounds one interactive authorization.
const DefaultAuthTimeout = 5 * time.Minute

// AuthError reports that no usable token could be obtained.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth: " + e.Reason
	}
	return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Authorizer runs the browser side of the implicit grant. It opens authURL
// and returns the final redirect URL, whose fragment carries the token.
type Authorizer interface {
	Authorize(ctx context.Context, authURL string) (redirect string, err error)
}

// Validator checks a token remotely.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*twitchapi.Validation, error)
}

// Options configures a Manager.
type Options struct {
	Store      store.Store
	Sealer     crypto.Sealer
	Validator  Validator
	Authorizer Authorizer
	Grant      twitchapi.ImplicitGrant
	// UserID overrides the user id learned from token validation.
	UserID      string
	AuthTimeout time.Duration
}

// Manager is the single owner of the process-wide token.
type Manager struct {
	opts   Options
	flight singleflight.Group

	mu         sync.RWMutex
	token      string
	validation *twitchapi.Validation
}

// NewManager builds a Manager. Sealer defaults to crypto.Plain.
func NewManager(opts Options) *Manager {
	if opts.Sealer == nil {
		opts.Sealer = crypto.Plain{}
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	return &Manager{opts: opts}
}

func (m *Manager) current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *Manager) set(tok string, v *twitchapi.Validation) {
	m.mu.Lock()
	m.token = tok
	m.validation = v
	m.mu.Unlock()
}

// EnsureValid returns the in-memory token, or the stored one after it passes
// remote validation, or a freshly authorized one. A stored token rejected by
// Twitch is discarded before the interactive flow starts.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	if tok := m.current(); tok != "" {
		return tok, nil
	}
	tok, err := m.load(ctx)
	if err != nil {
		slog.Warn("failed to load stored token", slog.Any("err", err), slog.String("component", "oauth"))
	}
	if tok != "" {
		v, err := m.opts.Validator.ValidateToken(ctx, tok)
		switch {
		case err == nil:
			m.set(tok, v)
			slog.Info("stored token validated", slog.String("login", v.Login), slog.String("component", "oauth"))
			return tok, nil
		case errors.Is(err, twitchapi.ErrUnauthorized):
			slog.Warn("stored token rejected, re-authorizing", slog.Any("err", err), slog.String("component", "oauth"))
			if err := m.Invalidate(ctx); err != nil {
				slog.Warn("failed to remove rejected token", slog.Any("err", err), slog.String("component", "oauth"))
			}
		default:
			return "", fmt.Errorf("validate stored token: %w", err)
		}
	}
	return m.Refresh(ctx)
}

func (m *Manager) load(ctx context.Context) (string, error) {
	var sealed string
	ok, err := store.GetJSON(ctx, m.opts.Store, store.KeyToken, &sealed)
	if err != nil || !ok {
		return "", err
	}
	return m.opts.Sealer.Open(sealed)
}

// Invalidate forgets the token in memory and in the store.
func (m *Manager) Invalidate(ctx context.Context) error {
	m.set("", nil)
	return m.opts.Store.Remove(ctx, store.KeyToken)
}

// Refresh runs the interactive flow. Concurrent callers share one flow; a
// caller whose ctx ends stops waiting but the flow itself keeps running.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	ch := m.flight.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.AuthTimeout)
		defer cancel()
		return m.authorize(fctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) authorize(ctx context.Context) (string, error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "oauth"))
	if m.opts.Authorizer == nil {
		return "", &AuthError{Reason: "no authorization flow available"}
	}
	state := uuid.NewString()
	authURL, err := m.opts.Grant.AuthorizeURL(state)
	if err != nil {
		return "", &AuthError{Reason: "build authorize url", Err: err}
	}
	log.Info("starting token authorization flow")
	redirect, err := m.opts.Authorizer.Authorize(ctx, authURL)
	if err != nil {
		telemetry.IncTokenRefresh("error")
		log.Error("authorization flow failed", slog.Any("err", err))
		return "", &AuthError{Reason: "authorization flow failed", Err: err}
	}
	if redirect == "" {
		telemetry.IncTokenRefresh("error")
		log.Error("redirect URL not received")
		return "", &AuthError{Reason: "no redirect URL received"}
	}
	tok, err := twitchapi.ParseTokenFragment(redirect, state)
	if err != nil {
		telemetry.IncTokenRefresh("error")
		log.Error("token not found in redirect", slog.Any("err", err))
		return "", &AuthError{Reason: "no access token in redirect", Err: err}
	}

	v, err := m.opts.Validator.ValidateToken(ctx, tok)
	if err != nil {
		log.Warn("new token validation failed", slog.Any("err", err))
		v = nil
	}
	m.set(tok, v)
	if err := m.persist(ctx, tok); err != nil {
		log.Error("failed to save token", slog.Any("err", err))
	}
	telemetry.IncTokenRefresh("success")
	log.Info("token successfully refreshed")
	return tok, nil
}

func (m *Manager) persist(ctx context.Context, tok string) error {
	sealed, err := m.opts.Sealer.Seal(tok)
	if err != nil {
		return err
	}
	return store.SetJSON(ctx, m.opts.Store, store.KeyToken, sealed)
}

// HasToken reports whether a token is held in memory or persisted.
func (m *Manager) HasToken(ctx context.Context) bool {
	if m.current() != "" {
		return true
	}
	_, ok, err := m.opts.Store.Get(ctx, store.KeyToken)
	return err == nil && ok
}

// UserID returns the id used for subscription lookups: the configured
// override, else the id reported when the current token was validated.
func (m *Manager) UserID(ctx context.Context) (string, error) {
	if m.opts.UserID != "" {
		return m.opts.UserID, nil
	}
	m.mu.RLock()
	tok, v := m.token, m.validation
	m.mu.RUnlock()
	if v != nil {
		return v.UserID, nil
	}
	if tok == "" {
		return "", &AuthError{Reason: "no token"}
	}
	v, err := m.opts.Validator.ValidateToken(ctx, tok)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	if m.token == tok {
		m.validation = v
	}
	m.mu.Unlock()
	return v.UserID, nil
}
