// Package twitchapi contains the small set of Twitch calls the monitor needs:
// user token validation, batched live-stream lookup by login and the viewer's
// subscription to a broadcaster. Every call takes the user access token
// explicitly; ownership of the token lives in the oauth package.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

const (
	helixBase   = "https://api.twitch.tv/helix"
	validateURL = "https://id.twitch.tv/oauth2/validate"

	// maxLoginsPerRequest is the Helix limit on repeated user_login parameters.
	maxLoginsPerRequest = 100
)

var (
	// ErrUnauthorized matches any APIError with status 401.
	ErrUnauthorized = errors.New("twitch: unauthorized")
	// ErrNotSubscribed is returned by GetUserSubscription when Twitch answers 404.
	ErrNotSubscribed = errors.New("twitch: user is not subscribed")
)

// APIError is a non-2xx answer from Twitch.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api error: %d - %s", e.Status, strings.TrimSpace(e.Body))
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Stream is one live stream returned by GET /helix/streams.
type Stream struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	UserLogin   string `json:"user_login"`
	UserName    string `json:"user_name"`
	GameName    string `json:"game_name"`
	Title       string `json:"title"`
	ViewerCount int    `json:"viewer_count"`
	StartedAt   string `json:"started_at"`
}

// Validation is the body of a successful token validation.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Subscription describes the viewer's subscription to one broadcaster.
type Subscription struct {
	BroadcasterID    string `json:"broadcaster_id"`
	BroadcasterLogin string `json:"broadcaster_login"`
	Tier             string `json:"tier"`
	IsGift           bool   `json:"is_gift"`
}

// HelixClient issues user-token requests against Twitch.
type HelixClient struct {
	ClientID   string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// get performs an authenticated GET and decodes a 200 body into out.
func (hc *HelixClient) get(ctx context.Context, token, rawURL string, withClientID bool, out any) error {
	if token == "" {
		return &APIError{Status: http.StatusUnauthorized, Body: "no token"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
	if withClientID {
		req.Header.Set("Client-Id", hc.ClientID)
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(b)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ValidateToken checks the token against the id.twitch.tv validate endpoint.
// An invalid token yields an APIError matching ErrUnauthorized.
func (hc *HelixClient) ValidateToken(ctx context.Context, token string) (*Validation, error) {
	var v Validation
	if err := hc.get(ctx, token, validateURL, false, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetStreams returns the live streams among logins, keyed by lower-cased login.
// Logins that are not live are absent from the map.
func (hc *HelixClient) GetStreams(ctx context.Context, token string, logins []string) (map[string]Stream, error) {
	out := make(map[string]Stream, len(logins))
	for start := 0; start < len(logins); start += maxLoginsPerRequest {
		end := min(start+maxLoginsPerRequest, len(logins))
		q := url.Values{}
		for _, l := range logins[start:end] {
			q.Add("user_login", strings.ToLower(l))
		}
		q.Set("first", "100")
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := hc.get(ctx, token, helixBase+"/streams?"+q.Encode(), true, &body); err != nil {
			return nil, err
		}
		for _, s := range body.Data {
			out[strings.ToLower(s.UserLogin)] = s
		}
	}
	return out, nil
}

// GetUserSubscription returns userID's subscription to broadcasterID, or
// ErrNotSubscribed when there is none.
func (hc *HelixClient) GetUserSubscription(ctx context.Context, token, broadcasterID, userID string) (*Subscription, error) {
	if broadcasterID == "" || userID == "" {
		return nil, fmt.Errorf("broadcaster id and user id are required")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("user_id", userID)
	var body struct {
		Data []Subscription `json:"data"`
	}
	err := hc.get(ctx, token, helixBase+"/subscriptions/user?"+q.Encode(), true, &body)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, ErrNotSubscribed
	}
	if err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, ErrNotSubscribed
	}
	return &body.Data[0], nil
}
