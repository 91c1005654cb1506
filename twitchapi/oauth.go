package twitchapi

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// ImplicitGrant holds the parameters of the browser-driven implicit grant.
type ImplicitGrant struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
}

// SplitScopes accepts space or comma separated scope lists.
func SplitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
}

// AuthorizeURL builds the authorize URL requesting response_type=token.
func (g ImplicitGrant) AuthorizeURL(state string) (string, error) {
	if g.ClientID == "" || g.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	cfg := oauth2.Config{
		ClientID:    g.ClientID,
		Endpoint:    twitch.Endpoint,
		RedirectURL: g.RedirectURI,
		Scopes:      g.Scopes,
	}
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("response_type", "token")), nil
}

// FragmentError is an error reported by Twitch in the redirect fragment.
type FragmentError struct {
	Code        string
	Description string
}

func (e *FragmentError) Error() string {
	if e.Description == "" {
		return "authorization failed: " + e.Code
	}
	return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
}

var (
	ErrNoAccessToken = errors.New("redirect carries no access_token")
	ErrStateMismatch = errors.New("redirect state does not match request")
)

// ParseTokenFragment extracts access_token from a redirect URL of the implicit
// grant. When wantState is non-empty the fragment's state must equal it.
// Twitch reports denials in the query string, so both are inspected for error.
func ParseTokenFragment(redirect, wantState string) (string, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return "", fmt.Errorf("parse redirect: %w", err)
	}
	frag, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return "", fmt.Errorf("parse fragment: %w", err)
	}
	for _, vals := range []url.Values{frag, u.Query()} {
		if code := vals.Get("error"); code != "" {
			return "", &FragmentError{Code: code, Description: vals.Get("error_description")}
		}
	}
	if wantState != "" && frag.Get("state") != wantState {
		return "", ErrStateMismatch
	}
	tok := frag.Get("access_token")
	if tok == "" {
		return "", ErrNoAccessToken
	}
	return tok, nil
}
