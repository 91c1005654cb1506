// Package host describes the browser operations the daemon needs from the
// extension: creating and removing tabs and windows, querying them, muting,
// changing window state and delivering messages to content scripts.
package host

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNotFound is returned when a tab or window id no longer exists.
var ErrNotFound = errors.New("host: no such tab or window")

// Kind distinguishes the two artifact types.
type Kind string

const (
	KindTab    Kind = "tab"
	KindWindow Kind = "window"
)

// WindowState values accepted by SetWindowState.
type WindowState string

const (
	WindowMinimized WindowState = "minimized"
	WindowMaximized WindowState = "maximized"
	WindowNormal    WindowState = "normal"
)

// OpenRequest describes one artifact to create.
type OpenRequest struct {
	URL  string `json:"url"`
	Kind Kind   `json:"kind"`
	// Focused is false when the artifact should open in the background.
	Focused bool `json:"focused"`
	Width   int  `json:"width,omitempty"`
	Height  int  `json:"height,omitempty"`
}

// Artifact is a tab or window created by the host. For windows TabID is the
// window's first tab.
type Artifact struct {
	Kind  Kind `json:"kind"`
	ID    int  `json:"id"`
	TabID int  `json:"tabId,omitempty"`
}

func (a Artifact) String() string { return fmt.Sprintf("%s:%d", a.Kind, a.ID) }

// Tab is a browser tab as reported by QueryTabs.
type Tab struct {
	ID       int    `json:"id"`
	WindowID int    `json:"windowId"`
	URL      string `json:"url"`
	Complete bool   `json:"complete"`
}

// Host is implemented by the extension bridge and by test fakes.
type Host interface {
	Open(ctx context.Context, req OpenRequest) (Artifact, error)
	// Exists reports whether the artifact is still open.
	Exists(ctx context.Context, a Artifact) (bool, error)
	// Remove closes the artifact. It returns ErrNotFound if it is already gone.
	Remove(ctx context.Context, a Artifact) error
	// List enumerates the ids of every open artifact of kind.
	List(ctx context.Context, kind Kind) ([]int, error)
	Mute(ctx context.Context, tabID int) error
	SetWindowState(ctx context.Context, windowID int, state WindowState) error
	GetTab(ctx context.Context, tabID int) (Tab, error)
	// QueryTabs returns tabs whose URL matches a match pattern such as "*://www.twitch.tv/*".
	QueryTabs(ctx context.Context, pattern string) ([]Tab, error)
	SendToTab(ctx context.Context, tabID int, msg any) error
}

// MatchURLPattern reports whether url matches a browser match pattern where
// "*" in the scheme means http or https and "*" elsewhere matches any run of
// characters.
func MatchURLPattern(pattern, url string) bool {
	scheme, rest, ok := strings.Cut(pattern, "://")
	if !ok {
		return false
	}
	expr := regexp.QuoteMeta(scheme)
	if scheme == "*" {
		expr = "https?"
	}
	expr += "://" + strings.ReplaceAll(regexp.QuoteMeta(rest), `\*`, ".*")
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return false
	}
	return re.MatchString(url)
}
