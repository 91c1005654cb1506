package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types on the bridge socket.
const (
	// TypeRequest is sent by the daemon; the extension answers with TypeResponse.
	TypeRequest  = "request"
	TypeResponse = "response"
	// TypeEvent reports something the browser did (tab closed, tab loaded, suspend).
	TypeEvent = "event"
	// TypeAction carries a UI or page message; the daemon answers with TypeActionResult.
	TypeAction       = "action"
	TypeActionResult = "actionResult"
	// TypeNotify pushes a daemon event (statusChanged, statsUpdated, log) to UIs.
	TypeNotify = "notify"
)

// Request methods implemented by the extension.
const (
	MethodOpen              = "open"
	MethodExists            = "exists"
	MethodRemove            = "remove"
	MethodList              = "list"
	MethodMute              = "mute"
	MethodSetWindowState    = "setWindowState"
	MethodGetTab            = "getTab"
	MethodQueryTabs         = "queryTabs"
	MethodSendToTab         = "sendToTab"
	MethodLaunchWebAuthFlow = "launchWebAuthFlow"
)

// Event names sent by the extension.
const (
	EventTabRemoved    = "tabRemoved"
	EventWindowRemoved = "windowRemoved"
	EventTabComplete   = "tabComplete"
	EventSuspend       = "suspend"
)

// CodeNotFound is the remote error code for a tab or window that no longer exists.
const CodeNotFound = "not_found"

var (
	ErrNotConnected = errors.New("bridge: extension not connected")
	ErrDisconnected = errors.New("bridge: extension disconnected")
	ErrTimeout      = errors.New("bridge: request timed out")
)

// Message is the single envelope used in both directions.
type Message struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// RemoteError is a failure reported by the extension.
type RemoteError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "extension: " + e.Message
	}
	return fmt.Sprintf("extension: %s: %s", e.Code, e.Message)
}

// Event is an inbound browser event.
type Event struct {
	Name     string `json:"-"`
	TabID    int    `json:"tabId,omitempty"`
	WindowID int    `json:"windowId,omitempty"`
	URL      string `json:"url,omitempty"`
}
