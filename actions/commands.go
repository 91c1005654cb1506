// Package actions is the request/response surface used by the popup, the
// settings and stats pages and the content scripts. Every message is parsed
// into one Command variant and handled by exactly one Dispatcher method.
package actions

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownAction is returned by Parse for an unrecognized action name.
var ErrUnknownAction = errors.New("unknown action")

// Command is one parsed message. The set of variants is closed.
type Command interface {
	Action() string
	command()
}

type (
	StartMonitoring   struct{}
	StopMonitoring    struct{}
	GetStatus         struct{}
	RefreshToken      struct{}
	GetChannelData    struct{}
	GetRewardStats    struct{}
	ClearRewardStats  struct{}
	ConfigUpdated     struct{}
	GetInitialOverlay struct{}

	// ForceUpdateOverlay pushes the overlay with showOverlay overridden.
	ForceUpdateOverlay struct {
		ShowOverlay bool `json:"showOverlay"`
	}

	// RewardClaimed is reported by the page after a claim attempt. Points is
	// the base amount; zero means the configured default.
	RewardClaimed struct {
		Channel string `json:"channel"`
		Success bool   `json:"success"`
		Points  int    `json:"points"`
	}

	RewardNotFound struct {
		Channel string `json:"channel"`
	}

	// MinimizeCurrentWindow and MaximizeCurrentWindow act on the window that
	// holds TabID.
	MinimizeCurrentWindow struct {
		TabID int `json:"tabId"`
	}
	MaximizeCurrentWindow struct {
		TabID int `json:"tabId"`
	}
)

// Action names on the wire.
const (
	ActionStartMonitoring       = "startMonitoring"
	ActionStopMonitoring        = "stopMonitoring"
	ActionGetStatus             = "getStatus"
	ActionRefreshToken          = "refreshToken"
	ActionGetChannelData        = "getChannelData"
	ActionGetRewardStats        = "getRewardStats"
	ActionClearRewardStats      = "clearRewardStats"
	ActionConfigUpdated         = "configUpdated"
	ActionForceUpdateOverlay    = "forceUpdateOverlay"
	ActionGetInitialOverlay     = "getInitialOverlay"
	ActionRewardClaimed         = "rewardClaimed"
	ActionRewardNotFound        = "rewardNotFound"
	ActionMinimizeCurrentWindow = "minimizeCurrentWindow"
	ActionMaximizeCurrentWindow = "maximizeCurrentWindow"
)

func (*StartMonitoring) Action() string       { return ActionStartMonitoring }
func (*StopMonitoring) Action() string        { return ActionStopMonitoring }
func (*GetStatus) Action() string             { return ActionGetStatus }
func (*RefreshToken) Action() string          { return ActionRefreshToken }
func (*GetChannelData) Action() string        { return ActionGetChannelData }
func (*GetRewardStats) Action() string        { return ActionGetRewardStats }
func (*ClearRewardStats) Action() string      { return ActionClearRewardStats }
func (*ConfigUpdated) Action() string         { return ActionConfigUpdated }
func (*ForceUpdateOverlay) Action() string    { return ActionForceUpdateOverlay }
func (*GetInitialOverlay) Action() string     { return ActionGetInitialOverlay }
func (*RewardClaimed) Action() string         { return ActionRewardClaimed }
func (*RewardNotFound) Action() string        { return ActionRewardNotFound }
func (*MinimizeCurrentWindow) Action() string { return ActionMinimizeCurrentWindow }
func (*MaximizeCurrentWindow) Action() string { return ActionMaximizeCurrentWindow }

func (*StartMonitoring) command()       {}
func (*StopMonitoring) command()        {}
func (*GetStatus) command()             {}
func (*RefreshToken) command()          {}
func (*GetChannelData) command()        {}
func (*GetRewardStats) command()        {}
func (*ClearRewardStats) command()      {}
func (*ConfigUpdated) command()         {}
func (*ForceUpdateOverlay) command()    {}
func (*GetInitialOverlay) command()     {}
func (*RewardClaimed) command()         {}
func (*RewardNotFound) command()        {}
func (*MinimizeCurrentWindow) command() {}
func (*MaximizeCurrentWindow) command() {}

var variants = map[string]func() Command{
	ActionStartMonitoring:       func() Command { return &StartMonitoring{} },
	ActionStopMonitoring:        func() Command { return &StopMonitoring{} },
	ActionGetStatus:             func() Command { return &GetStatus{} },
	ActionRefreshToken:          func() Command { return &RefreshToken{} },
	ActionGetChannelData:        func() Command { return &GetChannelData{} },
	ActionGetRewardStats:        func() Command { return &GetRewardStats{} },
	ActionClearRewardStats:      func() Command { return &ClearRewardStats{} },
	ActionConfigUpdated:         func() Command { return &ConfigUpdated{} },
	ActionForceUpdateOverlay:    func() Command { return &ForceUpdateOverlay{} },
	ActionGetInitialOverlay:     func() Command { return &GetInitialOverlay{} },
	ActionRewardClaimed:         func() Command { return &RewardClaimed{} },
	ActionRewardNotFound:        func() Command { return &RewardNotFound{} },
	ActionMinimizeCurrentWindow: func() Command { return &MinimizeCurrentWindow{} },
	ActionMaximizeCurrentWindow: func() Command { return &MaximizeCurrentWindow{} },
}

// Parse decodes a message of the form {"action": "...", ...fields}.
func Parse(raw []byte) (Command, error) {
	var env struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	newCmd, ok := variants[env.Action]
	if !ok {
		return nil, ErrUnknownAction
	}
	cmd := newCmd()
	if err := json.Unmarshal(raw, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Action, err)
	}
	return cmd, nil
}
