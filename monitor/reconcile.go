package monitor

import (
	"strings"

	"github.com/onnwee/channel-warden/twitchapi"
)

// Channel status values as persisted under channelStatus.
const (
	StatusLive    = "live"
	StatusOffline = "offline"
)

// Plan is the outcome of one reconciliation: what to close, what to open and
// the status every configured channel ends the cycle with.
type Plan struct {
	Opens  []string
	Closes []string
	Status map[string]string
}

// Reconcile decides the open and close sets for one cycle.
//
// prev is the status snapshot taken at cycle start and is not modified. live
// is keyed by lower-case login. hasEntry reports whether the registry already
// holds an artifact for a channel; a channel with an entry is never opened.
// A channel missing from prev is treated as offline, so it opens as soon as it
// is seen live. On the first check after activation a channel already recorded
// as live is opened only if it has no entry, which covers a restart that lost
// its tabs without duplicating the ones that survived.
func Reconcile(channels []string, prev map[string]string, live map[string]twitchapi.Stream, hasEntry func(string) bool, firstCheck bool) Plan {
	p := Plan{Status: make(map[string]string, len(channels))}
	for _, ch := range channels {
		if _, seen := p.Status[ch]; seen {
			continue
		}
		current := StatusOffline
		if _, ok := live[strings.ToLower(ch)]; ok {
			current = StatusLive
		}
		previous, known := prev[ch]
		if !known || previous != StatusLive {
			previous = StatusOffline
		}
		p.Status[ch] = current

		switch {
		case previous == StatusOffline && current == StatusLive:
			if !hasEntry(ch) {
				p.Opens = append(p.Opens, ch)
			}
		case previous == StatusLive && current == StatusLive:
			if firstCheck && !hasEntry(ch) {
				p.Opens = append(p.Opens, ch)
			}
		case previous == StatusLive && current == StatusOffline:
			p.Closes = append(p.Closes, ch)
		}
	}
	return p
}

// LiveCount returns how many channels in status are live.
func LiveCount(status map[string]string) int {
	n := 0
	for _, s := range status {
		if s == StatusLive {
			n++
		}
	}
	return n
}
