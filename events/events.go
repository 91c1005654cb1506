// Package events carries notifications from the daemon to connected UIs.
package events

import "sync"

// Event names delivered to UIs.
const (
	StatusChanged = "statusChanged"
	StatsUpdated  = "statsUpdated"
	Log           = "log"
	OverlayData   = "overlayData"
)

// Publisher delivers a named event. Implementations must not block.
type Publisher interface {
	Publish(name string, payload any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(string, any) {}

// Event is one published notification.
type Event struct {
	Name    string
	Payload any
}

// Recorder keeps published events in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(name string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, Event{Name: name, Payload: payload})
	r.mu.Unlock()
}

// Named returns the recorded events with the given name, oldest first.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
