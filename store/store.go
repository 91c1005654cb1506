// Package store is the persistent key-value store shared by every component of
// the daemon: settings, the OAuth token, channel status, the reward ledger and the
// log ring buffer all live here as JSON values. Writers are notified to
// subscribers so that interested components (the supervisor watching the polling
// interval, for example) can react to external edits.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Well-known keys.
const (
	KeyChannels         = "channels"
	KeyDelay            = "delay"
	KeySeparateWindow   = "separateWindow"
	KeyMute             = "mute"
	KeyMinimize         = "minimize"
	KeyMaximize         = "maximize"
	KeyDetailedLogging  = "detailedLogging"
	KeyShowOverlay      = "showOverlay"
	KeyAutostart        = "autostart"
	KeyToken            = "oAuth"
	KeyChannelStatus    = "channelStatus"
	KeyLastStatusUpdate = "lastStatusUpdate"
	KeyRewardStats      = "rewardStats"
	KeyLogs             = "logs"
	KeyLastLiveStreams  = "lastLiveStreams"
	KeyLastOverlayData  = "lastOverlayData"
	KeyMonitoringActive = "monitoringActive"
)

// Change describes a single write observed by subscribers. Removed is set when
// the key was deleted; New is nil in that case.
type Change struct {
	Key     string
	Old     []byte
	New     []byte
	Removed bool
}

// Store is a durable key-value store with change notifications.
type Store interface {
	// Get returns the raw value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Subscribe registers fn for every subsequent write. The returned function
	// unregisters it. Callbacks run synchronously after the write is durable and
	// must not block.
	Subscribe(fn func(Change)) (cancel func())
	Ping(ctx context.Context) error
}

// StorageError wraps a failure of the underlying persistence layer.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// GetJSON decodes the value under key into v. It reports false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, &StorageError{Op: "decode", Key: key, Err: err}
	}
	return true, nil
}

// SetJSON encodes v and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &StorageError{Op: "encode", Key: key, Err: err}
	}
	return s.Set(ctx, key, raw)
}

// notifier fans change notifications out to subscribers.
type notifier struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Change)
}

func (n *notifier) Subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(Change))
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *notifier) notify(c Change) {
	n.mu.RLock()
	fns := make([]func(Change), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}
