package store

import (
	"bytes"
	"context"
	"sync"
)

// Memory is an in-process Store. It is used in tests and when the daemon runs
// with DB_DSN=memory.
type Memory struct {
	notifier
	mu   sync.RWMutex
	data map[string][]byte
	// FailWrites makes every Set/Remove fail; tests use it to exercise StorageError paths.
	FailWrites error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	if m.FailWrites != nil {
		err := m.FailWrites
		m.mu.Unlock()
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	old := m.data[key]
	m.data[key] = bytes.Clone(value)
	m.mu.Unlock()
	m.notify(Change{Key: key, Old: old, New: bytes.Clone(value)})
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	if m.FailWrites != nil {
		err := m.FailWrites
		m.mu.Unlock()
		return &StorageError{Op: "remove", Key: key, Err: err}
	}
	old, ok := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()
	if ok {
		m.notify(Change{Key: key, Old: old, Removed: true})
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
