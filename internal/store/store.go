// Package store provides the durable key/value capability the timestamp
// cache persists through, plus the command audit log.
package store

import (
	"context"
	"sync"
	"time"
)

// PersistentStore is a small durable key/value store. Get reports ok=false
// for a missing key.
type PersistentStore interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
}

// CommandEntry is one command sent to the device.
type CommandEntry struct {
	ID      int64     `json:"id"`
	Command string    `json:"command"`
	Params  string    `json:"params"`
	OK      bool      `json:"ok"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type CommandLog interface {
	Record(ctx context.Context, e CommandEntry) error
	Recent(ctx context.Context, limit int) ([]CommandEntry, error)
}

// Memory keeps values for the life of the process.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

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
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// MemoryCommandLog retains the most recent entries up to its capacity.
type MemoryCommandLog struct {
	mu      sync.Mutex
	cap     int
	nextID  int64
	entries []CommandEntry
}

func NewMemoryCommandLog(capacity int) *MemoryCommandLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryCommandLog{cap: capacity}
}

func (l *MemoryCommandLog) Record(_ context.Context, e CommandEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	e.ID = l.nextID
	l.entries = append(l.entries, e)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *MemoryCommandLog) Recent(_ context.Context, limit int) ([]CommandEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CommandEntry, 0, min(limit, len(l.entries)))
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}
