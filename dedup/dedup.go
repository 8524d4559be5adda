// Package dedup suppresses redelivery of identical push events inside a
// short window. Transports replay events on reconnect and multi-worker
// emitters occasionally double-send; this is the first line of defense.
// Mutation handlers stay idempotent on their own, since a window-based
// filter cannot be trusted across process restarts or clock skew.
package dedup

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is how long an event identity is remembered.
const DefaultWindow = 5 * time.Second

// Store decides whether an event identity was already seen.
type Store interface {
	// ShouldProcess returns true on the first occurrence of eventID and
	// false for repeats inside the window. On store failure it fails
	// open: a duplicate slipping through is safe, a dropped event is not.
	ShouldProcess(ctx context.Context, eventID string) bool

	// Close releases timers or connections held by the store.
	Close() error
}

// Memory is the in-process Store used by single-replica deployments.
type Memory struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

// NewMemory builds an in-memory store. window <= 0 uses DefaultWindow;
// now may be nil.
func NewMemory(window time.Duration, now func() time.Time) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	m := &Memory{
		seen:   make(map[string]time.Time),
		window: window,
		now:    now,
		stop:   make(chan struct{}),
	}
	go m.janitor()
	return m
}

// ShouldProcess implements Store.
func (m *Memory) ShouldProcess(_ context.Context, eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if seenAt, ok := m.seen[eventID]; ok && now.Sub(seenAt) < m.window {
		return false
	}
	m.seen[eventID] = now
	return true
}

// Close stops the background cleanup.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.forgetExpired()
		}
	}
}

func (m *Memory) forgetExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, seenAt := range m.seen {
		if now.Sub(seenAt) >= m.window {
			delete(m.seen, id)
		}
	}
}

var _ Store = (*Memory)(nil)
