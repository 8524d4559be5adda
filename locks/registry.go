// Package locks tracks short-lived pessimistic holds on court slots.
// Holds gray out slots another user is checking out; they are advisory
// only. The reservation service detects real conflicts at booking
// creation, so nothing here is ever treated as a correctness source.
package locks

import (
	"sync"
	"time"

	"github.com/courtsync/availability-service/model"
	"go.uber.org/zap"
)

const (
	// DefaultTTL matches the reservation service's checkout hold window.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval paces the background expiry sweep. Reads also
	// drop expired locks lazily, so the sweep only bounds memory.
	DefaultSweepInterval = 30 * time.Second
)

// Registry holds the non-expired locks, keyed by slot ID.
type Registry struct {
	mu       sync.Mutex
	locks    map[string]model.LockedSlot
	ttl      time.Duration
	now      func() time.Time
	onChange func()
	log      *zap.Logger
	stop     chan struct{}
	once     sync.Once
}

// NewRegistry builds a registry and starts its sweep loop. ttl and
// sweepInterval fall back to defaults when <= 0; now may be nil.
func NewRegistry(ttl, sweepInterval time.Duration, now func() time.Time, log *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		locks: make(map[string]model.LockedSlot),
		ttl:   ttl,
		now:   now,
		log:   log,
		stop:  make(chan struct{}),
	}
	go r.sweepLoop(sweepInterval)
	return r
}

// OnChange registers a single callback fired after every mutation that
// changed the set of locks.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// AddLock inserts a hold. Duplicate slot IDs are a no-op, so redelivered
// slot_locked events cannot reset a hold's expiry. Returns true if the
// lock was inserted.
func (r *Registry) AddLock(lock model.LockedSlot) bool {
	r.mu.Lock()
	if existing, ok := r.locks[lock.SlotID]; ok && !existing.Expired(r.now(), r.ttl) {
		r.mu.Unlock()
		return false
	}
	if lock.LockedAt.IsZero() {
		lock.LockedAt = r.now()
	}
	r.locks[lock.SlotID] = lock
	r.mu.Unlock()

	r.notify()
	return true
}

// RemoveLock drops a hold by slot ID, no-op if absent. Returns true if a
// lock was removed.
func (r *Registry) RemoveLock(slotID string) bool {
	r.mu.Lock()
	_, ok := r.locks[slotID]
	if ok {
		delete(r.locks, slotID)
	}
	r.mu.Unlock()

	if ok {
		r.notify()
	}
	return ok
}

// SweepExpired removes every lock that has outlived the TTL at now and
// returns how many were dropped.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	removed := 0
	for id, lock := range r.locks {
		if lock.Expired(now, r.ttl) {
			delete(r.locks, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		if r.log != nil {
			r.log.Debug("swept expired slot locks", zap.Int("removed", removed))
		}
		r.notify()
	}
	return removed
}

// IsLocked reports whether a non-expired hold overlaps the court/window.
// Expired entries encountered on the way are dropped.
func (r *Registry) IsLocked(courtID string, window model.Window) bool {
	now := r.now()
	r.SweepExpired(now)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lock := range r.locks {
		if lock.CourtID == courtID && lock.Window.Overlaps(window) {
			return true
		}
	}
	return false
}

// ForCourt returns the non-expired holds on a court.
func (r *Registry) ForCourt(courtID string) []model.LockedSlot {
	now := r.now()
	r.SweepExpired(now)

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.LockedSlot, 0)
	for _, lock := range r.locks {
		if lock.CourtID == courtID {
			out = append(out, lock)
		}
	}
	return out
}

// Close stops the sweep loop.
func (r *Registry) Close() error {
	r.once.Do(func() { close(r.stop) })
	return nil
}

func (r *Registry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.SweepExpired(r.now())
		}
	}
}

func (r *Registry) notify() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}
