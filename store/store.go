// Package store holds the in-memory mirror of reservation-service
// bookings, scoped by (club, date). Fetch results replace a scope
// wholesale; push events patch it incrementally. Every mutation is
// idempotent, so redelivered or reordered events cannot corrupt state.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/courtsync/availability-service/coalesce"
	"github.com/courtsync/availability-service/model"
	"github.com/courtsync/availability-service/service"
	"go.uber.org/zap"
)

// DefaultTTL is deliberately short: push events keep scopes fresh, the
// TTL only bounds how long a silent gap can go unnoticed.
const DefaultTTL = time.Minute

type scope struct {
	clubID   string
	date     string
	bookings map[string]model.Booking
	// stale forces the next read through to the backend even if the
	// coalescer still considers the scope fresh.
	stale bool
}

// Store is the booking cache. It is process-wide and outlives any single
// consumer; readers go through Bookings, writers through the Apply and
// Invalidate families only.
type Store struct {
	mu         sync.Mutex
	scopes     map[string]*scope
	backend    service.ReservationService
	co         *coalesce.Coalescer[[]model.Booking]
	ttl        time.Duration
	allowStale bool
	onChange   func()
	log        *zap.Logger
}

// New builds a store over the authoritative backend. ttl <= 0 uses
// DefaultTTL; now may be nil.
func New(backend service.ReservationService, ttl time.Duration, now func() time.Time, log *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		scopes:  make(map[string]*scope),
		backend: backend,
		co:      coalesce.New[[]model.Booking](ttl, now),
		ttl:     ttl,
		log:     log,
	}
}

// OnChange registers a single callback fired after every mutation.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// SetAllowStale switches degraded-mode reads on or off. While on, a
// failed refresh falls back to the last known scope contents.
func (s *Store) SetAllowStale(allow bool) {
	s.mu.Lock()
	s.allowStale = allow
	s.mu.Unlock()
}

func scopeKey(clubID, date string) string {
	return clubID + ":" + date
}

// Bookings returns the bookings for (clubID, date), refreshing through
// the coalescer when the scope is missing, expired, or marked stale.
func (s *Store) Bookings(ctx context.Context, clubID, date string) ([]model.Booking, error) {
	key := scopeKey(clubID, date)

	s.mu.Lock()
	sc := s.scopes[key]
	force := sc != nil && sc.stale
	allowStale := s.allowStale
	s.mu.Unlock()

	_, err := s.co.Fetch(ctx, key, coalesce.Options{Force: force, TTL: s.ttl}, func(ctx context.Context) ([]model.Booking, error) {
		list, err := s.backend.ListBookings(ctx, clubID, date)
		if err != nil {
			return nil, err
		}
		s.replaceScope(clubID, date, list)
		return list, nil
	})
	if err != nil {
		if allowStale {
			if snapshot, ok := s.snapshot(key); ok {
				s.log.Warn("serving stale bookings after failed refresh",
					zap.String("club_id", clubID),
					zap.String("date", date),
					zap.Error(err))
				return snapshot, nil
			}
		}
		return nil, err
	}

	// The scope map, not the fetch result, is canonical: push events may
	// have patched it since the coalescer cached the response.
	if snapshot, ok := s.snapshot(key); ok {
		return snapshot, nil
	}
	return nil, nil
}

// BookingsForCourt returns every cached booking on a court across all
// scopes. Read-only on cached data; it never triggers a fetch.
func (s *Store) BookingsForCourt(courtID string) []model.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Booking
	for _, sc := range s.scopes {
		for _, b := range sc.bookings {
			if b.CourtID == courtID {
				out = append(out, b)
			}
		}
	}
	return out
}

// ApplyCreated upserts a booking from a booking_created event. A payload
// missing its window or court cannot be materialized; the scope is marked
// stale instead so the next read refetches.
func (s *Store) ApplyCreated(clubID string, patch *model.BookingPatch) {
	if patch == nil || patch.ID == "" {
		return
	}
	if s.upsertKnown(patch) {
		return
	}
	if patch.CourtID == nil || patch.Start == nil || patch.End == nil {
		s.log.Warn("booking_created with partial payload, forcing refetch",
			zap.String("booking_id", patch.ID),
			zap.String("club_id", clubID))
		s.markClubStale(clubID)
		return
	}

	b := model.Booking{ClubID: clubID, BookingStatus: model.BookingActive, PaymentStatus: model.PaymentUnpaid}
	patch.ApplyTo(&b)

	key := scopeKey(b.ClubID, b.Window.DateKey())
	s.mu.Lock()
	sc, ok := s.scopes[key]
	if !ok {
		// Scope was never fetched; nothing cached to keep consistent.
		s.mu.Unlock()
		return
	}
	sc.bookings[b.ID] = b
	s.mu.Unlock()
	s.notify()
}

// ApplyUpdated merges a booking_updated patch into the known record.
// An unknown ID is never materialized from a partial payload: the club's
// scopes are marked stale so the next read refetches the truth.
func (s *Store) ApplyUpdated(clubID string, patch *model.BookingPatch) {
	if patch == nil || patch.ID == "" {
		return
	}
	if s.upsertKnown(patch) {
		return
	}
	s.log.Info("booking_updated for unknown booking, forcing refetch",
		zap.String("booking_id", patch.ID),
		zap.String("club_id", clubID))
	s.markClubStale(clubID)
}

// upsertKnown merges patch into an already-cached booking, relocating it
// if the patch moved its date. Returns false when the ID is unknown.
func (s *Store) upsertKnown(patch *model.BookingPatch) bool {
	s.mu.Lock()
	for key, sc := range s.scopes {
		b, ok := sc.bookings[patch.ID]
		if !ok {
			continue
		}
		patch.ApplyTo(&b)
		newKey := scopeKey(b.ClubID, b.Window.DateKey())
		if newKey == key {
			sc.bookings[b.ID] = b
		} else {
			delete(sc.bookings, b.ID)
			if target, cached := s.scopes[newKey]; cached {
				target.bookings[b.ID] = b
			}
			// A move out of every cached window is an eviction.
		}
		s.mu.Unlock()
		s.notify()
		return true
	}
	s.mu.Unlock()
	return false
}

// FindBooking returns a cached booking by ID.
func (s *Store) FindBooking(bookingID string) (model.Booking, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.scopes {
		if b, ok := sc.bookings[bookingID]; ok {
			return b, true
		}
	}
	return model.Booking{}, false
}

// ApplyDeleted removes a booking by ID, no-op if absent.
func (s *Store) ApplyDeleted(bookingID string) {
	s.mu.Lock()
	removed := false
	for _, sc := range s.scopes {
		if _, ok := sc.bookings[bookingID]; ok {
			delete(sc.bookings, bookingID)
			removed = true
		}
	}
	s.mu.Unlock()
	if removed {
		s.notify()
	}
}

// Invalidate drops freshness for one (club, date) scope.
func (s *Store) Invalidate(clubID, date string) {
	key := scopeKey(clubID, date)
	s.mu.Lock()
	if sc, ok := s.scopes[key]; ok {
		sc.stale = true
	}
	s.mu.Unlock()
	s.co.Invalidate(key)
	s.notify()
}

// InvalidateAll drops freshness everywhere. Called after reconnect
// resync, when any missed event may have touched any scope.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	for _, sc := range s.scopes {
		sc.stale = true
	}
	s.mu.Unlock()
	s.co.InvalidateAll()
	s.notify()
}

// EvictClub removes every scope of a club outright. Used when the club
// loses its push subscription and its cache can no longer be kept fresh.
func (s *Store) EvictClub(clubID string) {
	s.mu.Lock()
	evicted := false
	for key, sc := range s.scopes {
		if sc.clubID == clubID {
			delete(s.scopes, key)
			s.co.Invalidate(key)
			evicted = true
		}
	}
	s.mu.Unlock()
	if evicted {
		s.notify()
	}
}

func (s *Store) replaceScope(clubID, date string, list []model.Booking) {
	sc := &scope{
		clubID:   clubID,
		date:     date,
		bookings: make(map[string]model.Booking, len(list)),
	}
	for _, b := range list {
		sc.bookings[b.ID] = b
	}
	s.mu.Lock()
	s.scopes[scopeKey(clubID, date)] = sc
	s.mu.Unlock()
	s.notify()
}

func (s *Store) snapshot(key string) ([]model.Booking, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[key]
	if !ok {
		return nil, false
	}
	out := make([]model.Booking, 0, len(sc.bookings))
	for _, b := range sc.bookings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window.Start.Before(out[j].Window.Start) })
	return out, true
}

func (s *Store) markClubStale(clubID string) {
	s.mu.Lock()
	for key, sc := range s.scopes {
		if sc.clubID == clubID {
			sc.stale = true
			s.co.Invalidate(key)
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
