// Package engine composes the booking cache, the slot lock registry,
// the deduplicator and the connection manager into one queryable
// availability surface with a change-version counter.
package engine

import (
	"context"
	"sync/atomic"

	"github.com/courtsync/availability-service/apperror"
	"github.com/courtsync/availability-service/dedup"
	"github.com/courtsync/availability-service/locks"
	"github.com/courtsync/availability-service/model"
	"github.com/courtsync/availability-service/realtime"
	"github.com/courtsync/availability-service/service"
	"github.com/courtsync/availability-service/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reconciler is the public read/write API of the sync engine. It is a
// process-wide singleton: constructed at session start, closed at logout.
type Reconciler struct {
	store   *store.Store
	locks   *locks.Registry
	mgr     *realtime.Manager
	dedup   dedup.Store
	backend service.ReservationService
	log     *zap.Logger
	version atomic.Int64
}

// New wires the engine together. Every store or registry change bumps
// the version counter, so consumers detect change without deep compares.
func New(
	st *store.Store,
	reg *locks.Registry,
	mgr *realtime.Manager,
	dd dedup.Store,
	backend service.ReservationService,
	log *zap.Logger,
) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reconciler{
		store:   st,
		locks:   reg,
		mgr:     mgr,
		dedup:   dd,
		backend: backend,
		log:     log,
	}
	st.OnChange(r.bump)
	reg.OnChange(r.bump)
	mgr.OnEvent(r.handleEvent)
	mgr.OnResync(r.handleResync)
	mgr.OnDegraded(r.handleDegraded)
	return r
}

// Start opens the push channels.
func (r *Reconciler) Start(ctx context.Context) {
	r.mgr.Start(ctx)
}

// Close tears down channels, sweep timers and the dedup store.
func (r *Reconciler) Close() error {
	_ = r.mgr.Close()
	_ = r.locks.Close()
	return r.dedup.Close()
}

// Version is the monotonically increasing change counter.
func (r *Reconciler) Version() int64 {
	return r.version.Load()
}

// IsAvailable reports whether a court window has no active booking and
// no live checkout hold. Booking data refreshes through the coalescer
// when stale; holds are advisory and checked as-is.
func (r *Reconciler) IsAvailable(ctx context.Context, courtID string, w model.Window) (bool, error) {
	if err := w.Validate(); err != nil {
		return false, err
	}

	if club := r.mgr.ActiveClub(); club != "" {
		if _, err := r.store.Bookings(ctx, club, w.DateKey()); err != nil {
			return false, err
		}
	}

	for _, b := range r.store.BookingsForCourt(courtID) {
		if b.BookingStatus == model.BookingActive && b.Window.Overlaps(w) {
			return false, nil
		}
	}
	if r.locks.IsLocked(courtID, w) {
		return false, nil
	}
	return true, nil
}

// GetBookings returns the bookings for (clubID, date), fetch-if-stale.
func (r *Reconciler) GetBookings(ctx context.Context, clubID, date string) ([]model.Booking, error) {
	return r.store.Bookings(ctx, clubID, date)
}

// GetLockedSlots returns the live holds on a court.
func (r *Reconciler) GetLockedSlots(courtID string) []model.LockedSlot {
	return r.locks.ForCourt(courtID)
}

// ConnectionStatus snapshots both channels plus the current version.
func (r *Reconciler) ConnectionStatus() model.ConnectionResponse {
	return model.ConnectionResponse{
		Notification: r.mgr.State(realtime.ChannelNotification),
		Booking:      r.mgr.State(realtime.ChannelBooking),
		Version:      r.Version(),
	}
}

// SetActiveClub switches the booking channel's tenant. The previous
// club's cache is evicted: without a subscription it cannot stay fresh.
func (r *Reconciler) SetActiveClub(clubID string) {
	old := r.mgr.ActiveClub()
	r.mgr.SetActiveClub(clubID)
	if old != "" && old != clubID {
		r.store.EvictClub(old)
	}
}

// CreateBooking submits a booking to the authoritative service. The
// cache is not mutated optimistically; the scope is invalidated once the
// server accepts, and the push event or refetch brings the real record.
// Conflict and validation errors propagate untouched.
func (r *Reconciler) CreateBooking(ctx context.Context, req model.CreateBookingRequest) (*model.Booking, error) {
	w := model.Window{Start: req.Start, End: req.End}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	booking, err := r.backend.CreateBooking(ctx, req)
	if err != nil {
		return nil, err
	}
	r.store.Invalidate(req.ClubID, w.DateKey())
	return booking, nil
}

// CancelBooking cancels on the authoritative service, then invalidates
// the booking's scope (or everything, if the booking is not cached).
func (r *Reconciler) CancelBooking(ctx context.Context, bookingID string) error {
	if err := r.backend.CancelBooking(ctx, bookingID); err != nil {
		return err
	}
	if b, ok := r.store.FindBooking(bookingID); ok {
		r.store.Invalidate(b.ClubID, b.Window.DateKey())
	} else {
		r.store.InvalidateAll()
	}
	return nil
}

// HoldSlot places a local optimistic hold while a checkout is in
// flight, before the server's slot_locked event round-trips.
func (r *Reconciler) HoldSlot(clubID, courtID, ownerID string, w model.Window) (model.LockedSlot, error) {
	if err := w.Validate(); err != nil {
		return model.LockedSlot{}, err
	}
	if r.locks.IsLocked(courtID, w) {
		return model.LockedSlot{}, apperror.New(409, "slot already held")
	}
	lock := model.LockedSlot{
		SlotID:  uuid.NewString(),
		CourtID: courtID,
		ClubID:  clubID,
		OwnerID: ownerID,
		Window:  w,
	}
	r.locks.AddLock(lock)
	return lock, nil
}

// ReleaseSlot drops a local hold.
func (r *Reconciler) ReleaseSlot(slotID string) {
	r.locks.RemoveLock(slotID)
}

// InvalidateScope drops freshness for one (club, date) scope.
func (r *Reconciler) InvalidateScope(clubID, date string) {
	r.store.Invalidate(clubID, date)
}

// InvalidateAll drops freshness everywhere.
func (r *Reconciler) InvalidateAll() {
	r.store.InvalidateAll()
}

func (r *Reconciler) bump() {
	r.version.Add(1)
}

// handleEvent is the single mutation path for push-delivered state.
// Dedup is first-line defense; every apply below is idempotent on its
// own, so a duplicate slipping through is harmless.
func (r *Reconciler) handleEvent(ev *model.PushEvent) {
	ctx := context.Background()
	if !r.dedup.ShouldProcess(ctx, ev.DedupKey()) {
		r.log.Debug("suppressed duplicate event", zap.String("key", ev.DedupKey()))
		return
	}

	switch ev.Type {
	case model.EventBookingCreated:
		r.store.ApplyCreated(ev.ClubID, ev.Booking)
	case model.EventBookingUpdated:
		r.store.ApplyUpdated(ev.ClubID, ev.Booking)
	case model.EventBookingDeleted:
		r.store.ApplyDeleted(ev.BookingID)
	case model.EventSlotLocked:
		if ev.Lock != nil {
			r.locks.AddLock(*ev.Lock)
		}
	case model.EventSlotUnlocked, model.EventLockExpired:
		r.locks.RemoveLock(ev.SlotID)
	default:
		r.log.Debug("ignoring unknown event type", zap.String("type", ev.Type))
	}
}

// handleResync force-refreshes every cache after a reconnect closed an
// event gap, and leaves degraded mode if we were in it.
func (r *Reconciler) handleResync(channel string) {
	r.log.Info("resync: invalidating caches", zap.String("channel", channel))
	r.store.SetAllowStale(false)
	r.store.InvalidateAll()
}

// handleDegraded switches reads to stale-tolerant mode once a channel
// has exhausted its reconnect budget.
func (r *Reconciler) handleDegraded(channel string) {
	r.log.Warn("channel degraded, serving stale reads", zap.String("channel", channel))
	r.store.SetAllowStale(true)
}
