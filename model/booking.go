package model

import (
	"time"

	"github.com/courtsync/availability-service/apperror"
)

// ============================================================================
// DOMAIN ENTITIES (Internal - mirrored from the reservation service)
// ============================================================================

// BookingStatus is the lifecycle state reported by the reservation service.
type BookingStatus string

const (
	BookingActive    BookingStatus = "active"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
	BookingNoShow    BookingStatus = "no_show"
)

// PaymentStatus is the payment state reported by the reservation service.
type PaymentStatus string

const (
	PaymentPaid     PaymentStatus = "paid"
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentRefunded PaymentStatus = "refunded"
)

// Window is a half-open [Start, End) court time range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two windows share any instant.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Validate rejects inverted or empty windows.
func (w Window) Validate() error {
	if !w.Start.Before(w.End) {
		return apperror.New(400, "window start must be before end")
	}
	return nil
}

// DateKey is the scope date for a window, UTC.
func (w Window) DateKey() string {
	return w.Start.UTC().Format("2006-01-02")
}

// Booking is the local mirror of a reservation-service booking.
type Booking struct {
	ID            string        `json:"id"`
	CourtID       string        `json:"court_id"`
	ClubID        string        `json:"club_id"`
	Window        Window        `json:"window"`
	BookingStatus BookingStatus `json:"booking_status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Price         float64       `json:"price"`
	OwnerID       string        `json:"owner_id"`
	OwnerName     string        `json:"owner_name"`
}

// LockedSlot is a short-lived advisory hold on a (court, window) pair,
// created during checkout to keep two users from racing on the same slot.
// Advisory only: the reservation service stays authoritative and rejects
// real conflicts at creation time.
type LockedSlot struct {
	SlotID   string    `json:"slot_id"`
	CourtID  string    `json:"court_id"`
	ClubID   string    `json:"club_id"`
	OwnerID  string    `json:"owner_id,omitempty"`
	Window   Window    `json:"window"`
	LockedAt time.Time `json:"locked_at"`
}

// Expired reports whether the lock has outlived ttl at the given instant.
func (l LockedSlot) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.LockedAt) >= ttl
}

// ============================================================================
// API DATA TRANSFER OBJECTS (External - JSON for HTTP)
// ============================================================================

// CreateBookingRequest is the payload forwarded to the reservation service.
type CreateBookingRequest struct {
	CourtID   string    `json:"court_id" binding:"required"`
	ClubID    string    `json:"club_id" binding:"required"`
	Start     time.Time `json:"start" binding:"required"`
	End       time.Time `json:"end" binding:"required"`
	OwnerID   string    `json:"owner_id" binding:"required"`
	OwnerName string    `json:"owner_name"`
	Price     float64   `json:"price"`
}

// AvailabilityResponse answers "is this slot free" together with the
// change version the answer was computed at.
type AvailabilityResponse struct {
	CourtID   string `json:"court_id"`
	Window    Window `json:"window"`
	Available bool   `json:"available"`
	Version   int64  `json:"version"`
}

// BookingsResponse lists the cached bookings for a (club, date) scope.
type BookingsResponse struct {
	ClubID   string    `json:"club_id"`
	Date     string    `json:"date"`
	Bookings []Booking `json:"bookings"`
	Total    int       `json:"total"`
	Version  int64     `json:"version"`
}

// LockedSlotsResponse lists the non-expired holds for a court.
type LockedSlotsResponse struct {
	CourtID string       `json:"court_id"`
	Locks   []LockedSlot `json:"locks"`
}

// ConnectionResponse reports the state of both push channels.
type ConnectionResponse struct {
	Notification ChannelState `json:"notification"`
	Booking      ChannelState `json:"booking"`
	Version      int64        `json:"version"`
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the error envelope for all API failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
