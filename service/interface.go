package service

import (
	"context"

	"github.com/courtsync/availability-service/model"
)

// ReservationService is the authoritative booking backend. The local
// cache only mirrors what this service reports; it never overrules it.
type ReservationService interface {
	// ListBookings returns the bookings for a club on a date (YYYY-MM-DD).
	ListBookings(ctx context.Context, clubID, date string) ([]model.Booking, error)

	// CreateBooking submits a booking. Conflicting slots come back as a
	// conflict error; the server is the only conflict authority.
	CreateBooking(ctx context.Context, req model.CreateBookingRequest) (*model.Booking, error)

	// CancelBooking cancels a booking by ID.
	CancelBooking(ctx context.Context, bookingID string) error

	// ChannelToken obtains a short-lived token for the push channels.
	// 401/403 surfaces as an auth error, never as a transport failure.
	ChannelToken(ctx context.Context) (string, error)
}
