package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// PUSH EVENT STRUCTURES (delivered over the realtime channels)
// ============================================================================

// Push event types emitted by the reservation service.
const (
	EventBookingCreated = "booking_created"
	EventBookingUpdated = "booking_updated"
	EventBookingDeleted = "booking_deleted"
	EventSlotLocked     = "slot_locked"
	EventSlotUnlocked   = "slot_unlocked"
	EventLockExpired    = "lock_expired"
)

// BookingPatch is a possibly-partial booking payload carried by
// booking_created/booking_updated events. Nil fields were not present in
// the payload and must not overwrite locally known values.
type BookingPatch struct {
	ID            string         `json:"id"`
	CourtID       *string        `json:"court_id,omitempty"`
	ClubID        *string        `json:"club_id,omitempty"`
	Start         *time.Time     `json:"start,omitempty"`
	End           *time.Time     `json:"end,omitempty"`
	BookingStatus *BookingStatus `json:"booking_status,omitempty"`
	PaymentStatus *PaymentStatus `json:"payment_status,omitempty"`
	Price         *float64       `json:"price,omitempty"`
	OwnerID       *string        `json:"owner_id,omitempty"`
	OwnerName     *string        `json:"owner_name,omitempty"`
}

// ApplyTo merges the non-nil fields of the patch into b.
func (p *BookingPatch) ApplyTo(b *Booking) {
	b.ID = p.ID
	if p.CourtID != nil {
		b.CourtID = *p.CourtID
	}
	if p.ClubID != nil {
		b.ClubID = *p.ClubID
	}
	if p.Start != nil {
		b.Window.Start = *p.Start
	}
	if p.End != nil {
		b.Window.End = *p.End
	}
	if p.BookingStatus != nil {
		b.BookingStatus = *p.BookingStatus
	}
	if p.PaymentStatus != nil {
		b.PaymentStatus = *p.PaymentStatus
	}
	if p.Price != nil {
		b.Price = *p.Price
	}
	if p.OwnerID != nil {
		b.OwnerID = *p.OwnerID
	}
	if p.OwnerName != nil {
		b.OwnerName = *p.OwnerName
	}
}

// PushEvent is the decoded envelope for one realtime event. Exactly one of
// Booking / Lock / SlotID carries the subject, depending on Type.
type PushEvent struct {
	Type      string        `json:"type"`
	ClubID    string        `json:"club_id"`
	Booking   *BookingPatch `json:"booking,omitempty"`
	BookingID string        `json:"booking_id,omitempty"`
	Lock      *LockedSlot   `json:"lock,omitempty"`
	SlotID    string        `json:"slot_id,omitempty"`
}

// SubjectID identifies the entity the event is about. Combined with Type
// it forms the deduplication key.
func (e *PushEvent) SubjectID() string {
	switch e.Type {
	case EventBookingCreated, EventBookingUpdated:
		if e.Booking != nil {
			return e.Booking.ID
		}
	case EventBookingDeleted:
		return e.BookingID
	case EventSlotLocked:
		if e.Lock != nil {
			return e.Lock.SlotID
		}
	case EventSlotUnlocked, EventLockExpired:
		return e.SlotID
	}
	return ""
}

// DedupKey is the `type:subjectID` identity used to suppress redelivery.
func (e *PushEvent) DedupKey() string {
	return e.Type + ":" + e.SubjectID()
}

// DecodePushEvent parses a raw frame or message value into a PushEvent.
func DecodePushEvent(data []byte) (*PushEvent, error) {
	var ev PushEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ============================================================================
// CONTROL MESSAGES (client -> server on the booking channel)
// ============================================================================

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ControlMessage switches the booking channel's club scope.
type ControlMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// BookingScope names the per-club booking subscription.
func BookingScope(clubID string) string {
	return "club:bookings:" + clubID
}

// ============================================================================
// CONNECTION STATE
// ============================================================================

// ChannelStatus is the connection state machine position for one channel.
type ChannelStatus string

const (
	StatusDisconnected ChannelStatus = "disconnected"
	StatusConnecting   ChannelStatus = "connecting"
	StatusConnected    ChannelStatus = "connected"
)

// ChannelState is a snapshot of one push channel.
type ChannelState struct {
	Channel          string        `json:"channel"`
	Status           ChannelStatus `json:"status"`
	SubscribedScopes []string      `json:"subscribed_scopes"`
	Degraded         bool          `json:"degraded"`
	Unauthorized     bool          `json:"unauthorized"`
}
