// Package realtime owns the push side of the sync engine: two logical
// channels (a platform-wide notification channel and a per-club booking
// channel), token acquisition, reconnection with bounded backoff, and
// the resync signal that closes event gaps after an outage.
package realtime

import (
	"context"

	"github.com/courtsync/availability-service/model"
)

// Channel names.
const (
	ChannelNotification = "notification"
	ChannelBooking      = "booking"
)

// Conn is one live transport connection. Implementations deliver events
// in server-send order for their channel; no ordering is guaranteed
// across channels.
type Conn interface {
	// ReadEvent blocks for the next event. A transport failure ends the
	// connection; the manager owns reconnecting.
	ReadEvent() (*model.PushEvent, error)

	// Send pushes a subscribe/unsubscribe control message.
	Send(msg model.ControlMessage) error

	Close() error
}

// Dialer establishes a connection for one channel. A 401/403 during the
// handshake must surface as an auth error so the manager stops retrying
// until re-authentication.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}
