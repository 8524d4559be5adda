// Package websocket implements the realtime transport over a websocket
// endpoint exposed by the reservation service.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/courtsync/availability-service/apperror"
	"github.com/courtsync/availability-service/model"
	"github.com/courtsync/availability-service/realtime"
	"github.com/gorilla/websocket"
)

const (
	ackTimeout = 10 * time.Second

	// Frame types that carry no domain event.
	frameAck  = "connection_established"
	framePing = "ping"
)

// Dialer connects to one channel endpoint, e.g.
// ws://host/api/realtime/notifications.
type Dialer struct {
	URL string
}

// Dial opens the socket and waits for the server's ack frame. 401/403 on
// the handshake surfaces as an auth error, not a transport one.
func (d *Dialer) Dial(ctx context.Context, token string) (realtime.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperror.Unauthorized("realtime endpoint rejected channel token")
		}
		return nil, apperror.Transport("websocket dial failed", err)
	}

	conn := &Conn{ws: ws}
	if err := conn.awaitAck(); err != nil {
		ws.Close()
		return nil, err
	}
	return conn, nil
}

// Conn is one live websocket session.
type Conn struct {
	ws *websocket.Conn
}

type frame struct {
	Type string `json:"type"`
}

func (c *Conn) awaitAck() error {
	if err := c.ws.SetReadDeadline(time.Now().Add(ackTimeout)); err != nil {
		return apperror.Transport("failed to arm ack deadline", err)
	}
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return apperror.Transport("no ack from realtime endpoint", err)
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type != frameAck {
		return apperror.Transport(fmt.Sprintf("unexpected handshake frame %q", f.Type), err)
	}
	return c.ws.SetReadDeadline(time.Time{})
}

// ReadEvent blocks for the next domain event, skipping keepalive frames.
func (c *Conn) ReadEvent() (*model.PushEvent, error) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			// Malformed frames are skipped, not fatal: one bad emit must
			// not tear the channel down.
			continue
		}
		if f.Type == framePing || f.Type == frameAck {
			continue
		}

		ev, err := model.DecodePushEvent(raw)
		if err != nil {
			continue
		}
		return ev, nil
	}
}

// Send writes a subscribe/unsubscribe control message.
func (c *Conn) Send(msg model.ControlMessage) error {
	return c.ws.WriteJSON(msg)
}

// Close ends the session.
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
