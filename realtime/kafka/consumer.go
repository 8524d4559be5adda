// Package kafka implements the realtime transport over a Kafka topic,
// for deployments where the reservation service publishes its push
// events to a broker instead of a socket endpoint. Subscription scope is
// enforced client-side: the reader consumes the whole topic and the
// connection filters by subscribed club.
package kafka

import (
	"context"
	"strings"
	"sync"

	"github.com/courtsync/availability-service/apperror"
	"github.com/courtsync/availability-service/model"
	"github.com/courtsync/availability-service/realtime"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Dialer builds readers for one channel topic.
type Dialer struct {
	Brokers []string
	Topic   string
	GroupID string
	Log     *zap.Logger

	// Scoped marks the booking-channel topic, where events are filtered
	// by subscribed club. The notification topic is unscoped.
	Scoped bool
}

// Dial verifies broker reachability and opens a reader. The channel
// token is unused: broker auth is connection-level, not per-session.
func (d *Dialer) Dial(ctx context.Context, _ string) (realtime.Conn, error) {
	probe, err := kafka.DialContext(ctx, "tcp", d.Brokers[0])
	if err != nil {
		return nil, apperror.Transport("kafka broker unreachable", err)
	}
	probe.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  d.Brokers,
		Topic:    d.Topic,
		GroupID:  d.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})

	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	readCtx, cancel := context.WithCancel(context.Background())
	return &Conn{
		reader: reader,
		scoped: d.Scoped,
		scopes: make(map[string]struct{}),
		ctx:    readCtx,
		cancel: cancel,
		log:    log,
	}, nil
}

// Conn consumes one topic.
type Conn struct {
	reader *kafka.Reader
	scoped bool
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	scopes map[string]struct{}
}

// ReadEvent blocks for the next message on the topic, dropping booking
// events outside the subscribed clubs.
func (c *Conn) ReadEvent() (*model.PushEvent, error) {
	for {
		msg, err := c.reader.ReadMessage(c.ctx)
		if err != nil {
			return nil, err
		}

		ev, err := model.DecodePushEvent(msg.Value)
		if err != nil {
			c.log.Debug("skipping undecodable message",
				zap.String("topic", c.reader.Config().Topic),
				zap.Error(err))
			continue
		}

		if c.scoped && !c.subscribed(ev.ClubID) {
			continue
		}
		return ev, nil
	}
}

// Send applies a subscribe/unsubscribe control message. Kafka has no
// server-side channel protocol, so scope changes only adjust the local
// filter.
func (c *Conn) Send(msg model.ControlMessage) error {
	clubID := clubFromScope(msg.Channel)
	if clubID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case model.ActionSubscribe:
		c.scopes[clubID] = struct{}{}
	case model.ActionUnsubscribe:
		delete(c.scopes, clubID)
	}
	return nil
}

// Close stops the reader.
func (c *Conn) Close() error {
	c.cancel()
	return c.reader.Close()
}

func (c *Conn) subscribed(clubID string) bool {
	if clubID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.scopes[clubID]
	return ok
}

func clubFromScope(scope string) string {
	const prefix = "club:bookings:"
	if !strings.HasPrefix(scope, prefix) {
		return ""
	}
	return strings.TrimPrefix(scope, prefix)
}
