package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/courtsync/availability-service/apperror"
	"github.com/courtsync/availability-service/coalesce"
	"github.com/courtsync/availability-service/model"
	"github.com/courtsync/availability-service/service"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Handler receives decoded push events from either channel.
type Handler func(ev *model.PushEvent)

// Options bound the reconnect behavior.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts caps consecutive failed connects before the channel
	// degrades to stale-tolerant mode. <= 0 means retry forever.
	MaxAttempts int
}

// Manager owns both push channels. The notification channel runs for the
// whole session; the booking channel runs only while a club is active,
// with at most one club subscribed at a time.
type Manager struct {
	opts   Options
	tokens *tokenSource
	log    *zap.Logger

	mu         sync.Mutex
	handler    Handler
	onResync   func(channel string)
	onDegraded func(channel string)
	baseCtx    context.Context
	cancel     context.CancelFunc

	notification *channel
	booking      *channel
}

type channel struct {
	name   string
	dialer Dialer

	mu           sync.Mutex
	status       model.ChannelStatus
	conn         Conn
	club         string
	wasConnected bool
	degraded     bool
	unauthorized bool
	running      bool
	stop         context.CancelFunc
}

// NewManager wires the channels over their dialers. Token fetches go
// through the backend's token endpoint, coalesced so a reconnect storm
// costs one token call, not one per attempt.
func NewManager(notifDialer, bookingDialer Dialer, backend service.ReservationService, opts Options, log *zap.Logger) *Manager {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		opts:         opts,
		tokens:       newTokenSource(backend, nil),
		log:          log,
		notification: &channel{name: ChannelNotification, dialer: notifDialer, status: model.StatusDisconnected},
		booking:      &channel{name: ChannelBooking, dialer: bookingDialer, status: model.StatusDisconnected},
	}
}

// OnEvent registers the single event handler.
func (m *Manager) OnEvent(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// OnResync registers the resync callback, fired on every reconnect that
// follows a previously successful connection.
func (m *Manager) OnResync(fn func(channel string)) {
	m.mu.Lock()
	m.onResync = fn
	m.mu.Unlock()
}

// OnDegraded registers the callback fired when a channel exhausts its
// reconnect budget.
func (m *Manager) OnDegraded(fn func(channel string)) {
	m.mu.Lock()
	m.onDegraded = fn
	m.mu.Unlock()
}

// Start opens the notification channel. The booking channel waits for
// SetActiveClub.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()
	m.startChannel(m.notification)
}

// SetActiveClub points the booking channel at a club. The old club is
// always unsubscribed before the new one is subscribed; both are never
// active at once.
func (m *Manager) SetActiveClub(clubID string) {
	if clubID == "" {
		m.ClearActiveClub()
		return
	}

	ch := m.booking
	ch.mu.Lock()
	old := ch.club
	if old == clubID {
		ch.mu.Unlock()
		return
	}
	ch.club = clubID
	conn := ch.conn
	connected := ch.status == model.StatusConnected
	running := ch.running
	ch.mu.Unlock()

	if connected && conn != nil {
		if old != "" {
			if err := conn.Send(model.ControlMessage{Action: model.ActionUnsubscribe, Channel: model.BookingScope(old)}); err != nil {
				m.log.Warn("unsubscribe failed", zap.String("club_id", old), zap.Error(err))
			}
		}
		if err := conn.Send(model.ControlMessage{Action: model.ActionSubscribe, Channel: model.BookingScope(clubID)}); err != nil {
			m.log.Warn("subscribe failed", zap.String("club_id", clubID), zap.Error(err))
		}
	}
	if !running {
		m.startChannel(ch)
	}
}

// ClearActiveClub unsubscribes and shuts the booking channel down.
func (m *Manager) ClearActiveClub() {
	ch := m.booking
	ch.mu.Lock()
	old := ch.club
	ch.club = ""
	conn := ch.conn
	connected := ch.status == model.StatusConnected
	stop := ch.stop
	ch.mu.Unlock()

	if connected && conn != nil && old != "" {
		_ = conn.Send(model.ControlMessage{Action: model.ActionUnsubscribe, Channel: model.BookingScope(old)})
	}
	if stop != nil {
		stop()
	}
}

// ActiveClub returns the club the booking channel is pointed at.
func (m *Manager) ActiveClub() string {
	m.booking.mu.Lock()
	defer m.booking.mu.Unlock()
	return m.booking.club
}

// State snapshots one channel. Subscribed scopes are reported only while
// Connected.
func (m *Manager) State(name string) model.ChannelState {
	ch := m.notification
	if name == ChannelBooking {
		ch = m.booking
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	st := model.ChannelState{
		Channel:          ch.name,
		Status:           ch.status,
		SubscribedScopes: []string{},
		Degraded:         ch.degraded,
		Unauthorized:     ch.unauthorized,
	}
	if ch.status == model.StatusConnected && ch.name == ChannelBooking && ch.club != "" {
		st.SubscribedScopes = []string{model.BookingScope(ch.club)}
	}
	if ch.status == model.StatusConnected && ch.name == ChannelNotification {
		st.SubscribedScopes = []string{"platform"}
	}
	return st
}

// Reconnect re-arms a channel that stopped after auth failure or
// reconnect exhaustion. Call it once credentials are fixed.
func (m *Manager) Reconnect(name string) {
	ch := m.notification
	if name == ChannelBooking {
		ch = m.booking
	}
	ch.mu.Lock()
	ch.degraded = false
	ch.unauthorized = false
	running := ch.running
	ch.mu.Unlock()

	m.tokens.invalidate()
	if !running {
		m.startChannel(ch)
	}
}

// Close tears both channels down and detaches their connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.notification.closeConn()
	m.booking.closeConn()
	return nil
}

func (m *Manager) startChannel(ch *channel) {
	m.mu.Lock()
	base := m.baseCtx
	m.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	ch.mu.Lock()
	if ch.running {
		ch.mu.Unlock()
		return
	}
	ctx, stop := context.WithCancel(base)
	ch.running = true
	ch.stop = stop
	ch.mu.Unlock()

	// Unblock a pending ReadEvent when the channel is torn down.
	go func() {
		<-ctx.Done()
		ch.closeConn()
	}()
	go m.runChannel(ctx, ch)
}

// runChannel drives the per-channel state machine:
// Disconnected -> Connecting -> Connected -> Disconnected, with bounded
// exponential backoff between failed attempts.
func (m *Manager) runChannel(ctx context.Context, ch *channel) {
	defer func() {
		ch.mu.Lock()
		ch.running = false
		ch.status = model.StatusDisconnected
		ch.mu.Unlock()
	}()

	bo := m.newBackOff()
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}
		ch.setStatus(model.StatusConnecting)

		hadSession, err := m.connectOnce(ctx, ch)
		if hadSession {
			// A good session resets the budget: the next outage backs
			// off from the initial delay again.
			attempts = 0
			bo = m.newBackOff()
		}
		if err == nil || apperror.IsAbort(err) || ctx.Err() != nil {
			return
		}
		ch.setStatus(model.StatusDisconnected)

		if apperror.IsAuth(err) {
			// Backoff loops cannot fix bad credentials; stay down until
			// Reconnect is called after re-authentication.
			ch.mu.Lock()
			ch.unauthorized = true
			ch.mu.Unlock()
			m.log.Warn("channel unauthorized, reconnect suppressed", zap.String("channel", ch.name))
			return
		}

		attempts++
		if m.opts.MaxAttempts > 0 && attempts >= m.opts.MaxAttempts {
			ch.mu.Lock()
			ch.degraded = true
			ch.mu.Unlock()
			m.log.Warn("reconnect budget exhausted, degrading to stale reads",
				zap.String("channel", ch.name),
				zap.Int("attempts", attempts))
			m.emitDegraded(ch.name)
			return
		}

		delay := bo.NextBackOff()
		m.log.Info("channel reconnecting",
			zap.String("channel", ch.name),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.InitialBackoff
	bo.MaxInterval = m.opts.MaxBackoff
	return bo
}

// connectOnce dials, subscribes, and pumps events until the connection
// ends. hadSession reports whether the handshake succeeded.
func (m *Manager) connectOnce(ctx context.Context, ch *channel) (hadSession bool, err error) {
	token, err := m.tokens.get(ctx)
	if err != nil {
		return false, err
	}

	conn, err := ch.dialer.Dial(ctx, token)
	if err != nil {
		return false, err
	}

	ch.mu.Lock()
	ch.conn = conn
	ch.status = model.StatusConnected
	ch.degraded = false
	ch.unauthorized = false
	reconnected := ch.wasConnected
	ch.wasConnected = true
	club := ch.club
	ch.mu.Unlock()

	if ch.name == ChannelBooking && club != "" {
		if err := conn.Send(model.ControlMessage{Action: model.ActionSubscribe, Channel: model.BookingScope(club)}); err != nil {
			ch.closeConn()
			return true, apperror.Transport("subscribe after connect failed", err)
		}
	}

	// A gap may hide any number of missed events; dependent caches must
	// force-refresh. A first-ever connect has no gap to close.
	if reconnected {
		m.emitResync(ch.name)
	}

	for {
		ev, readErr := conn.ReadEvent()
		if readErr != nil {
			ch.closeConn()
			if ctx.Err() != nil {
				return true, nil
			}
			return true, apperror.Transport("channel read failed", readErr)
		}
		m.dispatch(ch, ev)
	}
}

func (m *Manager) dispatch(ch *channel, ev *model.PushEvent) {
	if ev == nil || ev.Type == "" {
		return
	}
	if ch.name == ChannelBooking && ev.ClubID != "" {
		// The active club may have changed while this event was in
		// flight; never apply another tenant's events.
		ch.mu.Lock()
		club := ch.club
		ch.mu.Unlock()
		if ev.ClubID != club {
			m.log.Debug("dropping event for inactive club",
				zap.String("type", ev.Type),
				zap.String("club_id", ev.ClubID))
			return
		}
	}

	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (m *Manager) emitResync(name string) {
	m.mu.Lock()
	fn := m.onResync
	m.mu.Unlock()
	if fn != nil {
		fn(name)
	}
}

func (m *Manager) emitDegraded(name string) {
	m.mu.Lock()
	fn := m.onDegraded
	m.mu.Unlock()
	if fn != nil {
		fn(name)
	}
}

func (ch *channel) setStatus(status model.ChannelStatus) {
	ch.mu.Lock()
	ch.status = status
	ch.mu.Unlock()
}

func (ch *channel) closeConn() {
	ch.mu.Lock()
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// ============================================================================
// TOKEN SOURCE
// ============================================================================

const tokenKey = "channel-token"

// tokenSource caches the short-lived channel token and coalesces
// concurrent fetches, so N parallel reconnects cost one token call.
type tokenSource struct {
	co      *coalesce.Coalescer[string]
	backend service.ReservationService
	now     func() time.Time
}

func newTokenSource(backend service.ReservationService, now func() time.Time) *tokenSource {
	if now == nil {
		now = time.Now
	}
	return &tokenSource{
		co:      coalesce.New[string](55*time.Second, now),
		backend: backend,
		now:     now,
	}
}

func (ts *tokenSource) get(ctx context.Context) (string, error) {
	token, err := ts.co.Fetch(ctx, tokenKey, coalesce.Options{}, ts.fetch)
	if err != nil {
		return "", err
	}
	if ts.expiringSoon(token) {
		ts.co.Invalidate(tokenKey)
		return ts.co.Fetch(ctx, tokenKey, coalesce.Options{Force: true}, ts.fetch)
	}
	return token, nil
}

func (ts *tokenSource) invalidate() {
	ts.co.Invalidate(tokenKey)
}

func (ts *tokenSource) fetch(ctx context.Context) (string, error) {
	return ts.backend.ChannelToken(ctx)
}

// expiringSoon peeks at the token's exp claim without verifying the
// signature; only the server can verify it anyway. Unparseable tokens
// are left to the TTL.
func (ts *tokenSource) expiringSoon(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return ts.now().After(exp.Time.Add(-10 * time.Second))
}
