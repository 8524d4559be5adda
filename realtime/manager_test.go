package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/courtsync/availability-service/apperror"
	"github.com/courtsync/availability-service/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	sends  []model.ControlMessage
	events chan *model.PushEvent
	failed chan struct{}
	closed chan struct{}
	once   sync.Once
	fonce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan *model.PushEvent, 16),
		failed: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadEvent() (*model.PushEvent, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.failed:
		return nil, errors.New("transport dropped")
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Send(msg model.ControlMessage) error {
	c.mu.Lock()
	c.sends = append(c.sends, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) fail() {
	c.fonce.Do(func() { close(c.failed) })
}

func (c *fakeConn) sentMessages() []model.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ControlMessage, len(c.sends))
	copy(out, c.sends)
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	dialErr error
	dials   int
	dialed  chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	err := d.dialErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeTokenBackend struct {
	mu       sync.Mutex
	token    string
	err      error
	tokCalls int
}

func (f *fakeTokenBackend) ChannelToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokCalls++
	if f.err != nil {
		return "", f.err
	}
	if f.token == "" {
		return "test-token", nil
	}
	return f.token, nil
}

func (f *fakeTokenBackend) ListBookings(ctx context.Context, clubID, date string) ([]model.Booking, error) {
	return nil, errors.New("not used")
}

func (f *fakeTokenBackend) CreateBooking(ctx context.Context, req model.CreateBookingRequest) (*model.Booking, error) {
	return nil, errors.New("not used")
}

func (f *fakeTokenBackend) CancelBooking(ctx context.Context, bookingID string) error {
	return errors.New("not used")
}

func waitConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func fastOptions() Options {
	return Options{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxAttempts: 10}
}

func TestReconnectEmitsExactlyOneResync(t *testing.T) {
	notif := newFakeDialer()
	book := newFakeDialer()
	m := NewManager(notif, book, &fakeTokenBackend{}, fastOptions(), nil)
	defer m.Close()

	resyncs := make(chan string, 8)
	m.OnResync(func(name string) { resyncs <- name })

	m.Start(context.Background())
	c1 := waitConn(t, notif)

	// First-ever connect closes no gap.
	select {
	case name := <-resyncs:
		t.Fatalf("unexpected resync on first connect: %s", name)
	case <-time.After(100 * time.Millisecond):
	}

	c1.fail()
	waitConn(t, notif)

	select {
	case name := <-resyncs:
		assert.Equal(t, ChannelNotification, name)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a resync after reconnect")
	}

	// Exactly one.
	select {
	case name := <-resyncs:
		t.Fatalf("second resync for one reconnect: %s", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClubSwitchUnsubscribesOldBeforeSubscribingNew(t *testing.T) {
	notif := newFakeDialer()
	book := newFakeDialer()
	m := NewManager(notif, book, &fakeTokenBackend{}, fastOptions(), nil)
	defer m.Close()

	m.Start(context.Background())
	waitConn(t, notif)

	m.SetActiveClub("club-a")
	c := waitConn(t, book)

	require.Eventually(t, func() bool {
		return len(c.sentMessages()) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	m.SetActiveClub("club-b")

	msgs := c.sentMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.ActionSubscribe, msgs[0].Action)
	assert.Equal(t, model.BookingScope("club-a"), msgs[0].Channel)
	assert.Equal(t, model.ActionUnsubscribe, msgs[1].Action)
	assert.Equal(t, model.BookingScope("club-a"), msgs[1].Channel)
	assert.Equal(t, model.ActionSubscribe, msgs[2].Action)
	assert.Equal(t, model.BookingScope("club-b"), msgs[2].Channel)

	assert.Equal(t, "club-b", m.ActiveClub())
}

func TestBookingEventsForInactiveClubAreDropped(t *testing.T) {
	notif := newFakeDialer()
	book := newFakeDialer()
	m := NewManager(notif, book, &fakeTokenBackend{}, fastOptions(), nil)
	defer m.Close()

	received := make(chan *model.PushEvent, 8)
	m.OnEvent(func(ev *model.PushEvent) { received <- ev })

	m.Start(context.Background())
	waitConn(t, notif)
	m.SetActiveClub("club-a")
	c := waitConn(t, book)

	c.events <- &model.PushEvent{Type: model.EventBookingDeleted, ClubID: "club-other", BookingID: "b-1"}
	c.events <- &model.PushEvent{Type: model.EventBookingDeleted, ClubID: "club-a", BookingID: "b-2"}

	select {
	case ev := <-received:
		assert.Equal(t, "b-2", ev.BookingID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the active club's event")
	}
	select {
	case ev := <-received:
		t.Fatalf("event for inactive club leaked through: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnauthorizedTokenSuppressesReconnectLoop(t *testing.T) {
	notif := newFakeDialer()
	book := newFakeDialer()
	backend := &fakeTokenBackend{err: apperror.Unauthorized("bad credentials")}
	m := NewManager(notif, book, backend, fastOptions(), nil)
	defer m.Close()

	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return m.State(ChannelNotification).Unauthorized
	}, 2*time.Second, 5*time.Millisecond)

	// No dial ever happened, and none follow: auth failures do not back off.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, notif.dialCount())
	assert.Equal(t, model.StatusDisconnected, m.State(ChannelNotification).Status)
}

func TestReconnectExhaustionDegrades(t *testing.T) {
	notif := newFakeDialer()
	notif.dialErr = apperror.Transport("endpoint down", errors.New("refused"))
	book := newFakeDialer()

	opts := Options{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxAttempts: 3}
	m := NewManager(notif, book, &fakeTokenBackend{}, opts, nil)
	defer m.Close()

	degraded := make(chan string, 1)
	m.OnDegraded(func(name string) { degraded <- name })

	m.Start(context.Background())

	select {
	case name := <-degraded:
		assert.Equal(t, ChannelNotification, name)
	case <-time.After(2 * time.Second):
		t.Fatal("expected degradation after exhausting reconnect budget")
	}
	assert.Equal(t, 3, notif.dialCount())
	assert.True(t, m.State(ChannelNotification).Degraded)
}

func TestScopesReportedOnlyWhileConnected(t *testing.T) {
	notif := newFakeDialer()
	book := newFakeDialer()
	m := NewManager(notif, book, &fakeTokenBackend{}, fastOptions(), nil)
	defer m.Close()

	m.Start(context.Background())
	waitConn(t, notif)
	m.SetActiveClub("club-a")
	waitConn(t, book)

	require.Eventually(t, func() bool {
		st := m.State(ChannelBooking)
		return st.Status == model.StatusConnected && len(st.SubscribedScopes) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Clearing the club tears the channel down; no scope may be
	// reported once it is no longer connected.
	m.ClearActiveClub()
	require.Eventually(t, func() bool {
		return m.State(ChannelBooking).Status == model.StatusDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, m.State(ChannelBooking).SubscribedScopes)
}

func TestTokenFetchesAreCoalescedAndRefreshedNearExpiry(t *testing.T) {
	clock := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	expiring := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(clock.Add(5 * time.Second)),
	})
	signed, err := expiring.SignedString([]byte("secret"))
	require.NoError(t, err)

	backend := &fakeTokenBackend{token: signed}
	ts := newTokenSource(backend, now)

	// Fresh-enough tokens are fetched once. This one is inside the 10s
	// refresh margin, so every get refetches.
	_, err = ts.get(context.Background())
	require.NoError(t, err)
	first := backend.tokCalls
	require.GreaterOrEqual(t, first, 1)

	_, err = ts.get(context.Background())
	require.NoError(t, err)
	assert.Greater(t, backend.tokCalls, first)

	// An opaque token falls back to pure TTL caching.
	backend.mu.Lock()
	backend.token = "opaque-token"
	backend.tokCalls = 0
	backend.mu.Unlock()
	ts2 := newTokenSource(backend, now)
	_, err = ts2.get(context.Background())
	require.NoError(t, err)
	_, err = ts2.get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.tokCalls)
}
