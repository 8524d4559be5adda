package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/courtsync/availability-service/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	listCalls int
	bookings  []model.Booking
	err       error
}

func (f *fakeBackend) ListBookings(ctx context.Context, clubID, date string) ([]model.Booking, error) {
	f.listCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bookings, nil
}

func (f *fakeBackend) CreateBooking(ctx context.Context, req model.CreateBookingRequest) (*model.Booking, error) {
	return nil, errors.New("not used")
}

func (f *fakeBackend) CancelBooking(ctx context.Context, bookingID string) error {
	return errors.New("not used")
}

func (f *fakeBackend) ChannelToken(ctx context.Context) (string, error) {
	return "", errors.New("not used")
}

var day = time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

func booking(id, courtID string, startHour int) model.Booking {
	start := day.Add(time.Duration(startHour) * time.Hour)
	return model.Booking{
		ID:            id,
		CourtID:       courtID,
		ClubID:        "club-1",
		Window:        model.Window{Start: start, End: start.Add(time.Hour)},
		BookingStatus: model.BookingActive,
		PaymentStatus: model.PaymentPaid,
		Price:         24,
		OwnerID:       "u-1",
		OwnerName:     "Dana",
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func statusPtr(s model.BookingStatus) *model.BookingStatus { return &s }

func fetchScope(t *testing.T, s *Store) []model.Booking {
	t.Helper()
	got, err := s.Bookings(context.Background(), "club-1", "2026-08-27")
	require.NoError(t, err)
	return got
}

func TestBookingsFetchesOncePerTTL(t *testing.T) {
	backend := &fakeBackend{bookings: []model.Booking{booking("b-1", "c-1", 10)}}
	s := New(backend, time.Minute, nil, nil)

	first := fetchScope(t, s)
	second := fetchScope(t, s)

	assert.Equal(t, 1, backend.listCalls)
	assert.Equal(t, first, second)
	assert.Len(t, first, 1)
}

func TestApplyCreatedThenDeletedLeavesNoTrace(t *testing.T) {
	backend := &fakeBackend{bookings: []model.Booking{booking("b-1", "c-1", 10)}}
	s := New(backend, time.Hour, nil, nil)

	before := fetchScope(t, s)

	b := booking("b-2", "c-2", 12)
	patch := &model.BookingPatch{
		ID:      b.ID,
		CourtID: &b.CourtID,
		ClubID:  &b.ClubID,
		Start:   timePtr(b.Window.Start),
		End:     timePtr(b.Window.End),
	}
	s.ApplyCreated("club-1", patch)
	assert.Len(t, fetchScope(t, s), 2)

	s.ApplyDeleted("b-2")
	assert.Equal(t, before, fetchScope(t, s))

	// Deleting an absent ID is a no-op.
	s.ApplyDeleted("b-2")
	assert.Equal(t, before, fetchScope(t, s))
}

func TestDoubleApplyEqualsSingleApply(t *testing.T) {
	backend := &fakeBackend{bookings: []model.Booking{booking("b-1", "c-1", 10)}}
	s := New(backend, time.Hour, nil, nil)
	fetchScope(t, s)

	patch := &model.BookingPatch{ID: "b-1", BookingStatus: statusPtr(model.BookingCancelled)}
	s.ApplyUpdated("club-1", patch)
	once := fetchScope(t, s)

	s.ApplyUpdated("club-1", patch)
	twice := fetchScope(t, s)

	assert.Equal(t, once, twice)
	assert.Equal(t, model.BookingCancelled, once[0].BookingStatus)
}

func TestPartialUpdateKeepsKnownFields(t *testing.T) {
	backend := &fakeBackend{bookings: []model.Booking{booking("b-1", "c-1", 10)}}
	s := New(backend, time.Hour, nil, nil)
	fetchScope(t, s)

	s.ApplyUpdated("club-1", &model.BookingPatch{
		ID:            "b-1",
		PaymentStatus: func() *model.PaymentStatus { p := model.PaymentRefunded; return &p }(),
	})

	got := fetchScope(t, s)
	require.Len(t, got, 1)
	assert.Equal(t, model.PaymentRefunded, got[0].PaymentStatus)
	// Fields absent from the patch survive.
	assert.Equal(t, "c-1", got[0].CourtID)
	assert.Equal(t, "Dana", got[0].OwnerName)
	assert.Equal(t, 24.0, got[0].Price)
}

func TestUnknownUpdateForcesRefetchInsteadOfShadowRecord(t *testing.T) {
	backend := &fakeBackend{bookings: []model.Booking{booking("b-1", "c-1", 10)}}
	s := New(backend, time.Hour, nil, nil)
	fetchScope(t, s)
	require.Equal(t, 1, backend.listCalls)

	s.ApplyUpdated("club-1", &model.BookingPatch{ID: "b-ghost"})

	// No partial record was synthesized, and the next read goes upstream.
	got := fetchScope(t, s)
	assert.Equal(t, 2, backend.listCalls)
	for _, b := range got {
		assert.NotEqual(t, "b-ghost", b.ID)
	}
}

func TestCreatedForUncachedScopeIsIgnored(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend, time.Hour, nil, nil)

	b := booking("b-1", "c-1", 10)
	s.ApplyCreated("club-1", &model.BookingPatch{
		ID:      b.ID,
		CourtID: &b.CourtID,
		ClubID:  &b.ClubID,
		Start:   timePtr(b.Window.Start),
		End:     timePtr(b.Window.End),
	})

	assert.Empty(t, s.BookingsForCourt("c-1"))
	assert.Zero(t, backend.listCalls)
}

func TestInvalidateForcesNextReadUpstream(t *testing.T) {
	backend := &fakeBackend{bookings: []model.Booking{booking("b-1", "c-1", 10)}}
	s := New(backend, time.Hour, nil, nil)
	fetchScope(t, s)

	s.Invalidate("club-1", "2026-08-27")
	fetchScope(t, s)
	assert.Equal(t, 2, backend.listCalls)

	s.InvalidateAll()
	fetchScope(t, s)
	assert.Equal(t, 3, backend.listCalls)
}

func TestDegradedModeServesStaleOnFailedRefresh(t *testing.T) {
	backend := &fakeBackend{bookings: []model.Booking{booking("b-1", "c-1", 10)}}
	s := New(backend, time.Hour, nil, nil)
	cached := fetchScope(t, s)

	backend.err = errors.New("upstream down")
	s.Invalidate("club-1", "2026-08-27")

	// Strict mode propagates the failure.
	_, err := s.Bookings(context.Background(), "club-1", "2026-08-27")
	require.Error(t, err)

	// Degraded mode serves the last known data instead.
	s.SetAllowStale(true)
	got, err := s.Bookings(context.Background(), "club-1", "2026-08-27")
	require.NoError(t, err)
	assert.Equal(t, cached, got)
}

func TestEvictClubDropsScopes(t *testing.T) {
	backend := &fakeBackend{bookings: []model.Booking{booking("b-1", "c-1", 10)}}
	s := New(backend, time.Hour, nil, nil)
	fetchScope(t, s)

	s.EvictClub("club-1")
	assert.Empty(t, s.BookingsForCourt("c-1"))

	// Re-reading fetches a fresh scope.
	fetchScope(t, s)
	assert.Equal(t, 2, backend.listCalls)
}

func TestOnChangeBumpsForEveryMutation(t *testing.T) {
	backend := &fakeBackend{bookings: []model.Booking{booking("b-1", "c-1", 10)}}
	s := New(backend, time.Hour, nil, nil)

	var changes int
	s.OnChange(func() { changes++ })

	fetchScope(t, s) // replaceScope fires once
	base := changes
	require.Positive(t, base)

	s.ApplyUpdated("club-1", &model.BookingPatch{ID: "b-1", BookingStatus: statusPtr(model.BookingCompleted)})
	assert.Equal(t, base+1, changes)

	s.ApplyDeleted("b-1")
	assert.Equal(t, base+2, changes)
}
