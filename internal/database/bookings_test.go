package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"cinebook/internal/domain"
	"cinebook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBooking(userID, showtimeID string, seats ...string) *models.Booking {
	b := &models.Booking{UserID: userID, ShowtimeID: showtimeID}
	for _, s := range seats {
		b.Seats = append(b.Seats, &models.BookingSeat{SeatID: s, Tier: models.TierRegular, Price: 1000})
		b.TotalAmount += 1000
	}
	return b
}

func holdAndBook(t *testing.T, db *DB, user string, ttl time.Duration, seats ...string) *models.Booking {
	t.Helper()
	ctx := context.Background()
	_, err := db.HoldSeats(ctx, "st-1", seats, user, testNow, testNow.Add(ttl))
	require.NoError(t, err)

	b := newBooking(user, "st-1", seats...)
	require.NoError(t, db.CreateBooking(ctx, b, testNow))
	return b
}

func TestCreateBooking(t *testing.T) {
	db := setupTestDB(t)
	seedCatalog(t, db)
	ctx := context.Background()

	b := holdAndBook(t, db, "alice", 5*time.Minute, "A1", "A2")
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, models.BookingPending, b.Status)
	for _, s := range b.Seats {
		assert.NotEmpty(t, s.ReservationID)
		assert.Equal(t, b.ID, s.BookingID)
	}

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.TotalAmount)
	assert.Equal(t, []string{"A1", "A2"}, got.SeatIDs())
	assert.Nil(t, got.ConfirmedAt)

	_, err = db.GetBooking(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateBooking_SeatsNotHeld(t *testing.T) {
	db := setupTestDB(t)
	seedCatalog(t, db)
	ctx := context.Background()

	_, err := db.HoldSeats(ctx, "st-1", []string{"A1"}, "alice", testNow, testNow.Add(time.Minute))
	require.NoError(t, err)
	_, err = db.HoldSeats(ctx, "st-1", []string{"V1"}, "bob", testNow, testNow.Add(time.Minute))
	require.NoError(t, err)

	t.Run("SomeoneElsesHoldAndUnheldSeat", func(t *testing.T) {
		err := db.CreateBooking(ctx, newBooking("alice", "st-1", "A1", "V1", "A2"), testNow)
		var notHeld *domain.SeatsNotHeldError
		require.True(t, errors.As(err, &notHeld))
		assert.Equal(t, []string{"A2", "V1"}, notHeld.SeatIDs)
	})

	t.Run("LapsedHold", func(t *testing.T) {
		err := db.CreateBooking(ctx, newBooking("alice", "st-1", "A1"), testNow.Add(time.Minute))
		assert.ErrorIs(t, err, domain.ErrSeatsNotHeld)
	})

	t.Run("AlreadyAttached", func(t *testing.T) {
		require.NoError(t, db.CreateBooking(ctx, newBooking("alice", "st-1", "A1"), testNow))
		err := db.CreateBooking(ctx, newBooking("alice", "st-1", "A1"), testNow)
		assert.ErrorIs(t, err, domain.ErrSeatsNotHeld)
	})

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings`).Scan(&count))
	assert.Equal(t, 1, count, "failed creates leave no rows")
}

func TestConfirmBooking(t *testing.T) {
	db := setupTestDB(t)
	seedCatalog(t, db)
	ctx := context.Background()

	b := holdAndBook(t, db, "alice", 5*time.Minute, "A1", "P1")

	confirmed, err := db.ConfirmBooking(ctx, b.ID, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.True(t, confirmed.ConfirmedAt.Equal(testNow.Add(time.Minute)))

	res, err := db.GetReservations(ctx, b.ReservationIDs())
	require.NoError(t, err)
	for _, r := range res {
		assert.Equal(t, models.ReservationConfirmed, r.State)
	}
	assert.Equal(t, 2, availableSeats(t, db, "st-1"), "confirm does not move the counter")

	// Confirmed reservations never lapse.
	lapsed, err := db.ListLapsedHolds(ctx, testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, lapsed)

	_, err = db.ConfirmBooking(ctx, b.ID, testNow.Add(2*time.Minute))
	var te *domain.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "confirmed", te.From)

	_, err = db.ConfirmBooking(ctx, "missing", testNow)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfirmBooking_Expired(t *testing.T) {
	db := setupTestDB(t)
	seedCatalog(t, db)
	ctx := context.Background()

	b := holdAndBook(t, db, "alice", time.Minute, "A1", "A2")

	_, err := db.ConfirmBooking(ctx, b.ID, testNow.Add(time.Minute))
	var expired *domain.BookingExpiredError
	require.True(t, errors.As(err, &expired))
	assert.Equal(t, []string{"A1", "A2"}, expired.SeatIDs)

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingPending, got.Status, "failed confirm has no side effects")

	res, err := db.GetReservations(ctx, b.ReservationIDs())
	require.NoError(t, err)
	for _, r := range res {
		assert.Equal(t, models.ReservationHeld, r.State)
	}

	stale, err := db.ListStalePendingBookings(ctx, testNow.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, stale)
}

func TestCancelBooking(t *testing.T) {
	db := setupTestDB(t)
	seedCatalog(t, db)
	ctx := context.Background()

	t.Run("Pending", func(t *testing.T) {
		b := holdAndBook(t, db, "alice", 5*time.Minute, "A1")
		assert.Equal(t, 3, availableSeats(t, db, "st-1"))

		cancelled, released, err := db.CancelBooking(ctx, b.ID, testNow.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, models.BookingCancelled, cancelled.Status)
		require.NotNil(t, cancelled.CancelledAt)
		require.Len(t, released, 1)
		assert.Equal(t, models.ReservationReleased, released[0].State)
		assert.Equal(t, 4, availableSeats(t, db, "st-1"))

		_, _, err = db.CancelBooking(ctx, b.ID, testNow.Add(2*time.Second))
		assert.ErrorIs(t, err, domain.ErrIllegalTransition)
		assert.Equal(t, 4, availableSeats(t, db, "st-1"))
	})

	t.Run("Confirmed", func(t *testing.T) {
		b := holdAndBook(t, db, "bob", 5*time.Minute, "V1", "P1")
		_, err := db.ConfirmBooking(ctx, b.ID, testNow.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 2, availableSeats(t, db, "st-1"))

		_, released, err := db.CancelBooking(ctx, b.ID, testNow.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, released, 2)
		assert.Equal(t, 4, availableSeats(t, db, "st-1"))

		// Seats can be held again.
		_, err = db.HoldSeats(ctx, "st-1", []string{"V1"}, "carol", testNow.Add(time.Hour), testNow.Add(2*time.Hour))
		require.NoError(t, err)
	})

	t.Run("PendingWithExpiredHolds", func(t *testing.T) {
		b := holdAndBook(t, db, "dave", time.Minute, "A2")
		_, err := db.ExpireReservations(ctx, b.ReservationIDs(), testNow.Add(time.Minute))
		require.NoError(t, err)
		before := availableSeats(t, db, "st-1")

		_, released, err := db.CancelBooking(ctx, b.ID, testNow.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, released, "expired holds are not released twice")
		assert.Equal(t, before, availableSeats(t, db, "st-1"))
	})
}

func TestListBookingsByShowtime(t *testing.T) {
	db := setupTestDB(t)
	seedCatalog(t, db)
	ctx := context.Background()

	first := holdAndBook(t, db, "alice", 5*time.Minute, "A1", "A2")
	second := holdAndBook(t, db, "bob", 5*time.Minute, "V1")

	list, err := db.ListBookingsByShowtime(ctx, "st-1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	byID := map[string]*models.Booking{list[0].ID: list[0], list[1].ID: list[1]}
	assert.Len(t, byID[first.ID].Seats, 2)
	assert.Len(t, byID[second.ID].Seats, 1)

	empty, err := db.ListBookingsByShowtime(ctx, "st-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestListBookingsByUser(t *testing.T) {
	db := setupTestDB(t)
	seedCatalog(t, db)
	ctx := context.Background()

	older := holdAndBook(t, db, "alice", 5*time.Minute, "A1")
	holdAndBook(t, db, "bob", 5*time.Minute, "A2")

	_, err := db.HoldSeats(ctx, "st-2", []string{"V1", "P1"}, "alice", testNow, testNow.Add(5*time.Minute))
	require.NoError(t, err)
	newer := newBooking("alice", "st-2", "V1", "P1")
	require.NoError(t, db.CreateBooking(ctx, newer, testNow.Add(time.Minute)))

	list, err := db.ListBookingsByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID, "newest first")
	assert.Equal(t, older.ID, list[1].ID)
	assert.Equal(t, []string{"P1", "V1"}, list[0].SeatIDs())
	assert.Equal(t, []string{"A1"}, list[1].SeatIDs())

	none, err := db.ListBookingsByUser(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInventoryVersion(t *testing.T) {
	db := setupTestDB(t)
	seedCatalog(t, db)
	ctx := context.Background()

	version := func() int64 {
		t.Helper()
		v, err := db.InventoryVersion(ctx, "st-1")
		require.NoError(t, err)
		return v
	}

	v0 := version()
	b := holdAndBook(t, db, "alice", 5*time.Minute, "A1")
	v1 := version()
	assert.Greater(t, v1, v0, "hold")

	snap, err := db.SnapshotShowtime(ctx, "st-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, v1, snap.Version)
	assert.Equal(t, v1, version(), "a read without lapsed holds changes nothing")

	_, err = db.ConfirmBooking(ctx, b.ID, testNow)
	require.NoError(t, err)
	v2 := version()
	assert.Greater(t, v2, v1, "confirm")

	_, _, err = db.CancelBooking(ctx, b.ID, testNow)
	require.NoError(t, err)
	assert.Greater(t, version(), v2, "cancel")

	_, err = db.InventoryVersion(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
