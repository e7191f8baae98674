package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cinebook/internal/domain"
	"cinebook/internal/events"
	"cinebook/internal/models"
	"cinebook/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hold(t *testing.T, h *harness, holder string, ttl time.Duration, seats ...string) *models.HoldResult {
	t.Helper()
	res, err := h.ledger.Hold(context.Background(), domain.HoldRequest{
		ShowtimeID: "st-1", SeatIDs: seats, HolderID: holder, TTL: ttl,
	})
	require.NoError(t, err)
	return res
}

func available(t *testing.T, h *harness, showtimeID string) int {
	t.Helper()
	_, n, err := h.db.GetInventory(context.Background(), showtimeID)
	require.NoError(t, err)
	return n
}

func TestLedgerService_Hold(t *testing.T) {
	h := newHarness(t)

	res := hold(t, h, "u1", 5*time.Minute, "A1", "A2")
	assert.Len(t, res.ReservationIDs, 2)
	assert.ElementsMatch(t, []string{"A1", "A2"}, res.SeatIDs)
	assert.Equal(t, testNow.Add(5*time.Minute), res.ExpiresAt)

	assert.Equal(t, 4, available(t, h, "st-1"))
	assert.Equal(t, 1, h.cache.invalidations("st-1"))
	assert.Contains(t, h.events.seen(), events.EventSeatsHeld)
}

func TestLedgerService_HoldValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.HoldRequest
	}{
		{"missing showtime", domain.HoldRequest{SeatIDs: []string{"A1"}, HolderID: "u1", TTL: time.Minute}},
		{"missing holder", domain.HoldRequest{ShowtimeID: "st-1", SeatIDs: []string{"A1"}, TTL: time.Minute}},
		{"no seats", domain.HoldRequest{ShowtimeID: "st-1", HolderID: "u1", TTL: time.Minute}},
		{"too many seats", domain.HoldRequest{ShowtimeID: "st-1", SeatIDs: []string{"A1", "A2", "B1", "C1", "P1"}, HolderID: "u1", TTL: time.Minute}},
		{"zero ttl", domain.HoldRequest{ShowtimeID: "st-1", SeatIDs: []string{"A1"}, HolderID: "u1"}},
		{"negative ttl", domain.HoldRequest{ShowtimeID: "st-1", SeatIDs: []string{"A1"}, HolderID: "u1", TTL: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ledger.Hold(ctx, tt.req)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
	assert.Equal(t, 6, available(t, h, "st-1"))
}

func TestLedgerService_HoldDuplicateSeatIDsCountOnce(t *testing.T) {
	h := newHarness(t)

	res := hold(t, h, "u1", time.Minute, "A1", "A1", "A2")
	assert.Len(t, res.ReservationIDs, 2)
	assert.Equal(t, 4, available(t, h, "st-1"))
}

func TestLedgerService_HoldClampsTTL(t *testing.T) {
	h := newHarness(t)

	res := hold(t, h, "u1", 3*time.Hour, "A1")
	assert.Equal(t, testNow.Add(models.MaxHoldTTL), res.ExpiresAt)
}

func TestLedgerService_HoldUnknownTargets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ledger.Hold(ctx, domain.HoldRequest{ShowtimeID: "missing", SeatIDs: []string{"A1"}, HolderID: "u1", TTL: time.Minute})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.ledger.Hold(ctx, domain.HoldRequest{ShowtimeID: "st-1", SeatIDs: []string{"A1", "Z9"}, HolderID: "u1", TTL: time.Minute})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 6, available(t, h, "st-1"))
}

func TestLedgerService_HoldCancelledShowtime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.db.SetShowtimeStatus(ctx, "st-2", models.ShowtimeCancelled, testNow))

	_, err := h.ledger.Hold(ctx, domain.HoldRequest{ShowtimeID: "st-2", SeatIDs: []string{"A1"}, HolderID: "u1", TTL: time.Minute})
	assert.ErrorIs(t, err, domain.ErrShowtimeNotBookable)
}

func TestLedgerService_HoldIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hold(t, h, "u1", time.Minute, "A1")

	_, err := h.ledger.Hold(ctx, domain.HoldRequest{ShowtimeID: "st-1", SeatIDs: []string{"A2", "A1"}, HolderID: "u2", TTL: time.Minute})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"A1"}, conflict.SeatIDs)
	assert.Equal(t, 5, available(t, h, "st-1"))

	hold(t, h, "u3", time.Minute, "A2")
	assert.Equal(t, 4, available(t, h, "st-1"))
}

func TestLedgerService_ConcurrentHoldsOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, holder := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			_, err := h.ledger.Hold(ctx, domain.HoldRequest{ShowtimeID: "st-1", SeatIDs: []string{"C1"}, HolderID: holder, TTL: 5 * time.Minute})
			mu.Lock()
			defer mu.Unlock()
			var conflict *domain.ConflictError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &conflict):
				conflicts++
				assert.Equal(t, []string{"C1"}, conflict.SeatIDs)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(holder)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 5, available(t, h, "st-1"))
}

func TestLedgerService_LapsedHoldIsReclaimable(t *testing.T) {
	h := newHarness(t)
	hold(t, h, "u1", time.Second, "A1")

	h.clock.Advance(2 * time.Second)
	hold(t, h, "u2", time.Minute, "A1")
	assert.Equal(t, 5, available(t, h, "st-1"))
}

func TestLedgerService_Release(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := hold(t, h, "u1", time.Minute, "A1", "A2")

	require.NoError(t, h.ledger.Release(ctx, res.ReservationIDs))
	assert.Equal(t, 6, available(t, h, "st-1"))
	assert.Contains(t, h.events.seen(), events.EventSeatsReleased)

	// A second release leaves terminal reservations alone.
	require.NoError(t, h.ledger.Release(ctx, res.ReservationIDs))
	assert.Equal(t, 6, available(t, h, "st-1"))

	assert.ErrorIs(t, h.ledger.Release(ctx, []string{"nope"}), domain.ErrNotFound)
	assert.ErrorIs(t, h.ledger.Release(ctx, nil), domain.ErrInvalidArgument)
}

func TestLedgerService_Expire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := hold(t, h, "u1", time.Minute, "A1")

	n, err := h.ledger.Expire(ctx, res.ReservationIDs)
	require.NoError(t, err)
	assert.Zero(t, n, "live hold must not expire")

	h.clock.Advance(time.Minute)
	n, err = h.ledger.Expire(ctx, res.ReservationIDs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 6, available(t, h, "st-1"))

	n, err = h.ledger.Expire(ctx, res.ReservationIDs)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLedgerService_ExpireLapsedBatches(t *testing.T) {
	h := newHarness(t)
	hold(t, h, "u1", time.Minute, "A1")
	hold(t, h, "u2", time.Minute, "A2")
	hold(t, h, "u3", time.Minute, "B1")
	hold(t, h, "u4", time.Hour-time.Minute, "C1")
	require.Equal(t, 2, available(t, h, "st-1"))

	h.clock.Advance(2 * time.Minute)
	n, err := h.ledger.ExpireLapsed(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 5, available(t, h, "st-1"))
}

func TestLedgerService_GetAvailability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := hold(t, h, "u1", time.Minute, "A1")

	a, err := h.ledger.GetAvailability(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, 6, a.TotalSeats)
	assert.Equal(t, 5, a.AvailableSeats)
	assert.Len(t, a.Seats, 6)
	assert.Equal(t, models.SeatHeld, seatStates(a)["A1"])
	assert.Equal(t, models.SeatAvailable, seatStates(a)["A2"])
	require.NotNil(t, a.ValidUntil)
	assert.Equal(t, res.ExpiresAt, *a.ValidUntil)

	cached, err := h.cache.Get(ctx, "st-1")
	require.NoError(t, err)
	assert.Same(t, a, cached)

	// A cached snapshot never outlives the earliest hold it shows.
	h.clock.Advance(time.Minute)
	a, err = h.ledger.GetAvailability(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, models.SeatAvailable, seatStates(a)["A1"])
	assert.Equal(t, 6, a.AvailableSeats)
	assert.Contains(t, h.events.seen(), events.EventHoldsExpired)
}

// racingCache runs beforeSet once, between the snapshot read and the cache write.
type racingCache struct {
	*recordingCache
	beforeSet func()
}

func (c *racingCache) Set(ctx context.Context, a *models.ShowtimeAvailability, ttl time.Duration) error {
	if fn := c.beforeSet; fn != nil {
		c.beforeSet = nil
		fn()
	}
	return c.recordingCache.Set(ctx, a, ttl)
}

func TestLedgerService_GetAvailabilityRejectsSnapshotOlderThanLedger(t *testing.T) {
	cache := &racingCache{recordingCache: newRecordingCache()}
	h := newHarness(t, WithCache(cache))
	ctx := context.Background()

	cache.beforeSet = func() { hold(t, h, "u2", time.Minute, "A1") }
	first, err := h.ledger.GetAvailability(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, models.SeatAvailable, seatStates(first)["A1"])

	written, err := cache.Get(ctx, "st-1")
	require.NoError(t, err)
	require.NotNil(t, written, "the outdated snapshot reached the cache")

	a, err := h.ledger.GetAvailability(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, models.SeatHeld, seatStates(a)["A1"])
	assert.Equal(t, 5, a.AvailableSeats)
	assert.Greater(t, a.Version, first.Version)

	// The fresh snapshot is served from cache until the next commit.
	again, err := h.ledger.GetAvailability(ctx, "st-1")
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestLedgerService_GetAvailabilityUnknownShowtime(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.GetAvailability(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type flakyLedger struct {
	domain.LedgerStore
	calls int
}

func (f *flakyLedger) ReleaseReservations(context.Context, []string, time.Time) ([]*models.Reservation, error) {
	f.calls++
	return nil, domain.ErrStorageUnavailable
}

type recordingCompensator struct {
	tasks []models.CompensationTask
}

func (r *recordingCompensator) Enqueue(_ context.Context, task models.CompensationTask) error {
	r.tasks = append(r.tasks, task)
	return nil
}

func TestLedgerService_ReleaseCompensatesTransientFailure(t *testing.T) {
	h := newHarness(t)
	comp := &recordingCompensator{}
	store := &flakyLedger{LedgerStore: h.db}
	svc := NewLedgerService(store, h.db, h.ledger.cfg, nil,
		WithClock(h.clock.Now),
		WithCompensator(comp),
		WithRetry(worker.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)

	err := svc.Release(context.Background(), []string{"r-1"})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, 2, store.calls)
	require.Len(t, comp.tasks, 1)
	assert.Equal(t, models.CompensationRelease, comp.tasks[0].Type)
	assert.Equal(t, []string{"r-1"}, comp.tasks[0].ReservationIDs)
	assert.NotEmpty(t, comp.tasks[0].ID)

	// Retrying from the worker must not enqueue a second task.
	assert.ErrorIs(t, svc.RetryRelease(context.Background(), comp.tasks[0]), domain.ErrStorageUnavailable)
	assert.Len(t, comp.tasks, 1)
}

func TestLedgerService_RetryReleaseApplies(t *testing.T) {
	h := newHarness(t)
	res := hold(t, h, "u1", time.Minute, "A1")

	err := h.ledger.RetryRelease(context.Background(), models.CompensationTask{
		Type: models.CompensationRelease, ReservationIDs: res.ReservationIDs,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, available(t, h, "st-1"))
}
