package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cinebook/internal/config"
	"cinebook/internal/database"
	"cinebook/internal/events"
	"cinebook/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 4, 10, 18, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testNow} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingCache is an in-memory AvailabilityCache that counts invalidations.
type recordingCache struct {
	mu          sync.Mutex
	entries     map[string]*models.ShowtimeAvailability
	invalidated map[string]int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{
		entries:     make(map[string]*models.ShowtimeAvailability),
		invalidated: make(map[string]int),
	}
}

func (c *recordingCache) Get(_ context.Context, id string) (*models.ShowtimeAvailability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[id], nil
}

func (c *recordingCache) Set(_ context.Context, a *models.ShowtimeAvailability, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[a.ShowtimeID] = a
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.invalidated[id]++
	return nil
}

func (c *recordingCache) invalidations(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated[id]
}

type recordedEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordedEvents) record(e *events.Event) error {
	r.mu.Lock()
	r.types = append(r.types, e.Type)
	r.mu.Unlock()
	return nil
}

func (r *recordedEvents) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

type harness struct {
	db       *database.DB
	clock    *fakeClock
	cache    *recordingCache
	events   *recordedEvents
	ledger   *LedgerService
	bookings *BookingService
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "cinebook.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	seats := []models.Seat{
		{ID: "A1", ScreenID: "screen-1", Row: "A", Column: 1, Tier: models.TierRegular},
		{ID: "A2", ScreenID: "screen-1", Row: "A", Column: 2, Tier: models.TierRegular},
		{ID: "B1", ScreenID: "screen-1", Row: "B", Column: 1, Tier: models.TierRegular},
		{ID: "C1", ScreenID: "screen-1", Row: "C", Column: 1, Tier: models.TierRegular},
		{ID: "P1", ScreenID: "screen-1", Row: "P", Column: 1, Tier: models.TierPremium},
		{ID: "V1", ScreenID: "screen-1", Row: "V", Column: 1, Tier: models.TierVIP},
	}
	showtimes := []models.Showtime{
		{ID: "st-1", MovieID: "dune", ScreenID: "screen-1", StartsAt: testNow.Add(2 * time.Hour), BasePrice: 1000, TotalSeats: 6},
		{ID: "st-2", MovieID: "alien", ScreenID: "screen-1", StartsAt: testNow.Add(5 * time.Hour), BasePrice: 1200, TotalSeats: 6},
	}
	require.NoError(t, db.SeedCatalog(context.Background(), seats, showtimes, testNow))

	h := &harness{
		db:     db,
		clock:  newFakeClock(),
		cache:  newRecordingCache(),
		events: &recordedEvents{},
	}
	bus := events.NewEventBus()
	bus.Subscribe(events.AllEvents, h.events.record)

	base := []Option{WithClock(h.clock.Now), WithCache(h.cache), WithEvents(bus)}
	opts = append(base, opts...)

	cfg := config.ReservationConfig{
		DefaultHoldTTL:       models.DefaultHoldTTL,
		MaxHoldTTL:           models.MaxHoldTTL,
		MaxSeatsPerHold:      4,
		AvailabilityCacheTTL: time.Minute,
	}
	h.ledger = NewLedgerService(db, db, cfg, &logger, opts...)
	h.bookings = NewBookingService(db, db, NewPricing(config.PricingConfig{}), &logger, opts...)
	return h
}

func seatStates(a *models.ShowtimeAvailability) map[string]models.SeatState {
	out := make(map[string]models.SeatState, len(a.Seats))
	for _, s := range a.Seats {
		out[s.SeatID] = s.State
	}
	return out
}
