package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cinebook/internal/config"
	"cinebook/internal/domain"
	"cinebook/internal/events"
	"cinebook/internal/logging"
	"cinebook/internal/metrics"
	"cinebook/internal/models"

	"github.com/rs/zerolog"
)

// maxSweepBatches bounds one ExpireLapsed call so a large backlog cannot stall a sweep.
const maxSweepBatches = 20

// LedgerService owns the seat reservation state machine.
type LedgerService struct {
	store   domain.LedgerStore
	catalog domain.Catalog
	cfg     config.ReservationConfig
	collaborators
	logger *zerolog.Logger
}

func NewLedgerService(store domain.LedgerStore, catalog domain.Catalog, cfg config.ReservationConfig, logger *zerolog.Logger, opts ...Option) *LedgerService {
	if cfg.MaxSeatsPerHold <= 0 {
		cfg.MaxSeatsPerHold = models.DefaultMaxSeatsPerHold
	}
	if cfg.MaxHoldTTL <= 0 {
		cfg.MaxHoldTTL = models.MaxHoldTTL
	}
	if cfg.AvailabilityCacheTTL <= 0 {
		cfg.AvailabilityCacheTTL = models.DefaultAvailabilityCacheTTL
	}
	return &LedgerService{
		store:         store,
		catalog:       catalog,
		cfg:           cfg,
		collaborators: newCollaborators(opts),
		logger:        logging.Component(logger, "ledger"),
	}
}

// Hold places HELD reservations on every requested seat or on none of them.
func (s *LedgerService) Hold(ctx context.Context, req domain.HoldRequest) (*models.HoldResult, error) {
	started := time.Now()
	seatIDs := uniqueIDs(req.SeatIDs)

	switch {
	case req.ShowtimeID == "":
		return nil, fmt.Errorf("%w: showtime_id is required", domain.ErrInvalidArgument)
	case req.HolderID == "":
		return nil, fmt.Errorf("%w: holder_id is required", domain.ErrInvalidArgument)
	case len(seatIDs) == 0:
		return nil, fmt.Errorf("%w: at least one seat is required", domain.ErrInvalidArgument)
	case len(seatIDs) > s.cfg.MaxSeatsPerHold:
		return nil, fmt.Errorf("%w: %d seats exceeds limit of %d", domain.ErrInvalidArgument, len(seatIDs), s.cfg.MaxSeatsPerHold)
	case req.TTL <= 0:
		return nil, fmt.Errorf("%w: ttl must be positive", domain.ErrInvalidArgument)
	}

	ttl := req.TTL
	if ttl > s.cfg.MaxHoldTTL {
		ttl = s.cfg.MaxHoldTTL
	}

	showtime, err := s.catalog.GetShowtime(ctx, req.ShowtimeID)
	if err != nil {
		return nil, err
	}
	if !showtime.Bookable() {
		return nil, fmt.Errorf("%w: showtime %s is %s", domain.ErrShowtimeNotBookable, showtime.ID, showtime.Status)
	}
	if err := s.checkSeats(ctx, showtime, seatIDs); err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(ttl)

	var held []*models.Reservation
	err = s.withRetry(ctx, func() error {
		var err error
		held, err = s.store.HoldSeats(ctx, showtime.ID, seatIDs, req.HolderID, now, expiresAt)
		return err
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, domain.ErrConflict) {
			outcome = "conflict"
			s.logger.Debug().Err(err).Str("showtime_id", showtime.ID).Str("holder_id", req.HolderID).Msg("hold rejected")
		} else {
			s.logger.Error().Err(err).Str("showtime_id", showtime.ID).Msg("hold failed")
		}
		metrics.ObserveHold(outcome, len(seatIDs), time.Since(started))
		return nil, err
	}

	metrics.ObserveHold("success", len(held), time.Since(started))
	s.invalidate(ctx, s.logger, showtime.ID)
	s.publishReservations(events.EventSeatsHeld, held, "hold", now)

	result := &models.HoldResult{ShowtimeID: showtime.ID, ExpiresAt: expiresAt}
	for _, r := range held {
		result.ReservationIDs = append(result.ReservationIDs, r.ID)
		result.SeatIDs = append(result.SeatIDs, r.SeatID)
	}
	s.logger.Info().
		Str("showtime_id", showtime.ID).
		Str("holder_id", req.HolderID).
		Strs("seat_ids", result.SeatIDs).
		Time("expires_at", expiresAt).
		Msg("seats held")
	return result, nil
}

func (s *LedgerService) checkSeats(ctx context.Context, showtime *models.Showtime, seatIDs []string) error {
	seats, err := s.catalog.GetSeatsByScreen(ctx, showtime.ScreenID)
	if err != nil {
		return err
	}
	onScreen := make(map[string]bool, len(seats))
	for _, seat := range seats {
		onScreen[seat.ID] = true
	}
	var unknown []string
	for _, id := range seatIDs {
		if !onScreen[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("seats %v on screen %s: %w", sortedCopy(unknown), showtime.ScreenID, domain.ErrNotFound)
	}
	return nil
}

// Release ends HELD reservations early. Already terminal reservations are left as they are.
// A transient storage failure is returned to the caller and also handed to the compensation
// worker so the release is eventually applied.
func (s *LedgerService) Release(ctx context.Context, reservationIDs []string) error {
	ids := uniqueIDs(reservationIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: reservation_ids is required", domain.ErrInvalidArgument)
	}

	if err := s.release(ctx, ids, "release"); err != nil {
		s.compensate(ctx, s.logger, models.CompensationTask{Type: models.CompensationRelease, ReservationIDs: ids}, err)
		return err
	}
	return nil
}

// RetryRelease applies a deferred release without scheduling another compensation.
func (s *LedgerService) RetryRelease(ctx context.Context, task models.CompensationTask) error {
	return s.release(ctx, uniqueIDs(task.ReservationIDs), "compensation")
}

func (s *LedgerService) release(ctx context.Context, ids []string, source string) error {
	var released []*models.Reservation
	err := s.withRetry(ctx, func() error {
		var err error
		released, err = s.store.ReleaseReservations(ctx, ids, s.now())
		return err
	})
	if err != nil {
		return err
	}

	metrics.AddReleased(len(released))
	s.afterTerminal(ctx, events.EventSeatsReleased, released, source)
	return nil
}

// Expire applies the guarded lapse transition to the given reservations and reports how many changed.
func (s *LedgerService) Expire(ctx context.Context, reservationIDs []string) (int, error) {
	ids := uniqueIDs(reservationIDs)
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := s.expire(ctx, ids, "explicit")
	if err != nil {
		s.compensate(ctx, s.logger, models.CompensationTask{Type: models.CompensationExpire, ReservationIDs: ids}, err)
		return 0, err
	}
	return n, nil
}

// RetryExpire applies a deferred expiry without scheduling another compensation.
func (s *LedgerService) RetryExpire(ctx context.Context, task models.CompensationTask) error {
	_, err := s.expire(ctx, uniqueIDs(task.ReservationIDs), "compensation")
	return err
}

func (s *LedgerService) expire(ctx context.Context, ids []string, source string) (int, error) {
	var expired []*models.Reservation
	err := s.withRetry(ctx, func() error {
		var err error
		expired, err = s.store.ExpireReservations(ctx, ids, s.now())
		return err
	})
	if err != nil {
		return 0, err
	}

	metrics.AddExpired(source, len(expired))
	s.afterTerminal(ctx, events.EventHoldsExpired, expired, source)
	return len(expired), nil
}

// ExpireLapsed expires lapsed holds in batches of batchSize and returns how many changed.
func (s *LedgerService) ExpireLapsed(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = models.DefaultReaperBatchSize
	}

	total := 0
	for i := 0; i < maxSweepBatches; i++ {
		now := s.now()
		ids, err := s.store.ListLapsedHolds(ctx, now, batchSize)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			break
		}

		expired, err := s.store.ExpireReservations(ctx, ids, now)
		if err != nil {
			return total, err
		}
		total += len(expired)
		metrics.AddExpired("reaper", len(expired))
		s.afterTerminal(ctx, events.EventHoldsExpired, expired, "reaper")

		if len(ids) < batchSize {
			break
		}
	}
	return total, nil
}

// GetAvailability returns the state of every seat of the showtime.
// Lapsed holds are expired before the snapshot is taken.
func (s *LedgerService) GetAvailability(ctx context.Context, showtimeID string) (*models.ShowtimeAvailability, error) {
	if showtimeID == "" {
		return nil, fmt.Errorf("%w: showtime_id is required", domain.ErrInvalidArgument)
	}

	if cached := s.cached(ctx, showtimeID); cached != nil {
		return cached, nil
	}

	showtime, err := s.catalog.GetShowtime(ctx, showtimeID)
	if err != nil {
		return nil, err
	}
	seats, err := s.catalog.GetSeatsByScreen(ctx, showtime.ScreenID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var snap *models.LedgerSnapshot
	err = s.withRetry(ctx, func() error {
		var err error
		snap, err = s.store.SnapshotShowtime(ctx, showtimeID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(snap.Expired) > 0 {
		metrics.AddExpired("lazy", len(snap.Expired))
		s.publishReservations(events.EventHoldsExpired, snap.Expired, "lazy", now)
	}

	availability := buildAvailability(showtime, seats, snap, now)
	s.cacheSnapshot(ctx, availability, now)
	return availability, nil
}

func buildAvailability(showtime *models.Showtime, seats []*models.Seat, snap *models.LedgerSnapshot, now time.Time) *models.ShowtimeAvailability {
	bySeat := make(map[string]*models.Reservation, len(snap.Active))
	for _, r := range snap.Active {
		bySeat[r.SeatID] = r
	}

	out := &models.ShowtimeAvailability{
		ShowtimeID:     showtime.ID,
		TotalSeats:     snap.TotalSeats,
		AvailableSeats: snap.AvailableSeats,
		Seats:          make([]models.SeatAvailability, 0, len(seats)),
		GeneratedAt:    now,
		Version:        snap.Version,
	}

	for _, seat := range seats {
		sa := models.SeatAvailability{
			SeatID: seat.ID,
			Row:    seat.Row,
			Column: seat.Column,
			Tier:   seat.Tier,
			State:  models.SeatAvailable,
		}
		if r, ok := bySeat[seat.ID]; ok {
			switch {
			case r.State == models.ReservationConfirmed:
				sa.State = models.SeatConfirmed
			case r.Live(now):
				sa.State = models.SeatHeld
				until := r.ExpiresAt
				sa.HeldUntil = &until
				if out.ValidUntil == nil || until.Before(*out.ValidUntil) {
					out.ValidUntil = &until
				}
			}
		}
		out.Seats = append(out.Seats, sa)
	}
	return out
}

func (s *LedgerService) cached(ctx context.Context, showtimeID string) *models.ShowtimeAvailability {
	if s.cache == nil {
		return nil
	}
	a, err := s.cache.Get(ctx, showtimeID)
	if err != nil {
		s.logger.Warn().Err(err).Str("showtime_id", showtimeID).Msg("availability cache read failed")
		metrics.IncCache("error")
		return nil
	}
	if a == nil || (a.ValidUntil != nil && !a.ValidUntil.After(s.now())) {
		metrics.IncCache("miss")
		return nil
	}

	// A snapshot written back after a newer commit carries an older version.
	version, err := s.store.InventoryVersion(ctx, showtimeID)
	if err != nil {
		s.logger.Warn().Err(err).Str("showtime_id", showtimeID).Msg("ledger version read failed")
		metrics.IncCache("error")
		return nil
	}
	if a.Version != version {
		metrics.IncCache("stale")
		return nil
	}
	metrics.IncCache("hit")
	return a
}

// cacheSnapshot caches the snapshot no longer than its earliest hold expiry.
func (s *LedgerService) cacheSnapshot(ctx context.Context, a *models.ShowtimeAvailability, now time.Time) {
	if s.cache == nil {
		return
	}
	ttl := s.cfg.AvailabilityCacheTTL
	if a.ValidUntil != nil {
		if untilLapse := a.ValidUntil.Sub(now); untilLapse < ttl {
			ttl = untilLapse
		}
	}
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, a, ttl); err != nil {
		s.logger.Warn().Err(err).Str("showtime_id", a.ShowtimeID).Msg("availability cache write failed")
	}
}

func (s *LedgerService) afterTerminal(ctx context.Context, eventType string, changed []*models.Reservation, source string) {
	if len(changed) == 0 {
		return
	}
	showtimes := make([]string, 0, 1)
	for _, r := range changed {
		showtimes = append(showtimes, r.ShowtimeID)
	}
	s.invalidate(ctx, s.logger, showtimes...)
	s.publishReservations(eventType, changed, source, s.now())
	s.logger.Info().Int("count", len(changed)).Str("source", source).Str("event", eventType).Msg("reservations ended")
}

// publishReservations emits one event per showtime touched by the batch.
func (s *LedgerService) publishReservations(eventType string, changed []*models.Reservation, source string, at time.Time) {
	byShowtime := make(map[string]*events.ReservationEventPayload)
	var order []string
	for _, r := range changed {
		p, ok := byShowtime[r.ShowtimeID]
		if !ok {
			p = &events.ReservationEventPayload{
				ShowtimeID: r.ShowtimeID,
				HolderID:   r.HolderID,
				State:      string(r.State),
				ExpiresAt:  r.ExpiresAt,
				Source:     source,
				OccurredAt: at,
			}
			byShowtime[r.ShowtimeID] = p
			order = append(order, r.ShowtimeID)
		}
		if p.HolderID != r.HolderID {
			p.HolderID = ""
		}
		p.ReservationIDs = append(p.ReservationIDs, r.ID)
		p.SeatIDs = append(p.SeatIDs, r.SeatID)
	}
	for _, id := range order {
		s.publish(s.logger, eventType, byShowtime[id])
	}
}
