package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cinebook/internal/config"
	"cinebook/internal/domain"
	"cinebook/internal/events"
	"cinebook/internal/logging"
	"cinebook/internal/metrics"
	"cinebook/internal/models"

	"github.com/rs/zerolog"
)

type BookingService struct {
	store   domain.BookingStore
	catalog domain.Catalog
	pricing *Pricing
	collaborators
	logger *zerolog.Logger
}

func NewBookingService(store domain.BookingStore, catalog domain.Catalog, pricing *Pricing, logger *zerolog.Logger, opts ...Option) *BookingService {
	if pricing == nil {
		pricing = NewPricing(config.PricingConfig{})
	}
	return &BookingService{
		store:         store,
		catalog:       catalog,
		pricing:       pricing,
		collaborators: newCollaborators(opts),
		logger:        logging.Component(logger, "booking"),
	}
}

// CreateBooking turns the user's live holds into a PENDING booking. Seat prices are fixed here
// and do not follow later base price changes.
func (s *BookingService) CreateBooking(ctx context.Context, req domain.CreateBookingRequest) (*models.Booking, error) {
	seatIDs := uniqueIDs(req.SeatIDs)
	switch {
	case req.UserID == "":
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidArgument)
	case req.ShowtimeID == "":
		return nil, fmt.Errorf("%w: showtime_id is required", domain.ErrInvalidArgument)
	case len(seatIDs) == 0:
		return nil, fmt.Errorf("%w: at least one seat is required", domain.ErrInvalidArgument)
	}

	showtime, err := s.catalog.GetShowtime(ctx, req.ShowtimeID)
	if err != nil {
		return nil, err
	}
	if !showtime.Bookable() {
		return nil, fmt.Errorf("%w: showtime %s is %s", domain.ErrShowtimeNotBookable, showtime.ID, showtime.Status)
	}

	seats, err := s.catalog.GetSeatsByScreen(ctx, showtime.ScreenID)
	if err != nil {
		return nil, err
	}
	tiers := make(map[string]models.SeatTier, len(seats))
	for _, seat := range seats {
		tiers[seat.ID] = seat.Tier
	}

	booking := &models.Booking{
		UserID:     req.UserID,
		ShowtimeID: showtime.ID,
	}
	var unknown []string
	for _, id := range seatIDs {
		tier, ok := tiers[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		price, err := s.pricing.SeatPrice(showtime.BasePrice, tier)
		if err != nil {
			return nil, err
		}
		booking.Seats = append(booking.Seats, &models.BookingSeat{SeatID: id, Tier: tier, Price: price})
		booking.TotalAmount += price
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &domain.SeatsNotHeldError{SeatIDs: unknown}
	}

	now := s.now()
	err = s.withRetry(ctx, func() error {
		return s.store.CreateBooking(ctx, booking, now)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", req.UserID).Str("showtime_id", showtime.ID).Msg("create booking failed")
		return nil, err
	}

	metrics.IncBooking("created")
	s.publishBooking(events.EventBookingCreated, booking)
	s.logger.Info().
		Str("booking_id", booking.ID).
		Str("user_id", booking.UserID).
		Int64("total_amount", booking.TotalAmount).
		Msg("booking created")
	return booking, nil
}

// ConfirmBooking makes a PENDING booking final once payment succeeded.
func (s *BookingService) ConfirmBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	if bookingID == "" {
		return nil, fmt.Errorf("%w: booking_id is required", domain.ErrInvalidArgument)
	}

	var booking *models.Booking
	err := s.withRetry(ctx, func() error {
		var err error
		booking, err = s.store.ConfirmBooking(ctx, bookingID, s.now())
		return err
	})
	if err != nil {
		var expired *domain.BookingExpiredError
		if errors.As(err, &expired) {
			metrics.IncBooking("expired")
		}
		s.logger.Warn().Err(err).Str("booking_id", bookingID).Msg("confirm booking failed")
		return nil, err
	}

	metrics.IncBooking("confirmed")
	s.invalidate(ctx, s.logger, booking.ShowtimeID)
	s.publishBooking(events.EventBookingConfirmed, booking)
	s.logger.Info().Str("booking_id", booking.ID).Msg("booking confirmed")
	return booking, nil
}

// CancelBooking cancels a PENDING or CONFIRMED booking and frees its seats.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	if bookingID == "" {
		return nil, fmt.Errorf("%w: booking_id is required", domain.ErrInvalidArgument)
	}

	booking, err := s.cancel(ctx, bookingID)
	if err != nil {
		s.compensate(ctx, s.logger, models.CompensationTask{Type: models.CompensationCancelBooking, BookingID: bookingID}, err)
		return nil, err
	}
	return booking, nil
}

// RetryCancel applies a deferred cancellation without scheduling another compensation.
func (s *BookingService) RetryCancel(ctx context.Context, task models.CompensationTask) error {
	if task.BookingID == "" {
		return fmt.Errorf("%w: compensation task has no booking id", domain.ErrInvalidArgument)
	}
	_, err := s.cancel(ctx, task.BookingID)
	return err
}

func (s *BookingService) cancel(ctx context.Context, bookingID string) (*models.Booking, error) {
	var (
		booking  *models.Booking
		released []*models.Reservation
	)
	err := s.withRetry(ctx, func() error {
		var err error
		booking, released, err = s.store.CancelBooking(ctx, bookingID, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterCancel(ctx, booking, released)
	return booking, nil
}

func (s *BookingService) afterCancel(ctx context.Context, booking *models.Booking, released []*models.Reservation) {
	metrics.IncBooking("cancelled")
	metrics.AddReleased(len(released))
	s.invalidate(ctx, s.logger, booking.ShowtimeID)
	s.publishBooking(events.EventBookingCancelled, booking)
	if len(released) > 0 {
		p := &events.ReservationEventPayload{
			ShowtimeID: booking.ShowtimeID,
			HolderID:   booking.UserID,
			State:      string(models.ReservationReleased),
			Source:     "cancel",
			OccurredAt: s.now(),
		}
		for _, r := range released {
			p.ReservationIDs = append(p.ReservationIDs, r.ID)
			p.SeatIDs = append(p.SeatIDs, r.SeatID)
		}
		s.publish(s.logger, events.EventSeatsReleased, p)
	}
	s.logger.Info().Str("booking_id", booking.ID).Int("released", len(released)).Msg("booking cancelled")
}

func (s *BookingService) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	if bookingID == "" {
		return nil, fmt.Errorf("%w: booking_id is required", domain.ErrInvalidArgument)
	}
	return s.store.GetBooking(ctx, bookingID)
}

func (s *BookingService) ListBookings(ctx context.Context, showtimeID string) ([]*models.Booking, error) {
	if showtimeID == "" {
		return nil, fmt.Errorf("%w: showtime_id is required", domain.ErrInvalidArgument)
	}
	return s.store.ListBookingsByShowtime(ctx, showtimeID)
}

// ListUserBookings returns the bookings of one user, newest first.
func (s *BookingService) ListUserBookings(ctx context.Context, userID string) ([]*models.Booking, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidArgument)
	}
	return s.store.ListBookingsByUser(ctx, userID)
}

// CancelStaleBookings cancels PENDING bookings whose holds can no longer be confirmed.
func (s *BookingService) CancelStaleBookings(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = models.DefaultReaperBatchSize
	}
	ids, err := s.store.ListStalePendingBookings(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, id := range ids {
		booking, released, err := s.store.CancelBooking(ctx, id, s.now())
		if err != nil {
			if isGone(err) {
				continue
			}
			return cancelled, err
		}
		s.afterCancel(ctx, booking, released)
		cancelled++
	}
	return cancelled, nil
}

func (s *BookingService) publishBooking(eventType string, b *models.Booking) {
	s.publish(s.logger, eventType, &events.BookingEventPayload{
		BookingID:   b.ID,
		UserID:      b.UserID,
		ShowtimeID:  b.ShowtimeID,
		Status:      string(b.Status),
		SeatIDs:     b.SeatIDs(),
		TotalAmount: b.TotalAmount,
		OccurredAt:  s.now(),
	})
}
