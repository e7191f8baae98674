package domain

import (
	"context"
	"time"

	"cinebook/internal/models"
)

// Catalog is the read side of showtimes and seats.
type Catalog interface {
	GetShowtime(ctx context.Context, id string) (*models.Showtime, error)
	GetSeatsByScreen(ctx context.Context, screenID string) ([]*models.Seat, error)
}

// LedgerStore persists reservations. Every method runs as one atomic unit.
type LedgerStore interface {
	HoldSeats(ctx context.Context, showtimeID string, seatIDs []string, holderID string, now, expiresAt time.Time) ([]*models.Reservation, error)
	ReleaseReservations(ctx context.Context, ids []string, now time.Time) ([]*models.Reservation, error)
	ExpireReservations(ctx context.Context, ids []string, now time.Time) ([]*models.Reservation, error)
	ListLapsedHolds(ctx context.Context, now time.Time, limit int) ([]string, error)
	SnapshotShowtime(ctx context.Context, showtimeID string, now time.Time) (*models.LedgerSnapshot, error)
	InventoryVersion(ctx context.Context, showtimeID string) (int64, error)
	GetReservations(ctx context.Context, ids []string) ([]*models.Reservation, error)
}

// BookingStore persists bookings together with the reservations they consume.
type BookingStore interface {
	CreateBooking(ctx context.Context, booking *models.Booking, now time.Time) error
	ConfirmBooking(ctx context.Context, id string, now time.Time) (*models.Booking, error)
	CancelBooking(ctx context.Context, id string, now time.Time) (*models.Booking, []*models.Reservation, error)
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListBookingsByShowtime(ctx context.Context, showtimeID string) ([]*models.Booking, error)
	ListBookingsByUser(ctx context.Context, userID string) ([]*models.Booking, error)
	ListStalePendingBookings(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// AvailabilityCache stores derived availability snapshots. It is advisory only.
type AvailabilityCache interface {
	Get(ctx context.Context, showtimeID string) (*models.ShowtimeAvailability, error)
	Set(ctx context.Context, availability *models.ShowtimeAvailability, ttl time.Duration) error
	Invalidate(ctx context.Context, showtimeID string) error
}

// Locker grants a short lived lease used to elect a single sweeper.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Compensator retries ledger mutations that failed on a transient storage error.
type Compensator interface {
	Enqueue(ctx context.Context, task models.CompensationTask) error
}

// LedgerService is the reservation surface exposed to transports.
type LedgerService interface {
	Hold(ctx context.Context, req HoldRequest) (*models.HoldResult, error)
	Release(ctx context.Context, reservationIDs []string) error
	Expire(ctx context.Context, reservationIDs []string) (int, error)
	GetAvailability(ctx context.Context, showtimeID string) (*models.ShowtimeAvailability, error)
}

// BookingService is the booking surface exposed to transports.
type BookingService interface {
	CreateBooking(ctx context.Context, req CreateBookingRequest) (*models.Booking, error)
	ConfirmBooking(ctx context.Context, bookingID string) (*models.Booking, error)
	CancelBooking(ctx context.Context, bookingID string) (*models.Booking, error)
	GetBooking(ctx context.Context, bookingID string) (*models.Booking, error)
	ListBookings(ctx context.Context, showtimeID string) ([]*models.Booking, error)
	ListUserBookings(ctx context.Context, userID string) ([]*models.Booking, error)
}

type HoldRequest struct {
	ShowtimeID string        `json:"showtime_id"`
	SeatIDs    []string      `json:"seat_ids"`
	HolderID   string        `json:"holder_id"`
	TTL        time.Duration `json:"ttl"`
}

type CreateBookingRequest struct {
	UserID     string   `json:"user_id"`
	ShowtimeID string   `json:"showtime_id"`
	SeatIDs    []string `json:"seat_ids"`
}
