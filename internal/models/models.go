package models

import "time"

type SeatState string

const (
	SeatAvailable SeatState = "available"
	SeatHeld      SeatState = "held"
	SeatConfirmed SeatState = "confirmed"
)

// SeatAvailability is the derived state of one seat for a showtime.
type SeatAvailability struct {
	SeatID    string     `json:"seat_id"`
	Row       string     `json:"row"`
	Column    int        `json:"column"`
	Tier      SeatTier   `json:"tier"`
	State     SeatState  `json:"state"`
	HeldUntil *time.Time `json:"held_until,omitempty"`
}

// ShowtimeAvailability is a point in time snapshot of every seat of a showtime.
type ShowtimeAvailability struct {
	ShowtimeID     string             `json:"showtime_id"`
	TotalSeats     int                `json:"total_seats"`
	AvailableSeats int                `json:"available_seats"`
	Seats          []SeatAvailability `json:"seats"`
	GeneratedAt    time.Time          `json:"generated_at"`
	// Version is the ledger version the snapshot was read at.
	Version int64 `json:"version"`
	// ValidUntil is the earliest moment a HELD seat in the snapshot lapses.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// LedgerSnapshot is the raw ledger view of one showtime after lazy expiry.
type LedgerSnapshot struct {
	ShowtimeID     string
	Active         []*Reservation
	Expired        []*Reservation
	AvailableSeats int
	TotalSeats     int
	Version        int64
}

const (
	CompensationRelease       = "release"
	CompensationExpire        = "expire"
	CompensationCancelBooking = "cancel_booking"
)

// CompensationTask asks the background worker to redo a failed ledger mutation.
type CompensationTask struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	ReservationIDs []string  `json:"reservation_ids,omitempty"`
	BookingID      string    `json:"booking_id,omitempty"`
	Attempt        int       `json:"attempt"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
