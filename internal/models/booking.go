package models

import "time"

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:   {BookingConfirmed, BookingCancelled},
	BookingConfirmed: {BookingCancelled},
}

// CanTransition reports whether a booking may move from one status to another.
func CanTransition(from, to BookingStatus) bool {
	for _, next := range bookingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Booking groups the seats a user is purchasing for one showtime.
// Prices are fixed at creation and never recomputed.
type Booking struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	ShowtimeID  string         `json:"showtime_id"`
	Status      BookingStatus  `json:"status"`
	TotalAmount int64          `json:"total_amount"`
	Seats       []*BookingSeat `json:"seats"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
	CancelledAt *time.Time     `json:"cancelled_at,omitempty"`
}

// SeatIDs lists the booked seats in booking order.
func (b *Booking) SeatIDs() []string {
	ids := make([]string, 0, len(b.Seats))
	for _, s := range b.Seats {
		ids = append(ids, s.SeatID)
	}
	return ids
}

// ReservationIDs lists the reservations backing the booking.
func (b *Booking) ReservationIDs() []string {
	ids := make([]string, 0, len(b.Seats))
	for _, s := range b.Seats {
		if s.ReservationID != "" {
			ids = append(ids, s.ReservationID)
		}
	}
	return ids
}

type BookingSeat struct {
	ID            string   `json:"id"`
	BookingID     string   `json:"booking_id"`
	ShowtimeID    string   `json:"showtime_id"`
	SeatID        string   `json:"seat_id"`
	ReservationID string   `json:"reservation_id"`
	Tier          SeatTier `json:"tier"`
	Price         int64    `json:"price"`
}
