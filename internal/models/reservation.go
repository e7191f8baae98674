package models

import "time"

type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationConfirmed ReservationState = "confirmed"
	ReservationExpired   ReservationState = "expired"
	ReservationReleased  ReservationState = "released"
)

// Terminal reports whether no further transition is allowed from the state.
func (s ReservationState) Terminal() bool {
	return s == ReservationExpired || s == ReservationReleased
}

// Reservation is a claim on one seat of one showtime.
// A seat is claimed while its reservation is CONFIRMED, or HELD with ExpiresAt in the future.
type Reservation struct {
	ID         string           `json:"id"`
	ShowtimeID string           `json:"showtime_id"`
	SeatID     string           `json:"seat_id"`
	HolderID   string           `json:"holder_id"`
	State      ReservationState `json:"state"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Lapsed reports a HELD reservation whose TTL has passed but has not been expired yet.
func (r *Reservation) Lapsed(now time.Time) bool {
	return r.State == ReservationHeld && !r.ExpiresAt.After(now)
}

// Live reports a HELD reservation still inside its TTL.
func (r *Reservation) Live(now time.Time) bool {
	return r.State == ReservationHeld && r.ExpiresAt.After(now)
}

// Claims reports whether the reservation blocks the seat for anyone else.
func (r *Reservation) Claims(now time.Time) bool {
	return r.State == ReservationConfirmed || r.Live(now)
}

// HoldResult is returned to the caller of a successful hold.
type HoldResult struct {
	ReservationIDs []string  `json:"reservation_ids"`
	ShowtimeID     string    `json:"showtime_id"`
	SeatIDs        []string  `json:"seat_ids"`
	ExpiresAt      time.Time `json:"expires_at"`
}
