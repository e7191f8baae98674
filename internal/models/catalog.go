package models

import (
	"strconv"
	"time"
)

type SeatTier string

const (
	TierRegular SeatTier = "regular"
	TierPremium SeatTier = "premium"
	TierVIP     SeatTier = "vip"
)

// Valid reports whether the tier is one of the known pricing tiers.
func (t SeatTier) Valid() bool {
	switch t {
	case TierRegular, TierPremium, TierVIP:
		return true
	}
	return false
}

type ShowtimeStatus string

const (
	ShowtimeActive    ShowtimeStatus = "active"
	ShowtimeCancelled ShowtimeStatus = "cancelled"
	ShowtimeCompleted ShowtimeStatus = "completed"
)

// Showtime is one screening of a movie on a screen. BasePrice is in minor currency units.
type Showtime struct {
	ID         string         `json:"id" yaml:"id"`
	MovieID    string         `json:"movie_id" yaml:"movie_id"`
	ScreenID   string         `json:"screen_id" yaml:"screen_id"`
	StartsAt   time.Time      `json:"starts_at" yaml:"starts_at"`
	BasePrice  int64          `json:"base_price" yaml:"base_price"`
	TotalSeats int            `json:"total_seats" yaml:"total_seats"`
	Status     ShowtimeStatus `json:"status" yaml:"status"`
	UpdatedAt  time.Time      `json:"updated_at" yaml:"-"`
}

// Bookable reports whether new holds may be placed on the showtime.
func (s *Showtime) Bookable() bool {
	return s.Status == ShowtimeActive || s.Status == ""
}

// Seat is a physical seat on a screen.
type Seat struct {
	ID       string   `json:"id" yaml:"id"`
	ScreenID string   `json:"screen_id" yaml:"screen_id"`
	Row      string   `json:"row" yaml:"row"`
	Column   int      `json:"column" yaml:"column"`
	Tier     SeatTier `json:"tier" yaml:"tier"`
}

// Label renders the seat the way it is printed on a ticket, e.g. "C7".
func (s *Seat) Label() string {
	return s.Row + strconv.Itoa(s.Column)
}
