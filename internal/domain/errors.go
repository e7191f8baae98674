package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConflict            = errors.New("seats already claimed")
	ErrSeatsNotHeld        = errors.New("seats not held by user")
	ErrBookingExpired      = errors.New("booking holds expired")
	ErrNotFound            = errors.New("not found")
	ErrIllegalTransition   = errors.New("illegal state transition")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrShowtimeNotBookable = errors.New("showtime is not bookable")
	ErrPaymentDeclined     = errors.New("payment declined")
)

// ConflictError lists every requested seat that is already claimed.
type ConflictError struct {
	ShowtimeID string
	SeatIDs    []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("seats already claimed for showtime %s: %s", e.ShowtimeID, strings.Join(e.SeatIDs, ","))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// SeatsNotHeldError lists the seats the user has no live hold for.
type SeatsNotHeldError struct {
	SeatIDs []string
}

func (e *SeatsNotHeldError) Error() string {
	return fmt.Sprintf("seats not held by user: %s", strings.Join(e.SeatIDs, ","))
}

func (e *SeatsNotHeldError) Unwrap() error { return ErrSeatsNotHeld }

// BookingExpiredError names the seats whose holds lapsed before confirmation.
type BookingExpiredError struct {
	BookingID string
	SeatIDs   []string
}

func (e *BookingExpiredError) Error() string {
	return fmt.Sprintf("booking %s holds expired for seats: %s", e.BookingID, strings.Join(e.SeatIDs, ","))
}

func (e *BookingExpiredError) Unwrap() error { return ErrBookingExpired }

// TransitionError reports a lifecycle move the state machine forbids.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// IsRetryable reports whether the caller may retry the operation unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
