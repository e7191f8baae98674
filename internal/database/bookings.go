package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"cinebook/internal/domain"
	"cinebook/internal/models"

	"github.com/google/uuid"
)

const bookingColumns = `id, user_id, showtime_id, status, total_amount, created_at, updated_at, confirmed_at, cancelled_at`

// CreateBooking stores a PENDING booking over the user's live holds. Seats must carry their
// priced tier; the reservation ids are resolved here under the transaction.
func (db *DB) CreateBooking(ctx context.Context, booking *models.Booking, now time.Time) error {
	if len(booking.Seats) == 0 {
		return fmt.Errorf("%w: booking has no seats", domain.ErrInvalidArgument)
	}
	if booking.ID == "" {
		booking.ID = uuid.NewString()
	}

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		seatIDs := booking.SeatIDs()
		holds, err := liveHoldsBySeat(ctx, tx, booking.ShowtimeID, booking.UserID, seatIDs, now)
		if err != nil {
			return err
		}

		var notHeld []string
		for _, seat := range booking.Seats {
			resID, ok := holds[seat.SeatID]
			if !ok {
				notHeld = append(notHeld, seat.SeatID)
				continue
			}
			seat.ReservationID = resID
		}

		attached, err := attachedReservations(ctx, tx, booking.ReservationIDs())
		if err != nil {
			return err
		}
		for _, seat := range booking.Seats {
			if seat.ReservationID != "" && attached[seat.ReservationID] {
				notHeld = append(notHeld, seat.SeatID)
			}
		}

		if len(notHeld) > 0 {
			sort.Strings(notHeld)
			return &domain.SeatsNotHeldError{SeatIDs: notHeld}
		}

		booking.Status = models.BookingPending
		booking.CreatedAt = now.UTC()
		booking.UpdatedAt = now.UTC()

		_, err = tx.ExecContext(ctx,
			`INSERT INTO bookings (`+bookingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
			booking.ID, booking.UserID, booking.ShowtimeID, string(booking.Status), booking.TotalAmount,
			unixNano(booking.CreatedAt), unixNano(booking.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert booking: %w", err)
		}

		for _, seat := range booking.Seats {
			seat.ID = uuid.NewString()
			seat.BookingID = booking.ID
			seat.ShowtimeID = booking.ShowtimeID
			_, err := tx.ExecContext(ctx,
				`INSERT INTO booking_seats (id, booking_id, showtime_id, seat_id, reservation_id, tier, price)
                 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				seat.ID, seat.BookingID, seat.ShowtimeID, seat.SeatID, seat.ReservationID, string(seat.Tier), seat.Price)
			if isUniqueViolation(err) {
				return &domain.SeatsNotHeldError{SeatIDs: []string{seat.SeatID}}
			}
			if err != nil {
				return fmt.Errorf("failed to insert booking seat: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

func liveHoldsBySeat(ctx context.Context, tx *sql.Tx, showtimeID, holderID string, seatIDs []string, now time.Time) (map[string]string, error) {
	in, args := inClause(seatIDs)
	rows, err := tx.QueryContext(ctx,
		`SELECT id, seat_id FROM reservations
         WHERE showtime_id = ? AND holder_id = ? AND state = 'held' AND expires_at > ? AND seat_id IN (`+in+`)`,
		append([]interface{}{showtimeID, holderID, unixNano(now)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query holds: %w", err)
	}
	defer rows.Close()

	holds := make(map[string]string, len(seatIDs))
	for rows.Next() {
		var id, seatID string
		if err := rows.Scan(&id, &seatID); err != nil {
			return nil, err
		}
		holds[seatID] = id
	}
	return holds, rows.Err()
}

func attachedReservations(ctx context.Context, tx *sql.Tx, reservationIDs []string) (map[string]bool, error) {
	attached := make(map[string]bool)
	if len(reservationIDs) == 0 {
		return attached, nil
	}
	in, args := inClause(reservationIDs)
	rows, err := tx.QueryContext(ctx,
		`SELECT reservation_id FROM booking_seats WHERE reservation_id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attached reservations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		attached[id] = true
	}
	return attached, rows.Err()
}

// ConfirmBooking finalizes a PENDING booking after payment. Every reservation must still be a
// live hold; otherwise nothing changes and a BookingExpiredError names the lapsed seats.
func (db *DB) ConfirmBooking(ctx context.Context, id string, now time.Time) (*models.Booking, error) {
	var booking *models.Booking
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		b, err := loadBooking(ctx, tx, id)
		if err != nil {
			return err
		}
		if !models.CanTransition(b.Status, models.BookingConfirmed) {
			return &domain.TransitionError{
				Entity: "booking", ID: id,
				From: string(b.Status), To: string(models.BookingConfirmed),
			}
		}

		reservations, err := reservationsByIDs(ctx, tx, b.ReservationIDs())
		if err != nil {
			return err
		}
		live := make(map[string]bool, len(reservations))
		for _, r := range reservations {
			if r.Live(now) {
				live[r.ID] = true
			}
		}
		var lapsed []string
		for _, seat := range b.Seats {
			if !live[seat.ReservationID] {
				lapsed = append(lapsed, seat.SeatID)
			}
		}
		if len(lapsed) > 0 {
			sort.Strings(lapsed)
			return &domain.BookingExpiredError{BookingID: id, SeatIDs: lapsed}
		}

		for _, seat := range b.Seats {
			res, err := tx.ExecContext(ctx,
				`UPDATE reservations SET state = 'confirmed', updated_at = ?
                 WHERE id = ? AND state = 'held' AND expires_at > ?`,
				unixNano(now), seat.ReservationID, unixNano(now))
			if err != nil {
				return fmt.Errorf("failed to confirm reservation: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil || n != 1 {
				return &domain.BookingExpiredError{BookingID: id, SeatIDs: []string{seat.SeatID}}
			}
		}

		if err := adjustInventory(ctx, tx, b.ShowtimeID, 0, now); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE bookings SET status = 'confirmed', confirmed_at = ?, updated_at = ?
             WHERE id = ? AND status = 'pending'`,
			unixNano(now), unixNano(now), id)
		if err != nil {
			return fmt.Errorf("failed to confirm booking: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return &domain.TransitionError{Entity: "booking", ID: id, From: string(b.Status), To: string(models.BookingConfirmed)}
		}

		confirmedAt := now.UTC()
		b.Status = models.BookingConfirmed
		b.ConfirmedAt = &confirmedAt
		b.UpdatedAt = confirmedAt
		booking = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return booking, nil
}

// CancelBooking releases every HELD or CONFIRMED reservation of the booking and marks it
// CANCELLED. The released reservations are returned so callers can publish them.
func (db *DB) CancelBooking(ctx context.Context, id string, now time.Time) (*models.Booking, []*models.Reservation, error) {
	var booking *models.Booking
	var released []*models.Reservation
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		b, err := loadBooking(ctx, tx, id)
		if err != nil {
			return err
		}
		if !models.CanTransition(b.Status, models.BookingCancelled) {
			return &domain.TransitionError{
				Entity: "booking", ID: id,
				From: string(b.Status), To: string(models.BookingCancelled),
			}
		}

		reservations, err := reservationsByIDs(ctx, tx, b.ReservationIDs())
		if err != nil {
			return err
		}
		held, err := transitionRows(ctx, tx, reservations, models.ReservationHeld, models.ReservationReleased, now)
		if err != nil {
			return err
		}
		confirmed, err := transitionRows(ctx, tx, reservations, models.ReservationConfirmed, models.ReservationReleased, now)
		if err != nil {
			return err
		}
		changed := append(held, confirmed...)
		if err := restoreInventory(ctx, tx, changed, now); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE bookings SET status = 'cancelled', cancelled_at = ?, updated_at = ? WHERE id = ?`,
			unixNano(now), unixNano(now), id)
		if err != nil {
			return fmt.Errorf("failed to cancel booking: %w", err)
		}

		cancelledAt := now.UTC()
		b.Status = models.BookingCancelled
		b.CancelledAt = &cancelledAt
		b.UpdatedAt = cancelledAt
		booking = b
		released = changed
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return booking, released, nil
}

func (db *DB) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	b, err := loadBooking(ctx, db, id)
	if err != nil {
		return nil, classifyError(err)
	}
	return b, nil
}

func (db *DB) ListBookingsByShowtime(ctx context.Context, showtimeID string) ([]*models.Booking, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE showtime_id = ? ORDER BY created_at, id`, showtimeID)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list bookings: %w", err))
	}
	bookings, err := scanBookings(rows)
	if err != nil {
		return nil, err
	}

	seats, err := querySeats(ctx, db,
		`SELECT id, booking_id, showtime_id, seat_id, reservation_id, tier, price FROM booking_seats
         WHERE showtime_id = ? ORDER BY booking_id, seat_id`, showtimeID)
	if err != nil {
		return nil, classifyError(err)
	}
	attachSeats(bookings, seats)
	return bookings, nil
}

// ListBookingsByUser returns every booking of a user, newest first.
func (db *DB) ListBookingsByUser(ctx context.Context, userID string) ([]*models.Booking, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list user bookings: %w", err))
	}
	bookings, err := scanBookings(rows)
	if err != nil {
		return nil, err
	}

	seats, err := querySeats(ctx, db,
		`SELECT bs.id, bs.booking_id, bs.showtime_id, bs.seat_id, bs.reservation_id, bs.tier, bs.price
         FROM booking_seats bs JOIN bookings b ON b.id = bs.booking_id
         WHERE b.user_id = ? ORDER BY bs.booking_id, bs.seat_id`, userID)
	if err != nil {
		return nil, classifyError(err)
	}
	attachSeats(bookings, seats)
	return bookings, nil
}

func attachSeats(bookings []*models.Booking, seats []*models.BookingSeat) {
	byID := make(map[string]*models.Booking, len(bookings))
	for _, b := range bookings {
		byID[b.ID] = b
	}
	for _, s := range seats {
		if b, ok := byID[s.BookingID]; ok {
			b.Seats = append(b.Seats, s)
		}
	}
}

// ListStalePendingBookings returns PENDING bookings that can no longer be confirmed because at
// least one of their reservations is no longer a live hold.
func (db *DB) ListStalePendingBookings(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = models.DefaultReaperBatchSize
	}
	rows, err := db.QueryContext(ctx,
		`SELECT b.id FROM bookings b
         WHERE b.status = 'pending' AND EXISTS (
            SELECT 1 FROM booking_seats bs JOIN reservations r ON r.id = bs.reservation_id
            WHERE bs.booking_id = b.id
              AND (r.state IN ('expired', 'released') OR (r.state = 'held' AND r.expires_at <= ?))
         )
         ORDER BY b.created_at LIMIT ?`, unixNano(now), limit)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list stale bookings: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func loadBooking(ctx context.Context, q queryer, id string) (*models.Booking, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	bookings, err := scanBookings(rows)
	if err != nil {
		return nil, err
	}
	if len(bookings) == 0 {
		return nil, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}

	b := bookings[0]
	b.Seats, err = querySeats(ctx, q,
		`SELECT id, booking_id, showtime_id, seat_id, reservation_id, tier, price FROM booking_seats
         WHERE booking_id = ? ORDER BY seat_id`, id)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanBookings(rows *sql.Rows) ([]*models.Booking, error) {
	defer rows.Close()

	var out []*models.Booking
	for rows.Next() {
		var b models.Booking
		var status string
		var createdAt, updatedAt int64
		var confirmedAt, cancelledAt sql.NullInt64
		if err := rows.Scan(&b.ID, &b.UserID, &b.ShowtimeID, &status, &b.TotalAmount,
			&createdAt, &updatedAt, &confirmedAt, &cancelledAt); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		b.Status = models.BookingStatus(status)
		b.CreatedAt = fromUnixNano(createdAt)
		b.UpdatedAt = fromUnixNano(updatedAt)
		b.ConfirmedAt = nullableTime(confirmedAt)
		b.CancelledAt = nullableTime(cancelledAt)
		out = append(out, &b)
	}
	return out, rows.Err()
}

func querySeats(ctx context.Context, q queryer, query string, args ...interface{}) ([]*models.BookingSeat, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query booking seats: %w", err)
	}
	defer rows.Close()

	var out []*models.BookingSeat
	for rows.Next() {
		var s models.BookingSeat
		var tier string
		if err := rows.Scan(&s.ID, &s.BookingID, &s.ShowtimeID, &s.SeatID, &s.ReservationID, &tier, &s.Price); err != nil {
			return nil, fmt.Errorf("failed to scan booking seat: %w", err)
		}
		s.Tier = models.SeatTier(tier)
		out = append(out, &s)
	}
	return out, rows.Err()
}
