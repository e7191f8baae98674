package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"cinebook/internal/domain"
	"cinebook/internal/models"

	"github.com/google/uuid"
)

const reservationColumns = `id, showtime_id, seat_id, holder_id, state, created_at, expires_at, updated_at`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// HoldSeats claims every seat or none. Lapsed holds on the requested seats are expired first
// so their seats count as free; any seat still claimed fails the whole call with a ConflictError.
func (db *DB) HoldSeats(ctx context.Context, showtimeID string, seatIDs []string, holderID string, now, expiresAt time.Time) ([]*models.Reservation, error) {
	seatIDs = dedupe(seatIDs)
	if len(seatIDs) == 0 {
		return nil, fmt.Errorf("%w: no seats requested", domain.ErrInvalidArgument)
	}

	var held []*models.Reservation
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		held = held[:0]

		freed, err := expireLapsedSeats(ctx, tx, showtimeID, seatIDs, now)
		if err != nil {
			return err
		}

		taken, err := claimedSeats(ctx, tx, showtimeID, seatIDs)
		if err != nil {
			return err
		}
		if len(taken) > 0 {
			return &domain.ConflictError{ShowtimeID: showtimeID, SeatIDs: taken}
		}

		insert := `INSERT INTO reservations (` + reservationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		for _, seatID := range seatIDs {
			r := &models.Reservation{
				ID:         uuid.NewString(),
				ShowtimeID: showtimeID,
				SeatID:     seatID,
				HolderID:   holderID,
				State:      models.ReservationHeld,
				CreatedAt:  now.UTC(),
				ExpiresAt:  expiresAt.UTC(),
				UpdatedAt:  now.UTC(),
			}
			_, err := tx.ExecContext(ctx, insert, r.ID, r.ShowtimeID, r.SeatID, r.HolderID, string(r.State),
				unixNano(r.CreatedAt), unixNano(r.ExpiresAt), unixNano(r.UpdatedAt))
			if isUniqueViolation(err) {
				return &domain.ConflictError{ShowtimeID: showtimeID, SeatIDs: []string{seatID}}
			}
			if err != nil {
				return fmt.Errorf("failed to insert reservation: %w", err)
			}
			held = append(held, r)
		}

		return adjustInventory(ctx, tx, showtimeID, len(freed)-len(held), now)
	})
	if err != nil {
		return nil, err
	}
	return held, nil
}

// expireLapsedSeats moves lapsed HELD rows of the given seats to EXPIRED.
// With no seat ids every lapsed hold of the showtime is expired.
func expireLapsedSeats(ctx context.Context, tx *sql.Tx, showtimeID string, seatIDs []string, now time.Time) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations
              WHERE showtime_id = ? AND state = 'held' AND expires_at <= ?`
	args := []interface{}{showtimeID, unixNano(now)}
	if len(seatIDs) > 0 {
		in, seatArgs := inClause(seatIDs)
		query += ` AND seat_id IN (` + in + `)`
		args = append(args, seatArgs...)
	}

	lapsed, err := queryReservations(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	return expireRows(ctx, tx, lapsed, now)
}

// expireRows applies the guarded HELD -> EXPIRED transition row by row.
// Only rows that actually changed are returned.
func expireRows(ctx context.Context, tx *sql.Tx, rows []*models.Reservation, now time.Time) ([]*models.Reservation, error) {
	var changed []*models.Reservation
	for _, r := range rows {
		res, err := tx.ExecContext(ctx,
			`UPDATE reservations SET state = 'expired', updated_at = ?
             WHERE id = ? AND state = 'held' AND expires_at <= ?`,
			unixNano(now), r.ID, unixNano(now))
		if err != nil {
			return nil, fmt.Errorf("failed to expire reservation %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			r.State = models.ReservationExpired
			r.UpdatedAt = now.UTC()
			changed = append(changed, r)
		}
	}
	return changed, nil
}

func claimedSeats(ctx context.Context, tx *sql.Tx, showtimeID string, seatIDs []string) ([]string, error) {
	in, args := inClause(seatIDs)
	rows, err := tx.QueryContext(ctx,
		`SELECT seat_id FROM reservations
         WHERE showtime_id = ? AND state IN ('held', 'confirmed') AND seat_id IN (`+in+`)`,
		append([]interface{}{showtimeID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to check claimed seats: %w", err)
	}
	defer rows.Close()

	var taken []string
	for rows.Next() {
		var seatID string
		if err := rows.Scan(&seatID); err != nil {
			return nil, err
		}
		taken = append(taken, seatID)
	}
	sort.Strings(taken)
	return taken, rows.Err()
}

// ReleaseReservations ends HELD reservations early. Unknown ids fail the whole call with
// ErrNotFound and confirmed ones with a TransitionError; already terminal rows are skipped.
func (db *DB) ReleaseReservations(ctx context.Context, ids []string, now time.Time) ([]*models.Reservation, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no reservations given", domain.ErrInvalidArgument)
	}

	var released []*models.Reservation
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		released = released[:0]

		found, err := reservationsByIDs(ctx, tx, ids)
		if err != nil {
			return err
		}
		if missing := missingIDs(ids, found); len(missing) > 0 {
			return fmt.Errorf("reservations %v: %w", missing, domain.ErrNotFound)
		}

		for _, r := range found {
			if r.State == models.ReservationConfirmed {
				return &domain.TransitionError{
					Entity: "reservation", ID: r.ID,
					From: string(r.State), To: string(models.ReservationReleased),
				}
			}
		}

		changed, err := transitionRows(ctx, tx, found, models.ReservationHeld, models.ReservationReleased, now)
		if err != nil {
			return err
		}
		released = changed
		return restoreInventory(ctx, tx, changed, now)
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// ExpireReservations applies the guarded expiry to the given ids. Ids that are unknown,
// terminal, confirmed or not yet lapsed are left untouched.
func (db *DB) ExpireReservations(ctx context.Context, ids []string, now time.Time) ([]*models.Reservation, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	var expired []*models.Reservation
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		expired = expired[:0]

		found, err := reservationsByIDs(ctx, tx, ids)
		if err != nil {
			return err
		}

		var lapsed []*models.Reservation
		for _, r := range found {
			if r.Lapsed(now) {
				lapsed = append(lapsed, r)
			}
		}

		changed, err := expireRows(ctx, tx, lapsed, now)
		if err != nil {
			return err
		}
		expired = changed
		return restoreInventory(ctx, tx, changed, now)
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// ListLapsedHolds returns ids of HELD reservations whose TTL has passed, oldest first.
func (db *DB) ListLapsedHolds(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = models.DefaultReaperBatchSize
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id FROM reservations WHERE state = 'held' AND expires_at <= ?
         ORDER BY expires_at LIMIT ?`, unixNano(now), limit)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list lapsed holds: %w", err))
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

// SnapshotShowtime expires lapsed holds of the showtime and returns the claiming reservations
// together with the inventory counters, all read in the same transaction.
func (db *DB) SnapshotShowtime(ctx context.Context, showtimeID string, now time.Time) (*models.LedgerSnapshot, error) {
	snap := &models.LedgerSnapshot{ShowtimeID: showtimeID}
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		expired, err := expireLapsedSeats(ctx, tx, showtimeID, nil, now)
		if err != nil {
			return err
		}
		if len(expired) > 0 {
			if err := adjustInventory(ctx, tx, showtimeID, len(expired), now); err != nil {
				return err
			}
		}

		active, err := queryReservations(ctx, tx,
			`SELECT `+reservationColumns+` FROM reservations
             WHERE showtime_id = ? AND state IN ('held', 'confirmed') ORDER BY seat_id`, showtimeID)
		if err != nil {
			return err
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT total_seats, available_seats, version FROM showtime_inventory WHERE showtime_id = ?`,
			showtimeID).Scan(&snap.TotalSeats, &snap.AvailableSeats, &snap.Version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("inventory for showtime %s: %w", showtimeID, domain.ErrNotFound)
			}
			return fmt.Errorf("failed to read inventory: %w", err)
		}

		snap.Active = active
		snap.Expired = expired
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (db *DB) GetReservations(ctx context.Context, ids []string) ([]*models.Reservation, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	res, err := reservationsByIDs(ctx, db, ids)
	return res, classifyError(err)
}

func (db *DB) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	res, err := db.GetReservations(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	return res[0], nil
}

// transitionRows applies a guarded from -> to update row by row and returns rows that changed.
func transitionRows(ctx context.Context, tx *sql.Tx, rows []*models.Reservation, from, to models.ReservationState, now time.Time) ([]*models.Reservation, error) {
	var changed []*models.Reservation
	for _, r := range rows {
		if r.State != from {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE reservations SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
			string(to), unixNano(now), r.ID, string(from))
		if err != nil {
			return nil, fmt.Errorf("failed to move reservation %s to %s: %w", r.ID, to, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			r.State = to
			r.UpdatedAt = now.UTC()
			changed = append(changed, r)
		}
	}
	return changed, nil
}

// restoreInventory gives the seats of no longer claiming rows back to their showtimes.
func restoreInventory(ctx context.Context, tx *sql.Tx, rows []*models.Reservation, now time.Time) error {
	perShowtime := make(map[string]int)
	for _, r := range rows {
		perShowtime[r.ShowtimeID]++
	}
	for showtimeID, n := range perShowtime {
		if err := adjustInventory(ctx, tx, showtimeID, n, now); err != nil {
			return err
		}
	}
	return nil
}

func reservationsByIDs(ctx context.Context, q queryer, ids []string) ([]*models.Reservation, error) {
	in, args := inClause(ids)
	return queryReservations(ctx, q,
		`SELECT `+reservationColumns+` FROM reservations WHERE id IN (`+in+`) ORDER BY seat_id`, args...)
}

func queryReservations(ctx context.Context, q queryer, query string, args ...interface{}) ([]*models.Reservation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		var r models.Reservation
		var state string
		var createdAt, expiresAt, updatedAt int64
		if err := rows.Scan(&r.ID, &r.ShowtimeID, &r.SeatID, &r.HolderID, &state, &createdAt, &expiresAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		r.State = models.ReservationState(state)
		r.CreatedAt = fromUnixNano(createdAt)
		r.ExpiresAt = fromUnixNano(expiresAt)
		r.UpdatedAt = fromUnixNano(updatedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func missingIDs(want []string, found []*models.Reservation) []string {
	have := make(map[string]bool, len(found))
	for _, r := range found {
		have[r.ID] = true
	}
	var missing []string
	for _, id := range want {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
