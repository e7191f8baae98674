package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cinebook/internal/domain"
	"cinebook/internal/models"
)

// SeedCatalog upserts seats and showtimes and recomputes inventory counters in one transaction.
func (db *DB) SeedCatalog(ctx context.Context, seats []models.Seat, showtimes []models.Showtime, now time.Time) error {
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		for i := range seats {
			if err := upsertSeat(ctx, tx, &seats[i]); err != nil {
				return err
			}
		}
		for i := range showtimes {
			if err := upsertShowtime(ctx, tx, &showtimes[i], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}

	db.logger.Info().Int("seats", len(seats)).Int("showtimes", len(showtimes)).Msg("catalog seeded")
	return nil
}

func upsertSeat(ctx context.Context, tx *sql.Tx, seat *models.Seat) error {
	query := `INSERT INTO seats (id, screen_id, row_label, column_number, tier)
              VALUES (?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                screen_id = excluded.screen_id,
                row_label = excluded.row_label,
                column_number = excluded.column_number,
                tier = excluded.tier`
	tier := seat.Tier
	if tier == "" {
		tier = models.TierRegular
	}
	if _, err := tx.ExecContext(ctx, query, seat.ID, seat.ScreenID, seat.Row, seat.Column, string(tier)); err != nil {
		return fmt.Errorf("failed to upsert seat %s: %w", seat.ID, err)
	}
	return nil
}

func upsertShowtime(ctx context.Context, tx *sql.Tx, st *models.Showtime, now time.Time) error {
	status := st.Status
	if status == "" {
		status = models.ShowtimeActive
	}

	query := `INSERT INTO showtimes (id, movie_id, screen_id, starts_at, base_price, total_seats, status, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                movie_id = excluded.movie_id,
                screen_id = excluded.screen_id,
                starts_at = excluded.starts_at,
                base_price = excluded.base_price,
                total_seats = excluded.total_seats,
                status = excluded.status,
                updated_at = excluded.updated_at`
	_, err := tx.ExecContext(ctx, query,
		st.ID, st.MovieID, st.ScreenID, unixNano(st.StartsAt), st.BasePrice, st.TotalSeats, string(status), unixNano(now))
	if err != nil {
		return fmt.Errorf("failed to upsert showtime %s: %w", st.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO showtime_inventory (showtime_id, total_seats, available_seats, updated_at)
         VALUES (?, ?, ?, ?) ON CONFLICT(showtime_id) DO NOTHING`,
		st.ID, st.TotalSeats, st.TotalSeats, unixNano(now))
	if err != nil {
		return fmt.Errorf("failed to create inventory for %s: %w", st.ID, err)
	}

	_, err = reconcileInventory(ctx, tx, st.ID, now)
	return err
}

func (db *DB) GetShowtime(ctx context.Context, id string) (*models.Showtime, error) {
	query := `SELECT id, movie_id, screen_id, starts_at, base_price, total_seats, status, updated_at
              FROM showtimes WHERE id = ?`

	var st models.Showtime
	var startsAt, updatedAt int64
	var status string
	err := db.QueryRowContext(ctx, query, id).Scan(
		&st.ID, &st.MovieID, &st.ScreenID, &startsAt, &st.BasePrice, &st.TotalSeats, &status, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("showtime %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to get showtime: %w", err))
	}

	st.StartsAt = fromUnixNano(startsAt)
	st.UpdatedAt = fromUnixNano(updatedAt)
	st.Status = models.ShowtimeStatus(status)
	return &st, nil
}

func (db *DB) GetSeatsByScreen(ctx context.Context, screenID string) ([]*models.Seat, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, screen_id, row_label, column_number, tier FROM seats
         WHERE screen_id = ? ORDER BY row_label, column_number`, screenID)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to query seats: %w", err))
	}
	defer rows.Close()
	return scanSeats(rows)
}

func (db *DB) GetSeatsByIDs(ctx context.Context, ids []string) ([]*models.Seat, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	in, args := inClause(ids)
	rows, err := db.QueryContext(ctx,
		`SELECT id, screen_id, row_label, column_number, tier FROM seats
         WHERE id IN (`+in+`) ORDER BY row_label, column_number`, args...)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to query seats: %w", err))
	}
	defer rows.Close()
	return scanSeats(rows)
}

func scanSeats(rows *sql.Rows) ([]*models.Seat, error) {
	var seats []*models.Seat
	for rows.Next() {
		var s models.Seat
		var tier string
		if err := rows.Scan(&s.ID, &s.ScreenID, &s.Row, &s.Column, &tier); err != nil {
			return nil, fmt.Errorf("failed to scan seat: %w", err)
		}
		s.Tier = models.SeatTier(tier)
		seats = append(seats, &s)
	}
	return seats, rows.Err()
}

// SetBasePrice changes the catalog price. Existing bookings keep their snapshot.
func (db *DB) SetBasePrice(ctx context.Context, showtimeID string, price int64, now time.Time) error {
	if price < 0 {
		return fmt.Errorf("%w: negative price", domain.ErrInvalidArgument)
	}
	return db.updateShowtime(ctx, showtimeID, `base_price = ?`, price, now)
}

func (db *DB) SetShowtimeStatus(ctx context.Context, showtimeID string, status models.ShowtimeStatus, now time.Time) error {
	return db.updateShowtime(ctx, showtimeID, `status = ?`, string(status), now)
}

func (db *DB) updateShowtime(ctx context.Context, showtimeID, set string, value interface{}, now time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE showtimes SET `+set+`, updated_at = ? WHERE id = ?`,
		value, unixNano(now), showtimeID)
	if err != nil {
		return classifyError(fmt.Errorf("failed to update showtime: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("showtime %s: %w", showtimeID, domain.ErrNotFound)
	}
	return nil
}
