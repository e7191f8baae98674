package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cinebook/internal/domain"
)

// adjustInventory moves the available counter by delta and bumps the ledger version inside
// the caller's transaction. Call it once per transaction that changed reservations of the
// showtime, even when delta is zero.
func adjustInventory(ctx context.Context, tx *sql.Tx, showtimeID string, delta int, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE showtime_inventory SET available_seats = available_seats + ?, version = version + 1,
            updated_at = ?
         WHERE showtime_id = ?`, delta, unixNano(now), showtimeID)
	if err != nil {
		return fmt.Errorf("failed to adjust inventory for %s: %w", showtimeID, err)
	}
	return nil
}

func reconcileInventory(ctx context.Context, tx *sql.Tx, showtimeID string, now time.Time) (int, error) {
	_, err := tx.ExecContext(ctx,
		`UPDATE showtime_inventory SET
            total_seats = (SELECT total_seats FROM showtimes WHERE id = ?),
            available_seats = (SELECT total_seats FROM showtimes WHERE id = ?)
                - (SELECT COUNT(*) FROM reservations WHERE showtime_id = ? AND state IN ('held', 'confirmed')),
            version = version + 1,
            updated_at = ?
         WHERE showtime_id = ?`,
		showtimeID, showtimeID, showtimeID, unixNano(now), showtimeID)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile inventory for %s: %w", showtimeID, err)
	}

	var available int
	err = tx.QueryRowContext(ctx,
		`SELECT available_seats FROM showtime_inventory WHERE showtime_id = ?`, showtimeID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("inventory for showtime %s: %w", showtimeID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read inventory: %w", err)
	}
	return available, nil
}

// GetInventory returns the projected seat counters of a showtime.
func (db *DB) GetInventory(ctx context.Context, showtimeID string) (total, available int, err error) {
	err = db.QueryRowContext(ctx,
		`SELECT total_seats, available_seats FROM showtime_inventory WHERE showtime_id = ?`,
		showtimeID).Scan(&total, &available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("inventory for showtime %s: %w", showtimeID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, 0, classifyError(fmt.Errorf("failed to get inventory: %w", err))
	}
	return total, available, nil
}

// Reconcile recomputes the available counter from the claiming reservations.
func (db *DB) Reconcile(ctx context.Context, showtimeID string, now time.Time) (int, error) {
	var available int
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		available, err = reconcileInventory(ctx, tx, showtimeID, now)
		return err
	})
	return available, err
}

// InventoryVersion returns the ledger version of a showtime. It changes with every committed
// reservation transition, so a cached snapshot is current only while its version matches.
func (db *DB) InventoryVersion(ctx context.Context, showtimeID string) (int64, error) {
	var version int64
	err := db.QueryRowContext(ctx,
		`SELECT version FROM showtime_inventory WHERE showtime_id = ?`, showtimeID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("inventory for showtime %s: %w", showtimeID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, classifyError(fmt.Errorf("failed to get inventory version: %w", err))
	}
	return version, nil
}
