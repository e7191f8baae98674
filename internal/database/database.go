package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB wraps the SQLite handle holding catalog, ledger and booking tables.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

type options struct {
	busyTimeout  time.Duration
	maxOpenConns int
}

type Option func(*options)

// WithBusyTimeout bounds how long a writer waits for the database lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

func WithMaxOpenConns(n int) Option {
	return func(o *options) { o.maxOpenConns = n }
}

func NewDB(path string, logger *zerolog.Logger, opts ...Option) (*DB, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	o := options{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	inMemory := isMemoryPath(path)
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", buildDSN(path, o.busyTimeout, inMemory))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if inMemory {
		sqlDB.SetMaxOpenConns(1)
	} else if o.maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(o.maxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return &DB{DB: sqlDB, path: path, logger: logger}, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func buildDSN(path string, busyTimeout time.Duration, inMemory bool) string {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", strconv.FormatInt(busyTimeout.Milliseconds(), 10))
	params.Set("_foreign_keys", "on")
	if !inMemory {
		params.Set("_journal_mode", "WAL")
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

func createTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS seats (
            id TEXT PRIMARY KEY,
            screen_id TEXT NOT NULL,
            row_label TEXT NOT NULL,
            column_number INTEGER NOT NULL,
            tier TEXT NOT NULL DEFAULT 'regular',
            UNIQUE (screen_id, row_label, column_number)
        )`,
		`CREATE TABLE IF NOT EXISTS showtimes (
            id TEXT PRIMARY KEY,
            movie_id TEXT NOT NULL,
            screen_id TEXT NOT NULL,
            starts_at INTEGER NOT NULL,
            base_price INTEGER NOT NULL CHECK (base_price >= 0),
            total_seats INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'active',
            updated_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS showtime_inventory (
            showtime_id TEXT PRIMARY KEY REFERENCES showtimes(id),
            total_seats INTEGER NOT NULL,
            available_seats INTEGER NOT NULL,
            version INTEGER NOT NULL DEFAULT 0,
            updated_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS reservations (
            id TEXT PRIMARY KEY,
            showtime_id TEXT NOT NULL REFERENCES showtimes(id),
            seat_id TEXT NOT NULL REFERENCES seats(id),
            holder_id TEXT NOT NULL,
            state TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            expires_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS bookings (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            showtime_id TEXT NOT NULL REFERENCES showtimes(id),
            status TEXT NOT NULL DEFAULT 'pending',
            total_amount INTEGER NOT NULL,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            confirmed_at INTEGER,
            cancelled_at INTEGER
        )`,
		`CREATE TABLE IF NOT EXISTS booking_seats (
            id TEXT PRIMARY KEY,
            booking_id TEXT NOT NULL REFERENCES bookings(id) ON DELETE CASCADE,
            showtime_id TEXT NOT NULL,
            seat_id TEXT NOT NULL,
            reservation_id TEXT NOT NULL REFERENCES reservations(id),
            tier TEXT NOT NULL,
            price INTEGER NOT NULL CHECK (price >= 0),
            UNIQUE (booking_id, seat_id),
            UNIQUE (reservation_id)
        )`,
		// At most one claiming reservation per seat and showtime.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_reservations_active_seat
            ON reservations(showtime_id, seat_id) WHERE state IN ('held', 'confirmed')`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_lapse ON reservations(state, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_showtime ON reservations(showtime_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_showtime ON bookings(showtime_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_user ON bookings(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_booking_seats_booking ON booking_seats(booking_id)`,
		`CREATE INDEX IF NOT EXISTS idx_seats_screen ON seats(screen_id)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}
