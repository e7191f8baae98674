package worker

import (
	"context"
	"fmt"
	"time"

	"cinebook/internal/config"
	"cinebook/internal/domain"
	"cinebook/internal/metrics"
	"cinebook/internal/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

const reaperLockKey = "reaper"

// HoldExpirer expires lapsed holds in batches.
type HoldExpirer interface {
	ExpireLapsed(ctx context.Context, batchSize int) (int, error)
}

// StaleBookingCanceller cancels PENDING bookings whose holds already lapsed.
type StaleBookingCanceller interface {
	CancelStaleBookings(ctx context.Context, limit int) (int, error)
}

// SweepResult summarizes one reaper pass.
type SweepResult struct {
	Skipped   bool
	Expired   int
	Cancelled int
}

// Reaper periodically expires lapsed holds. Reads stay correct without it; it keeps the
// ledger tidy and the availability counter close to the truth.
type Reaper struct {
	holds    HoldExpirer
	bookings StaleBookingCanceller
	locker   domain.Locker
	config   config.ReaperConfig
	logger   *zerolog.Logger
}

func NewReaper(holds HoldExpirer, bookings StaleBookingCanceller, locker domain.Locker, cfg config.ReaperConfig, logger *zerolog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = models.DefaultReaperInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultReaperBatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Interval
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Reaper{
		holds:    holds,
		bookings: bookings,
		locker:   locker,
		config:   cfg,
		logger:   logger,
	}
}

// Schedule registers the sweep on s. A disabled reaper registers nothing.
func (r *Reaper) Schedule(scheduler gocron.Scheduler) error {
	if !r.config.Enabled {
		r.logger.Info().Msg("Expiry reaper is disabled")
		return nil
	}

	_, err := scheduler.NewJob(
		gocron.DurationJob(r.config.Interval),
		gocron.NewTask(r.run),
		gocron.WithName("expiry-reaper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule reaper job: %w", err)
	}

	r.logger.Info().Dur("interval", r.config.Interval).Int("batch_size", r.config.BatchSize).Msg("Expiry reaper scheduled")
	return nil
}

func (r *Reaper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.LockTTL)
	defer cancel()

	if _, err := r.SweepOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("reaper sweep failed")
	}
}

// SweepOnce runs one pass. When another process holds the lease the pass is skipped.
// A lock backend failure does not stop the pass since every expiry is guarded in storage.
func (r *Reaper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	if r.locker != nil {
		unlock, ok, err := r.locker.TryLock(ctx, reaperLockKey, r.config.LockTTL)
		switch {
		case err != nil:
			r.logger.Warn().Err(err).Msg("reaper lock unavailable, sweeping without it")
		case !ok:
			metrics.IncSweep("skipped")
			result.Skipped = true
			return result, nil
		default:
			defer func() {
				if err := unlock(context.WithoutCancel(ctx)); err != nil {
					r.logger.Warn().Err(err).Msg("reaper unlock failed")
				}
			}()
		}
	}

	started := time.Now()
	expired, err := r.holds.ExpireLapsed(ctx, r.config.BatchSize)
	result.Expired = expired
	if err != nil {
		metrics.IncSweep("error")
		return result, fmt.Errorf("expire lapsed holds: %w", err)
	}

	if r.bookings != nil {
		cancelled, err := r.bookings.CancelStaleBookings(ctx, r.config.BatchSize)
		result.Cancelled = cancelled
		if err != nil {
			metrics.IncSweep("error")
			return result, fmt.Errorf("cancel stale bookings: %w", err)
		}
	}

	metrics.IncSweep("success")
	if result.Expired > 0 || result.Cancelled > 0 {
		r.logger.Info().
			Int("expired", result.Expired).
			Int("cancelled", result.Cancelled).
			Dur("took", time.Since(started)).
			Msg("reaper sweep finished")
	}
	return result, nil
}
