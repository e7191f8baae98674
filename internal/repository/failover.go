package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cinebook/internal/domain"
	"cinebook/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverAvailabilityCache serves from the primary cache and switches to the fallback while
// the primary errors. The primary is retried once per recoveryInterval.
type FailoverAvailabilityCache struct {
	primary   domain.AvailabilityCache
	fallback  domain.AvailabilityCache
	logger    *zerolog.Logger
	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverAvailabilityCache(primary, fallback domain.AvailabilityCache, logger *zerolog.Logger) *FailoverAvailabilityCache {
	return &FailoverAvailabilityCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverAvailabilityCache) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary availability cache failed, falling back to memory")
	}
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

// usePrimary reports whether the primary should be tried, allowing a probe after recoveryInterval.
func (r *FailoverAvailabilityCache) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) > recoveryInterval {
		r.lastCheck = time.Now()
		return true
	}
	return false
}

func (r *FailoverAvailabilityCache) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary availability cache recovered")
	}
}

func (r *FailoverAvailabilityCache) Get(ctx context.Context, showtimeID string) (*models.ShowtimeAvailability, error) {
	if r.usePrimary() {
		availability, err := r.primary.Get(ctx, showtimeID)
		if err == nil {
			r.recovered()
			return availability, nil
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, showtimeID)
}

func (r *FailoverAvailabilityCache) Set(ctx context.Context, availability *models.ShowtimeAvailability, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.Set(ctx, availability, ttl)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Set(ctx, availability, ttl)
}

// Invalidate always clears both sides so neither can serve a snapshot older than the last write.
func (r *FailoverAvailabilityCache) Invalidate(ctx context.Context, showtimeID string) error {
	fallbackErr := r.fallback.Invalidate(ctx, showtimeID)
	if err := r.primary.Invalidate(ctx, showtimeID); err != nil {
		r.markDown(err)
	}
	return fallbackErr
}
