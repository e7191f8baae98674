package repository

import (
	"context"
	"sync"
	"time"

	"cinebook/internal/models"
)

type cacheEntry struct {
	availability *models.ShowtimeAvailability
	expiresAt    time.Time
}

// MemoryAvailabilityCache is the in-process cache used when Redis is absent or down.
type MemoryAvailabilityCache struct {
	entries sync.Map
	now     func() time.Time
}

func NewMemoryAvailabilityCache() *MemoryAvailabilityCache {
	return &MemoryAvailabilityCache{now: time.Now}
}

func (r *MemoryAvailabilityCache) Get(ctx context.Context, showtimeID string) (*models.ShowtimeAvailability, error) {
	val, ok := r.entries.Load(showtimeID)
	if !ok {
		return nil, nil
	}
	entry := val.(cacheEntry)
	if !r.now().Before(entry.expiresAt) {
		r.entries.CompareAndDelete(showtimeID, val)
		return nil, nil
	}
	return entry.availability, nil
}

func (r *MemoryAvailabilityCache) Set(ctx context.Context, availability *models.ShowtimeAvailability, ttl time.Duration) error {
	if ttl <= 0 {
		r.entries.Delete(availability.ShowtimeID)
		return nil
	}
	r.entries.Store(availability.ShowtimeID, cacheEntry{
		availability: availability,
		expiresAt:    r.now().Add(ttl),
	})
	return nil
}

func (r *MemoryAvailabilityCache) Invalidate(ctx context.Context, showtimeID string) error {
	r.entries.Delete(showtimeID)
	return nil
}

// MemoryLocker grants leases within a single process.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, held := l.leases[key]; held && now.Before(until) {
		return nil, false, nil
	}
	until := now.Add(ttl)
	l.leases[key] = until

	unlock := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.leases[key] == until {
			delete(l.leases, key)
		}
		return nil
	}
	return unlock, true, nil
}
