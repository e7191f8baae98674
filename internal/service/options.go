package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"cinebook/internal/domain"
	"cinebook/internal/models"
	"cinebook/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Option configures optional collaborators shared by the services.
type Option func(*collaborators)

type collaborators struct {
	cache       domain.AvailabilityCache
	events      domain.EventPublisher
	compensator domain.Compensator
	retry       worker.RetryPolicy
	now         func() time.Time
}

func WithCache(c domain.AvailabilityCache) Option {
	return func(o *collaborators) { o.cache = c }
}

func WithEvents(p domain.EventPublisher) Option {
	return func(o *collaborators) { o.events = p }
}

func WithCompensator(c domain.Compensator) Option {
	return func(o *collaborators) { o.compensator = c }
}

// WithRetry sets the policy for retrying transient storage failures.
func WithRetry(p worker.RetryPolicy) Option {
	return func(o *collaborators) { o.retry = p }
}

// WithClock replaces time.Now; every expiry decision uses this clock.
func WithClock(now func() time.Time) Option {
	return func(o *collaborators) { o.now = now }
}

func newCollaborators(opts []Option) collaborators {
	c := collaborators{
		retry: worker.RetryPolicy{MaxRetries: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c *collaborators) withRetry(ctx context.Context, fn func() error) error {
	return c.retry.Do(ctx, domain.IsRetryable, fn)
}

func (c *collaborators) invalidate(ctx context.Context, logger *zerolog.Logger, showtimeIDs ...string) {
	if c.cache == nil {
		return
	}
	for _, id := range uniqueIDs(showtimeIDs) {
		if err := c.cache.Invalidate(ctx, id); err != nil {
			logger.Warn().Err(err).Str("showtime_id", id).Msg("availability cache invalidate failed")
		}
	}
}

func (c *collaborators) publish(logger *zerolog.Logger, eventType string, payload interface{}) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishJSON(eventType, payload); err != nil {
		logger.Error().Err(err).Str("event_type", eventType).Msg("publish event error")
	}
}

// compensate hands a mutation that failed on a transient error to the background worker.
func (c *collaborators) compensate(ctx context.Context, logger *zerolog.Logger, task models.CompensationTask, cause error) {
	if c.compensator == nil || !domain.IsRetryable(cause) {
		return
	}
	task.ID = uuid.NewString()
	task.CreatedAt = c.now()
	task.LastError = cause.Error()

	// Enqueue must outlive the failed request.
	if err := c.compensator.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		logger.Error().Err(err).Str("task", task.Type).Msg("compensation enqueue failed")
		return
	}
	logger.Warn().Err(cause).Str("task", task.Type).Str("task_id", task.ID).Msg("mutation deferred to compensation worker")
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func isGone(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrIllegalTransition)
}
