package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cinebook/internal/domain"
	"cinebook/internal/metrics"
	"cinebook/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TaskHandler re-applies one deferred ledger mutation.
type TaskHandler func(ctx context.Context, task models.CompensationTask) error

// CompensationWorker retries ledger mutations that failed on a transient storage error.
// Tasks go to a Redis list when a client is configured and to an in-memory channel otherwise.
type CompensationWorker struct {
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.CompensationTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	handlers      map[string]TaskHandler
	mu            sync.RWMutex
	wg            sync.WaitGroup
	logger        *zerolog.Logger
}

// NewCompensationWorker builds a worker with sane defaults.
func NewCompensationWorker(redisClient *redis.Client, keyPrefix string, retry RetryPolicy, logger *zerolog.Logger) *CompensationWorker {
	if retry.InitialDelay == 0 {
		retry.InitialDelay = time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if keyPrefix == "" {
		keyPrefix = "cinebook:"
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &CompensationWorker{
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan models.CompensationTask, models.CompensationQueueSize),
		redisQueueKey: keyPrefix + "compensation:queue",
		deadLetterKey: keyPrefix + "compensation:deadletter",
		pollInterval:  time.Second,
		handlers:      make(map[string]TaskHandler),
		logger:        logger,
	}
}

// Handle registers the handler for a task type.
func (w *CompensationWorker) Handle(taskType string, fn TaskHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = fn
}

// Enqueue schedules a task via redis or the in-memory queue.
func (w *CompensationWorker) Enqueue(ctx context.Context, task models.CompensationTask) error {
	if task.Type == "" {
		return errors.New("task type is required")
	}
	if len(task.ReservationIDs) == 0 && task.BookingID == "" {
		return errors.New("task has no target")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, w.redisQueueKey, task); err != nil {
			w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("compensation: redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
		return nil
	default:
		return fmt.Errorf("compensation queue full, task %s dropped", task.ID)
	}
}

// Start launches the main loop; it stops when ctx is done and pending requeues have settled.
func (w *CompensationWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("compensation worker started")
	defer w.logger.Info().Msg("compensation worker stopped")
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		if w.redis == nil {
			select {
			case <-ctx.Done():
				return
			case t := <-w.queue:
				w.processTask(ctx, &t)
			}
		}
	}
}

func (w *CompensationWorker) tryLocalQueue() (models.CompensationTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.CompensationTask{}, false
	}
}

func (w *CompensationWorker) tryRedis(ctx context.Context) (models.CompensationTask, bool) {
	if w.redis == nil {
		return models.CompensationTask{}, false
	}
	res, err := w.redis.BRPop(ctx, w.pollInterval, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.Nil) {
			return models.CompensationTask{}, false
		}
		w.logger.Error().Err(err).Msg("compensation: redis BRPOP error")
		sleepCtx(ctx, w.pollInterval)
		return models.CompensationTask{}, false
	}
	if len(res) != 2 {
		return models.CompensationTask{}, false
	}
	var task models.CompensationTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("compensation: decode redis task")
		return models.CompensationTask{}, false
	}
	return task, true
}

func (w *CompensationWorker) processTask(ctx context.Context, task *models.CompensationTask) {
	w.mu.RLock()
	handler, ok := w.handlers[task.Type]
	w.mu.RUnlock()
	if !ok {
		w.failTask(ctx, task, fmt.Errorf("unknown task type: %s", task.Type))
		return
	}

	err := handler(ctx, *task)
	switch {
	case err == nil:
		metrics.IncCompensation(task.Type, "applied")
		w.logger.Info().Str("task_id", task.ID).Str("task", task.Type).Int("attempt", task.Attempt+1).Msg("compensation applied")
	case errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrIllegalTransition):
		metrics.IncCompensation(task.Type, "dropped")
		w.logger.Warn().Err(err).Str("task_id", task.ID).Str("task", task.Type).Msg("compensation target gone, task dropped")
	case !domain.IsRetryable(err):
		w.failTask(ctx, task, err)
	default:
		w.requeue(ctx, task, err)
	}
}

// requeue schedules another attempt after the policy's backoff. Retryable failures are never
// dead-lettered: a dropped release or cancel would keep its seat claimed forever.
func (w *CompensationWorker) requeue(ctx context.Context, task *models.CompensationTask, cause error) {
	task.Attempt++
	task.LastError = cause.Error()

	delay := w.retryPolicy.NextDelay(task.Attempt)
	metrics.IncCompensation(task.Type, "retry")
	w.logger.Warn().Err(cause).Str("task_id", task.ID).Int("attempt", task.Attempt).Dur("delay", delay).Msg("compensation retry scheduled")

	retry := *task
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if !sleepCtx(ctx, delay) {
			w.logger.Warn().Str("task_id", retry.ID).Msg("compensation retry abandoned on shutdown")
			return
		}
		if err := w.Enqueue(ctx, retry); err != nil {
			w.logger.Error().Err(err).Str("task_id", retry.ID).Msg("compensation requeue failed")
		}
	}()
}

func (w *CompensationWorker) failTask(ctx context.Context, task *models.CompensationTask, err error) {
	task.LastError = err.Error()
	metrics.IncCompensation(task.Type, "dead_letter")
	w.logger.Error().Err(err).Str("task_id", task.ID).Str("task", task.Type).Int("attempt", task.Attempt).Msg("compensation failed")
	w.pushDeadLetter(ctx, task)
}

func (w *CompensationWorker) pushRedis(ctx context.Context, key string, task models.CompensationTask) error {
	if w.redis == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, key, data).Err()
}

func (w *CompensationWorker) pushDeadLetter(ctx context.Context, task *models.CompensationTask) {
	if w.redis == nil {
		return
	}
	if err := w.pushRedis(context.WithoutCancel(ctx), w.deadLetterKey, *task); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.ID).Msg("compensation: deadletter push failed")
	}
}

// sleepCtx waits for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
