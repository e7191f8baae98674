package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"cinebook/internal/domain"
	"cinebook/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func releaseTask(id string) models.CompensationTask {
	return models.CompensationTask{ID: id, Type: models.CompensationRelease, ReservationIDs: []string{"r-" + id}}
}

func newRedisWorker(t *testing.T, retry RetryPolicy) (*CompensationWorker, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	w := NewCompensationWorker(client, "test:", retry, nil)
	w.pollInterval = 100 * time.Millisecond
	return w, s
}

func TestCompensation_ProcessSuccess(t *testing.T) {
	w := NewCompensationWorker(nil, "", RetryPolicy{}, nil)
	var got models.CompensationTask
	w.Handle(models.CompensationRelease, func(ctx context.Context, task models.CompensationTask) error {
		got = task
		return nil
	})

	ctx := context.Background()
	if err := w.Enqueue(ctx, releaseTask("1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, ok := w.tryLocalQueue()
	if !ok {
		t.Fatalf("expected task in local queue")
	}
	w.processTask(ctx, &task)

	if got.ID != "1" || len(got.ReservationIDs) != 1 {
		t.Fatalf("handler got %+v", got)
	}
	if _, ok := w.tryLocalQueue(); ok {
		t.Fatalf("expected empty queue after success")
	}
}

func TestCompensation_RetryRequeuesWithBackoff(t *testing.T) {
	w := NewCompensationWorker(nil, "", RetryPolicy{MaxRetries: 3, InitialDelay: 10 * time.Millisecond}, nil)
	w.Handle(models.CompensationRelease, func(ctx context.Context, task models.CompensationTask) error {
		return domain.ErrStorageUnavailable
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := releaseTask("2")
	w.processTask(ctx, &task)

	select {
	case requeued := <-w.queue:
		if requeued.Attempt != 1 {
			t.Fatalf("expected attempt=1, got %d", requeued.Attempt)
		}
		if requeued.LastError == "" {
			t.Fatalf("expected last error to be recorded")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task was not requeued")
	}
}

func TestCompensation_GoneTargetIsDropped(t *testing.T) {
	w := NewCompensationWorker(nil, "", RetryPolicy{MaxRetries: 3, InitialDelay: 10 * time.Millisecond}, nil)
	w.Handle(models.CompensationCancelBooking, func(ctx context.Context, task models.CompensationTask) error {
		return &domain.TransitionError{Entity: "booking", ID: task.BookingID, From: "cancelled", To: "cancelled"}
	})

	task := models.CompensationTask{ID: "3", Type: models.CompensationCancelBooking, BookingID: "b-1"}
	w.processTask(context.Background(), &task)
	w.wg.Wait()

	if _, ok := w.tryLocalQueue(); ok {
		t.Fatalf("gone target must not be retried")
	}
}

func TestCompensation_RetryableFailureIsNeverDeadLettered(t *testing.T) {
	for _, taskType := range []string{models.CompensationRelease, models.CompensationCancelBooking, models.CompensationExpire} {
		t.Run(taskType, func(t *testing.T) {
			// A spent budget must not matter for storage outages.
			w, s := newRedisWorker(t, RetryPolicy{MaxRetries: 1, InitialDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond})
			w.Handle(taskType, func(ctx context.Context, task models.CompensationTask) error {
				return domain.ErrStorageUnavailable
			})

			ctx := context.Background()
			task := models.CompensationTask{ID: "4", Type: taskType, ReservationIDs: []string{"r-4"}, BookingID: "b-4", Attempt: 50}
			w.processTask(ctx, &task)
			w.wg.Wait()

			if s.Exists("test:compensation:deadletter") {
				t.Fatalf("retryable failure was dead-lettered")
			}
			queued, err := s.List("test:compensation:queue")
			if err != nil {
				t.Fatalf("queue list: %v", err)
			}
			if len(queued) != 1 {
				t.Fatalf("expected task back in queue, got %d", len(queued))
			}
		})
	}
}

func TestCompensation_UnknownTypeGoesToDeadLetter(t *testing.T) {
	w, s := newRedisWorker(t, RetryPolicy{})

	task := models.CompensationTask{ID: "5", Type: "mystery", BookingID: "b-5"}
	w.processTask(context.Background(), &task)

	dead, err := s.List("test:compensation:deadletter")
	if err != nil || len(dead) != 1 {
		t.Fatalf("expected dead letter, got %v (%v)", dead, err)
	}
}

func TestCompensation_EnqueueValidation(t *testing.T) {
	w := NewCompensationWorker(nil, "", RetryPolicy{}, nil)
	ctx := context.Background()

	if err := w.Enqueue(ctx, models.CompensationTask{ReservationIDs: []string{"r"}}); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if err := w.Enqueue(ctx, models.CompensationTask{Type: models.CompensationRelease}); err == nil {
		t.Fatalf("expected error for missing target")
	}
}

func TestCompensation_MemoryQueueFull(t *testing.T) {
	w := NewCompensationWorker(nil, "", RetryPolicy{}, nil)
	ctx := context.Background()

	for i := 0; i < models.CompensationQueueSize; i++ {
		if err := w.Enqueue(ctx, releaseTask("fill")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := w.Enqueue(ctx, releaseTask("overflow")); err == nil {
		t.Fatalf("expected queue full error")
	}
}

func TestCompensation_StartDrainsRedisQueue(t *testing.T) {
	w, _ := newRedisWorker(t, RetryPolicy{MaxRetries: 5, InitialDelay: 10 * time.Millisecond})

	var calls atomic.Int32
	done := make(chan struct{})
	w.Handle(models.CompensationRelease, func(ctx context.Context, task models.CompensationTask) error {
		if calls.Add(1) == 1 {
			return domain.ErrStorageUnavailable
		}
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(stopped)
	}()

	if err := w.Enqueue(ctx, releaseTask("6")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("task was not applied, handler calls=%d", calls.Load())
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Hour) {
		t.Fatalf("expected cancelled sleep to report false")
	}
	if !sleepCtx(context.Background(), time.Millisecond) {
		t.Fatalf("expected completed sleep to report true")
	}
}
