package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	pool.Wait()

	if ran.Load() != 5 {
		t.Fatalf("ran = %d, want 5", ran.Load())
	}
	m := pool.Metrics()
	if m.Completed != 5 || m.Failed != 0 {
		t.Errorf("metrics = %+v, want 5 completed", m)
	}
}

func TestWorkerPoolBlocksAtCapacity(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit at capacity = %v, want deadline exceeded", err)
	}

	close(release)
	pool.Wait()
}

func TestWorkerPoolShutdownRejectsWork(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolShutdown) {
		t.Fatalf("Submit after shutdown = %v, want ErrPoolShutdown", err)
	}
}

func TestWorkerPoolCountsFailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	pool.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("nope")
	})
	pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	pool.Wait()

	m := pool.Metrics()
	if m.Failed != 2 {
		t.Errorf("failed = %d, want 2", m.Failed)
	}
	if m.Panics != 1 {
		t.Errorf("panics = %d, want 1", m.Panics)
	}
	if m.Active != 0 {
		t.Errorf("active = %d, want 0 after Wait", m.Active)
	}
}

func TestWorkerPoolShutdownIdempotent(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()
	pool.Shutdown()
}
