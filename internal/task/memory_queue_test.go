package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMemoryQueueRequeuesFailedTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 2, func(context.Context, string) error {
			if calls.Add(1) == 1 {
				return errors.New("rpc unavailable")
			}
			cancel()
			return nil
		})
	}()

	if err := queue.Publish(context.Background(), "task-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not return")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected the failed task to be delivered twice, got %d", got)
	}
}

func TestMemoryQueueClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := NewMemoryQueue(0)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(context.Background(), 1, func(context.Context, string) error { return nil })
	}()

	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if err := queue.Publish(context.Background(), "late"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("publish after close should fail, got %v", err)
	}
}
