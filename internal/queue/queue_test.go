package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryEnqueueDequeue(t *testing.T) {
	q := NewMemory(4)
	defer q.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	n, _ := q.Len(ctx)
	if n != 3 {
		t.Fatalf("expected depth 3, got %d", n)
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != want {
			t.Fatalf("got %s, want %s", got, want)
		}
	}
}

func TestMemoryEnqueueFull(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, "a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "b"); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestMemoryDequeueRespectsContext(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryClose(t *testing.T) {
	q := NewMemory(1)
	q.Close()
	if err := q.Enqueue(context.Background(), "a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on dequeue, got %v", err)
	}
}
