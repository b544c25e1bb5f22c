package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueAndRetry(t *testing.T) {
	m := NewManager(2)
	if err := m.Enqueue(context.Background(), 7); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job := <-m.NextJob()
	if job.SubmissionID != 7 || job.Attempt != 0 {
		t.Fatalf("unexpected job: %+v", job)
	}

	m.Retry(job, time.Millisecond)
	select {
	case again := <-m.NextJob():
		if again.SubmissionID != 7 || again.Attempt != 1 {
			t.Fatalf("unexpected retried job: %+v", again)
		}
	case <-time.After(time.Second):
		t.Fatal("retried job never arrived")
	}
}

func TestEnqueueRespectsContext(t *testing.T) {
	m := NewManager(1)
	if err := m.Enqueue(context.Background(), 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Enqueue(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error on full queue, got %v", err)
	}
}

func TestClosedQueueRejects(t *testing.T) {
	m := NewManager(1)
	m.Close()
	m.Close()
	if err := m.Enqueue(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
