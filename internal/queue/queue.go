package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/itstheanurag/judgeji/internal/metrics"
)

var ErrClosed = errors.New("queue closed")

// Job asks a worker to process one submission. Attempt counts previous
// failed tries.
type Job struct {
	SubmissionID int64
	Attempt      int
}

type Manager struct {
	jobQueue chan Job
	done     chan struct{}
	once     sync.Once
}

func NewManager(capacity int) *Manager {
	return &Manager{
		jobQueue: make(chan Job, capacity),
		done:     make(chan struct{}),
	}
}

// Enqueue blocks until there is room, ctx ends, or the queue is closed.
func (m *Manager) Enqueue(ctx context.Context, submissionID int64) error {
	return m.submit(ctx, Job{SubmissionID: submissionID})
}

func (m *Manager) submit(ctx context.Context, job Job) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.jobQueue <- job:
		m.UpdateQueueMetric()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Retry puts job back on the queue after delay with its attempt count
// bumped. Retries still pending when the queue closes are dropped.
func (m *Manager) Retry(job Job, delay time.Duration) {
	job.Attempt++
	time.AfterFunc(delay, func() {
		_ = m.submit(context.Background(), job)
	})
	metrics.Retries.Inc()
}

func (m *Manager) NextJob() <-chan Job {
	return m.jobQueue
}

// Close stops accepting jobs. Jobs already queued stay readable.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Manager) UpdateQueueMetric() {
	metrics.QueueDepth.Set(float64(len(m.jobQueue)))
}
