package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/itstheanurag/judgeji/internal/executor"
	"github.com/itstheanurag/judgeji/internal/metrics"
	"github.com/itstheanurag/judgeji/internal/queue"
)

type Processor interface {
	Process(ctx context.Context, submissionID int64) error
	// Fail records a submission that ran out of attempts as an execution error.
	Fail(ctx context.Context, submissionID int64, cause error) error
}

// RetryPolicy bounds how often and how fast a failed submission is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff doubles per attempt, capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 0; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

type Worker struct {
	id       int
	executor Processor
	manager  *queue.Manager
	policy   RetryPolicy
	logger   *zerolog.Logger
}

func NewWorker(id int, exec Processor, manager *queue.Manager, policy RetryPolicy, logger *zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		executor: exec,
		manager:  manager,
		policy:   policy,
		logger:   logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("worker_id", w.id).Msg("worker started")
	for {
		select {
		case job := <-w.manager.NextJob():
			w.manager.UpdateQueueMetric()
			metrics.ActiveWorkers.Inc()
			w.processJob(ctx, job)
			metrics.ActiveWorkers.Dec()
		case <-ctx.Done():
			w.logger.Info().Int("worker_id", w.id).Msg("worker stopping")
			return
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.Job) {
	log := w.logger.With().
		Int("worker_id", w.id).
		Int64("submission_id", job.SubmissionID).
		Int("attempt", job.Attempt+1).
		Logger()
	log.Info().Msg("processing submission")

	startTime := time.Now()
	err := w.executor.Process(ctx, job.SubmissionID)
	duration := time.Since(startTime)

	switch {
	case err == nil:
		log.Info().Dur("duration", duration).Msg("submission processed")
	case errors.Is(err, executor.ErrSubmissionNotFound):
		log.Error().Err(err).Msg("dropping job for missing submission")
	case job.Attempt+1 >= w.policy.MaxAttempts:
		log.Error().Err(err).Msg("giving up on submission")
		if ferr := w.executor.Fail(ctx, job.SubmissionID, err); ferr != nil {
			log.Error().Err(ferr).Msg("could not record execution error, submission left for recovery")
		}
	default:
		delay := w.policy.Backoff(job.Attempt)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("submission failed, retrying")
		w.manager.Retry(job, delay)
	}
}
