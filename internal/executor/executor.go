package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"github.com/itstheanurag/judgeji/internal/database"
	"github.com/itstheanurag/judgeji/internal/grader"
	"github.com/itstheanurag/judgeji/internal/languages"
	"github.com/itstheanurag/judgeji/internal/metrics"
	"github.com/itstheanurag/judgeji/internal/sandbox"
	"github.com/itstheanurag/judgeji/internal/status"
	"github.com/itstheanurag/judgeji/internal/webhook"
	"github.com/itstheanurag/judgeji/internal/workflow"
)

const (
	StepFetch          = "fetch-submission"
	StepMarkProcessing = "mark-processing"
	StepExecute        = "execute"
	StepSaveResults    = "save-results"
	StepSendWebhook    = "send-webhook"
)

var ErrSubmissionNotFound = errors.New("submission not found")

type Store interface {
	GetSubmission(ctx context.Context, id int64) (*database.Submission, error)
	MarkProcessing(ctx context.Context, id int64) error
	SaveResult(ctx context.Context, id int64, r database.Result) error
}

type Resolver interface {
	Lookup(ctx context.Context, id int) (languages.RuntimeConfig, error)
}

type Notifier interface {
	Notify(ctx context.Context, url string, payload webhook.Payload) error
}

// Executor drives one submission from In Queue to a terminal status.
type Executor struct {
	store    Store
	registry Resolver
	sandbox  sandbox.Sandbox
	notifier Notifier
	steps    workflow.Log
	defaults sandbox.Limits
	logger   *zerolog.Logger
}

func NewExecutor(
	store Store,
	registry Resolver,
	sb sandbox.Sandbox,
	notifier Notifier,
	steps workflow.Log,
	defaults sandbox.Limits,
	logger *zerolog.Logger,
) *Executor {
	return &Executor{
		store:    store,
		registry: registry,
		sandbox:  sb,
		notifier: notifier,
		steps:    steps,
		defaults: defaults,
		logger:   logger,
	}
}

// Process runs the pipeline for one submission. Each step's output is
// checkpointed, so calling Process again after a failure resumes where the
// previous attempt stopped. Only a missing submission is permanent
// (ErrSubmissionNotFound); other errors are worth retrying.
func (e *Executor) Process(ctx context.Context, id int64) error {
	log := e.logger.With().Int64("submission_id", id).Logger()
	ctx = log.WithContext(ctx)

	sub, err := workflow.Step(ctx, e.steps, id, StepFetch, func(ctx context.Context) (*database.Submission, error) {
		s, err := e.store.GetSubmission(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrSubmissionNotFound, id)
		}
		return s, err
	})
	if err != nil {
		return err
	}

	if sub.StatusID.IsTerminal() {
		log.Info().Stringer("status", sub.StatusID).Msg("submission already finished")
		e.notify(ctx, sub, payloadFromRow(sub))
		e.release(ctx, id)
		return nil
	}

	limits := ResolveLimits(sub, e.defaults)

	_, err = workflow.Step(ctx, e.steps, id, StepMarkProcessing, func(ctx context.Context) (bool, error) {
		return true, e.store.MarkProcessing(ctx, id)
	})
	if errors.Is(err, database.ErrNoTransition) {
		log.Info().Msg("submission finished elsewhere, stopping")
		e.release(ctx, id)
		return nil
	}
	if err != nil {
		return err
	}

	res, err := workflow.Step(ctx, e.steps, id, StepExecute, func(ctx context.Context) (sandbox.Result, error) {
		return e.execute(ctx, sub, limits)
	})
	if err != nil {
		return err
	}

	verdict := grader.Grade(res, sub.ExpectedOutput)
	log.Info().Stringer("status", verdict).Float64("time", res.Time).Int64("memory", res.MemoryKb).Msg("submission graded")

	_, err = workflow.Step(ctx, e.steps, id, StepSaveResults, func(ctx context.Context) (bool, error) {
		if err := e.store.SaveResult(ctx, id, toRecord(verdict, res)); err != nil {
			return false, err
		}
		language := strconv.Itoa(sub.LanguageID)
		metrics.SubmissionsTotal.WithLabelValues(language, verdict.String()).Inc()
		metrics.MemoryUsage.WithLabelValues(language).Observe(float64(res.MemoryKb))
		return true, nil
	})
	if errors.Is(err, database.ErrNoTransition) {
		log.Warn().Err(err).Msg("submission already holds a different verdict")
		e.release(ctx, id)
		return nil
	}
	if err != nil {
		return err
	}

	e.notify(ctx, sub, webhook.Payload{
		Token:  sub.Token,
		Stdout: res.Stdout,
		Stderr: res.Stderr,
		Time:   res.Time,
		Memory: res.MemoryKb,
		Status: webhook.PayloadStatus{ID: verdict},
	})
	e.release(ctx, id)
	return nil
}

// Fail finishes a submission that could not be processed as a runtime
// error carrying cause. A submission that already finished is left as is.
func (e *Executor) Fail(ctx context.Context, id int64, cause error) error {
	log := e.logger.With().Int64("submission_id", id).Logger()
	ctx = log.WithContext(ctx)

	sub, err := e.store.GetSubmission(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrSubmissionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load submission %d: %w", id, err)
	}
	if sub.StatusID.IsTerminal() {
		e.release(ctx, id)
		return nil
	}

	if err := e.store.MarkProcessing(ctx, id); err != nil {
		if errors.Is(err, database.ErrNoTransition) {
			return nil
		}
		return err
	}
	msg := "Execution error: " + cause.Error()
	err = e.store.SaveResult(ctx, id, database.Result{Status: status.RuntimeError, Message: &msg})
	if errors.Is(err, database.ErrNoTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.SubmissionsTotal.WithLabelValues(strconv.Itoa(sub.LanguageID), status.RuntimeError.String()).Inc()
	log.Warn().Err(cause).Msg("submission finished as execution error")

	e.notify(ctx, sub, webhook.Payload{
		Token:  sub.Token,
		Stderr: msg,
		Status: webhook.PayloadStatus{ID: status.RuntimeError},
	})
	e.release(ctx, id)
	return nil
}

// release drops a finished submission's checkpoints. The webhook claim
// stays until it expires.
func (e *Executor) release(ctx context.Context, id int64) {
	err := e.steps.Release(ctx, id, StepFetch, StepMarkProcessing, StepExecute, StepSaveResults)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("could not release checkpoints")
	}
}

// execute resolves the language and runs the sandbox. An unknown or
// archived language becomes an unsupported-language result; store errors
// are returned so the step is retried.
func (e *Executor) execute(ctx context.Context, sub *database.Submission, limits sandbox.Limits) (sandbox.Result, error) {
	log := zerolog.Ctx(ctx)

	lang, err := e.registry.Lookup(ctx, sub.LanguageID)
	if errors.Is(err, languages.ErrLanguageNotFound) {
		log.Warn().Err(err).Int("language_id", sub.LanguageID).Msg("language cannot be run")
		return sandbox.Unsupported(), nil
	}
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("resolve language: %w", err)
	}

	files, err := sandbox.ExtractZip(sub.AdditionalFiles)
	if err != nil {
		return sandbox.Failed(fmt.Errorf("additional files: %w", err), 0), nil
	}

	var args []string
	if sub.CommandLineArguments != nil {
		if args, err = shlex.Split(*sub.CommandLineArguments); err != nil {
			return sandbox.Failed(fmt.Errorf("command line arguments: %w", err), 0), nil
		}
	}

	var stdin string
	if sub.Stdin != nil {
		stdin = *sub.Stdin
	}

	return e.sandbox.Run(ctx, sandbox.RunConfig{
		Language:       strconv.Itoa(lang.LanguageID),
		Image:          lang.Image,
		SourceCode:     sub.SourceCode,
		SourceFile:     lang.SourceFile,
		CompileCmd:     lang.CompileCommand,
		RunCmd:         lang.RunCommand,
		Args:           args,
		Stdin:          stdin,
		Files:          files,
		RedirectStderr: sub.RedirectStderrToStdout,
		Limits:         limits,
	}), nil
}

// notify delivers the webhook at most once per submission. The delivery is
// claimed before any network traffic, so a crash mid-send loses the
// webhook rather than sending it twice. Failures are logged only.
func (e *Executor) notify(ctx context.Context, sub *database.Submission, payload webhook.Payload) {
	if sub.CallbackURL == nil || *sub.CallbackURL == "" {
		return
	}
	log := zerolog.Ctx(ctx)

	claimed, err := e.steps.Claim(ctx, sub.ID, StepSendWebhook)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("skipped").Inc()
		log.Error().Err(err).Msg("could not claim webhook delivery, skipping it")
		return
	}
	if !claimed {
		metrics.WebhookDeliveries.WithLabelValues("skipped").Inc()
		log.Debug().Msg("webhook already sent")
		return
	}

	if err := e.notifier.Notify(ctx, *sub.CallbackURL, payload); err != nil {
		log.Warn().Err(err).Msg("webhook not delivered")
	}
}

// ResolveLimits merges a submission's overrides over the defaults. Extra
// CPU time is added on top of the CPU limit.
func ResolveLimits(sub *database.Submission, defaults sandbox.Limits) sandbox.Limits {
	l := defaults
	if sub.CPUTimeLimit != nil {
		l.CPUTime = *sub.CPUTimeLimit
	}
	if sub.CPUExtraTime != nil {
		l.CPUTime += *sub.CPUExtraTime
	}
	if sub.WallTimeLimit != nil {
		l.WallTime = *sub.WallTimeLimit
	}
	if sub.MemoryLimit != nil {
		l.MemoryKb = *sub.MemoryLimit
	}
	if sub.StackLimit != nil {
		l.StackKb = *sub.StackLimit
	}
	if sub.MaxProcessesAndOrThreads != nil {
		l.MaxProcesses = *sub.MaxProcessesAndOrThreads
	}
	if sub.MaxFileSize != nil {
		l.MaxFileSizeKb = *sub.MaxFileSize
	}
	l.EnableNetwork = sub.EnableNetwork
	return l
}

func toRecord(verdict status.ID, res sandbox.Result) database.Result {
	r := database.Result{
		Status:   verdict,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Time:     res.Time,
		Memory:   res.MemoryKb,
		ExitCode: res.ExitCode,
	}
	if res.Error != "" {
		msg := res.Error
		r.Message = &msg
	}
	return r
}

func payloadFromRow(sub *database.Submission) webhook.Payload {
	p := webhook.Payload{Token: sub.Token, Status: webhook.PayloadStatus{ID: sub.StatusID}}
	if sub.Stdout != nil {
		p.Stdout = *sub.Stdout
	}
	if sub.Stderr != nil {
		p.Stderr = *sub.Stderr
	}
	if sub.Time != nil {
		p.Time = *sub.Time
	}
	if sub.Memory != nil {
		p.Memory = *sub.Memory
	}
	return p
}
