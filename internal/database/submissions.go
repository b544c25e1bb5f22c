package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"github.com/itstheanurag/judgeji/internal/status"
)

// Submission is one row of the submissions table. Pointer fields are
// nullable columns.
type Submission struct {
	ID         int64  `json:"id"`
	Token      string `json:"token"`
	SourceCode string `json:"source_code"`
	LanguageID int    `json:"language_id"`

	Stdin                *string `json:"stdin"`
	ExpectedOutput       *string `json:"expected_output"`
	CommandLineArguments *string `json:"command_line_arguments"`

	CPUTimeLimit             *float64 `json:"cpu_time_limit"`
	CPUExtraTime             *float64 `json:"cpu_extra_time"`
	WallTimeLimit            *float64 `json:"wall_time_limit"`
	MemoryLimit              *int64   `json:"memory_limit"`
	StackLimit               *int64   `json:"stack_limit"`
	MaxProcessesAndOrThreads *int64   `json:"max_processes_and_or_threads"`
	MaxFileSize              *int64   `json:"max_file_size"`
	NumberOfRuns             *int     `json:"number_of_runs"`
	RedirectStderrToStdout   bool     `json:"redirect_stderr_to_stdout"`
	EnableNetwork            bool     `json:"enable_network"`

	CallbackURL     *string `json:"callback_url"`
	AdditionalFiles []byte  `json:"additional_files"`

	StatusID status.ID `json:"status_id"`
	Stdout   *string   `json:"stdout"`
	Stderr   *string   `json:"stderr"`
	Time     *float64  `json:"time"`
	Memory   *int64    `json:"memory"`
	ExitCode *int      `json:"exit_code"`
	Message  *string   `json:"message"`

	CreatedAt  time.Time  `json:"created_at"`
	QueuedAt   *time.Time `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// Result is the terminal outcome written by SaveResult.
type Result struct {
	Status   status.ID
	Stdout   string
	Stderr   string
	Time     float64
	Memory   int64
	ExitCode *int
	Message  *string
}

const submissionColumns = `id, token, source_code, language_id,
	stdin, expected_output, command_line_arguments,
	cpu_time_limit, cpu_extra_time, wall_time_limit, memory_limit, stack_limit,
	max_processes_and_or_threads, max_file_size, number_of_runs,
	redirect_stderr_to_stdout, enable_network, callback_url, additional_files,
	status_id, stdout, stderr, time, memory, exit_code, message,
	created_at, queued_at, started_at, finished_at`

func scanSubmission(row pgx.Row) (*Submission, error) {
	var s Submission
	var statusID int
	err := row.Scan(
		&s.ID, &s.Token, &s.SourceCode, &s.LanguageID,
		&s.Stdin, &s.ExpectedOutput, &s.CommandLineArguments,
		&s.CPUTimeLimit, &s.CPUExtraTime, &s.WallTimeLimit, &s.MemoryLimit, &s.StackLimit,
		&s.MaxProcessesAndOrThreads, &s.MaxFileSize, &s.NumberOfRuns,
		&s.RedirectStderrToStdout, &s.EnableNetwork, &s.CallbackURL, &s.AdditionalFiles,
		&statusID, &s.Stdout, &s.Stderr, &s.Time, &s.Memory, &s.ExitCode, &s.Message,
		&s.CreatedAt, &s.QueuedAt, &s.StartedAt, &s.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	s.StatusID = status.ID(statusID)
	return &s, nil
}

// CreateSubmission inserts s in status In Queue and fills in its id and
// timestamps.
func (db *Database) CreateSubmission(ctx context.Context, s *Submission) error {
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO submissions (
			token, source_code, language_id, stdin, expected_output, command_line_arguments,
			cpu_time_limit, cpu_extra_time, wall_time_limit, memory_limit, stack_limit,
			max_processes_and_or_threads, max_file_size, number_of_runs,
			redirect_stderr_to_stdout, enable_network, callback_url, additional_files,
			status_id, queued_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now())
		RETURNING id, created_at, queued_at`,
		s.Token, s.SourceCode, s.LanguageID, s.Stdin, s.ExpectedOutput, s.CommandLineArguments,
		s.CPUTimeLimit, s.CPUExtraTime, s.WallTimeLimit, s.MemoryLimit, s.StackLimit,
		s.MaxProcessesAndOrThreads, s.MaxFileSize, s.NumberOfRuns,
		s.RedirectStderrToStdout, s.EnableNetwork, s.CallbackURL, s.AdditionalFiles,
		int(status.InQueue),
	).Scan(&s.ID, &s.CreatedAt, &s.QueuedAt)
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	s.StatusID = status.InQueue
	return nil
}

func (db *Database) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	s, err := scanSubmission(db.Pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: submission %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %d: %w", id, err)
	}
	return s, nil
}

func (db *Database) GetSubmissionByToken(ctx context.Context, token string) (*Submission, error) {
	s, err := scanSubmission(db.Pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: token %s", ErrNotFound, token)
	}
	if err != nil {
		return nil, fmt.Errorf("get submission by token: %w", err)
	}
	return s, nil
}

// MarkProcessing moves a queued submission to Processing. Re-running it is
// a no-op; a terminal row yields ErrNoTransition.
func (db *Database) MarkProcessing(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE submissions
		SET status_id = $2, started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status_id IN ($3, $2)`,
		id, int(status.Processing), int(status.InQueue))
	if err != nil {
		return fmt.Errorf("mark submission %d processing: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return db.missingOrStale(ctx, id)
	}
	return nil
}

// TextColumn makes program output storable in a TEXT column, which accepts
// neither NUL bytes nor invalid UTF-8. Invalid sequences become U+FFFD.
func TextColumn(s string) string {
	if utf8.ValidString(s) && !strings.Contains(s, "\x00") {
		return s
	}
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
}

func textPtr(s *string) *string {
	if s == nil {
		return nil
	}
	clean := TextColumn(*s)
	return &clean
}

// SaveResult writes every output field and the terminal status in one
// update. Writing the same result twice leaves the row unchanged; writing
// a different terminal status over a finished row yields ErrNoTransition.
func (db *Database) SaveResult(ctx context.Context, id int64, r Result) error {
	if !r.Status.IsTerminal() {
		return fmt.Errorf("save result: %s is not a terminal status", r.Status)
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE submissions
		SET stdout = $2, stderr = $3, time = $4, memory = $5, exit_code = $6,
		    message = $7, status_id = $8, finished_at = COALESCE(finished_at, now())
		WHERE id = $1 AND (status_id < $9 OR status_id = $8)`,
		id, TextColumn(r.Stdout), TextColumn(r.Stderr), r.Time, r.Memory, r.ExitCode,
		textPtr(r.Message), int(r.Status), int(status.Accepted))
	if err != nil {
		return fmt.Errorf("save result for submission %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return db.missingOrStale(ctx, id)
	}
	return nil
}

// ListUnfinished returns ids of submissions that never reached a terminal
// status, oldest first.
func (db *Database) ListUnfinished(ctx context.Context) ([]int64, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id FROM submissions WHERE status_id < $1 ORDER BY id`, int(status.Accepted))
	if err != nil {
		return nil, fmt.Errorf("list unfinished submissions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan unfinished submissions: %w", err)
	}
	return ids, nil
}

func (db *Database) missingOrStale(ctx context.Context, id int64) error {
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM submissions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check submission %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: submission %d", ErrNotFound, id)
	}
	return fmt.Errorf("%w: submission %d", ErrNoTransition, id)
}
