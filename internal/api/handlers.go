package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itstheanurag/judgeji/internal/database"
	"github.com/itstheanurag/judgeji/internal/languages"
	"github.com/itstheanurag/judgeji/internal/sandbox"
	"github.com/itstheanurag/judgeji/internal/status"
	"github.com/itstheanurag/judgeji/internal/webhook"
)

const enqueueTimeout = 2 * time.Second

type Store interface {
	CreateSubmission(ctx context.Context, s *database.Submission) error
	GetSubmissionByToken(ctx context.Context, token string) (*database.Submission, error)
	GetLanguage(ctx context.Context, id int) (languages.Language, error)
	ListLanguages(ctx context.Context, includeArchived bool) ([]languages.Language, error)
}

type Queue interface {
	Enqueue(ctx context.Context, submissionID int64) error
}

// SubmissionRequest is the body of POST /submissions. Optional numbers are
// pointers so that an explicit zero can be told apart from an absent field.
type SubmissionRequest struct {
	SourceCode           string  `json:"source_code" binding:"required"`
	LanguageID           int     `json:"language_id" binding:"required,gt=0"`
	Stdin                *string `json:"stdin"`
	ExpectedOutput       *string `json:"expected_output"`
	CommandLineArguments *string `json:"command_line_arguments" binding:"omitempty,max=512"`

	CPUTimeLimit             *float64 `json:"cpu_time_limit" binding:"omitempty,gt=0,lte=15"`
	CPUExtraTime             *float64 `json:"cpu_extra_time" binding:"omitempty,gt=0,lte=5"`
	WallTimeLimit            *float64 `json:"wall_time_limit" binding:"omitempty,gt=0,lte=20"`
	MemoryLimit              *int64   `json:"memory_limit" binding:"omitempty,gt=0,lte=256000"`
	StackLimit               *int64   `json:"stack_limit" binding:"omitempty,gte=0,lte=128000"`
	MaxProcessesAndOrThreads *int64   `json:"max_processes_and_or_threads" binding:"omitempty,gte=1,lte=120"`
	MaxFileSize              *int64   `json:"max_file_size" binding:"omitempty,gte=0,lte=4096"`
	NumberOfRuns             *int     `json:"number_of_runs" binding:"omitempty,gte=1,lte=20"`

	RedirectStderrToStdout bool    `json:"redirect_stderr_to_stdout"`
	EnableNetwork          bool    `json:"enable_network"`
	Base64Encoded          bool    `json:"base64_encoded"`
	CallbackURL            *string `json:"callback_url" binding:"omitempty,url"`
	AdditionalFiles        *string `json:"additional_files"`
}

// SubmissionView is what a poll returns. Inputs are left out.
type SubmissionView struct {
	Token      string     `json:"token"`
	LanguageID int        `json:"language_id"`
	Status     StatusView `json:"status"`
	Stdout     *string    `json:"stdout"`
	Stderr     *string    `json:"stderr"`
	Time       *float64   `json:"time"`
	Memory     *int64     `json:"memory"`
	ExitCode   *int       `json:"exit_code"`
	Message    *string    `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

type StatusView struct {
	ID          status.ID `json:"id"`
	Description string    `json:"description"`
}

type Handler struct {
	store  Store
	queue  Queue
	logger *zerolog.Logger
}

func NewHandler(store Store, queue Queue, logger *zerolog.Logger) *Handler {
	useJSONFieldNames()
	return &Handler{store: store, queue: queue, logger: logger}
}

func (h *Handler) RegisterRoutes(r gin.IRouter, intake ...gin.HandlerFunc) {
	subs := r.Group("/submissions")
	subs.POST("", append(intake, h.CreateSubmission)...)
	subs.GET("/:token", h.GetSubmission)

	langs := r.Group("/languages")
	langs.GET("", h.ListLanguages)
	langs.GET("/all", h.ListAllLanguages)
	langs.GET("/:id", h.GetLanguage)
}

func (h *Handler) CreateSubmission(c *gin.Context) {
	var req SubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, bindingErrors(err))
		return
	}

	sub, errs := h.decode(&req, req.Base64Encoded || c.Query("base64_encoded") == "true")
	if len(errs) > 0 {
		c.JSON(http.StatusUnprocessableEntity, errs)
		return
	}

	ctx := c.Request.Context()
	lang, err := h.store.GetLanguage(ctx, req.LanguageID)
	switch {
	case errors.Is(err, languages.ErrLanguageNotFound):
		c.JSON(http.StatusUnprocessableEntity, fieldErrors{
			"language_id": {"language with id " + strconv.Itoa(req.LanguageID) + " doesn't exist"},
		})
		return
	case err != nil:
		h.logger.Error().Err(err).Int("language_id", req.LanguageID).Msg("language lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error during submission processing"})
		return
	case lang.IsArchived:
		c.JSON(http.StatusUnprocessableEntity, fieldErrors{
			"language_id": {"language with id " + strconv.Itoa(req.LanguageID) + " is archived and cannot be used anymore"},
		})
		return
	}

	sub.Token = NewToken()
	if err := h.store.CreateSubmission(ctx, sub); err != nil {
		h.logger.Error().Err(err).Msg("failed to create submission")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error during submission processing"})
		return
	}

	// The row is durable in In Queue, so a failed enqueue is picked up by
	// the startup recovery scan rather than failing the request.
	qctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := h.queue.Enqueue(qctx, sub.ID); err != nil {
		h.logger.Warn().Err(err).Int64("submission_id", sub.ID).Msg("enqueue failed, submission left for recovery")
	}

	h.logger.Info().
		Int64("submission_id", sub.ID).
		Str("token", sub.Token).
		Int("language_id", sub.LanguageID).
		Msg("submission accepted")
	c.JSON(http.StatusCreated, gin.H{"token": sub.Token})
}

func (h *Handler) decode(req *SubmissionRequest, b64 bool) (*database.Submission, fieldErrors) {
	errs := fieldErrors{}
	text := func(field string, v *string) *string {
		if v == nil {
			return nil
		}
		s := *v
		if b64 {
			raw, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				errs.add(field, "invalid base64 encoding")
				return nil
			}
			s = string(raw)
		}
		if !storable(s) {
			errs.add(field, "invalid encoding")
			return nil
		}
		return &s
	}

	source := text("source_code", &req.SourceCode)
	if source != nil && *source == "" {
		errs.add("source_code", "is required")
	}
	sub := &database.Submission{
		LanguageID:               req.LanguageID,
		Stdin:                    text("stdin", req.Stdin),
		ExpectedOutput:           text("expected_output", req.ExpectedOutput),
		CommandLineArguments:     req.CommandLineArguments,
		CPUTimeLimit:             req.CPUTimeLimit,
		CPUExtraTime:             req.CPUExtraTime,
		WallTimeLimit:            req.WallTimeLimit,
		MemoryLimit:              req.MemoryLimit,
		StackLimit:               req.StackLimit,
		MaxProcessesAndOrThreads: req.MaxProcessesAndOrThreads,
		MaxFileSize:              req.MaxFileSize,
		NumberOfRuns:             req.NumberOfRuns,
		RedirectStderrToStdout:   req.RedirectStderrToStdout,
		EnableNetwork:            req.EnableNetwork,
		CallbackURL:              req.CallbackURL,
	}
	if source != nil {
		sub.SourceCode = *source
	}

	// Arguments are never base64 encoded.
	if req.CommandLineArguments != nil && !storable(*req.CommandLineArguments) {
		errs.add("command_line_arguments", "invalid encoding")
	}
	if req.CallbackURL != nil {
		if _, err := webhook.ValidateURL(*req.CallbackURL); err != nil {
			errs.add("callback_url", "is not an allowed callback target")
		}
	}

	// Archives are always base64, whatever the request's encoding flag says.
	if req.AdditionalFiles != nil && *req.AdditionalFiles != "" {
		raw, err := base64.StdEncoding.DecodeString(*req.AdditionalFiles)
		switch {
		case err != nil:
			errs.add("additional_files", "invalid base64 encoding")
		default:
			if _, err := sandbox.ExtractZip(raw); err != nil {
				errs.add("additional_files", "is not a valid zip archive")
			}
			sub.AdditionalFiles = raw
		}
	}
	return sub, errs
}

// storable reports whether s fits a TEXT column: valid UTF-8 without NUL.
func storable(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

func (h *Handler) GetSubmission(c *gin.Context) {
	sub, err := h.store.GetSubmissionByToken(c.Request.Context(), c.Param("token"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("token", c.Param("token")).Msg("failed to load submission")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	view := SubmissionView{
		Token:      sub.Token,
		LanguageID: sub.LanguageID,
		Status:     StatusView{ID: sub.StatusID, Description: sub.StatusID.String()},
		Stdout:     sub.Stdout,
		Stderr:     sub.Stderr,
		Time:       sub.Time,
		Memory:     sub.Memory,
		ExitCode:   sub.ExitCode,
		Message:    sub.Message,
		CreatedAt:  sub.CreatedAt,
		FinishedAt: sub.FinishedAt,
	}
	if c.Query("base64_encoded") == "true" {
		view.Stdout = encode(view.Stdout)
		view.Stderr = encode(view.Stderr)
	}
	c.JSON(http.StatusOK, view)
}

func encode(s *string) *string {
	if s == nil {
		return nil
	}
	out := base64.StdEncoding.EncodeToString([]byte(*s))
	return &out
}

type languageSummary struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	IsArchived *bool  `json:"is_archived,omitempty"`
}

func summarize(l languages.Language, withArchived bool) languageSummary {
	s := languageSummary{ID: l.ID, Name: l.Name}
	if withArchived {
		archived := l.IsArchived
		s.IsArchived = &archived
	}
	return s
}

func (h *Handler) ListLanguages(c *gin.Context) {
	h.listLanguages(c, false)
}

func (h *Handler) ListAllLanguages(c *gin.Context) {
	h.listLanguages(c, true)
}

func (h *Handler) listLanguages(c *gin.Context, all bool) {
	langs, err := h.store.ListLanguages(c.Request.Context(), all)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list languages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	out := make([]languageSummary, 0, len(langs))
	for _, l := range langs {
		out = append(out, summarize(l, all))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetLanguage(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid language id"})
		return
	}
	lang, err := h.store.GetLanguage(c.Request.Context(), id)
	if errors.Is(err, languages.ErrLanguageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "language not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Int("language_id", id).Msg("failed to load language")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, summarize(lang, true))
}

// NewToken returns a fresh public submission token: "sub_" and 32 hex digits.
func NewToken() string {
	return "sub_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
