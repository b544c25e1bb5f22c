package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/itstheanurag/judgeji/internal/api"
	config "github.com/itstheanurag/judgeji/internal/config"
	"github.com/itstheanurag/judgeji/internal/database"
	"github.com/itstheanurag/judgeji/internal/executor"
	"github.com/itstheanurag/judgeji/internal/languages"
	"github.com/itstheanurag/judgeji/internal/limiter"
	"github.com/itstheanurag/judgeji/internal/queue"
	"github.com/itstheanurag/judgeji/internal/sandbox"
	"github.com/itstheanurag/judgeji/internal/webhook"
	"github.com/itstheanurag/judgeji/internal/worker"
	"github.com/itstheanurag/judgeji/internal/workflow"
)

const (
	setupTimeout        = 30 * time.Second
	limiterCleanupEvery = 5 * time.Minute
	imagePullWorkers    = 4
)

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	db          *database.Database
	redis       *redis.Client
	registry    *languages.Registry
	sandbox     sandbox.Sandbox
	executor    *executor.Executor
	queue       *queue.Manager
	workers     []*worker.Worker
	rateLimiter *limiter.RateLimiter
	cancelFunc  context.CancelFunc
	stopCleanup chan struct{}
}

func New(
	conf *config.Config,
	logger *zerolog.Logger,
) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	db, err := database.New(conf, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	s := &Server{conf: conf, logger: logger, db: db}
	if err := s.setup(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *Server) setup(ctx context.Context) error {
	conf, logger := s.conf, s.logger

	if err := s.db.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := s.db.SeedStatuses(ctx); err != nil {
		return err
	}

	catalog, err := languages.LoadCatalog(conf.Languages.CatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load language catalog: %w", err)
	}
	if conf.Languages.Seed {
		if err := s.db.UpsertLanguages(ctx, catalog); err != nil {
			return err
		}
	}
	s.registry = languages.NewRegistry(s.db, catalog)

	sb, err := sandbox.NewDockerSandbox(logger, sandbox.Options{
		WorkDir:          conf.Sandbox.WorkDir,
		TimeoutBuffer:    conf.Sandbox.TimeoutBuffer,
		OutputLimitBytes: conf.Sandbox.OutputLimitBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}
	s.sandbox = sb

	steps, err := s.stepLog(ctx)
	if err != nil {
		return err
	}

	notifier := webhook.NewNotifier(logger, conf.Webhook.Timeout)
	s.executor = executor.NewExecutor(s.db, s.registry, sb, notifier, steps, DefaultLimits(conf.Limits), logger)
	s.queue = queue.NewManager(conf.Worker.QueueCapacity)

	policy := worker.RetryPolicy{
		MaxAttempts: conf.Worker.MaxAttempts,
		BaseBackoff: conf.Worker.BaseBackoff,
		MaxBackoff:  conf.Worker.MaxBackoff,
	}
	s.workers = make([]*worker.Worker, conf.Worker.Count)
	for i := range s.workers {
		s.workers[i] = worker.NewWorker(i, s.executor, s.queue, policy, logger)
	}

	s.rateLimiter = limiter.NewRateLimiter(
		conf.Server.GlobalRPS, conf.Server.PerIPRPS, conf.Server.PerIPBurst, conf.Server.MaxConcurrent)

	handler := api.NewHandler(s.db, s.queue, logger)
	s.httpServer = &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      NewRouter(handler, s.rateLimiter, logger),
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}
	return nil
}

// stepLog picks the checkpoint store. Without Redis, checkpoints do not
// survive a restart.
func (s *Server) stepLog(ctx context.Context) (workflow.Log, error) {
	rc := s.conf.Redis
	if rc.Addr == "" {
		s.logger.Warn().Msg("no redis configured, step checkpoints kept in memory")
		return workflow.NewMemoryLog(rc.StepTTL), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", rc.Addr, err)
	}
	s.redis = client
	s.logger.Info().Str("addr", rc.Addr).Dur("ttl", rc.StepTTL).Msg("step checkpoints stored in redis")
	return workflow.NewRedisLog(client, rc.StepTTL), nil
}

// NewRouter builds the HTTP surface. Only submission intake is rate limited.
func NewRouter(handler *api.Handler, rl *limiter.RateLimiter, logger *zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler.RegisterRoutes(r, rl.Middleware())
	return r
}

func requestLogger(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Str("client_ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// DefaultLimits converts configured defaults into sandbox limits.
func DefaultLimits(l config.LimitsConfig) sandbox.Limits {
	return sandbox.Limits{
		CPUTime:       l.CPUTime,
		WallTime:      l.WallTime,
		MemoryKb:      l.MemoryKb,
		StackKb:       l.StackKb,
		MaxProcesses:  l.MaxProcesses,
		MaxFileSizeKb: l.MaxFileSizeKb,
	}
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Int("workers", len(s.workers)).
		Msg("starting HTTP server")

	if s.conf.Sandbox.PullImages {
		if err := s.ensureImages(context.Background()); err != nil {
			return fmt.Errorf("failed to ensure docker images: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	s.stopCleanup = make(chan struct{})
	s.rateLimiter.StartCleanup(limiterCleanupEvery, s.stopCleanup)

	for _, w := range s.workers {
		go w.Start(ctx)
	}
	go s.recoverUnfinished(ctx)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

func (s *Server) ensureImages(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(imagePullWorkers)
	for _, img := range s.registry.Images() {
		g.Go(func() error {
			return s.sandbox.EnsureImage(ctx, img)
		})
	}
	return g.Wait()
}

// recoverUnfinished re-enqueues submissions a previous process left in
// In Queue or Processing. Their checkpoints let them resume mid-pipeline.
func (s *Server) recoverUnfinished(ctx context.Context) {
	ids, err := s.db.ListUnfinished(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("recovery scan failed")
		return
	}
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			s.logger.Warn().Err(err).Int64("submission_id", id).Msg("could not re-enqueue submission")
			return
		}
	}
	if len(ids) > 0 {
		s.logger.Info().Int("count", len(ids)).Msg("re-enqueued unfinished submissions")
	}
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.stopCleanup != nil {
		close(s.stopCleanup)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.queue.Close()
	s.close()
	return nil
}

func (s *Server) close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close database")
		}
	}
}
