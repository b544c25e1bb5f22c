package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itstheanurag/judgeji/internal/metrics"
)

const (
	containerPrefix = "judgeji-"
	cpuPeriod       = 100000
	minCPUShare     = 0.25
	// Upper bound for container setup and teardown calls, on top of the
	// per-exec wall-time timer.
	setupBudget   = 2 * time.Minute
	removeTimeout = 30 * time.Second
)

// ErrTimeout is the error surfaced when the wall-time timer kills an exec.
// Its text contains "timeout", which is what grading keys on.
var ErrTimeout = errors.New("timeout: wall time limit exceeded")

type Options struct {
	WorkDir          string
	TimeoutBuffer    time.Duration
	OutputLimitBytes int64
}

// DockerSandbox runs each submission in its own throwaway container.
type DockerSandbox struct {
	engine Engine
	logger *zerolog.Logger
	opts   Options
}

func NewDockerSandbox(logger *zerolog.Logger, opts Options) (*DockerSandbox, error) {
	engine, err := newDockerEngine(logger)
	if err != nil {
		return nil, err
	}
	return NewWithEngine(engine, logger, opts), nil
}

func NewWithEngine(engine Engine, logger *zerolog.Logger, opts Options) *DockerSandbox {
	if opts.WorkDir == "" {
		opts.WorkDir = "/sandbox"
	}
	return &DockerSandbox{engine: engine, logger: logger, opts: opts}
}

func (s *DockerSandbox) EnsureImage(ctx context.Context, image string) error {
	return s.engine.EnsureImage(ctx, image)
}

// Run never returns an error: every failure is folded into the Result. The
// container it creates is gone by the time Run returns.
func (s *DockerSandbox) Run(ctx context.Context, cfg RunConfig) Result {
	start := time.Now()
	if cfg.Image == "" || len(cfg.RunCmd) == 0 {
		return Unsupported()
	}

	// Only the wall-time timer may stop a running sandbox; caller
	// cancellation is ignored once a run starts.
	timeout := s.execTimeout(cfg.Limits)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), setupBudget+2*timeout)
	defer cancel()

	name := ContainerName()
	log := s.logger.With().Str("container", name).Str("language", cfg.Language).Logger()

	createStart := time.Now()
	id, err := s.engine.CreateContainer(ctx, name, s.containerSpec(cfg))
	if err != nil {
		log.Error().Err(err).Msg("container setup failed")
		return Failed(err, time.Since(start))
	}
	defer s.remove(id, &log)

	if err := s.engine.StartContainer(ctx, id); err != nil {
		log.Error().Err(err).Msg("container setup failed")
		return Failed(err, time.Since(start))
	}
	metrics.ContainerCreationTime.Observe(float64(time.Since(createStart).Milliseconds()))

	archive, err := buildArchive(s.opts.WorkDir, cfg.SourceFile, cfg.SourceCode, cfg.Files)
	if err != nil {
		return Failed(err, time.Since(start))
	}
	if err := s.engine.CopyToContainer(ctx, id, "/", archive); err != nil {
		return Failed(err, time.Since(start))
	}

	if len(cfg.CompileCmd) > 0 {
		compileStart := time.Now()
		out, err := s.exec(ctx, id, cfg.CompileCmd, nil, timeout, false)
		metrics.ExecutionDuration.WithLabelValues(cfg.Language, "compile").Observe(float64(time.Since(compileStart).Milliseconds()))
		if err != nil {
			log.Warn().Err(err).Msg("compile step failed")
			return Failed(err, time.Since(start))
		}
		if out.stderr != "" || out.exitCode != 0 {
			log.Debug().Int("exit_code", out.exitCode).Msg("compilation failed")
			return Result{
				Stderr:   compileMessage(out),
				ExitCode: exitCode(1),
				Time:     time.Since(start).Seconds(),
			}
		}
	}

	cmd := make([]string, 0, len(cfg.RunCmd)+len(cfg.Args))
	cmd = append(cmd, cfg.RunCmd...)
	cmd = append(cmd, cfg.Args...)

	runStart := time.Now()
	out, err := s.exec(ctx, id, cmd, &cfg.Stdin, timeout, cfg.RedirectStderr)
	elapsed := time.Since(runStart)
	metrics.ExecutionDuration.WithLabelValues(cfg.Language, "run").Observe(float64(elapsed.Milliseconds()))
	if err != nil {
		log.Warn().Err(err).Dur("elapsed", elapsed).Msg("run step failed")
		return Failed(err, time.Since(start))
	}

	var memoryKb int64
	if usage, err := s.engine.MemoryUsage(ctx, id); err != nil {
		log.Warn().Err(err).Msg("could not read memory usage")
	} else {
		memoryKb = usage / 1024
	}

	return Result{
		Stdout:   out.stdout,
		Stderr:   out.stderr,
		ExitCode: exitCode(out.exitCode),
		Time:     elapsed.Seconds(),
		MemoryKb: memoryKb,
	}
}

type execOutput struct {
	stdout   string
	stderr   string
	exitCode int
}

// exec runs cmd and captures its output. A timer armed when capture starts
// closes the session after timeout, which aborts the capture.
func (s *DockerSandbox) exec(ctx context.Context, containerID string, cmd []string, stdin *string, timeout time.Duration, redirectStderr bool) (execOutput, error) {
	att, err := s.engine.Exec(ctx, containerID, ExecSpec{
		Cmd:         cmd,
		WorkDir:     s.opts.WorkDir,
		AttachStdin: stdin != nil,
	})
	if err != nil {
		return execOutput{}, err
	}
	defer att.Close()

	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		att.Close()
	})
	defer timer.Stop()

	if stdin != nil {
		// Single-shot stdin: one write, then half-close so the program sees EOF.
		go func(input string) {
			if input != "" {
				if _, err := io.WriteString(att, input); err != nil {
					s.logger.Debug().Err(err).Msg("stdin write failed")
				}
			}
			_ = att.CloseWrite()
		}(*stdin)
	}

	stdout := newCappedBuffer(s.opts.OutputLimitBytes)
	stderr := stdout
	if !redirectStderr {
		stderr = newCappedBuffer(s.opts.OutputLimitBytes)
	}

	captureErr := att.Stream().Capture(stdout, stderr)
	if timedOut.Load() {
		return execOutput{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if captureErr != nil {
		return execOutput{}, fmt.Errorf("failed to read exec output: %w", captureErr)
	}

	code, err := s.engine.ExecExitCode(ctx, att.ID())
	if err != nil {
		return execOutput{}, err
	}

	out := execOutput{stdout: stdout.String(), exitCode: code}
	if !redirectStderr {
		out.stderr = stderr.String()
	}
	if stdout.Truncated() {
		s.logger.Debug().Str("exec", att.ID()).Msg("stdout truncated")
	}
	return out, nil
}

// remove tears the container down, falling back to a forced removal. It
// uses its own context so it runs even when the run context is spent.
func (s *DockerSandbox) remove(id string, log *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	stopErr := s.engine.StopContainer(ctx, id)
	if stopErr == nil {
		if err := s.engine.RemoveContainer(ctx, id, false); err == nil {
			return
		}
	}
	if err := s.engine.RemoveContainer(ctx, id, true); err != nil {
		log.Error().Err(err).AnErr("stop_error", stopErr).Msg("failed to remove container")
	}
}

func (s *DockerSandbox) execTimeout(limits Limits) time.Duration {
	wall := time.Duration(limits.WallTime * float64(time.Second))
	if wall < 0 {
		wall = 0
	}
	return wall + s.opts.TimeoutBuffer
}

// containerSpec points HOME at the work dir: nobody's home does not exist,
// and toolchains such as go build keep their cache under $HOME.
func (s *DockerSandbox) containerSpec(cfg RunConfig) ContainerSpec {
	l := cfg.Limits
	return ContainerSpec{
		Image:          cfg.Image,
		WorkDir:        s.opts.WorkDir,
		MemoryBytes:    l.MemoryKb * 1024,
		CPUPeriod:      cpuPeriod,
		CPUQuota:       cpuQuota(l.CPUTime, l.WallTime),
		PidsLimit:      l.MaxProcesses,
		StackBytes:     l.StackKb * 1024,
		FileSizeBytes:  l.MaxFileSizeKb * 1024,
		NetworkEnabled: l.EnableNetwork,
		Env:            []string{"HOME=" + s.opts.WorkDir},
	}
}

// cpuQuota gives the container the share of one CPU that lets it spend its
// cpu-time budget within the wall-time window.
func cpuQuota(cpuTime, wallTime float64) int64 {
	share := 1.0
	if cpuTime > 0 && wallTime > 0 {
		share = math.Min(1, math.Max(minCPUShare, cpuTime/wallTime))
	}
	return int64(share * cpuPeriod)
}

func compileMessage(out execOutput) string {
	if out.stderr != "" {
		return out.stderr
	}
	if strings.TrimSpace(out.stdout) != "" {
		return out.stdout
	}
	return fmt.Sprintf("compilation failed with exit code %d", out.exitCode)
}

// ContainerName returns a fresh, collision-resistant container name.
func ContainerName() string {
	return containerPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
