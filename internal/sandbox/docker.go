package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/rs/zerolog"
)

const execPollInterval = 10 * time.Millisecond

type dockerEngine struct {
	cli    *client.Client
	logger *zerolog.Logger
}

func newDockerEngine(logger *zerolog.Logger) (*dockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &dockerEngine{cli: cli, logger: logger}, nil
}

func (e *dockerEngine) CreateContainer(ctx context.Context, name string, spec ContainerSpec) (string, error) {
	var pidsLimit *int64
	if spec.PidsLimit > 0 {
		limit := spec.PidsLimit
		pidsLimit = &limit
	}

	var ulimits []*units.Ulimit
	if spec.StackBytes > 0 {
		ulimits = append(ulimits, &units.Ulimit{Name: "stack", Soft: spec.StackBytes, Hard: spec.StackBytes})
	}
	if spec.FileSizeBytes > 0 {
		ulimits = append(ulimits, &units.Ulimit{Name: "fsize", Soft: spec.FileSizeBytes, Hard: spec.FileSizeBytes})
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes, // no swap
			CPUPeriod:  spec.CPUPeriod,
			CPUQuota:   spec.CPUQuota,
			PidsLimit:  pidsLimit,
			Ulimits:    ulimits,
		},
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}
	if spec.NetworkEnabled {
		hostConfig.NetworkMode = "bridge"
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sleep", "infinity"}, // keep alive between execs
		Tty:             false,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: !spec.NetworkEnabled,
		WorkingDir:      spec.WorkDir,
		Env:             spec.Env,
		User:            "nobody",
	}, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (e *dockerEngine) StartContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (e *dockerEngine) CopyToContainer(ctx context.Context, id, dst string, content io.Reader) error {
	if err := e.cli.CopyToContainer(ctx, id, dst, content, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy files into container: %w", err)
	}
	return nil
}

func (e *dockerEngine) Exec(ctx context.Context, id string, spec ExecSpec) (Attachment, error) {
	execResp, err := e.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  spec.AttachStdin,
		Tty:          false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := e.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{Tty: false})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	return &hijackedAttachment{id: execResp.ID, resp: attachResp}, nil
}

func (e *dockerEngine) ExecExitCode(ctx context.Context, execID string) (int, error) {
	// The output stream can end a moment before the exec is reported done.
	for {
		inspect, err := e.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

func (e *dockerEngine) MemoryUsage(ctx context.Context, id string) (int64, error) {
	stats, err := e.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to read container stats: %w", err)
	}
	defer stats.Body.Close()

	var payload struct {
		MemoryStats struct {
			Usage    uint64 `json:"usage"`
			MaxUsage uint64 `json:"max_usage"`
		} `json:"memory_stats"`
	}
	if err := json.NewDecoder(stats.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("failed to decode container stats: %w", err)
	}
	// max_usage is only reported on cgroup v1.
	if payload.MemoryStats.MaxUsage > 0 {
		return int64(payload.MemoryStats.MaxUsage), nil
	}
	return int64(payload.MemoryStats.Usage), nil
}

func (e *dockerEngine) StopContainer(ctx context.Context, id string) error {
	timeout := 0
	return e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

func (e *dockerEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
}

func (e *dockerEngine) EnsureImage(ctx context.Context, img string) error {
	log := e.logger.With().Str("image", img).Logger()

	_, _, err := e.cli.ImageInspectWithRaw(ctx, img)
	switch {
	case err == nil:
		log.Debug().Msg("image present")
		return nil
	case !client.IsErrNotFound(err):
		return fmt.Errorf("failed to inspect image %s: %w", img, err)
	}

	start := time.Now()
	log.Info().Msg("pulling image")
	progress, err := e.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer progress.Close()

	// The pull runs for as long as its progress stream is being read.
	if _, err := io.Copy(io.Discard, progress); err != nil {
		log.Error().Err(err).Msg("image pull interrupted")
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}

	log.Info().Dur("took", time.Since(start)).Msg("image pulled")
	return nil
}

type hijackedAttachment struct {
	id   string
	resp types.HijackedResponse
	once sync.Once
}

func (a *hijackedAttachment) ID() string { return a.id }

func (a *hijackedAttachment) Stream() Stream {
	return Stream{Transport: TransportMultiplexed, Stdout: a.resp.Reader}
}

func (a *hijackedAttachment) Write(p []byte) (int, error) {
	return a.resp.Conn.Write(p)
}

func (a *hijackedAttachment) CloseWrite() error {
	return a.resp.CloseWrite()
}

func (a *hijackedAttachment) Close() {
	a.once.Do(a.resp.Close)
}
