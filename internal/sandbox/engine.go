package sandbox

import (
	"context"
	"io"
)

// ContainerSpec is the resource envelope of one ephemeral container.
type ContainerSpec struct {
	Image          string
	WorkDir        string
	MemoryBytes    int64
	CPUPeriod      int64
	CPUQuota       int64
	PidsLimit      int64
	StackBytes     int64
	FileSizeBytes  int64
	NetworkEnabled bool

	// Env is inherited by every exec in the container.
	Env []string
}

type ExecSpec struct {
	Cmd         []string
	WorkDir     string
	AttachStdin bool
}

// Attachment is a live exec session. Close tears the session down and makes
// any pending read on its stream fail; it may be called more than once.
type Attachment interface {
	io.Writer
	ID() string
	Stream() Stream
	CloseWrite() error
	Close()
}

// Engine is the slice of the container runtime the runner needs.
type Engine interface {
	CreateContainer(ctx context.Context, name string, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	CopyToContainer(ctx context.Context, id, dst string, content io.Reader) error
	Exec(ctx context.Context, id string, spec ExecSpec) (Attachment, error)
	ExecExitCode(ctx context.Context, execID string) (int, error)
	MemoryUsage(ctx context.Context, id string) (int64, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	EnsureImage(ctx context.Context, image string) error
}
