package sandbox

import (
	"context"
	"fmt"
	"time"
)

// UnsupportedLanguage is the stderr reported when a language cannot be
// resolved to a runnable recipe.
const UnsupportedLanguage = "Language not supported"

// Result is the outcome of one sandbox invocation. ExitCode is nil when the
// process never produced one.
type Result struct {
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	ExitCode *int    `json:"exit_code"`
	Time     float64 `json:"time"`   // seconds
	MemoryKb int64   `json:"memory"` // peak, kilobytes
	Error    string  `json:"error,omitempty"`
}

type Sandbox interface {
	Run(ctx context.Context, config RunConfig) Result
	EnsureImage(ctx context.Context, image string) error
}

// Limits are the resource ceilings for one run. Times are seconds and sizes
// kilobytes; zero means "not set".
type Limits struct {
	CPUTime       float64
	WallTime      float64
	MemoryKb      int64
	StackKb       int64
	MaxProcesses  int64
	MaxFileSizeKb int64
	EnableNetwork bool
}

// File is an extra file placed next to the source inside the sandbox.
type File struct {
	Name    string
	Content []byte
}

type RunConfig struct {
	Language       string // metrics label only
	Image          string
	SourceCode     string
	SourceFile     string
	CompileCmd     []string
	RunCmd         []string
	Args           []string
	Stdin          string
	Files          []File
	RedirectStderr bool
	Limits         Limits
}

// Unsupported is the result for a language that failed catalog resolution.
func Unsupported() Result {
	return Result{Stderr: UnsupportedLanguage, ExitCode: exitCode(1)}
}

// Failed converts an operational error into a well-formed result.
func Failed(err error, elapsed time.Duration) Result {
	return Result{
		Stderr:   fmt.Sprintf("Execution error: %s", err),
		ExitCode: exitCode(1),
		Time:     elapsed.Seconds(),
		Error:    err.Error(),
	}
}

func exitCode(code int) *int {
	return &code
}
