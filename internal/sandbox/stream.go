package sandbox

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sync/errgroup"
)

// Transport describes how an exec exposes its output.
type Transport int

const (
	// TransportDual exposes stdout and stderr as two independent readers.
	TransportDual Transport = iota + 1
	// TransportMultiplexed carries both streams in one Docker-framed reader.
	TransportMultiplexed
	// TransportRaw carries unframed bytes (e.g. a TTY). Everything lands in
	// stdout; stderr is lost.
	TransportRaw
)

func (t Transport) String() string {
	switch t {
	case TransportDual:
		return "dual"
	case TransportMultiplexed:
		return "multiplexed"
	case TransportRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Stream is the output side of one exec.
type Stream struct {
	Transport Transport
	Stdout    io.Reader // dual: stdout; multiplexed: framed stream; raw: combined bytes
	Stderr    io.Reader // dual only
}

// Capture copies the stream into stdout and stderr until it ends. For dual
// streams capture completes only once both readers have hit EOF.
func (s Stream) Capture(stdout, stderr io.Writer) error {
	if s.Stdout == nil {
		return errors.New("exec stream has no output reader")
	}
	switch s.resolve() {
	case TransportDual:
		var g errgroup.Group
		g.Go(func() error {
			_, err := io.Copy(stdout, s.Stdout)
			return err
		})
		g.Go(func() error {
			_, err := io.Copy(stderr, s.Stderr)
			return err
		})
		return g.Wait()
	case TransportMultiplexed:
		_, err := stdcopy.StdCopy(stdout, stderr, s.Stdout)
		return err
	default:
		_, err := io.Copy(stdout, s.Stdout)
		return err
	}
}

func (s Stream) resolve() Transport {
	switch s.Transport {
	case TransportDual:
		if s.Stderr == nil {
			return TransportRaw
		}
		return TransportDual
	case TransportMultiplexed:
		return TransportMultiplexed
	default:
		return TransportRaw
	}
}

// cappedBuffer keeps at most limit bytes and silently drops the rest so a
// chatty program cannot exhaust memory. Safe for concurrent writers.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - int64(b.buf.Len())
	if b.truncated || room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if int64(len(p)) > room {
		// Once cut, nothing more is kept even if the cut left some room.
		b.buf.Write(runeBoundary(p[:room]))
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

// runeBoundary drops a trailing rune that p cuts in half.
func runeBoundary(p []byte) []byte {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return p
		}
		return p[:i]
	}
	return p
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
