package sandbox

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/docker/docker/pkg/stdcopy"
)

func TestCaptureDual(t *testing.T) {
	var stdout, stderr bytes.Buffer
	s := Stream{Transport: TransportDual, Stdout: strings.NewReader("out"), Stderr: strings.NewReader("err")}
	if err := s.Capture(&stdout, &stderr); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if stdout.String() != "out" || stderr.String() != "err" {
		t.Fatalf("unexpected output: %q / %q", stdout.String(), stderr.String())
	}
}

func TestCaptureMultiplexed(t *testing.T) {
	var framedBuf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&framedBuf, stdcopy.Stdout).Write([]byte("hello "))
	_, _ = stdcopy.NewStdWriter(&framedBuf, stdcopy.Stderr).Write([]byte("oops"))
	_, _ = stdcopy.NewStdWriter(&framedBuf, stdcopy.Stdout).Write([]byte("world"))

	var stdout, stderr bytes.Buffer
	s := Stream{Transport: TransportMultiplexed, Stdout: &framedBuf}
	if err := s.Capture(&stdout, &stderr); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if stdout.String() != "hello world" || stderr.String() != "oops" {
		t.Fatalf("unexpected demux: %q / %q", stdout.String(), stderr.String())
	}
}

func TestCaptureRawLosesStderr(t *testing.T) {
	var stdout, stderr bytes.Buffer
	s := Stream{Transport: TransportRaw, Stdout: strings.NewReader("combined")}
	if err := s.Capture(&stdout, &stderr); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if stdout.String() != "combined" || stderr.Len() != 0 {
		t.Fatalf("unexpected output: %q / %q", stdout.String(), stderr.String())
	}
}

func TestCaptureDualWithoutStderrFallsBackToRaw(t *testing.T) {
	s := Stream{Transport: TransportDual, Stdout: strings.NewReader("x")}
	if got := s.resolve(); got != TransportRaw {
		t.Fatalf("expected raw, got %s", got)
	}
	var stdout, stderr bytes.Buffer
	if err := s.Capture(&stdout, &stderr); err != nil || stdout.String() != "x" {
		t.Fatalf("capture: %v %q", err, stdout.String())
	}
}

func TestCaptureWithoutReader(t *testing.T) {
	var buf bytes.Buffer
	if err := (Stream{Transport: TransportMultiplexed}).Capture(&buf, &buf); err == nil {
		t.Fatal("expected error for missing reader")
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("write: %d %v", n, err)
	}
	n, _ = b.Write([]byte("defgh"))
	if n != 5 {
		t.Fatalf("short write reported: %d", n)
	}
	b.Write([]byte("ij"))
	if b.String() != "abcde" || !b.Truncated() {
		t.Fatalf("unexpected buffer: %q truncated=%v", b.String(), b.Truncated())
	}

	unlimited := newCappedBuffer(0)
	unlimited.Write(bytes.Repeat([]byte("z"), 1024))
	if len(unlimited.String()) != 1024 || unlimited.Truncated() {
		t.Fatal("zero limit should not cap")
	}
}

func TestCappedBufferKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; the cap falls between them.
	b := newCappedBuffer(4)
	b.Write([]byte("abc"))
	b.Write([]byte("é!"))
	if got := b.String(); got != "abc" || !utf8.ValidString(got) {
		t.Fatalf("expected rune dropped whole, got %q", got)
	}
	b.Write([]byte("x"))
	if b.String() != "abc" {
		t.Fatalf("buffer grew after truncation: %q", b.String())
	}

	single := newCappedBuffer(1)
	single.Write([]byte("é"))
	if single.String() != "" || !single.Truncated() {
		t.Fatalf("unexpected buffer: %q", single.String())
	}
}

func TestRuneBoundary(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"ab\xc3", "ab"},
		{"ab\xe2\x82", "ab"},
		{"ab\u20ac", "ab\u20ac"},
		{"5\x00", "5\x00"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := string(runeBoundary([]byte(tt.in))); got != tt.want {
			t.Errorf("runeBoundary(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
