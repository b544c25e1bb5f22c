// Package grader turns a sandbox result into a verdict.
package grader

import (
	"strings"

	"github.com/itstheanurag/judgeji/internal/sandbox"
	"github.com/itstheanurag/judgeji/internal/status"
)

const timeoutMarker = "timeout"

// Grade maps a run result and an optional expected output to a terminal
// status. A failed exit always wins over output comparison, and a nil
// expected output accepts whatever the program printed.
func Grade(res sandbox.Result, expected *string) status.ID {
	if res.ExitCode == nil || *res.ExitCode != 0 {
		if TimedOut(res) {
			return status.TimeLimitExceeded
		}
		return status.RuntimeError
	}
	if expected != nil && Normalize(res.Stdout) != Normalize(*expected) {
		return status.WrongAnswer
	}
	return status.Accepted
}

// TimedOut reports whether the result carries a timeout indicator.
func TimedOut(res sandbox.Result) bool {
	return strings.Contains(strings.ToLower(res.Stderr), timeoutMarker) ||
		strings.Contains(strings.ToLower(res.Error), timeoutMarker)
}

func Normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
