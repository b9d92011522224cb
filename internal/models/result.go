package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ExecutionResult is the outcome of a single sandbox invocation. One per call, never mutated.
type ExecutionResult struct {
	Success   bool          `json:"success"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration_ms"`
	SandboxID string        `json:"sandbox_id,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`

	// InfraErr is set when the sandbox itself failed (engine unreachable,
	// environment gone) as opposed to the command failing.
	InfraErr error `json:"-"`
}

// IsInfraFailure reports whether the result represents a sandbox infrastructure
// failure rather than a verification failure.
func (r ExecutionResult) IsInfraFailure() bool {
	return r.InfraErr != nil
}

// Diagnostic returns stdout followed by stderr, truncated to at most limit bytes.
// When truncation is needed the tail is kept, since compilers and test runners
// print the decisive lines last. A limit <= 0 disables truncation.
func (r ExecutionResult) Diagnostic(limit int) string {
	var sb strings.Builder
	if out := strings.TrimSpace(r.Stdout); out != "" {
		sb.WriteString(out)
	}
	if errOut := strings.TrimSpace(r.Stderr); errOut != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(errOut)
	}
	return TruncateTail(sb.String(), limit)
}

// TruncateTail keeps at most the last limit bytes of s, prefixed with a marker
// when cut. The cut moves forward to a rune boundary, so the result is valid
// UTF-8 whenever s is.
func TruncateTail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	const marker = "...[truncated]\n"
	if limit <= len(marker) {
		return s[runeStart(s, len(s)-limit):]
	}
	return marker + s[runeStart(s, len(s)-(limit-len(marker))):]
}

func runeStart(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
