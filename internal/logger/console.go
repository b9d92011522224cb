// Package logger provides logging implementations for Foundry pipeline runs.
//
// The logger package offers structured logging of run progress at the
// transition, verification and summary levels. Implementations are
// thread-safe and support various output destinations (console, file, etc.).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/foundry/internal/models"
)

// ConsoleLogger logs run progress to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps for tracking execution flow.
// It supports log level filtering to control message verbosity.
// Color output is automatically enabled when the writer is a terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
// NO_COLOR (via color.NoColor) always wins.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil || color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return enabled(cl.logLevel, messageLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	label := level
	if cl.colorOutput {
		label = levelColor(level).Sprint(level)
	}
	cl.write(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), label, message))
}

func levelColor(level string) *color.Color {
	switch level {
	case "TRACE":
		return color.New(color.FgHiBlack)
	case "DEBUG":
		return color.New(color.FgCyan)
	case "WARN":
		return color.New(color.FgYellow)
	case "ERROR":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgBlue)
	}
}

// LogRunStart logs that a run has begun (or resumed) at INFO level.
// Format: "[HH:MM:SS] Run <id> [<tenant>] <state>: <description>"
func (cl *ConsoleLogger) LogRunStart(run *models.PipelineRun) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	id := run.ID
	if cl.colorOutput {
		id = color.New(color.Bold).Sprint(run.ID)
	}
	cl.write(fmt.Sprintf("[%s] Run %s [%s] %s: %s\n",
		timestamp(), id, run.TenantID, run.State, firstLine(run.Request.Description, 80)))
}

// LogTransition logs a state change at INFO level.
// Format: "[HH:MM:SS] <id>: build -> verify (note)"
func (cl *ConsoleLogger) LogTransition(run *models.PipelineRun, t models.Transition) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	to := string(t.To)
	if cl.colorOutput {
		to = stateColor(t.To).Sprint(to)
	}
	msg := fmt.Sprintf("[%s] %s: %s -> %s", timestamp(), run.ID, t.From, to)
	if t.Note != "" {
		msg += " (" + t.Note + ")"
	}
	cl.write(msg + "\n")
}

// LogVerification logs one lint, test or review result. Passes are logged at
// DEBUG, failures at INFO together with the iteration budget.
func (cl *ConsoleLogger) LogVerification(run *models.PipelineRun, stage models.VerificationStage, result models.ExecutionResult) {
	if cl.writer == nil {
		return
	}

	if result.Success {
		if !cl.shouldLog("debug") {
			return
		}
		cl.write(fmt.Sprintf("[%s] %s: %s passed (%s)\n", timestamp(), run.ID, stage, formatDuration(result.Duration)))
		return
	}
	if !cl.shouldLog("info") {
		return
	}

	verdict := "failed"
	if result.TimedOut {
		verdict = "timed out"
	}
	if cl.colorOutput {
		verdict = color.New(color.FgRed).Sprint(verdict)
	}
	bar := NewIterationBar(run.Iteration+1, run.MaxIterations, 10, cl.colorOutput)
	cl.write(fmt.Sprintf("[%s] %s: %s %s (exit %d) %s\n",
		timestamp(), run.ID, stage, verdict, result.ExitCode, bar.Render()))
}

// LogEscalation logs the handoff to a human at WARN level.
func (cl *ConsoleLogger) LogEscalation(run *models.PipelineRun, snap *models.EscalationSnapshot, err error) {
	if err != nil {
		cl.LogError(fmt.Sprintf("%s: escalation snapshot failed: %v", run.ID, err))
		return
	}
	if snap == nil {
		return
	}
	cl.LogWarn(fmt.Sprintf("%s: needs human, snapshot %s at %s (handle %s)",
		run.ID, snap.ID, snap.StorageLocation, snap.ResumableHandle))
}

// LogRunComplete logs the run outcome with a summary block at INFO level.
func (cl *ConsoleLogger) LogRunComplete(run *models.PipelineRun, duration time.Duration) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	outcome := string(run.Outcome())
	if outcome == "" {
		outcome = string(run.State)
	}
	if cl.colorOutput {
		outcome = stateColor(run.State).Add(color.Bold).Sprint(outcome)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] === Run %s ===\n", timestamp(), run.ID)
	fmt.Fprintf(&sb, "Outcome: %s\n", outcome)
	fmt.Fprintf(&sb, "Tenant: %s\n", run.TenantID)
	fmt.Fprintf(&sb, "Iterations: %d/%d\n", run.Iteration, run.MaxIterations)
	fmt.Fprintf(&sb, "Duration: %s\n", formatDuration(duration))
	if run.SnapshotID != "" {
		fmt.Fprintf(&sb, "Snapshot: %s\n", run.SnapshotID)
	}
	if n := len(run.ErrorLog); n > 0 && run.State != models.StateSuccess {
		fmt.Fprintf(&sb, "Last error: %s\n", firstLine(run.ErrorLog[n-1], 120))
	}
	cl.write(sb.String())
}

func (cl *ConsoleLogger) write(s string) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.writer.Write([]byte(s))
}

func stateColor(s models.RunState) *color.Color {
	switch s {
	case models.StateSuccess:
		return color.New(color.FgGreen)
	case models.StateNeedsHuman, models.StateEscalate, models.StateRetry:
		return color.New(color.FgYellow)
	case models.StateFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}

// firstLine returns the first line of s cut to limit runes.
func firstLine(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (*NoOpLogger) LogDebug(string)                                                                       {}
func (*NoOpLogger) LogWarn(string)                                                                        {}
func (*NoOpLogger) LogRunStart(*models.PipelineRun)                                                       {}
func (*NoOpLogger) LogTransition(*models.PipelineRun, models.Transition)                                  {}
func (*NoOpLogger) LogVerification(*models.PipelineRun, models.VerificationStage, models.ExecutionResult) {}
func (*NoOpLogger) LogEscalation(*models.PipelineRun, *models.EscalationSnapshot, error)                  {}
func (*NoOpLogger) LogRunComplete(*models.PipelineRun, time.Duration)                                     {}
