package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harrison/foundry/internal/models"
)

// FileLogger logs pipeline events to files in a log directory (.foundry/logs by default).
// It creates timestamped per-process log files, a detail file per finished run
// under runs/, and maintains a latest.log symlink pointing to the most recent log.
// It is thread-safe and implements the pipeline, sandbox and escalation loggers.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	runsDir  string
	logLevel string
	history  map[string][]models.Transition
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger that writes to .foundry/logs/ at level "info".
func NewFileLogger() (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(filepath.Join(".foundry", "logs"), "info")
}

// NewFileLoggerWithDirAndLevel creates a FileLogger with a custom log directory and log level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	runsDir := filepath.Join(logDir, "runs")
	if err := os.MkdirAll(runsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log; a second process in the same second appends.
	stamp := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", stamp))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		runsDir:  runsDir,
		logLevel: normalizeLogLevel(logLevel),
		history:  make(map[string][]models.Transition),
	}

	fl.writeRunLog("=== Foundry Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return fl, nil
}

// Path returns the path of the current log file.
func (fl *FileLogger) Path() string {
	return fl.runFile
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return enabled(fl.logLevel, messageLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) {
	fl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) {
	fl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) {
	fl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) {
	fl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) {
	fl.logWithLevel("ERROR", message)
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// LogRunStart logs the start or resumption of a run.
func (fl *FileLogger) LogRunStart(run *models.PipelineRun) {
	fl.LogInfo(fmt.Sprintf("run %s tenant=%s state=%s max_iterations=%d: %s",
		run.ID, run.TenantID, run.State, run.MaxIterations, firstLine(run.Request.Description, 200)))
}

// LogTransition logs a state change and keeps it for the run's detail file.
func (fl *FileLogger) LogTransition(run *models.PipelineRun, t models.Transition) {
	fl.mu.Lock()
	fl.history[run.ID] = append(fl.history[run.ID], t)
	fl.mu.Unlock()

	msg := fmt.Sprintf("run %s #%d %s -> %s iteration=%d", run.ID, t.Seq, t.From, t.To, t.Iteration)
	if t.Note != "" {
		msg += " note=" + strconv.Quote(t.Note)
	}
	fl.LogInfo(msg)
}

// LogVerification logs a lint, test or review result. Failures include the
// diagnostic so the run log is self-contained.
func (fl *FileLogger) LogVerification(run *models.PipelineRun, stage models.VerificationStage, result models.ExecutionResult) {
	if result.Success {
		fl.LogDebug(fmt.Sprintf("run %s %s passed in %s sandbox=%s", run.ID, stage, formatDuration(result.Duration), result.SandboxID))
		return
	}
	fl.LogInfo(fmt.Sprintf("run %s %s failed exit=%d timed_out=%t sandbox=%s\n%s",
		run.ID, stage, result.ExitCode, result.TimedOut, result.SandboxID, indent(result.Diagnostic(0))))
}

// LogEscalation logs the snapshot created for a human, or why it could not be.
func (fl *FileLogger) LogEscalation(run *models.PipelineRun, snap *models.EscalationSnapshot, err error) {
	if err != nil {
		fl.LogError(fmt.Sprintf("run %s escalation failed: %v", run.ID, err))
		return
	}
	if snap == nil {
		return
	}
	fl.LogWarn(fmt.Sprintf("run %s escalated snapshot=%s location=%s handle=%s digest=%s",
		run.ID, snap.ID, snap.StorageLocation, snap.ResumableHandle, snap.BaselineDigest))
}

// LogRunComplete logs the outcome and writes runs/<tenant>-<run>.log with the
// full error log, plan, artifact file list and transitions seen by this process.
func (fl *FileLogger) LogRunComplete(run *models.PipelineRun, duration time.Duration) {
	fl.LogInfo(fmt.Sprintf("run %s complete outcome=%s iterations=%d/%d duration=%s",
		run.ID, run.State, run.Iteration, run.MaxIterations, formatDuration(duration)))

	if err := fl.writeRunDetail(run, duration); err != nil {
		fl.LogWarn(fmt.Sprintf("run %s: %v", run.ID, err))
	}
}

func (fl *FileLogger) writeRunDetail(run *models.PipelineRun, duration time.Duration) error {
	fl.mu.Lock()
	transitions := fl.history[run.ID]
	delete(fl.history, run.ID)
	fl.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Run %s ===\n", run.ID)
	fmt.Fprintf(&sb, "Tenant: %s\n", run.TenantID)
	fmt.Fprintf(&sb, "State: %s\n", run.State)
	fmt.Fprintf(&sb, "Iterations: %d/%d\n", run.Iteration, run.MaxIterations)
	fmt.Fprintf(&sb, "Duration: %.1fs\n", duration.Seconds())
	if run.SnapshotID != "" {
		fmt.Fprintf(&sb, "Snapshot: %s\n", run.SnapshotID)
	}
	fmt.Fprintf(&sb, "\nRequest:\n%s\n\n", run.Request.Description)

	if run.Plan != nil {
		fmt.Fprintf(&sb, "=== Plan: %s ===\n", run.Plan.FeatureName)
		for i, step := range run.Plan.Steps {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
		}
		sb.WriteString("\n")
	}

	if run.Artifact != nil {
		fmt.Fprintf(&sb, "=== Artifact (iteration %d) ===\n", run.Artifact.Iteration)
		for _, p := range run.Artifact.Paths() {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
		sb.WriteString("\n")
	}

	if len(transitions) > 0 {
		sb.WriteString("=== Transitions ===\n")
		for _, t := range transitions {
			fmt.Fprintf(&sb, "#%d %s %s -> %s", t.Seq, t.At.Format(time.RFC3339), t.From, t.To)
			if t.Note != "" {
				fmt.Fprintf(&sb, " (%s)", t.Note)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if len(run.ErrorLog) > 0 {
		sb.WriteString("=== Error Log ===\n")
		for i, entry := range run.ErrorLog {
			fmt.Fprintf(&sb, "#### Entry %d\n%s\n\n", i+1, entry)
		}
	}

	fmt.Fprintf(&sb, "Completed at: %s\n", time.Now().Format(time.RFC3339))

	path := filepath.Join(fl.runsDir, fmt.Sprintf("%s-%s.log", run.TenantID, run.ID))
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write run detail log: %w", err)
	}
	return nil
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}

	return nil
}

// writeRunLog is a thread-safe helper to write to the run log file.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		// Flush after each write for real-time logging
		fl.runLog.Sync()
	}
}

func indent(s string) string {
	if s == "" {
		return "    (no output)"
	}
	return "    " + strings.ReplaceAll(s, "\n", "\n    ")
}
