package logger

import (
	"time"

	"github.com/harrison/foundry/internal/models"
)

// RunLogger is the full set of events emitted while driving runs. Both
// ConsoleLogger and FileLogger implement it.
type RunLogger interface {
	LogDebug(message string)
	LogWarn(message string)
	LogRunStart(run *models.PipelineRun)
	LogTransition(run *models.PipelineRun, t models.Transition)
	LogVerification(run *models.PipelineRun, stage models.VerificationStage, result models.ExecutionResult)
	LogEscalation(run *models.PipelineRun, snap *models.EscalationSnapshot, err error)
	LogRunComplete(run *models.PipelineRun, duration time.Duration)
}

var (
	_ RunLogger = (*ConsoleLogger)(nil)
	_ RunLogger = (*FileLogger)(nil)
	_ RunLogger = (*NoOpLogger)(nil)
	_ RunLogger = MultiLogger(nil)
)

// MultiLogger fans every event out to each logger in order.
type MultiLogger []RunLogger

// NewMultiLogger drops nil entries.
func NewMultiLogger(loggers ...RunLogger) MultiLogger {
	m := make(MultiLogger, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			m = append(m, l)
		}
	}
	return m
}

func (m MultiLogger) LogDebug(message string) {
	for _, l := range m {
		l.LogDebug(message)
	}
}

func (m MultiLogger) LogWarn(message string) {
	for _, l := range m {
		l.LogWarn(message)
	}
}

func (m MultiLogger) LogRunStart(run *models.PipelineRun) {
	for _, l := range m {
		l.LogRunStart(run)
	}
}

func (m MultiLogger) LogTransition(run *models.PipelineRun, t models.Transition) {
	for _, l := range m {
		l.LogTransition(run, t)
	}
}

func (m MultiLogger) LogVerification(run *models.PipelineRun, stage models.VerificationStage, result models.ExecutionResult) {
	for _, l := range m {
		l.LogVerification(run, stage, result)
	}
}

func (m MultiLogger) LogEscalation(run *models.PipelineRun, snap *models.EscalationSnapshot, err error) {
	for _, l := range m {
		l.LogEscalation(run, snap, err)
	}
}

func (m MultiLogger) LogRunComplete(run *models.PipelineRun, duration time.Duration) {
	for _, l := range m {
		l.LogRunComplete(run, duration)
	}
}
