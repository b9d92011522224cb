package models

import "time"

// SnapshotStatus is the lifecycle status of an escalation snapshot.
type SnapshotStatus string

const (
	SnapshotOpen     SnapshotStatus = "open"
	SnapshotResolved SnapshotStatus = "resolved"
)

// RemoteDescriptor describes the development environment a human needs to reopen
// the exact state that failed. It mirrors the last sandbox environment used.
type RemoteDescriptor struct {
	Name           string            `json:"name"`
	BaseImage      string            `json:"image"`
	InstallSteps   []string          `json:"installSteps,omitempty"`
	WorkspaceMount string            `json:"workspaceFolder"`
	Env            map[string]string `json:"containerEnv,omitempty"`
	PostAttach     []string          `json:"postAttachCommands,omitempty"`
}

// EscalationSnapshot is the durable handoff artifact for a run that the automated
// loop could not complete. Each escalation of a run gets its own snapshot with
// the next Sequence; at most one of them is open.
type EscalationSnapshot struct {
	ID              string           `json:"id"`
	RunID           string           `json:"run_id"`
	TenantID        string           `json:"tenant_id"`
	Sequence        int              `json:"sequence"`
	StorageLocation string           `json:"storage_location"`
	Descriptor      RemoteDescriptor `json:"descriptor"`
	ResumableHandle string           `json:"resumable_handle"`
	BaselineDigest  string           `json:"baseline_digest"`
	BaselineCommit  string           `json:"baseline_commit,omitempty"`
	Status          SnapshotStatus   `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
}

// IsOpen reports whether the snapshot is still awaiting a human fix.
func (s *EscalationSnapshot) IsOpen() bool {
	return s.Status == SnapshotOpen
}
