// Package escalation turns a run the automated loop could not finish into a
// durable snapshot a human can open, fix and hand back.
//
// Every escalation of a run writes a snapshot to a BlobStore under
// tenants/<tenant>/runs/<run>/<sequence>/ together with a remote-development
// descriptor. The human edits a checkout of it; CheckResolution detects the fix
// (a new commit, or changed content when git is unavailable) and returns the
// edited workspace as a new BuildArtifact. MarkResolved closes the snapshot
// once the run has taken the fix back.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/foundry/internal/models"
	"github.com/harrison/foundry/internal/sandbox"
	"github.com/harrison/foundry/internal/workspace"
)

const workspaceDir = "workspace"

// ErrSnapshotNotFound is returned when no snapshot matches the tenant and id.
var ErrSnapshotNotFound = errors.New("escalation snapshot not found")

// SnapshotStore persists snapshot records. Lookups return (nil, nil) when no
// record exists. Every call is scoped to one tenant.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *models.EscalationSnapshot) error
	GetSnapshot(ctx context.Context, tenantID, id string) (*models.EscalationSnapshot, error)
	GetSnapshotByRun(ctx context.Context, tenantID, runID string) (*models.EscalationSnapshot, error)
	ResolveSnapshot(ctx context.Context, tenantID, id string, at time.Time) error
}

// Logger receives non-fatal problems.
type Logger interface {
	LogWarn(msg string)
}

// Options configures a Manager.
type Options struct {
	Blobs        BlobStore
	Store        SnapshotStore
	Environment  sandbox.Environment // Last sandbox environment; drives the descriptor
	CheckoutRoot string              // Human workspaces live under <root>/<tenant>/<snapshot-id>
	HandleBase   string              // Default DefaultHandleBase
	Git          *Git                // Default NewGit(nil)
	Logger       Logger
	Now          func() time.Time
}

// Resolution is the result of a resolution check.
type Resolution struct {
	Resolved     bool
	SnapshotID   string
	RunID        string
	TenantID     string
	Artifact     *models.BuildArtifact // Edited workspace, set when resolved
	WorkspaceRef string                // Checkout directory the human edited
	Commit       string                // HEAD of the checkout when detected by commit
}

// Manager creates snapshots and detects human fixes.
type Manager struct {
	blobs        BlobStore
	store        SnapshotStore
	env          sandbox.Environment
	checkoutRoot string
	handleBase   string
	git          *Git
	logger       Logger
	now          func() time.Time
}

// NewManager validates opts and creates the checkout root.
func NewManager(opts Options) (*Manager, error) {
	if opts.Blobs == nil {
		return nil, errors.New("escalation: blob store is required")
	}
	if opts.Store == nil {
		return nil, errors.New("escalation: snapshot store is required")
	}
	if strings.TrimSpace(opts.CheckoutRoot) == "" {
		return nil, errors.New("escalation: checkout root is required")
	}
	root, err := filepath.Abs(opts.CheckoutRoot)
	if err != nil {
		return nil, fmt.Errorf("escalation: resolve checkout root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("escalation: create checkout root: %w", err)
	}

	m := &Manager{
		blobs:        opts.Blobs,
		store:        opts.Store,
		env:          opts.Environment,
		checkoutRoot: root,
		handleBase:   opts.HandleBase,
		git:          opts.Git,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if m.handleBase == "" {
		m.handleBase = DefaultHandleBase
	}
	if m.git == nil {
		m.git = NewGit(nil)
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m, nil
}

// SnapshotPrefix is the storage prefix for the seq-th escalation of a run.
func SnapshotPrefix(tenantID, runID string, seq int) string {
	return path.Join("tenants", tenantID, "runs", runID, strconv.Itoa(seq))
}

// Snapshot stores the run's last artifact, descriptor and handle. While the
// run's latest snapshot is open, Snapshot returns it. Once that one has been
// resolved, the run's next escalation gets a new snapshot with the next
// sequence number and its own baseline. Every failure is a
// *models.SnapshotError.
func (m *Manager) Snapshot(ctx context.Context, run *models.PipelineRun) (*models.EscalationSnapshot, error) {
	fail := func(op string, err error) error {
		return &models.SnapshotError{RunID: run.ID, Op: op, Err: err}
	}
	if run.Artifact == nil {
		return nil, fail("collect", errors.New("run has no artifact"))
	}
	if err := run.Artifact.Validate(); err != nil {
		return nil, fail("collect", err)
	}

	latest, err := m.store.GetSnapshotByRun(ctx, run.TenantID, run.ID)
	if err != nil {
		return nil, fail("lookup", err)
	}
	if latest != nil && latest.IsOpen() {
		return latest, nil
	}
	seq := 1
	if latest != nil {
		seq = latest.Sequence + 1
	}

	digest, err := workspace.ArtifactDigest(run.Artifact)
	if err != nil {
		return nil, fail("digest", err)
	}
	descriptor := BuildDescriptor(run.ID, m.env)
	descJSON, err := MarshalDescriptor(descriptor)
	if err != nil {
		return nil, fail("descriptor", err)
	}

	files := map[string][]byte{DescriptorFile: descJSON}
	for _, f := range run.Artifact.Files {
		rel, _ := models.CleanArtifactPath(f.Path)
		files[workspaceDir+"/"+rel] = []byte(f.Content)
	}

	prefix := SnapshotPrefix(run.TenantID, run.ID, seq)
	location, err := m.blobs.Put(ctx, prefix, files)
	if errors.Is(err, ErrAlreadyCommitted) {
		// An earlier attempt committed this escalation but never recorded it.
		location, err = m.adoptCommitted(ctx, prefix, digest)
	}
	if err != nil {
		return nil, fail("store", err)
	}

	id := uuid.New().String()
	handle, err := NewHandle(m.handleBase, id)
	if err != nil {
		return nil, fail("handle", err)
	}

	snap := &models.EscalationSnapshot{
		ID:              id,
		RunID:           run.ID,
		TenantID:        run.TenantID,
		Sequence:        seq,
		StorageLocation: location,
		Descriptor:      descriptor,
		ResumableHandle: handle,
		BaselineDigest:  digest,
		Status:          models.SnapshotOpen,
		CreatedAt:       m.now(),
	}

	commit, err := m.prepareCheckout(ctx, snap)
	if err != nil {
		os.RemoveAll(m.checkoutDir(snap))
		return nil, fail("checkout", err)
	}
	snap.BaselineCommit = commit

	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		os.RemoveAll(m.checkoutDir(snap))
		return nil, fail("persist", err)
	}
	return snap, nil
}

// adoptCommitted returns the location of a committed prefix if it holds
// exactly the workspace with the given digest.
func (m *Manager) adoptCommitted(ctx context.Context, prefix, digest string) (string, error) {
	files, err := m.blobs.Get(ctx, prefix)
	if err != nil {
		return "", err
	}
	stored, err := workspace.ArtifactDigest(snapshotArtifact(files, ""))
	if err != nil {
		return "", err
	}
	if stored != digest {
		return "", fmt.Errorf("%s: %w with different content", prefix, ErrAlreadyCommitted)
	}
	return m.blobs.Location(prefix), nil
}

// snapshotArtifact extracts the workspace files of a stored snapshot tree.
func snapshotArtifact(files map[string][]byte, summary string) *models.BuildArtifact {
	artifact := &models.BuildArtifact{Summary: summary}
	for _, rel := range sortedKeys(files) {
		if p, ok := strings.CutPrefix(rel, workspaceDir+"/"); ok {
			artifact.Files = append(artifact.Files, models.FileChange{Path: p, Content: string(files[rel])})
		}
	}
	return artifact
}

// Activate resolves a resumable handle to its snapshot and the checkout a
// human edits. The checkout is rebuilt from storage if it is missing.
func (m *Manager) Activate(ctx context.Context, tenantID, handle string) (*models.EscalationSnapshot, string, error) {
	id, _, err := ParseHandle(handle)
	if err != nil {
		return nil, "", err
	}
	snap, err := m.load(ctx, tenantID, id)
	if err != nil {
		return nil, "", err
	}
	if !handleMatches(snap.ResumableHandle, handle) {
		return nil, "", ErrInvalidHandle
	}

	dir := m.checkoutDir(snap)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		commit, err := m.prepareCheckout(ctx, snap)
		if err != nil {
			return nil, "", fmt.Errorf("restore checkout: %w", err)
		}
		if snap.BaselineCommit != "" && commit != snap.BaselineCommit {
			m.warn(fmt.Sprintf("restored checkout for snapshot %s has commit %s, baseline was %s", snap.ID, commit, snap.BaselineCommit))
		}
	}
	return snap, dir, nil
}

// CheckResolution probes the snapshot's checkout for a human fix. With a git
// baseline the signal is a HEAD differing from the baseline commit; otherwise
// a content digest differing from the baseline digest. It only reports: the
// snapshot stays open until MarkResolved. A checkout whose lock is held, for
// example while Activate restores it, is reported as not yet resolved.
func (m *Manager) CheckResolution(ctx context.Context, tenantID, snapshotID string) (Resolution, error) {
	snap, err := m.load(ctx, tenantID, snapshotID)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{SnapshotID: snap.ID, RunID: snap.RunID, TenantID: snap.TenantID}

	dir := m.checkoutDir(snap)
	if _, err := os.Stat(dir); err != nil {
		if snap.IsOpen() && errors.Is(err, fs.ErrNotExist) {
			return res, nil
		}
		return res, fmt.Errorf("checkout for snapshot %s: %w", snap.ID, err)
	}
	res.WorkspaceRef = dir

	lock := workspace.NewLock(dir)
	locked, err := lock.TryLock()
	if err != nil {
		return res, err
	}
	if !locked {
		m.warn(fmt.Sprintf("checkout for snapshot %s is busy, skipping check", snap.ID))
		return res, nil
	}
	defer lock.Unlock()

	changed, commit, err := m.probe(ctx, snap, dir)
	if err != nil {
		return res, err
	}
	if !changed && snap.IsOpen() {
		return res, nil
	}

	artifact, err := workspace.ReadArtifact(dir, fmt.Sprintf("human fix for run %s (snapshot %s)", snap.RunID, snap.ID))
	if err != nil {
		return res, fmt.Errorf("read fixed workspace: %w", err)
	}
	if err := artifact.Validate(); err != nil {
		return res, fmt.Errorf("fixed workspace: %w", err)
	}

	res.Resolved = true
	res.Artifact = artifact
	res.Commit = commit
	return res, nil
}

// MarkResolved closes the snapshot after its run has taken the fix back.
// Marking a resolved snapshot again is a no-op.
func (m *Manager) MarkResolved(ctx context.Context, tenantID, snapshotID string) error {
	if err := m.store.ResolveSnapshot(ctx, tenantID, snapshotID, m.now()); err != nil {
		return fmt.Errorf("mark snapshot %s resolved: %w", snapshotID, err)
	}
	return nil
}

// Watch polls CheckResolution every interval until the snapshot is resolved
// or ctx is done.
func (m *Manager) Watch(ctx context.Context, tenantID, snapshotID string, interval time.Duration) (Resolution, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := m.CheckResolution(ctx, tenantID, snapshotID)
		if err != nil || res.Resolved {
			return res, err
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get returns the snapshot record scoped to tenantID.
func (m *Manager) Get(ctx context.Context, tenantID, snapshotID string) (*models.EscalationSnapshot, error) {
	return m.load(ctx, tenantID, snapshotID)
}

func (m *Manager) load(ctx context.Context, tenantID, snapshotID string) (*models.EscalationSnapshot, error) {
	snap, err := m.store.GetSnapshot(ctx, tenantID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}
	return snap, nil
}

func (m *Manager) checkoutDir(snap *models.EscalationSnapshot) string {
	return filepath.Join(m.checkoutRoot, snap.TenantID, snap.ID)
}

// prepareCheckout materializes the stored snapshot into the checkout directory
// and records a git baseline. Returns "" when git is unavailable; resolution
// then falls back to the content digest.
func (m *Manager) prepareCheckout(ctx context.Context, snap *models.EscalationSnapshot) (string, error) {
	files, err := m.blobs.Get(ctx, SnapshotPrefix(snap.TenantID, snap.RunID, snap.Sequence))
	if err != nil {
		return "", err
	}
	artifact := snapshotArtifact(files, "escalation snapshot "+snap.ID)

	dir := m.checkoutDir(snap)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if err := workspace.Materialize(dir, artifact); err != nil {
		return "", err
	}
	digest, err := workspace.Digest(dir)
	if err != nil {
		return "", err
	}
	if digest != snap.BaselineDigest {
		return "", fmt.Errorf("checkout digest %s does not match snapshot digest %s", digest, snap.BaselineDigest)
	}

	commit, err := m.git.Baseline(ctx, dir, snap.CreatedAt)
	if err != nil {
		if !errors.Is(err, ErrGitUnavailable) {
			m.warn(fmt.Sprintf("git baseline for snapshot %s failed, using content digest: %v", snap.ID, err))
		}
		os.RemoveAll(filepath.Join(dir, ".git"))
		return "", nil
	}
	return commit, nil
}

func (m *Manager) probe(ctx context.Context, snap *models.EscalationSnapshot, dir string) (bool, string, error) {
	if snap.BaselineCommit != "" {
		head, err := m.git.Head(ctx, dir)
		if err == nil {
			return head != snap.BaselineCommit, head, nil
		}
		m.warn(fmt.Sprintf("git probe for snapshot %s failed, using content digest: %v", snap.ID, err))
	}
	digest, err := workspace.Digest(dir)
	if err != nil {
		return false, "", fmt.Errorf("digest checkout: %w", err)
	}
	return digest != snap.BaselineDigest, "", nil
}

func (m *Manager) warn(msg string) {
	if m.logger != nil {
		m.logger.LogWarn(msg)
	}
}
