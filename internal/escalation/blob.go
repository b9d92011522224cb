package escalation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harrison/foundry/internal/models"
)

// CommittedMarker is written last; a prefix without it is not a snapshot.
const CommittedMarker = "COMMITTED"

var (
	// ErrAlreadyCommitted is returned when writing to a prefix that already holds a snapshot.
	ErrAlreadyCommitted = errors.New("snapshot already committed")
	// ErrNotCommitted is returned when reading a prefix with no complete snapshot.
	ErrNotCommitted = errors.New("snapshot not committed")
)

// BlobStore holds immutable snapshot trees. Put is all-or-nothing: after a
// failed Put, Get on the same prefix returns ErrNotCommitted.
type BlobStore interface {
	Name() string
	// Put stores files (workspace-relative path to content) under prefix and
	// returns a location URI.
	Put(ctx context.Context, prefix string, files map[string][]byte) (string, error)
	// Get returns the files committed under prefix.
	Get(ctx context.Context, prefix string) (map[string][]byte, error)
	// Location is the URI Put returns for prefix.
	Location(prefix string) string
}

// manifest renders the marker body: committed paths, one per line, sorted.
func manifest(files map[string][]byte) []byte {
	paths := sortedKeys(files)
	return []byte(strings.Join(paths, "\n") + "\n")
}

func parseManifest(data []byte) []string {
	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

func sortedKeys(files map[string][]byte) []string {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func checkPrefix(prefix string) (string, error) {
	clean, err := models.CleanArtifactPath(prefix)
	if err != nil {
		return "", fmt.Errorf("invalid snapshot prefix: %w", err)
	}
	return clean, nil
}

func checkFiles(files map[string][]byte) error {
	if len(files) == 0 {
		return errors.New("snapshot has no files")
	}
	for p := range files {
		clean, err := models.CleanArtifactPath(p)
		if err != nil {
			return err
		}
		if clean != p || clean == CommittedMarker {
			return fmt.Errorf("invalid snapshot path %q", p)
		}
	}
	return nil
}

// LocalBlobStore keeps snapshots in a directory tree. A snapshot is staged in
// a private directory and renamed into place, so readers never see a partial tree.
type LocalBlobStore struct {
	root string
}

// NewLocalBlobStore creates the root directory if needed.
func NewLocalBlobStore(root string) (*LocalBlobStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve snapshot root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, ".staging"), 0755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	return &LocalBlobStore{root: abs}, nil
}

// Name returns "local".
func (s *LocalBlobStore) Name() string { return "local" }

// Put stages files and renames the staging directory to root/prefix.
func (s *LocalBlobStore) Put(ctx context.Context, prefix string, files map[string][]byte) (string, error) {
	prefix, err := checkPrefix(prefix)
	if err != nil {
		return "", err
	}
	if err := checkFiles(files); err != nil {
		return "", err
	}
	target := filepath.Join(s.root, filepath.FromSlash(prefix))
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("%s: %w", prefix, ErrAlreadyCommitted)
	}

	staging, err := os.MkdirTemp(filepath.Join(s.root, ".staging"), "snap-*")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	for _, rel := range sortedKeys(files) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dst := filepath.Join(staging, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return "", fmt.Errorf("stage %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, files[rel], 0644); err != nil {
			return "", fmt.Errorf("stage %s: %w", rel, err)
		}
	}
	if err := os.WriteFile(filepath.Join(staging, CommittedMarker), manifest(files), 0644); err != nil {
		return "", fmt.Errorf("write marker: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("create snapshot parent: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		if _, statErr := os.Stat(target); statErr == nil {
			return "", fmt.Errorf("%s: %w", prefix, ErrAlreadyCommitted)
		}
		return "", fmt.Errorf("commit snapshot: %w", err)
	}
	committed = true
	return s.Location(prefix), nil
}

// Location returns the file URI of prefix under the root.
func (s *LocalBlobStore) Location(prefix string) string {
	return "file://" + filepath.ToSlash(filepath.Join(s.root, filepath.FromSlash(prefix)))
}

// Get reads the committed tree under prefix.
func (s *LocalBlobStore) Get(ctx context.Context, prefix string) (map[string][]byte, error) {
	prefix, err := checkPrefix(prefix)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, filepath.FromSlash(prefix))
	marker, err := os.ReadFile(filepath.Join(dir, CommittedMarker))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", prefix, ErrNotCommitted)
		}
		return nil, err
	}

	files := make(map[string][]byte)
	for _, rel := range parseManifest(marker) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path.Clean(rel))))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		files[rel] = data
	}
	return files, nil
}
