package workspace

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/harrison/foundry/internal/models"
)

// Materialize writes every file of the artifact under dir, replacing any
// previous contents except version-control metadata. The whole operation
// holds the workspace lock.
func Materialize(dir string, artifact *models.BuildArtifact) error {
	if err := artifact.Validate(); err != nil {
		return fmt.Errorf("invalid artifact: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create workspace %s: %w", dir, err)
	}

	lock := NewLock(dir)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	if err := clearWorkspace(dir); err != nil {
		return err
	}

	for _, f := range artifact.Files {
		rel, err := models.CleanArtifactPath(f.Path)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := AtomicWrite(target, []byte(f.Content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// clearWorkspace removes everything in dir except .git and the lock file, so a
// new artifact supersedes rather than merges with the previous one.
func clearWorkspace(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workspace %s: %w", dir, err)
	}
	for _, e := range entries {
		if skipEntry(e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clear workspace entry %s: %w", e.Name(), err)
		}
	}
	return nil
}

func skipEntry(name string) bool {
	return models.ReservedPathComponent(name)
}

// ReadArtifact walks dir and returns its regular files as a BuildArtifact with
// slash-separated relative paths in lexical order.
func ReadArtifact(dir, summary string) (*models.BuildArtifact, error) {
	files, err := listFiles(dir)
	if err != nil {
		return nil, err
	}
	artifact := &models.BuildArtifact{Summary: summary}
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		artifact.Files = append(artifact.Files, models.FileChange{Path: rel, Content: string(data)})
	}
	return artifact, nil
}

// Digest returns a blake3 digest over the relative paths and contents of all
// regular files in dir. Two workspaces with byte-identical contents produce the
// same digest regardless of file modification times.
func Digest(dir string) (string, error) {
	files, err := listFiles(dir)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	for _, rel := range files {
		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("open %s: %w", rel, err)
		}
		fmt.Fprintf(h, "%s\x00", rel)
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("hash %s: %w", rel, err)
		}
		f.Close()
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ArtifactDigest computes the same digest as Digest would after materializing
// the artifact, without touching the filesystem.
func ArtifactDigest(artifact *models.BuildArtifact) (string, error) {
	contents := make(map[string]string, len(artifact.Files))
	paths := make([]string, 0, len(artifact.Files))
	for _, f := range artifact.Files {
		rel, err := models.CleanArtifactPath(f.Path)
		if err != nil {
			return "", err
		}
		contents[rel] = f.Content
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	h := blake3.New()
	for _, rel := range paths {
		fmt.Fprintf(h, "%s\x00", rel)
		h.Write([]byte(contents[rel]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		if skipEntry(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
