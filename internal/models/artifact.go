package models

import (
	"fmt"
	"path"
	"strings"
)

// WorkspaceLockFile is the advisory lock file kept in every managed workspace.
const WorkspaceLockFile = ".foundry.lock"

// FileChange is a single generated or modified file.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// BuildArtifact is the output of one Builder iteration. Each iteration's artifact
// supersedes the previous one; artifacts are never merged.
type BuildArtifact struct {
	Files     []FileChange `json:"files"`
	Summary   string       `json:"summary"`
	Iteration int          `json:"iteration"`
}

// Validate rejects artifacts that cannot be materialized safely or read back
// unchanged: no files, absolute or escaping paths, reserved path components
// and duplicate paths.
func (a *BuildArtifact) Validate() error {
	if a == nil {
		return fmt.Errorf("artifact is nil")
	}
	if len(a.Files) == 0 {
		return fmt.Errorf("artifact contains no files")
	}

	seen := make(map[string]bool, len(a.Files))
	for _, f := range a.Files {
		clean, err := CleanArtifactPath(f.Path)
		if err != nil {
			return err
		}
		if name, ok := reservedComponent(clean); ok {
			return fmt.Errorf("file path %q uses reserved name %q", clean, name)
		}
		if seen[clean] {
			return fmt.Errorf("duplicate file path %q", clean)
		}
		seen[clean] = true
	}
	return nil
}

// CleanArtifactPath normalizes a workspace-relative, slash-separated path and
// rejects anything that would resolve outside the workspace.
func CleanArtifactPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty file path")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("file path %q must be relative and slash-separated", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("file path %q escapes the workspace", p)
	}
	return clean, nil
}

// ReservedPathComponent reports whether a path component belongs to workspace
// bookkeeping (version control, the workspace lock, in-flight atomic writes)
// rather than to an artifact. Such entries are never materialized or read back.
func ReservedPathComponent(name string) bool {
	return name == ".git" || name == WorkspaceLockFile || strings.HasPrefix(name, ".tmp-")
}

func reservedComponent(clean string) (string, bool) {
	for _, name := range strings.Split(clean, "/") {
		if ReservedPathComponent(name) {
			return name, true
		}
	}
	return "", false
}

// Paths returns the artifact's file paths in declaration order.
func (a *BuildArtifact) Paths() []string {
	paths := make([]string, 0, len(a.Files))
	for _, f := range a.Files {
		paths = append(paths, f.Path)
	}
	return paths
}
