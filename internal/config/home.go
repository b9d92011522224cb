package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DirName is the per-project state directory.
	DirName = ".foundry"

	// FileName is the config file inside DirName.
	FileName = "config.yaml"

	// RootMarker pins the project root explicitly.
	RootMarker = ".foundry-root"
)

// ErrNoProjectRoot is returned when no project root is found.
var ErrNoProjectRoot = errors.New("foundry project root not found")

// FindProjectRoot returns the project directory.
// Priority order:
//  1. FOUNDRY_HOME environment variable (if set)
//  2. Nearest ancestor of start holding a .foundry-root marker or a .foundry directory
//  3. start itself, when nothing is found
func FindProjectRoot(start string) (string, error) {
	if home := os.Getenv(EnvPrefix + "HOME"); home != "" {
		return home, nil
	}

	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}

	root, err := findRoot(abs)
	if errors.Is(err, ErrNoProjectRoot) {
		return abs, nil
	}
	return root, err
}

func findRoot(dir string) (string, error) {
	current := dir
	for {
		// An explicit marker wins over a state directory.
		if _, err := os.Stat(filepath.Join(current, RootMarker)); err == nil {
			return current, nil
		}
		if info, err := os.Stat(filepath.Join(current, DirName)); err == nil && info.IsDir() {
			return current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", ErrNoProjectRoot
		}
		current = parent
	}
}

// Resolve makes every relative path in c relative to root. DSNs are only
// rewritten for sqlite files.
func (c *Config) Resolve(root string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
	abs(&c.LogDir)
	abs(&c.Pipeline.WorkspaceRoot)
	abs(&c.Escalation.Root)
	abs(&c.Escalation.CheckoutRoot)
	if c.Store.Driver == "sqlite" && c.Store.DSN != ":memory:" {
		abs(&c.Store.DSN)
	}
}
