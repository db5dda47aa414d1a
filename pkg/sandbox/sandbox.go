// Package sandbox confines caller supplied filesystem paths to a root directory.
//
// Every check compares normalized absolute forms (filepath.Abs + filepath.Rel),
// never raw string prefixes, so traversal sequences such as "/root/../etc"
// and sibling directories sharing a prefix ("/root2") are rejected.
package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutOfSandbox is wrapped by every containment failure.
var ErrOutOfSandbox = errors.New("path is out of sandbox")

// Error describes a rejected path.
type Error struct {
	Path string // normalized absolute form of the rejected path
	Root string
}

func (e *Error) Error() string {
	return fmt.Sprintf("Path %q is out of sandbox: %q!", e.Path, e.Root)
}

func (e *Error) Unwrap() error { return ErrOutOfSandbox }

// Sandbox holds a normalized absolute root.
type Sandbox struct {
	root string
}

// New normalizes root and returns a Sandbox for it.
func New(root string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("sandbox root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the normalized root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve returns the normalized absolute form of path, or an *Error when it
// is neither the root itself nor nested under it.
func (s *Sandbox) Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", path, err)
	}
	if !within(s.root, abs) {
		return "", &Error{Path: abs, Root: s.root}
	}
	return abs, nil
}

// Contains reports whether path resolves inside the sandbox.
func (s *Sandbox) Contains(path string) bool {
	_, err := s.Resolve(path)
	return err == nil
}

// Resolve is the one-shot form of (*Sandbox).Resolve.
func Resolve(path, root string) (string, error) {
	sb, err := New(root)
	if err != nil {
		return "", err
	}
	return sb.Resolve(path)
}

// within reports whether target equals root or is nested under it. Both
// arguments must already be absolute and clean.
func within(root, target string) bool {
	if root == target {
		return true
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// IsFilesystemRoot reports whether path points to filesystem root (POSIX or Windows volume root).
func IsFilesystemRoot(path string) bool {
	clean := filepath.Clean(path)
	if clean == string(filepath.Separator) {
		return true
	}
	volume := filepath.VolumeName(clean)
	return volume != "" && clean == volume+string(filepath.Separator)
}
