package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a client-supplied path resolves outside
// the storage root, grounded on original_source/src/server/__init__.py's
// _local_path (which uses os.path.commonpath for the same check).
var ErrPathEscape = errors.New("server: path escapes storage root")

// MirroredTree confines every file operation to a storage root on disk.
type MirroredTree struct {
	root string
}

// NewMirroredTree ensures root exists (creating it if necessary) and
// returns a MirroredTree rooted there.
func NewMirroredTree(root string) (*MirroredTree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("server: resolve storage root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("server: storage root %s is not a directory", abs)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("server: create storage root %s: %w", abs, err)
		}
	default:
		return nil, fmt.Errorf("server: stat storage root %s: %w", abs, err)
	}
	return &MirroredTree{root: abs}, nil
}

// Root returns the absolute storage root path.
func (t *MirroredTree) Root() string { return t.root }

// localPath maps a client-relative path to an absolute path on disk,
// rejecting anything that would resolve outside the storage root.
func (t *MirroredTree) localPath(path string) (string, error) {
	real := filepath.Clean(filepath.Join(t.root, path))
	rel, err := filepath.Rel(t.root, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	return real, nil
}

// Watched creates path (and any missing parents) if it does not already
// exist. Idempotent per spec's WATCHED semantics.
func (t *MirroredTree) Watched(path string) error {
	real, err := t.localPath(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(real, 0o755)
}

// Created creates a new file or directory at path.
func (t *MirroredTree) Created(path string, isDirectory bool) error {
	real, err := t.localPath(path)
	if err != nil {
		return err
	}
	if isDirectory {
		return os.Mkdir(real, 0o755)
	}
	f, err := os.OpenFile(real, os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Modified overwrites path's contents with newContent. A nil newContent
// is a no-op (directories, or a read that raced a subsequent delete).
func (t *MirroredTree) Modified(path string, isDirectory bool, newContent []byte) error {
	real, err := t.localPath(path)
	if err != nil {
		return err
	}
	if isDirectory || newContent == nil {
		return nil
	}
	return os.WriteFile(real, newContent, 0o644)
}

// Moved renames src to dest.
func (t *MirroredTree) Moved(src, dest string) error {
	realSrc, err := t.localPath(src)
	if err != nil {
		return err
	}
	realDest, err := t.localPath(dest)
	if err != nil {
		return err
	}
	return os.Rename(realSrc, realDest)
}

// Deleted removes path, which must be an empty directory if isDirectory
// is set.
func (t *MirroredTree) Deleted(path string, isDirectory bool) error {
	real, err := t.localPath(path)
	if err != nil {
		return err
	}
	if isDirectory {
		return os.Remove(real)
	}
	return os.Remove(real)
}
