package tempdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// removeAll is swapped in tests to simulate undeletable directories.
var removeAll = os.RemoveAll

// EphemeralDir is a uniquely named directory that lives for one scope.
type EphemeralDir struct {
	path string

	mu      sync.Mutex
	removed bool
}

// MkdirEphemeral creates a new directory under root. An empty root uses the
// system temporary directory. The returned path is absolute.
func MkdirEphemeral(root, pattern string) (*EphemeralDir, error) {
	if root == "" {
		root = os.TempDir()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrResourceUnavailable, root, err)
	}
	path, err := os.MkdirTemp(abs, pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: create temp dir under %s: %v", ErrResourceUnavailable, abs, err)
	}
	return &EphemeralDir{path: path}, nil
}

func (d *EphemeralDir) Path() string {
	return d.path
}

// Join returns a path inside the directory.
func (d *EphemeralDir) Join(elem ...string) string {
	return filepath.Join(append([]string{d.path}, elem...)...)
}

// Exists reports whether the directory is still on disk.
func (d *EphemeralDir) Exists() bool {
	info, err := os.Stat(d.path)
	return err == nil && info.IsDir()
}

// Remove deletes the directory and everything in it. Once it has succeeded
// later calls do nothing; a failed removal can be retried.
func (d *EphemeralDir) Remove() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return nil
	}
	if err := removeAll(d.path); err != nil {
		return &CleanupError{Path: d.path, Err: err}
	}
	d.removed = true
	return nil
}
