package tempdb

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceUnavailable is returned when a scope cannot create its
	// temporary directory.
	ErrResourceUnavailable = errors.New("resource unavailable")
	// ErrCleanupFailed marks teardown steps that could not complete.
	ErrCleanupFailed = errors.New("cleanup failed")
)

// CleanupError reports a temporary path that could not be removed.
type CleanupError struct {
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("remove %s: %v", e.Path, e.Err)
}

func (e *CleanupError) Unwrap() []error {
	return []error{ErrCleanupFailed, e.Err}
}

// LayerError reports which fixture layer failed to acquire. Layers acquired
// before it have already been torn down when the error is returned.
type LayerError struct {
	Layer string
	Err   error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Layer, e.Err)
}

func (e *LayerError) Unwrap() error {
	return e.Err
}
