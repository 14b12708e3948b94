package db

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/therronjordan/Qcodes/internal/logging"
)

// ErrLeakedHandle marks a connection the sweep could not close.
var ErrLeakedHandle = errors.New("leaked handle")

// LeakedHandleError describes one connection that survived a sweep.
type LeakedHandleError struct {
	Path    string
	ScopeID string
	Err     error
}

func (e *LeakedHandleError) Error() string {
	return fmt.Sprintf("leaked handle %s (scope %s): %v", e.Path, e.ScopeID, e.Err)
}

func (e *LeakedHandleError) Unwrap() []error {
	return []error{ErrLeakedHandle, e.Err}
}

// SweepResult reports what a Sweep did.
type SweepResult struct {
	// Reclaimed counts handles that were still open and got closed.
	Reclaimed int
	// Leaked holds a *LeakedHandleError per handle that failed to close.
	Leaked []error
}

// Registry tracks every connection opened under one scope so they can be
// closed deterministically when the scope ends.
type Registry struct {
	id     string
	logger *slog.Logger

	mu      sync.Mutex
	handles mapset.Set[*Conn]
}

// NewRegistry returns an empty registry with a fresh scope ID.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		id:      uuid.NewString(),
		logger:  logging.OrDefault(logger),
		handles: mapset.NewThreadUnsafeSet[*Conn](),
	}
}

// ID returns the scope identifier stamped on tracked handles.
func (r *Registry) ID() string {
	return r.id
}

// Len returns the number of open tracked handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles.Cardinality()
}

// Handles returns a snapshot of the open tracked handles.
func (r *Registry) Handles() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles.ToSlice()
}

func (r *Registry) track(c *Conn) {
	r.mu.Lock()
	r.handles.Add(c)
	r.mu.Unlock()
}

func (r *Registry) untrack(c *Conn) {
	r.mu.Lock()
	r.handles.Remove(c)
	r.mu.Unlock()
}

// Sweep closes every tracked handle that nobody released.
//
// It is safe to call at any time and any number of times. After it returns no
// handle opened under this registry is open; handles whose close failed are
// reported in Leaked and dropped from the registry.
func (r *Registry) Sweep() SweepResult {
	var result SweepResult
	for _, c := range r.Handles() {
		if c.Closed() {
			r.untrack(c)
			continue
		}
		if err := c.Close(); err != nil {
			result.Leaked = append(result.Leaked, &LeakedHandleError{Path: c.Path(), ScopeID: r.id, Err: err})
			r.logger.Warn("failed to close leaked sqlite connection", "path", c.Path(), "scope", r.id, "error", err)
			continue
		}
		result.Reclaimed++
		r.logger.Warn("reclaimed unreleased sqlite connection", "path", c.Path(), "scope", r.id)
	}
	if result.Reclaimed == 0 && len(result.Leaked) == 0 {
		r.logger.Debug("sweep found no open sqlite connections", "scope", r.id)
	}
	return result
}
