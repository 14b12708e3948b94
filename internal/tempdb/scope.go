package tempdb

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/therronjordan/Qcodes/internal/db"
	"github.com/therronjordan/Qcodes/internal/logging"
)

type release struct {
	name string
	fn   func() error
}

// Scope collects release steps for resources acquired together and runs
// them in reverse order on Close.
//
// Each scope owns a db.Registry. Connections opened through the scope's
// registry are closed by the sweep step even when the code that opened them
// never calls Close.
type Scope struct {
	logger   *slog.Logger
	suite    *Suite
	registry *db.Registry
	started  time.Time

	mu       sync.Mutex
	releases []release
	closed   bool

	once sync.Once
	err  error
}

// NewScope starts a scope. A nil suite uses DefaultSuite.
func NewScope(logger *slog.Logger, suite *Suite) *Scope {
	logger = logging.OrDefault(logger)
	if suite == nil {
		suite = DefaultSuite()
	}
	s := &Scope{
		logger:   logger,
		suite:    suite,
		registry: db.NewRegistry(logger),
		started:  time.Now(),
	}
	suite.scopeOpened()
	return s
}

// ID returns the scope identifier, shared with its registry.
func (s *Scope) ID() string {
	return s.registry.ID()
}

// Registry returns the registry connections opened under this scope belong to.
func (s *Scope) Registry() *db.Registry {
	return s.registry
}

// Defer registers fn to run on Close. Steps run last-in first-out.
func (s *Scope) Defer(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("tempdb: release registered on closed scope", "scope", s.ID(), "step", name)
		return
	}
	s.releases = append(s.releases, release{name: name, fn: fn})
}

// DeferSweep registers a sweep of the scope's registry.
func (s *Scope) DeferSweep() {
	s.Defer("sweep", s.sweep)
}

func (s *Scope) sweep() error {
	result := s.registry.Sweep()
	s.suite.recordSweep(result)
	return errors.Join(result.Leaked...)
}

// Close runs every release step, even after earlier ones fail, and returns
// their errors joined. Only the first call does any work; later calls wait for
// it and return the same error.
func (s *Scope) Close() error {
	s.once.Do(func() {
		s.err = s.runReleases()
	})
	return s.err
}

func (s *Scope) runReleases() error {
	s.mu.Lock()
	s.closed = true
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	var errs []error
	for i := len(releases) - 1; i >= 0; i-- {
		r := releases[i]
		if err := r.fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
			// Leaks were already counted by the sweep.
			if !errors.Is(err, db.ErrLeakedHandle) {
				s.suite.recordCleanupFailure(r.name, err)
			}
			s.logger.Warn("tempdb: release failed", "scope", s.ID(), "step", r.name, "error", err)
		}
	}
	s.suite.scopeClosed(time.Since(s.started))
	return errors.Join(errs...)
}

// unwind tears the scope down after a failed acquisition and returns the
// acquisition error tagged with the failing layer.
func (s *Scope) unwind(layer string, cause error) error {
	if err := s.Close(); err != nil {
		cause = errors.Join(cause, err)
	}
	return &LayerError{Layer: layer, Err: cause}
}
