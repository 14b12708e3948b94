package tempdb

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/therronjordan/Qcodes/internal/db"
	"github.com/therronjordan/Qcodes/internal/logging"
)

// Summary totals what every scope of a suite did at teardown.
type Summary struct {
	Scopes          int
	Reclaimed       int
	Leaked          int
	CleanupFailures int
}

// Suite aggregates teardown diagnostics across all scopes of a test binary and
// exposes them as Prometheus metrics.
type Suite struct {
	logger *slog.Logger

	registry             *prometheus.Registry
	scopesTotal          prometheus.Counter
	reclaimedTotal       prometheus.Counter
	leakedTotal          prometheus.Counter
	cleanupFailuresTotal *prometheus.CounterVec
	scopeSeconds         prometheus.Histogram

	mu       sync.Mutex
	summary  Summary
	failures []error
}

// NewSuite constructs a suite with its own metrics registry.
func NewSuite(logger *slog.Logger) *Suite {
	registry := prometheus.NewRegistry()

	scopesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qcodes",
		Subsystem: "tempdb",
		Name:      "scopes_total",
		Help:      "Total number of temporary database scopes opened.",
	})
	reclaimedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qcodes",
		Subsystem: "tempdb",
		Name:      "handles_reclaimed_total",
		Help:      "Connections closed by a sweep because nobody released them.",
	})
	leakedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qcodes",
		Subsystem: "tempdb",
		Name:      "handles_leaked_total",
		Help:      "Connections a sweep failed to close.",
	})
	cleanupFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qcodes",
			Subsystem: "tempdb",
			Name:      "cleanup_failures_total",
			Help:      "Teardown steps that returned an error.",
		},
		[]string{"step"},
	)
	scopeSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "qcodes",
		Subsystem: "tempdb",
		Name:      "scope_duration_seconds",
		Help:      "Time from scope creation to the end of its teardown.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	registry.MustRegister(
		scopesTotal,
		reclaimedTotal,
		leakedTotal,
		cleanupFailuresTotal,
		scopeSeconds,
	)

	return &Suite{
		logger:               logging.OrDefault(logger),
		registry:             registry,
		scopesTotal:          scopesTotal,
		reclaimedTotal:       reclaimedTotal,
		leakedTotal:          leakedTotal,
		cleanupFailuresTotal: cleanupFailuresTotal,
		scopeSeconds:         scopeSeconds,
	}
}

var defaultSuite = sync.OnceValue(func() *Suite {
	return NewSuite(nil)
})

// DefaultSuite is the suite used by scopes that were not given one.
func DefaultSuite() *Suite {
	return defaultSuite()
}

// Gather exposes the suite's metrics registry.
func (s *Suite) Gather() prometheus.Gatherer {
	return s.registry
}

// Summary returns the totals recorded so far.
func (s *Suite) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Failures returns the leak and cleanup errors recorded so far.
func (s *Suite) Failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.failures...)
}

// Check returns an error describing recorded leaks and cleanup failures when
// strict is set. Without strict mode they are diagnostics only.
func (s *Suite) Check(strict bool) error {
	if !strict {
		return nil
	}
	s.mu.Lock()
	summary := s.summary
	failures := append([]error(nil), s.failures...)
	s.mu.Unlock()
	if summary.Leaked == 0 && summary.CleanupFailures == 0 {
		return nil
	}
	return fmt.Errorf("tempdb: %d leaked handle(s), %d cleanup failure(s): %w",
		summary.Leaked, summary.CleanupFailures, errors.Join(failures...))
}

// RunMain runs a test binary and reports the suite afterwards. Use it from
// TestMain:
//
//	func TestMain(m *testing.M) {
//	    os.Exit(tempdb.DefaultSuite().RunMain(m, config.FailOnLeakFromEnv()))
//	}
//
// A passing run only turns into a failure in strict mode.
func (s *Suite) RunMain(m interface{ Run() int }, strict bool) int {
	code := m.Run()
	summary := s.Summary()
	if summary.Leaked > 0 || summary.CleanupFailures > 0 {
		s.logger.Warn("tempdb: suite finished with unreleased resources",
			"scopes", summary.Scopes,
			"reclaimed", summary.Reclaimed,
			"leaked", summary.Leaked,
			"cleanup_failures", summary.CleanupFailures,
		)
	} else if summary.Reclaimed > 0 {
		s.logger.Info("tempdb: sweeps reclaimed unreleased connections", "reclaimed", summary.Reclaimed)
	}
	if err := s.Check(strict); err != nil && code == 0 {
		s.logger.Error("tempdb: failing run because of leaked resources", "error", err)
		return 1
	}
	return code
}

func (s *Suite) scopeOpened() {
	s.scopesTotal.Inc()
	s.mu.Lock()
	s.summary.Scopes++
	s.mu.Unlock()
}

func (s *Suite) scopeClosed(duration time.Duration) {
	if seconds := duration.Seconds(); seconds >= 0 {
		s.scopeSeconds.Observe(seconds)
	}
}

func (s *Suite) recordSweep(result db.SweepResult) {
	if result.Reclaimed > 0 {
		s.reclaimedTotal.Add(float64(result.Reclaimed))
	}
	if len(result.Leaked) > 0 {
		s.leakedTotal.Add(float64(len(result.Leaked)))
	}
	s.mu.Lock()
	s.summary.Reclaimed += result.Reclaimed
	s.summary.Leaked += len(result.Leaked)
	s.failures = append(s.failures, result.Leaked...)
	s.mu.Unlock()
}

func (s *Suite) recordCleanupFailure(step string, err error) {
	if step == "" {
		step = "unknown"
	}
	s.cleanupFailuresTotal.WithLabelValues(step).Inc()
	s.mu.Lock()
	s.summary.CleanupFailures++
	s.failures = append(s.failures, err)
	s.mu.Unlock()
}
