// Package tempdb provides disposable SQLite databases for tests of the
// dataset storage layer.
//
// Every fixture lives in its own EphemeralDir and Scope. Closing a fixture
// restores any configuration it redirected, closes every connection opened
// under its scope (including ones the code under test never released) and
// removes the directory, in that order.
//
// Example usage:
//
//	fx, err := tempdb.NewExperiment(ctx, tempdb.Env{})
//	if err != nil {
//	    return err
//	}
//	defer fx.Close()
package tempdb

import (
	"context"
	"errors"
	"log/slog"

	"github.com/therronjordan/Qcodes/internal/config"
	"github.com/therronjordan/Qcodes/internal/dataset"
	"github.com/therronjordan/Qcodes/internal/db"
	"github.com/therronjordan/Qcodes/internal/logging"
)

const (
	dirPattern = "qcodes-tempdb-*"

	// Default fixture names.
	DefaultExperimentName = "test-experiment"
	DefaultSampleName     = "test-sample"
	DefaultDatasetName    = "test-dataset"
)

// Env carries what fixtures need from their surroundings. Zero fields fall
// back to defaults: the system temp dir, config.Global, the logger in ctx,
// DefaultSuite and QCODES_SQL_DEBUG.
type Env struct {
	Root   string
	Config *config.Store
	Logger *slog.Logger
	Suite  *Suite
	Debug  *bool
}

// EnvFromConfig builds an Env from a loaded config file.
func EnvFromConfig(cfg config.Config) Env {
	debug := cfg.DBDebug
	return Env{Root: cfg.TempRoot, Debug: &debug}
}

func (e Env) withDefaults(ctx context.Context) Env {
	if e.Config == nil {
		e.Config = config.Global
	}
	if e.Logger == nil {
		e.Logger = logging.OrDefault(logging.FromContext(ctx))
	}
	if e.Suite == nil {
		e.Suite = DefaultSuite()
	}
	if e.Debug == nil {
		debug := config.DebugFromEnv()
		e.Debug = &debug
	}
	return e
}

// Option customises experiment and dataset fixtures.
type Option func(*options)

type options struct {
	experimentName string
	sampleName     string
	datasetName    string
}

func defaultOptions() options {
	return options{
		experimentName: DefaultExperimentName,
		sampleName:     DefaultSampleName,
		datasetName:    DefaultDatasetName,
	}
}

// WithExperiment overrides the experiment name and sample name.
func WithExperiment(name, sample string) Option {
	return func(o *options) {
		o.experimentName = name
		o.sampleName = sample
	}
}

// WithDatasetName overrides the dataset name.
func WithDatasetName(name string) Option {
	return func(o *options) {
		o.datasetName = name
	}
}

// acquireDir creates the scope's directory and registers its teardown: the
// directory is removed last, after the sweep has closed every connection.
func acquireDir(env Env, scope *Scope) (*EphemeralDir, error) {
	dir, err := MkdirEphemeral(env.Root, dirPattern)
	if err != nil {
		return nil, err
	}
	scope.Defer("remove directory", dir.Remove)
	scope.DeferSweep()
	env.Logger.Debug("tempdb: scope acquired", "scope", scope.ID(), "dir", dir.Path())
	return dir, nil
}

// TempDB is an initialised, empty database that process-wide settings point
// at for the lifetime of the fixture.
type TempDB struct {
	scope     *Scope
	dir       *EphemeralDir
	settings  config.Settings
	connector db.Connector
}

// NewEmptyDB creates temp.db in a fresh directory, redirects env.Config to
// it and initialises the schema.
func NewEmptyDB(ctx context.Context, env Env) (*TempDB, error) {
	env = env.withDefaults(ctx)
	scope := NewScope(env.Logger, env.Suite)
	dir, err := acquireDir(env, scope)
	if err != nil {
		return nil, scope.unwind("directory", err)
	}

	settings := config.Settings{
		StorageLocation: dir.Join("temp.db"),
		DebugLogging:    *env.Debug,
	}
	snap := env.Config.Apply(config.Overrides{
		StorageLocation: &settings.StorageLocation,
		DebugLogging:    &settings.DebugLogging,
	})
	scope.Defer("restore config", func() error {
		snap.Restore()
		return nil
	})

	connector := db.NewConnector(settings, scope.Registry(), env.Logger)
	if err := db.InitialiseDatabase(ctx, connector); err != nil {
		return nil, scope.unwind("storage", err)
	}
	return &TempDB{scope: scope, dir: dir, settings: settings, connector: connector}, nil
}

func (t *TempDB) Dir() string { return t.dir.Path() }

// Path returns the database file.
func (t *TempDB) Path() string { return t.settings.StorageLocation }

// Settings returns the explicit settings for code that takes them directly.
func (t *TempDB) Settings() config.Settings { return t.settings }

// Connector opens connections owned by the fixture's scope.
func (t *TempDB) Connector() db.Connector { return t.connector }

func (t *TempDB) Registry() *db.Registry { return t.scope.Registry() }

// Close restores the config, sweeps connections and removes the directory.
func (t *TempDB) Close() error {
	return t.scope.Close()
}

// TempConn is an open connection to source.db in a fresh directory.
type TempConn struct {
	scope *Scope
	dir   *EphemeralDir
	conn  *db.Conn
}

// NewEmptyConn opens a connection to an initialised, empty source.db.
func NewEmptyConn(ctx context.Context, env Env) (*TempConn, error) {
	env = env.withDefaults(ctx)
	scope := NewScope(env.Logger, env.Suite)
	dir, err := acquireDir(env, scope)
	if err != nil {
		return nil, scope.unwind("directory", err)
	}
	conn, err := openInitialised(ctx, env, scope, dir.Join("source.db"))
	if err != nil {
		return nil, scope.unwind("source connection", err)
	}
	return &TempConn{scope: scope, dir: dir, conn: conn}, nil
}

func (t *TempConn) Dir() string    { return t.dir.Path() }
func (t *TempConn) Conn() *db.Conn { return t.conn }
func (t *TempConn) Scope() *Scope  { return t.scope }
func (t *TempConn) Close() error   { return t.scope.Close() }

// TempConnPair holds connections to source.db and target.db in one directory.
type TempConnPair struct {
	scope  *Scope
	dir    *EphemeralDir
	source *db.Conn
	target *db.Conn
}

// NewConnPair opens connections to two initialised, empty databases.
func NewConnPair(ctx context.Context, env Env) (*TempConnPair, error) {
	env = env.withDefaults(ctx)
	scope := NewScope(env.Logger, env.Suite)
	dir, err := acquireDir(env, scope)
	if err != nil {
		return nil, scope.unwind("directory", err)
	}
	source, err := openInitialised(ctx, env, scope, dir.Join("source.db"))
	if err != nil {
		return nil, scope.unwind("source connection", err)
	}
	target, err := openInitialised(ctx, env, scope, dir.Join("target.db"))
	if err != nil {
		return nil, scope.unwind("target connection", err)
	}
	return &TempConnPair{scope: scope, dir: dir, source: source, target: target}, nil
}

func (t *TempConnPair) Dir() string      { return t.dir.Path() }
func (t *TempConnPair) Source() *db.Conn { return t.source }
func (t *TempConnPair) Target() *db.Conn { return t.target }
func (t *TempConnPair) Close() error     { return t.scope.Close() }

// openInitialised opens a scope-owned connection, registers its release and
// applies the schema.
func openInitialised(ctx context.Context, env Env, scope *Scope, path string) (*db.Conn, error) {
	conn, err := db.Open(path, db.Options{
		Debug:    *env.Debug,
		Logger:   env.Logger,
		Registry: scope.Registry(),
	})
	if err != nil {
		return nil, err
	}
	scope.Defer("close "+path, conn.Close)
	if err := db.Initialise(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// ExperimentFixture is a TempDB with one experiment created in it. The
// experiment's connection is a release step of the shared scope, so Close
// releases it before the database layer.
type ExperimentFixture struct {
	*TempDB
	experiment *dataset.Experiment
}

// NewExperiment layers an experiment on NewEmptyDB.
func NewExperiment(ctx context.Context, env Env, opts ...Option) (*ExperimentFixture, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newExperiment(ctx, env, o)
}

func newExperiment(ctx context.Context, env Env, o options) (*ExperimentFixture, error) {
	tdb, err := NewEmptyDB(ctx, env)
	if err != nil {
		return nil, err
	}
	exp, err := dataset.NewExperiment(ctx, tdb.Connector(), o.experimentName, o.sampleName)
	if err != nil {
		return nil, unwindLayer("experiment", err, tdb)
	}
	tdb.scope.Defer("close experiment", exp.Close)
	return &ExperimentFixture{TempDB: tdb, experiment: exp}, nil
}

func (f *ExperimentFixture) Experiment() *dataset.Experiment { return f.experiment }

// DatasetFixture is an ExperimentFixture with one dataset created under it.
// Close drops the dataset's subscribers first.
type DatasetFixture struct {
	*ExperimentFixture
	dataset *dataset.DataSet
}

// NewDataset layers a dataset on NewExperiment.
func NewDataset(ctx context.Context, env Env, opts ...Option) (*DatasetFixture, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	exp, err := newExperiment(ctx, env, o)
	if err != nil {
		return nil, err
	}
	ds, err := dataset.NewDataSet(ctx, exp.Connector(), o.datasetName)
	if err != nil {
		return nil, unwindLayer("dataset", err, exp)
	}
	exp.scope.Defer("close dataset", ds.Close)
	return &DatasetFixture{ExperimentFixture: exp, dataset: ds}, nil
}

func (f *DatasetFixture) Dataset() *dataset.DataSet { return f.dataset }

// unwindLayer closes an acquired lower layer after the layer above it failed.
func unwindLayer(layer string, cause error, lower interface{ Close() error }) error {
	if err := lower.Close(); err != nil {
		cause = errors.Join(cause, err)
	}
	return &LayerError{Layer: layer, Err: cause}
}
