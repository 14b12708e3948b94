package tempdb

import (
	"context"
	"testing"
)

// Helpers for tests. Each one fails the test when the fixture cannot be
// acquired and closes it with tb.Cleanup. Teardown errors are logged on tb
// and recorded in the suite; they never fail a test that has passed.

// EmptyDB returns an initialised temp.db that config.Global points at.
func EmptyDB(tb testing.TB) *TempDB {
	tb.Helper()
	fx, err := NewEmptyDB(context.Background(), Env{})
	if err != nil {
		tb.Fatalf("tempdb: empty database: %v", err)
		return nil
	}
	cleanup(tb, fx)
	return fx
}

// EmptyConn returns an open connection to an empty source.db.
func EmptyConn(tb testing.TB) *TempConn {
	tb.Helper()
	return emptyConn(tb, Env{})
}

func emptyConn(tb testing.TB, env Env) *TempConn {
	tb.Helper()
	fx, err := NewEmptyConn(context.Background(), env)
	if err != nil {
		tb.Fatalf("tempdb: empty connection: %v", err)
		return nil
	}
	cleanup(tb, fx)
	return fx
}

// ConnPair returns open connections to empty source.db and target.db files.
func ConnPair(tb testing.TB) *TempConnPair {
	tb.Helper()
	fx, err := NewConnPair(context.Background(), Env{})
	if err != nil {
		tb.Fatalf("tempdb: connection pair: %v", err)
		return nil
	}
	cleanup(tb, fx)
	return fx
}

// Experiment returns a database holding one experiment.
func Experiment(tb testing.TB, opts ...Option) *ExperimentFixture {
	tb.Helper()
	fx, err := NewExperiment(context.Background(), Env{}, opts...)
	if err != nil {
		tb.Fatalf("tempdb: experiment: %v", err)
		return nil
	}
	cleanup(tb, fx)
	return fx
}

// Dataset returns a database holding one experiment with one dataset.
func Dataset(tb testing.TB, opts ...Option) *DatasetFixture {
	tb.Helper()
	fx, err := NewDataset(context.Background(), Env{}, opts...)
	if err != nil {
		tb.Fatalf("tempdb: dataset: %v", err)
		return nil
	}
	cleanup(tb, fx)
	return fx
}

// Copied returns a private copy of the database at source.
func Copied(tb testing.TB, source string, opts CopyOptions) *CopiedDB {
	tb.Helper()
	return copied(tb, Env{}, source, opts)
}

func copied(tb testing.TB, env Env, source string, opts CopyOptions) *CopiedDB {
	tb.Helper()
	fx, err := CopyDB(context.Background(), env, source, opts)
	if err != nil {
		tb.Fatalf("tempdb: copy %s: %v", source, err)
		return nil
	}
	cleanup(tb, fx)
	return fx
}

func cleanup(tb testing.TB, fx interface{ Close() error }) {
	tb.Cleanup(func() {
		if err := fx.Close(); err != nil {
			tb.Logf("tempdb: teardown: %v", err)
		}
	})
}
