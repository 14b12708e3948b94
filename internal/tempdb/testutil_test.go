package tempdb

import (
	"testing"

	"github.com/therronjordan/Qcodes/internal/config"
	"github.com/therronjordan/Qcodes/internal/logging"
)

const originalLocation = "/data/experiments.db"

type testEnv struct {
	Env
	root  string
	store *config.Store
	suite *Suite
}

// newTestEnv isolates a test from the process-wide config store and the
// default suite. Scope directories are created under a t.TempDir root.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	root := t.TempDir()
	store := config.NewStore(config.Settings{StorageLocation: originalLocation})
	suite := NewSuite(logging.Discard())
	debug := false
	return testEnv{
		Env: Env{
			Root:   root,
			Config: store,
			Logger: logging.Discard(),
			Suite:  suite,
			Debug:  &debug,
		},
		root:  root,
		store: store,
		suite: suite,
	}
}

// swapRemoveAll replaces the directory removal function for one test.
func swapRemoveAll(t *testing.T, fn func(string) error) {
	t.Helper()
	old := removeAll
	removeAll = fn
	t.Cleanup(func() { removeAll = old })
}
