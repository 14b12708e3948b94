package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	testutil "github.com/therronjordan/Qcodes/internal/testing"
)

// openTestConn opens an untracked connection in a temporary directory.
// The connection is closed when the test completes.
func openTestConn(t *testing.T, opts Options) *Conn {
	t.Helper()
	dir := testutil.MkdirTempInDir(t, t.TempDir())
	conn, err := Open(filepath.Join(dir, "test.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}
