package testing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSQLiteFileAndDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.db")
	WriteSQLiteFile(t, path,
		`CREATE TABLE experiments (exp_id INTEGER PRIMARY KEY, name TEXT)`,
		`INSERT INTO experiments (name) VALUES ('pinned')`,
	)
	RequireExists(t, path)

	first := FileDigest(t, path)
	assert.Len(t, first, 64)
	assert.Equal(t, first, FileDigest(t, path))
}

func TestRequireRowCount(t *testing.T) {
	conn := OpenTestDB(t)
	_, err := conn.Exec(`CREATE TABLE t (v TEXT)`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO t (v) VALUES ('a'), ('b')`)
	require.NoError(t, err)
	RequireRowCount(t, conn, 2, `SELECT COUNT(*) FROM t`)
	RequireRowCount(t, conn, 1, `SELECT COUNT(*) FROM t WHERE v = ?`, "a")
}

func TestMkdirTempInDir(t *testing.T) {
	parent := t.TempDir()
	dir := MkdirTempInDir(t, parent)
	assert.Equal(t, parent, filepath.Dir(dir))
	RequireEmptyDir(t, dir)
	require.NoError(t, os.RemoveAll(dir))
	RequireNotExists(t, dir)
}

func TestTempFile(t *testing.T) {
	path := TempFile(t, "hello")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}
