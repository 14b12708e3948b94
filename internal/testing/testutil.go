// Package testing provides shared test utilities for the dataset storage layer.
//
// Key utilities:
//   - Filesystem helpers: TempFile, MkdirTempInDir, RequireNotExists, FileDigest
//   - SQLite helpers: WriteSQLiteFile, OpenTestDB, RequireRowCount
//   - Test constants: FixedTime, TestExperiment, TestSample, TestDataset
//
// The package is designed to work with github.com/stretchr/testify for
// assertions. It must not import the db package, whose own tests use it.
package testing

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Names the fixtures use by default.
const (
	TestExperiment = "test-experiment"
	TestSample     = "test-sample"
	TestDataset    = "test-dataset"
)

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testfile")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "failed to write temp file")
	return path
}

// MkdirTempInDir creates a temporary directory under the given parent directory.
//
// Unlike t.TempDir(), which doesn't allow specifying the parent, this function
// creates a temporary directory as a subdirectory of parentDir. The directory
// is automatically cleaned up when the test completes.
func MkdirTempInDir(t *testing.T, parentDir string) string {
	t.Helper()
	path, err := os.MkdirTemp(parentDir, "testdir*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		_ = os.RemoveAll(path)
	})
	return path
}

// RequireNotExists asserts that nothing exists at path.
func RequireNotExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	require.Truef(t, os.IsNotExist(err), "expected %s to be gone, stat err=%v", path, err)
}

// RequireExists asserts that path exists.
func RequireExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	require.NoErrorf(t, err, "expected %s to exist", path)
}

// RequireEmptyDir asserts that dir exists and has no entries.
func RequireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Empty(t, names, "expected %s to be empty", dir)
}

// FileDigest returns the hex SHA-256 of the file at path.
func FileDigest(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	h := sha256.New()
	_, err = io.Copy(h, f)
	require.NoError(t, err)
	return hex.EncodeToString(h.Sum(nil))
}

// WriteSQLiteFile creates a SQLite database at path, runs statements against
// it and closes it again. Use it to build version-pinned fixture files.
func WriteSQLiteFile(t *testing.T, path string, statements ...string) string {
	t.Helper()
	conn, err := sql.Open("sqlite", path)
	require.NoError(t, err, "failed to open fixture database")
	defer conn.Close()
	for _, stmt := range statements {
		_, err := conn.Exec(stmt)
		require.NoError(t, err, "fixture statement failed: %s", stmt)
	}
	return path
}

// OpenTestDB opens a test SQLite database in a temporary directory.
// The database is automatically closed and removed when the test completes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	conn, err := sql.Open("sqlite", path)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

// RequireRowCount asserts the number of rows returned by a COUNT query.
func RequireRowCount(t *testing.T, conn *sql.DB, expected int, query string, args ...any) {
	t.Helper()
	var count int
	require.NoError(t, conn.QueryRow(query, args...).Scan(&count), "failed to query rows")
	require.Equal(t, expected, count, "row count mismatch for %q", query)
}
