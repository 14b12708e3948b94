package tempdb

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therronjordan/Qcodes/internal/db"
	testutil "github.com/therronjordan/Qcodes/internal/testing"
)

// writeFixture builds a small pre-migration database the way checked-in
// fixtures look: a runs table and nothing else.
func writeFixture(t *testing.T, dir, name string) string {
	t.Helper()
	path := testutil.WriteSQLiteFile(t, filepath.Join(dir, name),
		`CREATE TABLE runs (run_id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`INSERT INTO runs (name) VALUES ('fixture-run')`,
	)
	require.NoError(t, os.Chmod(path, 0o640))
	require.NoError(t, os.Chtimes(path, testutil.FixedTime, testutil.FixedTime))
	return path
}

func countRows(t *testing.T, conn *db.Conn) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM runs`).Scan(&n))
	return n
}

func TestCopyDBLeavesSourceUntouched(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	source := writeFixture(t, t.TempDir(), "v1.db")
	digest := testutil.FileDigest(t, source)

	cp, err := CopyDB(ctx, env.Env, source, CopyOptions{})
	require.NoError(t, err)
	assert.Equal(t, source, cp.Source())
	assert.Equal(t, filepath.Join(cp.Dir(), "temp.db"), cp.Path())
	assert.Equal(t, cp.Path(), cp.Conn().Path())
	testutil.RequireExists(t, cp.Dir())

	_, err = cp.Conn().ExecContext(ctx, `INSERT INTO runs (name) VALUES ('scratch')`)
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, cp.Conn()))

	require.NoError(t, cp.Close())
	testutil.RequireNotExists(t, cp.Dir())
	testutil.RequireEmptyDir(t, env.root)
	assert.Equal(t, digest, testutil.FileDigest(t, source))
	_, err = cp.Conn().ExecContext(ctx, `SELECT 1`)
	assert.ErrorIs(t, err, db.ErrHandleClosed)
}

func TestCopyDBPreservesModeAndModTime(t *testing.T) {
	env := newTestEnv(t)
	source := writeFixture(t, t.TempDir(), "v2.db")

	cp, err := CopyDB(context.Background(), env.Env, source, CopyOptions{})
	require.NoError(t, err)
	defer cp.Close()

	info, err := os.Stat(cp.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(testutil.FixedTime), "mtime %s", info.ModTime())
}

func TestCopyDBDroppedHandleIsReclaimed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	source := writeFixture(t, t.TempDir(), "v1.db")

	func() {
		cp, err := CopyDB(ctx, env.Env, source, CopyOptions{})
		require.NoError(t, err)
		// A second handle on the copy, opened under the copy's scope and dropped.
		_, err = db.Open(cp.Path(), db.Options{Registry: cp.Scope().Registry()})
		require.NoError(t, err)
		require.NoError(t, cp.Close())
	}()

	testutil.RequireEmptyDir(t, env.root)
	assert.Equal(t, 1, env.suite.Summary().Reclaimed)
	assert.Empty(t, env.suite.Failures())
}

func TestCopyDBUpgrade(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	source := testutil.WriteSQLiteFile(t, filepath.Join(t.TempDir(), "empty.db"), `CREATE TABLE notes (body TEXT)`)

	cp, err := CopyDB(ctx, env.Env, source, CopyOptions{Upgrade: true})
	require.NoError(t, err)
	defer cp.Close()

	version, err := db.SchemaVersion(ctx, cp.Conn())
	require.NoError(t, err)
	assert.Equal(t, db.LatestSchemaVersion(), version)
}

func TestCopyDBMissingSource(t *testing.T) {
	env := newTestEnv(t)
	_, err := CopyDB(context.Background(), env.Env, filepath.Join(t.TempDir(), "nope.db"), CopyOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	var layerErr *LayerError
	require.ErrorAs(t, err, &layerErr)
	assert.Equal(t, "copy", layerErr.Layer)
	testutil.RequireEmptyDir(t, env.root)
}

func TestCopyDBRejectsDirectorySource(t *testing.T) {
	env := newTestEnv(t)
	_, err := CopyDB(context.Background(), env.Env, t.TempDir(), CopyOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a regular file")
	testutil.RequireEmptyDir(t, env.root)
}

func TestCopySourceCopiesSidecars(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	source := filepath.Join(srcDir, "v3.db")
	require.NoError(t, os.WriteFile(source, []byte("main"), 0o644))
	require.NoError(t, os.WriteFile(source+"-wal", []byte("wal"), 0o644))

	dst := filepath.Join(dstDir, "temp.db")
	require.NoError(t, copySource(source, dst, nil))

	assert.Equal(t, testutil.FileDigest(t, source), testutil.FileDigest(t, dst))
	assert.Equal(t, testutil.FileDigest(t, source+"-wal"), testutil.FileDigest(t, dst+"-wal"))
	testutil.RequireNotExists(t, dst+"-journal")
}

func encryptFile(t *testing.T, plainPath, encPath string, recipient age.Recipient) {
	t.Helper()
	plain, err := os.ReadFile(plainPath)
	require.NoError(t, err)
	var encrypted bytes.Buffer
	writer, err := age.Encrypt(&encrypted, recipient)
	require.NoError(t, err)
	_, err = writer.Write(plain)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NoError(t, os.WriteFile(encPath, encrypted.Bytes(), 0o600))
}

func TestCopyDBDecryptsAgeSource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	dir := t.TempDir()
	plain := writeFixture(t, dir, "v1.db")

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	encPath := filepath.Join(dir, "v1.db.age")
	encryptFile(t, plain, encPath, identity.Recipient())

	keyPath := filepath.Join(dir, "age.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("# fixture key\n"+identity.String()+"\n"), 0o600))
	identities, err := LoadIdentities(keyPath)
	require.NoError(t, err)
	require.Len(t, identities, 1)

	err = WithCopiedDB(ctx, env.Env, encPath, CopyOptions{Identities: identities}, func(conn *db.Conn) error {
		assert.Equal(t, 1, countRows(t, conn))
		return nil
	})
	require.NoError(t, err)
	testutil.RequireEmptyDir(t, env.root)

	_, err = CopyDB(ctx, env.Env, encPath, CopyOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "age identities are required")

	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	_, err = CopyDB(ctx, env.Env, encPath, CopyOptions{Identities: []age.Identity{other}})
	require.Error(t, err)
	testutil.RequireEmptyDir(t, env.root)
}

func TestLoadIdentitiesErrors(t *testing.T) {
	dir := t.TempDir()

	open := filepath.Join(dir, "open.key")
	require.NoError(t, os.WriteFile(open, []byte("AGE-SECRET-KEY-1X\n"), 0o644))
	_, err := LoadIdentities(open)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group or others")

	empty := filepath.Join(dir, "empty.key")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing here\n"), 0o600))
	_, err = LoadIdentities(empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no age identities found")

	bad := filepath.Join(dir, "bad.key")
	require.NoError(t, os.WriteFile(bad, []byte("AGE-SECRET-KEY-NOTAKEY\n"), 0o600))
	_, err = LoadIdentities(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse age identity")
}

func TestWithCopiedDBBodyErrorWins(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	source := writeFixture(t, t.TempDir(), "v1.db")
	bodyErr := errors.New("assertion failed")

	var copyDir string
	err := WithCopiedDB(ctx, env.Env, source, CopyOptions{}, func(conn *db.Conn) error {
		copyDir = filepath.Dir(conn.Path())
		swapRemoveAll(t, func(string) error { return errors.New("busy") })
		return bodyErr
	})
	assert.Same(t, bodyErr, err)
	assert.Equal(t, 1, env.suite.Summary().CleanupFailures)

	removeAll = os.RemoveAll
	require.NoError(t, os.RemoveAll(copyDir))
}

func TestWithCopiedDBTeardownError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	source := writeFixture(t, t.TempDir(), "v1.db")

	var copyDir string
	err := WithCopiedDB(ctx, env.Env, source, CopyOptions{}, func(conn *db.Conn) error {
		copyDir = filepath.Dir(conn.Path())
		swapRemoveAll(t, func(string) error { return errors.New("busy") })
		return nil
	})
	assert.ErrorIs(t, err, ErrCleanupFailed)

	removeAll = os.RemoveAll
	require.NoError(t, os.RemoveAll(copyDir))
}

func TestWithCopiedDBPanicStillTearsDown(t *testing.T) {
	env := newTestEnv(t)
	source := writeFixture(t, t.TempDir(), "v1.db")

	var conn *db.Conn
	assert.Panics(t, func() {
		_ = WithCopiedDB(context.Background(), env.Env, source, CopyOptions{}, func(c *db.Conn) error {
			conn = c
			panic("boom")
		})
	})
	require.NotNil(t, conn)
	assert.True(t, conn.Closed())
	testutil.RequireEmptyDir(t, env.root)
}

func TestCopyDBStampsNothingOnSource(t *testing.T) {
	env := newTestEnv(t)
	source := writeFixture(t, t.TempDir(), "v1.db")
	before, err := os.Stat(source)
	require.NoError(t, err)

	cp, err := CopyDB(context.Background(), env.Env, source, CopyOptions{})
	require.NoError(t, err)
	require.NoError(t, cp.Close())

	after, err := os.Stat(source)
	require.NoError(t, err)
	assert.True(t, before.ModTime().Equal(after.ModTime()))
	assert.Equal(t, before.Mode(), after.Mode())
}
