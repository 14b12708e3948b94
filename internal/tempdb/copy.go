package tempdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/therronjordan/Qcodes/internal/db"
)

const copyName = "temp.db"

// SQLite files that belong to a database and must travel with it.
var sidecarSuffixes = []string{"-wal", "-journal"}

// CopyOptions configures CopyDB.
type CopyOptions struct {
	// Identities decrypt sources ending in .age.
	Identities []age.Identity
	// Upgrade applies pending schema migrations to the copy.
	Upgrade bool
}

// CopiedDB is a private, writable copy of a fixture database.
type CopiedDB struct {
	scope  *Scope
	dir    *EphemeralDir
	source string
	conn   *db.Conn
}

// CopyDB copies source into a fresh directory and opens a connection to the
// copy. The source is only ever read. Mode and modification time are carried
// over, as are -wal and -journal files next to the source.
func CopyDB(ctx context.Context, env Env, source string, opts CopyOptions) (*CopiedDB, error) {
	env = env.withDefaults(ctx)
	scope := NewScope(env.Logger, env.Suite)
	dir, err := acquireDir(env, scope)
	if err != nil {
		return nil, scope.unwind("directory", err)
	}
	path := dir.Join(copyName)
	if err := copySource(source, path, opts.Identities); err != nil {
		return nil, scope.unwind("copy", err)
	}
	conn, err := db.Open(path, db.Options{
		Debug:    *env.Debug,
		Logger:   env.Logger,
		Registry: scope.Registry(),
	})
	if err != nil {
		return nil, scope.unwind("connection", err)
	}
	scope.Defer("close connection", conn.Close)
	if opts.Upgrade {
		if err := db.Initialise(ctx, conn); err != nil {
			return nil, scope.unwind("upgrade", err)
		}
	}
	env.Logger.Debug("tempdb: copied database", "scope", scope.ID(), "source", source, "copy", path)
	return &CopiedDB{scope: scope, dir: dir, source: source, conn: conn}, nil
}

// WithCopiedDB runs fn against a copy of source and always tears the copy
// down afterwards. An error from fn is returned in preference to teardown
// errors, which are still logged and recorded in the suite.
func WithCopiedDB(ctx context.Context, env Env, source string, opts CopyOptions, fn func(*db.Conn) error) (err error) {
	env = env.withDefaults(ctx)
	cp, err := CopyDB(ctx, env, source, opts)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := cp.Close()
		if closeErr == nil {
			return
		}
		if err == nil {
			err = closeErr
			return
		}
		env.Logger.Warn("tempdb: teardown failed after body error", "source", source, "error", closeErr)
	}()
	return fn(cp.Conn())
}

func (c *CopiedDB) Conn() *db.Conn { return c.conn }
func (c *CopiedDB) Dir() string    { return c.dir.Path() }
func (c *CopiedDB) Path() string   { return c.dir.Join(copyName) }
func (c *CopiedDB) Source() string { return c.source }
func (c *CopiedDB) Scope() *Scope  { return c.scope }

// Close closes the connection, sweeps and removes the copy.
func (c *CopiedDB) Close() error {
	return c.scope.Close()
}

func copySource(source, dst string, identities []age.Identity) error {
	if strings.HasSuffix(strings.ToLower(source), ".age") {
		return decryptFile(source, dst, identities)
	}
	if err := copyFile(source, dst); err != nil {
		return err
	}
	for _, suffix := range sidecarSuffixes {
		err := copyFile(source+suffix, dst+suffix)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// copyFile copies contents, permission bits and modification time.
func copyFile(source, dst string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open source %s: %w", source, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source %s: %w", source, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("source %s is not a regular file", source)
	}
	return writeCopy(in, dst, info)
}

func decryptFile(source, dst string, identities []age.Identity) error {
	if len(identities) == 0 {
		return fmt.Errorf("age identities are required for %s", source)
	}
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open source %s: %w", source, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source %s: %w", source, err)
	}
	reader, err := age.Decrypt(in, identities...)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", source, err)
	}
	return writeCopy(reader, dst, info)
}

func writeCopy(r io.Reader, dst string, info os.FileInfo) error {
	perm := info.Mode().Perm()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create copy %s: %w", dst, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close copy %s: %w", dst, err)
	}
	// OpenFile applies the umask.
	if err := os.Chmod(dst, perm); err != nil {
		return fmt.Errorf("chmod copy %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, time.Time{}, info.ModTime()); err != nil {
		return fmt.Errorf("chtimes copy %s: %w", dst, err)
	}
	return nil
}
