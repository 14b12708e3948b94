package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therronjordan/Qcodes/internal/config"
	"github.com/therronjordan/Qcodes/internal/logging"
)

func TestNewConnector(t *testing.T) {
	reg := NewRegistry(logging.Discard())
	logger := logging.Discard()
	c := NewConnector(config.Settings{StorageLocation: "/tmp/x.db", DebugLogging: true}, reg, logger)
	assert.Equal(t, "/tmp/x.db", c.Path)
	assert.True(t, c.Options.Debug)
	assert.Same(t, reg, c.Options.Registry)
	assert.Same(t, logger, c.Options.Logger)
}

func TestInitialiseDatabase(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(logging.Discard())
	path := filepath.Join(t.TempDir(), "temp.db")
	c := NewConnector(config.Settings{StorageLocation: path}, reg, logging.Discard())

	require.NoError(t, InitialiseDatabase(ctx, c))
	_, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len(), "initialisation must release its connection")

	conn, err := c.Connect()
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, reg.ID(), conn.ScopeID())
	version, err := SchemaVersion(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion(), version)
}

func TestInitialiseDatabaseConnectionError(t *testing.T) {
	c := Connector{Path: filepath.Join(t.TempDir(), "missing", "temp.db")}
	err := InitialiseDatabase(context.Background(), c)
	assert.ErrorIs(t, err, ErrConnection)
}
