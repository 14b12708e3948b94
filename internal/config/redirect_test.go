package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestStoreApplyRestore(t *testing.T) {
	store := NewStore(Settings{StorageLocation: "/home/user/experiments.db"})

	snap := store.Apply(Overrides{StorageLocation: strPtr("/tmp/x/temp.db"), DebugLogging: boolPtr(true)})
	assert.Equal(t, Settings{StorageLocation: "/tmp/x/temp.db", DebugLogging: true}, store.Settings())
	assert.Equal(t, Settings{StorageLocation: "/home/user/experiments.db"}, snap.Prior())

	snap.Restore()
	assert.Equal(t, Settings{StorageLocation: "/home/user/experiments.db"}, store.Settings())

	// Restoring twice must not clobber later writes.
	store.Apply(Overrides{DebugLogging: boolPtr(true)})
	snap.Restore()
	assert.True(t, store.Settings().DebugLogging)
}

func TestStoreApplyLeavesUnsetKeys(t *testing.T) {
	store := NewStore(Settings{StorageLocation: "/a.db", DebugLogging: true})
	snap := store.Apply(Overrides{StorageLocation: strPtr("/b.db")})
	assert.Equal(t, Settings{StorageLocation: "/b.db", DebugLogging: true}, store.Settings())
	snap.Restore()
	assert.Equal(t, Settings{StorageLocation: "/a.db", DebugLogging: true}, store.Settings())
}

func TestStoreNestedSnapshotsLIFO(t *testing.T) {
	store := NewStore(Settings{StorageLocation: "/orig.db"})
	outer := store.Apply(Overrides{StorageLocation: strPtr("/outer.db")})
	inner := store.Apply(Overrides{StorageLocation: strPtr("/inner.db"), DebugLogging: boolPtr(true)})
	assert.Equal(t, "/inner.db", store.Settings().StorageLocation)

	inner.Restore()
	assert.Equal(t, Settings{StorageLocation: "/outer.db"}, store.Settings())
	outer.Restore()
	assert.Equal(t, Settings{StorageLocation: "/orig.db"}, store.Settings())
}

func TestSnapshotKeep(t *testing.T) {
	store := NewStore(Settings{StorageLocation: "/orig.db"})
	snap := store.Apply(Overrides{StorageLocation: strPtr("/session.db")})
	snap.Keep()
	snap.Restore()
	assert.Equal(t, "/session.db", store.Settings().StorageLocation)
}

func TestOverridesSet(t *testing.T) {
	var o Overrides
	require.NoError(t, o.Set(KeyStorageLocation, "/x.db"))
	require.NoError(t, o.Set(KeyDebugLogging, true))
	assert.Equal(t, "/x.db", *o.StorageLocation)
	assert.True(t, *o.DebugLogging)

	assert.EqualError(t, o.Set(KeyDebugLogging, "yes"), "config key debug_logging expects bool, got string")
	assert.EqualError(t, o.Set(KeyStorageLocation, 3), "config key storage_location expects string, got int")
	assert.EqualError(t, o.Set("db_location", "/x.db"), `unknown config key "db_location"`)
}
