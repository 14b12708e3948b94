package config

import (
	"fmt"
	"sync"
)

// Recognised keys of the process-wide storage settings.
const (
	KeyStorageLocation = "storage_location"
	KeyDebugLogging    = "debug_logging"
)

// Settings is the explicit storage configuration threaded through connectors.
type Settings struct {
	StorageLocation string
	DebugLogging    bool
}

// Overrides holds the values to write on Apply. Nil fields are left untouched.
type Overrides struct {
	StorageLocation *string
	DebugLogging    *bool
}

// Set assigns an override by its config key.
func (o *Overrides) Set(key string, value any) error {
	switch key {
	case KeyStorageLocation:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("config key %s expects string, got %T", key, value)
		}
		o.StorageLocation = &v
	case KeyDebugLogging:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config key %s expects bool, got %T", key, value)
		}
		o.DebugLogging = &v
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// Store is a mutable holder for process-wide storage settings.
//
// The mutex only keeps reads and writes memory safe. Two scopes redirecting
// the same Store at the same time will still clobber each other; parallel
// tests should thread Settings explicitly instead of reading a Store.
type Store struct {
	mu       sync.Mutex
	settings Settings
}

// Global is the process-wide settings store read by code that has not been
// handed explicit Settings.
var Global = NewStore(DefaultConfig().Settings())

func NewStore(settings Settings) *Store {
	return &Store{settings: settings}
}

// Settings returns a copy of the current values.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Apply snapshots every recognised key and writes the overrides.
func (s *Store) Apply(overrides Overrides) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &Snapshot{store: s, prior: s.settings}
	if overrides.StorageLocation != nil {
		s.settings.StorageLocation = *overrides.StorageLocation
	}
	if overrides.DebugLogging != nil {
		s.settings.DebugLogging = *overrides.DebugLogging
	}
	return snap
}

// Snapshot remembers the values a Store held before an Apply.
type Snapshot struct {
	store *Store
	prior Settings
	once  sync.Once
}

// Prior returns the values captured by the snapshot.
func (s *Snapshot) Prior() Settings {
	return s.prior
}

// Restore writes the captured values back. Only the first Restore or Keep
// call has any effect.
func (s *Snapshot) Restore() {
	s.once.Do(func() {
		s.store.mu.Lock()
		s.store.settings = s.prior
		s.store.mu.Unlock()
	})
}

// Keep abandons the snapshot so the override persists for the session.
func (s *Snapshot) Keep() {
	s.once.Do(func() {})
}
