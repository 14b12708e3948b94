package db

import (
	"context"
	"log/slog"

	"github.com/therronjordan/Qcodes/internal/config"
)

// Connector opens connections to one configured database. It is handed to
// domain code in place of a process-wide default location.
type Connector struct {
	Path    string
	Options Options
}

// NewConnector binds settings to a registry. Connections it opens are owned
// by reg until closed.
func NewConnector(settings config.Settings, reg *Registry, logger *slog.Logger) Connector {
	return Connector{
		Path: settings.StorageLocation,
		Options: Options{
			Debug:    settings.DebugLogging,
			Logger:   logger,
			Registry: reg,
		},
	}
}

// Connect opens a new handle on the configured database.
func (c Connector) Connect() (*Conn, error) {
	return Open(c.Path, c.Options)
}

// InitialiseDatabase opens the configured database, applies all migrations
// and closes the connection again.
func InitialiseDatabase(ctx context.Context, c Connector) error {
	conn, err := c.Connect()
	if err != nil {
		return err
	}
	if err := Initialise(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}
	return conn.Close()
}
