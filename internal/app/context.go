// Package app wires a workspace together: database, migrations, config and
// engine. The CLI, the server and the tests all boot through it.
package app

import (
	"database/sql"
	"fmt"

	"settleline/internal/config"
	"settleline/internal/db"
	"settleline/internal/engine"
	"settleline/internal/migrate"
)

type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open boots the workspace: ensures the database exists and is migrated,
// loads settleline.yml (falling back to defaults when absent) and builds the
// engine on top.
func Open(workspace, marketID string) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace, marketID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
