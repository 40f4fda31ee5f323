package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/eventlane/pkg/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed checkpoint_migrations/*.sql
var checkpointMigrationsFS embed.FS

// runMigrations applies the event log schema.
func runMigrations(ctx context.Context, db *sql.DB) error {
	return migrateFS(ctx, db, "schema_migrations", migrationsFS, "migrations")
}

// runCheckpointMigrations applies the checkpoint schema. It is tracked separately so the
// checkpoint store can live in a different database than the event log.
func runCheckpointMigrations(ctx context.Context, db *sql.DB) error {
	return migrateFS(ctx, db, "checkpoint_schema_migrations", checkpointMigrationsFS, "checkpoint_migrations")
}

func migrateFS(ctx context.Context, db *sql.DB, table string, fsys embed.FS, dir string) error {
	m := migrate.New(db, table)
	if err := m.LoadFromFS(fsys, dir); err != nil {
		return fmt.Errorf("failed to load %s: %w", dir, err)
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to run %s: %w", dir, err)
	}
	return nil
}
