package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

//go:embed migrations/mysql/*.sql
var mysqlMigrations embed.FS

// runMigrations applies every pending goose migration embedded under
// migrations/<dir>, following the teacher's load-and-apply shape
// (internal/relay/store.go's migrate) but delegating tracking and ordering
// to goose instead of a hand-rolled schema_migrations table, adapted from
// silo-proxy's internal/db/migration.go RunMigrations.
func runMigrations(ctx context.Context, db *sql.DB, dialect goose.Dialect, embedded embed.FS, dir string) error {
	sub, err := fs.Sub(embedded, dir)
	if err != nil {
		return fmt.Errorf("sub fs for migrations/%s: %w", dir, err)
	}

	provider, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
