package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsTable keeps the engine's schema version apart from any other
// application sharing the database.
const MigrationsTable = "settlement_schema_migrations"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Result reports the schema version after Up.
type Result struct {
	Version uint
	Changed bool
}

// Up applies the embedded postgres schema for rates, payments and transfer
// verifications. The migrator is not closed: that would close db.
func Up(db *sql.DB) (Result, error) {
	migrator, err := newMigrator(db)
	if err != nil {
		return Result{}, err
	}

	before, _, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Result{}, fmt.Errorf("read schema version: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Result{}, fmt.Errorf("apply migrations: %w", err)
	}

	after, dirty, err := migrator.Version()
	if err != nil {
		return Result{}, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return Result{}, fmt.Errorf("schema version %d is dirty", after)
	}
	return Result{Version: after, Changed: after != before}, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("migration database handle is required")
	}
	sub, err := fs.Sub(embeddedMigrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}
