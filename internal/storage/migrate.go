package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// Migrate applies all pending migrations for the configured SQL driver and
// returns the resulting schema version. It uses its own connection, which is
// closed before returning.
func Migrate(ctx context.Context, cfg Config) (uint, error) {
	var (
		sqlDriver string
		dir       string
		name      string
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		sqlDriver, dir, name = "sqlite", "migrations/sqlite", "sqlite"
	case "postgres", "postgresql", "pg":
		sqlDriver, dir, name = "postgres", "migrations/postgres", "postgres"
	default:
		return 0, fmt.Errorf("migrations not supported for driver %q", cfg.Driver)
	}

	db, err := sql.Open(sqlDriver, cfg.Path)
	if err != nil {
		return 0, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return 0, fmt.Errorf("failed to connect for migration: %w", err)
	}

	source, err := iofs.New(migrationFS, dir)
	if err != nil {
		_ = db.Close()
		return 0, fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	if name == "sqlite" {
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
	} else {
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	}
	if err != nil {
		_ = db.Close()
		return 0, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, name, driver)
	if err != nil {
		_ = db.Close()
		return 0, fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migration failed: %w", err)
	}
	v, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, err
	}
	return v, nil
}
