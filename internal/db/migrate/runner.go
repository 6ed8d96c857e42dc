// Package migrate runs database migrations from embedded SQL files using golang-migrate.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tracklist-api/backend/internal/db"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrNoChange is returned when Up/Down has nothing to do (already at target version).
var ErrNoChange = migrate.ErrNoChange

// Run applies migrations in the given direction for driver ("pgx" or "sqlite") using the provided DSN.
// direction must be "up" or "down". Returns nil on success, including when already at the target
// version; other errors for DB or I/O failures.
func Run(driver, dsn, direction string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
	if driver != db.DriverPostgres && driver != db.DriverSQLite {
		return fmt.Errorf("unsupported driver %q", driver)
	}

	sourceDriver, err := iofs.New(db.MigrationFS, db.MigrationDir(driver))
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	conn, err := sql.Open(driver, db.NormalizeDSN(driver, dsn))
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	var target database.Driver
	switch driver {
	case db.DriverSQLite:
		target, err = sqlite.WithInstance(conn, &sqlite.Config{})
	default:
		target, err = postgres.WithInstance(conn, &postgres.Config{})
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, driver, target)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	// Closes both the source and the database handle.
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	}
	return nil
}
