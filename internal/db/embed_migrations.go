package db

import "embed"

// MigrationFS embeds the per-dialect SQL migrations under internal/db/migrations.
// Used by the migrate runner (cmd/migrate and tests) to apply migrations.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var MigrationFS embed.FS

// MigrationDir returns the directory inside MigrationFS holding migrations for driver.
func MigrationDir(driver string) string {
	if driver == DriverSQLite {
		return "migrations/sqlite"
	}
	return "migrations/postgres"
}
