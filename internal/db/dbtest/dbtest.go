// Package dbtest opens migrated throwaway databases for repository tests.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"tracklist-api/backend/internal/db"
	"tracklist-api/backend/internal/db/migrate"
)

// OpenSQLite migrates a fresh SQLite file in t's temp dir and returns an open handle to it.
// The handle is closed when the test ends.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.db")
	if err := migrate.Run(db.DriverSQLite, path, "up"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	conn, err := db.Open(context.Background(), db.DriverSQLite, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// InsertUser adds a users row so ledger rows referencing id satisfy the foreign key.
func InsertUser(t testing.TB, conn *sql.DB, id, email string) {
	t.Helper()
	_, err := conn.Exec(
		`INSERT INTO users (id, email, password_hash, role, status, created_at) VALUES (?, ?, 'x', 'user', 'active', ?)`,
		id, email, db.Dialect{Driver: db.DriverSQLite}.Time(time.Now()),
	)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}
