// Package db opens database handles and holds the SQL dialect helpers shared by repositories.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	// DriverPostgres is the database/sql name of the pgx stdlib driver.
	DriverPostgres = "pgx"
	// DriverSQLite is the database/sql name of the modernc SQLite driver.
	DriverSQLite = "sqlite"
)

// pingAttempts bounds connection retries at startup.
const pingAttempts = 5

// ErrEmptyDSN is returned when no DSN is configured.
var ErrEmptyDSN = errors.New("db: DATABASE_URL is not set")

// Open opens a connection for driver and pings it, retrying with exponential backoff while the
// database comes up. Caller must call Close when done.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrEmptyDSN
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, NormalizeDSN(driver, dsn))
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// One writer at a time; callers queue on the pool instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(pingAttempts))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NormalizeDSN adds the SQLite pragmas every connection needs. Postgres DSNs are returned as is.
func NormalizeDSN(driver, dsn string) string {
	if driver != DriverSQLite || strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
