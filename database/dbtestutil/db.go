// Package dbtestutil provides real PostgreSQL databases for tests.
package dbtestutil

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq" // register the postgres driver
	"github.com/stretchr/testify/require"

	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/database/migrations"
)

// EnvConnectionURL points tests at an existing server instead of a fresh
// container. Each test still gets its own database on that server.
const EnvConnectionURL = "PGCRYPTO_PG_CONNECTION_URL"

// WillUsePostgres returns true if tests should run against a real database.
func WillUsePostgres() bool {
	return os.Getenv("DB") != ""
}

type options struct {
	migrate bool
}

type Option func(*options)

// WithoutMigrations leaves the database empty, without the pgcrypto
// extension.
func WithoutMigrations() Option {
	return func(o *options) {
		o.migrate = false
	}
}

// NewURL returns the URL of a fresh database, migrated unless
// WithoutMigrations is given. Tests calling it are skipped unless
// WillUsePostgres is true.
func NewURL(t testing.TB, opts ...Option) string {
	t.Helper()

	if !WillUsePostgres() {
		t.Skip("set DB=ci to run tests against PostgreSQL")
	}

	o := options{migrate: true}
	for _, opt := range opts {
		opt(&o)
	}

	serverURL := os.Getenv(EnvConnectionURL)
	if serverURL == "" {
		var (
			err     error
			closePg func()
		)
		serverURL, closePg, err = OpenContainer()
		require.NoError(t, err)
		t.Cleanup(closePg)
	}

	dbURL, dropDB, err := CreateDatabase(serverURL)
	require.NoError(t, err)
	t.Cleanup(dropDB)

	if o.migrate {
		sqlDB, err := sql.Open("postgres", dbURL)
		require.NoError(t, err)
		defer sqlDB.Close()
		require.NoError(t, migrations.Up(sqlDB))
	}
	return dbURL
}

// NewSQLDB returns a connection to a fresh database, see NewURL.
func NewSQLDB(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()

	sqlDB, err := sql.Open("postgres", NewURL(t, opts...))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return sqlDB
}

// NewDB returns a Store backed by a fresh, migrated database along with the
// raw connection for assertions that bypass the Store.
func NewDB(t testing.TB, opts ...Option) (database.Store, *sql.DB) {
	t.Helper()

	sqlDB := NewSQLDB(t, opts...)
	return database.New(sqlDB), sqlDB
}
