package database

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"time"

	"github.com/coder/retry"
	"go.nhat.io/otelsql"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// ConnectOptions configures Connect.
type ConnectOptions struct {
	// Driver is the registered database/sql driver name. Defaults to
	// "postgres".
	Driver string
	// Trace wraps the driver with OpenTelemetry instrumentation. Query
	// arguments are never recorded: they carry key material.
	Trace bool
	// PingTimeout bounds how long Connect retries an unreachable database.
	PingTimeout time.Duration
	// Migrate is run once the database is reachable.
	Migrate func(*sql.DB) error
}

// Connect opens a connection pool to postgresURL and waits until the server
// answers. It does not close the pool on success.
func Connect(ctx context.Context, logger slog.Logger, postgresURL string, opts ConnectOptions) (*sql.DB, error) {
	if opts.Driver == "" {
		opts.Driver = "postgres"
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 30 * time.Second
	}

	driver := opts.Driver
	if opts.Trace {
		var err error
		driver, err = otelsql.Register(driver,
			otelsql.TraceQueryWithoutArgs(),
			otelsql.WithDatabaseName(databaseName(postgresURL)),
		)
		if err != nil {
			return nil, xerrors.Errorf("register traced driver: %w", err)
		}
	}

	sqlDB, err := sql.Open(driver, postgresURL)
	if err != nil {
		return nil, xerrors.Errorf("dial postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	var pingErr error
	for r := retry.New(100*time.Millisecond, 2*time.Second); r.Wait(pingCtx); {
		pingErr = sqlDB.PingContext(pingCtx)
		if pingErr == nil {
			break
		}
		logger.Warn(ctx, "database not ready", slog.Error(pingErr))
	}
	if pingErr == nil {
		pingErr = pingCtx.Err()
	}
	if pingErr != nil {
		_ = sqlDB.Close()
		return nil, xerrors.Errorf("ping postgres: %w", pingErr)
	}

	var version string
	if err := sqlDB.QueryRowContext(ctx, "SHOW server_version_num;").Scan(&version); err != nil {
		_ = sqlDB.Close()
		return nil, xerrors.Errorf("get postgres version: %w", err)
	}
	logger.Debug(ctx, "connected to postgres", slog.F("server_version_num", version))

	if opts.Migrate != nil {
		if err := opts.Migrate(sqlDB); err != nil {
			_ = sqlDB.Close()
			return nil, xerrors.Errorf("migrate up: %w", err)
		}
	}
	return sqlDB, nil
}

func databaseName(postgresURL string) string {
	u, err := url.Parse(postgresURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}
