// Package migrations installs the pgcrypto extension and the tables this
// module owns.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"golang.org/x/xerrors"
)

//go:embed *.sql
var migrations embed.FS

func setup(ctx context.Context, db *sql.DB, migs fs.FS) (source.Driver, *migrate.Migrate, error) {
	if migs == nil {
		migs = migrations
	}
	sourceDriver, err := iofs.New(migs, ".")
	if err != nil {
		return nil, nil, xerrors.Errorf("create iofs: %w", err)
	}

	// The postgres driver that ships with golang-migrate closes the DB when
	// the Migrate is closed, and does not run each step in one transaction.
	dbDriver := &pgTxnDriver{ctx: ctx, db: db}
	err = dbDriver.ensureVersionTable()
	if err != nil {
		return nil, nil, xerrors.Errorf("ensure version table: %w", err)
	}

	m, err := migrate.NewWithInstance("", sourceDriver, "", dbDriver)
	if err != nil {
		return nil, nil, xerrors.Errorf("new migrate instance: %w", err)
	}

	return sourceDriver, m, nil
}

// Up runs SQL migrations to ensure the database schema is up-to-date.
func Up(db *sql.DB) error {
	return UpWithFS(context.Background(), db, nil)
}

// UpWithFS runs the migrations found in migs, or the embedded migrations
// when migs is nil.
func UpWithFS(ctx context.Context, db *sql.DB, migs fs.FS) (retErr error) {
	_, m, err := setup(ctx, db, migs)
	if err != nil {
		return xerrors.Errorf("migrate setup: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if retErr != nil {
			return
		}
		if dbErr != nil {
			retErr = dbErr
			return
		}
		retErr = srcErr
	}()

	err = m.Up()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			// It's OK if no changes happened!
			return nil
		}

		return xerrors.Errorf("up: %w", err)
	}

	return nil
}

// Down runs all down SQL migrations.
func Down(db *sql.DB) error {
	_, m, err := setup(context.Background(), db, nil)
	if err != nil {
		return xerrors.Errorf("migrate setup: %w", err)
	}
	defer m.Close()

	err = m.Down()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			// It's OK if no changes happened!
			return nil
		}

		return xerrors.Errorf("down: %w", err)
	}

	return nil
}

// Current returns the applied migration version, or -1 if no migration has
// been applied yet.
func Current(db *sql.DB) (int, bool, error) {
	_, m, err := setup(context.Background(), db, nil)
	if err != nil {
		return 0, false, xerrors.Errorf("migrate setup: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return -1, false, nil
	}
	if err != nil {
		return 0, false, xerrors.Errorf("version: %w", err)
	}
	return int(version), dirty, nil
}

// Latest returns the newest migration version embedded in the binary.
func Latest() (uint, error) {
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return 0, xerrors.Errorf("create iofs: %w", err)
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		return 0, xerrors.Errorf("first: %w", err)
	}
	for {
		next, err := src.Next(version)
		if errors.Is(err, os.ErrNotExist) {
			return version, nil
		}
		if err != nil {
			return 0, xerrors.Errorf("next: %w", err)
		}
		version = next
	}
}
