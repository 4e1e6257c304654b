package pgcrypto

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/pgcrypto/sqlxqueries"
)

// keySentinel is encrypted with every registered key and stored in the
// pgcrypto_keys table. Decrypting it proves the configured keys match the
// ones data was written with.
const keySentinel = "pgcryptofields key check"

// ErrKeyRevoked is returned when a configured key was replaced by Rotate.
var ErrKeyRevoked = xerrors.New("key was revoked by a rotation")

// KeyringEntry is a row of the pgcrypto_keys table.
type KeyringEntry struct {
	// Digest is the public key fingerprint for pgp_pub and the sha256 of
	// the passphrase for pgp_sym.
	Digest    string       `db:"digest"`
	Cipher    Cipher       `db:"cipher"`
	CreatedAt time.Time    `db:"created_at"`
	RevokedAt sql.NullTime `db:"revoked_at"`
}

// EnsureKeys registers the keys of the decryptable ciphers the first time
// they are seen and verifies on later calls that they still decrypt what
// was registered. A mismatch is a *DecryptFailedError.
func EnsureKeys(ctx context.Context, logger slog.Logger, db database.Store, keys Keys, ciphers ...Cipher) error {
	var needed []Cipher
	for _, c := range ciphers {
		if c.Decryptable() && !slices.Contains(needed, c) {
			needed = append(needed, c)
		}
	}
	if err := keys.Validate(needed...); err != nil {
		return xerrors.Errorf("invalid keys: %w", err)
	}
	if len(needed) == 0 {
		return nil
	}

	return db.InTx(func(tx database.Store) error {
		if err := acquireLock(ctx, tx, database.LockIDEnsureKeys); err != nil {
			return err
		}
		for _, c := range needed {
			if err := ensureKey(ctx, logger, tx, keys, c); err != nil {
				return xerrors.Errorf("%s key: %w", c, err)
			}
		}
		return nil
	}, database.DefaultTXOptions().WithID("ensure_keys"))
}

func ensureKey(ctx context.Context, logger slog.Logger, db database.Store, keys Keys, c Cipher) error {
	id, err := keys.KeyID(c)
	if err != nil {
		return err
	}
	query, err := sqlxqueries.KeyringGet(sqlxqueries.KeyringParams{
		Decrypt: DecryptSQL(c, "test", keys.PrivateKeyPassphrase != ""),
	})
	if err != nil {
		return err
	}
	args := keys.BindArgs()
	args["digest"] = id
	bound, params, err := database.BindNamed(query, args)
	if err != nil {
		return xerrors.Errorf("bind: %w", err)
	}

	var row struct {
		Test      sql.NullString `db:"test"`
		RevokedAt sql.NullTime   `db:"revoked_at"`
	}
	err = db.GetContext(ctx, &row, bound, params...)
	if errors.Is(err, sql.ErrNoRows) {
		if err := registerKey(ctx, db, keys, c); err != nil {
			return err
		}
		logger.Info(ctx, "registered new key", slog.F("cipher", c), slog.F("key_id", id))
		return nil
	}
	if err != nil {
		return mapDBError(xerrors.Errorf("get key: %w", err))
	}
	if row.RevokedAt.Valid {
		return xerrors.Errorf("%s at %s: %w", id, row.RevokedAt.Time.Format(time.RFC3339), ErrKeyRevoked)
	}
	if !row.Test.Valid || row.Test.String != keySentinel {
		return &DecryptFailedError{Inner: xerrors.New("key check value does not match")}
	}
	logger.Debug(ctx, "verified key", slog.F("cipher", c), slog.F("key_id", id))
	return nil
}

// registerKey stores the sentinel encrypted with the key of c. Registering
// a key twice is a no-op.
func registerKey(ctx context.Context, db database.Store, keys Keys, c Cipher) error {
	id, err := keys.KeyID(c)
	if err != nil {
		return err
	}
	query, err := sqlxqueries.KeyringInsert(sqlxqueries.KeyringParams{
		Encrypt: EncryptSQL(c, KindText, "@v"),
	})
	if err != nil {
		return err
	}
	args := keys.BindArgs()
	args["digest"] = id
	args["cipher"] = string(c)
	args["v"] = keySentinel
	bound, params, err := database.BindNamed(query, args)
	if err != nil {
		return xerrors.Errorf("bind: %w", err)
	}
	if _, err := db.ExecContext(ctx, bound, params...); err != nil {
		return mapDBError(xerrors.Errorf("insert key: %w", err))
	}
	return nil
}

// revokeKey marks the key of c as replaced.
func revokeKey(ctx context.Context, db database.Store, keys Keys, c Cipher) (bool, error) {
	id, err := keys.KeyID(c)
	if err != nil {
		return false, err
	}
	query, err := sqlxqueries.KeyringRevoke()
	if err != nil {
		return false, err
	}
	bound, params, err := database.BindNamed(query, map[string]interface{}{"digest": id})
	if err != nil {
		return false, xerrors.Errorf("bind: %w", err)
	}
	res, err := db.ExecContext(ctx, bound, params...)
	if err != nil {
		return false, xerrors.Errorf("revoke key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListKeys returns every registered key, oldest first.
func ListKeys(ctx context.Context, db database.Store) ([]KeyringEntry, error) {
	query, err := sqlxqueries.KeyringList()
	if err != nil {
		return nil, err
	}
	var entries []KeyringEntry
	if err := db.SelectContext(ctx, &entries, query); err != nil {
		return nil, xerrors.Errorf("list keys: %w", err)
	}
	return entries, nil
}

func acquireLock(ctx context.Context, db database.Store, id int64) error {
	_, err := db.ExecContext(ctx, "-- name: AcquireLock :exec\nSELECT pg_advisory_xact_lock($1)", id)
	if err != nil {
		return xerrors.Errorf("acquire lock %d: %w", id, err)
	}
	return nil
}
