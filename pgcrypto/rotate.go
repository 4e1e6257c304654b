package pgcrypto

import (
	"context"
	"slices"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/pgcrypto/sqlxqueries"
)

// oldKeyPrefix renames the key parameters of the keys being replaced so both
// sets can be bound in one statement.
const oldKeyPrefix = "old_"

// RotateResult reports the re-encrypted columns of one table.
type RotateResult struct {
	Table   string
	Columns []string
	Rows    int64
}

// Rotate re-encrypts the PGP columns of tables from the old keys to the new
// ones. Values are decrypted and encrypted again inside PostgreSQL, in one
// transaction holding the rotation lock, so plaintext never leaves the
// database. The keyring records the new keys and revokes the old ones.
//
// Hash columns are skipped: their plaintext cannot be recovered.
func Rotate(ctx context.Context, logger slog.Logger, db database.Store, tables []Table, from, to Keys) ([]RotateResult, error) {
	rotate := map[Cipher]bool{
		CipherPGPPublic:    strings.TrimSpace(from.PublicKey) != strings.TrimSpace(to.PublicKey),
		CipherPGPSymmetric: from.Passphrase != to.Passphrase,
	}

	var used []Cipher
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return nil, xerrors.Errorf("invalid table %q: %w", t.Name, err)
		}
		for _, c := range t.Columns {
			switch {
			case c.Cipher == CipherHMAC && from.HMACKey != to.HMACKey:
				logger.Warn(ctx, "hmac column cannot be rotated, existing values keep the old key",
					slog.F("table", t.Name), slog.F("column", c.Name))
			case !c.Cipher.Decryptable() && from.Digest() != to.Digest():
				logger.Warn(ctx, "hash column cannot be rotated, existing values keep the old algorithm",
					slog.F("table", t.Name), slog.F("column", c.Name))
			case rotate[c.Cipher]:
				used = append(used, c.Cipher)
			}
		}
	}
	if err := from.Validate(used...); err != nil {
		return nil, xerrors.Errorf("invalid old keys: %w", err)
	}
	if err := to.Validate(used...); err != nil {
		return nil, xerrors.Errorf("invalid new keys: %w", err)
	}
	if len(used) == 0 {
		logger.Info(ctx, "no encrypted column uses a changed key, nothing to rotate")
		return nil, nil
	}

	var results []RotateResult
	err := db.InTx(func(tx database.Store) error {
		results = results[:0]
		if err := acquireLock(ctx, tx, database.LockIDKeyRotation); err != nil {
			return err
		}
		for _, t := range tables {
			result, err := rotateTable(ctx, tx, t, rotate, from, to)
			if err != nil {
				return xerrors.Errorf("rotate %s: %w", t.Name, err)
			}
			if len(result.Columns) == 0 {
				continue
			}
			logger.Info(ctx, "rotated table keys",
				slog.F("table", t.Name), slog.F("columns", result.Columns), slog.F("rows", result.Rows))
			results = append(results, result)
		}

		for _, c := range []Cipher{CipherPGPPublic, CipherPGPSymmetric} {
			if !rotate[c] || !slices.Contains(used, c) {
				continue
			}
			if err := registerKey(ctx, tx, to, c); err != nil {
				return xerrors.Errorf("register new %s key: %w", c, err)
			}
			revoked, err := revokeKey(ctx, tx, from, c)
			if err != nil {
				return xerrors.Errorf("revoke old %s key: %w", c, err)
			}
			if !revoked {
				logger.Warn(ctx, "old key was never registered", slog.F("cipher", c))
			}
		}
		return nil
	}, database.DefaultTXOptions().WithID("rotate_keys"))
	if err != nil {
		return nil, err
	}
	return results, nil
}

func rotateTable(ctx context.Context, db database.Store, t Table, rotate map[Cipher]bool, from, to Keys) (RotateResult, error) {
	result := RotateResult{Table: t.Name}
	params := sqlxqueries.WriteParams{Table: t.Name, PK: t.PK()}
	for _, c := range t.Columns {
		if !c.Cipher.Decryptable() || !rotate[c.Cipher] {
			continue
		}
		decrypted := DecryptSQL(c.Cipher, pq.QuoteIdentifier(c.Name), from.PrivateKeyPassphrase != "")
		decrypted = strings.ReplaceAll(decrypted, "@pgcrypto_", "@"+oldKeyPrefix+"pgcrypto_")
		params.Set = append(params.Set, sqlxqueries.Assignment{
			Column: c.Name,
			SQL:    EncryptSQL(c.Cipher, KindText, decrypted),
		})
		result.Columns = append(result.Columns, c.Name)
	}
	if len(params.Set) == 0 {
		return result, nil
	}

	query, err := sqlxqueries.Rotate(params)
	if err != nil {
		return result, err
	}
	args := to.BindArgs()
	for name, v := range from.BindArgs() {
		args[oldKeyPrefix+name] = v
	}
	bound, bindArgs, err := database.BindNamed(query, args)
	if err != nil {
		return result, xerrors.Errorf("bind: %w", err)
	}
	res, err := db.ExecContext(ctx, bound, bindArgs...)
	if err != nil {
		return result, mapDBError(err)
	}
	result.Rows, err = res.RowsAffected()
	if err != nil {
		return result, xerrors.Errorf("rows affected: %w", err)
	}
	return result, nil
}
