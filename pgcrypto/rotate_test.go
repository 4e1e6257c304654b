package pgcrypto_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/pgcryptofields/pgcrypto"
	"github.com/coder/pgcryptofields/pgcrypto/pgcryptotest"
	"github.com/coder/pgcryptofields/testutil"
)

func TestRotate(t *testing.T) {
	t.Parallel()

	oldKeys := pgcryptotest.Keys(t)
	newKeys := pgcryptotest.OtherKeys(t)
	// Keep the hash key so hash columns stay comparable.
	newKeys.HMACKey = oldKeys.HMACKey

	env := setup(t, oldKeys)
	logger := testutil.Logger(t)
	table := encryptedModel()
	require.NoError(t, pgcrypto.EnsureKeys(env.ctx, logger, env.store, oldKeys, table.Ciphers()...))

	first, err := env.m.Create(env.ctx, map[string]any{
		"pgp_pub_field":         "bonjour",
		"integer_pgp_pub_field": -1,
		"pgp_sym_field":         "au revoir",
		"date_pgp_sym_field":    "2016-07-01",
		"hmac_field":            "kept",
	})
	require.NoError(t, err)
	_, err = env.m.Create(env.ctx, nil)
	require.NoError(t, err)

	results, err := pgcrypto.Rotate(env.ctx, logger, env.store, []pgcrypto.Table{table}, oldKeys, newKeys)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, table.Name, results[0].Table)
	require.EqualValues(t, 2, results[0].Rows)
	// Every PGP column, none of the hash columns.
	require.Len(t, results[0].Columns, 10)
	require.NotContains(t, results[0].Columns, "hmac_field")
	require.NotContains(t, results[0].Columns, "digest_field")

	rotated, err := pgcrypto.NewManager(env.store, table, newKeys)
	require.NoError(t, err)
	r, err := rotated.Get(env.ctx, first.PK())
	require.NoError(t, err)
	requireString(t, r, "pgp_pub_field", "bonjour")
	requireString(t, r, "pgp_sym_field", "au revoir")
	n, err := r.Int64("integer_pgp_pub_field")
	require.NoError(t, err)
	require.Equal(t, int64(-1), n.Int64)

	count, err := rotated.Query().Where("hmac_field", pgcrypto.OpEq, "kept").Count(env.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	raw, err := rotated.Raw(env.ctx, first.PK())
	require.NoError(t, err)
	pgcryptotest.RequireEncryptedEquals(t, newKeys, pgcrypto.CipherPGPSymmetric, raw["pgp_sym_field"], "au revoir")

	// The old keys no longer decrypt anything.
	_, err = env.m.Get(env.ctx, first.PK())
	var decryptErr *pgcrypto.DecryptFailedError
	require.ErrorAs(t, err, &decryptErr)

	// The keyring knows both, the old ones revoked.
	err = pgcrypto.EnsureKeys(env.ctx, logger, env.store, oldKeys, table.Ciphers()...)
	require.ErrorIs(t, err, pgcrypto.ErrKeyRevoked)
	require.NoError(t, pgcrypto.EnsureKeys(env.ctx, logger, env.store, newKeys, table.Ciphers()...))

	entries, err := pgcrypto.ListKeys(env.ctx, env.store)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	revoked := 0
	for _, e := range entries {
		if e.RevokedAt.Valid {
			revoked++
		}
	}
	require.Equal(t, 2, revoked)
}

func TestRotateNothingChanged(t *testing.T) {
	t.Parallel()

	keys := pgcryptotest.Keys(t)
	ctx := testutil.Context(t, testutil.WaitShort)
	// No key changed, so the database is never touched.
	results, err := pgcrypto.Rotate(ctx, testutil.Logger(t), nil, []pgcrypto.Table{encryptedModel()}, keys, keys)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestRotateInvalidKeys(t *testing.T) {
	t.Parallel()

	keys := pgcryptotest.Keys(t)
	broken := keys
	broken.Passphrase = "short"
	ctx := testutil.Context(t, testutil.WaitShort)
	_, err := pgcrypto.Rotate(ctx, testutil.Logger(t), nil, []pgcrypto.Table{encryptedModel()}, keys, broken)
	require.ErrorContains(t, err, "invalid new keys")
}
