package database_test

import (
	"context"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/coder/pgcryptofields/database"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	wrap := func(err error) error {
		return xerrors.Errorf("select: %w", err)
	}

	t.Run("PGCrypto", func(t *testing.T) {
		t.Parallel()
		err := wrap(&pq.Error{Code: "39000", Message: "Wrong key or corrupt data"})
		require.True(t, database.IsPGCryptoError(err))
		require.False(t, database.IsUndefinedFunction(err))
	})

	t.Run("UndefinedFunction", func(t *testing.T) {
		t.Parallel()
		err := wrap(&pq.Error{Code: "42883", Message: "function pgp_pub_encrypt(text, bytea) does not exist"})
		require.True(t, database.IsUndefinedFunction(err))
		require.False(t, database.IsPGCryptoError(err))
	})

	t.Run("UniqueViolation", func(t *testing.T) {
		t.Parallel()
		err := wrap(&pq.Error{Code: "23505", Constraint: "pgcrypto_keys_pkey"})
		require.True(t, database.IsUniqueViolation(err))
		require.True(t, database.IsUniqueViolation(err, "pgcrypto_keys_pkey"))
		require.False(t, database.IsUniqueViolation(err, "other"))
	})

	t.Run("Serialization", func(t *testing.T) {
		t.Parallel()
		require.True(t, database.IsSerializedError(wrap(&pq.Error{Code: "40001"})))
		require.False(t, database.IsSerializedError(xerrors.New("nope")))
	})

	t.Run("QueryCanceled", func(t *testing.T) {
		t.Parallel()
		require.True(t, database.IsQueryCanceledError(wrap(&pq.Error{Code: "57014"})))
		require.True(t, database.IsQueryCanceledError(wrap(context.Canceled)))
		require.True(t, database.IsQueryCanceledError(context.DeadlineExceeded))
		require.False(t, database.IsQueryCanceledError(xerrors.New("nope")))
	})
}

func TestGenLockID(t *testing.T) {
	t.Parallel()
	require.Equal(t, database.GenLockID("rotate"), database.GenLockID("rotate"))
	require.NotEqual(t, database.GenLockID("rotate"), database.GenLockID("verify"))
}
