package pgcrypto_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coder/pgcryptofields/pgcrypto"
	"github.com/coder/pgcryptofields/pgcrypto/pgcryptotest"
)

func newOfflineManager(t *testing.T) *pgcrypto.Manager {
	t.Helper()
	m, err := pgcrypto.NewManager(nil, encryptedModel(), pgcryptotest.Keys(t))
	require.NoError(t, err)
	return m
}

func TestRecordBuild(t *testing.T) {
	t.Parallel()

	m := newOfflineManager(t)
	r, err := m.Build(map[string]any{
		"pgp_pub_field":              "foo",
		"integer_pgp_sym_field":      -42,
		"date_pgp_pub_field":         "2016-07-01",
		"null_boolean_pgp_sym_field": true,
	})
	require.NoError(t, err)
	require.False(t, r.Saved())
	require.Zero(t, r.PK())

	s, err := r.String("pgp_pub_field")
	require.NoError(t, err)
	require.True(t, s.Valid)
	require.Equal(t, "foo", s.String)

	n, err := r.Int64("integer_pgp_sym_field")
	require.NoError(t, err)
	require.Equal(t, int64(-42), n.Int64)

	d, err := r.Date("date_pgp_pub_field")
	require.NoError(t, err)
	require.Equal(t, time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC), d.Time)

	b, err := r.Bool("null_boolean_pgp_sym_field")
	require.NoError(t, err)
	require.True(t, b.Valid)
	require.True(t, b.Bool)

	// Columns that were not given are NULL and still written.
	v, err := r.Get("email_pgp_pub_field")
	require.NoError(t, err)
	require.Nil(t, v)
	require.Len(t, r.Dirty(), len(encryptedModel().Columns))
	require.Len(t, r.Values(), len(encryptedModel().Columns))
}

func TestRecordBuildRejects(t *testing.T) {
	t.Parallel()

	m := newOfflineManager(t)
	for _, tc := range []struct {
		name   string
		values map[string]any
		err    string
	}{
		{name: "UnknownColumn", values: map[string]any{"nope": "x"}, err: `no column "nope"`},
		{name: "Annotation", values: map[string]any{"pgp_pub_field__decrypted": "x"}, err: "cannot be set"},
		{name: "BadEmail", values: map[string]any{"email_pgp_pub_field": "not an email"}, err: "email_pgp_pub_field"},
		{name: "BadInteger", values: map[string]any{"integer_pgp_pub_field": "forty"}, err: "integer_pgp_pub_field"},
		{name: "BadDate", values: map[string]any{"date_pgp_sym_field": "01/07/2016"}, err: "date_pgp_sym_field"},
		{name: "BadBoolean", values: map[string]any{"null_boolean_pgp_pub_field": "yes"}, err: "null_boolean_pgp_pub_field"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := m.Build(tc.values)
			require.ErrorContains(t, err, tc.err)
		})
	}
}

func TestRecordGetters(t *testing.T) {
	t.Parallel()

	m := newOfflineManager(t)
	r, err := m.Build(map[string]any{"pgp_sym_field": "bar", "hmac_field": "baz"})
	require.NoError(t, err)

	t.Run("WrongType", func(t *testing.T) {
		t.Parallel()
		_, err := r.Int64("pgp_sym_field")
		require.ErrorContains(t, err, "holds string, not int64")
	})

	t.Run("Null", func(t *testing.T) {
		t.Parallel()
		n, err := r.Int64("integer_pgp_pub_field")
		require.NoError(t, err)
		require.False(t, n.Valid)
		raw, err := r.Bytes("digest_field")
		require.NoError(t, err)
		require.Nil(t, raw)
	})

	t.Run("PrimaryKey", func(t *testing.T) {
		t.Parallel()
		v, err := r.Get("id")
		require.NoError(t, err)
		require.Equal(t, int64(0), v)
	})

	t.Run("MissingAnnotation", func(t *testing.T) {
		t.Parallel()
		_, err := r.Get("pgp_sym_field__decrypted")
		require.ErrorContains(t, err, "no annotation")
		_, ok := r.Annotation("pgp_sym_field__decrypted")
		require.False(t, ok)
	})

	t.Run("HashBeforeSave", func(t *testing.T) {
		t.Parallel()
		// Unsaved hash columns hold the plaintext to hash.
		s, err := r.String("hmac_field")
		require.NoError(t, err)
		require.Equal(t, "baz", s.String)
	})
}

func TestRecordValuesIsACopy(t *testing.T) {
	t.Parallel()

	m := newOfflineManager(t)
	r, err := m.Build(map[string]any{"pgp_pub_field": "foo"})
	require.NoError(t, err)

	values := r.Values()
	values["pgp_pub_field"] = "changed"
	s, err := r.String("pgp_pub_field")
	require.NoError(t, err)
	require.Equal(t, "foo", s.String)
}
