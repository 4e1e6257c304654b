package pgcrypto

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/coder/pgcryptofields/database/dbmock"
	"github.com/coder/pgcryptofields/testutil"
)

const testPassphrase = "Quokka-lighthouse-73-Mosaic-drizzle-Tundra"

func peopleTable() Table {
	return Table{
		Name: "people",
		Columns: []Column{
			{Name: "name", Kind: KindText, Cipher: CipherPGPSymmetric},
			{Name: "age", Kind: KindInteger, Cipher: CipherPGPSymmetric},
			{Name: "born", Kind: KindDate, Cipher: CipherPGPSymmetric},
			{Name: "verified", Kind: KindNullBoolean, Cipher: CipherPGPSymmetric},
			{Name: "token", Kind: KindText, Cipher: CipherDigest},
		},
	}
}

// newTestManager returns a manager over a mock store. Any call the test did
// not expect fails it.
func newTestManager(t *testing.T) (*Manager, *dbmock.MockStore) {
	t.Helper()
	ctrl := gomock.NewController(t)
	mDB := dbmock.NewMockStore(ctrl)
	m, err := NewManager(mDB, peopleTable(), Keys{Passphrase: testPassphrase}, WithLogger(testutil.Logger(t)))
	require.NoError(t, err)
	return m, mDB
}

func loadedRecord(t *testing.T, m *Manager) *Record {
	t.Helper()
	r, err := m.decodeRow(
		[]string{"id", "name", "age", "born", "verified", "token", "name__decrypted"},
		[]any{int64(7), "alice", "-3", "2016-07-01", "True", []byte{0xca, 0xfe}, "alice"},
	)
	require.NoError(t, err)
	return r
}

func TestNewManagerValidates(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil, peopleTable(), Keys{})
	require.ErrorContains(t, err, "passphrase: missing")

	_, err = NewManager(nil, Table{Name: "t"}, Keys{})
	require.ErrorContains(t, err, "has no columns")
}

// Reading fields of a loaded record must never reach the database.
func TestDecodeRowCachesValues(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	r := loadedRecord(t, m)
	require.True(t, r.Saved())
	require.Equal(t, int64(7), r.PK())

	for range 3 {
		name, err := r.String("name")
		require.NoError(t, err)
		require.Equal(t, "alice", name.String)

		age, err := r.Int64("age")
		require.NoError(t, err)
		require.Equal(t, int64(-3), age.Int64)

		born, err := r.Date("born")
		require.NoError(t, err)
		require.Equal(t, time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC), born.Time)

		verified, err := r.Bool("verified")
		require.NoError(t, err)
		require.True(t, verified.Valid)
		require.True(t, verified.Bool)

		token, err := r.Bytes("token")
		require.NoError(t, err)
		require.Equal(t, []byte{0xca, 0xfe}, token)

		annotated, ok := r.Annotation("name__decrypted")
		require.True(t, ok)
		require.Equal(t, "alice", annotated)
	}
	require.Empty(t, r.Dirty())
}

func TestDecodeRowErrors(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	_, err := m.decodeRow([]string{"id", "verified"}, []any{int64(1), "Perhaps"})
	var valueErr *ValueError
	require.ErrorAs(t, err, &valueErr)
	require.Equal(t, "verified", valueErr.Column)

	_, err = m.decodeRow([]string{"id"}, []any{"1"})
	require.ErrorContains(t, err, "not int64")

	_, err = m.decodeRow([]string{"id", "shoe_size"}, []any{int64(1), "44"})
	var unknown *UnknownColumnError
	require.ErrorAs(t, err, &unknown)

	// Empty integers are NULL, like nullif(x, '').
	r, err := m.decodeRow([]string{"id", "age"}, []any{int64(1), ""})
	require.NoError(t, err)
	age, err := r.Int64("age")
	require.NoError(t, err)
	require.False(t, age.Valid)
}

func TestSaveInsert(t *testing.T) {
	t.Parallel()

	m, mDB := newTestManager(t)
	ctx := testutil.Context(t, testutil.WaitShort)

	r, err := m.Build(map[string]any{"name": "alice", "age": 42, "born": "2016-07-01", "verified": false, "token": "tok"})
	require.NoError(t, err)
	require.False(t, r.Saved())
	// Unsaved records return the value that will be encrypted.
	age, err := r.Int64("age")
	require.NoError(t, err)
	require.Equal(t, int64(42), age.Int64)
	require.Equal(t, []string{"name", "age", "born", "verified", "token"}, r.Dirty())

	mDB.EXPECT().GetContext(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, dest any, query string, args ...any) error {
			require.Contains(t, query, "-- name: InsertPeople :one")
			require.Contains(t, query, `INSERT INTO "people" ("name", "age", "born", "verified", "token")`)
			require.Contains(t, query, "VALUES (pgp_sym_encrypt($1::text, $2::text), pgp_sym_encrypt($3::text, $2::text), "+
				"pgp_sym_encrypt($4::text, $2::text), pgp_sym_encrypt($5::text, $2::text), digest($6::text, $7::text))")
			require.Contains(t, query, `RETURNING "id"`)
			require.NotContains(t, query, testPassphrase)
			require.Equal(t, []any{"alice", testPassphrase, "42", "2016-07-01", "False", "tok", "sha512"}, args)
			*dest.(*int64) = 11
			return nil
		})

	require.NoError(t, m.Save(ctx, r))
	require.True(t, r.Saved())
	require.Equal(t, int64(11), r.PK())
	require.Empty(t, r.Dirty())

	// Nothing changed, nothing is written.
	require.NoError(t, m.Save(ctx, r))
}

func TestSaveUpdatesOnlyDirtyColumns(t *testing.T) {
	t.Parallel()

	m, mDB := newTestManager(t)
	ctx := testutil.Context(t, testutil.WaitShort)
	r := loadedRecord(t, m)

	require.NoError(t, r.Set("age", int64(43)))
	require.Equal(t, []string{"age"}, r.Dirty())

	mDB.EXPECT().ExecContext(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, query string, args ...any) (sql.Result, error) {
			require.Contains(t, query, "-- name: UpdatePeople :exec")
			require.Contains(t, query, `"age" = pgp_sym_encrypt($1::text, $2::text)`)
			require.NotContains(t, query, `"name" =`)
			require.Contains(t, query, `"id" = $3`)
			require.Equal(t, []any{"43", testPassphrase, int64(7)}, args)
			return driver.RowsAffected(1), nil
		})
	require.NoError(t, m.Save(ctx, r))
	require.Empty(t, r.Dirty())

	require.NoError(t, r.Set("name", "bob"))
	mDB.EXPECT().ExecContext(gomock.Any(), gomock.Any(), gomock.Any()).Return(driver.RowsAffected(0), nil)
	require.ErrorIs(t, m.Save(ctx, r), ErrNotFound)
}

func TestSetRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	r := loadedRecord(t, m)

	var valueErr *ValueError
	require.ErrorAs(t, r.Set("verified", "yes"), &valueErr)
	require.ErrorAs(t, r.Set("born", "July 1st"), &valueErr)
	require.Error(t, r.Set("name__decrypted", "x"))
	require.Error(t, r.Set("shoe_size", 44))
	require.Empty(t, r.Dirty())

	_, err := m.Build(map[string]any{"age": "forty"})
	require.ErrorAs(t, err, &valueErr)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	m, mDB := newTestManager(t)
	ctx := testutil.Context(t, testutil.WaitShort)

	unsaved, err := m.Build(nil)
	require.NoError(t, err)
	require.Error(t, m.Delete(ctx, unsaved))

	r := loadedRecord(t, m)
	mDB.EXPECT().ExecContext(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, query string, args ...any) (sql.Result, error) {
			require.Contains(t, query, `DELETE FROM "people"`)
			require.Equal(t, []any{int64(7)}, args)
			return driver.RowsAffected(1), nil
		})
	require.NoError(t, m.Delete(ctx, r))
	require.False(t, r.Saved())
	require.Equal(t, int64(0), r.PK())
	require.Len(t, r.Dirty(), len(peopleTable().Columns))
}

func TestSaveDeletedKeepsStoredDigest(t *testing.T) {
	t.Parallel()

	m, mDB := newTestManager(t)
	ctx := testutil.Context(t, testutil.WaitShort)
	r := loadedRecord(t, m)

	mDB.EXPECT().ExecContext(gomock.Any(), gomock.Any(), gomock.Any()).Return(driver.RowsAffected(1), nil)
	require.NoError(t, m.Delete(ctx, r))

	mDB.EXPECT().GetContext(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, dest any, query string, args ...any) error {
			require.Contains(t, query, "pgp_sym_encrypt($5::text, $2::text), $6::bytea)")
			require.NotContains(t, query, "digest(")
			require.Equal(t, []any{"alice", testPassphrase, "-3", "2016-07-01", "True", []byte{0xca, 0xfe}}, args)
			*dest.(*int64) = 12
			return nil
		})
	require.NoError(t, m.Save(ctx, r))
	require.Equal(t, int64(12), r.PK())

	// Setting the column again means plaintext, which is hashed.
	require.NoError(t, r.Set("token", "tok"))
	mDB.EXPECT().ExecContext(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, query string, args ...any) (sql.Result, error) {
			require.Contains(t, query, `"token" = digest($1::text, $2::text)`)
			require.Equal(t, []any{"tok", "sha512", int64(12)}, args)
			return driver.RowsAffected(1), nil
		})
	require.NoError(t, m.Save(ctx, r))
}

func TestQueryErrorsAreMapped(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)

	t.Run("WrongKey", func(t *testing.T) {
		t.Parallel()
		m, mDB := newTestManager(t)
		mDB.EXPECT().QueryContext(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, &pq.Error{Code: "39000", Message: "Wrong key or corrupt data"})
		_, err := m.Query().All(ctx)
		var decryptErr *DecryptFailedError
		require.ErrorAs(t, err, &decryptErr)
		require.Contains(t, err.Error(), "Wrong key or corrupt data")
	})

	t.Run("MissingExtension", func(t *testing.T) {
		t.Parallel()
		m, mDB := newTestManager(t)
		mDB.EXPECT().GetContext(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&pq.Error{Code: "42883", Message: "function pgp_sym_encrypt(text, text) does not exist"})
		_, err := m.Create(ctx, map[string]any{"name": "alice"})
		require.ErrorContains(t, err, "run migrations")
	})
}

func TestQueryCompile(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	t.Run("DecryptsEveryColumnOnce", func(t *testing.T) {
		t.Parallel()
		query, _, err := m.Query().compileSelect()
		require.NoError(t, err)
		require.Contains(t, query, `pgp_sym_decrypt("name", @pgcrypto_passphrase::text) AS "name"`)
		require.Contains(t, query, `pgp_sym_decrypt("age", @pgcrypto_passphrase::text) AS "age"`)
		require.Contains(t, query, `"token" AS "token"`)
		require.NotContains(t, query, "WHERE")
	})

	t.Run("Filters", func(t *testing.T) {
		t.Parallel()
		query, args, err := m.Query().
			Where("age", OpGte, 18).
			WhereDecrypted("born", OpLt, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)).
			Where("verified", OpEq, true).
			Where("token", OpEq, "tok").
			Where("name", OpIsNotNull, nil).
			Where("id", OpNe, 3).
			compileSelect()
		require.NoError(t, err)
		require.Contains(t, query, `CAST(nullif(pgp_sym_decrypt("age", @pgcrypto_passphrase::text), '') AS integer) >= @w1::integer`)
		require.Contains(t, query, `to_date(pgp_sym_decrypt("born", @pgcrypto_passphrase::text), 'YYYY-MM-DD') < @w2::date`)
		require.Contains(t, query, `CASE pgp_sym_decrypt("verified", @pgcrypto_passphrase::text) WHEN 'True' THEN TRUE WHEN 'False' THEN FALSE ELSE NULL END = @w3::boolean`)
		require.Contains(t, query, `AND "token" = digest(@w4::text, @pgcrypto_digest_algorithm::text)`)
		require.Contains(t, query, `AND "name" IS NOT NULL`)
		require.Contains(t, query, `AND "id" <> @w6::bigint`)
		require.Equal(t, "18", args["w1"])
		require.Equal(t, "2000-01-01", args["w2"])
		require.Equal(t, "True", args["w3"])
		require.Equal(t, "tok", args["w4"])
		require.NotContains(t, args, "w5")
		require.Equal(t, 3, args["w6"])
	})

	t.Run("AnnotateAndOrder", func(t *testing.T) {
		t.Parallel()
		query, _, err := m.Query().
			Annotate(Decrypted("name")).
			OrderBy("-age", "id").
			Limit(5).
			Offset(10).
			compileSelect()
		require.NoError(t, err)
		require.Contains(t, query, `pgp_sym_decrypt("name", @pgcrypto_passphrase::text) AS "name__decrypted"`)
		require.Contains(t, query, `ORDER BY
	CAST(nullif(pgp_sym_decrypt("age", @pgcrypto_passphrase::text), '') AS integer) DESC, "id" ASC
LIMIT 5
OFFSET 10`)
	})

	t.Run("Immutable", func(t *testing.T) {
		t.Parallel()
		base := m.Query().Where("name", OpEq, "alice")
		_ = base.Where("age", OpEq, 1).OrderBy("age")
		query, _, err := base.compileSelect()
		require.NoError(t, err)
		require.NotContains(t, query, `"age", @pgcrypto_passphrase::text), '') AS integer) =`)
		require.NotContains(t, query, "ORDER BY")
	})

	for _, tc := range []struct {
		name  string
		query *Query
		err   string
	}{
		{"HashRange", m.Query().Where("token", OpGt, "a"), "only supports"},
		{"HashDecrypted", m.Query().WhereDecrypted("token", OpEq, "a"), "cannot be decrypted"},
		{"HashOrder", m.Query().OrderBy("token"), "cannot be ordered"},
		{"HashAnnotation", m.Query().Annotate(Decrypted("token")), "cannot be decrypted"},
		{"UnknownColumn", m.Query().Where("shoe_size", OpEq, 44), "no column"},
		{"UnknownOp", m.Query().Where("name", "LIKE", "a%"), "unknown operator"},
		{"NullValue", m.Query().Where("name", OpEq, nil), "IS NULL"},
		{"BadValue", m.Query().Where("age", OpEq, "old"), "invalid integer value"},
		{"NegativeLimit", m.Query().Limit(-1), "negative limit"},
		{"NegativeOffset", m.Query().Offset(-1), "negative offset"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := tc.query.compileSelect()
			require.ErrorContains(t, err, tc.err)
		})
	}
}

func TestQueryTerminals(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	failure := &pq.Error{Code: "57014", Message: "canceling statement due to user request"}

	t.Run("First", func(t *testing.T) {
		t.Parallel()
		m, mDB := newTestManager(t)
		mDB.EXPECT().QueryContext(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, query string, _ ...any) (*sql.Rows, error) {
				require.Contains(t, query, "ORDER BY\n\t\"id\" ASC\nLIMIT 1")
				return nil, failure
			})
		_, err := m.Query().First(ctx)
		require.ErrorIs(t, err, failure)
	})

	t.Run("Last", func(t *testing.T) {
		t.Parallel()
		m, mDB := newTestManager(t)
		mDB.EXPECT().QueryContext(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, query string, _ ...any) (*sql.Rows, error) {
				require.Contains(t, query, "ORDER BY\n\t\"id\" DESC\nLIMIT 1")
				return nil, failure
			})
		_, err := m.Query().Last(ctx)
		require.ErrorIs(t, err, failure)
	})

	t.Run("LastReversesOrder", func(t *testing.T) {
		t.Parallel()
		m, mDB := newTestManager(t)
		mDB.EXPECT().QueryContext(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, query string, _ ...any) (*sql.Rows, error) {
				require.Contains(t, query, `"id" ASC`)
				return nil, failure
			})
		_, err := m.Query().OrderBy("-id").Last(ctx)
		require.ErrorIs(t, err, failure)
	})

	t.Run("Get", func(t *testing.T) {
		t.Parallel()
		m, mDB := newTestManager(t)
		mDB.EXPECT().QueryContext(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, query string, args ...any) (*sql.Rows, error) {
				require.Contains(t, query, `"id" = $2::bigint`)
				require.Contains(t, query, "LIMIT 2")
				require.Equal(t, []any{testPassphrase, int64(7)}, args)
				return nil, failure
			})
		_, err := m.Get(ctx, 7)
		require.ErrorIs(t, err, failure)
	})

	t.Run("Count", func(t *testing.T) {
		t.Parallel()
		m, mDB := newTestManager(t)
		mDB.EXPECT().GetContext(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, dest any, query string, args ...any) error {
				require.Contains(t, query, "-- name: CountPeople :one")
				require.Contains(t, query, `pgp_sym_decrypt("name", $1::text) = $2::text`)
				require.Equal(t, []any{testPassphrase, "alice"}, args)
				*dest.(*int64) = 3
				return nil
			})
		n, err := m.Query().Where("name", OpEq, "alice").Limit(1).Count(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(3), n)
	})
}
