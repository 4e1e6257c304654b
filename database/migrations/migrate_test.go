package migrations_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/pgcryptofields/database/dbtestutil"
	"github.com/coder/pgcryptofields/database/migrations"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// The pq library appears to leave around a goroutine after Close().
		goleak.IgnoreTopFunction("github.com/lib/pq.NewDialListener"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func TestLatest(t *testing.T) {
	t.Parallel()

	latest, err := migrations.Latest()
	require.NoError(t, err)
	require.EqualValues(t, 2, latest)
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	t.Run("Once", func(t *testing.T) {
		t.Parallel()

		db := dbtestutil.NewSQLDB(t, dbtestutil.WithoutMigrations())
		err := migrations.Up(db)
		require.NoError(t, err)

		version, dirty, err := migrations.Current(db)
		require.NoError(t, err)
		require.False(t, dirty)
		require.Equal(t, 2, version)

		var digest []byte
		err = db.QueryRow(`SELECT digest('pgcrypto', 'sha256')`).Scan(&digest)
		require.NoError(t, err, "pgcrypto extension should be installed")
		require.Len(t, digest, 32)
	})

	t.Run("Twice", func(t *testing.T) {
		t.Parallel()

		db := dbtestutil.NewSQLDB(t, dbtestutil.WithoutMigrations())
		require.NoError(t, migrations.Up(db))
		require.NoError(t, migrations.Up(db))
	})

	t.Run("UpDownUp", func(t *testing.T) {
		t.Parallel()

		db := dbtestutil.NewSQLDB(t, dbtestutil.WithoutMigrations())
		require.NoError(t, migrations.Up(db))
		require.NoError(t, migrations.Down(db))

		version, _, err := migrations.Current(db)
		require.NoError(t, err)
		require.Equal(t, -1, version)

		require.NoError(t, migrations.Up(db))
	})
}
