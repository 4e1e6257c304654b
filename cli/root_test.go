package cli_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/coder/pgcryptofields/buildinfo"
	"github.com/coder/pgcryptofields/cli/clitest"
	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/pgcrypto"
	"github.com/coder/pgcryptofields/pgcrypto/pgcryptotest"
)

func TestMain(m *testing.M) {
	if runtime.GOOS == "windows" {
		os.Exit(m.Run())
	}
	goleak.VerifyTestMain(m,
		// https://github.com/natefinch/lumberjack/pull/100
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).mill.func1"),
		// The pq library appears to leave around a goroutine after Close().
		goleak.IgnoreTopFunction("github.com/lib/pq.NewDialListener"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// peopleTable is the table used by the command tests.
func peopleTable() pgcrypto.Table {
	return pgcrypto.Table{
		Name: "people",
		Columns: []pgcrypto.Column{
			{Name: "name", Kind: pgcrypto.KindText, Cipher: pgcrypto.CipherPGPSymmetric},
			{Name: "email", Kind: pgcrypto.KindEmail, Cipher: pgcrypto.CipherPGPPublic},
			{Name: "age", Kind: pgcrypto.KindInteger, Cipher: pgcrypto.CipherPGPSymmetric},
			{Name: "email_hash", Kind: pgcrypto.KindEmail, Cipher: pgcrypto.CipherHMAC},
		},
	}
}

// writeConfig writes the key files and a config referencing them, returning
// the config path.
func writeConfig(t *testing.T, keys pgcrypto.Keys, tables ...pgcrypto.Table) string {
	t.Helper()

	dir := t.TempDir()
	cfg := pgcrypto.Config{
		Keys: pgcrypto.KeysConfig{
			PrivateKeyPassphrase: keys.PrivateKeyPassphrase,
			Passphrase:           keys.Passphrase,
			HMACKey:              keys.HMACKey,
			DigestAlgorithm:      keys.DigestAlgorithm,
		},
		Tables: tables,
	}
	if keys.PublicKey != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "public.asc"), []byte(keys.PublicKey), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "private.asc"), []byte(keys.PrivateKey), 0o600))
		// Relative to the config file.
		cfg.Keys.PublicKeyFile = "public.asc"
		cfg.Keys.PrivateKeyFile = "private.asc"
	}
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "pgcrypto.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// openStore opens url for assertions made outside the command.
func openStore(t *testing.T, url string) database.Store {
	t.Helper()

	sqlDB, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return database.New(sqlDB)
}

func TestRoot(t *testing.T) {
	t.Parallel()

	t.Run("Help", func(t *testing.T) {
		t.Parallel()

		out := clitest.Run(t, clitest.New(t))
		require.Contains(t, out, "USAGE:")
		for _, name := range []string{"keys", "list", "migrate", "rotate", "sql", "verify", "version"} {
			require.Contains(t, out, name)
		}
		require.NotContains(t, out, "dev-postgres")
		require.Contains(t, out, "PGCRYPTO_PG_CONNECTION_URL")
	})

	t.Run("SubcommandHelp", func(t *testing.T) {
		t.Parallel()

		out := clitest.Run(t, clitest.New(t, "keys"))
		require.Contains(t, out, "generate")
		require.Contains(t, out, "secret")
		// Options of parents are listed.
		require.Contains(t, out, "PGCRYPTO OPTIONS:")
	})

	t.Run("NoDatabase", func(t *testing.T) {
		t.Parallel()

		inv := clitest.New(t, "migrate")
		err := inv.Run()
		require.ErrorContains(t, err, "no database configured")
	})

	t.Run("BadConfig", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "pgcrypto.yaml")
		require.NoError(t, os.WriteFile(path, []byte("tables:\n  - name: Bad Name\n"), 0o600))
		inv := clitest.New(t, "keys", "check", "--config", path)
		require.ErrorContains(t, inv.Run(), "not a lower case SQL identifier")
	})
}

func TestVersion(t *testing.T) {
	t.Parallel()

	t.Run("Human", func(t *testing.T) {
		t.Parallel()

		out := clitest.Run(t, clitest.New(t, "version"))
		require.Contains(t, out, "pgcrypto "+buildinfo.Version())
		require.Contains(t, out, buildinfo.ExternalURL())
	})

	t.Run("JSON", func(t *testing.T) {
		t.Parallel()

		inv := clitest.New(t, "version", "--json")
		var out bytes.Buffer
		inv.Stdout = &out
		require.NoError(t, inv.Run())

		var info map[string]string
		require.NoError(t, json.Unmarshal(out.Bytes(), &info))
		require.Equal(t, buildinfo.Version(), info["version"])
		require.Equal(t, buildinfo.ExternalURL(), info["external_url"])
	})
}

func TestKeysFromEnvironment(t *testing.T) {
	t.Parallel()

	inv := clitest.New(t, "keys", "check")
	inv.Environ.Set("PGCRYPTO_PASSPHRASE", pgcryptotest.Passphrase)
	inv.Environ.Set("PGCRYPTO_HMAC_KEY", pgcryptotest.HMACKey)
	path := writeConfig(t, pgcrypto.Keys{}, pgcrypto.Table{
		Name: "notes",
		Columns: []pgcrypto.Column{
			{Name: "body", Kind: pgcrypto.KindText, Cipher: pgcrypto.CipherPGPSymmetric},
			{Name: "body_hash", Kind: pgcrypto.KindText, Cipher: pgcrypto.CipherHMAC},
		},
	})
	inv.Environ.Set("PGCRYPTO_CONFIG", path)
	out := clitest.Run(t, inv)
	require.Contains(t, out, "pgp_sym")
	require.Contains(t, out, "hmac")
	require.NotContains(t, out, "pgp_pub")
}
