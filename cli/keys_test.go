package cli_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/pgcryptofields/cli/clitest"
	"github.com/coder/pgcryptofields/pgcrypto"
	"github.com/coder/pgcryptofields/pgcrypto/pgcryptotest"
)

func TestKeysGenerate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	args := []string{"keys", "generate", "--name", "test", "--email", "test@example.com", "--bits", "1024", "--out-dir", dir}
	out := clitest.Run(t, clitest.New(t, args...))
	require.Contains(t, out, "public_key_file: "+filepath.Join(dir, "public.asc"))

	public, err := os.ReadFile(filepath.Join(dir, "public.asc"))
	require.NoError(t, err)
	private, err := os.ReadFile(filepath.Join(dir, "private.asc"))
	require.NoError(t, err)
	keys := pgcrypto.Keys{PublicKey: string(public), PrivateKey: string(private)}
	require.NoError(t, keys.Validate(pgcrypto.CipherPGPPublic))

	fingerprint, err := keys.Fingerprint()
	require.NoError(t, err)
	require.Contains(t, out, fingerprint)

	info, err := os.Stat(filepath.Join(dir, "private.asc"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Existing keys are kept unless forced.
	err = clitest.New(t, args...).Run()
	require.ErrorContains(t, err, "already exists")
	clitest.Run(t, clitest.New(t, append(args, "--force")...))
	replaced, err := os.ReadFile(filepath.Join(dir, "public.asc"))
	require.NoError(t, err)
	require.NotEqual(t, string(public), string(replaced))

	t.Run("NeedsIdentity", func(t *testing.T) {
		t.Parallel()
		err := clitest.New(t, "keys", "generate", "--out-dir", t.TempDir()).Run()
		require.ErrorContains(t, err, "--name or --email")
	})
}

func TestKeysCheck(t *testing.T) {
	t.Parallel()

	t.Run("Valid", func(t *testing.T) {
		t.Parallel()

		path := writeConfig(t, pgcryptotest.Keys(t), peopleTable())
		out := clitest.Run(t, clitest.New(t, "keys", "check", "--config", path))
		require.Contains(t, out, "pgp_sym")
		require.Contains(t, out, "pgp_pub")
		require.Contains(t, out, "hmac")
		require.NotContains(t, out, "digest ")
		require.NotContains(t, out, "missing")
	})

	t.Run("Missing", func(t *testing.T) {
		t.Parallel()

		// Without tables every cipher is checked.
		err := clitest.New(t, "keys", "check").Run()
		require.ErrorContains(t, err, "3 of 4 keys are invalid")
	})

	t.Run("WeakPassphrase", func(t *testing.T) {
		t.Parallel()

		keys := pgcryptotest.Keys(t)
		keys.Passphrase = "password"
		path := writeConfig(t, keys, peopleTable())
		err := clitest.New(t, "keys", "check", "--config", path).Run()
		require.ErrorContains(t, err, "1 of 3 keys are invalid")
	})
}

func TestKeysSecret(t *testing.T) {
	t.Parallel()

	out := clitest.Run(t, clitest.New(t, "keys", "secret", "--length", "48"))
	secret := strings.TrimSpace(out)
	require.Len(t, secret, 48)
	require.NoError(t, pgcrypto.Keys{Passphrase: secret}.Validate(pgcrypto.CipherPGPSymmetric))

	err := clitest.New(t, "keys", "secret", "--length", "8").Run()
	require.ErrorContains(t, err, "too weak")
}
