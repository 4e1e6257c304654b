// Package pgcryptotest provides key material and ciphertext assertions for
// tests of code storing pgcrypto encrypted columns.
package pgcryptotest

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/stretchr/testify/require"

	"github.com/coder/pgcryptofields/pgcrypto"
)

const (
	// Passphrase is a symmetric passphrase strong enough for Keys.Validate.
	Passphrase = "wombat-telescope-42-Harbour-quietly-Saffron"
	// HMACKey is an HMAC key strong enough for Keys.Validate.
	HMACKey = "Lantern-orbit-rivulet-97-compass-ember-Velvet"
	// PrivateKeyPassphrase protects the private key of KeysWithPassphrase.
	PrivateKeyPassphrase = "Granite-meadow-19-puzzle-horizon-Cobalt"
)

// Small keys keep the test suite fast, pgcrypto accepts them.
const keyBits = 1024

var (
	plainOnce sync.Once
	plainPair pgcrypto.KeyPair
	plainErr  error

	protectedOnce sync.Once
	protectedPair pgcrypto.KeyPair
	protectedErr  error

	otherOnce sync.Once
	otherPair pgcrypto.KeyPair
	otherErr  error
)

// Keys returns key material for every cipher. The PGP key pair is generated
// once per test binary.
func Keys(t testing.TB) pgcrypto.Keys {
	t.Helper()
	plainOnce.Do(func() {
		plainPair, plainErr = pgcrypto.GenerateKeyPair(pgcrypto.GenerateKeyOptions{
			Name:  "pgcryptofields test",
			Email: "test@example.com",
			Bits:  keyBits,
		})
	})
	require.NoError(t, plainErr, "generate key pair")
	return keysFor(plainPair, "")
}

// KeysWithPassphrase is like Keys but the private key is protected by
// PrivateKeyPassphrase.
func KeysWithPassphrase(t testing.TB) pgcrypto.Keys {
	t.Helper()
	protectedOnce.Do(func() {
		protectedPair, protectedErr = pgcrypto.GenerateKeyPair(pgcrypto.GenerateKeyOptions{
			Name:       "pgcryptofields protected test",
			Email:      "protected@example.com",
			Bits:       keyBits,
			Passphrase: PrivateKeyPassphrase,
		})
	})
	require.NoError(t, protectedErr, "generate protected key pair")
	return keysFor(protectedPair, PrivateKeyPassphrase)
}

// OtherKeys returns key material unrelated to Keys, for rotation and wrong
// key tests.
func OtherKeys(t testing.TB) pgcrypto.Keys {
	t.Helper()
	otherOnce.Do(func() {
		otherPair, otherErr = pgcrypto.GenerateKeyPair(pgcrypto.GenerateKeyOptions{
			Name:  "pgcryptofields other test",
			Email: "other@example.com",
			Bits:  keyBits,
		})
	})
	require.NoError(t, otherErr, "generate other key pair")
	keys := keysFor(otherPair, "")
	keys.Passphrase = "Other-" + Passphrase
	keys.HMACKey = "Other-" + HMACKey
	return keys
}

func keysFor(pair pgcrypto.KeyPair, privatePassphrase string) pgcrypto.Keys {
	return pgcrypto.Keys{
		PublicKey:            pair.PublicKey,
		PrivateKey:           pair.PrivateKey,
		PrivateKeyPassphrase: privatePassphrase,
		Passphrase:           Passphrase,
		HMACKey:              HMACKey,
		DigestAlgorithm:      pgcrypto.DefaultDigestAlgorithm,
	}
}

// Decrypt decrypts a pgp_pub_encrypt or pgp_sym_encrypt ciphertext outside
// of the database.
func Decrypt(t testing.TB, keys pgcrypto.Keys, cipher pgcrypto.Cipher, ciphertext []byte) string {
	t.Helper()

	var (
		keyring openpgp.EntityList
		prompt  openpgp.PromptFunction
	)
	switch cipher {
	case pgcrypto.CipherPGPPublic:
		var err error
		keyring, err = openpgp.ReadArmoredKeyRing(bytes.NewBufferString(keys.PrivateKey))
		require.NoError(t, err, "read private key")
		if keys.PrivateKeyPassphrase != "" {
			for _, entity := range keyring {
				require.NoError(t, entity.DecryptPrivateKeys([]byte(keys.PrivateKeyPassphrase)), "decrypt private key")
			}
		}
	case pgcrypto.CipherPGPSymmetric:
		tried := false
		prompt = func([]openpgp.Key, bool) ([]byte, error) {
			if tried {
				return nil, io.ErrUnexpectedEOF
			}
			tried = true
			return []byte(keys.Passphrase), nil
		}
	default:
		t.Fatalf("cipher %q cannot be decrypted", cipher)
	}

	md, err := openpgp.ReadMessage(bytes.NewReader(ciphertext), keyring, prompt, nil)
	require.NoError(t, err, "read message")
	plaintext, err := io.ReadAll(md.UnverifiedBody)
	require.NoError(t, err, "read message body")
	return string(plaintext)
}

// RequireEncryptedEquals asserts that ciphertext holds the expected plaintext
// and is not the plaintext itself.
func RequireEncryptedEquals(t testing.TB, keys pgcrypto.Keys, cipher pgcrypto.Cipher, ciphertext []byte, expected string) {
	t.Helper()
	require.NotEmpty(t, ciphertext, "ciphertext is empty")
	require.NotEqual(t, []byte(expected), ciphertext, "value is stored in plaintext")
	require.Equal(t, expected, Decrypt(t, keys, cipher, ciphertext), "decrypted value does not match")
}
