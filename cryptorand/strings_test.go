package cryptorand_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	passwordvalidator "github.com/wagslane/go-password-validator"

	"github.com/coder/pgcryptofields/cryptorand"
	"github.com/coder/pgcryptofields/pgcrypto"
)

func TestStringCharset(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		Name    string
		Charset string
		Length  int
	}{
		{Name: "MultiByte", Charset: "🍋🍌🍍🥭", Length: 20},
		{Name: "Empty", Charset: cryptorand.Default, Length: 0},
		{Name: "Numeric", Charset: cryptorand.Numeric, Length: 1},
		{Name: "Default", Charset: cryptorand.Default, Length: 10},
		{Name: "Secret", Charset: cryptorand.Secret, Length: 64},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			t.Parallel()

			for i := 0; i < 5; i++ {
				s, err := cryptorand.StringCharset(tc.Charset, tc.Length)
				require.NoError(t, err)
				require.Equal(t, tc.Length, utf8.RuneCountInString(s))
				for _, r := range s {
					require.True(t, strings.ContainsRune(tc.Charset, r), "%q is not in the charset", r)
				}
			}
		})
	}
}

func TestStringCharsetErrors(t *testing.T) {
	t.Parallel()

	_, err := cryptorand.StringCharset("", 4)
	require.ErrorContains(t, err, "charset must not be empty")
	_, err = cryptorand.StringCharset(cryptorand.Default, -1)
	require.ErrorContains(t, err, "must not be negative")
}

func TestSecretString(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		s, err := cryptorand.SecretString(32)
		require.NoError(t, err)
		require.Len(t, s, 32)
		require.True(t, strings.ContainsAny(s, cryptorand.Symbols))
		require.NoError(t, passwordvalidator.Validate(s, pgcrypto.MinSecretEntropy))
	}

	_, err := cryptorand.SecretString(3)
	require.Error(t, err)
}

func BenchmarkString20(b *testing.B) {
	b.SetBytes(20)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = cryptorand.String(20)
	}
}
