// Package cryptorand generates random strings from crypto/rand, used for
// passphrases, HMAC keys and throwaway database passwords.
package cryptorand

import (
	"crypto/rand"
	"encoding/binary"
	"strings"

	"golang.org/x/xerrors"
)

// Charsets
const (
	Numeric = "0123456789"
	Upper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	Lower   = "abcdefghijklmnopqrstuvwxyz"

	// Symbols holds punctuation that survives shell quoting and YAML
	// without escapes.
	Symbols = "-_.~+="

	// Default is uppercase, lowercase, or numeric characters.
	Default = Numeric + Upper + Lower

	// Secret adds Symbols to Default.
	Secret = Default + Symbols
)

// uniformIndex maps the random v onto [0, n) without modulo bias, drawing
// again when v lands in the biased range. n must be > 0.
//
// See https://lemire.me/blog/2016/06/27/a-fast-alternative-to-the-modulo-reduction/
func uniformIndex(v uint32, n uint32) (uint32, error) {
	prod := uint64(v) * uint64(n)
	// #nosec G115 - truncation keeps the low word by construction
	low := uint32(prod)
	if low < n {
		thresh := -n % n
		for low < thresh {
			if err := binary.Read(rand.Reader, binary.BigEndian, &v); err != nil {
				return 0, err
			}
			prod = uint64(v) * uint64(n)
			// #nosec G115 - truncation keeps the low word by construction
			low = uint32(prod)
		}
	}
	// #nosec G115 - the high word of a 32x32 product fits in 32 bits
	return uint32(prod >> 32), nil
}

// StringCharset returns size random characters of charset.
func StringCharset(charset string, size int) (string, error) {
	if size == 0 {
		return "", nil
	}
	if size < 0 {
		return "", xerrors.Errorf("size must not be negative, got %d", size)
	}
	if charset == "" {
		return "", xerrors.New("charset must not be empty")
	}
	runes := []rune(charset)

	entropy := make([]byte, 4*size)
	if _, err := rand.Read(entropy); err != nil {
		return "", xerrors.Errorf("read entropy: %w", err)
	}

	var buf strings.Builder
	buf.Grow(size)
	for i := 0; i < size; i++ {
		// #nosec G115 - charsets are small
		idx, err := uniformIndex(binary.BigEndian.Uint32(entropy[4*i:]), uint32(len(runes)))
		if err != nil {
			return "", xerrors.Errorf("draw index: %w", err)
		}
		_, _ = buf.WriteRune(runes[idx])
	}
	return buf.String(), nil
}

// String returns a random string of Default characters.
func String(size int) (string, error) {
	return StringCharset(Default, size)
}

// SecretString returns a random string of Secret characters that contains
// at least one character of every class, so strength checks that count
// character classes accept it.
func SecretString(size int) (string, error) {
	if size < 4 {
		return "", xerrors.Errorf("secrets need at least 4 characters, got %d", size)
	}
	for {
		s, err := StringCharset(Secret, size)
		if err != nil {
			return "", err
		}
		if strings.ContainsAny(s, Numeric) && strings.ContainsAny(s, Upper) &&
			strings.ContainsAny(s, Lower) && strings.ContainsAny(s, Symbols) {
			return s, nil
		}
	}
}
