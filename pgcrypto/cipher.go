package pgcrypto

import (
	"golang.org/x/xerrors"
)

// Cipher is the pgcrypto function family protecting a column.
type Cipher string

const (
	// CipherPGPPublic encrypts with pgp_pub_encrypt and a public key, and
	// decrypts with pgp_pub_decrypt and the matching private key.
	CipherPGPPublic Cipher = "pgp_pub"
	// CipherPGPSymmetric encrypts with pgp_sym_encrypt and a passphrase.
	CipherPGPSymmetric Cipher = "pgp_sym"
	// CipherDigest stores digest(value, algorithm). It cannot be decrypted.
	CipherDigest Cipher = "digest"
	// CipherHMAC stores hmac(value, key, algorithm). It cannot be decrypted.
	CipherHMAC Cipher = "hmac"
)

// Ciphers lists every supported cipher.
var Ciphers = []Cipher{CipherPGPPublic, CipherPGPSymmetric, CipherDigest, CipherHMAC}

// Decryptable reports whether values written with the cipher can be read
// back.
func (c Cipher) Decryptable() bool {
	return c == CipherPGPPublic || c == CipherPGPSymmetric
}

func (c Cipher) Valid() bool {
	switch c {
	case CipherPGPPublic, CipherPGPSymmetric, CipherDigest, CipherHMAC:
		return true
	}
	return false
}

func (c Cipher) String() string {
	return string(c)
}

// ParseCipher parses the name of a cipher.
func ParseCipher(s string) (Cipher, error) {
	c := Cipher(s)
	if !c.Valid() {
		return "", xerrors.Errorf("unknown cipher %q", s)
	}
	return c, nil
}

func (c *Cipher) UnmarshalText(text []byte) error {
	parsed, err := ParseCipher(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Cipher) MarshalText() ([]byte, error) {
	return []byte(c), nil
}

// Kind is the plaintext type of a column.
type Kind string

const (
	KindText        Kind = "text"
	KindEmail       Kind = "email"
	KindInteger     Kind = "integer"
	KindDate        Kind = "date"
	KindNullBoolean Kind = "null_boolean"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindText, KindEmail, KindInteger, KindDate, KindNullBoolean}

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindEmail, KindInteger, KindDate, KindNullBoolean:
		return true
	}
	return false
}

// Textual kinds are the only ones that make sense to hash.
func (k Kind) Textual() bool {
	return k == KindText || k == KindEmail
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind parses the name of a kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", xerrors.Errorf("unknown kind %q", s)
	}
	return k, nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k), nil
}
