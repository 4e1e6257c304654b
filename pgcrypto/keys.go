package pgcrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/xerrors"
)

// DefaultDigestAlgorithm is used by the digest and hmac ciphers when Keys
// does not name one.
const DefaultDigestAlgorithm = "sha512"

// MinSecretEntropy is the minimum entropy in bits of the symmetric passphrase
// and the HMAC key.
const MinSecretEntropy = 60

// DigestAlgorithms are the algorithms accepted by pgcrypto's digest and hmac
// functions.
var DigestAlgorithms = []string{"md5", "sha1", "sha224", "sha256", "sha384", "sha512"}

// Keys holds the key material handed to pgcrypto. PGP keys are ASCII armored.
// None of it is ever part of generated SQL: it is sent as bind parameters.
type Keys struct {
	PublicKey            string
	PrivateKey           string
	PrivateKeyPassphrase string
	Passphrase           string
	HMACKey              string
	DigestAlgorithm      string
}

// String never prints key material.
func (k Keys) String() string {
	var present []string
	if k.PublicKey != "" {
		present = append(present, "public_key")
	}
	if k.PrivateKey != "" {
		present = append(present, "private_key")
	}
	if k.Passphrase != "" {
		present = append(present, "passphrase")
	}
	if k.HMACKey != "" {
		present = append(present, "hmac_key")
	}
	return "Keys{" + strings.Join(present, ",") + "}"
}

// Digest returns the configured digest algorithm or the default.
func (k Keys) Digest() string {
	if k.DigestAlgorithm == "" {
		return DefaultDigestAlgorithm
	}
	return strings.ToLower(k.DigestAlgorithm)
}

// Validate checks that every key needed by ciphers is present and usable.
// All problems are reported at once.
func (k Keys) Validate(ciphers ...Cipher) error {
	var errs []error
	for _, c := range ciphers {
		switch c {
		case CipherPGPPublic:
			if err := checkArmor(k.PublicKey, openpgp.PublicKeyType); err != nil {
				errs = append(errs, xerrors.Errorf("public key: %w", err))
			}
			if err := checkArmor(k.PrivateKey, openpgp.PrivateKeyType); err != nil {
				errs = append(errs, xerrors.Errorf("private key: %w", err))
			}
		case CipherPGPSymmetric:
			if err := checkSecret(k.Passphrase); err != nil {
				errs = append(errs, xerrors.Errorf("passphrase: %w", err))
			}
		case CipherHMAC:
			if err := checkSecret(k.HMACKey); err != nil {
				errs = append(errs, xerrors.Errorf("hmac key: %w", err))
			}
			fallthrough
		case CipherDigest:
			if !slices.Contains(DigestAlgorithms, k.Digest()) {
				errs = append(errs, xerrors.Errorf("digest algorithm %q is not one of %s", k.DigestAlgorithm, strings.Join(DigestAlgorithms, ", ")))
			}
		default:
			errs = append(errs, xerrors.Errorf("unknown cipher %q", c))
		}
	}
	return errors.Join(errs...)
}

// Fingerprint returns the hex fingerprint of the primary public key.
func (k Keys) Fingerprint() (string, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(k.PublicKey))
	if err != nil {
		return "", xerrors.Errorf("read public key: %w", err)
	}
	if len(entities) == 0 || entities[0].PrimaryKey == nil {
		return "", xerrors.New("public key ring is empty")
	}
	return strings.ToUpper(hex.EncodeToString(entities[0].PrimaryKey.Fingerprint)), nil
}

// PassphraseDigest identifies the symmetric passphrase without revealing it.
func (k Keys) PassphraseDigest() string {
	sum := sha256.Sum256([]byte(k.Passphrase))
	return hex.EncodeToString(sum[:])
}

// KeyID returns the identifier the keyring stores for the key of a
// decryptable cipher.
func (k Keys) KeyID(c Cipher) (string, error) {
	switch c {
	case CipherPGPPublic:
		return k.Fingerprint()
	case CipherPGPSymmetric:
		return k.PassphraseDigest(), nil
	}
	return "", xerrors.Errorf("cipher %q has no key to identify", c)
}

// BindArgs returns the key bind parameters referenced by expressions.
// Names that a statement does not reference are ignored when binding.
func (k Keys) BindArgs() map[string]interface{} {
	return map[string]interface{}{
		ArgPublicKey:            k.PublicKey,
		ArgPrivateKey:           k.PrivateKey,
		ArgPrivateKeyPassphrase: k.PrivateKeyPassphrase,
		ArgPassphrase:           k.Passphrase,
		ArgHMACKey:              k.HMACKey,
		ArgDigestAlgorithm:      k.Digest(),
	}
}

func checkArmor(key, blockType string) error {
	if strings.TrimSpace(key) == "" {
		return xerrors.New("missing")
	}
	block, err := armor.Decode(strings.NewReader(key))
	if err != nil {
		return xerrors.Errorf("decode armor: %w", err)
	}
	if block.Type != blockType {
		return xerrors.Errorf("armor block is %q, expected %q", block.Type, blockType)
	}
	return nil
}

func checkSecret(secret string) error {
	if secret == "" {
		return xerrors.New("missing")
	}
	if err := passwordvalidator.Validate(secret, MinSecretEntropy); err != nil {
		return xerrors.Errorf("too weak: %w", err)
	}
	return nil
}
