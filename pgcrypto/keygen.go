package pgcrypto

import (
	"bytes"
	"crypto"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"golang.org/x/xerrors"
)

// KeyPair is an ASCII armored PGP key pair.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// GenerateKeyOptions configures GenerateKeyPair.
type GenerateKeyOptions struct {
	Name    string
	Comment string
	Email   string
	// Bits of the RSA key. Defaults to 3072.
	Bits int
	// Passphrase protects the private key when set. pgp_pub_decrypt then
	// needs Keys.PrivateKeyPassphrase.
	Passphrase string
}

// GenerateKeyPair creates an RSA key pair in the subset of OpenPGP that
// pgcrypto understands: RSA keys, no compression, iterated and salted S2K.
func GenerateKeyPair(opts GenerateKeyOptions) (KeyPair, error) {
	if opts.Bits == 0 {
		opts.Bits = 3072
	}
	if opts.Bits < 1024 {
		return KeyPair{}, xerrors.Errorf("key size %d is too small", opts.Bits)
	}
	cfg := &packet.Config{
		Algorithm:              packet.PubKeyAlgoRSA,
		RSABits:                opts.Bits,
		DefaultHash:            crypto.SHA256,
		DefaultCipher:          packet.CipherAES256,
		DefaultCompressionAlgo: packet.CompressionNone,
	}
	entity, err := openpgp.NewEntity(opts.Name, opts.Comment, opts.Email, cfg)
	if err != nil {
		return KeyPair{}, xerrors.Errorf("new entity: %w", err)
	}

	public, err := armorEncode(openpgp.PublicKeyType, entity.Serialize)
	if err != nil {
		return KeyPair{}, xerrors.Errorf("armor public key: %w", err)
	}

	if opts.Passphrase != "" {
		if err := entity.EncryptPrivateKeys([]byte(opts.Passphrase), cfg); err != nil {
			return KeyPair{}, xerrors.Errorf("encrypt private key: %w", err)
		}
	}
	// Identities were self signed by NewEntity, and an encrypted key cannot
	// sign again.
	private, err := armorEncode(openpgp.PrivateKeyType, func(w io.Writer) error {
		return entity.SerializePrivateWithoutSigning(w, cfg)
	})
	if err != nil {
		return KeyPair{}, xerrors.Errorf("armor private key: %w", err)
	}
	return KeyPair{PublicKey: public, PrivateKey: private}, nil
}

func armorEncode(blockType string, serialize func(io.Writer) error) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, blockType, nil)
	if err != nil {
		return "", err
	}
	if err := serialize(w); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	buf.WriteByte('\n')
	return buf.String(), nil
}
