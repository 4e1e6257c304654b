package pgcrypto

import (
	"fmt"
)

// Bind parameter names of the key material. Expressions reference them as
// "@name" and database.BindNamed turns each into a single positional
// parameter per statement.
const (
	ArgPublicKey            = "pgcrypto_public_key"
	ArgPrivateKey           = "pgcrypto_private_key"
	ArgPrivateKeyPassphrase = "pgcrypto_private_key_passphrase"
	ArgPassphrase           = "pgcrypto_passphrase"
	ArgHMACKey              = "pgcrypto_hmac_key"
	ArgDigestAlgorithm      = "pgcrypto_digest_algorithm"
)

// EncryptSQL wraps the SQL expression value, which must evaluate to text or
// NULL, in the write function of the cipher.
func EncryptSQL(c Cipher, k Kind, value string) string {
	switch c {
	case CipherPGPPublic:
		if k == KindInteger {
			return fmt.Sprintf("pgp_pub_encrypt(nullif(%s::text, NULL)::text, dearmor(@%s))", value, ArgPublicKey)
		}
		return fmt.Sprintf("pgp_pub_encrypt(%s::text, dearmor(@%s))", value, ArgPublicKey)
	case CipherPGPSymmetric:
		return fmt.Sprintf("pgp_sym_encrypt(%s::text, @%s::text)", value, ArgPassphrase)
	case CipherDigest:
		return fmt.Sprintf("digest(%s::text, @%s::text)", value, ArgDigestAlgorithm)
	case CipherHMAC:
		return fmt.Sprintf("hmac(%s::text, @%s::text, @%s::text)", value, ArgHMACKey, ArgDigestAlgorithm)
	}
	panic(fmt.Sprintf("developer error: unknown cipher %q", c))
}

// DecryptSQL wraps the column reference ref in the read function of the
// cipher. Hash ciphers cannot be decrypted, the reference is returned as is.
func DecryptSQL(c Cipher, ref string, privateKeyPassphrase bool) string {
	switch c {
	case CipherPGPPublic:
		if privateKeyPassphrase {
			return fmt.Sprintf("pgp_pub_decrypt(%s, dearmor(@%s), @%s::text)", ref, ArgPrivateKey, ArgPrivateKeyPassphrase)
		}
		return fmt.Sprintf("pgp_pub_decrypt(%s, dearmor(@%s))", ref, ArgPrivateKey)
	case CipherPGPSymmetric:
		return fmt.Sprintf("pgp_sym_decrypt(%s, @%s::text)", ref, ArgPassphrase)
	}
	return ref
}

// CastSQL converts the decrypted text expression into the SQL type of the
// kind so it can be compared and ordered.
func CastSQL(k Kind, expr string) string {
	switch k {
	case KindInteger:
		return fmt.Sprintf("CAST(nullif(%s, '') AS integer)", expr)
	case KindDate:
		return fmt.Sprintf("to_date(%s, 'YYYY-MM-DD')", expr)
	case KindNullBoolean:
		return fmt.Sprintf("CASE %s WHEN 'True' THEN TRUE WHEN 'False' THEN FALSE ELSE NULL END", expr)
	}
	return expr
}
