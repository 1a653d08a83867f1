package aproto

import (
	"crypto/rsa"
	"fmt"
	"math/big"
)

// SignatureSize is the size of an AUTH signature: one RSA-2048 block.
const SignatureSize = PublicKeyModulusSize

// sha1DigestInfoPrefix is the DER encoding of
// SEQUENCE { SEQUENCE { OID sha1, NULL }, OCTET STRING } up to (but not
// including) the 20-byte digest, used to build the PKCS#1 v1.5-shaped
// padding block that adbd expects when it performs raw RSA verification of
// an AUTH signature.
var sha1DigestInfoPrefix = []byte{
	0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14,
}

// signaturePrefix builds the fixed 236-byte PKCS#1-v1.5-style block that
// precedes the token in an AUTH signature: 0x00 0x01, 0xFF padding, 0x00,
// then the SHA-1 DigestInfo prefix. Its length plus AuthTokenSize equals
// PublicKeyModulusSize (256 bytes), so the padding run is
// 256 - 3 - len(sha1DigestInfoPrefix) - AuthTokenSize bytes long.
func signaturePrefix() []byte {
	n := PublicKeyModulusSize - 3 - len(sha1DigestInfoPrefix) - AuthTokenSize
	b := make([]byte, 0, PublicKeyModulusSize-AuthTokenSize)
	b = append(b, 0x00, 0x01)
	for i := 0; i < n; i++ {
		b = append(b, 0xFF)
	}
	b = append(b, 0x00)
	b = append(b, sha1DigestInfoPrefix...)
	return b
}

// Sign computes the raw (unpadded, textbook) RSA signature adbd expects for
// an AUTH token: modular exponentiation of the fixed 236-byte prefix
// concatenated with the 20-byte token, using the private exponent. There is
// no PKCS#1 padding function call on our side — adbd performs raw RSA
// decryption of whatever we send and compares against what it expects given
// the token, so the padding bytes must be supplied explicitly.
func Sign(key *rsa.PrivateKey, token []byte) ([]byte, error) {
	if len(token) != AuthTokenSize {
		return nil, fmt.Errorf("aproto: token must be %d bytes, got %d", AuthTokenSize, len(token))
	}
	if key.Size() != PublicKeyModulusSize {
		return nil, fmt.Errorf("aproto: key must be RSA-2048")
	}

	block := append(signaturePrefix(), token...)
	if len(block) != PublicKeyModulusSize {
		return nil, fmt.Errorf("aproto: internal error: signature block is %d bytes", len(block))
	}

	m := new(big.Int).SetBytes(block)
	if m.Cmp(key.N) >= 0 {
		return nil, fmt.Errorf("aproto: signature block exceeds modulus")
	}

	s := new(big.Int).Exp(m, key.D, key.N)

	sig := s.Bytes()
	if len(sig) < PublicKeyModulusSize {
		sig = append(make([]byte, PublicKeyModulusSize-len(sig)), sig...)
	}
	return sig, nil
}

// Verify checks a signature produced by Sign against the given public key.
// It is provided for tests and for identity self-checks; it is not used on
// the AUTH hot path.
func Verify(pub *rsa.PublicKey, token, sig []byte) bool {
	if len(token) != AuthTokenSize || len(sig) != PublicKeyModulusSize {
		return false
	}
	block := append(signaturePrefix(), token...)

	c := new(big.Int).SetBytes(sig)
	m := new(big.Int).Exp(c, big.NewInt(int64(pub.E)), pub.N)

	got := m.Bytes()
	if len(got) < PublicKeyModulusSize {
		got = append(make([]byte, PublicKeyModulusSize-len(got)), got...)
	}
	if len(got) != len(block) {
		return false
	}
	for i := range got {
		if got[i] != block[i] {
			return false
		}
	}
	return true
}
