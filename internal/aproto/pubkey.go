package aproto

import (
	"crypto/rsa"
	"encoding"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
	"slices"
)

// Android's custom RSA public key binary format: a sequence of little-endian
// 32-bit words, used by adbd to recognize trusted signers.
//
// https://cs.android.com/android/platform/superproject/main/+/main:system/core/libcrypto_utils/android_pubkey.cpp

const (
	// PublicKeyModulusSize is the size of an RSA-2048 modulus in bytes.
	PublicKeyModulusSize = 2048 / 8
	// PublicKeyEncodedSize is the size of an encoded pubkey, before base64.
	PublicKeyEncodedSize = 3*4 + 2*PublicKeyModulusSize
)

// PublicKey is the Montgomery-form little-endian word array adbd expects.
type PublicKey struct {
	ModulusSizeWords uint32
	N0Inv            uint32
	Modulus          [PublicKeyModulusSize]byte
	RR               [PublicKeyModulusSize]byte
	Exponent         uint32
}

var (
	_ encoding.BinaryUnmarshaler = (*PublicKey)(nil)
	_ encoding.BinaryAppender    = (*PublicKey)(nil)
	_ encoding.BinaryMarshaler   = (*PublicKey)(nil)
)

// NewPublicKey converts an RSA public key into Android's pubkey format,
// precomputing the Montgomery parameters adbd expects alongside the modulus.
func NewPublicKey(pub *rsa.PublicKey) (*PublicKey, error) {
	if n := pub.Size(); n != PublicKeyModulusSize {
		return nil, fmt.Errorf("aproto: unsupported modulus size %d", n)
	}

	var k PublicKey
	k.ModulusSizeWords = PublicKeyModulusSize / 4

	r32 := new(big.Int).SetBit(big.NewInt(0), 32, 1)
	n0inv := new(big.Int).Mod(pub.N, r32).ModInverse(pub.N, r32)
	k.N0Inv = uint32(new(big.Int).Sub(r32, n0inv).Uint64())

	mod := pub.N.Bytes()
	if len(mod) != PublicKeyModulusSize {
		return nil, fmt.Errorf("aproto: modulus has unexpected length %d", len(mod))
	}
	slices.Reverse(mod)
	k.Modulus = [PublicKeyModulusSize]byte(mod)

	r := new(big.Int).SetBit(big.NewInt(0), PublicKeyModulusSize*8, 1)
	rr := new(big.Int).Mod(new(big.Int).Mul(r, r), pub.N).Bytes()
	rr = append(make([]byte, PublicKeyModulusSize-len(rr)), rr...)
	slices.Reverse(rr)
	k.RR = [PublicKeyModulusSize]byte(rr)

	k.Exponent = uint32(pub.E)

	return &k, nil
}

// UnmarshalBinary decodes an encoded pubkey record (not base64-decoded).
func (k *PublicKey) UnmarshalBinary(buf []byte) error {
	if len(buf) != PublicKeyEncodedSize {
		return fmt.Errorf("aproto: incorrect pubkey length %d", len(buf))
	}
	*k = PublicKey{
		ModulusSizeWords: binary.LittleEndian.Uint32(buf[0:]),
		N0Inv:            binary.LittleEndian.Uint32(buf[4:]),
		Modulus:          [PublicKeyModulusSize]byte(buf[8:]),
		RR:               [PublicKeyModulusSize]byte(buf[8+PublicKeyModulusSize:]),
		Exponent:         binary.LittleEndian.Uint32(buf[8+PublicKeyModulusSize*2:]),
	}
	return nil
}

// AppendBinary encodes the pubkey record (not base64-encoded).
func (k *PublicKey) AppendBinary(b []byte) ([]byte, error) {
	b = slices.Grow(b, PublicKeyEncodedSize)
	b = binary.LittleEndian.AppendUint32(b, k.ModulusSizeWords)
	b = binary.LittleEndian.AppendUint32(b, k.N0Inv)
	b = append(b, k.Modulus[:]...)
	b = append(b, k.RR[:]...)
	b = binary.LittleEndian.AppendUint32(b, k.Exponent)
	return b, nil
}

func (k *PublicKey) MarshalBinary() ([]byte, error) {
	return k.AppendBinary(nil)
}

// EncodeADBPublicKey renders the full ADB public-key line: base64(payload)
// followed by a space, the name label, and a NUL terminator.
func EncodeADBPublicKey(pub *rsa.PublicKey, name string) ([]byte, error) {
	k, err := NewPublicKey(pub)
	if err != nil {
		return nil, err
	}
	raw, err := k.AppendBinary(nil)
	if err != nil {
		return nil, err
	}
	var out []byte
	out = base64.StdEncoding.AppendEncode(out, raw)
	out = append(out, ' ')
	out = append(out, name...)
	out = append(out, 0)
	return out, nil
}
