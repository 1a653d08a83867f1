package spake2

import (
	"crypto/elliptic"
	"encoding/hex"
	"math/big"
	"sync"
)

// point is a curve point in affine coordinates.
type point struct {
	x, y *big.Int
}

// mHex and nHex are the NIST P-256 "M" and "N" points from the CFRG SPAKE2
// draft (draft-irtf-cfrg-spake2, appendix C), SEC1 compressed encoding.
// BoringSSL's spake2.cc — what adbd links against — hardcodes the same two
// points, which is what makes this side's blinded message land on the same
// curve points adbd expects; M blinds the client's share, N blinds the
// server's.
const (
	mHex = "02886e2f97ace46e55ba9dd7242579f2993b64e16ef3dcab95afd497333d8fa12f"
	nHex = "03d8bbd6c639c62937b04d997f38c3770719c629d7014d49a24b4f98baa1292b49"
)

// mnPoints returns the fixed M and N points, decoded once and cached.
func mnPoints(curve elliptic.Curve) (m, n point) {
	mnOnce.Do(func() {
		mCached = decodePoint(curve, mHex)
		nCached = decodePoint(curve, nHex)
	})
	return mCached, nCached
}

var (
	mnOnce           sync.Once
	mCached, nCached point
)

func decodePoint(curve elliptic.Curve, encoded string) point {
	b, err := hex.DecodeString(encoded)
	if err != nil {
		panic("spake2: malformed built-in point constant: " + err.Error())
	}
	x, y := elliptic.UnmarshalCompressed(curve, b)
	if x == nil {
		panic("spake2: built-in point constant is not a valid curve point")
	}
	return point{x: x, y: y}
}
