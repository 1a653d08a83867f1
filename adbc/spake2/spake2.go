// Package spake2 implements both sides of the SPAKE2
// password-authenticated key exchange used by ADB wireless-debugging
// pairing: curve P-256, the M/N points and transcript construction from
// draft-irtf-cfrg-spake2, transcript hash SHA-256, key derivation
// HKDF-SHA256 — the same parameter set BoringSSL's SPAKE2_CTX uses, which
// is what adbd links against.
//
// ADB pairing always runs this client as the "A" (Alice) side against the
// device's "B" (Bob) side, so New is what adbc/pairing calls. NewResponder
// plays Bob and exists so this package's own tests exercise a real
// cross-role exchange instead of running New on both ends, which would
// hide any A/B-asymmetric bug (wrong blinding point, wrong transcript
// field order) behind a symmetry the real protocol doesn't have.
//
// The curve points M and N are fixed public constants baked into every
// implementation of this exchange; they are not secrets and are not
// negotiated. See mnPoints in constants.go for the encoded values.
package spake2

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// ErrBadPeerMessage is returned when the peer's message point is not a
// valid point on the curve (off-curve, identity, or malformed encoding).
var ErrBadPeerMessage = errors.New("spake2: invalid peer message")

// MessageSize is the size of an uncompressed P-256 point: 0x04 || X || Y.
const MessageSize = 1 + 2*32

// KeySize is the size of the derived shared key, matching the AES-128-GCM
// key this exchange feeds into the pairing transport.
const KeySize = 16

// role selects which fixed point blinds this side's own message, and
// which fixed point is used to unblind the peer's, per
// draft-irtf-cfrg-spake2: Alice blinds with M and unblinds with N, Bob is
// the mirror image.
type role int

const (
	roleAlice role = iota
	roleBob
)

// Context drives one run of the exchange from one side. A Context is used
// exactly once: construct with New (or NewResponder), send the bytes from
// Message, receive the peer's bytes, and call Finish.
type Context struct {
	curve elliptic.Curve
	role  role
	w     *big.Int // password scalar
	x     *big.Int // our ephemeral scalar
	msg   []byte   // our outgoing message, cached

	myName, theirName []byte
}

// New starts a client-side ("Alice") exchange. password is the shared
// secret the two sides must agree on out of band (for ADB pairing: the
// six-digit pairing code concatenated with the RFC 5705 exported keying
// material from the pairing TLS connection). myName and theirName are
// included in the transcript hash so a transcript can't be replayed
// between different pairs of identities; ADB pairing leaves both empty.
func New(password, myName, theirName []byte) (*Context, error) {
	return newContext(roleAlice, password, myName, theirName)
}

// NewResponder starts a server-side ("Bob") exchange, the mirror image of
// New. adbd plays this role for real pairing; this package exposes it so
// tests can pair a real Alice against a real Bob instead of two Alices.
func NewResponder(password, myName, theirName []byte) (*Context, error) {
	return newContext(roleBob, password, myName, theirName)
}

func newContext(r role, password, myName, theirName []byte) (*Context, error) {
	curve := elliptic.P256()
	order := curve.Params().N

	w, err := hashToScalar(curve, password)
	if err != nil {
		return nil, err
	}

	x, err := rand.Int(rand.Reader, order)
	if err != nil {
		return nil, fmt.Errorf("spake2: generate ephemeral scalar: %w", err)
	}
	if x.Sign() == 0 {
		x.SetInt64(1) // astronomically unlikely; avoid the identity element
	}

	blind := blindPoint(curve, r)
	xGx, xGy := curve.ScalarBaseMult(x.Bytes())
	wBx, wBy := curve.ScalarMult(blind.x, blind.y, w.Bytes())
	pAx, pAy := curve.Add(xGx, xGy, wBx, wBy)

	return &Context{
		curve:     curve,
		role:      r,
		w:         w,
		x:         x,
		msg:       elliptic.Marshal(curve, pAx, pAy),
		myName:    myName,
		theirName: theirName,
	}, nil
}

// blindPoint returns the fixed point this role blinds its own outgoing
// message with: M for Alice, N for Bob.
func blindPoint(curve elliptic.Curve, r role) point {
	m, n := mnPoints(curve)
	if r == roleBob {
		return n
	}
	return m
}

// unblindPoint returns the fixed point this role removes from the peer's
// incoming message before the DH step: N for Alice (since Bob blinded
// with N), M for Bob.
func unblindPoint(curve elliptic.Curve, r role) point {
	m, n := mnPoints(curve)
	if r == roleBob {
		return m
	}
	return n
}

// Message returns the point this side sends to the peer.
func (c *Context) Message() []byte {
	return c.msg
}

// Finish consumes the peer's message and derives the shared key. The
// returned key is only trustworthy once the peer has demonstrated
// possession of it (in ADB pairing: successfully decrypting an
// AES-128-GCM PEER_INFO message framed with it) — SPAKE2 on its own gives
// no explicit confirmation step.
func (c *Context) Finish(peerMsg []byte) ([]byte, error) {
	curve := c.curve
	pBx, pBy := elliptic.Unmarshal(curve, peerMsg)
	if pBx == nil {
		return nil, ErrBadPeerMessage
	}
	if pBx.Sign() == 0 && pBy.Sign() == 0 {
		return nil, ErrBadPeerMessage
	}

	unblind := unblindPoint(curve, c.role)
	wNx, wNy := curve.ScalarMult(unblind.x, unblind.y, c.w.Bytes())
	// unblind: K = x * (peer - w*unblindPoint)
	negWNy := new(big.Int).Sub(curve.Params().P, wNy)
	tx, ty := curve.Add(pBx, pBy, wNx, negWNy)
	if !curve.IsOnCurve(tx, ty) {
		return nil, ErrBadPeerMessage
	}
	kx, _ := curve.ScalarMult(tx, ty, c.x.Bytes())

	// The transcript's field order is canonical regardless of which side
	// builds it: (Alice's name, Bob's name, Alice's message, Bob's
	// message, shared point, password). Swap accordingly when this side
	// is Bob so both ends hash the identical byte string.
	aliceName, bobName := c.myName, c.theirName
	aliceMsg, bobMsg := c.msg, peerMsg
	if c.role == roleBob {
		aliceName, bobName = bobName, aliceName
		aliceMsg, bobMsg = bobMsg, aliceMsg
	}

	transcript := buildTranscript(aliceName, bobName, aliceMsg, bobMsg, kx.Bytes(), c.w.Bytes())
	sum := sha256.Sum256(transcript)

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, sum[:], nil, []byte("adb-spake2-key"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("spake2: derive key: %w", err)
	}
	return key, nil
}

// buildTranscript assembles the transcript TT = len(A)||A||len(B)||B||
// len(X)||X||len(Y)||Y||len(Z)||Z||len(w)||w from draft-irtf-cfrg-spake2
// §3.3 (plain SPAKE2, no SPAKE2+ "V" term): each field length-prefixed
// with an 8-byte little-endian length, per the draft's len() definition.
func buildTranscript(fields ...[]byte) []byte {
	var out []byte
	var lenBuf [8]byte
	for _, f := range fields {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(f)))
		out = append(out, lenBuf[:]...)
		out = append(out, f...)
	}
	return out
}

// hashToScalar derives the password scalar w from the shared password
// bytes via HKDF-SHA256, reduced into [1, order).
func hashToScalar(curve elliptic.Curve, password []byte) (*big.Int, error) {
	order := curve.Params().N
	buf := make([]byte, (order.BitLen()+7)/8+8) // extra bytes to reduce bias
	r := hkdf.New(sha256.New, password, nil, []byte("adb-spake2-password"))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("spake2: derive password scalar: %w", err)
	}
	w := new(big.Int).SetBytes(buf)
	w.Mod(w, order)
	if w.Sign() == 0 {
		w.SetInt64(1)
	}
	return w, nil
}
