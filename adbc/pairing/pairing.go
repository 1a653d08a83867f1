// Package pairing implements the client side of ADB's wireless-debugging
// pairing protocol: connect to the pairing service a device advertises
// over mDNS, run a SPAKE2 key exchange keyed on the six-digit pairing
// code, and exchange encrypted peer-info records to learn the device's
// public key (and hand it ours).
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/pairing_connection/
package pairing

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fenwicklabs/adbpilot/adbc/errs"
	"github.com/fenwicklabs/adbpilot/adbc/spake2"
)

// State is the pairing client's progress through the exchange, exposed so
// a caller driving the state machine interactively can report progress.
type State int

const (
	StateReady State = iota
	StateExchangingMsgs
	StateExchangingPeerInfo
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateExchangingMsgs:
		return "EXCHANGING_MSGS"
	case StateExchangingPeerInfo:
		return "EXCHANGING_PEER_INFO"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// message types for the 6-byte-header frame.
const (
	frameVersion = 1

	msgTypeSpake2   = 0
	msgTypePeerInfo = 1

	maxPayloadSize = 16384

	peerInfoSize       = 8192
	peerInfoTypeRSAKey = 0
)

// PeerInfo is the record exchanged once the SPAKE2 key is confirmed: a
// type tag and up to 8191 bytes of payload, zero-padded to a fixed
// 8192-byte record so passive observers can't distinguish message sizes.
type PeerInfo struct {
	Type    byte
	Payload []byte // at most peerInfoSize-1 bytes
}

func (p PeerInfo) encode() ([]byte, error) {
	if len(p.Payload) > peerInfoSize-1 {
		return nil, fmt.Errorf("pairing: peer info payload too large: %d bytes", len(p.Payload))
	}
	buf := make([]byte, peerInfoSize)
	buf[0] = p.Type
	copy(buf[1:], p.Payload)
	return buf, nil
}

func decodePeerInfo(buf []byte) (PeerInfo, error) {
	if len(buf) != peerInfoSize {
		return PeerInfo{}, fmt.Errorf("pairing: peer info record is %d bytes, want %d", len(buf), peerInfoSize)
	}
	// The payload may be shorter than the padded record; trim trailing
	// zero bytes that weren't part of the original data. adbd always
	// writes the ADB public-key line, which is NUL-terminated, so the
	// first NUL marks the true end when present; that NUL is kept as the
	// last payload byte and only the padding after it is dropped.
	payload := buf[1:]
	if i := indexByte(payload, 0); i >= 0 {
		payload = payload[:i+1]
	}
	return PeerInfo{Type: buf[0], Payload: payload}, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// RSAPublicKeyPeerInfo builds the PeerInfo this client sends: its
// ADB-encoded public key line, already including the trailing NUL.
func RSAPublicKeyPeerInfo(adbPublicKey []byte) PeerInfo {
	return PeerInfo{Type: peerInfoTypeRSAKey, Payload: adbPublicKey}
}

// Client drives one pairing attempt against a single adbd pairing-service
// endpoint.
type Client struct {
	TLSConfig *tls.Config

	// DialTimeout bounds the initial TCP connect. Zero means 5 seconds,
	// matching the direct-session client's connect timeout.
	DialTimeout time.Duration
}

// Pair connects to addr, negotiates TLS, runs the SPAKE2 exchange keyed by
// pairingCode, and exchanges myInfo for the device's PeerInfo. state, if
// non-nil, is called on every state transition.
func (c *Client) Pair(ctx context.Context, addr string, pairingCode []byte, myInfo PeerInfo, state func(State)) (PeerInfo, error) {
	report := func(s State) {
		if state != nil {
			state(s)
		}
	}
	report(StateReady)

	dialTimeout := c.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.NetworkErrorf("dial %s: %w", addr, err)
	}
	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	defer rawConn.Close()

	tlsConfig := c.TLSConfig.Clone()
	conn := tls.Client(rawConn, tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.NetworkErrorf("tls handshake: %w", err)
	}

	connState := conn.ConnectionState()
	keyingMaterial, err := connState.ExportKeyingMaterial("adb-label\x00", nil, 64)
	if err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.TLSExportErrorf("export keying material: %w", err)
	}

	password := append(append([]byte{}, pairingCode...), keyingMaterial...)

	report(StateExchangingMsgs)
	spakeCtx, err := spake2.New(password, nil, nil)
	if err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.ProtocolErrorf("%w", err)
	}

	if err := writeFrame(conn, msgTypeSpake2, spakeCtx.Message()); err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.NetworkErrorf("%w", err)
	}
	peerMsgType, peerMsg, err := readFrame(conn)
	if err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.NetworkErrorf("%w", err)
	}
	if peerMsgType != msgTypeSpake2 {
		report(StateStopped)
		return PeerInfo{}, errs.ProtocolErrorf("expected SPAKE2 message, got type %d", peerMsgType)
	}

	key, err := spakeCtx.Finish(peerMsg)
	if err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.ProtocolErrorf("%w", err)
	}

	report(StateExchangingPeerInfo)
	aead, err := newAEAD(key)
	if err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.ProtocolErrorf("%w", err)
	}

	myRecord, err := myInfo.encode()
	if err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.ProtocolErrorf("%w", err)
	}
	encrypted, err := seal(aead, myRecord, 0)
	if err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.ProtocolErrorf("%w", err)
	}
	if err := writeFrame(conn, msgTypePeerInfo, encrypted); err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.NetworkErrorf("%w", err)
	}

	peerInfoType, encryptedPeer, err := readFrame(conn)
	if err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.NetworkErrorf("%w", err)
	}
	if peerInfoType != msgTypePeerInfo {
		report(StateStopped)
		return PeerInfo{}, errs.ProtocolErrorf("expected peer info message, got type %d", peerInfoType)
	}

	decrypted, err := open(aead, encryptedPeer, 1)
	if err != nil {
		// Decryption failure here means the two sides derived different
		// SPAKE2 keys, i.e. the pairing code was wrong — SPAKE2 itself
		// never signals this; the AEAD is the confirmation step.
		report(StateStopped)
		return PeerInfo{}, errs.InvalidPairingCodeErrorf("decrypt peer info: %w", err)
	}

	peerInfo, err := decodePeerInfo(decrypted)
	if err != nil {
		report(StateStopped)
		return PeerInfo{}, errs.ProtocolErrorf("%w", err)
	}

	report(StateStopped)
	return peerInfo, nil
}

// newAEAD builds the AES-128-GCM cipher this pairing session's encrypted
// messages use, keyed on the SPAKE2-derived key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal and open use a deterministic nonce derived from a per-message
// sequence number rather than a random one: each side sends exactly one
// message per sequence number in this exchange, so reuse cannot occur,
// and a fixed, predictable nonce schedule avoids needing a separate random
// source once the SPAKE2 key is already established.
func seal(aead cipher.AEAD, plaintext []byte, seq uint64) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], seq)
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func open(aead cipher.AEAD, ciphertext []byte, seq uint64) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], seq)
	return aead.Open(nil, nonce, ciphertext, nil)
}

func writeFrame(w io.Writer, msgType byte, payload []byte) error {
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("pairing: payload too large: %d bytes", len(payload))
	}
	var header [6]byte
	header[0] = frameVersion
	header[1] = msgType
	binary.BigEndian.PutUint32(header[2:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (msgType byte, payload []byte, err error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}
	if header[0] != frameVersion {
		return 0, nil, fmt.Errorf("unsupported frame version %d", header[0])
	}
	size := binary.BigEndian.Uint32(header[2:])
	if size > maxPayloadSize {
		return 0, nil, fmt.Errorf("frame payload too large: %d bytes", size)
	}
	payload = make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return header[1], payload, nil
}
