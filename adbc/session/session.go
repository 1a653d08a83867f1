// Package session implements the direct-to-daemon ADB session client:
// the connect/AUTH/STLS handshake, the stream multiplexer, and the
// shell:/exec:/sync: service openers.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/transport.cpp
package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/fenwicklabs/adbpilot/adbc/errs"
	"github.com/fenwicklabs/adbpilot/internal/aproto"
)

// Options configures Connect.
type Options struct {
	Host string
	Port int

	// Identity signs the AUTH challenge and presents the TLS certificate
	// used once the daemon requests STLS.
	Identity Identity

	ConnectTimeout time.Duration // default 5s, per spec.md §4.4
	ReadTimeout    time.Duration // default 8s, per spec.md §4.4
}

// Identity is the subset of adbc/identity.Identity the session needs.
// Declared here (rather than importing adbc/identity directly) so this
// package doesn't force every caller to pull in the keystore/identity
// dependency chain just to type-check.
type Identity interface {
	Sign(token []byte) ([]byte, error)
	ADBPublicKey() ([]byte, error)
	TLSCertificate() tls.Certificate
}

// Session is a connected, authenticated transport: a socket (plain or
// TLS-upgraded), the next local-id counter, and the connection's banner
// features. A Session is not safe for concurrent operations — the caller
// (adbc/manager) is responsible for serializing access.
type Session struct {
	conn        net.Conn
	readTimeout time.Duration

	nextLocalID uint32
	banner      string
	features    map[string]struct{}
}

// HasFeature reports whether the daemon's CNXN banner advertised feature.
func (s *Session) HasFeature(feature string) bool {
	_, ok := s.features[feature]
	return ok
}

// Banner returns the daemon's raw CNXN payload, e.g.
// "device::ro.product.name=...;...;features=shell_v2,cmd,...".
func (s *Session) Banner() string { return s.banner }

// Close closes the underlying connection. A Session that was never
// connected has no connection to close, and Close returns nil.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Connect performs the TCP connect, optional TLS upgrade, and AUTH
// handshake described in spec.md §4.4, returning a ready-to-use Session.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 5 * time.Second
	}
	readTimeout := opts.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 8 * time.Second
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.NetworkErrorf("dial %s: %w", addr, err)
	}
	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	s := &Session{conn: rawConn, readTimeout: readTimeout}
	if err := s.handshake(opts.Identity); err != nil {
		rawConn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(id Identity) error {
	cnxn := aproto.NewPacket(aproto.CNXN, aproto.ConnectVersion, aproto.MaxPayload, []byte("host::\x00"))
	if err := s.send(cnxn); err != nil {
		return err
	}

	offeredPublicKey := false
	for {
		pkt, err := s.recv()
		if err != nil {
			return err
		}

		switch pkt.Command {
		case aproto.STLS:
			if err := s.send(aproto.NewPacket(aproto.STLS, aproto.STLSVersion, 0, nil)); err != nil {
				return err
			}
			tlsConn := tls.Client(s.conn, &tls.Config{
				Certificates:       []tls.Certificate{id.TLSCertificate()},
				InsecureSkipVerify: true,
				MinVersion:         tls.VersionTLS12,
				MaxVersion:         tls.VersionTLS13,
			})
			if err := tlsConn.Handshake(); err != nil {
				return errs.NetworkErrorf("tls upgrade: %w", err)
			}
			s.conn = tlsConn
			// loop back to step 3 on the TLS-wrapped socket.

		case aproto.AUTH:
			if pkt.Arg0 != aproto.AuthToken {
				return errs.ProtocolErrorf("unexpected AUTH arg0 %d", pkt.Arg0)
			}
			sig, err := id.Sign(pkt.Payload)
			if err != nil {
				return errs.ProtocolErrorf("sign auth token: %w", err)
			}
			if err := s.send(aproto.NewPacket(aproto.AUTH, aproto.AuthSignature, 0, sig)); err != nil {
				return err
			}

			next, err := s.recv()
			if err != nil {
				return err
			}
			if next.Command == aproto.CNXN {
				return s.finishConnect(next)
			}
			if offeredPublicKey {
				return errs.AuthRejectedErrorf("daemon rejected public key after offering it")
			}
			pubKey, err := id.ADBPublicKey()
			if err != nil {
				return errs.ProtocolErrorf("encode adb public key: %w", err)
			}
			if err := s.send(aproto.NewPacket(aproto.AUTH, aproto.AuthRSAPublicKey, 0, pubKey)); err != nil {
				return err
			}
			offeredPublicKey = true

		case aproto.CNXN:
			return s.finishConnect(pkt)

		default:
			return errs.ProtocolErrorf("unexpected command %s during handshake", pkt.Command)
		}
	}
}

func (s *Session) finishConnect(pkt aproto.Packet) error {
	s.banner = string(bytes.TrimRight(pkt.Payload, "\x00"))
	s.features = parseFeatures(s.banner)
	return nil
}

// parseFeatures extracts the "features=a,b,c" segment from a banner of the
// form "device::prop1=val1;prop2=val2;...;features=a,b,c;...". Purely
// informational; the baseline shell/exec/sync paths never consult it.
func parseFeatures(banner string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, field := range strings.Split(banner, ";") {
		name, value, ok := strings.Cut(field, "=")
		if !ok || name != "features" {
			continue
		}
		for _, f := range strings.Split(value, ",") {
			if f != "" {
				out[f] = struct{}{}
			}
		}
	}
	return out
}

func (s *Session) send(pkt aproto.Packet) error {
	if _, err := s.conn.Write(aproto.Encode(pkt)); err != nil {
		return errs.NetworkErrorf("write %s: %w", pkt.Command, err)
	}
	return nil
}

func (s *Session) recv() (aproto.Packet, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

	var headerBuf [aproto.HeaderSize]byte
	if _, err := io.ReadFull(s.conn, headerBuf[:]); err != nil {
		if isTimeout(err) {
			return aproto.Packet{}, errs.TimeoutErrorf("read header: %w", err)
		}
		return aproto.Packet{}, errs.NetworkErrorf("read header: %w", err)
	}
	msg, err := aproto.DecodeHeader(headerBuf[:])
	if err != nil {
		return aproto.Packet{}, errs.ProtocolErrorf("%w", err)
	}

	payload := make([]byte, msg.DataLength)
	if len(payload) > 0 {
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			if isTimeout(err) {
				return aproto.Packet{}, errs.TimeoutErrorf("read payload: %w", err)
			}
			return aproto.Packet{}, errs.NetworkErrorf("read payload: %w", err)
		}
	}

	pkt, err := aproto.DecodePayload(msg, payload)
	if err != nil {
		return aproto.Packet{}, errs.ProtocolErrorf("%w", err)
	}
	return pkt, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return asNetError(err, &ne) && ne.Timeout()
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// nextID allocates the next local_id: client-allocated, monotonic, wraps
// from the maximum uint32 to 1, and never 0 (0 is reserved to mean "no
// stream" in OKAY's first field before the daemon has assigned one).
func (s *Session) nextID() uint32 {
	s.nextLocalID++
	if s.nextLocalID == 0 {
		s.nextLocalID = 1
	}
	return s.nextLocalID
}
