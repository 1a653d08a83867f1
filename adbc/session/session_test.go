package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"net"
	"strconv"
	"testing"

	"github.com/fenwicklabs/adbpilot/internal/aproto"
)

// testIdentity is a minimal session.Identity backed by a freshly
// generated key, used so these tests don't depend on adbc/identity's
// on-disk state. TLSCertificate returns a zero value since none of these
// tests drive the daemon through an STLS upgrade.
type testIdentity struct {
	key *rsa.PrivateKey
}

func newTestIdentity(t *testing.T) *testIdentity {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testIdentity{key: key}
}

func (id *testIdentity) Sign(token []byte) ([]byte, error) { return aproto.Sign(id.key, token) }
func (id *testIdentity) ADBPublicKey() ([]byte, error) {
	return aproto.EncodeADBPublicKey(&id.key.PublicKey, "test")
}
func (id *testIdentity) TLSCertificate() tls.Certificate { return tls.Certificate{} }

// mockDaemon plays the device side of the CNXN/AUTH/CNXN handshake plus a
// trivial shell: echo service, entirely over a plain (non-TLS) socket —
// this exercises the baseline handshake and multiplexer without needing a
// second TLS certificate in these tests (no test in this module drives an
// STLS upgrade).
func mockDaemon(t *testing.T, ln net.Listener, shellReply string) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Errorf("mock daemon accept: %v", err)
		return
	}
	defer conn.Close()

	readPacket := func() aproto.Packet {
		var hdr [aproto.HeaderSize]byte
		if _, err := readFull(conn, hdr[:]); err != nil {
			t.Errorf("mock daemon read header: %v", err)
			return aproto.Packet{}
		}
		msg, err := aproto.DecodeHeader(hdr[:])
		if err != nil {
			t.Errorf("mock daemon decode header: %v", err)
			return aproto.Packet{}
		}
		payload := make([]byte, msg.DataLength)
		if len(payload) > 0 {
			if _, err := readFull(conn, payload); err != nil {
				t.Errorf("mock daemon read payload: %v", err)
				return aproto.Packet{}
			}
		}
		pkt, err := aproto.DecodePayload(msg, payload)
		if err != nil {
			t.Errorf("mock daemon decode payload: %v", err)
		}
		return pkt
	}
	writePacket := func(p aproto.Packet) {
		if _, err := conn.Write(aproto.Encode(p)); err != nil {
			t.Errorf("mock daemon write: %v", err)
		}
	}

	readPacket() // CNXN from client, ignored

	token := make([]byte, aproto.AuthTokenSize)
	for i := range token {
		token[i] = byte(i + 1)
	}
	writePacket(aproto.NewPacket(aproto.AUTH, aproto.AuthToken, 0, token))
	readPacket() // AUTH SIGNATURE
	writePacket(aproto.NewPacket(aproto.CNXN, aproto.ConnectVersion, aproto.MaxPayload,
		[]byte("device::ro.product.name=test;features=shell_v2,cmd\x00")))

	openPkt := readPacket() // OPEN shell:...
	localID, remoteID := openPkt.Arg0, uint32(42)
	writePacket(aproto.NewPacket(aproto.OKAY, remoteID, localID, nil))
	writePacket(aproto.NewPacket(aproto.WRTE, remoteID, localID, []byte(shellReply)))
	readPacket() // OKAY for the WRTE
	writePacket(aproto.NewPacket(aproto.CLSE, remoteID, localID, nil))
	readPacket() // CLSE ack
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestConnectAndShellRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mockDaemon(t, ln, "hello from device\n")
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	sess, err := Connect(context.Background(), Options{Host: host, Port: port, Identity: newTestIdentity(t)})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if !sess.HasFeature("shell_v2") {
		t.Fatalf("expected shell_v2 feature from banner %q", sess.Banner())
	}

	out, err := sess.OpenShell(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	if out != "hello from device" {
		t.Fatalf("OpenShell = %q, want trimmed reply", out)
	}

	// mockDaemon only returns once it has read the client's CLSE ack for
	// the shell stream, so this also proves Stream.Recv echoes CLSE back
	// on EOF per spec.md §4.4, not just that the shell round trip worked.
	<-done
}

func TestNextIDWrapsPastZero(t *testing.T) {
	s := &Session{nextLocalID: 0xFFFFFFFF}
	if id := s.nextID(); id != 1 {
		t.Fatalf("nextID after max = %d, want 1", id)
	}
}
