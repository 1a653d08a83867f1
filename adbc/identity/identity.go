// Package identity manages the process-persistent ADB signing identity: an
// RSA-2048 key encrypted at rest, its self-signed certificate, and its
// Android-encoded public key.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fenwicklabs/adbpilot/internal/aproto"
	"github.com/fenwicklabs/adbpilot/internal/keystore"
)

// keyFileName is the persisted record name, matching spec.md's "a single
// key-value record `adbkey`".
const keyFileName = "adbkey"

// aadLabel is "adbkey" zero-padded to 16 bytes, used as the AES-GCM
// additional authenticated data for the wrapped private key.
var aadLabel = func() [16]byte {
	var b [16]byte
	copy(b[:], "adbkey")
	return b
}()

// Identity is the process-persistent signing identity. Once created, it is
// immutable for the life of the installation; callers may share one
// instance across goroutines without additional locking.
type Identity struct {
	name    string
	key     *rsa.PrivateKey
	cert    []byte // DER
	wrapped []byte // the exact bytes persisted in the adbkey file

	pubOnce sync.Once
	pubBuf  []byte
	pubErr  error
}

// LoadOrCreate loads the identity from dir, generating and persisting a new
// RSA-2048 key if none exists yet. Only the key is persisted; the
// self-signed certificate is regenerated on every call.
func LoadOrCreate(dir, name string, ks keystore.Provider) (*Identity, error) {
	path := filepath.Join(dir, keyFileName)

	if raw, err := os.ReadFile(path); err == nil {
		key, err := decodeRecord(raw, ks)
		if err != nil {
			return nil, fmt.Errorf("identity: load %s: %w", path, err)
		}
		cert, err := aproto.GenerateSelfSignedCert(key)
		if err != nil {
			return nil, fmt.Errorf("identity: regenerate certificate: %w", err)
		}
		return &Identity{name: name, key: key, cert: cert, wrapped: raw}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	cert, err := aproto.GenerateSelfSignedCert(key)
	if err != nil {
		return nil, fmt.Errorf("identity: generate certificate: %w", err)
	}

	raw, err := encodeRecord(key, ks)
	if err != nil {
		return nil, fmt.Errorf("identity: wrap key: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("identity: create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, fmt.Errorf("identity: write %s: %w", path, err)
	}

	return &Identity{name: name, key: key, cert: cert, wrapped: raw}, nil
}

// Sign produces the raw RSA AUTH signature over a 20-byte token.
func (id *Identity) Sign(token []byte) ([]byte, error) {
	return aproto.Sign(id.key, token)
}

// ADBPublicKey returns the ADB-encoded public key line: base64(payload) +
// " " + name + "\x00". The result is cached after the first call.
func (id *Identity) ADBPublicKey() ([]byte, error) {
	id.pubOnce.Do(func() {
		id.pubBuf, id.pubErr = aproto.EncodeADBPublicKey(&id.key.PublicKey, id.name)
	})
	return id.pubBuf, id.pubErr
}

// TLSCertificate returns a tls.Certificate presenting this identity's
// self-signed certificate and private key.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.cert},
		PrivateKey:  id.key,
	}
}

// TLSConfig returns a minimal client TLS configuration: present our
// certificate, accept the peer's unconditionally (pairing already
// established trust), prefer TLS 1.3 but allow falling back to 1.2.
func (id *Identity) TLSConfig() *tls.Config {
	cert := id.TLSCertificate()
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS13,
	}
}

// PrivateKey exposes the underlying RSA key for components (pairing) that
// need to drive their own TLS handshake parameters.
func (id *Identity) PrivateKey() *rsa.PrivateKey {
	return id.key
}

// WrappedKey returns the exact bytes persisted in the adbkey file, so
// callers that snapshot identity state elsewhere (adbc/store's Record)
// can include it without re-deriving or re-reading it from disk.
func (id *Identity) WrappedKey() []byte {
	return id.wrapped
}

func decodeRecord(raw []byte, ks keystore.Provider) (*rsa.PrivateKey, error) {
	wrapped, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	pkcs8, err := ks.Unwrap(aadLabel[:], wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an rsa key")
	}
	return rsaKey, nil
}

func encodeRecord(key *rsa.PrivateKey, ks keystore.Provider) ([]byte, error) {
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal pkcs8: %w", err)
	}
	wrapped, err := ks.Wrap(aadLabel[:], pkcs8)
	if err != nil {
		return nil, err
	}
	return []byte(base64.StdEncoding.EncodeToString(wrapped)), nil
}
