// Package keystore abstracts the "platform keystore" spec.md refers to for
// wrapping the persisted RSA identity key: a hardware-backed key on a real
// Android device, a root-owned seed file here.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// ErrUnavailable is returned when the wrapping key cannot be obtained.
// Callers must treat this as fatal: without it, the identity's private key
// cannot be unwrapped, and pairing/authentication cannot proceed.
var ErrUnavailable = errors.New("keystore: wrapping key unavailable")

// Provider seals and opens arbitrary plaintext with an authenticated cipher
// bound to aad. Implementations must be safe for concurrent use.
type Provider interface {
	Wrap(aad, plaintext []byte) ([]byte, error)
	Unwrap(aad, ciphertext []byte) ([]byte, error)
}

// Local is the default Provider: an AES-256-GCM wrapping key derived once
// with HKDF-SHA256 from a root-owned seed file, generated on first use.
//
// This mirrors the load-or-generate idiom this stack uses for its other
// on-disk identities: read the file if present, otherwise atomically create
// it with restrictive permissions.
type Local struct {
	seedPath string

	once sync.Once
	key  [32]byte
	err  error
}

// NewLocal returns a Local provider backed by a seed file under dir.
func NewLocal(dir string) *Local {
	return &Local{seedPath: filepath.Join(dir, "keystore.seed")}
}

func (l *Local) init() {
	l.once.Do(func() {
		seed, err := loadOrCreateSeed(l.seedPath)
		if err != nil {
			l.err = fmt.Errorf("%w: %v", ErrUnavailable, err)
			return
		}
		r := hkdf.New(sha256.New, seed, nil, []byte("adbpilot-keystore-wrap-key-v1"))
		if _, err := io.ReadFull(r, l.key[:]); err != nil {
			l.err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	})
}

func (l *Local) Wrap(aad, plaintext []byte) ([]byte, error) {
	l.init()
	if l.err != nil {
		return nil, l.err
	}
	block, err := aes.NewCipher(l.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func (l *Local) Unwrap(aad, ciphertext []byte) ([]byte, error) {
	l.init()
	if l.err != nil {
		return nil, l.err
	}
	block, err := aes.NewCipher(l.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("keystore: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, aad)
}

func loadOrCreateSeed(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) == 32 {
		return b, nil
	} else if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return generateSeed(path)
}

func generateSeed(path string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	unlock, err := lockSeedFile(path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// re-check: another process may have won the race while we waited for
	// the lock
	if b, err := os.ReadFile(path); err == nil && len(b) == 32 {
		return b, nil
	}

	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, seed, 0600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return seed, nil
}
