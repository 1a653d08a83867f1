package spake2

import (
	"bytes"
	"testing"
)

func TestRoundTripAgreesOnKey(t *testing.T) {
	password := []byte("123456" + "exported-keying-material-placeholder")

	a, err := New(password, nil, nil)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err := NewResponder(password, nil, nil)
	if err != nil {
		t.Fatalf("NewResponder(b): %v", err)
	}

	keyA, err := a.Finish(b.Message())
	if err != nil {
		t.Fatalf("a.Finish: %v", err)
	}
	keyB, err := b.Finish(a.Message())
	if err != nil {
		t.Fatalf("b.Finish: %v", err)
	}

	if !bytes.Equal(keyA, keyB) {
		t.Fatalf("keys disagree: %x vs %x", keyA, keyB)
	}
	if len(keyA) != KeySize {
		t.Fatalf("key length = %d, want %d", len(keyA), KeySize)
	}
}

func TestMismatchedPasswordDisagrees(t *testing.T) {
	a, err := New([]byte("111111material"), nil, nil)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err := NewResponder([]byte("222222material"), nil, nil)
	if err != nil {
		t.Fatalf("NewResponder(b): %v", err)
	}

	keyA, err := a.Finish(b.Message())
	if err != nil {
		t.Fatalf("a.Finish: %v", err)
	}
	keyB, err := b.Finish(a.Message())
	if err != nil {
		t.Fatalf("b.Finish: %v", err)
	}

	if bytes.Equal(keyA, keyB) {
		t.Fatalf("keys should disagree under mismatched passwords")
	}
}

func TestBadPeerMessageRejected(t *testing.T) {
	a, err := New([]byte("password-material"), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Finish([]byte("not a point")); err != ErrBadPeerMessage {
		t.Fatalf("Finish(garbage) = %v, want ErrBadPeerMessage", err)
	}
}
