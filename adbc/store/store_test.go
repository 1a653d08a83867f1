package store

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/fenwicklabs/adbpilot/adbc/discovery"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")

	rec := Record{
		WrappedKey: []byte{1, 2, 3, 4, 5, 250, 251, 252},
		Endpoints: map[string]discovery.Endpoint{
			discovery.KindPairing.String(): {Kind: discovery.KindPairing, Host: "127.0.0.1", Port: 41000},
			discovery.KindConnect.String(): {Kind: discovery.KindConnect, Host: "192.168.1.5", Port: 5555},
		},
	}

	if err := Save(path, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got.WrappedKey, rec.WrappedKey) {
		t.Fatalf("WrappedKey = %v, want %v", got.WrappedKey, rec.WrappedKey)
	}
	if !reflect.DeepEqual(got.Endpoints, rec.Endpoints) {
		t.Fatalf("Endpoints = %+v, want %+v", got.Endpoints, rec.Endpoints)
	}
}

func TestLoadMissingFileReturnsEmptyRecord(t *testing.T) {
	dir := t.TempDir()
	got, err := Load(filepath.Join(dir, "does-not-exist.bin"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.WrappedKey != nil {
		t.Fatalf("WrappedKey = %v, want nil", got.WrappedKey)
	}
	if len(got.Endpoints) != 0 {
		t.Fatalf("Endpoints = %+v, want empty", got.Endpoints)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.bin")
	if err := os.WriteFile(path, []byte("not a real record at all"), 0o600); err != nil {
		t.Fatalf("write garbage file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error loading a file with a bad magic header")
	}
}
