//go:build !linux

package keystore

import "os"

// lockSeedFile falls back to O_EXCL-based mutual exclusion on platforms
// without flock semantics wired up here. It makes a single attempt and
// never waits: if the lock file cannot be created, it proceeds without
// the lock.
func lockSeedFile(path string) (unlock func(), err error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		// best effort: proceed without the lock rather than fail startup
		// entirely on an unsupported platform.
		return func() {}, nil
	}
	return func() {
		f.Close()
		os.Remove(lockPath)
	}, nil
}
