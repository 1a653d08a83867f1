//go:build linux

package keystore

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockSeedFile takes an exclusive advisory lock on path+".lock" for the
// duration of seed generation, so two processes racing to create the
// keystore seed on first run don't clobber each other.
func lockSeedFile(path string) (unlock func(), err error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
