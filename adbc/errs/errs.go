// Package errs defines the sentinel error kinds shared by the session,
// manager, pairing, and HTTP layers, following a wrap-and-match idiom
// (sentinel kinds matched with errors.Is) rather than string-matching
// error messages.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Test with [errors.Is]; build one with the
// matching *Errorf constructor to attach a message while keeping it
// matchable.
var (
	ErrNetwork            = errors.New("network error")
	ErrTimeout            = errors.New("timeout")
	ErrTLSExport          = errors.New("tls keying material export failed")
	ErrInvalidPairingCode = errors.New("invalid pairing code")
	ErrProtocol           = errors.New("protocol fault")
	ErrAuthRejected       = errors.New("authentication rejected")
	ErrNoActiveSession    = errors.New("no active session")
	ErrBusy               = errors.New("busy")
	ErrSyncFailed         = errors.New("sync failed")
	ErrValidation         = errors.New("validation error")
)

type kindError struct {
	kind error
	err  error
}

func (k *kindError) Error() string {
	if k.err == nil {
		return k.kind.Error()
	}
	return fmt.Sprintf("%s: %s", k.kind.Error(), k.err.Error())
}

func (k *kindError) Is(target error) bool { return target == k.kind }
func (k *kindError) Unwrap() error        { return k.err }

func wrapf(kind error, format string, a ...any) error {
	var err error
	if format != "" {
		err = fmt.Errorf(format, a...)
	}
	return &kindError{kind: kind, err: err}
}

func NetworkErrorf(format string, a ...any) error            { return wrapf(ErrNetwork, format, a...) }
func TimeoutErrorf(format string, a ...any) error            { return wrapf(ErrTimeout, format, a...) }
func TLSExportErrorf(format string, a ...any) error          { return wrapf(ErrTLSExport, format, a...) }
func InvalidPairingCodeErrorf(format string, a ...any) error { return wrapf(ErrInvalidPairingCode, format, a...) }
func ProtocolErrorf(format string, a ...any) error           { return wrapf(ErrProtocol, format, a...) }
func AuthRejectedErrorf(format string, a ...any) error       { return wrapf(ErrAuthRejected, format, a...) }
func BusyErrorf(format string, a ...any) error               { return wrapf(ErrBusy, format, a...) }
func ValidationErrorf(format string, a ...any) error         { return wrapf(ErrValidation, format, a...) }

// SyncFailed is FAIL from the sync sub-protocol: it carries the daemon's
// UTF-8 reason verbatim, not just a formatted message.
type SyncFailed struct {
	Reason string
}

func (s *SyncFailed) Error() string        { return fmt.Sprintf("sync failed: %s", s.Reason) }
func (s *SyncFailed) Is(target error) bool { return target == ErrSyncFailed }
