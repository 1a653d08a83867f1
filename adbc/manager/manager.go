// Package manager implements the single process-wide ADB session described
// by spec.md §4.6: one active session behind its own lock, shell-command
// dispatch serialized through a separate fair, timed lock, and file pulls
// layered on top via adbc/syncproto.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/fenwicklabs/adbpilot/adbc/errs"
	"github.com/fenwicklabs/adbpilot/adbc/session"
	"github.com/fenwicklabs/adbpilot/adbc/syncproto"
)

// shellLockTimeout is the fair-mutex acquisition timeout from spec.md §4.6:
// a shell call that can't acquire the lock within this window returns Busy
// rather than queuing indefinitely.
const shellLockTimeout = 300 * time.Millisecond

// SessionManager holds the active session slot behind its own RWMutex and
// serializes shell: dispatch through a separate fair, timed lock, so that
// Disconnect can proceed while a shell call is still waiting on the shell
// lock (spec.md §4.6).
type SessionManager struct {
	mu     sync.RWMutex
	active *session.Session

	// shellSem is the fair-mutex idiom the teacher uses for RemoteSocket's
	// flow-control notify channel: a buffered channel of capacity 1 whose
	// single token is acquired/released like a mutex, but whose acquire
	// can be bounded with a timeout via select, unlike sync.Mutex.Lock.
	shellSem chan struct{}
}

// New returns a SessionManager with no active session.
func New() *SessionManager {
	return &SessionManager{shellSem: make(chan struct{}, 1)}
}

// Connect replaces any existing session with a freshly connected one,
// closing the old one first. keepAlive is accepted for parity with
// spec.md §4.6's connect(host, port, keep_alive) signature; this
// implementation relies on the session's read timeout rather than a
// separate keepalive prober, since the underlying TCP socket already has
// TCP_NODELAY set and a bounded read deadline per operation.
func (m *SessionManager) Connect(ctx context.Context, host string, port int, identity session.Identity, keepAlive bool) error {
	sess, err := session.Connect(ctx, session.Options{Host: host, Port: port, Identity: identity})
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.active
	m.active = sess
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Disconnect closes the active session and clears the slot. A no-op if no
// session is active.
func (m *SessionManager) Disconnect() error {
	m.mu.Lock()
	sess := m.active
	m.active = nil
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Close()
}

// Connected reports whether a session is currently active.
func (m *SessionManager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active != nil
}

// ExecuteShell runs "shell:<cmd>" and returns its output with trailing
// newlines trimmed. Returns ErrNoActiveSession if no session is active, or
// ErrBusy if another shell call holds the shell lock past the 300ms
// acquisition window.
func (m *SessionManager) ExecuteShell(ctx context.Context, cmd string) (string, error) {
	sess, err := m.withShellLock(ctx)
	if err != nil {
		return "", err
	}
	defer m.releaseShellLock()
	return sess.OpenShell(ctx, cmd)
}

// ExecuteShellRaw is ExecuteShell without trailing-newline trimming.
func (m *SessionManager) ExecuteShellRaw(ctx context.Context, cmd string) (string, error) {
	sess, err := m.withShellLock(ctx)
	if err != nil {
		return "", err
	}
	defer m.releaseShellLock()
	return sess.OpenShellRaw(ctx, cmd)
}

// ExecuteExecRaw runs "exec:<cmd>" and returns its raw binary output,
// serialized through the same shell lock as ExecuteShell* since both
// compete for the one active session's socket.
func (m *SessionManager) ExecuteExecRaw(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := m.withShellLock(ctx)
	if err != nil {
		return nil, err
	}
	defer m.releaseShellLock()
	return sess.OpenExecRaw(ctx, cmd)
}

// PullFileText pulls path via the sync sub-protocol and returns it as a
// string, for text-shaped payloads like uiautomator XML dumps.
func (m *SessionManager) PullFileText(ctx context.Context, path string) (string, error) {
	b, err := m.PullFileBytes(ctx, path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PullFileBytes pulls path via the sync sub-protocol and returns its raw
// contents, for binary-shaped payloads like screenshots.
func (m *SessionManager) PullFileBytes(ctx context.Context, path string) ([]byte, error) {
	sess, err := m.withShellLock(ctx)
	if err != nil {
		return nil, err
	}
	defer m.releaseShellLock()

	st, err := sess.OpenRawStream(ctx, "sync:")
	if err != nil {
		return nil, err
	}
	return syncproto.PullFile(ctx, st, path, syncproto.PullOptions{
		AllowCompressed: true,
		HasFeature:      sess.HasFeature,
	})
}

// withShellLock acquires the shell lock (fairly, with a 300ms timeout) and
// returns the active session, or ErrNoActiveSession/ErrBusy. The active
// session slot is read under its own RLock so Disconnect can still take
// the write lock while this call waits on shellSem.
func (m *SessionManager) withShellLock(ctx context.Context) (*session.Session, error) {
	timer := time.NewTimer(shellLockTimeout)
	defer timer.Stop()

	select {
	case m.shellSem <- struct{}{}:
	case <-timer.C:
		return nil, errs.BusyErrorf("shell lock not acquired within %s", shellLockTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.RLock()
	sess := m.active
	m.mu.RUnlock()

	if sess == nil {
		<-m.shellSem
		return nil, errs.ErrNoActiveSession
	}
	return sess, nil
}

func (m *SessionManager) releaseShellLock() {
	<-m.shellSem
}
