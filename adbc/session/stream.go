package session

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/fenwicklabs/adbpilot/adbc/errs"
	"github.com/fenwicklabs/adbpilot/internal/aproto"
)

// Stream is one logical ADB stream: local_id/remote_id pair, OPEN already
// acknowledged. Because the session manager serializes every operation
// onto one active session, only one Stream is ever open at a time in
// practice, but a Stream still courteously answers frames belonging to
// other streams the daemon interleaves (spec.md §4.4) rather than
// treating them as protocol errors.
type Stream struct {
	s        *Session
	localID  uint32
	remoteID uint32
	closed   bool
}

// OpenRawStream opens a service and blocks until the daemon's first OKAY
// acknowledges it, per spec.md §4.4's `OPEN → OKAY|CLSE` step. service is
// sent as-is, e.g. "shell:getprop ro.product.model" or "sync:".
func (s *Session) OpenRawStream(ctx context.Context, service string) (*Stream, error) {
	localID := s.nextID()
	if err := s.send(aproto.NewPacket(aproto.OPEN, localID, 0, []byte(service+"\x00"))); err != nil {
		return nil, err
	}

	st := &Stream{s: s, localID: localID}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkt, err := s.recv()
		if err != nil {
			return nil, err
		}
		if pkt.Arg1 != localID {
			s.replyForeign(pkt)
			continue
		}
		switch pkt.Command {
		case aproto.OKAY:
			st.remoteID = pkt.Arg0
			return st, nil
		case aproto.CLSE:
			st.closed = true
			s.send(aproto.NewPacket(aproto.CLSE, localID, pkt.Arg0, nil))
			return nil, errs.ProtocolErrorf("stream closed before open was acknowledged")
		default:
			return nil, errs.ProtocolErrorf("unexpected command %s while opening stream", pkt.Command)
		}
	}
}

// Send writes one WRTE frame to the stream.
func (st *Stream) Send(data []byte) error {
	return st.s.send(aproto.NewPacket(aproto.WRTE, st.localID, st.remoteID, data))
}

// Recv returns the next WRTE payload, replying OKAY once it's delivered,
// or io.EOF once the daemon sends CLSE — echoing CLSE(local_id, remote_id)
// back per spec.md §4.4 before returning. Frames belonging to other
// streams are answered courteously and skipped.
func (st *Stream) Recv(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkt, err := st.s.recv()
		if err != nil {
			return nil, err
		}
		if pkt.Arg1 != st.localID {
			st.s.replyForeign(pkt)
			continue
		}
		switch pkt.Command {
		case aproto.WRTE:
			if err := st.s.send(aproto.NewPacket(aproto.OKAY, st.localID, st.remoteID, nil)); err != nil {
				return nil, err
			}
			return pkt.Payload, nil
		case aproto.CLSE:
			st.closed = true
			st.s.send(aproto.NewPacket(aproto.CLSE, st.localID, st.remoteID, nil))
			return nil, io.EOF
		default:
			return nil, errs.ProtocolErrorf("unexpected command %s on stream", pkt.Command)
		}
	}
}

// Close sends CLSE if it hasn't already been sent or received. Safe to
// call more than once.
func (st *Stream) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	return st.s.send(aproto.NewPacket(aproto.CLSE, st.localID, st.remoteID, nil))
}

// replyForeign mirrors a courteous OKAY/CLSE back for a message that
// doesn't belong to the stream currently being driven, per spec.md §4.4.
func (s *Session) replyForeign(pkt aproto.Packet) {
	switch pkt.Command {
	case aproto.WRTE:
		s.send(aproto.NewPacket(aproto.OKAY, pkt.Arg1, pkt.Arg0, nil))
	case aproto.OPEN:
		s.send(aproto.NewPacket(aproto.CLSE, pkt.Arg1, pkt.Arg0, nil))
	case aproto.CLSE:
		s.send(aproto.NewPacket(aproto.CLSE, pkt.Arg1, pkt.Arg0, nil))
	}
}

// OpenShell runs "shell:<cmd>" and returns its output with trailing
// newlines trimmed, matching the session manager's "trimmed vs raw"
// distinction (spec.md §4.6).
func (s *Session) OpenShell(ctx context.Context, cmd string) (string, error) {
	raw, err := s.OpenShellRaw(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(raw, "\r\n"), nil
}

// OpenShellRaw runs "shell:<cmd>" and returns its output untrimmed.
func (s *Session) OpenShellRaw(ctx context.Context, cmd string) (string, error) {
	out, err := s.drain(ctx, "shell:"+cmd)
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// OpenExecRaw runs "exec:<cmd>" and returns its raw binary output, used
// for commands like "screencap -p" whose output must not be treated as
// line-buffered text.
func (s *Session) OpenExecRaw(ctx context.Context, cmd string) ([]byte, error) {
	out, err := s.drain(ctx, "exec:"+cmd)
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// drain opens service and accumulates every WRTE payload until CLSE.
func (s *Session) drain(ctx context.Context, service string) (*bytes.Buffer, error) {
	st, err := s.OpenRawStream(ctx, service)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for {
		data, err := st.Recv(ctx)
		if err == io.EOF {
			return &buf, nil
		}
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
}
