package syncproto

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/fenwicklabs/adbpilot/adbc/errs"
)

// scriptedStream plays a fixed sequence of WRTE-equivalent chunks back to
// drain/pullV1, recording everything sent to it, so these tests can
// assert on the exact bytes this package puts on the wire without a real
// socket.
type scriptedStream struct {
	sent   [][]byte
	chunks [][]byte
	closed bool
}

func (s *scriptedStream) Send(data []byte) error {
	s.sent = append(s.sent, append([]byte{}, data...))
	return nil
}

func (s *scriptedStream) Recv(ctx context.Context) ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

func syncPacket(id string, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	copy(buf[0:4], id)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	return buf
}

func TestPullFileRoundTrip(t *testing.T) {
	// spec.md §8 scenario 5: OPEN-ack then three WRTEs carrying
	// DATA "abc", DATA "defgh", DONE.
	stream := &scriptedStream{
		chunks: [][]byte{
			syncPacket("DATA", []byte("abc")),
			syncPacket("DATA", []byte("defgh")),
			syncPacket("DONE", nil),
		},
	}

	got, err := PullFile(context.Background(), stream, "/any", PullOptions{})
	if err != nil {
		t.Fatalf("PullFile: %v", err)
	}
	if string(got) != "abcdefgh" {
		t.Fatalf("PullFile = %q, want %q", got, "abcdefgh")
	}
	if !stream.closed {
		t.Fatalf("expected stream to be closed after DONE")
	}

	if len(stream.sent) != 1 {
		t.Fatalf("expected exactly one request frame, got %d", len(stream.sent))
	}
	want := append([]byte("RECV"), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(want[4:8], uint32(len("/any")))
	want = append(want, "/any"...)
	if !bytes.Equal(stream.sent[0], want) {
		t.Fatalf("request = %x, want %x", stream.sent[0], want)
	}
}

func TestPullFileTailBufferAcrossChunks(t *testing.T) {
	// Packet boundaries split across WRTE frames: the 8-byte header of
	// the second DATA packet is split mid-header.
	full := append(syncPacket("DATA", []byte("hello")), syncPacket("DATA", []byte("world"))...)
	full = append(full, syncPacket("DONE", nil)...)

	stream := &scriptedStream{chunks: [][]byte{
		full[:5],
		full[5:20],
		full[20:],
	}}

	got, err := PullFile(context.Background(), stream, "/f", PullOptions{})
	if err != nil {
		t.Fatalf("PullFile: %v", err)
	}
	if string(got) != "helloworld" {
		t.Fatalf("PullFile = %q, want %q", got, "helloworld")
	}
}

func TestPullFileFAIL(t *testing.T) {
	stream := &scriptedStream{chunks: [][]byte{
		syncPacket("FAIL", []byte("no such file")),
	}}

	_, err := PullFile(context.Background(), stream, "/missing", PullOptions{})
	var syncErr *errs.SyncFailed
	if !errors.As(err, &syncErr) || syncErr.Reason != "no such file" {
		t.Fatalf("PullFile error = %v, want SyncFailed(\"no such file\")", err)
	}
	if !errors.Is(err, errs.ErrSyncFailed) {
		t.Fatalf("errors.Is(err, ErrSyncFailed) = false")
	}
}

func TestPullFileCloseBeforeDoneWithData(t *testing.T) {
	// CLSE arriving before DONE but after at least one DATA with
	// non-empty content returns what was received.
	stream := &scriptedStream{chunks: [][]byte{
		syncPacket("DATA", []byte("partial")),
	}}

	got, err := PullFile(context.Background(), stream, "/f", PullOptions{})
	if err != nil {
		t.Fatalf("PullFile: %v", err)
	}
	if string(got) != "partial" {
		t.Fatalf("PullFile = %q, want %q", got, "partial")
	}
}

func TestPullFileEmptyCloseWithoutDoneFails(t *testing.T) {
	stream := &scriptedStream{chunks: nil} // immediate EOF, no DATA ever seen

	_, err := PullFile(context.Background(), stream, "/f", PullOptions{})
	if !errors.Is(err, errs.ErrProtocol) {
		t.Fatalf("PullFile error = %v, want ErrProtocol", err)
	}
}

func TestPullFileSelectsCompressionWhenAdvertised(t *testing.T) {
	features := map[string]bool{"sendrecv_v2": true, "sendrecv_v2_zstd": true}
	opts := PullOptions{
		AllowCompressed: true,
		HasFeature:      func(f string) bool { return features[f] },
	}
	if selectCompression(opts) != compressionZstd {
		t.Fatalf("selectCompression did not pick zstd")
	}

	opts.AllowCompressed = false
	if selectCompression(opts) != compressionNone {
		t.Fatalf("selectCompression should stay off when AllowCompressed is false")
	}
}

func compressBrotli(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("brotli write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("brotli close: %v", err)
	}
	return buf.Bytes()
}

func compressLZ4(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("lz4 write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("lz4 close: %v", err)
	}
	return buf.Bytes()
}

func compressZstd(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd new writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("zstd write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	return buf.Bytes()
}

// TestAcceleratedPullRoundTrips exercises the §4.5 accelerated-path
// invariant: decompressing a brotli/lz4/zstd-compressed fixture through
// each codec path yields the same bytes as the uncompressed v1 fixture.
func TestAcceleratedPullRoundTrips(t *testing.T) {
	want := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, " +
		"the quick brown fox jumps over the lazy dog")

	cases := []struct {
		name     string
		kind     compressionKind
		compress func(*testing.T, []byte) []byte
	}{
		{"brotli", compressionBrotli, compressBrotli},
		{"lz4", compressionLZ4, compressLZ4},
		{"zstd", compressionZstd, compressZstd},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			compressed := c.compress(t, want)
			stream := &scriptedStream{chunks: [][]byte{
				syncPacket("DATA", compressed),
				syncPacket("DONE", nil),
			}}
			features := map[string]bool{"sendrecv_v2": true, "sendrecv_v2_" + c.name: true}
			got, err := PullFile(context.Background(), stream, "/f", PullOptions{
				AllowCompressed: true,
				HasFeature:      func(f string) bool { return features[f] },
			})
			if err != nil {
				t.Fatalf("PullFile: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("decompressed mismatch for %s", c.name)
			}

			// the request this path sends must be RCV2 + detail record,
			// not the plain RECV v1 request.
			if len(stream.sent) != 2 {
				t.Fatalf("expected RCV2 request + detail record, got %d frames", len(stream.sent))
			}
			if string(stream.sent[0][:4]) != "RCV2" {
				t.Fatalf("request id = %q, want RCV2", stream.sent[0][:4])
			}
			if got, want := binary.LittleEndian.Uint32(stream.sent[1]), uint32(c.kind); got != want {
				t.Fatalf("detail flags = %d, want %d", got, want)
			}
		})
	}
}
