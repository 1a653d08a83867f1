// Package store persists the two pieces of local state spec.md describes
// outside the wire protocol itself: the wrapped adbkey blob (§4.2/§6) and
// the discovery layer's last-seen endpoints (§4.7), so a restart doesn't
// force re-pairing or wait out a fresh mDNS advertisement.
//
// The teacher's adbpb package references adb_host.proto/
// adb_known_hosts.proto/pairing.proto via a go:generate line, but none of
// those .proto files are vendored in this tree and this module never runs
// protoc. Rather than fabricate generated Go for sources that don't exist,
// this package reuses protobuf's own well-known types — wrapperspb and
// structpb — which are already fully generated and shipped inside
// google.golang.org/protobuf, and frames two of them into one record file.
package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fenwicklabs/adbpilot/adbc/discovery"
)

// Record is the in-memory form of the persisted state.
type Record struct {
	// WrappedKey is the adbkey record exactly as adbc/identity persists it
	// (Identity.WrappedKey): the base64 text of the AES-GCM-wrapped PKCS#8
	// blob, carried here as the value of a protobuf bytes field.
	WrappedKey []byte

	// Endpoints holds the last-seen host:port for each discovery.Kind,
	// keyed by its String() ("pairing"/"connect").
	Endpoints map[string]discovery.Endpoint
}

const recordMagic = "ADBPS1\x00\x00" // adbpilot store, format version 1

// Save writes rec to path as two length-prefixed protobuf messages behind
// an 8-byte magic/version header: a wrapperspb.BytesValue for the wrapped
// key, and a structpb.Struct for the cached endpoints.
func Save(path string, rec Record) error {
	epStruct, err := endpointsToStruct(rec.Endpoints)
	if err != nil {
		return fmt.Errorf("encode endpoints: %w", err)
	}

	keyMsg, err := proto.Marshal(wrapperspb.Bytes(rec.WrappedKey))
	if err != nil {
		return fmt.Errorf("marshal wrapped key: %w", err)
	}
	epMsg, err := proto.Marshal(epStruct)
	if err != nil {
		return fmt.Errorf("marshal endpoints: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(recordMagic)); err != nil {
		return err
	}
	if err := writeFramed(f, keyMsg); err != nil {
		return err
	}
	if err := writeFramed(f, epMsg); err != nil {
		return err
	}
	return nil
}

// Load reads a Record previously written by Save. A missing file is not
// an error; it returns a Record with no wrapped key and an empty endpoint
// map, since a fresh install has no persisted state yet.
func Load(path string) (Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Record{Endpoints: map[string]discovery.Endpoint{}}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	magic := make([]byte, len(recordMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return Record{}, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != recordMagic {
		return Record{}, fmt.Errorf("unrecognized store format %q", magic)
	}

	keyMsg, err := readFramed(f)
	if err != nil {
		return Record{}, fmt.Errorf("read wrapped key: %w", err)
	}
	epMsg, err := readFramed(f)
	if err != nil {
		return Record{}, fmt.Errorf("read endpoints: %w", err)
	}

	var keyVal wrapperspb.BytesValue
	if err := proto.Unmarshal(keyMsg, &keyVal); err != nil {
		return Record{}, fmt.Errorf("unmarshal wrapped key: %w", err)
	}
	var epStruct structpb.Struct
	if err := proto.Unmarshal(epMsg, &epStruct); err != nil {
		return Record{}, fmt.Errorf("unmarshal endpoints: %w", err)
	}

	endpoints, err := structToEndpoints(&epStruct)
	if err != nil {
		return Record{}, fmt.Errorf("decode endpoints: %w", err)
	}

	return Record{WrappedKey: keyVal.GetValue(), Endpoints: endpoints}, nil
}

func writeFramed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func endpointsToStruct(endpoints map[string]discovery.Endpoint) (*structpb.Struct, error) {
	fields := make(map[string]any, len(endpoints))
	for kind, ep := range endpoints {
		fields[kind] = map[string]any{
			"host": ep.Host,
			"port": float64(ep.Port),
		}
	}
	return structpb.NewStruct(fields)
}

func structToEndpoints(s *structpb.Struct) (map[string]discovery.Endpoint, error) {
	out := make(map[string]discovery.Endpoint, len(s.GetFields()))
	for kind, v := range s.GetFields() {
		obj := v.GetStructValue()
		if obj == nil {
			continue
		}
		var k discovery.Kind
		switch kind {
		case discovery.KindPairing.String():
			k = discovery.KindPairing
		case discovery.KindConnect.String():
			k = discovery.KindConnect
		default:
			continue
		}
		out[kind] = discovery.Endpoint{
			Kind: k,
			Host: obj.GetFields()["host"].GetStringValue(),
			Port: int(obj.GetFields()["port"].GetNumberValue()),
		}
	}
	return out, nil
}
