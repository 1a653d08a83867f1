// Package aproto implements the ADB wire protocol: the 24-byte message
// header, the payload checksum, and the command set used by the CNXN/AUTH/
// STLS/OPEN/OKAY/WRTE/CLSE exchange.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.h
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/transport.cpp
package aproto

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"slices"
)

// Command identifies an ADB message type.
type Command uint32

// The accepted command set. Values are little-endian ASCII tetragraphs.
const (
	CNXN Command = 0x4e584e43
	AUTH Command = 0x48545541
	STLS Command = 0x534C5453
	OPEN Command = 0x4e45504f
	OKAY Command = 0x59414b4f
	WRTE Command = 0x45545257
	CLSE Command = 0x45534c43
)

func (c Command) String() string {
	return string(binary.LittleEndian.AppendUint32(nil, uint32(c)))
}

// AUTH message arg0 values.
const (
	AuthToken        uint32 = 1
	AuthSignature    uint32 = 2
	AuthRSAPublicKey uint32 = 3
)

const AuthTokenSize = 20

// Protocol versions used by this client.
const (
	ConnectVersion uint32 = 0x01000001 // A_VERSION_SKIP_CHECKSUM
	MaxPayload     uint32 = 0x100000
	STLSVersion    uint32 = 0x01000000
)

const HeaderSize = 6 * 4

// Message is the 24-byte fixed ADB message header.
type Message struct {
	Command    Command
	Arg0       uint32
	Arg1       uint32
	DataLength uint32
	DataCheck  uint32
	Magic      uint32
}

// Packet is a Message plus its payload.
type Packet struct {
	Message
	Payload []byte
}

var (
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ encoding.BinaryAppender    = Message{}
	_ encoding.BinaryMarshaler   = Message{}
)

// Checksum computes the historical ADB "checksum": a byte-sum of the payload
// modulo 2^32. This is NOT a CRC-32; the name is kept for compatibility with
// the wire protocol's field name.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// NewPacket builds a Packet with Magic and DataCheck filled in.
func NewPacket(cmd Command, arg0, arg1 uint32, data []byte) Packet {
	return Packet{
		Message: Message{
			Command:    cmd,
			Arg0:       arg0,
			Arg1:       arg1,
			DataLength: uint32(len(data)),
			DataCheck:  Checksum(data),
			Magic:      uint32(cmd) ^ 0xFFFFFFFF,
		},
		Payload: data,
	}
}

// UnmarshalBinary decodes a 24-byte message header.
func (m *Message) UnmarshalBinary(buf []byte) error {
	if len(buf) != HeaderSize {
		return fmt.Errorf("aproto: incorrect header size %d", len(buf))
	}
	*m = Message{
		Command:    Command(binary.LittleEndian.Uint32(buf[0:4])),
		Arg0:       binary.LittleEndian.Uint32(buf[4:8]),
		Arg1:       binary.LittleEndian.Uint32(buf[8:12]),
		DataLength: binary.LittleEndian.Uint32(buf[12:16]),
		DataCheck:  binary.LittleEndian.Uint32(buf[16:20]),
		Magic:      binary.LittleEndian.Uint32(buf[20:24]),
	}
	return nil
}

// AppendBinary encodes the message header.
func (m Message) AppendBinary(b []byte) ([]byte, error) {
	b = slices.Grow(b, HeaderSize)
	b = binary.LittleEndian.AppendUint32(b, uint32(m.Command))
	b = binary.LittleEndian.AppendUint32(b, m.Arg0)
	b = binary.LittleEndian.AppendUint32(b, m.Arg1)
	b = binary.LittleEndian.AppendUint32(b, m.DataLength)
	b = binary.LittleEndian.AppendUint32(b, m.DataCheck)
	b = binary.LittleEndian.AppendUint32(b, m.Magic)
	return b, nil
}

func (m Message) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(nil)
}

// IsMagicValid reports whether Command^Magic == 0xFFFFFFFF.
func (m Message) IsMagicValid() bool {
	return uint32(m.Command)^m.Magic == 0xFFFFFFFF
}

// IsChecksumValid reports whether the packet's checksum field matches its
// payload, as required when DataLength > 0.
func (p Packet) IsChecksumValid() bool {
	if p.DataLength == 0 {
		return true
	}
	return Checksum(p.Payload) == p.DataCheck
}

// AppendBinary encodes the full packet (header + payload).
func (p Packet) AppendBinary(b []byte) ([]byte, error) {
	b = slices.Grow(b, HeaderSize+len(p.Payload))
	b, _ = p.Message.AppendBinary(b)
	b = append(b, p.Payload...)
	return b, nil
}

func (p Packet) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(nil)
}

// DecodeHeader decodes a 24-byte header.
func DecodeHeader(buf []byte) (Message, error) {
	var m Message
	if err := m.UnmarshalBinary(buf); err != nil {
		return Message{}, err
	}
	return m, nil
}

// DecodePayload validates and attaches a payload to a decoded header,
// returning BadMessage on magic or checksum failure.
func DecodePayload(m Message, payload []byte) (Packet, error) {
	if !m.IsMagicValid() {
		return Packet{}, &BadMessageError{Reason: "magic mismatch", Message: m}
	}
	p := Packet{Message: m, Payload: payload}
	if !p.IsChecksumValid() {
		return Packet{}, &BadMessageError{Reason: "checksum mismatch", Message: m}
	}
	return p, nil
}

// Encode serializes a packet to bytes.
func Encode(p Packet) []byte {
	b, _ := p.MarshalBinary()
	return b
}

// BadMessageError is returned when a decoded header or payload fails the
// magic or checksum contract.
type BadMessageError struct {
	Reason  string
	Message Message
}

func (e *BadMessageError) Error() string {
	return fmt.Sprintf("aproto: bad message (%s): %+v", e.Reason, e.Message)
}
