// Package wire implements the shared framing and primitive codec used by
// both the PostgreSQL v3 and Gel v3 binary protocols: big-endian fixed-size
// primitives, zero-terminated and length-prefixed strings, UUIDs, and
// a re-entrant frame buffer (StructBuffer) that turns an arbitrary byte
// stream into a sequence of complete messages.
//
// Every message in both protocols is a single byte type tag (except the PG
// StartupMessage/SSLRequest, which has no tag) followed by a big-endian
// 32-bit length that INCLUDES the length field itself. The length field is
// always the authoritative frame boundary: trailing bytes inside a frame are
// silently allowed, and a frame that claims more bytes than are available is
// simply "not complete yet", not an error.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ErrTooShort is returned by decoders when a buffer doesn't contain enough
// bytes to hold a value of the expected shape.
var ErrTooShort = fmt.Errorf("wire: buffer too short")

// InvalidDataError is returned when a buffer has enough bytes but their
// content doesn't satisfy a type's invariants (a bad constant tag, a
// negative Encoded length, a frame length field smaller than its header).
type InvalidDataError struct {
	Type   string
	Offset int
	Reason string
}

func (e *InvalidDataError) Error() string {
	return fmt.Sprintf("wire: invalid %s at offset %d: %s", e.Type, e.Offset, e.Reason)
}

func invalidData(typ string, offset int, reason string) error {
	return &InvalidDataError{Type: typ, Offset: offset, Reason: reason}
}

// --- fixed-size big-endian primitives ---------------------------------

func PutUint8(buf []byte, v uint8) { buf[0] = v }
func Uint8(buf []byte) uint8       { return buf[0] }

func PutUint16(buf []byte, v uint16) { binary.BigEndian.PutUint16(buf, v) }
func Uint16(buf []byte) uint16       { return binary.BigEndian.Uint16(buf) }

func PutUint32(buf []byte, v uint32) { binary.BigEndian.PutUint32(buf, v) }
func Uint32(buf []byte) uint32       { return binary.BigEndian.Uint32(buf) }

func PutUint64(buf []byte, v uint64) { binary.BigEndian.PutUint64(buf, v) }
func Uint64(buf []byte) uint64       { return binary.BigEndian.Uint64(buf) }

func PutInt16(buf []byte, v int16) { binary.BigEndian.PutUint16(buf, uint16(v)) }
func Int16(buf []byte) int16       { return int16(binary.BigEndian.Uint16(buf)) }

func PutInt32(buf []byte, v int32) { binary.BigEndian.PutUint32(buf, uint32(v)) }
func Int32(buf []byte) int32       { return int32(binary.BigEndian.Uint32(buf)) }

func PutInt64(buf []byte, v int64) { binary.BigEndian.PutUint64(buf, uint64(v)) }
func Int64(buf []byte) int64       { return int64(binary.BigEndian.Uint64(buf)) }

// PutUUID writes a 16-byte UUID in its standard big-endian layout.
func PutUUID(buf []byte, v uuid.UUID) { copy(buf[:16], v[:]) }

// UUID reads a 16-byte UUID. buf must have at least 16 bytes.
func UUID(buf []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], buf[:16])
	return u
}

// --- zero-terminated and length-prefixed strings -----------------------

// ZTString decodes a zero-terminated UTF-8 string starting at the beginning
// of buf, returning the string and the number of bytes consumed (including
// the terminator).
func ZTString(buf []byte) (string, int, error) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), i + 1, nil
		}
	}
	return "", 0, ErrTooShort
}

// PutZTString appends s followed by a zero terminator.
func PutZTString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// LString decodes a 4-byte-length-prefixed UTF-8 string (Gel only).
func LString(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, ErrTooShort
	}
	n := int(Uint32(buf))
	if len(buf) < 4+n {
		return "", 0, ErrTooShort
	}
	return string(buf[4 : 4+n]), 4 + n, nil
}

// PutLString appends a 4-byte length prefix followed by s.
func PutLString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

// --- Encoded value (Null or borrowed bytes) -----------------------------

// Encoded is either Null or a byte slice, as used in parameter-description
// and row payloads: a 4-byte length of -1 marks Null, otherwise a 4-byte
// length followed by that many bytes.
type Encoded struct {
	Null  bool
	Bytes []byte
}

// DecodeEncoded reads one Encoded value from the front of buf.
func DecodeEncoded(buf []byte) (Encoded, int, error) {
	if len(buf) < 4 {
		return Encoded{}, 0, ErrTooShort
	}
	n := Int32(buf)
	if n == -1 {
		return Encoded{Null: true}, 4, nil
	}
	if n < 0 {
		return Encoded{}, 0, invalidData("Encoded", 0, "negative length")
	}
	if len(buf) < 4+int(n) {
		return Encoded{}, 0, ErrTooShort
	}
	return Encoded{Bytes: buf[4 : 4+n]}, 4 + int(n), nil
}

// PutEncoded appends e's wire representation to buf.
func PutEncoded(buf []byte, e Encoded) []byte {
	var lenBuf [4]byte
	if e.Null {
		PutInt32(lenBuf[:], -1)
		return append(buf, lenBuf[:]...)
	}
	PutUint32(lenBuf[:], uint32(len(e.Bytes)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, e.Bytes...)
}
