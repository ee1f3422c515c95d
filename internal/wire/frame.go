package wire

// MessageType describes the decode-time gate for one message shape: its
// constant type tag (for typed messages; untyped initial messages such as
// PG's StartupMessage/SSLRequest have no tag) and its minimum frame length,
// computed once per message type rather than derived via reflection — Go has no
// compile-time macro system, so each message package builds its table as
// a package-level var at init time (see pgproto/messages.go, gelproto/messages.go).
type MessageType struct {
	Name   string
	Tag    byte // 0 if this message type has no tag (untyped/initial)
	Typed  bool
	MinLen int // minimum total frame length, header included
}

// IsBuffer reports whether buf could hold a message of type mt: it's long
// enough for the header plus any fixed-constant fields (mt.MinLen, falling
// back to the bare header length if unset), and (for typed messages) the
// tag matches.
func IsBuffer(buf []byte, mt MessageType) bool {
	min := mt.MinLen
	if min == 0 {
		min = mt.HeaderLen()
	}
	if mt.Typed {
		if len(buf) < min {
			return false
		}
		return buf[0] == mt.Tag
	}
	return len(buf) >= min
}

// HeaderLen returns the number of bytes consumed by mt's header (the type
// tag, if any, plus the 4-byte length field).
func (mt MessageType) HeaderLen() int {
	if mt.Typed {
		return 5
	}
	return 4
}

// FrameLen reads the length field declared by a frame beginning at buf[0]
// (tag byte first if typed) and returns the TOTAL frame length including
// the header, or (0, false) if buf doesn't yet contain the length field.
// The length field INCLUDES itself but not the type tag, so the total
// frame length is headerOffset + length.
func FrameLen(buf []byte, typed bool) (int, bool) {
	headerOffset := 0
	if typed {
		headerOffset = 1
	}
	if len(buf) < headerOffset+4 {
		return 0, false
	}
	length := int(Uint32(buf[headerOffset : headerOffset+4]))
	return headerOffset + length, true
}

// Builder accumulates a message body and back-patches its length field on
// Finish, implementing a two-pass measure/write build — except here,
// because Go slices grow dynamically, the "measurement" pass and the
// "write" pass are the same pass: we reserve the length field's bytes up
// front and patch them at the end, which is equivalent in effect and
// avoids a second traversal.
type Builder struct {
	buf       []byte
	lenOffset int
}

// NewBuilder starts a typed message (tag byte + 4-byte length placeholder).
func NewBuilder(tag byte) *Builder {
	b := &Builder{buf: make([]byte, 0, 64)}
	b.buf = append(b.buf, tag, 0, 0, 0, 0)
	b.lenOffset = 1
	return b
}

// NewInitialBuilder starts an untyped message (4-byte length placeholder
// only), used for PG's StartupMessage and SSLRequest.
func NewInitialBuilder() *Builder {
	b := &Builder{buf: make([]byte, 0, 64)}
	b.buf = append(b.buf, 0, 0, 0, 0)
	b.lenOffset = 0
	return b
}

func (b *Builder) Bytes(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

func (b *Builder) Byte(v byte) *Builder {
	b.buf = append(b.buf, v)
	return b
}

func (b *Builder) Uint16(v uint16) *Builder {
	var tmp [2]byte
	PutUint16(tmp[:], v)
	return b.Bytes(tmp[:])
}

func (b *Builder) Int16(v int16) *Builder { return b.Uint16(uint16(v)) }

func (b *Builder) Uint32(v uint32) *Builder {
	var tmp [4]byte
	PutUint32(tmp[:], v)
	return b.Bytes(tmp[:])
}

func (b *Builder) Int32(v int32) *Builder { return b.Uint32(uint32(v)) }

func (b *Builder) ZTString(s string) *Builder {
	b.buf = PutZTString(b.buf, s)
	return b
}

func (b *Builder) LString(s string) *Builder {
	b.buf = PutLString(b.buf, s)
	return b
}

func (b *Builder) Encoded(e Encoded) *Builder {
	b.buf = PutEncoded(b.buf, e)
	return b
}

// Finish back-patches the length field (measured from lenOffset to the end
// of the buffer, inclusive of the length field itself) and returns the
// complete frame.
func (b *Builder) Finish() []byte {
	length := len(b.buf) - b.lenOffset
	PutUint32(b.buf[b.lenOffset:b.lenOffset+4], uint32(length))
	return b.buf
}
