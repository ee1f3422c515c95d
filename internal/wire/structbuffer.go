package wire

// StructBuffer is a re-entrant framer: it buffers partial input across Feed
// calls, and for each complete frame invokes fn with the typed message's raw
// bytes (header included). It consumes exactly the bytes of the frames it
// hands off and retains any trailing partial bytes for the next call — the
// same sequence of frames is produced regardless of how the input is split
// across calls.
//
// Typed selects which framing shape to expect: true for messages with a
// leading 1-byte type tag (everything except a PG connection's very first
// frame), false for the untyped 4-byte-length-only shape used once, at the
// very start of a PG connection, for StartupMessage/SSLRequest.
type StructBuffer struct {
	typed   bool
	pending []byte
}

// NewStructBuffer creates a framer for the given framing shape.
func NewStructBuffer(typed bool) *StructBuffer {
	return &StructBuffer{typed: typed}
}

// SetTyped switches the framing shape used for subsequent frames. PG
// connections call this once, after the first (untyped) frame, to switch to
// the typed framing used by every later message.
func (s *StructBuffer) SetTyped(typed bool) {
	s.typed = typed
}

// Feed appends data to the internal buffer and invokes fn once per complete
// frame found. fn receives the complete frame, header included. If fn
// returns an error, Feed stops and returns that error immediately; any
// unconsumed bytes (including the frame that errored) remain buffered.
func (s *StructBuffer) Feed(data []byte, fn func(frame []byte) error) error {
	if len(data) > 0 {
		s.pending = append(s.pending, data...)
	}

	for {
		total, ok := FrameLen(s.pending, s.typed)
		if !ok {
			return nil
		}
		if total < s.minFrameLen() {
			return invalidData("Frame", 0, "length field smaller than header size")
		}
		if len(s.pending) < total {
			return nil
		}

		frame := s.pending[:total]
		rest := s.pending[total:]

		if err := fn(frame); err != nil {
			return err
		}

		// Reslice rather than keep appending onto the same backing array
		// indefinitely; a fresh copy bounds memory to what's actually
		// pending after a long-running connection feeds many frames.
		next := make([]byte, len(rest))
		copy(next, rest)
		s.pending = next
	}
}

func (s *StructBuffer) minFrameLen() int {
	if s.typed {
		return 5
	}
	return 4
}

// Pending returns the number of unconsumed, buffered bytes.
func (s *StructBuffer) Pending() int {
	return len(s.pending)
}
