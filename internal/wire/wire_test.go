package wire

import (
	"bytes"
	"testing"
)

func TestZTStringRoundTrip(t *testing.T) {
	buf := PutZTString(nil, "hello")
	got, n, err := ZTString(buf)
	if err != nil {
		t.Fatalf("ZTString: %v", err)
	}
	if got != "hello" || n != len(buf) {
		t.Fatalf("got %q/%d, want hello/%d", got, n, len(buf))
	}
}

func TestLStringRoundTrip(t *testing.T) {
	buf := PutLString(nil, "hello world")
	got, n, err := LString(buf)
	if err != nil {
		t.Fatalf("LString: %v", err)
	}
	if got != "hello world" || n != len(buf) {
		t.Fatalf("got %q/%d, want 'hello world'/%d", got, n, len(buf))
	}
}

func TestEncodedRoundTripNullAndBytes(t *testing.T) {
	buf := PutEncoded(nil, Encoded{Null: true})
	got, n, err := DecodeEncoded(buf)
	if err != nil || !got.Null || n != 4 {
		t.Fatalf("null round trip failed: %+v %d %v", got, n, err)
	}

	buf = PutEncoded(nil, Encoded{Bytes: []byte("abc")})
	got, n, err = DecodeEncoded(buf)
	if err != nil || got.Null || !bytes.Equal(got.Bytes, []byte("abc")) || n != len(buf) {
		t.Fatalf("bytes round trip failed: %+v %d %v", got, n, err)
	}
}

func TestBuilderFinishBackPatchesLength(t *testing.T) {
	frame := NewBuilder('Q').ZTString("select 1").Finish()
	if frame[0] != 'Q' {
		t.Fatalf("expected tag Q, got %c", frame[0])
	}
	length := Uint32(frame[1:5])
	if int(length) != len(frame)-1 {
		t.Fatalf("length field %d does not match frame body %d", length, len(frame)-1)
	}
}

func TestStructBufferWholeVsSplit(t *testing.T) {
	var whole []byte
	whole = append(whole, NewBuilder('Q').ZTString("select 1").Finish()...)
	whole = append(whole, NewBuilder('X').Finish()...)

	var wantFrames [][]byte
	collect := func(frame []byte) error {
		cp := make([]byte, len(frame))
		copy(cp, frame)
		wantFrames = append(wantFrames, cp)
		return nil
	}
	sb := NewStructBuffer(true)
	if err := sb.Feed(whole, collect); err != nil {
		t.Fatalf("Feed whole: %v", err)
	}
	if len(wantFrames) != 2 {
		t.Fatalf("expected 2 frames from whole feed, got %d", len(wantFrames))
	}

	for split := 1; split < len(whole); split++ {
		var gotFrames [][]byte
		fn := func(frame []byte) error {
			cp := make([]byte, len(frame))
			copy(cp, frame)
			gotFrames = append(gotFrames, cp)
			return nil
		}
		sb := NewStructBuffer(true)
		for i := 0; i < len(whole); i += split {
			end := i + split
			if end > len(whole) {
				end = len(whole)
			}
			if err := sb.Feed(whole[i:end], fn); err != nil {
				t.Fatalf("split=%d Feed: %v", split, err)
			}
		}
		if len(gotFrames) != len(wantFrames) {
			t.Fatalf("split=%d: got %d frames, want %d", split, len(gotFrames), len(wantFrames))
		}
		for i := range gotFrames {
			if !bytes.Equal(gotFrames[i], wantFrames[i]) {
				t.Fatalf("split=%d frame %d mismatch: got %x want %x", split, i, gotFrames[i], wantFrames[i])
			}
		}
	}
}

func TestStructBufferZeroBytesIsNoOp(t *testing.T) {
	sb := NewStructBuffer(true)
	called := false
	if err := sb.Feed(nil, func([]byte) error { called = true; return nil }); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if called {
		t.Fatalf("Feed with no data must not invoke fn")
	}
}
