package reassembly

import (
	"bytes"
	"testing"

	"github.com/danmuck/rdtlink/internal/protocol/frame"
	"github.com/danmuck/rdtlink/internal/testutil/testlog"
)

func mustEncode(t *testing.T, f frame.Frame) []byte {
	t.Helper()
	raw, err := frame.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func TestFragmentedFeedYieldsOneFrame(t *testing.T) {
	testlog.Start(t)
	raw := mustEncode(t, frame.Data(4, []byte("split across many reads")))
	for _, step := range []int{1, 3, 7, frame.LengthWidth, len(raw) - 1} {
		b := New(frame.DefaultLimits())
		var got [][]byte
		for i := 0; i < len(raw); i += step {
			end := min(i+step, len(raw))
			b.Feed(raw[i:end])
			for {
				out, ok := b.Next()
				if !ok {
					break
				}
				got = append(got, out)
			}
			if end < len(raw) && len(got) != 0 {
				t.Fatalf("step=%d: frame extracted before all bytes arrived", step)
			}
		}
		if len(got) != 1 || !bytes.Equal(got[0], raw) {
			t.Fatalf("step=%d: got %d frames", step, len(got))
		}
		if b.Len() != 0 {
			t.Fatalf("step=%d: leftover bytes=%d", step, b.Len())
		}
	}
}

func TestConcatenatedFeedYieldsFramesInOrder(t *testing.T) {
	testlog.Start(t)
	first := mustEncode(t, frame.Data(1, []byte("first")))
	second := mustEncode(t, frame.Ack(1))
	third := mustEncode(t, frame.Data(2, []byte("third, partial")))

	b := New(frame.DefaultLimits())
	stream := append(append(bytes.Clone(first), second...), third[:20]...)
	b.Feed(stream)

	out, ok := b.Next()
	if !ok || !bytes.Equal(out, first) {
		t.Fatalf("first frame mismatch ok=%v", ok)
	}
	out, ok = b.Next()
	if !ok || !bytes.Equal(out, second) {
		t.Fatalf("second frame mismatch ok=%v", ok)
	}
	if _, ok := b.Next(); ok {
		t.Fatalf("partial third frame must not be extracted")
	}
	if b.Ready() {
		t.Fatalf("buffer should not be ready with a partial frame")
	}
	b.Feed(third[20:])
	if !b.Ready() {
		t.Fatalf("buffer should be ready after the tail arrives")
	}
	out, ok = b.Next()
	if !ok || !bytes.Equal(out, third) {
		t.Fatalf("third frame mismatch ok=%v", ok)
	}
}

func TestShortInputIsIncompleteNotMalformed(t *testing.T) {
	testlog.Start(t)
	b := New(frame.DefaultLimits())
	b.Feed([]byte("00000"))
	if _, ok := b.Next(); ok {
		t.Fatalf("short prefix should not produce a frame")
	}
	if b.Malformed() {
		t.Fatalf("short prefix is incomplete, not malformed")
	}
}

func TestMalformedLengthPrefixDoesNotPanic(t *testing.T) {
	testlog.Start(t)
	inputs := [][]byte{
		[]byte("abcdefghijklmnopqrstuvwxyz"),
		[]byte("0000000000rest-of-frame"),
		[]byte("-000000070rest-of-frame"),
		[]byte("9999999999rest-of-frame"),
	}
	for _, in := range inputs {
		b := New(frame.DefaultLimits())
		b.Feed(in)
		if _, ok := b.Next(); ok {
			t.Fatalf("%q: malformed prefix produced a frame", in)
		}
		if !b.Malformed() {
			t.Fatalf("%q: expected malformed flag", in)
		}
		b.Reset()
		if b.Malformed() || b.Len() != 0 {
			t.Fatalf("%q: reset did not clear state", in)
		}
	}
}

func TestCorruptFrameIsStillExtracted(t *testing.T) {
	testlog.Start(t)
	raw := mustEncode(t, frame.Data(9, []byte("bits will flip")))
	raw[len(raw)-2] ^= 0x20
	b := New(frame.DefaultLimits())
	b.Feed(raw)
	out, ok := b.Next()
	if !ok {
		t.Fatalf("corrupt payload with valid length should still be cut out")
	}
	if !frame.IsCorrupt(out) {
		t.Fatalf("extracted frame should fail validation downstream")
	}
}
