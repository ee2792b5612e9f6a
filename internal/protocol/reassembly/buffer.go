// Package reassembly cuts whole RDT frames out of a byte stream that arrives in
// arbitrary chunks. It never validates checksums; that is the frame codec's job.
package reassembly

import (
	"bytes"

	"github.com/danmuck/rdtlink/internal/protocol/frame"
)

// Buffer accumulates channel reads and carries partial frames across Feed calls.
// It is not safe for concurrent use.
type Buffer struct {
	buf       bytes.Buffer
	limits    frame.Limits
	malformed bool
}

func New(limits frame.Limits) *Buffer {
	return &Buffer{limits: limits}
}

// Feed appends raw channel bytes.
func (b *Buffer) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	b.buf.Write(p)
}

// Next removes and returns the first complete frame. It returns false when the
// buffer holds less than one frame, including when the length prefix is unusable;
// Malformed distinguishes the latter.
func (b *Buffer) Next() ([]byte, bool) {
	n, ok := b.peekLength()
	if !ok || b.buf.Len() < n {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, b.buf.Next(n))
	return out, true
}

// Ready reports whether Next would return a frame.
func (b *Buffer) Ready() bool {
	n, ok := b.peekLength()
	return ok && b.buf.Len() >= n
}

// Malformed reports whether the buffered length prefix can never describe a frame.
// The buffer stays stuck until Reset.
func (b *Buffer) Malformed() bool {
	b.peekLength()
	return b.malformed
}

func (b *Buffer) Len() int {
	return b.buf.Len()
}

// Reset discards everything buffered, including any partial frame.
func (b *Buffer) Reset() {
	b.buf.Reset()
	b.malformed = false
}

func (b *Buffer) peekLength() (int, bool) {
	b.malformed = false
	if b.buf.Len() < frame.LengthWidth {
		return 0, false
	}
	n, err := frame.ParseLength(b.buf.Bytes())
	if err != nil || n > b.limits.MaxFrameLen() {
		b.malformed = true
		return 0, false
	}
	return n, true
}
