package frame

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/danmuck/rdtlink/internal/protocol"
)

// Field widths of the fixed ASCII header.
const (
	LengthWidth   = 10
	SequenceWidth = 10
	KindWidth     = 1
	ChecksumWidth = 32

	HeaderLen = LengthWidth + SequenceWidth + KindWidth + ChecksumWidth

	MaxSequence uint64 = 9999999999
	maxLength          = 9999999999
)

const (
	seqOffset      = LengthWidth
	kindOffset     = seqOffset + SequenceWidth
	checksumOffset = kindOffset + KindWidth
)

var (
	ErrSequenceOverflow = errors.New("frame: sequence number exceeds field width")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrUnknownKind      = errors.New("frame: unknown kind")
	ErrShortHeader      = fmt.Errorf("frame: short length prefix: %w", protocol.ErrIncompleteFrame)
	ErrInvalidLength    = errors.New("frame: invalid length prefix")
)

// Kind discriminates data frames from control frames on the wire.
type Kind byte

const (
	KindData Kind = 'D'
	KindAck  Kind = 'A'
	KindNak  Kind = 'N'
)

func (k Kind) Valid() bool {
	switch k {
	case KindData, KindAck, KindNak:
		return true
	default:
		return false
	}
}

func (k Kind) Control() bool {
	return k == KindAck || k == KindNak
}

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	case KindNak:
		return "nak"
	default:
		return fmt.Sprintf("kind(%#x)", byte(k))
	}
}

// Frame is one decoded wire unit.
type Frame struct {
	Kind    Kind
	Seq     uint64
	Payload []byte
}

func Data(seq uint64, payload []byte) Frame {
	return Frame{Kind: KindData, Seq: seq, Payload: payload}
}

func Ack(seq uint64) Frame {
	return Frame{Kind: KindAck, Seq: seq}
}

func Nak(seq uint64) Frame {
	return Frame{Kind: KindNak, Seq: seq}
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// MaxFrameLen is the largest total_length a frame may declare under l.
func (l Limits) MaxFrameLen() int {
	if l.MaxPayloadBytes == 0 || l.MaxPayloadBytes > maxLength-HeaderLen {
		return maxLength
	}
	return HeaderLen + int(l.MaxPayloadBytes)
}

// Encode renders f with DefaultLimits.
func Encode(f Frame) ([]byte, error) {
	return EncodeWithLimits(f, DefaultLimits())
}

func EncodeWithLimits(f Frame, limits Limits) ([]byte, error) {
	if !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, f.Kind)
	}
	if f.Seq > MaxSequence {
		return nil, fmt.Errorf("%w: %d", ErrSequenceOverflow, f.Seq)
	}
	total := HeaderLen + len(f.Payload)
	if total > limits.MaxFrameLen() {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}

	buf := make([]byte, total)
	putDecimal(buf[0:LengthWidth], uint64(total))
	putDecimal(buf[seqOffset:kindOffset], f.Seq)
	buf[kindOffset] = byte(f.Kind)
	copy(buf[HeaderLen:], f.Payload)
	sum := checksum(buf[:checksumOffset], buf[HeaderLen:])
	copy(buf[checksumOffset:HeaderLen], sum[:])
	return buf, nil
}

// IsCorrupt reports whether b fails validation. Truncated or malformed input is corrupt.
func IsCorrupt(b []byte) bool {
	if len(b) < HeaderLen {
		return true
	}
	length, err := ParseLength(b)
	if err != nil || length != len(b) {
		return true
	}
	if _, err := parseDecimal(b[seqOffset:kindOffset]); err != nil {
		return true
	}
	if !Kind(b[kindOffset]).Valid() {
		return true
	}
	sum := checksum(b[:checksumOffset], b[HeaderLen:])
	return !bytes.Equal(sum[:], b[checksumOffset:HeaderLen])
}

// Decode validates b before exposing any field of it.
func Decode(b []byte) (Frame, error) {
	if IsCorrupt(b) {
		return Frame{}, fmt.Errorf("%w: %d bytes", protocol.ErrCorruptFrame, len(b))
	}
	seq, _ := parseDecimal(b[seqOffset:kindOffset])
	payload := make([]byte, len(b)-HeaderLen)
	copy(payload, b[HeaderLen:])
	return Frame{
		Kind:    Kind(b[kindOffset]),
		Seq:     seq,
		Payload: payload,
	}, nil
}

// ParseLength reads the total_length prefix from the start of b.
func ParseLength(b []byte) (int, error) {
	if len(b) < LengthWidth {
		return 0, ErrShortHeader
	}
	v, err := parseDecimal(b[:LengthWidth])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLength, b[:LengthWidth])
	}
	if v < HeaderLen {
		return 0, fmt.Errorf("%w: %d below header length", ErrInvalidLength, v)
	}
	return int(v), nil
}

func checksum(header, payload []byte) [ChecksumWidth]byte {
	h := md5.New()
	h.Write(header)
	h.Write(payload)
	var out [ChecksumWidth]byte
	hex.Encode(out[:], h.Sum(nil))
	return out
}

func putDecimal(dst []byte, v uint64) {
	s := strconv.FormatUint(v, 10)
	pad := len(dst) - len(s)
	for i := 0; i < pad; i++ {
		dst[i] = '0'
	}
	copy(dst[pad:], s)
}

func parseDecimal(field []byte) (uint64, error) {
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.ParseUint(string(field), 10, 64)
}
