package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/rdtlink/internal/observability"
	"github.com/danmuck/rdtlink/internal/protocol"
	"github.com/danmuck/rdtlink/internal/protocol/frame"
	"github.com/danmuck/rdtlink/internal/protocol/reassembly"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed     = errors.New("session: engine closed")
	ErrNilChannel = errors.New("session: nil channel")
)

const (
	pathSend    = "send"
	pathReceive = "receive"
)

// Channel is the unreliable transport underneath an engine. Transmit is best effort.
// Receive blocks until at least one byte is available or ctx is done, and may return
// partial frames or several frames at once, but never reorders bytes.
type Channel interface {
	Transmit(p []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Disconnect() error
}

// Stats counts protocol events seen by one engine.
type Stats struct {
	DataSent       uint64
	Retransmits    uint64
	AcksSent       uint64
	NaksSent       uint64
	Delivered      uint64
	Duplicates     uint64
	CorruptFrames  uint64
	Timeouts       uint64
	ControlIgnored uint64
}

// Engine is the ARQ state machine for one connection.
type Engine struct {
	id     string
	cfg    Config
	ch     Channel
	seq    uint64
	buf    *reassembly.Buffer
	stats  Stats
	closed bool
	rng    *rand.Rand
	// partialSince is when the buffer first held an incomplete frame.
	partialSince time.Time
	log    zerolog.Logger
}

func NewEngine(ch Channel, cfg Config) (*Engine, error) {
	if ch == nil {
		return nil, ErrNilChannel
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Engine{
		id:  id,
		cfg: cfg,
		ch:  ch,
		seq: 1,
		buf: reassembly.New(cfg.Limits),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: log.With().Str("conn", id).Stringer("level", cfg.Level).Logger(),
	}, nil
}

func (e *Engine) ID() string {
	return e.id
}

func (e *Engine) Level() Level {
	return e.cfg.Level
}

// Sequence returns the next sequence number this side will send or expect.
func (e *Engine) Sequence() uint64 {
	return e.seq
}

func (e *Engine) Stats() Stats {
	return e.stats
}

// Send transmits msg. At level 1 it returns once the frame is handed to the channel;
// at levels 2 and 3 it blocks until the peer acknowledges the frame.
func (e *Engine) Send(ctx context.Context, msg []byte) error {
	if e.closed {
		return ErrClosed
	}
	raw, err := frame.EncodeWithLimits(frame.Data(e.seq, msg), e.cfg.Limits)
	if err != nil {
		return err
	}
	if e.cfg.Level == LevelUnacknowledged {
		e.seq++
		return e.transmit(raw, frame.KindData, false)
	}
	return e.sendAndWait(ctx, raw)
}

// Receive performs at most one channel read and returns a delivered message, if any.
// ok is false when no new data reached the application on this call.
func (e *Engine) Receive(ctx context.Context) (msg []byte, ok bool, err error) {
	if e.closed {
		return nil, false, ErrClosed
	}
	if !e.buf.Ready() {
		chunk, err := e.ch.Receive(ctx)
		if err != nil {
			return nil, false, err
		}
		e.buf.Feed(chunk)
	}
	if e.cfg.Level == LevelUnacknowledged {
		msg, ok := e.receiveUnacknowledged()
		return msg, ok, nil
	}
	if e.stalled(time.Now()) {
		e.log.Info().Int("bytes", e.buf.Len()).Msg("partial frame stalled; discarding")
		e.buf.Reset()
		e.partialSince = time.Time{}
		e.countCorrupt(pathReceive)
		return nil, false, e.sendControl(frame.Nak(e.seq))
	}
	return e.receiveAcknowledged()
}

// stalled reports whether a level 3 partial frame has waited more than two reply
// timeouts. A corrupted length prefix can declare a plausible but wrong length.
func (e *Engine) stalled(now time.Time) bool {
	if e.cfg.Level != LevelStopAndWaitTimeout || e.buf.Len() == 0 || e.buf.Ready() || e.buf.Malformed() {
		e.partialSince = time.Time{}
		return false
	}
	if e.partialSince.IsZero() {
		e.partialSince = now
		return false
	}
	return now.Sub(e.partialSince) > 2*e.cfg.Backoff.InitialDelay
}

// Await calls Receive until a message is delivered or ctx ends.
func (e *Engine) Await(ctx context.Context) ([]byte, error) {
	for {
		msg, ok, err := e.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}
	}
}

// Disconnect discards buffered bytes and releases the channel. It is idempotent.
func (e *Engine) Disconnect() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if n := e.buf.Len(); n > 0 {
		e.log.Debug().Int("bytes", n).Msg("discarding buffered bytes on disconnect")
	}
	e.buf.Reset()
	return e.ch.Disconnect()
}

func (e *Engine) sendAndWait(ctx context.Context, raw []byte) error {
	p := &pending{seq: e.seq, raw: raw}
	if err := e.transmit(raw, frame.KindData, false); err != nil {
		return err
	}
	p.markAttempt(time.Now())
	p.deadline = e.replyDeadline(p.attempts)

	for {
		if p.expired(time.Now()) {
			if err := e.onTimeout(p); err != nil {
				return err
			}
		}

		chunk, err := e.readReply(ctx, p.deadline)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, context.DeadlineExceeded) && !p.deadline.IsZero() {
				continue
			}
			return err
		}
		e.buf.Feed(chunk)

		acked, err := e.drainReplies(p)
		if err != nil {
			return err
		}
		if acked {
			observability.RecordSendDuration(e.cfg.Level.String(), time.Since(p.firstSentAt))
			e.log.Debug().
				Uint64("seq", p.seq).
				Int("attempts", p.attempts).
				Msg("acknowledged")
			return nil
		}
	}
}

func (e *Engine) readReply(ctx context.Context, deadline time.Time) ([]byte, error) {
	if deadline.IsZero() {
		return e.ch.Receive(ctx)
	}
	readCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return e.ch.Receive(readCtx)
}

// drainReplies consumes every complete frame buffered while waiting on p. It reports
// true once the matching ACK arrives; bytes after it stay buffered for Receive.
func (e *Engine) drainReplies(p *pending) (bool, error) {
	for {
		raw, ok := e.buf.Next()
		if !ok {
			if e.buf.Malformed() {
				e.buf.Reset()
				return false, e.onCorruptReply(p)
			}
			return false, nil
		}
		f, err := frame.Decode(raw)
		if err != nil {
			if err := e.onCorruptReply(p); err != nil {
				return false, err
			}
			continue
		}
		e.recordReceived(f)

		switch f.Kind {
		case frame.KindAck:
			if f.Seq != p.seq {
				e.log.Debug().Uint64("seq", f.Seq).Uint64("want", p.seq).Msg("ignoring stale ack")
				continue
			}
			e.seq++
			return true, nil
		case frame.KindNak:
			if f.Seq != p.seq {
				e.log.Debug().Uint64("seq", f.Seq).Uint64("want", p.seq).Msg("ignoring stale nak")
				continue
			}
			if err := e.retransmit(p, "nak"); err != nil {
				return false, err
			}
		case frame.KindData:
			if f.Seq < e.seq {
				e.stats.Duplicates++
				observability.RecordDuplicate(e.cfg.Level.String())
				if err := e.sendControl(frame.Ack(f.Seq)); err != nil {
					return false, err
				}
				continue
			}
			// Fresh peer data while ours is unacknowledged; the peer retransmits it.
			e.log.Debug().Uint64("seq", f.Seq).Msg("dropping peer data during send")
		}
	}
}

func (e *Engine) onCorruptReply(p *pending) error {
	e.countCorrupt(pathSend)
	if !e.cfg.RetransmitOnCorruptReply {
		return nil
	}
	return e.retransmit(p, "corrupt reply")
}

func (e *Engine) onTimeout(p *pending) error {
	e.stats.Timeouts++
	observability.RecordTimeout(e.cfg.Level.String())
	e.log.Info().
		Err(protocol.ErrTimeout).
		Uint64("seq", p.seq).
		Int("attempts", p.attempts).
		Dur("since_last", time.Since(p.lastAttemptAt)).
		Msg("reply timeout")
	// A partial frame left over from before the timeout would misalign the next read.
	e.buf.Reset()
	return e.retransmit(p, "timeout")
}

func (e *Engine) retransmit(p *pending, reason string) error {
	if e.cfg.Level == LevelStopAndWaitTimeout && e.cfg.MaxRetransmits > 0 && p.retransmits >= e.cfg.MaxRetransmits {
		observability.RecordLinkFailure(e.cfg.Level.String())
		e.log.Warn().
			Uint64("seq", p.seq).
			Int("retransmits", p.retransmits).
			Str("reason", reason).
			Msg("retransmit ceiling reached")
		return fmt.Errorf("%w: seq=%d unacknowledged after %d retransmits", protocol.ErrLinkFailure, p.seq, p.retransmits)
	}
	p.retransmits++
	e.stats.Retransmits++
	if err := e.transmit(p.raw, frame.KindData, true); err != nil {
		return err
	}
	p.markAttempt(time.Now())
	p.deadline = e.replyDeadline(p.attempts)
	e.log.Debug().Uint64("seq", p.seq).Str("reason", reason).Int("attempt", p.attempts).Msg("retransmitted")
	return nil
}

// replyDeadline arms the level 3 timer for the given transmission attempt.
func (e *Engine) replyDeadline(attempt int) time.Time {
	if e.cfg.Level != LevelStopAndWaitTimeout {
		return time.Time{}
	}
	return time.Now().Add(NextBackoffDelay(e.cfg.Backoff, attempt, e.rng))
}

func (e *Engine) receiveUnacknowledged() ([]byte, bool) {
	out := []byte{}
	got := false
	for {
		raw, ok := e.buf.Next()
		if !ok {
			if e.buf.Malformed() {
				e.buf.Reset()
				e.countCorrupt(pathReceive)
			}
			break
		}
		f, err := frame.Decode(raw)
		if err != nil {
			e.countCorrupt(pathReceive)
			continue
		}
		e.recordReceived(f)
		if f.Kind != frame.KindData {
			e.stats.ControlIgnored++
			continue
		}
		out = append(out, f.Payload...)
		got = true
		e.stats.Delivered++
	}
	if !got {
		return nil, false
	}
	return out, true
}

func (e *Engine) receiveAcknowledged() ([]byte, bool, error) {
	for {
		raw, ok := e.buf.Next()
		if !ok {
			if e.buf.Malformed() {
				e.buf.Reset()
				e.countCorrupt(pathReceive)
				return nil, false, e.sendControl(frame.Nak(e.seq))
			}
			return nil, false, nil
		}
		f, err := frame.Decode(raw)
		if err != nil {
			e.countCorrupt(pathReceive)
			return nil, false, e.sendControl(frame.Nak(e.seq))
		}
		e.recordReceived(f)

		if f.Kind.Control() {
			// Control frames are never acknowledged.
			e.stats.ControlIgnored++
			continue
		}
		if f.Seq != e.seq {
			e.stats.Duplicates++
			observability.RecordDuplicate(e.cfg.Level.String())
			e.log.Debug().Err(protocol.ErrUnexpectedSequence).Uint64("seq", f.Seq).Uint64("want", e.seq).Msg("re-acknowledging duplicate")
			return nil, false, e.sendControl(frame.Ack(f.Seq))
		}
		if err := e.sendControl(frame.Ack(f.Seq)); err != nil {
			return nil, false, err
		}
		e.seq++
		e.stats.Delivered++
		return f.Payload, true, nil
	}
}

func (e *Engine) sendControl(f frame.Frame) error {
	raw, err := frame.EncodeWithLimits(f, e.cfg.Limits)
	if err != nil {
		return err
	}
	if err := e.transmit(raw, f.Kind, false); err != nil {
		return err
	}
	switch f.Kind {
	case frame.KindAck:
		e.stats.AcksSent++
	case frame.KindNak:
		e.stats.NaksSent++
	}
	return nil
}

func (e *Engine) transmit(raw []byte, kind frame.Kind, retransmit bool) error {
	if err := e.ch.Transmit(raw); err != nil {
		return fmt.Errorf("session: transmit %s: %w", kind, err)
	}
	if kind == frame.KindData && !retransmit {
		e.stats.DataSent++
	}
	observability.RecordFrameSent(e.cfg.Level.String(), kind.String(), retransmit)
	e.log.Trace().Str("kind", kind.String()).Int("bytes", len(raw)).Bool("retransmit", retransmit).Msg("transmit")
	return nil
}

func (e *Engine) recordReceived(f frame.Frame) {
	observability.RecordFrameReceived(e.cfg.Level.String(), f.Kind.String())
	e.log.Trace().Str("kind", f.Kind.String()).Uint64("seq", f.Seq).Int("bytes", len(f.Payload)).Msg("frame")
}

func (e *Engine) countCorrupt(path string) {
	e.stats.CorruptFrames++
	observability.RecordCorruptFrame(e.cfg.Level.String(), path)
	e.log.Info().Err(protocol.ErrCorruptFrame).Str("path", path).Msg("corrupt frame discarded")
}
