package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/rdtlink/internal/protocol/frame"
)

var (
	ErrInvalidLevel   = errors.New("session: invalid protocol level")
	ErrInvalidTimeout = errors.New("session: invalid retransmit timeout")
	ErrInvalidRetries = errors.New("session: invalid retransmit ceiling")
)

// Level selects the ARQ fidelity of an engine.
type Level int

const (
	// LevelUnacknowledged sends and forgets.
	LevelUnacknowledged Level = 1
	// LevelStopAndWait recovers from corruption through ACK/NAK; it has no timer and
	// blocks forever if a frame is dropped rather than corrupted.
	LevelStopAndWait Level = 2
	// LevelStopAndWaitTimeout adds a retransmission timer to LevelStopAndWait.
	LevelStopAndWaitTimeout Level = 3
)

func (l Level) Valid() bool {
	return l >= LevelUnacknowledged && l <= LevelStopAndWaitTimeout
}

func (l Level) String() string {
	switch l {
	case LevelUnacknowledged:
		return "rdt1"
	case LevelStopAndWait:
		return "rdt2"
	case LevelStopAndWaitTimeout:
		return "rdt3"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-engine protocol behavior.
type Config struct {
	Level Level
	// Backoff schedules level 3 retransmissions. InitialDelay is the reply timeout.
	Backoff BackoffConfig
	// MaxRetransmits bounds level 3 retransmissions of one frame; 0 means unbounded.
	MaxRetransmits int
	// RetransmitOnCorruptReply resends data when an ACK/NAK arrives corrupt instead of
	// waiting for the next reply.
	RetransmitOnCorruptReply bool
	Limits                   frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Level: LevelStopAndWaitTimeout,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   1.0,
		},
		MaxRetransmits: 0,
		Limits:         frame.DefaultLimits(),
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Level == 0 {
		c.Level = def.Level
	}
	if c.Backoff.InitialDelay == 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}

func (c Config) Validate() error {
	if !c.Level.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, int(c.Level))
	}
	if c.Backoff.InitialDelay < 0 || c.Backoff.MaxDelay < 0 {
		return fmt.Errorf("%w: initial=%v max=%v", ErrInvalidTimeout, c.Backoff.InitialDelay, c.Backoff.MaxDelay)
	}
	if c.Level == LevelStopAndWaitTimeout && c.Backoff.InitialDelay == 0 {
		return fmt.Errorf("%w: level 3 requires a positive timeout", ErrInvalidTimeout)
	}
	if c.MaxRetransmits < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetries, c.MaxRetransmits)
	}
	return nil
}
