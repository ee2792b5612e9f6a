package config

import (
	"github.com/danmuck/rdtlink/internal/channel"
	"github.com/danmuck/rdtlink/internal/protocol/frame"
	"github.com/danmuck/rdtlink/internal/protocol/session"
)

// Session converts the protocol table into engine settings with defaults applied.
func (p ProtocolConfig) Session() (session.Config, error) {
	timeout, err := parseDuration("protocol.timeout", p.Timeout)
	if err != nil {
		return session.Config{}, err
	}
	maxTimeout, err := parseDuration("protocol.max_timeout", p.MaxTimeout)
	if err != nil {
		return session.Config{}, err
	}
	cfg := session.Config{
		Level: session.Level(p.Level),
		Backoff: session.BackoffConfig{
			InitialDelay: timeout,
			Multiplier:   p.BackoffMultiplier,
			MaxDelay:     maxTimeout,
			Jitter:       p.Jitter,
		},
		MaxRetransmits:           p.MaxRetransmits,
		RetransmitOnCorruptReply: p.RetransmitOnCorruptReply,
		Limits:                   frame.Limits{MaxPayloadBytes: p.MaxPayloadBytes},
	}
	return cfg.WithDefaults(), nil
}

// Enabled reports whether any fault is configured.
func (f FaultConfig) Enabled() bool {
	return f.DropRate > 0 || f.CorruptRate > 0 || f.DuplicateRate > 0
}

func (f FaultConfig) Channel() channel.FaultConfig {
	return channel.FaultConfig{
		DropRate:      f.DropRate,
		CorruptRate:   f.CorruptRate,
		DuplicateRate: f.DuplicateRate,
		Seed:          f.Seed,
	}
}
