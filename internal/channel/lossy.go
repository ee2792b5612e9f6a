package channel

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// FaultConfig describes what a Lossy channel does to outgoing transmits.
type FaultConfig struct {
	DropRate      float64
	CorruptRate   float64
	DuplicateRate float64
	Seed          int64
	// Filter runs before the random faults with the 1-based transmit index and a
	// private copy of the bytes. Returning nil drops the transmit.
	Filter func(n uint64, p []byte) []byte
}

// FaultStats is a snapshot of a Lossy channel's counters.
type FaultStats struct {
	Transmits  uint64
	Dropped    uint64
	Corrupted  uint64
	Duplicated uint64
}

// Lossy wraps a channel and drops, corrupts, or duplicates outgoing transmits.
type Lossy struct {
	inner Channel
	cfg   FaultConfig

	mu  sync.Mutex
	rng *rand.Rand

	transmits  atomic.Uint64
	dropped    atomic.Uint64
	corrupted  atomic.Uint64
	duplicated atomic.Uint64
}

func NewLossy(inner Channel, cfg FaultConfig) *Lossy {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Lossy{
		inner: inner,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (l *Lossy) Transmit(p []byte) error {
	n := l.transmits.Inc()
	data := p
	if l.cfg.Filter != nil {
		data = l.cfg.Filter(n, append([]byte(nil), p...))
		if data == nil {
			l.dropped.Inc()
			log.Debug().Uint64("transmit", n).Msg("channel: filter dropped transmit")
			return nil
		}
	}

	l.mu.Lock()
	drop := l.roll(l.cfg.DropRate)
	corrupt := l.roll(l.cfg.CorruptRate)
	duplicate := l.roll(l.cfg.DuplicateRate)
	var idx, bit int
	if corrupt && len(data) > 0 {
		idx = l.rng.Intn(len(data))
		bit = l.rng.Intn(8)
	}
	l.mu.Unlock()

	if drop {
		l.dropped.Inc()
		log.Debug().Uint64("transmit", n).Msg("channel: dropped transmit")
		return nil
	}
	if corrupt && len(data) > 0 {
		data = FlipBit(data, idx, bit)
		l.corrupted.Inc()
		log.Debug().Uint64("transmit", n).Int("byte", idx).Msg("channel: corrupted transmit")
	}
	if err := l.inner.Transmit(data); err != nil {
		return err
	}
	if duplicate {
		l.duplicated.Inc()
		return l.inner.Transmit(data)
	}
	return nil
}

func (l *Lossy) Receive(ctx context.Context) ([]byte, error) {
	return l.inner.Receive(ctx)
}

func (l *Lossy) Disconnect() error {
	return l.inner.Disconnect()
}

func (l *Lossy) Stats() FaultStats {
	return FaultStats{
		Transmits:  l.transmits.Load(),
		Dropped:    l.dropped.Load(),
		Corrupted:  l.corrupted.Load(),
		Duplicated: l.duplicated.Load(),
	}
}

func (l *Lossy) roll(rate float64) bool {
	return rate > 0 && l.rng.Float64() < rate
}

// FlipBit returns a copy of p with one bit inverted.
func FlipBit(p []byte, idx, bit int) []byte {
	out := append([]byte(nil), p...)
	if idx >= 0 && idx < len(out) {
		out[idx] ^= 1 << (bit % 8)
	}
	return out
}
