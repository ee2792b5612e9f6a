// Package channel provides unreliable-channel implementations for session engines:
// an in-memory pipe, a fault-injecting wrapper, and a net.Conn adapter.
package channel

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
)

var ErrClosed = errors.New("channel: closed")

// Channel matches session.Channel so wrappers can stack.
type Channel interface {
	Transmit(p []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Disconnect() error
}

type pipeConfig struct {
	capacity  int
	chunkSize int
}

type PipeOption func(*pipeConfig)

// WithCapacity bounds the number of queued chunks per direction.
func WithCapacity(n int) PipeOption {
	return func(c *pipeConfig) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithChunkSize splits every transmit into deliveries of at most n bytes.
func WithChunkSize(n int) PipeOption {
	return func(c *pipeConfig) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// Endpoint is one side of an in-memory pipe.
type Endpoint struct {
	name      string
	in        chan []byte
	out       chan []byte
	chunkSize int
	done      chan struct{}
	closeOnce *sync.Once

	sentBytes atomic.Uint64
}

// NewPipe returns two connected endpoints. Disconnecting either side closes both.
func NewPipe(opts ...PipeOption) (*Endpoint, *Endpoint) {
	cfg := pipeConfig{capacity: 1024}
	for _, opt := range opts {
		opt(&cfg)
	}
	ab := make(chan []byte, cfg.capacity)
	ba := make(chan []byte, cfg.capacity)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &Endpoint{name: "a", in: ba, out: ab, chunkSize: cfg.chunkSize, done: done, closeOnce: once}
	b := &Endpoint{name: "b", in: ab, out: ba, chunkSize: cfg.chunkSize, done: done, closeOnce: once}
	return a, b
}

func (e *Endpoint) Name() string {
	return e.name
}

// SentBytes is safe to read while the endpoint is in use.
func (e *Endpoint) SentBytes() uint64 {
	return e.sentBytes.Load()
}

func (e *Endpoint) Transmit(p []byte) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	data := make([]byte, len(p))
	copy(data, p)
	for _, piece := range split(data, e.chunkSize) {
		select {
		case e.out <- piece:
		case <-e.done:
			return ErrClosed
		}
	}
	e.sentBytes.Add(uint64(len(p)))
	return nil
}

// Receive waits for the first queued chunk, then drains whatever else is queued.
func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	var out []byte
	select {
	case b := <-e.in:
		out = append(out, b...)
	case <-e.done:
		if out = e.drain(nil); len(out) == 0 {
			return nil, ErrClosed
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.drain(out), nil
}

func (e *Endpoint) Disconnect() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	return nil
}

func (e *Endpoint) drain(out []byte) []byte {
	for {
		select {
		case b := <-e.in:
			out = append(out, b...)
		default:
			return out
		}
	}
}

func split(p []byte, size int) [][]byte {
	if size <= 0 || len(p) <= size {
		return [][]byte{p}
	}
	out := make([][]byte, 0, (len(p)+size-1)/size)
	for len(p) > size {
		out = append(out, p[:size])
		p = p[size:]
	}
	return append(out, p)
}
