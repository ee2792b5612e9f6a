package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const defaultReadSize = 64 * 1024

// Conn adapts a net.Conn to the channel contract.
type Conn struct {
	conn      net.Conn
	readBuf   []byte
	closeOnce sync.Once
	closeErr  error
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:    conn,
		readBuf: make([]byte, defaultReadSize),
	}
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) Transmit(p []byte) error {
	if _, err := c.conn.Write(p); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Receive reads whatever the socket has. ctx cancellation unblocks the read.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, err := c.conn.Read(c.readBuf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, c.readBuf[:n])
		return out, nil
	}
	if err == nil {
		return []byte{}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil, context.DeadlineExceeded
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil, err
}

func (c *Conn) Disconnect() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
