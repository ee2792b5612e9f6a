package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/rdtlink/internal/channel"
	"github.com/danmuck/rdtlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	defaultServerReply   = "MSG_FROM_SERVER"
	defaultClientMessage = "MSG_FROM_CLIENT"
)

type serverOptions struct {
	reply  string
	once   bool
	linger time.Duration
}

func newServerCmd(root *rootOptions) *cobra.Command {
	opts := serverOptions{}
	cmd := &cobra.Command{
		Use:   "server [addr]",
		Short: "Accept connections, print one message from each, and reply",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.resolve(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Addr = args[0]
			}
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Addr, err)
			}
			startMetrics(cmd.Context(), cfg)
			return serve(cmd.Context(), ln, cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.reply, "reply", defaultServerReply, "reply sent after each received message")
	cmd.Flags().BoolVar(&opts.once, "once", false, "exit after the first connection")
	cmd.Flags().DurationVar(&opts.linger, "linger", 2*time.Second, "keep acknowledging retransmissions after replying")
	return cmd
}

// serve owns ln until ctx ends. Each connection gets its own engine and goroutine.
func serve(ctx context.Context, ln net.Listener, cfg runConfig, opts serverOptions, out io.Writer) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	log.Info().
		Str("addr", ln.Addr().String()).
		Stringer("level", cfg.Session.Level).
		Msg("rdt server listening")

	w := &syncWriter{w: out}
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if opts.once {
			return handleConn(ctx, conn, cfg, opts, w)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := handleConn(ctx, conn, cfg, opts, w); err != nil {
				log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection failed")
			}
		}()
	}
}

func handleConn(ctx context.Context, conn net.Conn, cfg runConfig, opts serverOptions, out io.Writer) error {
	e, err := session.NewEngine(wrapChannel(channel.NewConn(conn), cfg), cfg.Session)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer e.Disconnect()
	logger := log.With().Str("conn", e.ID()).Str("remote", conn.RemoteAddr().String()).Logger()
	logger.Info().Msg("connection accepted")

	msg, err := e.Await(ctx)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	fmt.Fprintf(out, "%s\n", msg)

	if err := e.Send(ctx, []byte(opts.reply)); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	linger(ctx, e, opts.linger)
	stats := e.Stats()
	logger.Info().
		Int("bytes", len(msg)).
		Uint64("retransmits", stats.Retransmits).
		Uint64("corrupt", stats.CorruptFrames).
		Msg("exchange complete")
	return nil
}

// linger keeps the engine receiving for d so a peer whose last ACK was lost can
// still finish its send.
func linger(ctx context.Context, e *session.Engine, d time.Duration) {
	if d <= 0 || e.Level() == session.LevelUnacknowledged {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	for {
		if _, _, err := e.Receive(lctx); err != nil {
			return
		}
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
