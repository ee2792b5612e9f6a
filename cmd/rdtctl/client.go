package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/rdtlink/internal/channel"
	"github.com/danmuck/rdtlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type clientOptions struct {
	message     string
	dialTimeout time.Duration
	linger      time.Duration
}

func newClientCmd(root *rootOptions) *cobra.Command {
	opts := clientOptions{}
	cmd := &cobra.Command{
		Use:   "client [addr]",
		Short: "Send one message to an rdt server and print the reply",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.resolve(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Addr = args[0]
			}
			dialer := net.Dialer{Timeout: opts.dialTimeout}
			conn, err := dialer.DialContext(cmd.Context(), "tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("dial %s: %w", cfg.Addr, err)
			}
			startMetrics(cmd.Context(), cfg)
			return runClient(cmd.Context(), conn, cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.message, "message", defaultClientMessage, "message to send")
	cmd.Flags().DurationVar(&opts.dialTimeout, "dial-timeout", 5*time.Second, "connect timeout")
	cmd.Flags().DurationVar(&opts.linger, "linger", 2*time.Second, "keep acknowledging retransmissions after the reply")
	return cmd
}

func runClient(ctx context.Context, conn net.Conn, cfg runConfig, opts clientOptions, out io.Writer) error {
	e, err := session.NewEngine(wrapChannel(channel.NewConn(conn), cfg), cfg.Session)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer e.Disconnect()

	start := time.Now()
	if err := e.Send(ctx, []byte(opts.message)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	reply, err := e.Await(ctx)
	if err != nil {
		return fmt.Errorf("await reply: %w", err)
	}
	fmt.Fprintf(out, "%s\n", reply)
	log.Info().
		Str("conn", e.ID()).
		Dur("rtt", time.Since(start)).
		Uint64("retransmits", e.Stats().Retransmits).
		Msg("reply received")
	linger(ctx, e, opts.linger)
	return nil
}
