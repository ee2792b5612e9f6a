package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/danmuck/rdtlink/internal/channel"
	"github.com/danmuck/rdtlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var ErrUnrecoverableLoss = errors.New("simulate: level cannot recover from dropped frames")

type simulateOptions struct {
	messages int
	size     int
	deadline time.Duration
}

type simulateReport struct {
	Level          session.Level
	Messages       int
	Delivered      int
	Intact         bool
	Elapsed        time.Duration
	Sender         session.Stats
	Receiver       session.Stats
	SenderFaults   channel.FaultStats
	ReceiverFaults channel.FaultStats
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run two engines over a faulty in-memory channel and report what happened",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.resolve(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.deadline)
			defer cancel()
			startMetrics(ctx, cfg)
			report, err := simulate(ctx, cfg, opts)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			if !report.Intact && cfg.Session.Level != session.LevelUnacknowledged {
				return fmt.Errorf("simulate: delivered stream differs from sent stream")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.messages, "messages", 20, "number of messages to send")
	cmd.Flags().IntVar(&opts.size, "size", 64, "payload size in bytes")
	cmd.Flags().DurationVar(&opts.deadline, "deadline", time.Minute, "abort the run after this long")
	return cmd
}

func simulate(ctx context.Context, cfg runConfig, opts simulateOptions) (simulateReport, error) {
	if cfg.Session.Level != session.LevelStopAndWaitTimeout && cfg.Faults.DropRate > 0 {
		return simulateReport{}, fmt.Errorf("%w: %s", ErrUnrecoverableLoss, cfg.Session.Level)
	}
	if cfg.Session.Level == session.LevelStopAndWait && cfg.faultsEnabled() && !cfg.Session.RetransmitOnCorruptReply {
		// A corrupted ACK would otherwise stall the sender forever.
		log.Warn().Msg("enabling retransmit on corrupt reply for level 2 with faults")
		cfg.Session.RetransmitOnCorruptReply = true
	}

	a, b := channel.NewPipe()
	var senderCh, receiverCh channel.Channel = a, b
	var senderFaults, receiverFaults *channel.Lossy
	if cfg.faultsEnabled() {
		back := cfg.Faults
		if back.Seed != 0 {
			back.Seed++
		}
		senderFaults = channel.NewLossy(a, cfg.Faults)
		receiverFaults = channel.NewLossy(b, back)
		senderCh, receiverCh = senderFaults, receiverFaults
	}
	sender, err := session.NewEngine(senderCh, cfg.Session)
	if err != nil {
		return simulateReport{}, err
	}
	defer sender.Disconnect()
	receiver, err := session.NewEngine(receiverCh, cfg.Session)
	if err != nil {
		return simulateReport{}, err
	}

	payloads := makePayloads(opts.messages, opts.size)
	start := time.Now()
	var got [][]byte
	if cfg.Session.Level == session.LevelUnacknowledged {
		got, err = runUnacknowledged(ctx, sender, receiver, payloads)
	} else {
		got, err = runAcknowledged(ctx, sender, receiver, payloads)
	}
	if err != nil {
		return simulateReport{}, err
	}

	report := simulateReport{
		Level:     cfg.Session.Level,
		Messages:  len(payloads),
		Delivered: len(got),
		Intact:    bytes.Equal(bytes.Join(payloads, nil), bytes.Join(got, nil)),
		Elapsed:   time.Since(start),
		Sender:    sender.Stats(),
		Receiver:  receiver.Stats(),
	}
	if cfg.Session.Level == session.LevelUnacknowledged {
		report.Delivered = int(report.Receiver.Delivered)
	}
	if senderFaults != nil {
		report.SenderFaults = senderFaults.Stats()
		report.ReceiverFaults = receiverFaults.Stats()
	}
	log.Info().
		Stringer("level", report.Level).
		Int("delivered", report.Delivered).
		Bool("intact", report.Intact).
		Dur("elapsed", report.Elapsed).
		Msg("simulation complete")
	return report, nil
}

// runAcknowledged hands the receiver to its own goroutine; each engine has one owner.
func runAcknowledged(ctx context.Context, sender, receiver *session.Engine, payloads [][]byte) ([][]byte, error) {
	type result struct {
		msgs [][]byte
		err  error
	}
	done := make(chan result, 1)
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		var res result
		for len(res.msgs) < len(payloads) {
			msg, err := receiver.Await(recvCtx)
			if err != nil {
				res.err = err
				break
			}
			res.msgs = append(res.msgs, msg)
		}
		// Keep re-acknowledging until the sender has seen the final ACK.
		for recvCtx.Err() == nil {
			if _, _, err := receiver.Receive(recvCtx); err != nil {
				break
			}
		}
		done <- res
	}()

	for i, p := range payloads {
		if err := sender.Send(ctx, p); err != nil {
			cancel()
			<-done
			return nil, fmt.Errorf("send message %d: %w", i, err)
		}
	}
	cancel()
	res := <-done
	if res.err != nil && !errors.Is(res.err, context.Canceled) {
		return nil, fmt.Errorf("receive: %w", res.err)
	}
	return res.msgs, nil
}

func runUnacknowledged(ctx context.Context, sender, receiver *session.Engine, payloads [][]byte) ([][]byte, error) {
	for i, p := range payloads {
		if err := sender.Send(ctx, p); err != nil {
			return nil, fmt.Errorf("send message %d: %w", i, err)
		}
	}
	var got [][]byte
	for {
		idle, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		msg, ok, err := receiver.Receive(idle)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return got, nil
			}
			return nil, err
		}
		if ok {
			got = append(got, msg)
		}
	}
}

func makePayloads(n, size int) [][]byte {
	if size < 1 {
		size = 1
	}
	out := make([][]byte, n)
	for i := range out {
		p := bytes.Repeat([]byte{'.'}, size)
		copy(p, fmt.Sprintf("msg-%06d", i))
		out[i] = p
	}
	return out
}

func printReport(w io.Writer, r simulateReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "level\t%s\n", r.Level)
	fmt.Fprintf(tw, "messages\t%d\n", r.Messages)
	fmt.Fprintf(tw, "delivered\t%d\n", r.Delivered)
	fmt.Fprintf(tw, "intact\t%v\n", r.Intact)
	fmt.Fprintf(tw, "elapsed\t%s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(tw, "retransmits\t%d\n", r.Sender.Retransmits)
	fmt.Fprintf(tw, "timeouts\t%d\n", r.Sender.Timeouts)
	fmt.Fprintf(tw, "corrupt\t%d\n", r.Sender.CorruptFrames+r.Receiver.CorruptFrames)
	fmt.Fprintf(tw, "duplicates\t%d\n", r.Receiver.Duplicates)
	fmt.Fprintf(tw, "faults injected\tdropped=%d corrupted=%d duplicated=%d\n",
		r.SenderFaults.Dropped+r.ReceiverFaults.Dropped,
		r.SenderFaults.Corrupted+r.ReceiverFaults.Corrupted,
		r.SenderFaults.Duplicated+r.ReceiverFaults.Duplicated)
	_ = tw.Flush()
}
