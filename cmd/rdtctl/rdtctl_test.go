package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/rdtlink/internal/channel"
	"github.com/danmuck/rdtlink/internal/protocol/session"
	"github.com/danmuck/rdtlink/internal/testutil/testlog"
)

func TestSimulateRecoversFromFaults(t *testing.T) {
	testlog.Start(t)
	cfg := defaultRunConfig()
	cfg.Session.Backoff.InitialDelay = 20 * time.Millisecond
	cfg.Faults = channel.FaultConfig{DropRate: 0.1, CorruptRate: 0.1, DuplicateRate: 0.05, Seed: 3}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := simulate(ctx, cfg, simulateOptions{messages: 15, size: 32})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !report.Intact || report.Delivered != 15 {
		t.Fatalf("unexpected report: %+v", report)
	}

	var out bytes.Buffer
	printReport(&out, report)
	if !strings.Contains(out.String(), "intact") || !strings.Contains(out.String(), "rdt3") {
		t.Fatalf("unexpected report output:\n%s", out.String())
	}
}

func TestSimulateLevelTwoRecoversFromCorruption(t *testing.T) {
	testlog.Start(t)
	cfg := defaultRunConfig()
	cfg.Session.Level = session.LevelStopAndWait
	// Flipping the last byte hits the payload of data frames and the checksum of
	// control frames, never the length prefix.
	cfg.Faults = channel.FaultConfig{
		Filter: func(n uint64, p []byte) []byte {
			if n%3 == 2 {
				return channel.FlipBit(p, len(p)-1, 1)
			}
			return p
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := simulate(ctx, cfg, simulateOptions{messages: 10, size: 16})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !report.Intact || report.Delivered != 10 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Sender.CorruptFrames+report.Receiver.CorruptFrames == 0 {
		t.Fatalf("expected corruption to be observed: %+v", report)
	}
}

func TestSimulateRejectsLossBelowLevelThree(t *testing.T) {
	testlog.Start(t)
	cfg := defaultRunConfig()
	cfg.Session.Level = session.LevelStopAndWait
	cfg.Faults.DropRate = 0.1
	if _, err := simulate(context.Background(), cfg, simulateOptions{messages: 1, size: 8}); !errors.Is(err, ErrUnrecoverableLoss) {
		t.Fatalf("expected ErrUnrecoverableLoss, got %v", err)
	}
}

func TestSimulateUnacknowledged(t *testing.T) {
	testlog.Start(t)
	cfg := defaultRunConfig()
	cfg.Session.Level = session.LevelUnacknowledged
	report, err := simulate(context.Background(), cfg, simulateOptions{messages: 5, size: 12})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !report.Intact || report.Delivered != 5 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestClientServerExchangeOverTCP(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := defaultRunConfig()
	cfg.Session.Backoff.InitialDelay = 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var serverOut bytes.Buffer
	served := make(chan error, 1)
	go func() {
		served <- serve(ctx, ln, cfg, serverOptions{reply: defaultServerReply, once: true, linger: 100 * time.Millisecond}, &serverOut)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var clientOut bytes.Buffer
	if err := runClient(ctx, conn, cfg, clientOptions{message: defaultClientMessage, linger: 100 * time.Millisecond}, &clientOut); err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("server: %v", err)
	}
	if got := strings.TrimSpace(clientOut.String()); got != defaultServerReply {
		t.Fatalf("unexpected reply: %q", got)
	}
	if got := strings.TrimSpace(serverOut.String()); got != defaultClientMessage {
		t.Fatalf("unexpected server output: %q", got)
	}
}

func TestConfigCommandsWriteAndValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "rdt.toml")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", path, "--kind", "simulate"})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "validate", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out.String(), "validated rdt-simulate") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}
