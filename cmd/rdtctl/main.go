package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/rdtlink/internal/channel"
	"github.com/danmuck/rdtlink/internal/logging"
	"github.com/danmuck/rdtlink/internal/observability"
	"github.com/danmuck/rdtlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath     string
	level          int
	timeout        time.Duration
	maxRetransmits int
	loss           float64
	corrupt        float64
	seed           int64
	metricsAddr    string
	logLevel       string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rdtctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "rdtctl",
		Short:         "Reliable message transfer over unreliable channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logging.ConfigureRuntime()
			if cmd.Flags().Changed("log-level") {
				return logging.SetLevel(opts.logLevel)
			}
			return nil
		},
	}

	opts.bind(root)
	root.AddCommand(
		newServerCmd(opts),
		newClientCmd(opts),
		newSimulateCmd(opts),
		newConfigCmd(),
	)
	return root
}

func (o *rootOptions) bind(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "path to a TOML config file")
	pf.IntVar(&o.level, "level", int(session.LevelStopAndWaitTimeout), "protocol level: 1, 2 or 3")
	pf.DurationVar(&o.timeout, "timeout", time.Second, "level 3 reply timeout")
	pf.IntVar(&o.maxRetransmits, "max-retransmits", 0, "level 3 retransmissions per frame before failing (0 = unbounded)")
	pf.Float64Var(&o.loss, "loss", 0, "probability of dropping an outgoing transmit")
	pf.Float64Var(&o.corrupt, "corrupt", 0, "probability of corrupting an outgoing transmit")
	pf.Int64Var(&o.seed, "seed", 0, "fault injection seed (0 = time based)")
	pf.StringVar(&o.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	pf.StringVar(&o.logLevel, "log-level", "info", "log level: trace|debug|info|warn|error|off")
}

// resolve layers defaults, then the config file, then flags the user set explicitly.
func (o *rootOptions) resolve(cmd *cobra.Command) (runConfig, error) {
	cfg := defaultRunConfig()
	if o.configPath != "" {
		loaded, err := loadRunConfig(o.configPath)
		if err != nil {
			return runConfig{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("level") {
		cfg.Session.Level = session.Level(o.level)
	}
	if flags.Changed("timeout") {
		cfg.Session.Backoff.InitialDelay = o.timeout
	}
	if flags.Changed("max-retransmits") {
		cfg.Session.MaxRetransmits = o.maxRetransmits
	}
	if flags.Changed("loss") {
		cfg.Faults.DropRate = o.loss
	}
	if flags.Changed("corrupt") {
		cfg.Faults.CorruptRate = o.corrupt
	}
	if flags.Changed("seed") {
		cfg.Faults.Seed = o.seed
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}

	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return runConfig{}, err
	}
	for name, rate := range map[string]float64{
		"loss":      cfg.Faults.DropRate,
		"corrupt":   cfg.Faults.CorruptRate,
		"duplicate": cfg.Faults.DuplicateRate,
	} {
		if rate < 0 || rate > 1 {
			return runConfig{}, fmt.Errorf("%s rate %v outside [0, 1]", name, rate)
		}
	}
	return cfg, nil
}

// wrapChannel injects the configured faults on outgoing transmits.
func wrapChannel(ch channel.Channel, cfg runConfig) channel.Channel {
	if !cfg.faultsEnabled() {
		return ch
	}
	return channel.NewLossy(ch, cfg.Faults)
}

func startMetrics(ctx context.Context, cfg runConfig) {
	if cfg.MetricsAddr == "" {
		return
	}
	go func() {
		if err := observability.Serve(ctx, cfg.MetricsAddr, cfg.Name, log.Logger); err != nil {
			log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server stopped")
		}
	}()
}
