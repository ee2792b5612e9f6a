package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/rdtlink/internal/channel"
	"github.com/danmuck/rdtlink/internal/protocol/session"
)

// runConfig is everything one rdtctl invocation needs after file and flag overlays.
type runConfig struct {
	Name        string
	Addr        string
	MetricsAddr string
	Session     session.Config
	Faults      channel.FaultConfig
}

func defaultRunConfig() runConfig {
	return runConfig{
		Name:    "rdtctl",
		Addr:    "127.0.0.1:9300",
		Session: session.DefaultConfig(),
	}
}

func (c runConfig) faultsEnabled() bool {
	return c.Faults.Filter != nil || c.Faults.DropRate > 0 || c.Faults.CorruptRate > 0 || c.Faults.DuplicateRate > 0
}

type fileConfig struct {
	Name        string       `toml:"name"`
	Addr        string       `toml:"addr"`
	MetricsAddr string       `toml:"metrics_addr"`
	Protocol    fileProtocol `toml:"protocol"`
	Faults      fileFaults   `toml:"faults"`
}

type fileProtocol struct {
	Level                    int     `toml:"level"`
	Timeout                  string  `toml:"timeout"`
	BackoffMultiplier        float64 `toml:"backoff_multiplier"`
	MaxTimeout               string  `toml:"max_timeout"`
	Jitter                   bool    `toml:"jitter"`
	MaxRetransmits           int     `toml:"max_retransmits"`
	RetransmitOnCorruptReply bool    `toml:"retransmit_on_corrupt_reply"`
	MaxPayloadBytes          uint64  `toml:"max_payload_bytes"`
}

type fileFaults struct {
	DropRate      float64 `toml:"drop_rate"`
	CorruptRate   float64 `toml:"corrupt_rate"`
	DuplicateRate float64 `toml:"duplicate_rate"`
	Seed          int64   `toml:"seed"`
}

// loadRunConfig overlays only the keys present in path onto the defaults.
func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load rdtctl config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	p := raw.Protocol
	if meta.IsDefined("protocol", "level") {
		cfg.Session.Level = session.Level(p.Level)
	}
	if meta.IsDefined("protocol", "timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(p.Timeout))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse protocol.timeout: %w", err)
		}
		cfg.Session.Backoff.InitialDelay = d
	}
	if meta.IsDefined("protocol", "backoff_multiplier") {
		cfg.Session.Backoff.Multiplier = p.BackoffMultiplier
	}
	if meta.IsDefined("protocol", "max_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(p.MaxTimeout))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse protocol.max_timeout: %w", err)
		}
		cfg.Session.Backoff.MaxDelay = d
	}
	if meta.IsDefined("protocol", "jitter") {
		cfg.Session.Backoff.Jitter = p.Jitter
	}
	if meta.IsDefined("protocol", "max_retransmits") {
		cfg.Session.MaxRetransmits = p.MaxRetransmits
	}
	if meta.IsDefined("protocol", "retransmit_on_corrupt_reply") {
		cfg.Session.RetransmitOnCorruptReply = p.RetransmitOnCorruptReply
	}
	if meta.IsDefined("protocol", "max_payload_bytes") {
		cfg.Session.Limits.MaxPayloadBytes = p.MaxPayloadBytes
	}

	f := raw.Faults
	if meta.IsDefined("faults", "drop_rate") {
		cfg.Faults.DropRate = f.DropRate
	}
	if meta.IsDefined("faults", "corrupt_rate") {
		cfg.Faults.CorruptRate = f.CorruptRate
	}
	if meta.IsDefined("faults", "duplicate_rate") {
		cfg.Faults.DuplicateRate = f.DuplicateRate
	}
	if meta.IsDefined("faults", "seed") {
		cfg.Faults.Seed = f.Seed
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return runConfig{}, fmt.Errorf("unknown config key: %s", undecoded[0])
	}
	return cfg, nil
}
