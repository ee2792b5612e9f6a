package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// LinkConfig is the on-disk description of one rdtlink endpoint.
type LinkConfig struct {
	Name        string         `toml:"name"`
	Addr        string         `toml:"addr"`
	MetricsAddr string         `toml:"metrics_addr"`
	Protocol    ProtocolConfig `toml:"protocol"`
	Faults      FaultConfig    `toml:"faults"`
}

type ProtocolConfig struct {
	Level                    int     `toml:"level"`
	Timeout                  string  `toml:"timeout"`
	BackoffMultiplier        float64 `toml:"backoff_multiplier"`
	MaxTimeout               string  `toml:"max_timeout"`
	Jitter                   bool    `toml:"jitter"`
	MaxRetransmits           int     `toml:"max_retransmits"`
	RetransmitOnCorruptReply bool    `toml:"retransmit_on_corrupt_reply"`
	MaxPayloadBytes          uint64  `toml:"max_payload_bytes"`
}

// FaultConfig injects channel faults on outgoing transmits. Rates are in [0, 1].
type FaultConfig struct {
	DropRate      float64 `toml:"drop_rate"`
	CorruptRate   float64 `toml:"corrupt_rate"`
	DuplicateRate float64 `toml:"duplicate_rate"`
	Seed          int64   `toml:"seed"`
}

// Load reads, defaults, and validates a link config. Unknown keys are rejected.
func Load(path string) (LinkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LinkConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return LinkConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (LinkConfig, error) {
	var cfg LinkConfig
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return LinkConfig{}, fmt.Errorf("%w: %s", ErrInvalidConfig, strict.String())
		}
		return LinkConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "rdtlink"
	}
	if cfg.Protocol.Level == 0 {
		cfg.Protocol.Level = 3
	}
	if cfg.Protocol.Timeout == "" {
		cfg.Protocol.Timeout = "1s"
	}
	if err := Validate(cfg); err != nil {
		return LinkConfig{}, err
	}
	return cfg, nil
}

func Validate(cfg LinkConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("%w: missing addr", ErrInvalidConfig)
	}
	if err := validateRate("faults.drop_rate", cfg.Faults.DropRate); err != nil {
		return err
	}
	if err := validateRate("faults.corrupt_rate", cfg.Faults.CorruptRate); err != nil {
		return err
	}
	if err := validateRate("faults.duplicate_rate", cfg.Faults.DuplicateRate); err != nil {
		return err
	}
	sessionCfg, err := cfg.Protocol.Session()
	if err != nil {
		return err
	}
	if err := sessionCfg.Validate(); err != nil {
		return fmt.Errorf("%w: protocol: %w", ErrInvalidConfig, err)
	}
	return nil
}

func validateRate(key string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: %s=%v outside [0, 1]", ErrInvalidConfig, key, v)
	}
	return nil
}

func parseDuration(key, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}
