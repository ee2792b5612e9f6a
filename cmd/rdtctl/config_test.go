package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/rdtlink/internal/config"
	"github.com/danmuck/rdtlink/internal/protocol/session"
	"github.com/danmuck/rdtlink/internal/testutil/testlog"
	"github.com/spf13/cobra"
)

func TestLoadRunConfigExample(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadRunConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Name != "rdt.local" {
		t.Fatalf("unexpected name: %q", cfg.Name)
	}
	if cfg.Addr != "127.0.0.1:9300" || cfg.MetricsAddr != "127.0.0.1:9301" {
		t.Fatalf("unexpected addrs: %q %q", cfg.Addr, cfg.MetricsAddr)
	}
	if cfg.Session.Level != session.LevelStopAndWaitTimeout {
		t.Fatalf("unexpected level: %s", cfg.Session.Level)
	}
	if cfg.Session.Backoff.InitialDelay != 250*time.Millisecond {
		t.Fatalf("unexpected timeout: %v", cfg.Session.Backoff.InitialDelay)
	}
	if cfg.Session.Backoff.Multiplier != 2 || cfg.Session.Backoff.MaxDelay != 2*time.Second {
		t.Fatalf("unexpected backoff: %+v", cfg.Session.Backoff)
	}
	if cfg.Session.MaxRetransmits != 8 {
		t.Fatalf("unexpected max retransmits: %d", cfg.Session.MaxRetransmits)
	}
	if cfg.Faults.DropRate != 0.05 || cfg.Faults.Seed != 7 {
		t.Fatalf("unexpected faults: %+v", cfg.Faults)
	}
}

func TestExampleConfigPassesStrictValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := config.Load("ex.config.toml"); err != nil {
		t.Fatalf("strict validation: %v", err)
	}
}

func TestLoadRunConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[protocol]
level = 2
`)
	cfg, err := loadRunConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := defaultRunConfig()
	if cfg.Session.Level != session.LevelStopAndWait {
		t.Fatalf("unexpected level: %s", cfg.Session.Level)
	}
	if cfg.Session.Backoff != def.Session.Backoff || cfg.Addr != def.Addr || cfg.Name != def.Name {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadRunConfigBadDuration(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[protocol]
timeout = "abc"
`)
	if _, err := loadRunConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadRunConfigUnknownKey(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[protocol]
levle = 2
`)
	if _, err := loadRunConfig(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestResolveFlagsOverrideFile(t *testing.T) {
	testlog.Start(t)
	opts := &rootOptions{}
	cmd := &cobra.Command{Use: "test"}
	opts.bind(cmd)
	if err := cmd.ParseFlags([]string{"--config", "ex.config.toml", "--level", "2", "--loss", "0", "--corrupt", "0.2"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := opts.resolve(cmd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Session.Level != session.LevelStopAndWait {
		t.Fatalf("flag did not override level: %s", cfg.Session.Level)
	}
	if cfg.Session.Backoff.InitialDelay != 250*time.Millisecond {
		t.Fatalf("unset flag overrode file timeout: %v", cfg.Session.Backoff.InitialDelay)
	}
	if cfg.Faults.DropRate != 0 || cfg.Faults.CorruptRate != 0.2 || cfg.Faults.Seed != 7 {
		t.Fatalf("unexpected faults: %+v", cfg.Faults)
	}
}

func TestResolveRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	for _, args := range [][]string{
		{"--level", "5"},
		{"--loss", "1.5"},
		{"--max-retransmits", "-2"},
	} {
		opts := &rootOptions{}
		cmd := &cobra.Command{Use: "test"}
		opts.bind(cmd)
		if err := cmd.ParseFlags(args); err != nil {
			t.Fatalf("parse flags %v: %v", args, err)
		}
		if _, err := opts.resolve(cmd); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
