package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/scopectl/internal/instrument"
	"github.com/danmuck/scopectl/internal/sink"
	"github.com/danmuck/scopectl/internal/testutil/testlog"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadScopectlConfigTemplate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	if err := WriteTemplate(filepath.Join(dir, "config.toml"), "scopectl", false); err != nil {
		t.Fatalf("write scopectl template: %v", err)
	}
	if err := WriteTemplate(filepath.Join(dir, "plan.toml"), "plan", false); err != nil {
		t.Fatalf("write plan template: %v", err)
	}

	cfg, err := LoadScopectlConfig(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.InstrumentID != "scope.bench1" || cfg.Retry.MaxTries != 3 || cfg.Retry.Timeout != 5*time.Second {
		t.Fatalf("unexpected runtime: %+v", cfg)
	}
	if cfg.Retry.Backoff.InitialDelay != 250*time.Millisecond || cfg.RolloverCycles != 720 {
		t.Fatalf("unexpected backoff/rollover: %+v %d", cfg.Retry.Backoff, cfg.RolloverCycles)
	}
	if cfg.Transport.Kind != instrument.TransportUSB || cfg.Transport.USB.VendorID != 0x1ab1 {
		t.Fatalf("unexpected transport: %+v", cfg.Transport)
	}
	if cfg.Plan.Name != "bench-default" || len(cfg.Plan.Polls) != 2 {
		t.Fatalf("unexpected plan: %+v", cfg.Plan)
	}
}

func TestLoadScopectlConfigDefaultsWhenEmpty(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadScopectlConfig(writeFile(t, t.TempDir(), "config.toml", "\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultRuntime()
	if cfg.InstrumentID != def.InstrumentID || cfg.PollInterval != def.PollInterval || cfg.RolloverCycles != def.RolloverCycles {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if len(cfg.Plan.Settings) != 0 || cfg.Sink != (sink.Config{Kind: "log"}) {
		t.Fatalf("unexpected default plan/sink: %+v %+v", cfg.Plan, cfg.Sink)
	}
}

func TestLoadScopectlConfigSerialOverride(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadScopectlConfig(writeFile(t, t.TempDir(), "config.toml", `
[transport]
kind = "SERIAL"
serial_port = "/dev/ttyACM0"
baud_rate = 9600
read_timeout = "50ms"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := cfg.Transport.Serial
	if cfg.Transport.Kind != instrument.TransportSerial || s.Port != "/dev/ttyACM0" || s.BaudRate != 9600 || s.ReadTimeout != 50*time.Millisecond {
		t.Fatalf("unexpected transport: %+v", cfg.Transport)
	}
}

func TestLoadScopectlConfigRejects(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		content string
		want    error
	}{
		{name: "bad duration", content: `poll_interval = "abc"`, want: ErrInvalidRuntime},
		{name: "zero tries", content: `max_tries = 0`, want: ErrInvalidRuntime},
		{name: "negative tries", content: `max_tries = -1`, want: ErrInvalidRuntime},
		{name: "zero poll interval", content: `poll_interval = "0s"`, want: ErrInvalidRuntime},
		{name: "negative poll cycles", content: `poll_cycles = -2`, want: ErrInvalidRuntime},
		{name: "negative rollover", content: `rollover_cycles = -1`, want: ErrInvalidRuntime},
		{name: "unknown key", content: `heartbeat = "5s"`, want: ErrInvalidRuntime},
		{name: "unknown transport key", content: "[transport]\nbaud = 9600\n", want: ErrInvalidRuntime},
		{name: "unknown transport", content: "[transport]\nkind = \"gpib\"\n", want: instrument.ErrUnknownTransport},
		{name: "unknown sink", content: "[sink]\nkind = \"http\"\n", want: sink.ErrUnknownSink},
		{name: "missing plan", content: `plan = "missing.toml"`, want: os.ErrNotExist},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadScopectlConfig(writeFile(t, t.TempDir(), "config.toml", tc.content))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadScopectlConfigRejectsPlanTypo(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeFile(t, dir, "plan.toml", "[[settings]]\nlabel = \"ch1.scale\"\ncommand = \":CHAN1:SCAL\"\nvalue = \"0.5\"\nverfy = true\n")
	if _, err := LoadScopectlConfig(writeFile(t, dir, "config.toml", `plan = "plan.toml"`)); err == nil {
		t.Fatalf("expected plan typo to be rejected")
	}
}
