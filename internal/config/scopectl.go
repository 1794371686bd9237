package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/scopectl/internal/instrument"
	"github.com/danmuck/scopectl/internal/retry"
	"github.com/danmuck/scopectl/internal/sink"
	"github.com/rs/zerolog"
)

var ErrInvalidRuntime = errors.New("config: invalid scopectl config")

// Runtime is the resolved scopectl configuration.
type Runtime struct {
	InstrumentID     string
	Plan             Plan
	Transport        instrument.Config
	Retry            retry.Config
	PollInterval     time.Duration
	PollCycles       int
	RolloverCycles   int
	StatusListenAddr string
	StatusToken      string
	CorsOrigins      []string
	Sink             sink.Config
}

func DefaultRuntime() Runtime {
	return Runtime{
		InstrumentID:   "scope.local",
		Plan:           Plan{Name: "default"},
		Transport:      instrument.DefaultConfig(),
		Retry:          retry.DefaultConfig(),
		PollInterval:   5 * time.Second,
		PollCycles:     0,
		RolloverCycles: 720,
		Sink:           sink.Config{Kind: "log"},
	}
}

// scopectl config.toml key mapping to Runtime.
type scopectlFile struct {
	ID             string            `toml:"id"`
	Plan           string            `toml:"plan"`
	CommandTimeout string            `toml:"command_timeout"`
	MaxTries       int               `toml:"max_tries"`
	Backoff        string            `toml:"backoff"`
	PollInterval   string            `toml:"poll_interval"`
	PollCycles     int               `toml:"poll_cycles"`
	RolloverCycles int               `toml:"rollover_cycles"`
	StatusListen   string            `toml:"status_listen"`
	StatusToken    string            `toml:"status_token"`
	CorsOrigins    []string          `toml:"cors_origins"`
	Transport      scopectlTransport `toml:"transport"`
	Sink           scopectlSink      `toml:"sink"`
}

type scopectlTransport struct {
	Kind        string `toml:"kind"`
	VendorID    uint16 `toml:"vendor_id"`
	ProductID   uint16 `toml:"product_id"`
	OutEndpoint int    `toml:"out_endpoint"`
	InEndpoint  int    `toml:"in_endpoint"`
	SerialPort  string `toml:"serial_port"`
	BaudRate    int    `toml:"baud_rate"`
	ReadTimeout string `toml:"read_timeout"`
}

type scopectlSink struct {
	Kind string `toml:"kind"`
	Path string `toml:"path"`
}

// LoadScopectlConfig overlays config.toml onto DefaultRuntime. Unknown keys are
// rejected and a relative plan path is resolved against the config directory.
func LoadScopectlConfig(path string) (Runtime, error) {
	cfg := DefaultRuntime()

	var raw scopectlFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Runtime{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Runtime{}, fmt.Errorf("%w: unknown key %q", ErrInvalidRuntime, undecoded[0].String())
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.InstrumentID = id
		}
	}
	if meta.IsDefined("command_timeout") {
		d, err := parseDuration("command_timeout", raw.CommandTimeout)
		if err != nil {
			return Runtime{}, err
		}
		cfg.Retry.Timeout = d
	}
	if meta.IsDefined("max_tries") {
		cfg.Retry.MaxTries = raw.MaxTries
	}
	if meta.IsDefined("backoff") {
		d, err := parseDuration("backoff", raw.Backoff)
		if err != nil {
			return Runtime{}, err
		}
		cfg.Retry.Backoff = retry.FixedBackoff(d)
	}
	if meta.IsDefined("poll_interval") {
		d, err := parseDuration("poll_interval", raw.PollInterval)
		if err != nil {
			return Runtime{}, err
		}
		cfg.PollInterval = d
	}
	if meta.IsDefined("poll_cycles") {
		cfg.PollCycles = raw.PollCycles
	}
	if meta.IsDefined("rollover_cycles") {
		cfg.RolloverCycles = raw.RolloverCycles
	}
	if meta.IsDefined("status_listen") {
		cfg.StatusListenAddr = strings.TrimSpace(raw.StatusListen)
	}
	if meta.IsDefined("status_token") {
		cfg.StatusToken = strings.TrimSpace(raw.StatusToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if err := applyTransport(&cfg.Transport, meta, raw.Transport); err != nil {
		return Runtime{}, err
	}
	if meta.IsDefined("sink", "kind") {
		cfg.Sink.Kind = strings.TrimSpace(raw.Sink.Kind)
	}
	if meta.IsDefined("sink", "path") {
		cfg.Sink.Path = strings.TrimSpace(raw.Sink.Path)
	}

	if meta.IsDefined("plan") {
		if planPath := strings.TrimSpace(raw.Plan); planPath != "" {
			if !filepath.IsAbs(planPath) {
				planPath = filepath.Join(filepath.Dir(path), planPath)
			}
			plan, err := LoadPlan(planPath)
			if err != nil {
				return Runtime{}, err
			}
			cfg.Plan = plan
		}
	}

	if err := ValidateRuntime(cfg); err != nil {
		return Runtime{}, err
	}
	return cfg, nil
}

// ValidateRuntime checks the values a running driver depends on.
func ValidateRuntime(cfg Runtime) error {
	if strings.TrimSpace(cfg.InstrumentID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidRuntime)
	}
	if cfg.Retry.MaxTries <= 0 {
		return fmt.Errorf("%w: max_tries must be positive: %d", ErrInvalidRuntime, cfg.Retry.MaxTries)
	}
	if cfg.Retry.Timeout <= 0 {
		return fmt.Errorf("%w: command_timeout must be positive: %s", ErrInvalidRuntime, cfg.Retry.Timeout)
	}
	if cfg.Retry.Backoff.InitialDelay < 0 {
		return fmt.Errorf("%w: backoff must not be negative: %s", ErrInvalidRuntime, cfg.Retry.Backoff.InitialDelay)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive: %s", ErrInvalidRuntime, cfg.PollInterval)
	}
	if cfg.PollCycles < 0 {
		return fmt.Errorf("%w: poll_cycles must not be negative: %d", ErrInvalidRuntime, cfg.PollCycles)
	}
	if cfg.RolloverCycles < 0 {
		return fmt.Errorf("%w: rollover_cycles must not be negative: %d", ErrInvalidRuntime, cfg.RolloverCycles)
	}
	switch cfg.Transport.Kind {
	case instrument.TransportUSB, instrument.TransportSerial:
	default:
		return fmt.Errorf("%w: %q", instrument.ErrUnknownTransport, cfg.Transport.Kind)
	}
	if _, err := sink.New(cfg.Sink, zerolog.Nop()); err != nil {
		return err
	}
	return ValidatePlan(cfg.Plan)
}

func applyTransport(cfg *instrument.Config, meta toml.MetaData, raw scopectlTransport) error {
	if meta.IsDefined("transport", "kind") {
		cfg.Kind = instrument.TransportKind(strings.ToLower(strings.TrimSpace(raw.Kind)))
	}
	if meta.IsDefined("transport", "vendor_id") {
		cfg.USB.VendorID = raw.VendorID
	}
	if meta.IsDefined("transport", "product_id") {
		cfg.USB.ProductID = raw.ProductID
	}
	if meta.IsDefined("transport", "out_endpoint") {
		cfg.USB.OutEndpoint = raw.OutEndpoint
	}
	if meta.IsDefined("transport", "in_endpoint") {
		cfg.USB.InEndpoint = raw.InEndpoint
	}
	if meta.IsDefined("transport", "serial_port") {
		cfg.Serial.Port = strings.TrimSpace(raw.SerialPort)
	}
	if meta.IsDefined("transport", "baud_rate") {
		cfg.Serial.BaudRate = raw.BaudRate
	}
	if meta.IsDefined("transport", "read_timeout") {
		d, err := parseDuration("transport.read_timeout", raw.ReadTimeout)
		if err != nil {
			return err
		}
		cfg.Serial.ReadTimeout = d
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %w", ErrInvalidRuntime, key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
