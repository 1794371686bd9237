package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/scopectl/internal/scorecard"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var ErrUnknownSink = errors.New("sink: unknown sink kind")

// Report is the payload handed to the reporting layer after each session phase.
type Report struct {
	InstrumentID string             `json:"instrument_id" yaml:"instrument_id"`
	SessionID    string             `json:"session_id" yaml:"session_id"`
	Identity     string             `json:"identity,omitempty" yaml:"identity,omitempty"`
	Phase        string             `json:"phase" yaml:"phase"`
	Cycle        int                `json:"cycle" yaml:"cycle"`
	Timestamp    time.Time          `json:"timestamp" yaml:"timestamp"`
	Scorecard    scorecard.Snapshot `json:"scorecard" yaml:"scorecard"`
}

// Sink consumes scorecard reports.
type Sink interface {
	Emit(ctx context.Context, r Report) error
}

type Config struct {
	Kind string
	Path string
}

// New builds the sink named by cfg.Kind: "log", "file", "none", or "log+file".
func New(cfg Config, logger zerolog.Logger) (Sink, error) {
	kinds := strings.Split(strings.ToLower(strings.TrimSpace(cfg.Kind)), "+")
	out := make(Multi, 0, len(kinds))
	for _, kind := range kinds {
		switch strings.TrimSpace(kind) {
		case "", "none":
		case "log":
			out = append(out, LogSink{Logger: logger})
		case "file":
			if strings.TrimSpace(cfg.Path) == "" {
				return nil, fmt.Errorf("%w: file sink requires path", ErrUnknownSink)
			}
			out = append(out, FileSink{Path: cfg.Path})
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownSink, kind)
		}
	}
	return out, nil
}

// LogSink writes one structured event per report.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Emit(_ context.Context, r Report) error {
	s.Logger.Info().
		Str("instrument", r.InstrumentID).
		Str("session", r.SessionID).
		Str("phase", r.Phase).
		Int("cycle", r.Cycle).
		Int("success", len(r.Scorecard.Success)).
		Int("failure", len(r.Scorecard.Failure)).
		Int("usb_timeouts", r.Scorecard.Errors.USBTimeouts).
		Int("usb_resource_busy", r.Scorecard.Errors.USBResourceBusy).
		Int("timeouts", r.Scorecard.Errors.Timeouts).
		Int("generic", r.Scorecard.Errors.Generic).
		Msg("scorecard_report")
	return nil
}

// FileSink replaces Path with the latest report. ".yaml"/".yml" paths are
// written as YAML, everything else as indented JSON.
type FileSink struct {
	Path string
}

func (s FileSink) Emit(ctx context.Context, r Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.encode(r)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sink: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return fmt.Errorf("sink: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sink: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sink: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("sink: rename to %s: %w", s.Path, err)
	}
	return nil
}

func (s FileSink) encode(r Report) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".yaml", ".yml":
		data, err := yaml.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("sink: yaml encode: %w", err)
		}
		return data, nil
	default:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("sink: json encode: %w", err)
		}
		return append(data, '\n'), nil
	}
}

// Multi fans a report out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, r Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
