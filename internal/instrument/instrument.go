package instrument

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrEmptyCommand   = errors.New("instrument: empty command")
	ErrVerifyMismatch = errors.New("instrument: setting readback mismatch")
	ErrBadIdentity    = errors.New("instrument: malformed *IDN? response")
)

// Identity is the parsed *IDN? response.
type Identity struct {
	Manufacturer string `json:"manufacturer" yaml:"manufacturer"`
	Model        string `json:"model" yaml:"model"`
	Serial       string `json:"serial" yaml:"serial"`
	Firmware     string `json:"firmware" yaml:"firmware"`
}

func (id Identity) String() string {
	return strings.Join([]string{id.Manufacturer, id.Model, id.Serial, id.Firmware}, ",")
}

func ParseIdentity(raw string) (Identity, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("%w: %q", ErrBadIdentity, raw)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return Identity{
		Manufacturer: parts[0],
		Model:        parts[1],
		Serial:       parts[2],
		Firmware:     parts[3],
	}, nil
}

// Setting is one instrument parameter write, e.g. Command=":TIM:SCAL" Value="1e-3".
type Setting struct {
	Label   string
	Command string
	Value   string
	Verify  bool
}

// Line renders the program message sent for s.
func (s Setting) Line() string {
	cmd := strings.TrimSpace(s.Command)
	val := strings.TrimSpace(s.Value)
	if val == "" {
		return cmd
	}
	return cmd + " " + val
}

// Instrument is a SCPI client over one Transport.
//
// Calls are serialized by a context-aware semaphore: an attempt abandoned by
// the executor may still hold the transport, and the next attempt then waits
// for it or for its own deadline.
type Instrument struct {
	t   Transport
	sem chan struct{}
}

func New(t Transport) *Instrument {
	return &Instrument{t: t, sem: make(chan struct{}, 1)}
}

// Open opens the configured transport and wraps it.
func Open(cfg Config) (*Instrument, error) {
	t, err := OpenTransport(cfg)
	if err != nil {
		return nil, err
	}
	return New(t), nil
}

func (i *Instrument) acquire(ctx context.Context) error {
	select {
	case i.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instrument) release() {
	<-i.sem
}

func (i *Instrument) Write(ctx context.Context, cmd string) error {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return ErrEmptyCommand
	}
	if err := i.acquire(ctx); err != nil {
		return err
	}
	defer i.release()
	return i.t.Send(ctx, []byte(cmd))
}

func (i *Instrument) Query(ctx context.Context, cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", ErrEmptyCommand
	}
	if err := i.acquire(ctx); err != nil {
		return "", err
	}
	defer i.release()
	if err := i.t.Send(ctx, []byte(cmd)); err != nil {
		return "", err
	}
	resp, err := i.t.Receive(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp)), nil
}

func (i *Instrument) Identify(ctx context.Context) (Identity, error) {
	raw, err := i.Query(ctx, "*IDN?")
	if err != nil {
		return Identity{}, err
	}
	return ParseIdentity(raw)
}

// Apply writes s and, when s.Verify is set, reads it back with "<command>?".
func (i *Instrument) Apply(ctx context.Context, s Setting) error {
	if err := i.Write(ctx, s.Line()); err != nil {
		return err
	}
	if !s.Verify {
		return nil
	}
	got, err := i.Query(ctx, strings.TrimSpace(s.Command)+"?")
	if err != nil {
		return err
	}
	if !sameValue(s.Value, got) {
		return fmt.Errorf("%w: %s want=%q got=%q", ErrVerifyMismatch, s.Command, s.Value, got)
	}
	return nil
}

func (i *Instrument) Close() error {
	return i.t.Close()
}

// sameValue compares numerically when both sides parse as floats, otherwise
// case-insensitively; instruments echo "1e-3" as "1.000000e-03".
func sameValue(want, got string) bool {
	want = strings.TrimSpace(want)
	got = strings.Trim(strings.TrimSpace(got), `"`)
	wf, werr := strconv.ParseFloat(want, 64)
	gf, gerr := strconv.ParseFloat(got, 64)
	if werr == nil && gerr == nil {
		if wf == gf {
			return true
		}
		diff := wf - gf
		if diff < 0 {
			diff = -diff
		}
		scale := wf
		if scale < 0 {
			scale = -scale
		}
		return diff <= scale*1e-9
	}
	return strings.EqualFold(want, got)
}
