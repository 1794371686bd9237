package instrument

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/scopectl/internal/executor"
	"go.bug.st/serial"
)

// SerialConfig addresses a line-oriented SCPI instrument on a serial or USB CDC port.
type SerialConfig struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
	Terminator  byte
	MaxResponse int
}

func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		Port:        "/dev/ttyUSB0",
		BaudRate:    115200,
		ReadTimeout: 100 * time.Millisecond,
		Terminator:  '\n',
		MaxResponse: 1 << 20,
	}
}

// SerialTransport frames messages with a terminator byte. The port's read
// timeout bounds each Read so ctx is checked between reads; a Read already in
// progress is not interrupted.
//
// A Receive abandoned on ctx leaves the transport stale: the reply may still
// arrive. The next Send drops buffered input before writing so that reply is
// never read as the answer to a later command.
type SerialTransport struct {
	cfg  SerialConfig
	port io.ReadWriteCloser

	closeOnce sync.Once
	pending   []byte
	stale     bool
}

// inputResetter is implemented by serial.Port.
type inputResetter interface {
	ResetInputBuffer() error
}

func OpenSerial(cfg SerialConfig) (*SerialTransport, error) {
	cfg = cfg.withDefaults()
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, mapSerialError("open "+cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, mapSerialError("set read timeout", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, mapSerialError("reset input", err)
	}
	return newSerialTransport(cfg, port), nil
}

func newSerialTransport(cfg SerialConfig, port io.ReadWriteCloser) *SerialTransport {
	return &SerialTransport{cfg: cfg.withDefaults(), port: port}
}

func (c SerialConfig) withDefaults() SerialConfig {
	def := DefaultSerialConfig()
	if c.BaudRate <= 0 {
		c.BaudRate = def.BaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.Terminator == 0 {
		c.Terminator = def.Terminator
	}
	if c.MaxResponse <= 0 {
		c.MaxResponse = def.MaxResponse
	}
	return c
}

func (t *SerialTransport) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.stale {
		if err := t.discardInput(); err != nil {
			return err
		}
	}
	frame := make([]byte, 0, len(msg)+1)
	frame = append(frame, msg...)
	if len(msg) == 0 || msg[len(msg)-1] != t.cfg.Terminator {
		frame = append(frame, t.cfg.Terminator)
	}
	if _, err := t.port.Write(frame); err != nil {
		return mapSerialError("write", err)
	}
	return nil
}

// Receive reads until the terminator. Bytes after the terminator are kept for the
// next Receive. An empty read window that outlasts ctx returns ctx.Err().
func (t *SerialTransport) Receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 256)
	for {
		if i := bytes.IndexByte(t.pending, t.cfg.Terminator); i >= 0 {
			msg := append([]byte(nil), t.pending[:i]...)
			t.pending = t.pending[i+1:]
			return msg, nil
		}
		if len(t.pending) > t.cfg.MaxResponse {
			t.pending = nil
			return nil, fmt.Errorf("instrument: serial response exceeds %d bytes", t.cfg.MaxResponse)
		}
		if err := ctx.Err(); err != nil {
			t.stale = true
			return nil, err
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			t.pending = append(t.pending, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				continue
			}
			return nil, mapSerialError("read", err)
		}
	}
}

func (t *SerialTransport) discardInput() error {
	t.pending = nil
	if r, ok := t.port.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return mapSerialError("reset input", err)
		}
	}
	t.stale = false
	return nil
}

func (t *SerialTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.port.Close()
	})
	return err
}

func mapSerialError(op string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) && portErr.Code() == serial.PortBusy {
		return fmt.Errorf("instrument: serial %s: %w: %w", op, executor.ErrUSBBusy, err)
	}
	return fmt.Errorf("instrument: serial %s: %w", op, err)
}
