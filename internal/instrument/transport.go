package instrument

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownTransport = errors.New("instrument: unknown transport kind")
	ErrDeviceNotFound   = errors.New("instrument: device not found")
	ErrClosed           = errors.New("instrument: transport closed")
)

// Transport moves whole SCPI messages to and from an instrument.
// Implementations should abort blocked I/O when ctx is done where the OS allows it.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type TransportKind string

const (
	TransportUSB    TransportKind = "usb"
	TransportSerial TransportKind = "serial"
)

// Config selects and configures one transport.
type Config struct {
	Kind   TransportKind
	USB    USBConfig
	Serial SerialConfig
}

func DefaultConfig() Config {
	return Config{
		Kind:   TransportUSB,
		USB:    DefaultUSBConfig(),
		Serial: DefaultSerialConfig(),
	}
}

// OpenTransport opens the transport named by cfg.Kind.
func OpenTransport(cfg Config) (Transport, error) {
	switch TransportKind(strings.ToLower(strings.TrimSpace(string(cfg.Kind)))) {
	case TransportUSB:
		t, err := OpenUSB(cfg.USB)
		if err != nil {
			return nil, err
		}
		return t, nil
	case TransportSerial:
		t, err := OpenSerial(cfg.Serial)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Kind)
	}
}
