package instrument

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/scopectl/internal/executor"
	"github.com/google/gousb"
	"github.com/rs/zerolog/log"
)

// USBConfig addresses a USBTMC instrument. Endpoint numbers are bulk endpoint
// addresses without the direction bit.
type USBConfig struct {
	VendorID    uint16
	ProductID   uint16
	OutEndpoint int
	InEndpoint  int
	MaxTransfer int
	TermChar    byte
	UseTermChar bool
}

func DefaultUSBConfig() USBConfig {
	return USBConfig{
		OutEndpoint: 3,
		InEndpoint:  1,
		MaxTransfer: 1 << 16,
		TermChar:    '\n',
		UseTermChar: false,
	}
}

type bulkOut interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type bulkIn interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// USBTransport speaks USBTMC over a pair of bulk endpoints.
type USBTransport struct {
	cfg  USBConfig
	out  bulkOut
	in   bulkIn
	tags tagger
	// abandoned is the tag of an IN request whose reply was not read.
	abandoned byte

	closeOnce sync.Once
	release   func() error
}

// OpenUSB opens the first device matching VID/PID and claims its default interface.
func OpenUSB(cfg USBConfig) (*USBTransport, error) {
	if cfg.MaxTransfer <= 0 {
		cfg.MaxTransfer = DefaultUSBConfig().MaxTransfer
	}
	usbCtx := gousb.NewContext()
	dev, err := usbCtx.OpenDeviceWithVIDPID(gousb.ID(cfg.VendorID), gousb.ID(cfg.ProductID))
	if err != nil {
		_ = usbCtx.Close()
		return nil, mapUSBError("open", err)
	}
	if dev == nil {
		_ = usbCtx.Close()
		return nil, fmt.Errorf("%w: vid=%04x pid=%04x", ErrDeviceNotFound, cfg.VendorID, cfg.ProductID)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		log.Warn().Msgf("instrument.OpenUSB auto-detach unavailable err=%v", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		_ = dev.Close()
		_ = usbCtx.Close()
		return nil, mapUSBError("claim interface", err)
	}
	epOut, err := intf.OutEndpoint(cfg.OutEndpoint)
	if err != nil {
		done()
		_ = dev.Close()
		_ = usbCtx.Close()
		return nil, mapUSBError("out endpoint", err)
	}
	epIn, err := intf.InEndpoint(cfg.InEndpoint)
	if err != nil {
		done()
		_ = dev.Close()
		_ = usbCtx.Close()
		return nil, mapUSBError("in endpoint", err)
	}

	log.Info().Msgf(
		"instrument.OpenUSB vid=%04x pid=%04x out=%d in=%d max_packet=%d",
		cfg.VendorID,
		cfg.ProductID,
		cfg.OutEndpoint,
		cfg.InEndpoint,
		epIn.Desc.MaxPacketSize,
	)

	return newUSBTransport(cfg, epOut, epIn, func() error {
		done()
		devErr := dev.Close()
		ctxErr := usbCtx.Close()
		return errors.Join(devErr, ctxErr)
	}), nil
}

func newUSBTransport(cfg USBConfig, out bulkOut, in bulkIn, release func() error) *USBTransport {
	if cfg.MaxTransfer <= 0 {
		cfg.MaxTransfer = DefaultUSBConfig().MaxTransfer
	}
	return &USBTransport{cfg: cfg, out: out, in: in, release: release}
}

func (t *USBTransport) Send(ctx context.Context, msg []byte) error {
	frame := encodeDevDepOut(t.tags.next(), msg)
	if _, err := t.out.WriteContext(ctx, frame); err != nil {
		return mapUSBError("write", err)
	}
	return nil
}

// Receive requests DEV_DEP_MSG_IN transfers until the device sets EOM. A late
// reply to a request abandoned on ctx is read and dropped first.
func (t *USBTransport) Receive(ctx context.Context) ([]byte, error) {
	var msg []byte
	buf := make([]byte, tmcHeaderSize+t.cfg.MaxTransfer+3)
	for {
		tag := t.tags.next()
		req := encodeRequestIn(tag, uint32(t.cfg.MaxTransfer), t.cfg.TermChar, t.cfg.UseTermChar)
		if _, err := t.out.WriteContext(ctx, req); err != nil {
			return nil, mapUSBError("request in", err)
		}

		h, n, err := t.readTransfer(ctx, tag, buf)
		if err != nil {
			if ctx.Err() != nil {
				t.abandoned = tag
			}
			return nil, err
		}
		msg = append(msg, buf[tmcHeaderSize:n]...)
		if h.Attributes&attrEOM != 0 {
			return msg, nil
		}
	}
}

// readTransfer reads one DEV_DEP_MSG_IN transfer for tag into buf and returns
// its header and total length.
func (t *USBTransport) readTransfer(ctx context.Context, tag byte, buf []byte) (tmcHeader, int, error) {
	for {
		n, err := t.in.ReadContext(ctx, buf)
		if err != nil {
			return tmcHeader{}, 0, mapUSBError("read", err)
		}
		h, err := checkDevDepIn(tag, buf[:n])
		late := false
		if errors.Is(err, ErrTagMismatch) && t.abandoned != 0 && n >= tmcHeaderSize && buf[1] == t.abandoned {
			if h, err = parseTMCHeader(buf[:n]); err == nil {
				late = true
			}
		}
		if err != nil {
			return tmcHeader{}, 0, err
		}
		want := tmcHeaderSize + int(h.TransferSize)
		if want > len(buf) {
			return tmcHeader{}, 0, fmt.Errorf("instrument: usbtmc transfer size %d exceeds buffer", h.TransferSize)
		}
		for n < want {
			m, err := t.in.ReadContext(ctx, buf[n:])
			if err != nil {
				return tmcHeader{}, 0, mapUSBError("read continuation", err)
			}
			if m == 0 {
				return tmcHeader{}, 0, fmt.Errorf("instrument: usbtmc short transfer %d/%d", n, want)
			}
			n += m
		}
		if late {
			log.Debug().Msgf("instrument.USBTransport.Receive dropped late reply tag=%d bytes=%d", h.Tag, h.TransferSize)
		}
		t.abandoned = 0
		if !late {
			return h, want, nil
		}
	}
}

func (t *USBTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.release != nil {
			err = t.release()
		}
	})
	return err
}

// mapUSBError tags libusb timeout and busy statuses with the executor sentinels.
func mapUSBError(op string, err error) error {
	switch {
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut):
		return fmt.Errorf("instrument: usb %s: %w: %w", op, executor.ErrUSBTimeout, err)
	case errors.Is(err, gousb.ErrorBusy):
		return fmt.Errorf("instrument: usb %s: %w: %w", op, executor.ErrUSBBusy, err)
	default:
		return fmt.Errorf("instrument: usb %s: %w", op, err)
	}
}
