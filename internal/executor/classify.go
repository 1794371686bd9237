package executor

import (
	"errors"
	"strings"
	"syscall"
)

var (
	ErrUSBTimeout = errors.New("executor: usb operation timed out")
	ErrUSBBusy    = errors.New("executor: usb resource busy")
	ErrDeadline   = errors.New("executor: call deadline exceeded")
	ErrPanic      = errors.New("executor: call panicked")
	ErrCanceled   = errors.New("executor: call canceled")
)

// Classifier maps a call error to a failure kind.
type Classifier func(err error) Kind

// Classify is the default Classifier. Typed sentinels and errnos win over
// message matching; message matching covers libusb/pyusb style error strings
// that reach us through layers which do not wrap.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrUSBTimeout), errors.Is(err, syscall.ETIMEDOUT):
		return KindUSBTimeout
	case errors.Is(err, ErrUSBBusy), errors.Is(err, syscall.EBUSY):
		return KindUSBBusy
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "operation timed out"):
		return KindUSBTimeout
	case strings.Contains(msg, "resource busy"):
		return KindUSBBusy
	default:
		return KindGeneric
	}
}
