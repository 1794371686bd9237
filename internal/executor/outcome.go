package executor

import (
	"fmt"
	"time"
)

// Status tags the terminal result of one command attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Kind classifies an attempt failure.
type Kind string

const (
	KindNone       Kind = ""
	KindUSBTimeout Kind = "usb_timeout"
	KindUSBBusy    Kind = "usb_busy"
	KindGeneric    Kind = "generic"
)

// Recoverable reports whether a failure of this kind is expected to clear on retry.
func (k Kind) Recoverable() bool {
	return k == KindUSBTimeout || k == KindUSBBusy
}

// Outcome is the terminal result of one attempt: Success(value), Timeout, or
// Error(kind, message).
type Outcome[T any] struct {
	Status  Status
	Value   T
	Kind    Kind
	Message string
	Err     error
	Elapsed time.Duration
}

// Attempt is the value-free view of an Outcome kept by scorecards.
type Attempt struct {
	Status  Status        `json:"status" yaml:"status"`
	Kind    Kind          `json:"kind,omitempty" yaml:"kind,omitempty"`
	Message string        `json:"message,omitempty" yaml:"message,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns" yaml:"elapsed_ns"`
}

func Success[T any](value T, elapsed time.Duration) Outcome[T] {
	return Outcome[T]{Status: StatusSuccess, Value: value, Elapsed: elapsed}
}

func Timeout[T any](timeout, elapsed time.Duration) Outcome[T] {
	return Outcome[T]{
		Status:  StatusTimeout,
		Message: fmt.Sprintf("call exceeded %s", timeout),
		Err:     fmt.Errorf("%w after %s", ErrDeadline, timeout),
		Elapsed: elapsed,
	}
}

func Failure[T any](err error, kind Kind, elapsed time.Duration) Outcome[T] {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Outcome[T]{
		Status:  StatusError,
		Kind:    kind,
		Message: msg,
		Err:     err,
		Elapsed: elapsed,
	}
}

func (o Outcome[T]) OK() bool {
	return o.Status == StatusSuccess
}

// Attempt drops the value for recording.
func (o Outcome[T]) Attempt() Attempt {
	return Attempt{
		Status:  o.Status,
		Kind:    o.Kind,
		Message: o.Message,
		Elapsed: o.Elapsed,
	}
}

func (o Outcome[T]) String() string {
	switch o.Status {
	case StatusSuccess:
		return fmt.Sprintf("success(%v)", o.Value)
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("error(%s, %s)", o.Kind, o.Message)
	}
}
