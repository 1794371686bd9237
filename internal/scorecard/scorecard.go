package scorecard

import (
	"maps"
	"slices"
	"strings"

	"github.com/danmuck/scopectl/internal/executor"
)

// ErrorCounts aggregates per-attempt failure kinds for one session.
type ErrorCounts struct {
	USBTimeouts     int `json:"usb_timeouts" yaml:"usb_timeouts"`
	USBResourceBusy int `json:"usb_resource_busy" yaml:"usb_resource_busy"`
	Timeouts        int `json:"timeouts" yaml:"timeouts"`
	Generic         int `json:"generic" yaml:"generic"`
}

// Snapshot is a detached copy of a Scorecard safe to hand to other goroutines.
type Snapshot struct {
	Success    []string                      `json:"success" yaml:"success"`
	Failure    []string                      `json:"failure" yaml:"failure"`
	Errors     ErrorCounts                   `json:"errors" yaml:"errors"`
	FinalKinds map[string]executor.Kind      `json:"final_kinds,omitempty" yaml:"final_kinds,omitempty"`
	Attempts   map[string][]executor.Attempt `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

// AttemptCount returns how many attempts were recorded under label.
func (s Snapshot) AttemptCount(label string) int {
	return len(s.Attempts[strings.TrimSpace(label)])
}

// Scorecard records attempt outcomes for one instrument session. The zero
// value is ready to use.
//
// Not safe for concurrent use: the polling goroutine owns it and publishes
// Snapshot copies for everyone else.
type Scorecard struct {
	success    []string
	failure    []string
	errors     ErrorCounts
	finalKinds map[string]executor.Kind
	attempts   map[string][]executor.Attempt
}

func New() *Scorecard {
	return &Scorecard{
		success:    make([]string, 0),
		failure:    make([]string, 0),
		finalKinds: make(map[string]executor.Kind),
		attempts:   make(map[string][]executor.Attempt),
	}
}

// RecordAttempt appends one attempt to the label history and bumps error counters.
func (s *Scorecard) RecordAttempt(label string, a executor.Attempt) {
	key := strings.TrimSpace(label)
	if s.attempts == nil {
		s.attempts = make(map[string][]executor.Attempt)
	}
	s.attempts[key] = append(s.attempts[key], a)
	switch a.Status {
	case executor.StatusTimeout:
		s.errors.Timeouts++
	case executor.StatusError:
		switch a.Kind {
		case executor.KindUSBTimeout:
			s.errors.USBTimeouts++
		case executor.KindUSBBusy:
			s.errors.USBResourceBusy++
		default:
			s.errors.Generic++
		}
	}
}

func (s *Scorecard) RecordSuccess(label string) {
	s.success = append(s.success, strings.TrimSpace(label))
}

// RecordFailure marks label as finally failed. kind is the kind of the last attempt;
// a deadline timeout has no kind and is recorded as KindNone.
func (s *Scorecard) RecordFailure(label string, kind executor.Kind) {
	key := strings.TrimSpace(label)
	s.failure = append(s.failure, key)
	if s.finalKinds == nil {
		s.finalKinds = make(map[string]executor.Kind)
	}
	s.finalKinds[key] = kind
}

// Attempts returns a copy of the attempt history for label.
func (s *Scorecard) Attempts(label string) []executor.Attempt {
	return slices.Clone(s.attempts[strings.TrimSpace(label)])
}

func (s *Scorecard) Errors() ErrorCounts {
	return s.errors
}

func (s *Scorecard) Snapshot() Snapshot {
	attempts := make(map[string][]executor.Attempt, len(s.attempts))
	for label, list := range s.attempts {
		attempts[label] = slices.Clone(list)
	}
	return Snapshot{
		Success:    append(make([]string, 0, len(s.success)), s.success...),
		Failure:    append(make([]string, 0, len(s.failure)), s.failure...),
		Errors:     s.errors,
		FinalKinds: maps.Clone(s.finalKinds),
		Attempts:   attempts,
	}
}
