package driver

import (
	"errors"
	"fmt"
)

var ErrLifecycleOrder = errors.New("driver: invalid lifecycle transition")

// Phase describes the instrument session lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnected  Phase = "connected"
	PhaseConfigured Phase = "configured"
	PhasePolling    Phase = "polling"
	PhaseClosed     Phase = "closed"
)

// next lists the phases reachable from each phase. Any open phase may close.
var next = map[Phase][]Phase{
	PhaseIdle:       {PhaseConnected, PhaseClosed},
	PhaseConnected:  {PhaseConfigured, PhaseClosed},
	PhaseConfigured: {PhasePolling, PhaseClosed},
	PhasePolling:    {PhaseClosed},
	PhaseClosed:     {PhaseIdle},
}

func canTransition(from, to Phase) bool {
	for _, p := range next[from] {
		if p == to {
			return true
		}
	}
	return false
}

// ready reports whether the plan has been applied in phase p.
func (p Phase) ready() bool {
	return p == PhaseConfigured || p == PhasePolling
}

func transitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
