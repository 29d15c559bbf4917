package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrLifecycleOrder    = errors.New("lifecycle: invalid phase transition")
	ErrEndpointUnset     = errors.New("lifecycle: worker endpoint not published")
	ErrNotRunning        = errors.New("lifecycle: orchestrator not running")
	ErrMissingDependency = errors.New("lifecycle: missing dependency")
)

// Phase describes orchestrator state. Phases only move forward, except
// Running -> Launching -> Running for each second instance.
type Phase string

const (
	PhaseUninitialized         Phase = "uninitialized"
	PhaseBackendStarting       Phase = "backend-starting"
	PhaseTokenAttaching        Phase = "token-attaching"
	PhaseContributionsStarting Phase = "contributions-starting"
	PhaseLaunching             Phase = "launching"
	PhaseRunning               Phase = "running"
	PhaseStopping              Phase = "stopping"
	PhaseStopped               Phase = "stopped"
)

var phaseNames = []string{
	string(PhaseUninitialized),
	string(PhaseBackendStarting),
	string(PhaseTokenAttaching),
	string(PhaseContributionsStarting),
	string(PhaseLaunching),
	string(PhaseRunning),
	string(PhaseStopping),
	string(PhaseStopped),
}

func transitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
