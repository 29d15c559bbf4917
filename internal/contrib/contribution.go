// Package contrib holds lifecycle contributions and the registry that fans
// hooks out to them.
package contrib

import (
	"context"
	"slices"
)

// Hook names one lifecycle entry point a contribution may provide.
type Hook string

const (
	HookStart  Hook = "start"
	HookLaunch Hook = "launch"
	HookStop   Hook = "stop"
)

// ExecutionParams describes one launch: the first launch of this process or a
// second instance redirected into it.
type ExecutionParams struct {
	SecondInstance   bool
	Argv             []string
	WorkingDirectory string
}

// NewExecutionParams copies argv so later changes by the caller are not observed.
func NewExecutionParams(secondInstance bool, argv []string, workingDirectory string) ExecutionParams {
	return ExecutionParams{
		SecondInstance:   secondInstance,
		Argv:             slices.Clone(argv),
		WorkingDirectory: workingDirectory,
	}
}

// Clone returns a copy with its own argv slice.
func (p ExecutionParams) Clone() ExecutionParams {
	p.Argv = slices.Clone(p.Argv)
	return p
}

type (
	StartFunc  func(ctx context.Context) error
	LaunchFunc func(ctx context.Context, params ExecutionParams) error
	StopFunc   func(ctx context.Context) error
)

// Contribution declares its hooks explicitly; a nil func means the hook is
// not provided.
type Contribution struct {
	Name   string
	Start  StartFunc
	Launch LaunchFunc
	Stop   StopFunc
}

func (c Contribution) Provides(hook Hook) bool {
	switch hook {
	case HookStart:
		return c.Start != nil
	case HookLaunch:
		return c.Launch != nil
	case HookStop:
		return c.Stop != nil
	default:
		return false
	}
}

func (c Contribution) hooks() []Hook {
	var out []Hook
	for _, h := range []Hook{HookStart, HookLaunch, HookStop} {
		if c.Provides(h) {
			out = append(out, h)
		}
	}
	return out
}
