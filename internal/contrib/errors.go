package contrib

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrContribution   = errors.New("contrib: hook failed")
	ErrShutdown       = errors.New("contrib: shutdown hook failed")
	ErrRegistrySealed = errors.New("contrib: registry sealed")
	ErrNoHooks        = errors.New("contrib: contribution provides no hooks")
	ErrUnknownHook    = errors.New("contrib: unknown hook")
	ErrHookPanic      = errors.New("contrib: hook panicked")
	ErrAlreadyStarted = errors.New("contrib: start already fanned out")
	ErrAlreadyStopped = errors.New("contrib: stop already fanned out")
)

// Failure is one hook error captured during a fan-out.
type Failure struct {
	ID   ID
	Name string
	Err  error
}

// FanOutError aggregates every failed hook of one fan-out in the order the
// failures were captured.
type FanOutError struct {
	Hook     Hook
	Failures []Failure
}

func (e *FanOutError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Name, f.Err))
	}
	return fmt.Sprintf("contrib: %s failed for %d contribution(s): %s", e.Hook, len(e.Failures), strings.Join(parts, "; "))
}

func (e *FanOutError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

func (e *FanOutError) Is(target error) bool {
	if e.Hook == HookStop {
		return target == ErrShutdown
	}
	return target == ErrContribution
}

// First returns the earliest captured failure.
func (e *FanOutError) First() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[0].Err
}

// ExitCoder is implemented by errors that carry a process exit status.
type ExitCoder interface {
	ExitCode() int
}

type exitCodeError struct {
	err  error
	code int
}

func (e *exitCodeError) Error() string { return e.err.Error() }

func (e *exitCodeError) Unwrap() error { return e.err }

func (e *exitCodeError) ExitCode() int { return e.code }

// WithExitCode attaches an exit status to err.
func WithExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{err: err, code: code}
}

// ExitCode derives a process status: 0 for nil, otherwise the positive status
// carried by the first captured failure, else 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var fanOut *FanOutError
	if errors.As(err, &fanOut) {
		if first := fanOut.First(); first != nil {
			err = first
		}
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		// exec.ExitError reports -1 for a signalled child.
		if code := coder.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}
