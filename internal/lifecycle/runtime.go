package lifecycle

import (
	"context"

	"github.com/danmuck/deskctl/internal/contrib"
	"github.com/danmuck/deskctl/internal/worker"
)

// EventKind names a platform runtime event.
type EventKind string

const (
	EventSecondInstance EventKind = "second-instance"
	EventQuitRequested  EventKind = "quit-requested"
)

// Event is delivered by the platform runtime. Argv and WorkingDirectory are
// set for second-instance events.
type Event struct {
	Kind             EventKind
	Argv             []string
	WorkingDirectory string
}

// Runtime is the platform shell runtime the orchestrator reacts to.
type Runtime interface {
	// Ready is closed once the runtime can host windows.
	Ready() <-chan struct{}
	Events() <-chan Event
	// Quit asks for a gentle quit that may still be vetoed.
	Quit()
	// Exit terminates the runtime with the given status.
	Exit(code int)
}

// Backend starts the worker and resolves its endpoint.
type Backend interface {
	Start(ctx context.Context) (worker.Endpoint, error)
}

// TokenAttacher publishes the trust token for an endpoint.
type TokenAttacher interface {
	Attach(ctx context.Context, ep worker.Endpoint) error
}

// Contributions fans hooks out to registered contributions.
type Contributions interface {
	FanOut(ctx context.Context, hook contrib.Hook, params contrib.ExecutionParams) error
}
