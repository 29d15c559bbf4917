// Package lifecycle drives the worker, the trust token, and contributions
// through the shell's ordered phases.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/deskctl/internal/contrib"
	"github.com/danmuck/deskctl/internal/observability"
	"github.com/danmuck/deskctl/internal/worker"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config wires the orchestrator's collaborators.
type Config struct {
	Backend       Backend
	Broker        TokenAttacher
	Contributions Contributions
	Runtime       Runtime

	// Argv and WorkingDirectory seed the first launch. They default to
	// os.Args and the current directory.
	Argv             []string
	WorkingDirectory string

	// StopTimeout bounds the stop fan-out context. Zero means no bound.
	StopTimeout time.Duration
}

// Status is a snapshot of orchestrator state.
type Status struct {
	Phase           Phase
	Endpoint        worker.Endpoint
	EndpointSet     bool
	Launches        int
	SecondInstances int
	ExitCode        int
}

// Orchestrator is the single owner of the lifecycle phase.
type Orchestrator struct {
	cfg Config

	mu              sync.Mutex
	phase           Phase
	endpoint        worker.Endpoint
	endpointSet     bool
	launches        int
	secondInstances int
	exitCode        int
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Backend == nil:
		return nil, fmt.Errorf("%w: backend", ErrMissingDependency)
	case cfg.Broker == nil:
		return nil, fmt.Errorf("%w: token broker", ErrMissingDependency)
	case cfg.Contributions == nil:
		return nil, fmt.Errorf("%w: contributions", ErrMissingDependency)
	case cfg.Runtime == nil:
		return nil, fmt.Errorf("%w: runtime", ErrMissingDependency)
	}
	if cfg.Argv == nil {
		cfg.Argv = slices.Clone(os.Args)
	}
	if cfg.WorkingDirectory == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkingDirectory = wd
		}
	}
	o := &Orchestrator{cfg: cfg, phase: PhaseUninitialized}
	observability.RecordPhase(string(o.phase), phaseNames)
	return o, nil
}

// Start runs the startup sequence through to Running. Any failure leaves the
// orchestrator Stopped and is returned unchanged.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.transition(PhaseUninitialized, PhaseBackendStarting); err != nil {
		return err
	}

	ep, err := o.cfg.Backend.Start(ctx)
	if err != nil {
		return o.abort(err)
	}
	o.mu.Lock()
	o.endpoint = ep
	o.endpointSet = true
	o.mu.Unlock()

	if err := o.transition(PhaseBackendStarting, PhaseTokenAttaching); err != nil {
		return o.abort(err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.cfg.Broker.Attach(gctx, ep)
	})
	g.Go(func() error {
		select {
		case <-o.cfg.Runtime.Ready():
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	if err := g.Wait(); err != nil {
		return o.abort(err)
	}

	if err := o.transition(PhaseTokenAttaching, PhaseContributionsStarting); err != nil {
		return o.abort(err)
	}
	if err := o.cfg.Contributions.FanOut(ctx, contrib.HookStart, contrib.ExecutionParams{}); err != nil {
		return o.abort(err)
	}

	if err := o.transition(PhaseContributionsStarting, PhaseLaunching); err != nil {
		return o.abort(err)
	}
	params := contrib.NewExecutionParams(false, o.cfg.Argv, o.cfg.WorkingDirectory)
	if err := o.launch(ctx, params); err != nil {
		return o.abort(err)
	}

	if err := o.transition(PhaseLaunching, PhaseRunning); err != nil {
		return o.abort(err)
	}
	log.Info().Str("endpoint", ep.URL()).Msg("lifecycle.Orchestrator.Start running")
	return nil
}

// HandleSecondInstance re-launches contributions for a redirected instance.
// A launch failure is returned but the orchestrator stays Running.
func (o *Orchestrator) HandleSecondInstance(ctx context.Context, argv []string, workingDirectory string) error {
	if err := o.transition(PhaseRunning, PhaseLaunching); err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	o.mu.Lock()
	o.secondInstances++
	o.mu.Unlock()

	err := o.launch(ctx, contrib.NewExecutionParams(true, argv, workingDirectory))
	if terr := o.transition(PhaseLaunching, PhaseRunning); terr != nil {
		log.Error().Err(terr).Msg("lifecycle.Orchestrator.HandleSecondInstance return to running failed")
	}
	if err != nil {
		log.Error().Err(err).Strs("argv", argv).Msg("lifecycle.Orchestrator.HandleSecondInstance launch failed")
		return err
	}
	return nil
}

// HandleQuit stops contributions and exits the runtime with the derived
// status. Only the first call from Running has any effect.
func (o *Orchestrator) HandleQuit(ctx context.Context) int {
	o.mu.Lock()
	if o.phase != PhaseRunning {
		phase, code := o.phase, o.exitCode
		o.mu.Unlock()
		log.Debug().Str("phase", string(phase)).Msg("lifecycle.Orchestrator.HandleQuit ignored")
		return code
	}
	o.setPhaseLocked(PhaseStopping)
	o.mu.Unlock()

	if o.cfg.StopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StopTimeout)
		defer cancel()
	}
	err := o.cfg.Contributions.FanOut(ctx, contrib.HookStop, contrib.ExecutionParams{})
	code := contrib.ExitCode(err)
	if err != nil {
		log.Error().Err(err).Int("exit_code", code).Msg("lifecycle.Orchestrator.HandleQuit stop hooks failed")
	}

	o.mu.Lock()
	o.exitCode = code
	o.setPhaseLocked(PhaseStopped)
	o.mu.Unlock()

	log.Info().Int("exit_code", code).Msg("lifecycle.Orchestrator.HandleQuit stopped")
	o.cfg.Runtime.Exit(code)
	return code
}

// RequestStop asks the runtime for a gentle quit. Vetoed quits never reach
// HandleQuit and the orchestrator stays Running.
func (o *Orchestrator) RequestStop() {
	log.Info().Str("phase", string(o.Phase())).Msg("lifecycle.Orchestrator.RequestStop")
	o.cfg.Runtime.Quit()
}

// Run starts the orchestrator and consumes runtime events until shutdown
// completes. It returns the process exit status.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	if err := o.Start(ctx); err != nil {
		code := contrib.ExitCode(err)
		o.cfg.Runtime.Exit(code)
		return code, err
	}

	events := o.cfg.Runtime.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				log.Warn().Msg("lifecycle.Orchestrator.Run runtime events closed")
				return o.HandleQuit(context.WithoutCancel(ctx)), nil
			}
			switch ev.Kind {
			case EventSecondInstance:
				_ = o.HandleSecondInstance(ctx, ev.Argv, ev.WorkingDirectory)
			case EventQuitRequested:
				return o.HandleQuit(context.WithoutCancel(ctx)), nil
			default:
				log.Warn().Str("kind", string(ev.Kind)).Msg("lifecycle.Orchestrator.Run unknown event")
			}
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Msg("lifecycle.Orchestrator.Run context done; stopping")
			return o.HandleQuit(context.WithoutCancel(ctx)), nil
		}
	}
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Endpoint returns the worker endpoint, or ErrEndpointUnset before the
// worker has reported one.
func (o *Orchestrator) Endpoint() (worker.Endpoint, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.endpointSet {
		return worker.Endpoint{}, fmt.Errorf("%w: phase=%s", ErrEndpointUnset, o.phase)
	}
	return o.endpoint, nil
}

// MustEndpoint is Endpoint for callers that run after startup. Calling it
// earlier is a programming error and panics.
func (o *Orchestrator) MustEndpoint() worker.Endpoint {
	ep, err := o.Endpoint()
	if err != nil {
		panic(err)
	}
	return ep
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Phase:           o.phase,
		Endpoint:        o.endpoint,
		EndpointSet:     o.endpointSet,
		Launches:        o.launches,
		SecondInstances: o.secondInstances,
		ExitCode:        o.exitCode,
	}
}

func (o *Orchestrator) launch(ctx context.Context, params contrib.ExecutionParams) error {
	o.mu.Lock()
	o.launches++
	o.mu.Unlock()
	observability.RecordLaunch(params.SecondInstance)
	log.Info().
		Bool("second_instance", params.SecondInstance).
		Strs("argv", params.Argv).
		Str("cwd", params.WorkingDirectory).
		Msg("lifecycle.Orchestrator.launch")
	return o.cfg.Contributions.FanOut(ctx, contrib.HookLaunch, params)
}

func (o *Orchestrator) transition(from, to Phase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != from {
		return transitionError(o.phase, to)
	}
	o.setPhaseLocked(to)
	return nil
}

func (o *Orchestrator) abort(err error) error {
	o.mu.Lock()
	from := o.phase
	o.setPhaseLocked(PhaseStopped)
	o.mu.Unlock()
	log.Error().Err(err).Str("phase", string(from)).Msg("lifecycle.Orchestrator.Start aborted")
	return err
}

func (o *Orchestrator) setPhaseLocked(to Phase) {
	log.Debug().Str("from", string(o.phase)).Str("to", string(to)).Msg("lifecycle.Orchestrator phase")
	o.phase = to
	observability.RecordPhase(string(to), phaseNames)
}
