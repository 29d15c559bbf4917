package contrib

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/deskctl/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ID identifies a registered contribution. It carries no ordering.
type ID string

// Registry stores contributions by identity and fans hooks out to them.
type Registry struct {
	mu      sync.RWMutex
	items   map[ID]Contribution
	sealed  bool
	started bool
	stopped bool
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[ID]Contribution)}
}

// Register adds c and returns its identity. Registration closes once the
// registry is sealed or the start hook has been fanned out.
func (r *Registry) Register(c Contribution) (ID, error) {
	if len(c.hooks()) == 0 {
		return "", fmt.Errorf("%w: %q", ErrNoHooks, c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return "", ErrRegistrySealed
	}
	if c.Name == "" {
		c.Name = "anonymous"
	}
	id := ID(uuid.NewString())
	r.items[id] = c
	log.Debug().Str("id", string(id)).Str("name", c.Name).Interface("hooks", c.hooks()).Msg("contrib.Registry.Register")
	return id, nil
}

// Seal closes registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Providers returns the sorted names of contributions providing hook.
func (r *Registry) Providers(hook Hook) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for _, c := range r.items {
		if c.Provides(hook) {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}

// FanOut invokes hook on every contribution providing it, concurrently, and
// waits for all of them to settle. params is only used by the launch hook.
// Start may be fanned out once and seals the registry; stop may be fanned out
// once.
func (r *Registry) FanOut(ctx context.Context, hook Hook, params ExecutionParams) error {
	targets, err := r.targets(hook)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		log.Debug().Str("hook", string(hook)).Msg("contrib.Registry.FanOut no providers")
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []Failure
	)
	begin := time.Now()
	for id, c := range targets {
		wg.Add(1)
		go func(id ID, c Contribution) {
			defer wg.Done()
			callBegin := time.Now()
			err := invoke(ctx, hook, c, params)
			observability.RecordHook(string(hook), c.Name, time.Since(callBegin), err == nil)
			if err == nil {
				log.Debug().Str("hook", string(hook)).Str("name", c.Name).Msg("contrib.Registry.FanOut hook settled")
				return
			}
			log.Warn().Err(err).Str("hook", string(hook)).Str("name", c.Name).Msg("contrib.Registry.FanOut hook failed")
			mu.Lock()
			failures = append(failures, Failure{ID: id, Name: c.Name, Err: err})
			mu.Unlock()
		}(id, c)
	}
	wg.Wait()

	log.Info().
		Str("hook", string(hook)).
		Int("invoked", len(targets)).
		Int("failed", len(failures)).
		Dur("elapsed", time.Since(begin)).
		Msg("contrib.Registry.FanOut complete")
	if len(failures) == 0 {
		return nil
	}
	return &FanOutError{Hook: hook, Failures: failures}
}

func (r *Registry) targets(hook Hook) (map[ID]Contribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch hook {
	case HookStart:
		if r.started {
			return nil, ErrAlreadyStarted
		}
		r.started = true
		r.sealed = true
	case HookLaunch:
		r.sealed = true
	case HookStop:
		if r.stopped {
			return nil, ErrAlreadyStopped
		}
		r.stopped = true
		r.sealed = true
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHook, hook)
	}
	out := make(map[ID]Contribution, len(r.items))
	for id, c := range r.items {
		if c.Provides(hook) {
			out[id] = c
		}
	}
	return out, nil
}

func invoke(ctx context.Context, hook Hook, c Contribution, params ExecutionParams) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s %s: %v", ErrHookPanic, c.Name, hook, rec)
		}
	}()
	switch hook {
	case HookStart:
		return c.Start(ctx)
	case HookLaunch:
		return c.Launch(ctx, params.Clone())
	case HookStop:
		return c.Stop(ctx)
	}
	return nil
}
