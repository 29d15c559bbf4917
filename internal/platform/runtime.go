// Package platform is the headless shell runtime: single-instance redirection,
// signal-driven quit requests, and process exit.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/danmuck/deskctl/internal/lifecycle"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyRunning = errors.New("platform: another instance is running")
	ErrInvalidOptions = errors.New("platform: invalid options")
)

const (
	lockFileName   = "instance.lock"
	socketFileName = "instance.sock"
	eventBuffer    = 16
)

// Options configures the runtime.
type Options struct {
	Name string
	// RuntimeDir holds the lock file and socket. Defaults to a per-user
	// directory under os.TempDir().
	RuntimeDir     string
	SingleInstance bool
	HandleSignals  bool
}

func (o Options) withDefaults() (Options, error) {
	if o.Name == "" {
		return o, fmt.Errorf("%w: name is required", ErrInvalidOptions)
	}
	if o.RuntimeDir == "" {
		o.RuntimeDir = filepath.Join(os.TempDir(), o.Name+"-"+strconv.Itoa(os.Getuid()))
	}
	return o, nil
}

// SocketPath returns the second-instance socket for opts.
func SocketPath(opts Options) (string, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return "", err
	}
	return filepath.Join(opts.RuntimeDir, socketFileName), nil
}

// Runtime implements lifecycle.Runtime for a headless shell process.
type Runtime struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	events chan lifecycle.Event
	sigs   chan os.Signal

	mu       sync.Mutex
	vetoes   []func() bool
	exited   bool
	exitCode int
	lock     *instanceLock
	listener net.Listener

	exitOnce sync.Once
	wg       sync.WaitGroup
}

// New prepares the runtime. With SingleInstance set it returns
// ErrAlreadyRunning when another process holds the instance lock; callers
// forward their argv to that process with Forward.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		opts:   opts,
		ready:  make(chan struct{}),
		events: make(chan lifecycle.Event, eventBuffer),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	if opts.SingleInstance {
		if err := r.claimInstance(); err != nil {
			r.cancel()
			return nil, err
		}
	}
	if opts.HandleSignals {
		r.sigs = make(chan os.Signal, 2)
		signal.Notify(r.sigs, os.Interrupt, syscall.SIGTERM)
		r.wg.Add(1)
		go r.signalLoop()
	}

	close(r.ready)
	log.Info().
		Str("name", opts.Name).
		Str("runtime_dir", opts.RuntimeDir).
		Bool("single_instance", opts.SingleInstance).
		Msg("platform.Runtime ready")
	return r, nil
}

func (r *Runtime) claimInstance() error {
	if err := os.MkdirAll(r.opts.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("platform: runtime dir: %w", err)
	}
	lock, err := acquireLock(filepath.Join(r.opts.RuntimeDir, lockFileName))
	if err != nil {
		if errors.Is(err, errLocked) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("platform: instance lock: %w", err)
	}

	socket := filepath.Join(r.opts.RuntimeDir, socketFileName)
	// Holding the lock means any socket left behind is stale.
	_ = os.Remove(socket)
	ln, err := net.Listen("unix", socket)
	if err != nil {
		_ = lock.release()
		return fmt.Errorf("platform: instance socket: %w", err)
	}

	r.mu.Lock()
	r.lock = lock
	r.listener = ln
	r.mu.Unlock()

	r.wg.Add(1)
	go r.acceptLoop(ln)
	return nil
}

// Context is cancelled on Exit or when a quit is forced by a repeated signal.
func (r *Runtime) Context() context.Context {
	return r.ctx
}

func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

func (r *Runtime) Events() <-chan lifecycle.Event {
	return r.events
}

// OnBeforeQuit registers a handler consulted by Quit. Returning false vetoes
// the quit.
func (r *Runtime) OnBeforeQuit(fn func() bool) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.vetoes = append(r.vetoes, fn)
	r.mu.Unlock()
}

// Quit requests a gentle quit. If no handler vetoes it, a quit-requested
// event is delivered.
func (r *Runtime) Quit() {
	r.mu.Lock()
	if r.exited {
		r.mu.Unlock()
		return
	}
	handlers := append([]func() bool(nil), r.vetoes...)
	r.mu.Unlock()

	for _, allow := range handlers {
		if !allow() {
			log.Info().Msg("platform.Runtime.Quit vetoed")
			return
		}
	}
	r.emit(lifecycle.Event{Kind: lifecycle.EventQuitRequested})
}

// Exit records code and releases the runtime's resources. Only the first
// call has any effect.
func (r *Runtime) Exit(code int) {
	r.exitOnce.Do(func() {
		r.mu.Lock()
		r.exited = true
		r.exitCode = code
		ln, lock := r.listener, r.lock
		r.listener, r.lock = nil, nil
		r.mu.Unlock()

		if r.sigs != nil {
			signal.Stop(r.sigs)
		}
		r.cancel()
		if ln != nil {
			_ = ln.Close()
			_ = os.Remove(filepath.Join(r.opts.RuntimeDir, socketFileName))
		}
		if lock != nil {
			if err := lock.release(); err != nil {
				log.Warn().Err(err).Msg("platform.Runtime.Exit lock release failed")
			}
		}
		r.wg.Wait()
		log.Info().Int("exit_code", code).Msg("platform.Runtime.Exit")
	})
}

// ExitCode returns the recorded status once Exit has run.
func (r *Runtime) ExitCode() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode, r.exited
}

func (r *Runtime) emit(ev lifecycle.Event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
		log.Debug().Str("kind", string(ev.Kind)).Msg("platform.Runtime event dropped after exit")
	}
}

func (r *Runtime) signalLoop() {
	defer r.wg.Done()
	received := 0
	for {
		select {
		case sig := <-r.sigs:
			received++
			if received == 1 {
				log.Info().Str("signal", sig.String()).Msg("platform.Runtime quit requested")
				go r.Quit()
				continue
			}
			log.Warn().Str("signal", sig.String()).Msg("platform.Runtime forced quit")
			r.cancel()
		case <-r.ctx.Done():
			return
		}
	}
}
