package builtins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/deskctl/internal/auth"
	"github.com/danmuck/deskctl/internal/contrib"
	"github.com/danmuck/deskctl/internal/tools"
	"github.com/rs/zerolog/log"
)

var ErrNoFrontendCommand = errors.New("builtins: frontend command not configured")

const (
	EnvBackendURL     = "DESKCTL_BACKEND_URL"
	EnvSecondInstance = "DESKCTL_SECOND_INSTANCE"

	windowGrace = 3 * time.Second
)

// FrontendConfig names the window command spawned on each launch. Launch
// argv after the program name is appended to Args unmodified; the CLI puts
// only its positional arguments there, so shell flags never reach a window.
type FrontendConfig struct {
	Command string
	Args    []string
	Dir     string
}

type window struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Frontend opens one window process per launch. Each window receives the
// worker URL and the trust token in its environment.
type Frontend struct {
	cfg      FrontendConfig
	token    auth.Token
	endpoint EndpointFunc

	mu      sync.Mutex
	windows []*window
}

func NewFrontend(cfg FrontendConfig, token auth.Token, endpoint EndpointFunc) *Frontend {
	return &Frontend{cfg: cfg, token: token, endpoint: endpoint}
}

func (f *Frontend) Contribution() contrib.Contribution {
	return contrib.Contribution{Name: "frontend", Launch: f.Launch, Stop: f.Stop}
}

func (f *Frontend) Launch(ctx context.Context, params contrib.ExecutionParams) error {
	if strings.TrimSpace(f.cfg.Command) == "" {
		return ErrNoFrontendCommand
	}
	ep, err := f.endpoint()
	if err != nil {
		return err
	}
	encoded, err := f.token.Encode()
	if err != nil {
		return err
	}

	args := append([]string(nil), f.cfg.Args...)
	if len(params.Argv) > 1 {
		args = append(args, params.Argv[1:]...)
	}
	dir := f.cfg.Dir
	if dir == "" {
		dir = params.WorkingDirectory
	}
	runner := tools.ExecRunner{
		Dir: dir,
		Env: map[string]string{
			EnvBackendURL:         ep.URL(),
			EnvSecondInstance:     strconv.FormatBool(params.SecondInstance),
			auth.EnvSecurityToken: encoded,
		},
	}
	cmd, err := runner.Start(f.cfg.Command, args...)
	if err != nil {
		return fmt.Errorf("builtins: frontend start: %w", err)
	}

	w := &window{cmd: cmd, done: make(chan struct{})}
	go func() {
		w.err = cmd.Wait()
		close(w.done)
	}()
	f.mu.Lock()
	f.windows = append(f.windows, w)
	f.mu.Unlock()

	log.Info().
		Int("pid", cmd.Process.Pid).
		Bool("second_instance", params.SecondInstance).
		Str("backend", ep.URL()).
		Msg("builtins.Frontend.Launch window opened")
	return nil
}

// Windows returns the number of windows still open.
func (f *Frontend) Windows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	open := 0
	for _, w := range f.windows {
		select {
		case <-w.done:
		default:
			open++
		}
	}
	return open
}

// Stop asks every open window to close and kills those that do not exit in
// time. Killed windows are reported as errors.
func (f *Frontend) Stop(ctx context.Context) error {
	f.mu.Lock()
	windows := append([]*window(nil), f.windows...)
	f.mu.Unlock()

	var errs []error
	for _, w := range windows {
		if err := closeWindow(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeWindow(ctx context.Context, w *window) error {
	select {
	case <-w.done:
		return nil
	default:
	}
	pid := w.cmd.Process.Pid
	if err := terminate(w.cmd.Process); err != nil {
		log.Debug().Err(err).Int("pid", pid).Msg("builtins.Frontend.Stop terminate failed")
	}

	timer := time.NewTimer(windowGrace)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = w.cmd.Process.Kill()
	<-w.done
	return fmt.Errorf("builtins: window pid %d killed after close timeout", pid)
}

func terminate(p *os.Process) error {
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	return p.Signal(syscall.SIGTERM)
}
