// Package shell assembles the shell process: trust token, worker supervisor,
// credential broker, contributions, platform runtime and orchestrator.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/danmuck/deskctl/internal/auth"
	"github.com/danmuck/deskctl/internal/backend"
	"github.com/danmuck/deskctl/internal/builtins"
	"github.com/danmuck/deskctl/internal/config"
	"github.com/danmuck/deskctl/internal/contrib"
	"github.com/danmuck/deskctl/internal/credentials"
	"github.com/danmuck/deskctl/internal/lifecycle"
	"github.com/danmuck/deskctl/internal/platform"
	"github.com/danmuck/deskctl/internal/worker"
	"github.com/rs/zerolog/log"
)

// WorkerCommand is the subcommand a self-spawned worker is started with.
const WorkerCommand = "worker"

// Service runs one shell process lifetime.
type Service struct {
	cfg           config.Shell
	contributions []contrib.Contribution
	argv          []string
	cwd           string
}

// Option customizes a Service.
type Option func(*Service)

// WithContribution registers c alongside the built-in contributions.
func WithContribution(c contrib.Contribution) Option {
	return func(s *Service) {
		s.contributions = append(s.contributions, c)
	}
}

// WithLaunch overrides the argv and working directory of the first launch,
// which are also what a second instance forwards.
func WithLaunch(argv []string, workingDirectory string) Option {
	return func(s *Service) {
		s.argv = slices.Clone(argv)
		s.cwd = workingDirectory
	}
}

func NewService(cfg config.Shell, opts ...Option) *Service {
	s := &Service{cfg: cfg, argv: slices.Clone(os.Args)}
	if wd, err := os.Getwd(); err == nil {
		s.cwd = wd
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until the shell quits and returns its exit code. A second
// instance forwards its launch to the running one and returns 0.
func (s *Service) Run() (int, error) {
	return s.RunContext(context.Background())
}

// RunContext is Run bound to ctx. Cancelling ctx stops the shell.
func (s *Service) RunContext(ctx context.Context) (int, error) {
	rtOpts := platform.Options{
		Name:           s.cfg.Name,
		RuntimeDir:     s.cfg.Instance.RuntimeDir,
		SingleInstance: s.cfg.Instance.SingleInstance,
		HandleSignals:  true,
	}
	rt, err := platform.New(ctx, rtOpts)
	if errors.Is(err, platform.ErrAlreadyRunning) {
		return s.forward(rtOpts)
	}
	if err != nil {
		return 1, err
	}

	orch, sup, err := s.assemble(rt)
	if err != nil {
		rt.Exit(1)
		return 1, err
	}
	defer func() {
		if err := sup.Stop(context.Background()); err != nil {
			log.Warn().Err(err).Msg("shell.Service.Run worker stop")
		}
	}()

	code, err := orch.Run(rt.Context())
	log.Info().Int("exit_code", code).Str("phase", string(orch.Phase())).Msg("shell.Service.Run finished")
	return code, err
}

func (s *Service) forward(opts platform.Options) (int, error) {
	socket, err := platform.SocketPath(opts)
	if err != nil {
		return 1, err
	}
	if err := platform.Forward(socket, s.argv, s.cwd); err != nil {
		return 1, fmt.Errorf("shell: forward to running instance: %w", err)
	}
	log.Info().Str("socket", socket).Strs("argv", s.argv).Msg("shell.Service.Run forwarded to running instance")
	return 0, nil
}

// assemble wires the collaborators. Built-in contributions hold the
// orchestrator for endpoint lookups, so they register after it exists.
func (s *Service) assemble(rt *platform.Runtime) (*lifecycle.Orchestrator, *worker.Supervisor, error) {
	token := auth.NewToken()
	store, err := credentials.NewJarStore()
	if err != nil {
		return nil, nil, err
	}
	broker := credentials.NewBroker(token, store)

	supCfg, err := s.supervisorConfig(token)
	if err != nil {
		return nil, nil, err
	}
	sup := worker.NewSupervisor(supCfg)

	reg := contrib.NewRegistry()
	orch, err := lifecycle.New(lifecycle.Config{
		Backend:          sup,
		Broker:           broker,
		Contributions:    reg,
		Runtime:          rt,
		Argv:             s.argv,
		WorkingDirectory: s.cwd,
		StopTimeout:      s.cfg.StopTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	for _, c := range s.builtins(orch, sup, store, token) {
		if _, err := reg.Register(c); err != nil {
			return nil, nil, err
		}
	}
	for _, c := range s.contributions {
		if _, err := reg.Register(c); err != nil {
			return nil, nil, err
		}
	}
	log.Info().
		Str("name", s.cfg.Name).
		Str("mode", string(sup.Mode())).
		Int("contributions", reg.Len()).
		Strs("launch", reg.Providers(contrib.HookLaunch)).
		Msg("shell.Service.assemble ready")
	return orch, sup, nil
}

func (s *Service) supervisorConfig(token auth.Token) (worker.Config, error) {
	wc := s.cfg.Worker
	backendCfg := backend.Config{Host: wc.Host, CorsOrigins: wc.CorsOrigins}
	cfg := worker.Config{
		Mode:         wc.Mode,
		Token:        token,
		ProjectPath:  s.cfg.ProjectPath,
		StartTimeout: wc.StartTimeout,
		Dir:          wc.Dir,
	}

	switch wc.Mode {
	case worker.ModeEmbedded:
		cfg.Entry = backend.Entry(backendCfg)
	case worker.ModeSubprocess:
		cfg.Command, cfg.Args = wc.Command, wc.Args
		if cfg.Command == "" {
			exe, err := os.Executable()
			if err != nil {
				return worker.Config{}, fmt.Errorf("shell: resolve executable: %w", err)
			}
			cfg.Command, cfg.Args = exe, []string{WorkerCommand}
		}
		cfg.Env = backendCfg.Env()
		for k, v := range wc.Env {
			cfg.Env[k] = v
		}
	default:
		return worker.Config{}, fmt.Errorf("%w: %q", worker.ErrInvalidMode, wc.Mode)
	}
	return cfg, nil
}

func (s *Service) builtins(orch *lifecycle.Orchestrator, sup *worker.Supervisor, store *credentials.JarStore, token auth.Token) []contrib.Contribution {
	var out []contrib.Contribution
	if s.cfg.Probe.Enabled {
		probeCfg := builtins.DefaultProbeConfig()
		if s.cfg.Probe.InitialInterval > 0 {
			probeCfg.InitialInterval = s.cfg.Probe.InitialInterval
		}
		if s.cfg.Probe.MaxInterval > 0 {
			probeCfg.MaxInterval = s.cfg.Probe.MaxInterval
		}
		probeCfg.MaxElapsed = s.cfg.Probe.MaxElapsed
		out = append(out, builtins.NewProbe(probeCfg, store.Client(), orch.Endpoint).Contribution())
	}
	if s.cfg.Status.Enabled {
		out = append(out, builtins.NewStatusServer(s.cfg.Status.Addr, orch, sup.PID).Contribution())
	}
	if s.cfg.Frontend.Command != "" {
		frontend := builtins.NewFrontend(builtins.FrontendConfig{
			Command: s.cfg.Frontend.Command,
			Args:    s.cfg.Frontend.Args,
			Dir:     s.cfg.Frontend.Dir,
		}, token, orch.Endpoint)
		out = append(out, frontend.Contribution())
	}
	return out
}
