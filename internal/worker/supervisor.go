package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/deskctl/internal/auth"
	"github.com/danmuck/deskctl/internal/observability"
	"github.com/danmuck/deskctl/internal/tools"
	"github.com/rs/zerolog/log"
)

var (
	ErrWorkerStart    = errors.New("worker: start failed")
	ErrAlreadyStarted = errors.New("worker: already started")
	ErrInvalidMode    = errors.New("worker: invalid mode")
	ErrNoEntry        = errors.New("worker: embedded entry not configured")
	ErrNoCommand      = errors.New("worker: subprocess command not configured")
	ErrNoIPCChannel   = errors.New("worker: no ipc channel")
	ErrExitedEarly    = errors.New("worker: exited before reporting endpoint")
	ErrInvalidReport  = errors.New("worker: invalid endpoint report")
)

const (
	// EnvRunAsWorker marks a spawned process as a plain worker runtime rather
	// than another shell instance.
	EnvRunAsWorker = "DESKCTL_RUN_AS_WORKER"
	EnvIPCFD       = "DESKCTL_IPC_FD"
	EnvProjectPath = "DESKCTL_APP_PROJECT_PATH"

	// First ExtraFiles entry is always fd 3 in the child.
	ipcFD          = 3
	maxReportBytes = 64 << 10
	exitGrace      = 250 * time.Millisecond
	stopGrace      = 3 * time.Second
)

// Mode selects how the worker is hosted.
type Mode string

const (
	ModeEmbedded   Mode = "embedded"
	ModeSubprocess Mode = "subprocess"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeSubprocess:
		return ModeSubprocess, nil
	case ModeEmbedded:
		return ModeEmbedded, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// EntryFunc is the in-process worker entrypoint. It returns once the worker
// has bound its endpoint; serving continues in the background. An entry that
// observes ctx done must release anything it bound and return ctx.Err(); the
// supervisor has no handle to stop an embedded worker itself.
type EntryFunc func(ctx context.Context) (Endpoint, error)

// Config configures one worker start.
type Config struct {
	Mode  Mode
	Entry EntryFunc

	Command string
	Args    []string
	Dir     string
	Env     map[string]string

	Token       auth.Token
	ProjectPath string

	// StartTimeout bounds the wait for an endpoint report. Zero waits forever.
	// A timed-out subprocess is killed. A timed-out embedded entry sees its
	// ctx cancelled; an endpoint it still returns afterwards is logged as
	// abandoned.
	StartTimeout time.Duration

	Stdout io.Writer
	Stderr io.Writer
}

// StartError reports a worker that could not be created or that failed
// before reporting its endpoint.
type StartError struct {
	Mode     Mode
	PID      int
	ExitCode int
	Err      error
}

func (e *StartError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "worker: start failed mode=%s", e.Mode)
	if e.PID > 0 {
		fmt.Fprintf(&b, " pid=%d", e.PID)
	}
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, " exit=%d", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Is(target error) bool { return target == ErrWorkerStart }

// Supervisor starts exactly one worker and resolves the endpoint it bound.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	started bool
	cmd     *exec.Cmd
	exitErr error
	done    chan struct{}
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Mode == "" {
		cfg.Mode = ModeSubprocess
	}
	return &Supervisor{cfg: cfg, done: make(chan struct{})}
}

func (s *Supervisor) Mode() Mode {
	return s.cfg.Mode
}

// Start launches the worker and blocks until it reports an endpoint, fails,
// or ctx ends. It can only be called once.
func (s *Supervisor) Start(ctx context.Context) (Endpoint, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return Endpoint{}, ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StartTimeout)
		defer cancel()
	}

	begin := time.Now()
	var (
		ep  Endpoint
		err error
	)
	switch s.cfg.Mode {
	case ModeEmbedded:
		ep, err = s.startEmbedded(ctx)
	case ModeSubprocess:
		ep, err = s.startSubprocess(ctx)
	default:
		err = s.startError(0, -1, fmt.Errorf("%w: %q", ErrInvalidMode, s.cfg.Mode))
	}
	observability.RecordWorkerStart(string(s.cfg.Mode), time.Since(begin), err == nil)
	if err != nil {
		log.Error().Err(err).Str("mode", string(s.cfg.Mode)).Msg("worker.Supervisor.Start failed")
		return Endpoint{}, err
	}

	log.Info().
		Str("mode", string(s.cfg.Mode)).
		Int("pid", s.PID()).
		Str("endpoint", ep.URL()).
		Dur("elapsed", time.Since(begin)).
		Msg("worker.Supervisor.Start endpoint reported")
	return ep, nil
}

// PID returns the worker process id, or 0 in embedded mode.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done is closed when a subprocess worker exits. It never closes in embedded mode.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// ExitErr returns the subprocess wait error once Done is closed.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Stop terminates a subprocess worker, killing it if it has not exited
// within the grace period or before ctx ends. Embedded workers live until the
// process exits, so Stop is a no-op for them.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}

	pid := cmd.Process.Pid
	if err := terminate(cmd.Process); err != nil {
		log.Debug().Err(err).Int("pid", pid).Msg("worker.Supervisor.Stop terminate failed")
	}
	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-s.done:
		log.Info().Int("pid", pid).Msg("worker.Supervisor.Stop exited")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = cmd.Process.Kill()
	<-s.done
	log.Warn().Int("pid", pid).Msg("worker.Supervisor.Stop killed")
	return fmt.Errorf("worker: pid %d killed after stop timeout", pid)
}

func (s *Supervisor) startEmbedded(ctx context.Context) (Endpoint, error) {
	if s.cfg.Entry == nil {
		return Endpoint{}, s.startError(0, -1, ErrNoEntry)
	}
	encoded, err := s.cfg.Token.Encode()
	if err != nil {
		return Endpoint{}, s.startError(0, -1, err)
	}
	// Shared worker code reads the token from the environment in both modes.
	if err := os.Setenv(auth.EnvSecurityToken, encoded); err != nil {
		return Endpoint{}, s.startError(0, -1, err)
	}
	if path := strings.TrimSpace(s.cfg.ProjectPath); path != "" {
		if err := os.Setenv(EnvProjectPath, path); err != nil {
			return Endpoint{}, s.startError(0, -1, err)
		}
	}

	results := make(chan report, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- report{err: fmt.Errorf("embedded entry panic: %v", r)}
			}
		}()
		ep, err := s.cfg.Entry(ctx)
		results <- report{endpoint: ep, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return Endpoint{}, s.startError(0, -1, res.err)
		}
		if !res.endpoint.Valid() {
			return Endpoint{}, s.startError(0, -1, fmt.Errorf("%w: port=%d", ErrInvalidReport, res.endpoint.Port))
		}
		return res.endpoint, nil
	case <-ctx.Done():
		go abandonEmbedded(results)
		return Endpoint{}, s.startError(0, -1, ctx.Err())
	}
}

// abandonEmbedded waits out an entry the supervisor stopped waiting for.
func abandonEmbedded(results <-chan report) {
	res := <-results
	if res.err == nil && res.endpoint.Valid() {
		log.Warn().Str("endpoint", res.endpoint.URL()).Msg("worker.Supervisor.startEmbedded late endpoint abandoned")
	}
}

func (s *Supervisor) startSubprocess(ctx context.Context) (Endpoint, error) {
	if strings.TrimSpace(s.cfg.Command) == "" {
		return Endpoint{}, s.startError(0, -1, ErrNoCommand)
	}
	env, err := s.environ()
	if err != nil {
		return Endpoint{}, s.startError(0, -1, err)
	}

	reader, writer, err := os.Pipe()
	if err != nil {
		return Endpoint{}, s.startError(0, -1, fmt.Errorf("ipc pipe: %w", err))
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = env
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.ExtraFiles = []*os.File{writer}
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return Endpoint{}, s.startError(0, -1, err)
	}
	// The child holds its own copy; closing ours lets the reader see EOF on exit.
	_ = writer.Close()

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	pid := cmd.Process.Pid
	log.Debug().Int("pid", pid).Str("command", s.cfg.Command).Msg("worker.Supervisor.startSubprocess spawned")

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(s.done)
	}()

	reports := make(chan report, 1)
	go func() {
		defer reader.Close()
		reports <- readReport(reader)
	}()

	select {
	case rep := <-reports:
		if rep.err == nil {
			return rep.endpoint, nil
		}
		if errors.Is(rep.err, io.EOF) {
			select {
			case <-s.done:
				return Endpoint{}, s.exitedError(pid)
			case <-time.After(exitGrace):
				return Endpoint{}, s.startError(pid, -1, fmt.Errorf("%w: ipc channel closed", ErrNoIPCChannel))
			}
		}
		_ = cmd.Process.Kill()
		return Endpoint{}, s.startError(pid, -1, rep.err)
	case <-s.done:
		// A report written just before exit still counts.
		select {
		case rep := <-reports:
			if rep.err == nil {
				return rep.endpoint, nil
			}
		case <-time.After(exitGrace):
		}
		return Endpoint{}, s.exitedError(pid)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return Endpoint{}, s.startError(pid, -1, ctx.Err())
	}
}

func (s *Supervisor) environ() ([]string, error) {
	encoded, err := s.cfg.Token.Encode()
	if err != nil {
		return nil, err
	}
	overrides := make(map[string]string, len(s.cfg.Env)+4)
	for k, v := range s.cfg.Env {
		overrides[k] = v
	}
	overrides[EnvRunAsWorker] = "1"
	overrides[EnvIPCFD] = strconv.Itoa(ipcFD)
	overrides[auth.EnvSecurityToken] = encoded
	if path := strings.TrimSpace(s.cfg.ProjectPath); path != "" {
		overrides[EnvProjectPath] = path
	}
	return tools.MergeEnv(os.Environ(), overrides), nil
}

func (s *Supervisor) exitedError(pid int) error {
	waitErr := s.ExitErr()
	code := int(tools.ExitCode(waitErr))
	err := ErrExitedEarly
	if waitErr != nil {
		err = fmt.Errorf("%w: %v", ErrExitedEarly, waitErr)
	}
	return s.startError(pid, code, err)
}

func (s *Supervisor) startError(pid, exitCode int, err error) *StartError {
	return &StartError{Mode: s.cfg.Mode, PID: pid, ExitCode: exitCode, Err: err}
}

type report struct {
	endpoint Endpoint
	err      error
}

func readReport(r io.Reader) report {
	line, err := bufio.NewReader(io.LimitReader(r, maxReportBytes)).ReadBytes('\n')
	if len(strings.TrimSpace(string(line))) == 0 {
		if err == nil {
			err = fmt.Errorf("%w: empty message", ErrInvalidReport)
		}
		return report{err: err}
	}
	var ep Endpoint
	if err := json.Unmarshal(line, &ep); err != nil {
		return report{err: fmt.Errorf("%w: %v", ErrInvalidReport, err)}
	}
	if !ep.Valid() {
		return report{err: fmt.Errorf("%w: port=%d", ErrInvalidReport, ep.Port)}
	}
	return report{endpoint: ep}
}
