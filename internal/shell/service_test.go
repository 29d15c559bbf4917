package shell

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/danmuck/deskctl/internal/auth"
	"github.com/danmuck/deskctl/internal/config"
	"github.com/danmuck/deskctl/internal/contrib"
	"github.com/danmuck/deskctl/internal/testutil/testlog"
	"github.com/danmuck/deskctl/internal/worker"
)

func embeddedConfig(t *testing.T) config.Shell {
	t.Helper()
	t.Setenv(auth.EnvSecurityToken, "")
	t.Setenv(worker.EnvProjectPath, "")
	t.Setenv(config.EnvDevMode, "")
	dir, err := os.MkdirTemp("", "dk")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Name = "deskctl-test"
	cfg.ProjectPath = "/work/notes"
	cfg.Worker.Mode = worker.ModeEmbedded
	cfg.Instance.RuntimeDir = dir
	cfg.Instance.SingleInstance = true
	cfg.Probe.InitialInterval = 10 * time.Millisecond
	cfg.Probe.MaxElapsed = 5 * time.Second
	cfg.Status.Enabled = true
	cfg.Status.Addr = "127.0.0.1:0"
	cfg.StopTimeout = 5 * time.Second
	return cfg
}

func TestServiceRunsForwardsAndStops(t *testing.T) {
	testlog.Start(t)
	cfg := embeddedConfig(t)

	launches := make(chan contrib.ExecutionParams, 4)
	app := contrib.Contribution{
		Name: "app",
		Launch: func(ctx context.Context, params contrib.ExecutionParams) error {
			launches <- params
			return nil
		},
		Stop: func(ctx context.Context) error {
			return contrib.WithExitCode(errors.New("unsaved work"), 5)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		svc := NewService(cfg, WithContribution(app), WithLaunch([]string{"deskctl"}, "/home"))
		code, err := svc.RunContext(ctx)
		done <- result{code, err}
	}()

	select {
	case params := <-launches:
		if params.SecondInstance || params.WorkingDirectory != "/home" {
			t.Fatalf("unexpected first launch %+v", params)
		}
	case res := <-done:
		t.Fatalf("shell exited before launch: code=%d err=%v", res.code, res.err)
	case <-time.After(10 * time.Second):
		t.Fatalf("expected first launch")
	}

	second := NewService(cfg, WithLaunch([]string{"deskctl", "notes.md"}, "/tmp"))
	code, err := second.Run()
	if err != nil || code != 0 {
		t.Fatalf("expected second instance to forward and exit 0, got code=%d err=%v", code, err)
	}
	select {
	case params := <-launches:
		if !params.SecondInstance || params.WorkingDirectory != "/tmp" || len(params.Argv) != 2 || params.Argv[1] != "notes.md" {
			t.Fatalf("unexpected second launch %+v", params)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected forwarded launch")
	}

	cancel()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("run: %v", res.err)
		}
		if res.code != 5 {
			t.Fatalf("expected exit code 5 from stop failure, got %d", res.code)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("expected shell to stop")
	}
}

func TestServiceWorkerStartFailure(t *testing.T) {
	testlog.Start(t)
	cfg := embeddedConfig(t)
	cfg.Worker.Mode = worker.ModeSubprocess
	cfg.Worker.Command = "/nonexistent/deskctl-worker"
	cfg.Status.Enabled = false

	started := false
	svc := NewService(cfg, WithContribution(contrib.Contribution{
		Name: "app",
		Start: func(ctx context.Context) error {
			started = true
			return nil
		},
	}))
	code, err := svc.RunContext(context.Background())
	if !errors.Is(err, worker.ErrWorkerStart) {
		t.Fatalf("expected ErrWorkerStart, got %v", err)
	}
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if started {
		t.Fatalf("expected no start hooks after worker failure")
	}
}

func TestSupervisorConfigSelfSpawn(t *testing.T) {
	testlog.Start(t)
	t.Setenv(config.EnvDevMode, "")
	cfg := config.Default()
	cfg.Worker.Mode = worker.ModeSubprocess
	cfg.Worker.Env = map[string]string{"NOTES_FEATURE": "on"}
	tok := auth.NewToken()

	supCfg, err := NewService(cfg).supervisorConfig(tok)
	if err != nil {
		t.Fatalf("supervisor config: %v", err)
	}
	exe, _ := os.Executable()
	if supCfg.Command != exe || len(supCfg.Args) != 1 || supCfg.Args[0] != WorkerCommand {
		t.Fatalf("expected self spawn %q %v, got %q %v", exe, []string{WorkerCommand}, supCfg.Command, supCfg.Args)
	}
	if supCfg.Env["NOTES_FEATURE"] != "on" || supCfg.Env["DESKCTL_WORKER_HOST"] != "127.0.0.1" {
		t.Fatalf("unexpected worker env %v", supCfg.Env)
	}
	if supCfg.Token != tok || supCfg.Entry != nil {
		t.Fatalf("unexpected supervisor config %+v", supCfg)
	}

	cfg.Worker.Mode = worker.ModeEmbedded
	supCfg, err = NewService(cfg).supervisorConfig(tok)
	if err != nil || supCfg.Entry == nil {
		t.Fatalf("expected embedded entry, got %+v err=%v", supCfg, err)
	}
}
