package tools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/danmuck/deskctl/internal/testutil/testlog"
)

func TestExecRunnerStartMapsExitCodes(t *testing.T) {
	testlog.Start(t)
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	tests := []struct {
		name string
		args []string
		want int32
	}{
		{name: "success", args: []string{"-c", "exit 0"}, want: 0},
		{name: "nonzero exit", args: []string{"-c", "exit 4"}, want: 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := ExecRunner{}.Start("sh", tc.args...)
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			if code := ExitCode(cmd.Wait()); code != tc.want {
				t.Fatalf("expected exit %d, got %d", tc.want, code)
			}
		})
	}

	_, err := ExecRunner{}.Start("deskctl-no-such-binary")
	if code := ExitCode(err); code != 127 {
		t.Fatalf("expected 127 for missing binary, got %d (err=%v)", code, err)
	}
}

func TestExecRunnerPassesEnvironment(t *testing.T) {
	testlog.Start(t)
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	runner := ExecRunner{Env: map[string]string{"DESKCTL_TOOLS_PROBE": "visible"}, Dir: dir}
	cmd, err := runner.Start("sh", "-c", "printf %s \"$DESKCTL_TOOLS_PROBE\" > probe.txt")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "probe.txt"))
	if err != nil {
		t.Fatalf("read probe: %v", err)
	}
	if got := strings.TrimSpace(string(raw)); got != "visible" {
		t.Fatalf("expected env override visible to child, got %q", got)
	}
}

func TestExitCode(t *testing.T) {
	testlog.Start(t)
	if ExitCode(nil) != 0 {
		t.Fatalf("expected 0 for nil")
	}
	if ExitCode(errors.New("other")) != 1 {
		t.Fatalf("expected 1 for generic error")
	}
	if ExitCode(&exec.Error{Name: "x", Err: exec.ErrNotFound}) != 127 {
		t.Fatalf("expected 127 for exec error")
	}
}

func TestMergeEnv(t *testing.T) {
	testlog.Start(t)
	got := MergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "9", "C": "3"})
	if fmt.Sprint(got) != fmt.Sprint([]string{"A=1", "B=9", "C=3"}) {
		t.Fatalf("unexpected merge %v", got)
	}
}
