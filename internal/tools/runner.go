package tools

import (
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// ExecRunner starts commands on the local host.
type ExecRunner struct {
	// Env is merged over the current environment for every command.
	Env map[string]string
	Dir string
}

// Start launches a long-lived command whose output goes to this process.
// The caller owns the returned command and must Wait on it.
func (r ExecRunner) Start(name string, args ...string) (*exec.Cmd, error) {
	cmd := r.command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (r ExecRunner) command(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = MergeEnv(os.Environ(), r.Env)
	}
	return cmd
}

// ExitCode maps a command error to a process status. Exit code 127 means the
// command could not be executed at all.
func ExitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}

// MergeEnv copies base without keys present in overrides, then appends the
// overrides in key order.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
