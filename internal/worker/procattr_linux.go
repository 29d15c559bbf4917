//go:build linux

package worker

import (
	"os/exec"
	"syscall"
)

// The worker should not outlive the shell that spawned it.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
