//go:build !linux

package worker

import "os/exec"

func configureProcAttr(cmd *exec.Cmd) {}
