//go:build windows

package worker

import "os"

func terminate(p *os.Process) error {
	return p.Kill()
}
