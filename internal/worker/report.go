package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// IsWorkerProcess reports whether this process was spawned as a worker.
func IsWorkerProcess() bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvRunAsWorker)))
	return err == nil && v
}

// Report sends the bound endpoint to the supervising shell. It must be the
// first and only message written to the IPC channel.
func Report(ep Endpoint) error {
	raw := strings.TrimSpace(os.Getenv(EnvIPCFD))
	if raw == "" {
		return ErrNoIPCChannel
	}
	fd, err := strconv.Atoi(raw)
	if err != nil || fd < 0 {
		return fmt.Errorf("%w: fd=%q", ErrNoIPCChannel, raw)
	}
	f := os.NewFile(uintptr(fd), "deskctl-ipc")
	if f == nil {
		return fmt.Errorf("%w: fd=%d", ErrNoIPCChannel, fd)
	}
	defer f.Close()
	return writeReport(f, ep)
}

func writeReport(w io.Writer, ep Endpoint) error {
	if !ep.Valid() {
		return fmt.Errorf("%w: port=%d", ErrInvalidReport, ep.Port)
	}
	return json.NewEncoder(w).Encode(ep)
}
