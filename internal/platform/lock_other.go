//go:build !unix

package platform

import (
	"errors"
	"fmt"
	"os"
)

var errLocked = errors.New("platform: lock held")

type instanceLock struct {
	f    *os.File
	path string
}

// Without flock, an exclusively created file marks the running instance.
// A crashed instance leaves it behind and must be removed by hand.
func acquireLock(path string) (*instanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, errLocked
		}
		return nil, err
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return &instanceLock{f: f, path: path}, nil
}

func (l *instanceLock) release() error {
	_ = l.f.Close()
	return os.Remove(l.path)
}
