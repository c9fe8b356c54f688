package persistence

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Lock is an advisory, exclusive, process-lifetime lock on the
// node-table file, preventing two instances from sharing one data
// directory.
type Lock struct {
	file *os.File
}

// AcquireLock opens (creating if needed) and exclusively flocks path.
// The lock is held until Release is called or the process exits.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "opening node-table lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "another process already holds the node-table lock")
	}
	return &Lock{file: f}, nil
}

// Release unlocks and closes the underlying file descriptor.
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return errors.Wrap(err, "releasing node-table lock")
	}
	return l.file.Close()
}
