//go:build linux

package gateway

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/ukatc/fpu-driver-sub001/fpuerrors"
)

// Lock acquires an advisory, host-scope exclusive lock at path (spec §9 open
// question (b): "pick any OS primitive that prevents two driver processes
// from talking to the same grid at once"). It is taken in Connect before any
// gateway socket is opened and released by the returned Unlock, which
// Disconnect calls after every socket is closed.
func Lock(path string) (unlock func() error, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fpuerrors.Wrap(fpuerrors.KindResourceError, "open advisory lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fpuerrors.Wrap(fpuerrors.KindAlreadyInitialized, "grid already locked by another process", err)
	}
	return func() error {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return f.Close()
	}, nil
}
