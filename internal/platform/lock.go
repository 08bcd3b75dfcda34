// SPDX-License-Identifier: MIT

package platform

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrLockBusy means another plexcache process holds the instance lock.
// Callers treat this as a clean skip, not a failure.
var ErrLockBusy = errors.New("another instance holds the lock")

// Lock is a held single-instance lock. Releasing it (or the process dying)
// frees the lock; the file itself is left behind.
type Lock struct {
	file *os.File
}

// AcquireLock takes a non-blocking fcntl write lock on path, creating the
// file if needed. The PID is written into the file for whoever goes looking
// after an "already running" message.
func AcquireLock(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	spec := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0,
	}
	if err := unix.FcntlFlock(file.Fd(), unix.F_SETLK, &spec); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	_ = file.Truncate(0)
	_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return &Lock{file: file}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	spec := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0,
	}
	if err := unix.FcntlFlock(l.file.Fd(), unix.F_SETLK, &spec); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	return l.file.Close()
}
