// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build unix

package shm

import (
	"path/filepath"

	"golang.org/x/sys/unix"

	"grimm.is/corrstate/internal/errors"
)

// LockFileName is the bring-up lock kept next to the table files.
const LockFileName = ".corrstate.lock"

// DirLock is an exclusive lock over a storage directory. Holding it makes
// the staleness check and the create-or-attach of every table atomic with
// respect to other processes bringing up the same directory.
type DirLock struct {
	fd   int
	path string
}

// LockDir blocks until the directory lock for dir is held.
func LockDir(dir string) (*DirLock, error) {
	path := filepath.Join(dir, LockFileName)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, FileMode)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "cannot open bring-up lock"), "path", path)
	}
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		unix.Close(fd)
		return nil, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "cannot lock storage directory"), "path", path)
	}
	return &DirLock{fd: fd, path: path}, nil
}

// Unlock releases the lock. The lock file itself is left in place.
func (l *DirLock) Unlock() error {
	if l.fd < 0 {
		return nil
	}
	unix.Flock(l.fd, unix.LOCK_UN)
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}
