// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build unix

// Package shm maps fixed-size record tables into memory shared by every
// cooperating process. Each table is one regular file inside a storage
// directory; this package decides create vs. attach, sizes the file, maps
// it, and exposes bounds-checked typed views. It does not know which
// tables exist; see package ipc for that.
package shm

import (
	"path/filepath"

	"golang.org/x/sys/unix"

	"grimm.is/corrstate/internal/errors"
)

// FileMode is the permission used for every backing file.
const FileMode = 0o600

// Backing is an open descriptor for a table's backing file.
type Backing struct {
	path    string
	fd      int
	created bool
}

// OpenBacking opens dir/name. It first tries an exclusive create; if that
// fails it falls back to a plain open. When neither succeeds the error has
// KindUnavailable and bring-up must stop.
func OpenBacking(dir, name string) (*Backing, error) {
	path := filepath.Join(dir, name)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, FileMode)
	if err == nil {
		return &Backing{path: path, fd: fd, created: true}, nil
	}

	fd, err2 := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, FileMode)
	if err2 != nil {
		e := errors.Wrapf(err2, errors.KindUnavailable, "cannot open %s (exclusive create: %v)", name, err)
		return nil, errors.Attr(e, "path", path)
	}
	return &Backing{path: path, fd: fd}, nil
}

// Path returns the backing file path.
func (b *Backing) Path() string { return b.path }

// Created reports whether this open created the file.
func (b *Backing) Created() bool { return b.created }

// Size returns the current length of the backing file.
func (b *Backing) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(b.fd, &st); err != nil {
		return 0, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "fstat"), "path", b.path)
	}
	return st.Size, nil
}

// Truncate discards the file contents. The next Map grows it back with zeros.
// It holds the file's flock while truncating, so it waits for any mutation
// in progress through another mapping. Mappings of the old length that stay
// in use afterwards fault on access; their processes must be restarted.
func (b *Backing) Truncate() error {
	for {
		err := unix.Flock(b.fd, unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindResize, "flock before truncate"), "path", b.path)
		}
		break
	}
	defer unix.Flock(b.fd, unix.LOCK_UN)

	if err := unix.Ftruncate(b.fd, 0); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindResize, "ftruncate to zero"), "path", b.path)
	}
	return nil
}

// Close releases the descriptor. Only needed when Map was never called.
func (b *Backing) Close() error {
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}

// Evict unlinks path if it exists and reports whether a file was removed.
// A missing path is not an error. Any other stat or unlink failure returns
// KindEviction; callers log it and carry on.
func Evict(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT {
			return false, nil
		}
		return false, errors.Attr(errors.Wrap(err, errors.KindEviction, "stat stale object"), "path", path)
	}
	if err := unix.Unlink(path); err != nil {
		return false, errors.Attr(errors.Wrap(err, errors.KindEviction, "unlink stale object"), "path", path)
	}
	return true, nil
}
