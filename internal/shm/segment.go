// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build unix

package shm

import (
	"sync"

	"golang.org/x/sys/unix"

	"grimm.is/corrstate/internal/errors"
)

// Segment is a backing file mapped read-write and shared with every other
// process that maps the same file. A Segment is owned by the process that
// mapped it and is released by Close.
type Segment struct {
	path       string
	fd         int
	data       []byte
	recordSize int
	capacity   int
	created    bool

	// mu serializes goroutines; flock on fd serializes processes.
	mu sync.Mutex
}

// Map sizes the backing file to recordSize*capacity bytes and maps it.
// On success the Segment takes ownership of the descriptor; on failure the
// descriptor is closed.
func Map(b *Backing, recordSize, capacity int) (*Segment, error) {
	if recordSize <= 0 || capacity <= 0 {
		b.Close()
		return nil, errors.Attr(errors.Errorf(errors.KindValidation,
			"invalid segment shape: record size %d, capacity %d", recordSize, capacity), "path", b.path)
	}
	size := recordSize * capacity

	if err := unix.Ftruncate(b.fd, int64(size)); err != nil {
		b.Close()
		e := errors.Wrapf(err, errors.KindResize, "failed to size backing file to %d bytes", size)
		return nil, errors.Attr(e, "path", b.path)
	}

	data, err := unix.Mmap(b.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		b.Close()
		e := errors.Wrapf(err, errors.KindMap, "failed to map %d bytes", size)
		return nil, errors.Attr(e, "path", b.path)
	}

	s := &Segment{
		path:       b.path,
		fd:         b.fd,
		data:       data,
		recordSize: recordSize,
		capacity:   capacity,
		created:    b.created,
	}
	b.fd = -1
	return s, nil
}

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Len returns the mapped length in bytes.
func (s *Segment) Len() int { return len(s.data) }

// RecordSize returns the size of one record in bytes.
func (s *Segment) RecordSize() int { return s.recordSize }

// Capacity returns the number of records the segment holds.
func (s *Segment) Capacity() int { return s.capacity }

// Created reports whether the backing file was created by this process.
func (s *Segment) Created() bool { return s.created }

// Lock takes the segment's mutation lock: an in-process mutex followed by an
// exclusive flock on the backing file.
func (s *Segment) Lock() error {
	s.mu.Lock()
	for {
		err := unix.Flock(s.fd, unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.mu.Unlock()
			return errors.Attr(errors.Wrap(err, errors.KindInternal, "flock"), "path", s.path)
		}
		return nil
	}
}

// Unlock releases the lock taken by Lock.
func (s *Segment) Unlock() {
	_ = unix.Flock(s.fd, unix.LOCK_UN)
	s.mu.Unlock()
}

// Sync flushes the mapping to the backing file.
func (s *Segment) Sync() error {
	if s.data == nil {
		return nil
	}
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "msync"), "path", s.path)
	}
	return nil
}

// Close unmaps the segment and closes its descriptor. The backing file and
// its contents stay in place for other processes.
func (s *Segment) Close() error {
	var errs []error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			errs = append(errs, errors.Wrap(err, errors.KindInternal, "munmap "+s.path))
		}
		s.data = nil
	}
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, errors.Wrap(err, errors.KindInternal, "close "+s.path))
		}
		s.fd = -1
	}
	return errors.Join(errs...)
}

func (s *Segment) bytes() []byte { return s.data }
