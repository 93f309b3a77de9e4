// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipc

import (
	"sync/atomic"

	"grimm.is/corrstate/internal/errors"
	"grimm.is/corrstate/internal/shm"
)

// Store is one shared table plus its live count in the Counters record.
//
// Entries below Len are valid. Every mutation holds the table's lock (an
// in-process mutex and an flock on the table's backing file), writes the
// record first and only then publishes the new count, so a reader that
// loads the count never sees a partially written entry below it. Tables
// are never locked against each other.
type Store[R any] struct {
	id      TableID
	table   *shm.Table[R]
	count   *uint32
	created bool
}

func newStore[R any](id TableID, table *shm.Table[R], count *uint32, created bool) *Store[R] {
	return &Store[R]{id: id, table: table, count: count, created: created}
}

// ID identifies the table.
func (s *Store[R]) ID() TableID { return s.id }

// Created reports whether this process created the backing file.
func (s *Store[R]) Created() bool { return s.created }

// Capacity returns the configured maximum number of entries.
func (s *Store[R]) Capacity() int { return s.table.Capacity() }

// Bytes returns the mapped size of the table.
func (s *Store[R]) Bytes() int { return s.table.Segment().Len() }

// Len returns the number of live entries, never more than Capacity.
func (s *Store[R]) Len() int {
	n := int(atomic.LoadUint32(s.count))
	if c := s.table.Capacity(); n > c {
		return c
	}
	return n
}

func (s *Store[R]) live(i, n int) error {
	if i < 0 || i >= n {
		e := errors.Errorf(errors.KindBounds, "%s: index %d outside live count %d", s.id, i, n)
		return errors.Attr(e, "table", s.id.String())
	}
	return nil
}

// Get returns a copy of live entry i.
func (s *Store[R]) Get(i int) (R, error) {
	if err := s.live(i, s.Len()); err != nil {
		var zero R
		return zero, err
	}
	return s.table.Get(i)
}

// Set overwrites live entry i.
func (s *Store[R]) Set(i int, rec R) error {
	return s.Update(i, func(r *R) { *r = rec })
}

// Update applies fn to live entry i in place under the table lock.
func (s *Store[R]) Update(i int, fn func(*R)) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	if err := s.live(i, s.Len()); err != nil {
		return err
	}
	return s.table.Update(i, fn)
}

// Append writes rec at index Len and then increments the count. It fails
// with KindBounds once the table is full.
func (s *Store[R]) Append(rec R) (int, error) {
	if err := s.lock(); err != nil {
		return -1, err
	}
	defer s.unlock()

	return s.appendLocked(rec)
}

func (s *Store[R]) appendLocked(rec R) (int, error) {
	n := int(atomic.LoadUint32(s.count))
	if n >= s.table.Capacity() {
		e := errors.Errorf(errors.KindBounds, "%s: index %d at capacity %d", s.id, n, s.table.Capacity())
		return -1, errors.Attr(e, "table", s.id.String())
	}
	if err := s.table.Set(n, rec); err != nil {
		return -1, err
	}
	atomic.StoreUint32(s.count, uint32(n+1))
	return n, nil
}

// Upsert finds the first live entry for which match returns true and
// applies fn to it with existing=true. When none matches, fn fills a zero
// record (existing=false) which is then appended. The scan and the write
// happen under one lock hold.
func (s *Store[R]) Upsert(match func(*R) bool, fn func(r *R, existing bool)) (int, error) {
	if err := s.lock(); err != nil {
		return -1, err
	}
	defer s.unlock()

	n := s.Len()
	for i := 0; i < n; i++ {
		p, err := s.table.Ptr(i)
		if err != nil {
			return -1, err
		}
		if match(p) {
			fn(p, true)
			return i, nil
		}
	}

	var rec R
	fn(&rec, false)
	return s.appendLocked(rec)
}

// Find returns the first live entry matching pred.
func (s *Store[R]) Find(pred func(*R) bool) (int, R, bool) {
	var found R
	idx := -1
	s.Each(func(i int, r R) bool {
		if pred(&r) {
			idx, found = i, r
			return false
		}
		return true
	})
	return idx, found, idx >= 0
}

// Each calls fn with a copy of every live entry until fn returns false.
// The live count is sampled once before iterating.
func (s *Store[R]) Each(fn func(i int, r R) bool) {
	n := s.Len()
	for i := 0; i < n; i++ {
		r, err := s.table.Get(i)
		if err != nil || !fn(i, r) {
			return
		}
	}
}

func (s *Store[R]) lock() error {
	if err := s.table.Segment().Lock(); err != nil {
		return errors.Attr(err, "table", s.id.String())
	}
	return nil
}

func (s *Store[R]) unlock() { s.table.Segment().Unlock() }

// Sync flushes the table to its backing file.
func (s *Store[R]) Sync() error { return s.table.Segment().Sync() }

func (s *Store[R]) close() error { return s.table.Segment().Close() }
