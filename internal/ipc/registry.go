// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipc brings up the fixed set of shared tables used by the
// correlation engine and hands them out through a single Registry.
//
// The Counters table is brought up first. If this process had to create it
// (or its file was unusable), every other table file is unlinked before it
// is opened, so the counts in the root record always describe the tables
// actually mapped.
package ipc

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"grimm.is/corrstate/internal/errors"
	"grimm.is/corrstate/internal/logging"
	"grimm.is/corrstate/internal/shm"
)

// Limits holds the configured capacity of every table.
type Limits struct {
	Flowbits         int
	ThreshBySrc      int
	ThreshByDst      int
	ThreshByUsername int
	AfterBySrc       int
	AfterByDst       int
	AfterByUsername  int
}

// Of returns the limit for id, or 1 for the counters table.
func (l Limits) Of(id TableID) int {
	switch id {
	case TableFlowbit:
		return l.Flowbits
	case TableThreshBySrc:
		return l.ThreshBySrc
	case TableThreshByDst:
		return l.ThreshByDst
	case TableThreshByUsername:
		return l.ThreshByUsername
	case TableAfterBySrc:
		return l.AfterBySrc
	case TableAfterByDst:
		return l.AfterByDst
	case TableAfterByUsername:
		return l.AfterByUsername
	}
	return 1
}

// Options configures Open.
type Options struct {
	// Dir is the shared storage directory. It must already exist.
	Dir    string
	Limits Limits
	// Debug dumps every non-empty table at debug level after bring-up.
	Debug  bool
	Logger *logging.Logger
}

// Registry owns every mapped table of one process.
type Registry struct {
	dir    string
	logger *logging.Logger

	countersSeg   *shm.Segment
	counters      *Counters
	countersFresh bool

	Flowbits         *Store[Flowbit]
	ThreshBySrc      *Store[AddrRate]
	ThreshByDst      *Store[AddrRate]
	ThreshByUsername *Store[UserRate]
	AfterBySrc       *Store[AddrRate]
	AfterByDst       *Store[AddrRate]
	AfterByUsername  *Store[UserRate]
}

// Open creates or attaches every table in the fixed bring-up order. Any
// error of a fatal kind means the table set is unusable; everything mapped
// so far is released and the caller must not continue.
func Open(opts Options) (_ *Registry, err error) {
	if opts.Dir == "" {
		return nil, errors.New(errors.KindValidation, "shared storage directory not set")
	}
	for _, id := range AllTables()[1:] {
		if opts.Limits.Of(id) <= 0 {
			return nil, errors.Attr(errors.Errorf(errors.KindValidation,
				"capacity for %s must be positive, got %d", id, opts.Limits.Of(id)), "table", id.String())
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("ipc")
	}

	lock, err := shm.LockDir(opts.Dir)
	if err != nil {
		logger.Error("Cannot lock shared storage directory", "dir", opts.Dir, "error", err)
		return nil, err
	}
	defer lock.Unlock()

	r := &Registry{dir: opts.Dir, logger: logger}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	logger.Info("Initializing shared memory objects", "dir", opts.Dir)

	if err = r.openCounters(); err != nil {
		return nil, err
	}

	c := r.counters
	lim := opts.Limits
	if r.Flowbits, err = bringUp[Flowbit](r, TableFlowbit, lim.Flowbits, &c.Flowbits); err != nil {
		return nil, err
	}
	if r.ThreshBySrc, err = bringUp[AddrRate](r, TableThreshBySrc, lim.ThreshBySrc, &c.ThreshBySrc); err != nil {
		return nil, err
	}
	if r.ThreshByDst, err = bringUp[AddrRate](r, TableThreshByDst, lim.ThreshByDst, &c.ThreshByDst); err != nil {
		return nil, err
	}
	if r.ThreshByUsername, err = bringUp[UserRate](r, TableThreshByUsername, lim.ThreshByUsername, &c.ThreshByUsername); err != nil {
		return nil, err
	}
	if r.AfterBySrc, err = bringUp[AddrRate](r, TableAfterBySrc, lim.AfterBySrc, &c.AfterBySrc); err != nil {
		return nil, err
	}
	if r.AfterByDst, err = bringUp[AddrRate](r, TableAfterByDst, lim.AfterByDst, &c.AfterByDst); err != nil {
		return nil, err
	}
	if r.AfterByUsername, err = bringUp[UserRate](r, TableAfterByUsername, lim.AfterByUsername, &c.AfterByUsername); err != nil {
		return nil, err
	}

	if opts.Debug {
		r.Dump()
	}
	return r, nil
}

// openCounters brings up the root record. A counters file whose length is
// not exactly one record is discarded and treated as freshly created.
func (r *Registry) openCounters() error {
	id := TableCounters
	b, err := shm.OpenBacking(r.dir, id.FileName())
	if err != nil {
		r.logger.Error("Cannot open() for counters", "error", err)
		return errors.Attr(err, "table", id.String())
	}

	recordSize := shm.RecordSize[Counters]()
	fresh := b.Created()
	if !fresh {
		size, err := b.Size()
		if err != nil {
			b.Close()
			return errors.Attr(err, "table", id.String())
		}
		if size != int64(recordSize) {
			if size != 0 {
				r.logger.Warn("Counters shared object has unexpected size, recreating",
					"size", size, "want", recordSize)
			}
			if err := b.Truncate(); err != nil {
				b.Close()
				return errors.Attr(err, "table", id.String())
			}
			fresh = true
		}
	}

	seg, err := shm.Map(b, recordSize, 1)
	if err != nil {
		r.logger.Error("Error allocating memory for counters object", "error", err)
		return errors.Attr(err, "table", id.String())
	}
	tbl, err := shm.NewTable[Counters](seg)
	if err != nil {
		seg.Close()
		return errors.Attr(err, "table", id.String())
	}
	if fresh {
		tbl.Zero()
	}
	rec, err := tbl.Ptr(0)
	if err != nil {
		seg.Close()
		return err
	}

	r.countersSeg = seg
	r.counters = rec
	r.countersFresh = fresh

	if fresh {
		r.logger.Info("+ Counters shared object (new)")
	} else {
		r.logger.Info("- Counters shared object (reload)")
	}
	return nil
}

// bringUp runs the per-table sequence: evict when counters are fresh,
// open-or-create, reset on shape mismatch, size and map, report.
// A capacity change resets the table under its flock, but workers still
// mapping the old length must be restarted.
func bringUp[R any](r *Registry, id TableID, capacity int, count *uint32) (*Store[R], error) {
	path := filepath.Join(r.dir, id.FileName())
	title := id.title()

	if r.countersFresh {
		removed, err := shm.Evict(path)
		if err != nil {
			r.logger.Error("Could not unlink stale memory object", "table", id.String(), "error", err)
		} else if removed {
			r.logger.Info("* Stale " + id.String() + " memory object found & unlinked")
		}
	}

	b, err := shm.OpenBacking(r.dir, id.FileName())
	if err != nil {
		r.logger.Error("Cannot open() for "+id.String(), "error", err)
		return nil, errors.Attr(err, "table", id.String())
	}

	recordSize := shm.RecordSize[R]()
	want := int64(recordSize) * int64(capacity)

	if b.Created() {
		atomic.StoreUint32(count, 0)
	} else {
		size, err := b.Size()
		if err != nil {
			b.Close()
			return nil, errors.Attr(err, "table", id.String())
		}
		stored := atomic.LoadUint32(count)
		if size != want || int64(stored) > int64(capacity) {
			if size != 0 || stored != 0 {
				r.logger.Warn(title+" shared object does not match configured capacity, resetting",
					"size", size, "want", want, "count", stored, "max", capacity)
			}
			if err := b.Truncate(); err != nil {
				b.Close()
				return nil, errors.Attr(err, "table", id.String())
			}
			atomic.StoreUint32(count, 0)
		}
	}

	seg, err := shm.Map(b, recordSize, capacity)
	if err != nil {
		r.logger.Error("Error allocating memory for "+id.String()+" object", "error", err)
		return nil, errors.Attr(err, "table", id.String())
	}
	tbl, err := shm.NewTable[R](seg)
	if err != nil {
		seg.Close()
		return nil, errors.Attr(err, "table", id.String())
	}
	s := newStore(id, tbl, count, b.Created())

	if s.Created() {
		r.logger.Info("+ "+title+" shared object (new)", "bytes", humanize.IBytes(uint64(want)))
	} else {
		r.logger.Info(fmt.Sprintf("- %s shared object reloaded (%d %s loaded / max: %d)",
			title, s.Len(), id.noun(), capacity))
	}
	return s, nil
}

// CountersFresh reports whether the counters table was created by this
// bring-up, which also means every other table started empty.
func (r *Registry) CountersFresh() bool { return r.countersFresh }

// Dir returns the shared storage directory.
func (r *Registry) Dir() string { return r.dir }

// Counters returns a snapshot of the root record.
func (r *Registry) Counters() Counters {
	c := r.counters
	return Counters{
		Flowbits:         atomic.LoadUint32(&c.Flowbits),
		ThreshBySrc:      atomic.LoadUint32(&c.ThreshBySrc),
		ThreshByDst:      atomic.LoadUint32(&c.ThreshByDst),
		ThreshByUsername: atomic.LoadUint32(&c.ThreshByUsername),
		AfterBySrc:       atomic.LoadUint32(&c.AfterBySrc),
		AfterByDst:       atomic.LoadUint32(&c.AfterByDst),
		AfterByUsername:  atomic.LoadUint32(&c.AfterByUsername),
	}
}

// TableInfo summarises one mapped table.
type TableInfo struct {
	ID       TableID
	Live     int
	Capacity int
	Bytes    int
	Created  bool
}

// table is the shape-independent view of a Store.
type table interface {
	ID() TableID
	Len() int
	Capacity() int
	Bytes() int
	Created() bool
	Sync() error
	close() error
}

func (r *Registry) tables() []table {
	var out []table
	add := func(t table, mapped bool) {
		if mapped {
			out = append(out, t)
		}
	}
	add(r.Flowbits, r.Flowbits != nil)
	add(r.ThreshBySrc, r.ThreshBySrc != nil)
	add(r.ThreshByDst, r.ThreshByDst != nil)
	add(r.ThreshByUsername, r.ThreshByUsername != nil)
	add(r.AfterBySrc, r.AfterBySrc != nil)
	add(r.AfterByDst, r.AfterByDst != nil)
	add(r.AfterByUsername, r.AfterByUsername != nil)
	return out
}

// Tables reports every data table in bring-up order.
func (r *Registry) Tables() []TableInfo {
	ts := r.tables()
	out := make([]TableInfo, 0, len(ts))
	for _, t := range ts {
		out = append(out, TableInfo{
			ID:       t.ID(),
			Live:     t.Len(),
			Capacity: t.Capacity(),
			Bytes:    t.Bytes(),
			Created:  t.Created(),
		})
	}
	return out
}

// Sync flushes every table to its backing file.
func (r *Registry) Sync() error {
	var errs []error
	if r.countersSeg != nil {
		errs = append(errs, r.countersSeg.Sync())
	}
	for _, t := range r.tables() {
		errs = append(errs, t.Sync())
	}
	return errors.Join(errs...)
}

// Close unmaps every table. Backing files are kept for other processes.
func (r *Registry) Close() error {
	var errs []error
	for _, t := range r.tables() {
		errs = append(errs, t.close())
	}
	r.Flowbits, r.ThreshBySrc, r.ThreshByDst, r.ThreshByUsername = nil, nil, nil, nil
	r.AfterBySrc, r.AfterByDst, r.AfterByUsername = nil, nil, nil
	if r.countersSeg != nil {
		errs = append(errs, r.countersSeg.Close())
		r.countersSeg, r.counters = nil, nil
	}
	return errors.Join(errs...)
}

// Clean removes every backing file in dir while holding the bring-up lock.
// Processes that still have the tables mapped keep their (now detached)
// view; the next bring-up starts from empty tables.
func Clean(dir string, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.WithComponent("ipc")
	}
	lock, err := shm.LockDir(dir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	var errs []error
	for _, id := range AllTables() {
		path := filepath.Join(dir, id.FileName())
		removed, err := shm.Evict(path)
		if err != nil {
			errs = append(errs, errors.Attr(err, "table", id.String()))
			continue
		}
		if removed {
			logger.Info("Removed shared object", "table", id.String(), "path", path)
		}
	}
	return errors.Join(errs...)
}
