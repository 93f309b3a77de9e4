// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build unix

package shm

import (
	"reflect"
	"unsafe"

	"grimm.is/corrstate/internal/errors"
)

// Table is a typed, bounds-checked view over a Segment. R must be a
// fixed-size value type: integers, bools, and arrays or structs of them.
// Its size and field order are the on-disk format shared by all processes.
type Table[R any] struct {
	seg     *Segment
	records []R
}

// RecordSize returns the byte size of R as laid out in shared memory.
func RecordSize[R any]() int {
	var zero R
	return int(unsafe.Sizeof(zero))
}

// NewTable validates R against seg once and returns the typed view.
func NewTable[R any](seg *Segment) (*Table[R], error) {
	var zero R
	rt := reflect.TypeOf(zero)
	if err := checkLayout(rt); err != nil {
		return nil, errors.Attr(err, "path", seg.path)
	}

	size := int(unsafe.Sizeof(zero))
	if size != seg.recordSize {
		return nil, errors.Attr(errors.Errorf(errors.KindValidation,
			"record %s is %d bytes, segment expects %d", rt, size, seg.recordSize), "path", seg.path)
	}
	data := seg.bytes()
	if len(data) != size*seg.capacity {
		return nil, errors.Attr(errors.Errorf(errors.KindValidation,
			"segment holds %d bytes, want %d", len(data), size*seg.capacity), "path", seg.path)
	}
	base := unsafe.Pointer(unsafe.SliceData(data))
	if uintptr(base)%unsafe.Alignof(zero) != 0 {
		return nil, errors.Attr(errors.Errorf(errors.KindValidation,
			"segment base %p not aligned for %s", base, rt), "path", seg.path)
	}

	return &Table[R]{
		seg:     seg,
		records: unsafe.Slice((*R)(base), seg.capacity),
	}, nil
}

// checkLayout rejects types the garbage collector would need to scan or
// whose size is not fixed.
func checkLayout(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return nil
	case reflect.Array:
		return checkLayout(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if err := checkLayout(t.Field(i).Type); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Errorf(errors.KindValidation, "type %s (%s) cannot live in shared memory", t, t.Kind())
}

// Capacity returns the number of record slots.
func (t *Table[R]) Capacity() int { return len(t.records) }

// Segment returns the underlying segment.
func (t *Table[R]) Segment() *Segment { return t.seg }

func (t *Table[R]) check(i int) error {
	if i < 0 || i >= len(t.records) {
		e := errors.Errorf(errors.KindBounds, "index %d outside capacity %d", i, len(t.records))
		return errors.Attr(e, "path", t.seg.path)
	}
	return nil
}

// Get copies record i out of shared memory.
func (t *Table[R]) Get(i int) (R, error) {
	if err := t.check(i); err != nil {
		var zero R
		return zero, err
	}
	return t.records[i], nil
}

// Set copies r into slot i.
func (t *Table[R]) Set(i int, r R) error {
	if err := t.check(i); err != nil {
		return err
	}
	t.records[i] = r
	return nil
}

// Update runs fn against slot i in place.
func (t *Table[R]) Update(i int, fn func(*R)) error {
	if err := t.check(i); err != nil {
		return err
	}
	fn(&t.records[i])
	return nil
}

// Ptr returns the address of slot i inside the mapping. The pointer is only
// valid until the segment is closed; it exists for packages that need atomic
// access to individual fields.
func (t *Table[R]) Ptr(i int) (*R, error) {
	if err := t.check(i); err != nil {
		return nil, err
	}
	return &t.records[i], nil
}

// Zero clears every slot.
func (t *Table[R]) Zero() {
	clear(t.records)
}
