// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build unix

package shm

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/corrstate/internal/errors"
)

type sample struct {
	A uint32
	B [8]byte
	C uint8
	_ [3]byte
}

type withPointer struct {
	N    uint32
	Name string
}

func mapSample(t *testing.T, dir string, capacity int) (*Segment, *Table[sample]) {
	t.Helper()
	b, err := OpenBacking(dir, "sample.shared")
	require.NoError(t, err)
	seg, err := Map(b, RecordSize[sample](), capacity)
	require.NoError(t, err)
	tbl, err := NewTable[sample](seg)
	require.NoError(t, err)
	return seg, tbl
}

func TestOpenBacking_CreateThenAttach(t *testing.T) {
	dir := t.TempDir()

	first, err := OpenBacking(dir, "counters.shared")
	require.NoError(t, err)
	assert.True(t, first.Created())
	assert.Equal(t, filepath.Join(dir, "counters.shared"), first.Path())
	require.NoError(t, first.Close())

	second, err := OpenBacking(dir, "counters.shared")
	require.NoError(t, err)
	defer second.Close()
	assert.False(t, second.Created())
}

func TestOpenBacking_MissingDirectoryIsFatal(t *testing.T) {
	_, err := OpenBacking(filepath.Join(t.TempDir(), "missing"), "counters.shared")
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, errors.GetAttributes(err)["path"], "counters.shared")
}

func TestMap_SizesFile(t *testing.T) {
	dir := t.TempDir()
	seg, tbl := mapSample(t, dir, 10)
	defer seg.Close()

	assert.Equal(t, 16, seg.RecordSize())
	assert.Equal(t, 160, seg.Len())
	assert.Equal(t, 10, tbl.Capacity())

	st, err := os.Stat(seg.Path())
	require.NoError(t, err)
	assert.EqualValues(t, 160, st.Size())
}

func TestMap_InvalidShape(t *testing.T) {
	b, err := OpenBacking(t.TempDir(), "bad.shared")
	require.NoError(t, err)

	_, err = Map(b, 16, 0)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestTable_SharedBetweenMappings(t *testing.T) {
	dir := t.TempDir()
	segA, a := mapSample(t, dir, 4)
	defer segA.Close()
	segB, b := mapSample(t, dir, 4)
	defer segB.Close()

	assert.True(t, segA.Created())
	assert.False(t, segB.Created())

	rec := sample{A: 42, C: 1}
	copy(rec.B[:], "flowbit")
	require.NoError(t, a.Set(2, rec))

	got, err := b.Get(2)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, b.Update(2, func(r *sample) { r.A++ }))
	got, err = a.Get(2)
	require.NoError(t, err)
	assert.EqualValues(t, 43, got.A)
}

func TestTable_PersistsAcrossClose(t *testing.T) {
	dir := t.TempDir()
	seg, tbl := mapSample(t, dir, 2)
	require.NoError(t, tbl.Set(1, sample{A: 7}))
	require.NoError(t, seg.Sync())
	require.NoError(t, seg.Close())

	seg, tbl = mapSample(t, dir, 2)
	defer seg.Close()
	got, err := tbl.Get(1)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.A)
}

func TestTable_Bounds(t *testing.T) {
	seg, tbl := mapSample(t, t.TempDir(), 3)
	defer seg.Close()

	for _, i := range []int{-1, 3, 100} {
		_, err := tbl.Get(i)
		assert.Equal(t, errors.KindBounds, errors.GetKind(err), "index %d", i)
		assert.Equal(t, errors.KindBounds, errors.GetKind(tbl.Set(i, sample{})))
		_, err = tbl.Ptr(i)
		assert.Equal(t, errors.KindBounds, errors.GetKind(err))
	}
}

func TestNewTable_RejectsPointerRecords(t *testing.T) {
	b, err := OpenBacking(t.TempDir(), "ptr.shared")
	require.NoError(t, err)
	seg, err := Map(b, RecordSize[withPointer](), 2)
	require.NoError(t, err)
	defer seg.Close()

	_, err = NewTable[withPointer](seg)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestNewTable_RejectsSizeMismatch(t *testing.T) {
	b, err := OpenBacking(t.TempDir(), "size.shared")
	require.NoError(t, err)
	seg, err := Map(b, 8, 2)
	require.NoError(t, err)
	defer seg.Close()

	_, err = NewTable[sample](seg)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestEvict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stale.shared")

	removed, err := Evict(path)
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))
	removed, err = Evict(path)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoFileExists(t, path)
}

func TestEvict_Failure(t *testing.T) {
	dir := t.TempDir()

	// unlink(2) refuses directories regardless of privileges.
	path := filepath.Join(dir, "stale.shared")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0o700))

	removed, err := Evict(path)
	require.Error(t, err)
	assert.False(t, removed)
	assert.Equal(t, errors.KindEviction, errors.GetKind(err))
	assert.False(t, errors.IsFatal(err))
	assert.Equal(t, path, errors.GetAttributes(err)["path"])
	assert.DirExists(t, path)

	// A path whose parent is a regular file fails stat with ENOTDIR.
	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	removed, err = Evict(filepath.Join(file, "stale.shared"))
	require.Error(t, err)
	assert.False(t, removed)
	assert.Equal(t, errors.KindEviction, errors.GetKind(err))
}

func TestBackingTruncate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.shared"), make([]byte, 64), 0o600))

	b, err := OpenBacking(dir, "t.shared")
	require.NoError(t, err)
	defer b.Close()

	size, err := b.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 64, size)

	require.NoError(t, b.Truncate())
	size, err = b.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestBackingTruncate_WaitsForSegmentLock(t *testing.T) {
	dir := t.TempDir()
	seg, _ := mapSample(t, dir, 4)
	defer seg.Close()
	require.NoError(t, seg.Lock())

	b, err := OpenBacking(dir, "sample.shared")
	require.NoError(t, err)
	defer b.Close()

	done := make(chan error, 1)
	go func() { done <- b.Truncate() }()

	select {
	case <-done:
		t.Fatal("truncate ran while a mutation held the lock")
	case <-time.After(100 * time.Millisecond):
	}

	seg.Unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("truncate did not proceed after unlock")
	}

	size, err := b.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestSegmentLock_SerializesMappings(t *testing.T) {
	dir := t.TempDir()
	segA, a := mapSample(t, dir, 1)
	defer segA.Close()
	segB, b := mapSample(t, dir, 1)
	defer segB.Close()

	const rounds = 200
	var wg sync.WaitGroup
	bump := func(seg *Segment, tbl *Table[sample]) {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if !assert.NoError(t, seg.Lock()) {
				return
			}
			_ = tbl.Update(0, func(r *sample) { r.A++ })
			seg.Unlock()
		}
	}
	wg.Add(4)
	go bump(segA, a)
	go bump(segA, a)
	go bump(segB, b)
	go bump(segB, b)
	wg.Wait()

	got, err := a.Get(0)
	require.NoError(t, err)
	assert.EqualValues(t, 4*rounds, got.A)
}

func TestLockDir_Exclusive(t *testing.T) {
	dir := t.TempDir()
	first, err := LockDir(dir)
	require.NoError(t, err)

	acquired := make(chan *DirLock)
	go func() {
		l, err := LockDir(dir)
		if err == nil {
			acquired <- l
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, first.Unlock())
	select {
	case l := <-acquired:
		require.NoError(t, l.Unlock())
	case <-time.After(5 * time.Second):
		t.Fatal("second lock never acquired")
	}
	assert.FileExists(t, filepath.Join(dir, LockFileName))
}
