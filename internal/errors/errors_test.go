// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "capacity must be positive")
	assert.Equal(t, "capacity must be positive", err.Error())

	wrapped := Wrap(fs.ErrPermission, KindUnavailable, "cannot open counters")
	assert.Equal(t, "cannot open counters: permission denied", wrapped.Error())
	assert.True(t, Is(wrapped, fs.ErrPermission))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, KindMap, "mmap"))
	assert.Nil(t, Wrapf(nil, KindMap, "mmap %s", "flowbit"))
	assert.Nil(t, Attr(nil, "table", "flowbit"))
}

func TestGetKind(t *testing.T) {
	err := New(KindBounds, "index 3 beyond capacity 3")
	assert.Equal(t, KindBounds, GetKind(err))

	wrapped := Wrap(err, KindInternal, "append")
	assert.Equal(t, KindInternal, GetKind(wrapped))
	assert.True(t, IsKind(wrapped, KindBounds))
	assert.False(t, IsKind(wrapped, KindMap))

	assert.Equal(t, KindUnknown, GetKind(errors.New("std error")))
}

func TestFatalKinds(t *testing.T) {
	tests := []struct {
		kind  Kind
		fatal bool
	}{
		{KindUnavailable, true},
		{KindResize, true},
		{KindMap, true},
		{KindEviction, false},
		{KindBounds, false},
		{KindValidation, false},
		{KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(New(tt.kind, "x")))
		})
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindResize, "ftruncate")
	err = Attr(err, "table", "flowbit")
	err = Attr(err, "bytes", 800)

	attrs := GetAttributes(err)
	assert.Equal(t, "flowbit", attrs["table"])
	assert.Equal(t, 800, attrs["bytes"])

	wrapped := Wrap(err, KindInternal, "bring-up")
	wrapped = Attr(wrapped, "path", "/dev/shm/flowbit.shared")

	all := GetAttributes(wrapped)
	assert.Equal(t, "flowbit", all["table"])
	assert.Equal(t, "/dev/shm/flowbit.shared", all["path"])
}

func TestAttrOnPlainError(t *testing.T) {
	err := Attr(errors.New("boom"), "table", "counters")
	assert.Equal(t, KindInternal, GetKind(err))
	assert.Equal(t, "counters", GetAttributes(err)["table"])
}
