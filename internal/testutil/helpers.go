// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds helpers shared by tests that need live tables.
package testutil

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/corrstate/internal/ipc"
	"grimm.is/corrstate/internal/logging"
)

// QuietLogger returns a logger that discards everything.
func QuietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

// Limits returns limits with every table sized to n records.
func Limits(n int) ipc.Limits {
	return ipc.Limits{
		Flowbits:         n,
		ThreshBySrc:      n,
		ThreshByDst:      n,
		ThreshByUsername: n,
		AfterBySrc:       n,
		AfterByDst:       n,
		AfterByUsername:  n,
	}
}

// OpenRegistry brings up tables of n records each in dir, or in a fresh
// temporary directory when dir is empty. The registry is closed when the
// test ends.
func OpenRegistry(t *testing.T, dir string, n int) *ipc.Registry {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	reg, err := ipc.Open(ipc.Options{Dir: dir, Limits: Limits(n), Logger: QuietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}
