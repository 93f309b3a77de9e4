// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipc

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/corrstate/internal/errors"
	"grimm.is/corrstate/internal/logging"
)

func TestRows_EmptyTables(t *testing.T) {
	r := openRegistry(t, t.TempDir(), testLimits())
	defer r.Close()

	for _, id := range AllTables()[1:] {
		rows, err := r.Rows(id)
		require.NoError(t, err, id.String())
		assert.Empty(t, rows.Rows, id.String())
		assert.Len(t, rows.Header, 5)
	}

	counters, err := r.Rows(TableCounters)
	require.NoError(t, err)
	assert.Len(t, counters.Rows, 7)
	assert.Equal(t, []string{"flowbit", "0", "8"}, counters.Rows[0])

	_, err = r.Rows(TableID(99))
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestDump_EmptyRegistryLogsNothing(t *testing.T) {
	var buf bytes.Buffer
	r, err := Open(Options{
		Dir:    t.TempDir(),
		Limits: testLimits(),
		Debug:  true,
		Logger: logging.New(logging.Config{Level: logging.LevelDebug, Output: &buf}),
	})
	require.NoError(t, err)
	defer r.Close()

	assert.NotContains(t, buf.String(), "***")
}

func TestDump_RendersLiveEntries(t *testing.T) {
	dir := t.TempDir()
	r := openRegistry(t, dir, testLimits())

	updated := time.Unix(1767225600, 0)
	set := NewFlowbit("SSH_BRUTE", netip.MustParseAddr("10.0.0.5"), netip.MustParseAddr("10.0.0.9"))
	set.SetExpiry(updated)
	unset := NewFlowbit("CLEARED", netip.MustParseAddr("10.0.0.6"), netip.MustParseAddr("10.0.0.7"))
	unset.State = 0

	_, err := r.Flowbits.Append(set)
	require.NoError(t, err)
	_, err = r.Flowbits.Append(unset)
	require.NoError(t, err)

	rate := NewAddrRate(netip.MustParseAddr("203.0.113.7"), "5001", updated)
	rate.Count = 12
	_, err = r.AfterByDst.Append(rate)
	require.NoError(t, err)
	_, err = r.ThreshByUsername.Append(NewUserRate("mallory", "5002", updated))
	require.NoError(t, err)

	fb, err := r.Rows(TableFlowbit)
	require.NoError(t, err)
	require.Len(t, fb.Rows, 1, "unset flowbits are not listed")
	assert.Equal(t, []string{"1", "SSH_BRUTE", "10.0.0.5", "10.0.0.9", updated.Format(HumanTimeFormat)}, fb.Rows[0])

	after, err := r.Rows(TableAfterByDst)
	require.NoError(t, err)
	assert.Equal(t, "DST IP", after.Header[0])
	require.Len(t, after.Rows, 1)
	assert.Equal(t, []string{"203.0.113.7", "12", updated.Format(HumanTimeFormat), "5001", "0"}, after.Rows[0])

	users, err := r.Rows(TableThreshByUsername)
	require.NoError(t, err)
	require.Len(t, users.Rows, 1)
	assert.Equal(t, "mallory", users.Rows[0][0])
	require.NoError(t, r.Close())

	var buf bytes.Buffer
	r, err = Open(Options{
		Dir:    dir,
		Limits: testLimits(),
		Debug:  true,
		Logger: logging.New(logging.Config{Level: logging.LevelDebug, Output: &buf}),
	})
	require.NoError(t, err)
	defer r.Close()

	out := buf.String()
	assert.Contains(t, out, "*** Flowbits ***")
	assert.Contains(t, out, "SSH_BRUTE")
	assert.NotContains(t, out, "CLEARED")
	assert.Contains(t, out, "*** After by destination ***")
	assert.Contains(t, out, "*** Threshold by username ***")
	assert.NotContains(t, out, "*** Threshold by source ***")
	assert.Equal(t, 2, r.Flowbits.Len(), "dump must not mutate")
}

func TestDump_VisibleAtInfoLevel(t *testing.T) {
	dir := t.TempDir()
	r := openRegistry(t, dir, testLimits())
	_, err := r.Flowbits.Append(NewFlowbit("SSH_BRUTE", netip.MustParseAddr("10.0.0.5"), netip.MustParseAddr("10.0.0.9")))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	var buf bytes.Buffer
	r, err = Open(Options{
		Dir:    dir,
		Limits: testLimits(),
		Debug:  true,
		Logger: logging.New(logging.Config{Level: logging.LevelInfo, Output: &buf}),
	})
	require.NoError(t, err)
	defer r.Close()

	out := buf.String()
	assert.Contains(t, out, "*** Flowbits ***")
	assert.Contains(t, out, "SSH_BRUTE")

	// Without the switch nothing is dumped at the same level.
	buf.Reset()
	quiet, err := Open(Options{
		Dir:    dir,
		Limits: testLimits(),
		Logger: logging.New(logging.Config{Level: logging.LevelInfo, Output: &buf}),
	})
	require.NoError(t, err)
	defer quiet.Close()
	assert.NotContains(t, buf.String(), "***")
}

func TestFormatRow(t *testing.T) {
	assert.Equal(t, "ab  | c", FormatRow([]int{4, 4}, []string{"ab", "c"}))
	assert.Equal(t, "x| y| z", FormatRow(nil, []string{"x", "y", "z"}))
}
