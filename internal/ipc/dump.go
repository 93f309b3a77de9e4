// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"grimm.is/corrstate/internal/errors"
)

// HumanTimeFormat renders shared timestamps in dumps.
const HumanTimeFormat = "01-02-2006 15:04:05"

// Rows is a rendered, read-only view of one table.
type Rows struct {
	Table  TableID
	Title  string
	Header []string
	Widths []int
	Rows   [][]string
}

var (
	flowbitHeader = []string{"S", "Flowbit name", "SRC IP", "DST IP", "Expire"}
	flowbitWidths = []int{2, 25, 16, 16, 20}
	rateWidths    = []int{16, 11, 20, 11, 0}
	countersHead  = []string{"Table", "Live", "Max"}
)

func rateHeader(key string) []string {
	return []string{key, "Counter", "Date added/modified", "SID", "Expire"}
}

func humanTime(sec uint32) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(int64(sec), 0).Format(HumanTimeFormat)
}

// Rows renders the live entries of id. Only indices below the live count are
// read. Flowbits that are not set are skipped.
func (r *Registry) Rows(id TableID) (Rows, error) {
	out := Rows{Table: id}
	switch id {
	case TableCounters:
		out.Title = "Counters"
		out.Header = countersHead
		out.Widths = []int{20, 11, 0}
		for _, t := range r.Tables() {
			out.Rows = append(out.Rows, []string{t.ID.String(), strconv.Itoa(t.Live), strconv.Itoa(t.Capacity)})
		}
	case TableFlowbit:
		out.Title = "Flowbits"
		out.Header = flowbitHeader
		out.Widths = flowbitWidths
		r.Flowbits.Each(func(_ int, f Flowbit) bool {
			if !f.IsSet() {
				return true
			}
			expire := "-"
			if f.HasExpiry != 0 {
				expire = humanTime(f.Expiry)
			}
			out.Rows = append(out.Rows, []string{
				strconv.Itoa(int(f.State)), f.NameString(), f.Src().String(), f.Dst().String(), expire,
			})
			return true
		})
	case TableThreshBySrc, TableThreshByDst, TableAfterBySrc, TableAfterByDst:
		out.Title = titleOf(id)
		key := "SRC IP"
		if id == TableThreshByDst || id == TableAfterByDst {
			key = "DST IP"
		}
		out.Header = rateHeader(key)
		out.Widths = rateWidths
		r.addrStore(id).Each(func(_ int, a AddrRate) bool {
			out.Rows = append(out.Rows, []string{
				a.Address().String(), strconv.FormatUint(uint64(a.Count), 10), humanTime(a.Updated),
				a.SIDString(), strconv.FormatUint(uint64(a.Expire), 10),
			})
			return true
		})
	case TableThreshByUsername, TableAfterByUsername:
		out.Title = titleOf(id)
		out.Header = rateHeader("Username")
		out.Widths = rateWidths
		r.userStore(id).Each(func(_ int, u UserRate) bool {
			out.Rows = append(out.Rows, []string{
				u.UsernameString(), strconv.FormatUint(uint64(u.Count), 10), humanTime(u.Updated),
				u.SIDString(), strconv.FormatUint(uint64(u.Expire), 10),
			})
			return true
		})
	default:
		return out, errors.Errorf(errors.KindValidation, "unknown table %d", int(id))
	}
	return out, nil
}

func titleOf(id TableID) string {
	switch id {
	case TableThreshBySrc:
		return "Threshold by source"
	case TableThreshByDst:
		return "Threshold by destination"
	case TableThreshByUsername:
		return "Threshold by username"
	case TableAfterBySrc:
		return "After by source"
	case TableAfterByDst:
		return "After by destination"
	case TableAfterByUsername:
		return "After by username"
	}
	return id.title()
}

func (r *Registry) addrStore(id TableID) *Store[AddrRate] {
	switch id {
	case TableThreshBySrc:
		return r.ThreshBySrc
	case TableThreshByDst:
		return r.ThreshByDst
	case TableAfterBySrc:
		return r.AfterBySrc
	case TableAfterByDst:
		return r.AfterByDst
	}
	return nil
}

func (r *Registry) userStore(id TableID) *Store[UserRate] {
	switch id {
	case TableThreshByUsername:
		return r.ThreshByUsername
	case TableAfterByUsername:
		return r.AfterByUsername
	}
	return nil
}

// FormatRow pads cols to widths and joins them with '| '. A zero width
// leaves the column unpadded.
func FormatRow(widths []int, cols []string) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString("| ")
		}
		w := 0
		if i < len(widths) {
			w = widths[i]
		}
		if w > 0 && i < len(cols)-1 {
			fmt.Fprintf(&b, "%-*s", w, c)
		} else {
			b.WriteString(c)
		}
	}
	return b.String()
}

// Dump logs every data table with a non-zero live count. It logs at info
// level so that enabling the IPC debug switch alone is enough to see it.
// It never mutates state.
func (r *Registry) Dump() {
	for _, t := range r.tables() {
		if t.Len() == 0 {
			continue
		}
		rows, err := r.Rows(t.ID())
		if err != nil {
			continue
		}
		r.logger.Info("*** " + rows.Title + " ***")
		r.logger.Info(FormatRow(rows.Widths, rows.Header))
		for _, row := range rows.Rows {
			r.logger.Info(FormatRow(rows.Widths, row))
		}
	}
}
