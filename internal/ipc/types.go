// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipc

import (
	"bytes"
	"fmt"
	"net/netip"
	"strings"
	"time"
	"unsafe"

	"grimm.is/corrstate/internal/errors"
)

// Field widths of the shared record layouts. Changing any of these, or the
// field order below, invalidates every persisted table.
const (
	FlowbitNameLen = 64
	UsernameLen    = 64
	SIDLen         = 20
)

// Counters is the single root record. Each field is the live entry count of
// one table; entries at or beyond the count are unspecified.
type Counters struct {
	Flowbits         uint32
	ThreshBySrc      uint32
	ThreshByDst      uint32
	ThreshByUsername uint32
	AfterBySrc       uint32
	AfterByDst       uint32
	AfterByUsername  uint32
}

// Flowbit is a named cross-event flag for a source/destination pair.
type Flowbit struct {
	Name      [FlowbitNameLen]byte
	SrcIP     uint32 // host order
	DstIP     uint32 // host order
	State     uint8
	HasExpiry uint8
	_         [2]byte
	Expiry    uint32 // unix seconds
}

// AddrRate is the threshold/after record keyed by an IPv4 address.
type AddrRate struct {
	Addr    uint32 // host order
	Count   uint32
	Updated uint32 // unix seconds
	Expire  uint32 // window in seconds, 0 for none
	SID     [SIDLen]byte
}

// UserRate is the threshold/after record keyed by a username.
type UserRate struct {
	Username [UsernameLen]byte
	Count    uint32
	Updated  uint32 // unix seconds
	Expire   uint32 // window in seconds, 0 for none
	SID      [SIDLen]byte
}

// NewFlowbit builds a set flowbit without expiry.
func NewFlowbit(name string, src, dst netip.Addr) Flowbit {
	f := Flowbit{
		SrcIP: IPv4ToUint32(src),
		DstIP: IPv4ToUint32(dst),
		State: 1,
	}
	putCString(f.Name[:], name)
	return f
}

// NameString returns the flowbit name.
func (f *Flowbit) NameString() string { return cString(f.Name[:]) }

// Src returns the source address.
func (f *Flowbit) Src() netip.Addr { return Uint32ToIPv4(f.SrcIP) }

// Dst returns the destination address.
func (f *Flowbit) Dst() netip.Addr { return Uint32ToIPv4(f.DstIP) }

// IsSet reports whether the flowbit is currently set.
func (f *Flowbit) IsSet() bool { return f.State == 1 }

// SetExpiry arms the flowbit to expire at t. A zero t clears the expiry.
func (f *Flowbit) SetExpiry(t time.Time) {
	if t.IsZero() {
		f.HasExpiry, f.Expiry = 0, 0
		return
	}
	f.HasExpiry, f.Expiry = 1, uint32(t.Unix())
}

// ExpiresAt returns the expiry time and whether one is set.
func (f *Flowbit) ExpiresAt() (time.Time, bool) {
	if f.HasExpiry == 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(f.Expiry), 0), true
}

// NewAddrRate builds a rate record for addr attributed to rule sid.
func NewAddrRate(addr netip.Addr, sid string, now time.Time) AddrRate {
	r := AddrRate{Addr: IPv4ToUint32(addr), Updated: uint32(now.Unix())}
	putCString(r.SID[:], sid)
	return r
}

// Address returns the tracked IPv4 address.
func (r *AddrRate) Address() netip.Addr { return Uint32ToIPv4(r.Addr) }

// SIDString returns the rule signature id.
func (r *AddrRate) SIDString() string { return cString(r.SID[:]) }

// UpdatedAt returns the last update time.
func (r *AddrRate) UpdatedAt() time.Time { return time.Unix(int64(r.Updated), 0) }

// NewUserRate builds a rate record for username attributed to rule sid.
func NewUserRate(username, sid string, now time.Time) UserRate {
	r := UserRate{Updated: uint32(now.Unix())}
	putCString(r.Username[:], username)
	putCString(r.SID[:], sid)
	return r
}

// UsernameString returns the tracked username.
func (r *UserRate) UsernameString() string { return cString(r.Username[:]) }

// SIDString returns the rule signature id.
func (r *UserRate) SIDString() string { return cString(r.SID[:]) }

// UpdatedAt returns the last update time.
func (r *UserRate) UpdatedAt() time.Time { return time.Unix(int64(r.Updated), 0) }

// IPv4ToUint32 returns the host-order value of an IPv4 (or v4-mapped)
// address, or 0 for anything else.
func IPv4ToUint32(a netip.Addr) uint32 {
	a = a.Unmap()
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Uint32ToIPv4 converts a host-order value back to an address.
func Uint32ToIPv4(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// cString reads a NUL-padded fixed-width field.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// putCString writes s truncated so at least one NUL terminator remains.
func putCString(dst []byte, s string) {
	clear(dst)
	if len(s) > len(dst)-1 {
		s = s[:len(dst)-1]
	}
	copy(dst, s)
}

// TableID names one of the fixed shared tables.
type TableID int

const (
	TableCounters TableID = iota
	TableFlowbit
	TableThreshBySrc
	TableThreshByDst
	TableThreshByUsername
	TableAfterBySrc
	TableAfterByDst
	TableAfterByUsername
)

type tableMeta struct {
	name  string
	file  string
	title string
	noun  string
}

var tableMetas = [...]tableMeta{
	TableCounters:         {"counters", "counters.shared", "Counters", "counters"},
	TableFlowbit:          {"flowbit", "flowbit.shared", "Flowbit", "flowbits"},
	TableThreshBySrc:      {"thresh_by_src", "thresh-by-src.shared", "Thresh_by_src", "sources"},
	TableThreshByDst:      {"thresh_by_dst", "thresh-by-dst.shared", "Thresh_by_dst", "destinations"},
	TableThreshByUsername: {"thresh_by_username", "thresh-by-username.shared", "Thresh_by_username", "usernames"},
	TableAfterBySrc:       {"after_by_src", "after-by-src.shared", "After_by_src", "sources"},
	TableAfterByDst:       {"after_by_dst", "after-by-dst.shared", "After_by_dst", "destinations"},
	TableAfterByUsername:  {"after_by_username", "after-by-username.shared", "After_by_username", "usernames"},
}

// AllTables lists every table in bring-up order.
func AllTables() []TableID {
	return []TableID{
		TableCounters,
		TableFlowbit,
		TableThreshBySrc,
		TableThreshByDst,
		TableThreshByUsername,
		TableAfterBySrc,
		TableAfterByDst,
		TableAfterByUsername,
	}
}

func (id TableID) valid() bool { return id >= 0 && int(id) < len(tableMetas) }

func (id TableID) String() string {
	if !id.valid() {
		return fmt.Sprintf("table(%d)", int(id))
	}
	return tableMetas[id].name
}

// FileName returns the backing file name inside the storage directory.
func (id TableID) FileName() string {
	if !id.valid() {
		return ""
	}
	return tableMetas[id].file
}

// RecordSizeOf returns the size in bytes of one record of table id, or 0 for
// an unknown id.
func RecordSizeOf(id TableID) int {
	switch id {
	case TableCounters:
		return int(unsafe.Sizeof(Counters{}))
	case TableFlowbit:
		return int(unsafe.Sizeof(Flowbit{}))
	case TableThreshBySrc, TableThreshByDst, TableAfterBySrc, TableAfterByDst:
		return int(unsafe.Sizeof(AddrRate{}))
	case TableThreshByUsername, TableAfterByUsername:
		return int(unsafe.Sizeof(UserRate{}))
	}
	return 0
}

func (id TableID) title() string { return tableMetas[id].title }
func (id TableID) noun() string  { return tableMetas[id].noun }

// ParseTableID accepts the name returned by String, with '-' or '_'.
func ParseTableID(s string) (TableID, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, id := range AllTables() {
		if id.String() == s {
			return id, nil
		}
	}
	return 0, errors.Errorf(errors.KindValidation, "unknown table %q", s)
}
