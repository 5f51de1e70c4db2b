/*
Package halo implements the halo exchange runtime: offset negotiation,
flow controlled one-sided exchange and completion of data arrays that are
partitioned across ranks.

This file contains the data array and the per-channel exchange state.
*/
package halo

import (
	"fmt"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/halolist"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

// AccessMode is how a loop uses an array argument
type AccessMode uint8

// Access modes
const (
	Read AccessMode = iota
	Write
	RW
	Inc
	NoAccess
)

var accessName = map[AccessMode]string{Read: "READ", Write: "WRITE", RW: "RW", Inc: "INC", NoAccess: "NONE"}

func (a AccessMode) String() string {
	return accessName[a]
}

// Arg is one use of an array by a loop.
type Arg struct {
	Dat      *Dat
	Opt      bool // false disables the argument
	Acc      AccessMode
	Indirect bool // accessed through a mapping
}

// ArgDat builds an enabled argument
func ArgDat(d *Dat, acc AccessMode, indirect bool) Arg {
	return Arg{Dat: d, Opt: true, Acc: acc, Indirect: indirect}
}

// RecvDescriptor describes one expected inbound transfer.
type RecvDescriptor struct {
	SourceRank    int
	SegmentOffset shm.Offset // where the bytes land in the import segment
	Dest          int        // byte offset into Data
	Size          int        // bytes
}

func (rd RecvDescriptor) String() string {
	return fmt.Sprintf("{src=%d seg=%d dest=%d size=%d}", rd.SourceRank, rd.SegmentOffset, rd.Dest, rd.Size)
}

// RemoteOffsetTable holds the negotiated offsets in each export
// neighbour's import segment, indexed by position in the export list.
type RemoteOffsetTable struct {
	Exec    []shm.Offset
	Nonexec []shm.Offset
}

// Stats counts the protocol steps of one array
type Stats struct {
	Sends        int // one-sided writes issued
	AcksReceived int // copy acknowledgements consumed
	Receives     int // inbound writes completed
	AcksSent     int // acknowledgements sent, two per receive
}

// channel is the exec or non-exec half of an array's exchange
type channel struct {
	name      string
	tag       int
	export    *halolist.HaloList
	imports   *halolist.HaloList
	exportSeg shm.SegmentID
	importSeg shm.SegmentID
	localBase int              // base of this array in the export segment
	remote    []shm.Offset     // per export neighbour
	recv      []RecvDescriptor // per import neighbour
	ack       []bool           // unacknowledged send per export neighbour
}

// Dat is a data array on a set: Owned elements followed by the exec halo
// and the non-exec halo, ElemSize bytes each.
type Dat struct {
	Name     string
	Index    int
	Set      int
	ElemSize int
	Data     []byte

	placement Placement
	lists     halolist.Lists
	need      Regions // bytes per segment role
	base      Regions // base offsets per segment role
	exec      channel
	nonexec   channel
	dirty     bool
	sent      bool
	ready     bool
	released  bool
	stats     Stats
}

// Owned gets the number of owned elements
func (d *Dat) Owned() int {
	return d.lists.Owned
}

// Elements gets the number of owned plus halo elements
func (d *Dat) Elements() int {
	return d.lists.Elements()
}

// Placement gets the placement chosen at declaration
func (d *Dat) Placement() Placement {
	return d.placement
}

// Dirty reports whether the owned data changed since the last exchange
func (d *Dat) Dirty() bool {
	return d.dirty
}

// InFlight reports whether an exchange awaits its Wait
func (d *Dat) InFlight() bool {
	return d.sent
}

// Ready reports whether negotiation has completed
func (d *Dat) Ready() bool {
	return d.ready
}

// Stats gets the protocol counters
func (d *Dat) Stats() Stats {
	return d.stats
}

// Regions returns the base offset and byte size of the array's region in
// every static role.
func (d *Dat) Regions() (base, size Regions) {
	return d.base, d.need
}

// RemoteOffsets returns a copy of the negotiated remote offsets
func (d *Dat) RemoteOffsets() RemoteOffsetTable {
	return RemoteOffsetTable{
		Exec:    append([]shm.Offset{}, d.exec.remote...),
		Nonexec: append([]shm.Offset{}, d.nonexec.remote...),
	}
}

// RecvDescriptors returns the exec and non-exec receive descriptors
func (d *Dat) RecvDescriptors() (exec, nonexec []RecvDescriptor) {
	return append([]RecvDescriptor{}, d.exec.recv...), append([]RecvDescriptor{}, d.nonexec.recv...)
}

func (d *Dat) channels() []*channel {
	return []*channel{&d.exec, &d.nonexec}
}

// exporting reports whether this rank writes to any neighbour
func (d *Dat) exporting() bool {
	return len(d.exec.export.Ranks) > 0 || len(d.nonexec.export.Ranks) > 0
}

// importing reports whether any neighbour writes to this array
func (d *Dat) importing() bool {
	return len(d.exec.recv) > 0 || len(d.nonexec.recv) > 0
}

// findRecv looks up the descriptor of a source rank by linear scan.
func (ch *channel) findRecv(src int) (RecvDescriptor, bool) {
	for _, rd := range ch.recv {
		if rd.SourceRank == src {
			return rd, true
		}
	}
	return RecvDescriptor{}, false
}
