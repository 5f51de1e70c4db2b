/*
Package halo implements the halo exchange runtime: offset negotiation,
flow controlled one-sided exchange and completion of data arrays that are
partitioned across ranks.

This file contains array declaration and the one-time negotiation of the
offsets at which neighbours write an array's halo.
*/
package halo

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/perf"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

// Declare registers an array on set. data must hold the owned and halo
// elements of the set. Arrays get their index in registration order, which
// must be the same on every rank.
func (r *Runtime) Declare(set int, name string, elemSize int, data []byte, p Placement) (*Dat, error) {
	d := &Dat{Name: name, Index: len(r.dats), Set: set, ElemSize: elemSize, Data: data, placement: p}
	if p == nil {
		d.placement = StaticPlacement{}
	}
	if d.Index >= NonExecTagBit {
		return nil, r.fatal(SetupError, "declare", d, fmt.Errorf("array index %d exceeds %d", d.Index, NonExecTagBit-1))
	}
	if elemSize <= 0 {
		return nil, r.fatal(SetupError, "declare", d, fmt.Errorf("element size %d", elemSize))
	}
	lists, err := r.registry.Lists(set)
	if err != nil {
		return nil, r.fatal(SetupError, "declare", d, err)
	}
	if err := lists.Validate(); err != nil {
		return nil, r.fatal(SetupError, "declare", d, err)
	}
	if err := lists.CheckRanks(r.rank, r.size); err != nil {
		return nil, r.fatal(SetupError, "declare", d, err)
	}
	if len(data) < lists.Elements()*elemSize {
		return nil, r.fatal(SetupError, "declare", d, fmt.Errorf("data holds %d bytes, set needs %d", len(data), lists.Elements()*elemSize))
	}

	d.lists = lists
	d.need = Regions{
		ExportExec:    lists.ExportExec.Size * elemSize,
		ExportNonexec: lists.ExportNonexec.Size * elemSize,
		ImportExec:    lists.ImportExec.Size * elemSize,
		ImportNonexec: lists.ImportNonexec.Size * elemSize,
	}
	d.exec = channel{
		name:      "exec",
		tag:       d.Index,
		export:    lists.ExportExec,
		imports:   lists.ImportExec,
		exportSeg: d.placement.SegmentID(shm.ExportExec),
		importSeg: d.placement.SegmentID(shm.ImportExec),
	}
	d.nonexec = channel{
		name:      "nonexec",
		tag:       d.Index | NonExecTagBit,
		export:    lists.ExportNonexec,
		imports:   lists.ImportNonexec,
		exportSeg: d.placement.SegmentID(shm.ExportNonexec),
		importSeg: d.placement.SegmentID(shm.ImportNonexec),
	}
	r.dats = append(r.dats, d)
	r.LogDebug("declared %s index=%d set=%d elem=%d placement=%s", name, d.Index, set, elemSize, d.placement)
	return d, nil
}

// Setup negotiates the remote offsets of an array with its neighbours. It
// blocks until every export neighbour has sent its offsets. Heap
// exhaustion under DynamicPlacement is returned as ResourceExhaustion
// before anything is sent; every other failure is fatal.
func (r *Runtime) Setup(ctx context.Context, d *Dat) error {
	if d.released {
		return r.fatal(SetupError, "setup", d, ErrReleased)
	}
	if d.ready {
		return nil
	}
	defer r.perf.Start(r.rank, d.Name, "", perf.KindSetup, 0)()

	base, err := d.placement.reserve(r, d.need)
	if err != nil {
		if _, ok := err.(shm.InsufficientMemory); ok {
			r.LogError("setup %s: heap exhausted: %s", d.Name, err)
			return &Error{Kind: ResourceExhaustion, Op: "setup", Dat: d.Name, Err: err}
		}
		return r.fatal(SetupError, "setup", d, err)
	}
	d.base = base
	d.exec.localBase = base.ExportExec
	d.nonexec.localBase = base.ExportNonexec

	// Local receive offsets, exec halo first
	es := d.ElemSize
	owned := d.lists.Owned
	for i, src := range d.exec.imports.Ranks {
		d.exec.recv = append(d.exec.recv, RecvDescriptor{
			SourceRank:    src,
			SegmentOffset: shm.Offset(base.ImportExec + d.exec.imports.Disps[i]*es),
			Dest:          (owned + d.exec.imports.Disps[i]) * es,
			Size:          d.exec.imports.Sizes[i] * es,
		})
	}
	for i, src := range d.nonexec.imports.Ranks {
		d.nonexec.recv = append(d.nonexec.recv, RecvDescriptor{
			SourceRank:    src,
			SegmentOffset: shm.Offset(base.ImportNonexec + d.nonexec.imports.Disps[i]*es),
			Dest:          (owned + d.exec.imports.Size + d.nonexec.imports.Disps[i]) * es,
			Size:          d.nonexec.imports.Sizes[i] * es,
		})
	}

	for _, ch := range d.channels() {
		if err := r.sendOffsets(ctx, d, ch); err != nil {
			return err
		}
	}
	for _, ch := range d.channels() {
		if err := r.recvOffsets(ctx, d, ch); err != nil {
			return err
		}
		ch.ack = make([]bool, len(ch.export.Ranks))
	}

	d.ready = true
	r.LogInfo("setup %s: base %+v, remote exec %v nonexec %v", d.Name, d.base, d.exec.remote, d.nonexec.remote)
	return nil
}

// sendOffsets tells every import neighbour where to write.
func (r *Runtime) sendOffsets(ctx context.Context, d *Dat, ch *channel) error {
	for _, rd := range ch.recv {
		var msg [8]byte
		binary.BigEndian.PutUint64(msg[:], uint64(rd.SegmentOffset))
		sctx, cancel := r.bounded(ctx)
		err := r.fabric.Send(sctx, rd.SourceRank, ch.tag, msg[:])
		cancel()
		if err != nil {
			return r.fatal(transportKind(err), "setup", d, fmt.Errorf("send %s offset to rank %d: %w", ch.name, rd.SourceRank, err))
		}
		r.LogMsg("Send[%d]:offset %s tag=%#x off=%d", rd.SourceRank, ch.name, ch.tag, rd.SegmentOffset)
	}
	return nil
}

// recvOffsets fills the remote offset table from every export neighbour.
func (r *Runtime) recvOffsets(ctx context.Context, d *Dat, ch *channel) error {
	ch.remote = make([]shm.Offset, len(ch.export.Ranks))
	for i, dest := range ch.export.Ranks {
		rctx, cancel := r.bounded(ctx)
		msg, err := r.fabric.Recv(rctx, dest, ch.tag)
		cancel()
		if err != nil {
			return r.fatal(transportKind(err), "setup", d, fmt.Errorf("receive %s offset from rank %d: %w", ch.name, dest, err))
		}
		if len(msg) != 8 {
			return r.fatal(ProtocolViolation, "setup", d, ErrBadOffsetFrame)
		}
		ch.remote[i] = shm.Offset(binary.BigEndian.Uint64(msg))
		r.LogMsg("Recv[%d]:offset %s tag=%#x off=%d", dest, ch.name, ch.tag, ch.remote[i])
	}
	return nil
}

// Release returns the heap blocks of a dynamic array. Static regions are
// never reclaimed. The array cannot be used afterwards.
func (r *Runtime) Release(d *Dat) error {
	if d.sent {
		return r.fatal(ProtocolViolation, "release", d, ErrInFlight)
	}
	if d.released {
		return nil
	}
	if d.ready {
		if err := d.placement.release(r, d.base, d.need); err != nil {
			return r.fatal(ProtocolViolation, "release", d, err)
		}
	}
	d.ready = false
	d.released = true
	r.LogDebug("released %s", d.Name)
	return nil
}
