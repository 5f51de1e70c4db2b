/*
Package halo implements the halo exchange runtime: offset negotiation,
flow controlled one-sided exchange and completion of data arrays that are
partitioned across ranks.

This file contains the receive side of the exchange: waiting for inbound
writes, copying them into the halo and acknowledging them.
*/
package halo

import (
	"context"
	"fmt"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/perf"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

// Wait blocks until every neighbour's write for the current round has
// landed and been copied into the array's halo.
func (r *Runtime) Wait(ctx context.Context, arg Arg) error {
	d := arg.Dat
	if !arg.Opt {
		return nil
	}
	if d == nil {
		return r.fatal(ProtocolViolation, "wait", nil, ErrNoDat)
	}
	if !d.sent {
		return nil
	}
	for _, ch := range d.channels() {
		if err := r.waitChannel(ctx, d, ch); err != nil {
			return err
		}
	}
	d.sent = false
	return nil
}

// WaitAll waits for every argument of a loop
func (r *Runtime) WaitAll(ctx context.Context, args []Arg) error {
	for _, a := range args {
		if a.Dat == nil {
			continue
		}
		if err := r.Wait(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) waitChannel(ctx context.Context, d *Dat, ch *channel) error {
	if len(ch.recv) == 0 {
		return nil
	}
	seg, err := r.fabric.Segment(ch.importSeg)
	if err != nil {
		return r.fatal(SetupError, "wait", d, err)
	}
	begin, err := EncodeNotification(d.Index, 0)
	if err != nil {
		return r.fatal(ProtocolViolation, "wait", d, err)
	}
	ack, err := EncodeNotification(d.Index, r.rank)
	if err != nil {
		return r.fatal(ProtocolViolation, "wait", d, err)
	}

	// A fast neighbour may already have written the next round; its
	// notification stays pending until the next Wait.
	done := make(map[shm.NotificationID]bool, len(ch.recv))
	for range ch.recv {
		stop := r.perf.Start(r.rank, d.Name, ch.name, perf.KindRecv, 0)
		wctx, cancel := r.bounded(ctx)
		id, err := seg.WaitSomeExcept(wctx, begin, MaxRanks, done)
		cancel()
		stop()
		if err != nil {
			return r.fatal(transportKind(err), "wait", d, fmt.Errorf("%s notification: %w", ch.name, err))
		}

		index, src, err := DecodeNotification(id)
		if err != nil {
			return r.fatal(ProtocolViolation, "wait", d, err)
		}
		if index != d.Index {
			return r.fatal(ProtocolViolation, "wait", d, fmt.Errorf("%w: got index %d", ErrIndexMismatch, index))
		}
		seg.Reset(id)
		done[id] = true
		d.stats.Receives++

		rd, ok := ch.findRecv(src)
		if !ok {
			r.dumpDescriptors(d, ch)
			return r.fatal(ProtocolViolation, "wait", d, fmt.Errorf("%w %d", ErrNoDescriptor, src))
		}

		if err := r.sendAck(ctx, d, ch, src, ack, AckNotified); err != nil {
			return err
		}

		stopCopy := r.perf.Start(r.rank, d.Name, ch.name, perf.KindMemcpy, rd.Size)
		err = seg.CopyOut(d.Data[rd.Dest:rd.Dest+rd.Size], rd.SegmentOffset)
		stopCopy()
		if err != nil {
			return r.fatal(SetupError, "wait", d, err)
		}
		r.LogMsg("Recv[%d]:%s %s %d bytes", src, d.Name, ch.name, rd.Size)

		if err := r.sendAck(ctx, d, ch, src, ack, AckCopied); err != nil {
			return err
		}
	}
	return nil
}

// sendAck raises the acknowledgement on the source's export segment.
func (r *Runtime) sendAck(ctx context.Context, d *Dat, ch *channel, src int, id shm.NotificationID, val uint32) error {
	actx, cancel := r.bounded(ctx)
	err := r.fabric.Notify(actx, src, ch.exportSeg, id, val)
	cancel()
	if err != nil {
		return r.fatal(transportKind(err), "wait", d, fmt.Errorf("ack to rank %d: %w", src, err))
	}
	d.stats.AcksSent++
	return nil
}

func (r *Runtime) dumpDescriptors(d *Dat, ch *channel) {
	r.log.Error().Str("dat", d.Name).Str("channel", ch.name).Int("count", len(ch.recv)).Msg("dumping receive descriptors")
	for _, rd := range ch.recv {
		r.log.Error().Str("dat", d.Name).Stringer("descriptor", rd).Msg("")
	}
}
