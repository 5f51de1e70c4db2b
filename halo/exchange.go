/*
Package halo implements the halo exchange runtime: offset negotiation,
flow controlled one-sided exchange and completion of data arrays that are
partitioned across ranks.

This file contains the send side of the exchange. Each export neighbour's
elements are gathered into the export segment and written to the
neighbour's import segment. A neighbour's buffer is only written again
once it has acknowledged draining the previous write.
*/
package halo

import (
	"context"
	"fmt"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/fabric"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/perf"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

// SetDirty marks the owned data of an array as changed.
func (r *Runtime) SetDirty(d *Dat) {
	d.dirty = true
}

// SetDirtyArgs marks every array a loop wrote to.
func (r *Runtime) SetDirtyArgs(args []Arg) {
	for _, a := range args {
		if a.Opt && a.Dat != nil && (a.Acc == Write || a.Acc == RW || a.Acc == Inc) {
			a.Dat.dirty = true
		}
	}
}

// Exchange sends the boundary elements of an array to its neighbours.
// execFlag is set when the loop also executes over the exec halo. The call
// only blocks while a neighbour has not drained the previous round.
func (r *Runtime) Exchange(ctx context.Context, arg Arg, execFlag bool) error {
	d := arg.Dat
	if !arg.Opt {
		return nil
	}
	if d == nil {
		return r.fatal(ProtocolViolation, "exchange", nil, ErrNoDat)
	}
	if d.sent {
		return r.fatal(ProtocolViolation, "exchange", d, ErrInFlight)
	}
	if !execFlag && !arg.Indirect {
		return nil
	}
	if (arg.Acc != Read && arg.Acc != RW) || !d.dirty {
		return nil
	}
	if !d.ready {
		err := ErrNotReady
		if d.released {
			err = ErrReleased
		}
		return r.fatal(SetupError, "exchange", d, err)
	}

	for _, ch := range d.channels() {
		if err := r.exchangeChannel(ctx, d, ch); err != nil {
			return err
		}
	}

	d.dirty = false
	d.sent = d.exporting() || d.importing()
	return nil
}

// ExchangeAll exchanges every argument of a loop
func (r *Runtime) ExchangeAll(ctx context.Context, args []Arg, execFlag bool) error {
	for _, a := range args {
		if a.Dat == nil {
			continue
		}
		if err := r.Exchange(ctx, a, execFlag); err != nil {
			return err
		}
	}
	return nil
}

// ExchangePartial would exchange only the elements reached through one
// mapping. It is not supported.
func (r *Runtime) ExchangePartial(ctx context.Context, arg Arg, mapIndex int) error {
	return r.fatal(ProtocolViolation, "exchange partial", arg.Dat, ErrPartial)
}

func (r *Runtime) exchangeChannel(ctx context.Context, d *Dat, ch *channel) error {
	if len(ch.export.Ranks) == 0 {
		return nil
	}
	seg, err := r.fabric.Segment(ch.exportSeg)
	if err != nil {
		return r.fatal(SetupError, "exchange", d, err)
	}
	notif, err := EncodeNotification(d.Index, r.rank)
	if err != nil {
		return r.fatal(ProtocolViolation, "exchange", d, err)
	}

	es := d.ElemSize
	for i, dest := range ch.export.Ranks {
		// Gather into the staging region of this neighbour
		off := ch.localBase + ch.export.Disps[i]*es
		size := ch.export.Sizes[i] * es
		buf := make([]byte, size)
		for k, e := range ch.export.Slice(i) {
			copy(buf[k*es:(k+1)*es], d.Data[e*es:(e+1)*es])
		}

		if ch.ack[i] {
			if err := r.waitAck(ctx, d, ch, seg, i); err != nil {
				return err
			}
		}

		if err := seg.WriteAt(shm.Offset(off), buf); err != nil {
			return r.fatal(SetupError, "exchange", d, err)
		}
		stop := r.perf.Start(r.rank, d.Name, ch.name, perf.KindSend, size)
		wctx, cancel := r.bounded(ctx)
		err := r.fabric.WriteNotify(wctx, fabric.WriteRequest{
			Dest:          dest,
			LocalSegment:  ch.exportSeg,
			LocalOffset:   shm.Offset(off),
			RemoteSegment: ch.importSeg,
			RemoteOffset:  ch.remote[i],
			Size:          size,
			Notification:  notif,
			Value:         DataWritten,
		})
		cancel()
		stop()
		if err != nil {
			return r.fatal(transportKind(err), "exchange", d, fmt.Errorf("write %s to rank %d: %w", ch.name, dest, err))
		}
		ch.ack[i] = true
		d.stats.Sends++
		r.LogMsg("Send[%d]:%s %s %d bytes at %d", dest, d.Name, ch.name, size, ch.remote[i])
	}
	return nil
}

// waitAck blocks until export neighbour i has drained the previous write.
// The receiver raises the acknowledgement twice, first with AckNotified
// and then with AckCopied; only the latter frees the buffer.
func (r *Runtime) waitAck(ctx context.Context, d *Dat, ch *channel, seg *shm.Segment, i int) error {
	dest := ch.export.Ranks[i]
	id, err := EncodeNotification(d.Index, dest)
	if err != nil {
		return r.fatal(ProtocolViolation, "exchange", d, err)
	}

	stop := r.perf.Start(r.rank, d.Name, ch.name, perf.KindAckWait, 0)
	wctx, cancel := r.bounded(ctx)
	err = seg.WaitValue(wctx, id, AckCopied)
	cancel()
	stop()
	if err != nil {
		return r.fatal(transportKind(err), "exchange", d, fmt.Errorf("ack from rank %d: %w", dest, err))
	}

	index, rank, err := DecodeNotification(id)
	if err != nil || index != d.Index || rank != dest {
		return r.fatal(ProtocolViolation, "exchange", d, ErrIndexMismatch)
	}
	if val := seg.Reset(id); val != AckCopied {
		return r.fatal(ProtocolViolation, "exchange", d, fmt.Errorf("%w: %d from rank %d", ErrBadAck, val, dest))
	}
	ch.ack[i] = false
	d.stats.AcksReceived++
	r.LogDebug("ack %s %s from %d", d.Name, ch.name, dest)
	return nil
}
