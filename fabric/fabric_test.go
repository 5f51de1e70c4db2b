/*
Package fabric defines the transport contract used by the halo exchange:
two-sided control messages for setup and one-sided writes with completion
notifications for the data path.

This file implements the unit tests for the loopback world and the mailbox.
*/
package fabric

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

var testSizes = map[shm.SegmentID]int{shm.ExportExec: 256, shm.ImportExec: 256}

func newWorld(t *testing.T, n int) []*Endpoint {
	eps, err := NewLoopback(n, testSizes)
	if err != nil {
		t.Fatalf("[TEST] NewLoopback failed: %s", err)
	}
	t.Cleanup(func() {
		for _, ep := range eps {
			ep.Close()
		}
	})
	return eps
}

func TestLoopbackSendRecvOrder(t *testing.T) {
	eps := newWorld(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	eps[0].Send(ctx, 1, 5, []byte("first"))
	eps[0].Send(ctx, 1, 5, []byte("second"))
	eps[0].Send(ctx, 1, 6, []byte("other"))

	msg, err := eps[1].Recv(ctx, 0, 6)
	if err != nil || string(msg) != "other" {
		t.Errorf("[TEST] Recv tag 6 returned %q, %v", msg, err)
	}
	msg, _ = eps[1].Recv(ctx, 0, 5)
	if string(msg) != "first" {
		t.Errorf("[TEST] Messages out of order, got %q", msg)
	}
	msg, _ = eps[1].Recv(ctx, 0, 5)
	if string(msg) != "second" {
		t.Errorf("[TEST] Messages out of order, got %q", msg)
	}
}

func TestLoopbackSendCopiesPayload(t *testing.T) {
	eps := newWorld(t, 2)
	ctx := context.Background()

	buf := []byte{1, 2, 3}
	eps[1].Send(ctx, 0, 1, buf)
	buf[0] = 9
	msg, _ := eps[0].Recv(ctx, 1, 1)
	if msg[0] != 1 {
		t.Errorf("[TEST] Send did not copy the payload")
	}
}

func TestLoopbackRecvTimeout(t *testing.T) {
	eps := newWorld(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := eps[0].Recv(ctx, 1, 3); err != context.DeadlineExceeded {
		t.Errorf("[TEST] Recv returned %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestLoopbackWriteNotify(t *testing.T) {
	eps := newWorld(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	src, _ := eps[0].Segment(shm.ExportExec)
	src.WriteAt(16, []byte("halo"))

	err := eps[0].WriteNotify(ctx, WriteRequest{
		Dest:          1,
		LocalSegment:  shm.ExportExec,
		LocalOffset:   16,
		RemoteSegment: shm.ImportExec,
		RemoteOffset:  64,
		Size:          4,
		Notification:  1<<10 | 0,
		Value:         1,
	})
	if err != nil {
		t.Fatalf("[TEST] WriteNotify failed: %s", err)
	}

	dst, _ := eps[1].Segment(shm.ImportExec)
	id, err := dst.WaitSome(ctx, 1<<10, 1<<10)
	if err != nil || id != 1<<10 {
		t.Fatalf("[TEST] WaitSome returned %d, %v", id, err)
	}
	data, _ := dst.ReadAt(64, 4)
	if !bytes.Equal(data, []byte("halo")) {
		t.Errorf("[TEST] Data did not land before the notification, got %q", data)
	}
}

func TestLoopbackNotify(t *testing.T) {
	eps := newWorld(t, 3)
	ctx := context.Background()
	if err := eps[2].Notify(ctx, 0, shm.ExportExec, 7, 1); err != nil {
		t.Fatalf("[TEST] Notify failed: %s", err)
	}
	seg, _ := eps[0].Segment(shm.ExportExec)
	if seg.Pending(7) != 1 {
		t.Errorf("[TEST] Notification not raised on the peer segment")
	}
}

func TestLoopbackErrors(t *testing.T) {
	eps := newWorld(t, 2)
	ctx := context.Background()

	if _, ok := eps[0].Send(ctx, 5, 0, nil).(UnknownRank); !ok {
		t.Errorf("[TEST] Send to an unknown rank did not return UnknownRank")
	}
	if _, err := eps[0].Segment(shm.ImportNonexec); err == nil {
		t.Errorf("[TEST] Unregistered segment returned no error")
	}
	eps[1].Close()
	if _, ok := eps[0].Notify(ctx, 1, shm.ExportExec, 1, 1).(Closed); !ok {
		t.Errorf("[TEST] Notify to a closed rank did not return Closed")
	}
	if _, err := eps[1].Recv(ctx, 0, 0); err == nil {
		t.Errorf("[TEST] Recv on a closed endpoint did not return error")
	}
}

func TestMailboxCloseWakesReceiver(t *testing.T) {
	m := NewMailbox(4)
	done := make(chan error)
	go func() {
		_, err := m.Take(context.Background(), 0, 0)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	m.Close()
	select {
	case err := <-done:
		if _, ok := err.(Closed); !ok {
			t.Errorf("[TEST] Take returned %v, want Closed", err)
		}
	case <-time.After(time.Second):
		t.Errorf("[TEST] Close did not wake the receiver")
	}
}
