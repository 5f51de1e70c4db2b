/*
Package tipc implements the fabric over TCP between processes.

This file implements the unit tests for the TCP fabric between two ranks
on localhost.
*/
package tipc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/configs"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/fabric"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

var testSizes = map[shm.SegmentID]int{shm.ExportExec: 128, shm.ImportExec: 128}

// freeBasePort finds n consecutive free ports on localhost.
func freeBasePort(t *testing.T, n int) int {
	for base := 20000 + (time.Now().Nanosecond()/1000)%20000; base < 60000; base += n {
		ok := true
		for i := 0; i < n && ok; i++ {
			l, err := net.Listen("tcp", fmt.Sprint(":", base+i))
			if err != nil {
				ok = false
				continue
			}
			l.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatalf("[TEST] No free ports")
	return 0
}

func newPair(t *testing.T) (*IpcConn, *IpcConn) {
	cfg := configs.Local(2, freeBasePort(t, 2))
	cfg.TimeoutMs = 2000

	conns := make([]*IpcConn, 2)
	for r := range conns {
		c, err := NewConnection(cfg.ForRank(r), testSizes)
		if err != nil {
			t.Fatalf("[TEST] NewConnection(%d) failed: %s", r, err)
		}
		conns[r] = c
	}
	t.Cleanup(func() {
		conns[0].Close()
		conns[1].Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make(chan error, 2)
	for _, c := range conns {
		go func(c *IpcConn) { errs <- c.Connect(ctx) }(c)
	}
	for range conns {
		if err := <-errs; err != nil {
			t.Fatalf("[TEST] Connect failed: %s", err)
		}
	}
	return conns[0], conns[1]
}

func TestControlMessages(t *testing.T) {
	a, b := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := a.Send(ctx, 1, 3, []byte{0, 0, 0, 0, 0, 0, 0, 42}); err != nil {
		t.Fatalf("[TEST] Send failed: %s", err)
	}
	a.Send(ctx, 1, 3|1<<20, []byte{7})

	msg, err := b.Recv(ctx, 0, 3|1<<20)
	if err != nil || !bytes.Equal(msg, []byte{7}) {
		t.Errorf("[TEST] Recv non-exec tag returned %v, %v", msg, err)
	}
	msg, err = b.Recv(ctx, 0, 3)
	if err != nil || msg[7] != 42 {
		t.Errorf("[TEST] Recv exec tag returned %v, %v", msg, err)
	}
}

func TestWriteNotify(t *testing.T) {
	a, b := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	src, _ := b.Segment(shm.ExportExec)
	src.WriteAt(8, []byte("boundary"))
	err := b.WriteNotify(ctx, fabric.WriteRequest{
		Dest:          0,
		LocalSegment:  shm.ExportExec,
		LocalOffset:   8,
		RemoteSegment: shm.ImportExec,
		RemoteOffset:  32,
		Size:          8,
		Notification:  2<<10 | 1,
		Value:         1,
	})
	if err != nil {
		t.Fatalf("[TEST] WriteNotify failed: %s", err)
	}

	dst, _ := a.Segment(shm.ImportExec)
	id, err := dst.WaitSome(ctx, 2<<10, 1<<10)
	if err != nil || id != 2<<10|1 {
		t.Fatalf("[TEST] WaitSome returned %d, %v", id, err)
	}
	data, _ := dst.ReadAt(32, 8)
	if string(data) != "boundary" {
		t.Errorf("[TEST] Data did not land before the notification, got %q", data)
	}

	// Acknowledge back on the writer's export segment
	a.Notify(ctx, 1, shm.ExportExec, 2<<10|0, 1)
	ack, _ := b.Segment(shm.ExportExec)
	if _, err := ack.WaitSome(ctx, 2<<10, 1); err != nil {
		t.Errorf("[TEST] Ack not received: %s", err)
	}
}

func TestSendToSelf(t *testing.T) {
	a, _ := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Send(ctx, 0, 9, []byte("loop"))
	msg, err := a.Recv(ctx, 0, 9)
	if err != nil || string(msg) != "loop" {
		t.Errorf("[TEST] Self send returned %q, %v", msg, err)
	}
}

func TestUnknownRank(t *testing.T) {
	a, _ := newPair(t)
	if _, ok := a.Send(context.Background(), 4, 0, nil).(fabric.UnknownRank); !ok {
		t.Errorf("[TEST] Send to rank 4 did not return UnknownRank")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	data := bytes.Repeat([]byte{0xAB}, 300)
	go writeMsg(c1, data)
	got, err := readMsg(c2)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("[TEST] readMsg returned %d bytes, %v", len(got), err)
	}
}
