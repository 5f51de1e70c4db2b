/*
Package halo implements the halo exchange runtime: offset negotiation,
flow controlled one-sided exchange and completion of data arrays that are
partitioned across ranks.

This file implements the loopback test world shared by the unit tests.
*/
package halo

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/configs"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/fabric"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/halolist"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/perf"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

// testWorld is n runtimes over a loopback fabric. Fatal errors are
// recorded instead of exiting.
type testWorld struct {
	rts    []*Runtime
	eps    []*fabric.Endpoint
	mutex  *sync.Mutex
	fatals [][]error
}

func newTestWorld(t *testing.T, n, segSize, heapSize int, timeout time.Duration, reg func(rank int) *halolist.Registry) *testWorld {
	eps, err := fabric.NewLoopback(n, shm.Layout(segSize, heapSize))
	if err != nil {
		t.Fatalf("[TEST] NewLoopback failed: %s", err)
	}
	w := &testWorld{eps: eps, mutex: new(sync.Mutex), fatals: make([][]error, n)}
	for rank, ep := range eps {
		rank := rank
		rt, err := NewRuntime(ep, reg(rank), Options{
			Timeout:    timeout,
			DebugLevel: 0,
			Perf:       perf.NewRegistry(),
			OnFatal: func(err error) {
				w.mutex.Lock()
				w.fatals[rank] = append(w.fatals[rank], err)
				w.mutex.Unlock()
			},
		})
		if err != nil {
			t.Fatalf("[TEST] NewRuntime failed: %s", err)
		}
		w.rts = append(w.rts, rt)
	}
	t.Cleanup(func() {
		for _, ep := range eps {
			ep.Close()
		}
	})
	return w
}

func (w *testWorld) fatalCount(rank int) int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.fatals[rank])
}

// parallel runs fn on every rank concurrently and fails on any error.
func (w *testWorld) parallel(t *testing.T, fn func(rank int, rt *Runtime) error) {
	t.Helper()
	errs := make([]error, len(w.rts))
	var wg sync.WaitGroup
	for rank, rt := range w.rts {
		wg.Add(1)
		go func(rank int, rt *Runtime) {
			defer wg.Done()
			errs[rank] = fn(rank, rt)
		}(rank, rt)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("[TEST] rank %d: %s", rank, err)
		}
	}
}

func chainRegistry(nranks, owned, depth int, sets ...int) func(rank int) *halolist.Registry {
	return func(rank int) *halolist.Registry {
		reg, err := halolist.ChainRegistry(rank, nranks, owned, depth, sets...)
		if err != nil {
			panic(err)
		}
		return reg
	}
}

func putElem(data []byte, i int, v uint64) {
	binary.LittleEndian.PutUint64(data[i*8:], v)
}

func getElem(data []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(data[i*8:])
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRuntimeSegments(t *testing.T) {
	w := newTestWorld(t, 2, 1024, 4096, time.Second, chainRegistry(2, 8, 2, 0))
	rt := w.rts[1]
	if rt.Rank() != 1 || rt.Size() != 2 {
		t.Errorf("[TEST] Rank/Size were %d/%d", rt.Rank(), rt.Size())
	}
	if rt.capacity.ImportNonexec != 1024 {
		t.Errorf("[TEST] Static capacity was %+v", rt.capacity)
	}
	if h := rt.Heap(shm.ExportExec.Dynamic()); h == nil || h.Size() != 4096 {
		t.Errorf("[TEST] Heap missing on the dynamic export segment")
	}
	if rt.Heap(shm.ExportExec) != nil {
		t.Errorf("[TEST] Static segment got a heap")
	}
}

func TestDeclareErrors(t *testing.T) {
	w := newTestWorld(t, 2, 1024, 0, time.Second, chainRegistry(2, 8, 2, 0))
	rt := w.rts[0]

	if _, err := rt.Declare(5, "q", 8, make([]byte, 1024), nil); !IsKind(err, SetupError) {
		t.Errorf("[TEST] Unknown set returned %v, want SetupError", err)
	}
	if _, err := rt.Declare(0, "q", 8, make([]byte, 8), nil); !IsKind(err, SetupError) {
		t.Errorf("[TEST] Short data returned %v, want SetupError", err)
	}
	if _, err := rt.Declare(0, "q", 0, make([]byte, 1024), nil); !IsKind(err, SetupError) {
		t.Errorf("[TEST] Zero element size returned %v, want SetupError", err)
	}
	if w.fatalCount(0) != 3 {
		t.Errorf("[TEST] Fatal handler called %d times, want 3", w.fatalCount(0))
	}

	d, err := rt.Declare(0, "q", 8, make([]byte, 8*12), nil)
	if err != nil {
		t.Fatalf("[TEST] Declare failed: %s", err)
	}
	if _, ok := d.Placement().(StaticPlacement); !ok {
		t.Errorf("[TEST] Default placement was %s", d.Placement())
	}
	if d.Owned() != 8 || d.Elements() != 11 {
		t.Errorf("[TEST] Owned/Elements were %d/%d", d.Owned(), d.Elements())
	}
	d.dirty = true
	if err := rt.Exchange(testCtx(t), ArgDat(d, Read, true), true); !IsKind(err, SetupError) {
		t.Errorf("[TEST] Exchange before Setup returned %v", err)
	}
	if err := rt.ExchangePartial(testCtx(t), ArgDat(d, Read, true), 0); !IsKind(err, ProtocolViolation) {
		t.Errorf("[TEST] ExchangePartial returned %v", err)
	}
}

func TestZeroTimeoutUsesDefault(t *testing.T) {
	w := newTestWorld(t, 1, 1024, 0, 0, chainRegistry(1, 8, 2, 0))
	rt := w.rts[0]
	want := time.Duration(configs.DefaultTimeoutMs) * time.Millisecond
	if rt.timeout != want {
		t.Errorf("[TEST] Timeout was %s, want %s", rt.timeout, want)
	}
	ctx, cancel := rt.bounded(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Errorf("[TEST] Blocking step without a deadline")
	}
}
