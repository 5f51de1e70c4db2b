/*
Package main implements a 1-D Jacobi smoother over a chain partition of
ranks. Every rank owns a band of the grid and exchanges one boundary point
with each neighbour per iteration through the halo runtime.

The grid holds the fixed values 1 at the left end and 0 at the right end;
every interior point becomes the mean of its two neighbours each
iteration. The root prints the residual of the last iteration.

Run all ranks in one process:

	jacobi -loopback 4

or one rank of a TCP world, optionally deploying the other ranks first:

	jacobi -config config.json [-launch]
*/
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/configs"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/fabric"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/halo"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/halolist"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/ipc"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/perf"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/tipc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Set is the id of the grid set
const Set = 0

// residualTag carries the per-rank residuals to the root. It is above
// every negotiation tag.
const residualTag = 1 << 30

// Problem describes one run
type Problem struct {
	Owned      int // grid points per rank
	Iterations int
	Dynamic    bool // place the halo buffers in the segment heaps
}

func main() {
	loopback := flag.Int("loopback", 0, "run this many ranks in one process")
	config := flag.String("config", "", "config file of a TCP world")
	launch := flag.Bool("launch", false, "deploy the other ranks of the config over SSH")
	owned := flag.Int("owned", 64, "grid points per rank")
	iters := flag.Int("iters", 100, "iterations")
	dynamic := flag.Bool("dynamic", false, "use heap placement for the halo buffers")
	debug := flag.Int("debug", 1, "debug level 0-4")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	p := Problem{Owned: *owned, Iterations: *iters, Dynamic: *dynamic}

	var res float64
	var err error
	switch {
	case *loopback > 0:
		res, err = RunLoopback(context.Background(), *loopback, p, *debug)
	case *config != "":
		res, err = runConfig(context.Background(), *config, *launch, p)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("jacobi failed")
	}
	if res >= 0 {
		fmt.Printf("residual after %d iterations: %.6e\n", p.Iterations, res)
	}
}

// RunLoopback runs n ranks as goroutines over an in-process fabric and
// returns the root's residual.
func RunLoopback(ctx context.Context, n int, p Problem, debug int) (float64, error) {
	cfg := configs.Default()
	eps, err := fabric.NewLoopback(n, shm.Layout(cfg.SegmentSize, cfg.HeapSize))
	if err != nil {
		return 0, err
	}
	defer func() {
		for _, ep := range eps {
			ep.Close()
		}
	}()

	reg := perf.NewRegistry()
	results := make([]float64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank, ep := range eps {
		wg.Add(1)
		go func(rank int, f fabric.Fabric) {
			defer wg.Done()
			opts := halo.Options{Timeout: cfg.Timeout(), DebugLevel: debug, Perf: reg}
			results[rank], errs[rank] = Run(ctx, f, nil, opts, p)
		}(rank, ep)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return 0, err
		}
	}
	return results[0], nil
}

func runConfig(ctx context.Context, file string, launch bool, p Problem) (float64, error) {
	cfg, err := configs.ReadConfig(file)
	if err != nil {
		return 0, err
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	if launch {
		bin, err := os.Executable()
		if err != nil {
			return 0, err
		}
		n, _, err := ipc.StartNodes(cfg.Hosts, bin, cfg)
		if err != nil {
			return 0, err
		}
		if n != cfg.Size()-1 {
			return 0, fmt.Errorf("started %d of %d remote ranks", n, cfg.Size()-1)
		}
	}

	var lists *halolist.Registry
	if cfg.HaloLists != "" {
		if lists, err = halolist.Load(cfg.HaloLists); err != nil {
			return 0, err
		}
	}

	reg := perf.NewRegistry()
	defer reg.Close()
	if cfg.PerfDB != "" {
		sink, err := perf.OpenSQLite(cfg.PerfDB)
		if err != nil {
			return 0, err
		}
		reg.AddSink(sink)
	}

	conn, err := tipc.NewConnection(cfg, shm.Layout(cfg.SegmentSize, cfg.HeapSize))
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	err = conn.Connect(cctx)
	cancel()
	if err != nil {
		return 0, err
	}

	res, err := Run(ctx, conn, lists, halo.OptionsFromConfig(cfg, reg), p)
	if conn.Rank() != 0 {
		res = -1
	}
	return res, err
}

// Run is the body of one rank. A nil registry builds the chain lists of
// the grid. It returns the global residual on rank 0 and the local one
// elsewhere.
func Run(ctx context.Context, f fabric.Fabric, lists *halolist.Registry, opts halo.Options, p Problem) (float64, error) {
	rank, size := f.Rank(), f.Size()
	if lists == nil {
		var err error
		if lists, err = halolist.ChainRegistry(rank, size, p.Owned, 1, Set); err != nil {
			return 0, err
		}
	}
	rt, err := halo.NewRuntime(f, lists, opts)
	if err != nil {
		return 0, err
	}
	l, err := lists.Lists(Set)
	if err != nil {
		return 0, err
	}

	var place halo.Placement = halo.StaticPlacement{}
	if p.Dynamic {
		place = halo.DynamicPlacement{}
	}
	u, err := rt.Declare(Set, "u", 8, make([]byte, l.Elements()*8), place)
	if err != nil {
		return 0, err
	}
	if err := rt.Setup(ctx, u); err != nil {
		return 0, err
	}

	g := newGrid(rank, size, p.Owned)
	g.init(u.Data)
	arg := halo.ArgDat(u, halo.Read, true)

	res := 0.0
	for it := 0; it < p.Iterations; it++ {
		rt.SetDirty(u)
		if err := rt.Exchange(ctx, arg, true); err != nil {
			return 0, err
		}
		if err := rt.Wait(ctx, arg); err != nil {
			return 0, err
		}
		res = g.step(u.Data)
	}
	rt.LogInfo("local residual %.6e", res)

	total, err := reduce(ctx, f, res)
	if err != nil {
		return 0, err
	}
	return total, rt.Exit()
}

// reduce sums the residuals of all ranks on rank 0.
func reduce(ctx context.Context, f fabric.Fabric, res float64) (float64, error) {
	if f.Rank() != 0 {
		var msg [8]byte
		binary.BigEndian.PutUint64(msg[:], math.Float64bits(res))
		return res, f.Send(ctx, 0, residualTag, msg[:])
	}
	for src := 1; src < f.Size(); src++ {
		msg, err := f.Recv(ctx, src, residualTag)
		if err != nil {
			return 0, err
		}
		if len(msg) != 8 {
			return 0, fmt.Errorf("residual from rank %d is %d bytes", src, len(msg))
		}
		res += math.Float64frombits(binary.BigEndian.Uint64(msg))
	}
	return res, nil
}

// grid maps the band of one rank onto the array elements
type grid struct {
	rank, size, owned int
	left, right       int // element of each neighbour's boundary point, -1 if none
	next              []float64
}

func newGrid(rank, size, owned int) *grid {
	g := &grid{rank: rank, size: size, owned: owned, left: -1, right: -1, next: make([]float64, owned)}
	h := owned
	if rank > 0 {
		g.left = h
		h++
	}
	if rank < size-1 {
		g.right = h
	}
	return g
}

func (g *grid) init(data []byte) {
	for i := 0; i < g.owned; i++ {
		set(data, i, 0)
	}
	if g.rank == 0 {
		set(data, 0, 1)
	}
}

// step updates the owned points and returns the sum of their changes.
func (g *grid) step(data []byte) float64 {
	for i := 0; i < g.owned; i++ {
		if g.fixed(i) {
			g.next[i] = get(data, i)
			continue
		}
		var a, b float64
		if i == 0 {
			a = get(data, g.left)
		} else {
			a = get(data, i-1)
		}
		if i == g.owned-1 {
			b = get(data, g.right)
		} else {
			b = get(data, i+1)
		}
		g.next[i] = (a + b) / 2
	}
	res := 0.0
	for i, v := range g.next {
		res += math.Abs(v - get(data, i))
		set(data, i, v)
	}
	return res
}

// fixed reports whether owned point i is a boundary of the whole grid
func (g *grid) fixed(i int) bool {
	return (g.rank == 0 && i == 0) || (g.rank == g.size-1 && i == g.owned-1)
}

func get(data []byte, i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
}

func set(data []byte, i int, v float64) {
	binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
}
