/*
Package halo implements the halo exchange runtime: offset negotiation,
flow controlled one-sided exchange and completion of data arrays that are
partitioned across ranks.

This file contains the Runtime, its logging and the fatal path.
*/
package halo

import (
	"context"
	"os"
	"time"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/configs"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/fabric"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/halolist"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/perf"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options tune a Runtime. The zero value bounds waits by
// configs.DefaultTimeoutMs and aborts the process on fatal errors.
type Options struct {
	Timeout    time.Duration   // bound on every blocking wait, 0 uses the default
	DebugLevel int             // 0=None, 1=Error, 2=Info 3=Msg 4=Debug
	Perf       *perf.Registry  // optional timing registry
	OnFatal    func(err error) // replaces the default abort
}

// OptionsFromConfig builds the options of a configured run
func OptionsFromConfig(cfg configs.Config, p *perf.Registry) Options {
	return Options{Timeout: cfg.Timeout(), DebugLevel: cfg.DebugLevel, Perf: p}
}

// Runtime encapsulates the halo exchange state of one rank
type Runtime struct {
	rank       int                // This rank
	size       int                // Number of ranks in the world
	fabric     fabric.Fabric      // Connection to the other ranks
	registry   *halolist.Registry // Halo lists per set
	timeout    time.Duration      // Bound on blocking waits
	counters   Regions            // Bytes handed out per static segment
	capacity   Regions            // Size of each static segment
	heaps      shm.Heaps          // Heaps over the dynamic segments
	dats       []*Dat             // Arrays in registration order
	perf       *perf.Registry     // Timing registry, may be nil
	log        zerolog.Logger     // Logger tagged with the rank
	debugLevel int                // Debug level 0= None, 1=Error, 2=Info 3=Msg 4=Debug

	// OnFatal is called with every fatal error before the failing call
	// returns it. The default logs and exits the process.
	OnFatal func(err error)
}

// NewRuntime creates the runtime of the rank behind f. Static segments
// found on f bound the static placement; dynamic segments found on f get
// a heap.
func NewRuntime(f fabric.Fabric, reg *halolist.Registry, opts Options) (*Runtime, error) {
	if f.Size() > MaxRanks {
		return nil, &Error{Kind: SetupError, Op: "init", Err: fabric.UnknownRank(f.Size() - 1)}
	}
	r := &Runtime{
		rank:       f.Rank(),
		size:       f.Size(),
		fabric:     f,
		registry:   reg,
		timeout:    opts.Timeout,
		heaps:      make(shm.Heaps),
		perf:       opts.Perf,
		log:        log.With().Int("rank", f.Rank()).Logger(),
		debugLevel: opts.DebugLevel,
		OnFatal:    opts.OnFatal,
	}
	if r.timeout <= 0 {
		r.timeout = time.Duration(configs.DefaultTimeoutMs) * time.Millisecond
	}
	if r.registry == nil {
		r.registry = halolist.NewRegistry()
	}
	if r.OnFatal == nil {
		r.OnFatal = r.abort
	}

	for _, role := range roles {
		if seg, err := f.Segment(role); err == nil {
			r.capacity.Set(role, seg.Size())
		}
		if seg, err := f.Segment(role.Dynamic()); err == nil && seg.Size() > 0 {
			r.heaps[role.Dynamic()] = shm.NewSegmentHeap(seg)
		}
	}
	r.LogInfo("runtime up: %d ranks, static %+v, %d heaps", r.size, r.capacity, len(r.heaps))
	return r, nil
}

// Rank gets the rank of this process
func (r *Runtime) Rank() int {
	return r.rank
}

// Size gets the number of ranks
func (r *Runtime) Size() int {
	return r.size
}

// Registry gets the halo list registry
func (r *Runtime) Registry() *halolist.Registry {
	return r.registry
}

// SegmentSizes gets the bytes handed out so far per static segment. The
// values never decrease.
func (r *Runtime) SegmentSizes() Regions {
	return r.counters
}

// Heap gets the heap of a dynamic segment or nil
func (r *Runtime) Heap(id shm.SegmentID) *shm.Heap {
	return r.heaps[id]
}

// Dats lists the declared arrays in registration order
func (r *Runtime) Dats() []*Dat {
	return r.dats
}

// Exit releases every dynamic array and logs the timing summary.
func (r *Runtime) Exit() error {
	var first error
	for _, d := range r.dats {
		if d.released || !d.ready {
			continue
		}
		if err := r.Release(d); err != nil && first == nil {
			first = err
		}
	}
	for _, st := range r.perf.Summary() {
		r.LogInfo("perf %s/%s: count=%d bytes=%d total=%s mean=%s", st.Dat, st.Kind, st.Count, st.Bytes, st.Total, st.Mean)
	}
	return first
}

func (r *Runtime) SetDebug(level int) {
	r.debugLevel = level
}
func (r *Runtime) LogError(f string, a ...interface{}) {
	if r.debugLevel > 0 {
		r.log.Error().Msgf(f, a...)
	}
}
func (r *Runtime) LogInfo(f string, a ...interface{}) {
	if r.debugLevel > 1 {
		r.log.Info().Msgf(f, a...)
	}
}
func (r *Runtime) LogMsg(f string, a ...interface{}) {
	if r.debugLevel > 2 {
		r.log.Debug().Msgf(f, a...)
	}
}
func (r *Runtime) LogDebug(f string, a ...interface{}) {
	if r.debugLevel > 3 {
		r.log.Trace().Msgf(f, a...)
	}
}

// fatal classifies err, reports it and hands it to OnFatal.
func (r *Runtime) fatal(kind Kind, op string, d *Dat, err error) error {
	e := &Error{Kind: kind, Op: op, Err: err}
	if d != nil {
		e.Dat = d.Name
	}
	r.log.Error().Str("kind", kind.String()).Str("op", op).Str("dat", e.Dat).Err(err).Msg("fatal halo error")
	r.OnFatal(e)
	return e
}

func (r *Runtime) abort(err error) {
	r.log.WithLevel(zerolog.FatalLevel).Err(err).Msg("aborting")
	os.Exit(1)
}

// bounded derives the context of one blocking step
func (r *Runtime) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}
