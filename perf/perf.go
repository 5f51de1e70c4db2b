/*
Package perf implements the communication timing registry of a rank.

This file contains the in-memory registry that aggregates timing events
per data array and kind, and forwards them to optional sinks.
*/
package perf

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event kinds recorded by the halo runtime
const (
	KindSetup   = "setup"
	KindSend    = "send"
	KindAckWait = "ackwait"
	KindRecv    = "recv"
	KindMemcpy  = "memcpy"
)

// Event is one timed communication step.
type Event struct {
	Rank    int
	Dat     string
	Channel string // exec or nonexec
	Kind    string
	Bytes   int
	Elapsed time.Duration
	At      time.Time
}

// Stat aggregates the events of one (dat, kind) pair.
type Stat struct {
	Dat   string
	Kind  string
	Count int
	Bytes int64
	Total time.Duration
	Mean  time.Duration
}

// Sink receives every recorded event
type Sink interface {
	Write(e Event) error
	Close() error
}

type statKey struct {
	dat, kind string
}

// Registry collects the events of one rank. A nil *Registry discards
// everything, so callers do not need to check whether timing is enabled.
type Registry struct {
	mutex *sync.Mutex
	stats map[statKey]*Stat
	sinks []Sink
}

// NewRegistry creates an empty registry
func NewRegistry(sinks ...Sink) *Registry {
	return &Registry{
		mutex: new(sync.Mutex),
		stats: make(map[statKey]*Stat),
		sinks: sinks,
	}
}

// AddSink attaches another sink
func (r *Registry) AddSink(s Sink) {
	if r == nil {
		return
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.sinks = append(r.sinks, s)
}

// Record adds an event. Sink failures are logged and otherwise ignored.
func (r *Registry) Record(e Event) {
	if r == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	k := statKey{e.Dat, e.Kind}
	st, ok := r.stats[k]
	if !ok {
		st = &Stat{Dat: e.Dat, Kind: e.Kind}
		r.stats[k] = st
	}
	st.Count++
	st.Bytes += int64(e.Bytes)
	st.Total += e.Elapsed
	st.Mean = st.Total / time.Duration(st.Count)

	for _, s := range r.sinks {
		if err := s.Write(e); err != nil {
			log.Warn().Err(err).Str("dat", e.Dat).Str("kind", e.Kind).Msg("perf sink write failed")
		}
	}
}

// Start returns a function that records the elapsed time since Start was
// called.
func (r *Registry) Start(rank int, dat, channel, kind string, bytes int) func() {
	if r == nil {
		return func() {}
	}
	t0 := time.Now()
	return func() {
		r.Record(Event{Rank: rank, Dat: dat, Channel: channel, Kind: kind, Bytes: bytes, Elapsed: time.Since(t0), At: t0})
	}
}

// Summary lists the aggregated stats ordered by dat then kind.
func (r *Registry) Summary() []Stat {
	if r == nil {
		return nil
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make([]Stat, 0, len(r.stats))
	for _, st := range r.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dat != out[j].Dat {
			return out[i].Dat < out[j].Dat
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Close closes every sink and returns the first error.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var first error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.sinks = nil
	return first
}
