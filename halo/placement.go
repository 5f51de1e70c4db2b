/*
Package halo implements the halo exchange runtime: offset negotiation,
flow controlled one-sided exchange and completion of data arrays that are
partitioned across ranks.

This file contains the placement strategies that decide where in the
segments an array's halo buffers live.
*/
package halo

import (
	"fmt"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

// Regions holds one value per segment role: byte sizes, base offsets or
// running counters depending on context.
type Regions struct {
	ExportExec    int
	ExportNonexec int
	ImportExec    int
	ImportNonexec int
}

var roles = []shm.SegmentID{shm.ExportExec, shm.ExportNonexec, shm.ImportExec, shm.ImportNonexec}

// Get returns the value for a static segment role
func (r Regions) Get(role shm.SegmentID) int {
	switch role {
	case shm.ExportExec:
		return r.ExportExec
	case shm.ExportNonexec:
		return r.ExportNonexec
	case shm.ImportExec:
		return r.ImportExec
	case shm.ImportNonexec:
		return r.ImportNonexec
	}
	return 0
}

// Set stores the value for a static segment role
func (r *Regions) Set(role shm.SegmentID, v int) {
	switch role {
	case shm.ExportExec:
		r.ExportExec = v
	case shm.ExportNonexec:
		r.ExportNonexec = v
	case shm.ImportExec:
		r.ImportExec = v
	case shm.ImportNonexec:
		r.ImportNonexec = v
	}
}

// Add returns the element-wise sum
func (r Regions) Add(o Regions) Regions {
	return Regions{r.ExportExec + o.ExportExec, r.ExportNonexec + o.ExportNonexec,
		r.ImportExec + o.ImportExec, r.ImportNonexec + o.ImportNonexec}
}

// Placement decides which segments hold an array's buffers and where.
// It is fixed when the array is declared and must be the same on every
// rank.
type Placement interface {
	// SegmentID maps a static role to the segment actually used.
	SegmentID(role shm.SegmentID) shm.SegmentID

	// reserve returns the base offsets of need bytes per role.
	reserve(r *Runtime, need Regions) (Regions, error)

	// release returns the reserved regions.
	release(r *Runtime, base, need Regions) error

	String() string
}

// StaticPlacement carves regions off the static segments with running
// counters. Regions are never reclaimed.
type StaticPlacement struct{}

// SegmentID returns the static segment for role
func (StaticPlacement) SegmentID(role shm.SegmentID) shm.SegmentID {
	return role
}

func (StaticPlacement) reserve(r *Runtime, need Regions) (Regions, error) {
	base := r.counters
	next := base.Add(need)
	for _, role := range roles {
		if need.Get(role) > 0 && next.Get(role) > r.capacity.Get(role) {
			return Regions{}, fmt.Errorf("segment %s needs %d bytes, has %d", role, next.Get(role), r.capacity.Get(role))
		}
	}
	r.counters = next
	return base, nil
}

func (StaticPlacement) release(r *Runtime, base, need Regions) error {
	return nil
}

func (StaticPlacement) String() string {
	return "static"
}

// DynamicPlacement allocates one block per role from the heaps of the
// dynamic segments.
type DynamicPlacement struct{}

// SegmentID returns the heap backed segment for role
func (DynamicPlacement) SegmentID(role shm.SegmentID) shm.SegmentID {
	return role.Dynamic()
}

func (DynamicPlacement) reserve(r *Runtime, need Regions) (Regions, error) {
	var base Regions
	var done []shm.SegmentID
	for _, role := range roles {
		if need.Get(role) == 0 {
			continue
		}
		off, err := r.heaps.Malloc(role.Dynamic(), need.Get(role))
		if err != nil {
			for _, d := range done {
				r.heaps.Free(d.Dynamic(), shm.Offset(base.Get(d)))
			}
			return Regions{}, err
		}
		base.Set(role, int(off))
		done = append(done, role)
	}
	return base, nil
}

func (DynamicPlacement) release(r *Runtime, base, need Regions) error {
	for _, role := range roles {
		if need.Get(role) == 0 {
			continue
		}
		if err := r.heaps.Free(role.Dynamic(), shm.Offset(base.Get(role))); err != nil {
			return err
		}
	}
	return nil
}

func (DynamicPlacement) String() string {
	return "dynamic"
}
