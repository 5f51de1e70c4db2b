/*
Package halolist implements the halo lists that tell every rank which of
its elements go to which neighbour, and where the elements it receives
belong.

This file contains the builder for a one dimensional chain partition.
*/
package halolist

import "fmt"

// Chain builds the lists of one rank of a 1-D chain partition of set.
// Every rank owns owned elements and exchanges depth elements with each
// neighbour in the exec tier plus one element beyond them in the non-exec
// tier. The halo of rank r is laid out as
//
//	[owned][exec: left depth, right depth][nonexec: left 1, right 1]
//
// where the first and last ranks only carry their one neighbour.
func Chain(set, rank, nranks, owned, depth int) (Lists, error) {
	if nranks < 1 || rank < 0 || rank >= nranks {
		return Lists{}, fmt.Errorf("halolist: rank %d outside chain of %d", rank, nranks)
	}
	if depth < 1 || owned < 2*depth+2 {
		return Lists{}, fmt.Errorf("halolist: %d owned elements cannot carry a halo of depth %d", owned, depth)
	}

	var neighbours []int
	if rank > 0 {
		neighbours = append(neighbours, rank-1)
	}
	if rank < nranks-1 {
		neighbours = append(neighbours, rank+1)
	}

	var exExec, exNonexec, imExec, imNonexec [][]int
	next := owned
	for _, n := range neighbours {
		if n < rank {
			exExec = append(exExec, span(0, depth))
			exNonexec = append(exNonexec, []int{depth})
		} else {
			exExec = append(exExec, span(owned-depth, depth))
			exNonexec = append(exNonexec, []int{owned - depth - 1})
		}
		imExec = append(imExec, span(next, depth))
		next += depth
	}
	for range neighbours {
		imNonexec = append(imNonexec, []int{next})
		next++
	}

	l := Lists{
		Set:           set,
		Owned:         owned,
		ExportExec:    NewHaloList(set, neighbours, exExec),
		ImportExec:    NewHaloList(set, neighbours, imExec),
		ExportNonexec: NewHaloList(set, neighbours, exNonexec),
		ImportNonexec: NewHaloList(set, neighbours, imNonexec),
	}
	return l, l.Validate()
}

// ChainRegistry builds a registry holding the chain lists of one rank for
// every set in sets.
func ChainRegistry(rank, nranks, owned, depth int, sets ...int) (*Registry, error) {
	r := NewRegistry()
	for _, s := range sets {
		l, err := Chain(s, rank, nranks, owned, depth)
		if err != nil {
			return nil, err
		}
		if err := r.Add(l); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func span(start, n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = start + i
	}
	return s
}
