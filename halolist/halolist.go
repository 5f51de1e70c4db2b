/*
Package halolist implements the halo lists that tell every rank which of
its elements go to which neighbour, and where the elements it receives
belong.

This file contains the HaloList type and its consistency checks.
*/
package halolist

import (
	"fmt"
)

// Kind names one of the four lists kept per set.
type Kind uint8

// The four halo lists of a set
const (
	ExportExec Kind = iota
	ImportExec
	ExportNonexec
	ImportNonexec
)

var kindName = map[Kind]string{
	ExportExec: "export-exec", ImportExec: "import-exec",
	ExportNonexec: "export-nonexec", ImportNonexec: "import-nonexec",
}

func (k Kind) String() string {
	if n, ok := kindName[k]; ok {
		return n
	}
	return fmt.Sprintf("kind-%d", uint8(k))
}

// Import reports whether the list describes received elements.
func (k Kind) Import() bool {
	return k == ImportExec || k == ImportNonexec
}

// HaloList is the list of elements exchanged with each neighbour for one
// set in one direction. The elements for Ranks[i] are
// List[Disps[i]:Disps[i]+Sizes[i]].
type HaloList struct {
	Set   int   // set the list belongs to
	Size  int   // total number of elements
	Ranks []int // neighbour ranks in exchange order
	Sizes []int // element count per neighbour
	Disps []int // displacement of each neighbour's slice in List
	List  []int // local element indices grouped by neighbour
}

// NewHaloList builds a list from the per-neighbour element slices, in the
// order given.
func NewHaloList(set int, ranks []int, elements [][]int) *HaloList {
	h := &HaloList{
		Set:   set,
		Ranks: append([]int{}, ranks...),
		Sizes: make([]int, len(ranks)),
		Disps: make([]int, len(ranks)),
	}
	for i := range ranks {
		h.Disps[i] = h.Size
		h.Sizes[i] = len(elements[i])
		h.List = append(h.List, elements[i]...)
		h.Size += len(elements[i])
	}
	return h
}

// RanksSize gets the number of neighbours
func (h *HaloList) RanksSize() int {
	return len(h.Ranks)
}

// IndexOf returns the position of rank in Ranks or -1.
func (h *HaloList) IndexOf(rank int) int {
	for i, r := range h.Ranks {
		if r == rank {
			return i
		}
	}
	return -1
}

// Slice gets the element indices exchanged with the i-th neighbour
func (h *HaloList) Slice(i int) []int {
	return h.List[h.Disps[i] : h.Disps[i]+h.Sizes[i]]
}

// Validate checks that the list is internally consistent.
func (h *HaloList) Validate() error {
	if len(h.Sizes) != len(h.Ranks) || len(h.Disps) != len(h.Ranks) {
		return InvalidList{h.Set, "ranks, sizes and disps differ in length"}
	}
	seen := make(map[int]bool, len(h.Ranks))
	total := 0
	for i, r := range h.Ranks {
		if r < 0 || seen[r] {
			return InvalidList{h.Set, fmt.Sprintf("rank %d listed twice or negative", r)}
		}
		seen[r] = true
		if h.Sizes[i] < 0 {
			return InvalidList{h.Set, fmt.Sprintf("negative size for rank %d", r)}
		}
		if h.Disps[i] != total {
			return InvalidList{h.Set, fmt.Sprintf("disp %d for rank %d, want %d", h.Disps[i], r, total)}
		}
		total += h.Sizes[i]
	}
	if h.Size != total || len(h.List) != total {
		return InvalidList{h.Set, fmt.Sprintf("size %d and list length %d, want %d", h.Size, len(h.List), total)}
	}
	for _, e := range h.List {
		if e < 0 {
			return InvalidList{h.Set, fmt.Sprintf("negative element index %d", e)}
		}
	}
	return nil
}

// InvalidList describes a list that failed validation
type InvalidList struct {
	Set    int
	Reason string
}

func (e InvalidList) Error() string {
	return fmt.Sprintf("HaloList: set %d: %s", e.Set, e.Reason)
}
