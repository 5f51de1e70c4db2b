/*
Package halolist implements the halo lists that tell every rank which of
its elements go to which neighbour, and where the elements it receives
belong.

This file contains the per-set registry of lists and its JSON form.
*/
package halolist

import (
	"fmt"
	"os"
	"sort"

	"github.com/sugawarayuuta/sonnet"
)

// Lists holds the four lists of one set together with the number of
// elements the rank owns in it.
type Lists struct {
	Set           int
	Owned         int
	ExportExec    *HaloList
	ImportExec    *HaloList
	ExportNonexec *HaloList
	ImportNonexec *HaloList
}

// Get returns the list of the given kind
func (l Lists) Get(k Kind) *HaloList {
	switch k {
	case ExportExec:
		return l.ExportExec
	case ImportExec:
		return l.ImportExec
	case ExportNonexec:
		return l.ExportNonexec
	case ImportNonexec:
		return l.ImportNonexec
	}
	return nil
}

// Elements gets the number of elements a data array on this set holds:
// owned, then the exec halo, then the non-exec halo.
func (l Lists) Elements() int {
	return l.Owned + l.ImportExec.Size + l.ImportNonexec.Size
}

// Validate checks every list and their agreement with the set. Exported
// elements must be owned; imported elements must lie in the halo.
func (l Lists) Validate() error {
	if l.Owned < 0 {
		return InvalidList{l.Set, fmt.Sprintf("negative owned count %d", l.Owned)}
	}
	for k := ExportExec; k <= ImportNonexec; k++ {
		if l.Get(k) == nil {
			return InvalidList{l.Set, fmt.Sprintf("%s list missing", k)}
		}
	}
	for k := ExportExec; k <= ImportNonexec; k++ {
		h := l.Get(k)
		if h.Set != l.Set {
			return InvalidList{l.Set, fmt.Sprintf("%s list belongs to set %d", k, h.Set)}
		}
		if err := h.Validate(); err != nil {
			return err
		}
		lo, hi := 0, l.Owned
		if k.Import() {
			lo, hi = l.Owned, l.Elements()
		}
		for _, e := range h.List {
			if e < lo || e >= hi {
				return InvalidList{l.Set, fmt.Sprintf("%s element %d outside [%d,%d)", k, e, lo, hi)}
			}
		}
	}
	return nil
}

// CheckRanks checks that every neighbour is a valid rank other than self.
func (l Lists) CheckRanks(self, nranks int) error {
	for k := ExportExec; k <= ImportNonexec; k++ {
		for _, r := range l.Get(k).Ranks {
			if r == self || r >= nranks {
				return InvalidList{l.Set, fmt.Sprintf("%s neighbour %d invalid for rank %d of %d", k, r, self, nranks)}
			}
		}
	}
	return nil
}

// Registry maps set indices to their lists. It is built once per run and
// handed to the runtime.
type Registry struct {
	sets map[int]Lists
}

// UnknownSet contains a set index with no registered lists
type UnknownSet int

func (e UnknownSet) Error() string {
	return fmt.Sprintf("HaloList: No lists registered for set [%d]", int(e))
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sets: make(map[int]Lists)}
}

// Add registers the lists of a set after validating them.
func (r *Registry) Add(l Lists) error {
	if err := l.Validate(); err != nil {
		return err
	}
	r.sets[l.Set] = l
	return nil
}

// Lists returns the four lists of a set
func (r *Registry) Lists(set int) (Lists, error) {
	l, ok := r.sets[set]
	if !ok {
		return Lists{}, UnknownSet(set)
	}
	return l, nil
}

// Sets lists the registered set indices in ascending order.
func (r *Registry) Sets() []int {
	sets := make([]int, 0, len(r.sets))
	for s := range r.sets {
		sets = append(sets, s)
	}
	sort.Ints(sets)
	return sets
}

// Validate re-checks every registered set.
func (r *Registry) Validate() error {
	for _, s := range r.Sets() {
		if err := r.sets[s].Validate(); err != nil {
			return err
		}
	}
	return nil
}

type registryFile struct {
	Sets []Lists
}

// Encode serialises the registry to JSON
func (r *Registry) Encode() ([]byte, error) {
	f := registryFile{Sets: make([]Lists, 0, len(r.sets))}
	for _, s := range r.Sets() {
		f.Sets = append(f.Sets, r.sets[s])
	}
	return sonnet.Marshal(f)
}

// Decode builds a registry from its JSON form, validating every set.
func Decode(data []byte) (*Registry, error) {
	var f registryFile
	if err := sonnet.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, l := range f.Sets {
		if _, dup := r.sets[l.Set]; dup {
			return nil, InvalidList{l.Set, "set listed twice"}
		}
		if err := r.Add(l); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Load reads a registry from a JSON file
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Save writes the registry to a JSON file
func (r *Registry) Save(path string) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
