/*
Package halolist implements the halo lists that tell every rank which of
its elements go to which neighbour, and where the elements it receives
belong.

This file implements the unit tests for the lists and the registry.
*/
package halolist

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestNewHaloList(t *testing.T) {
	h := NewHaloList(0, []int{2, 5}, [][]int{{1, 3}, {0, 2, 3}})
	if h.Size != 5 || !reflect.DeepEqual(h.Disps, []int{0, 2}) {
		t.Errorf("[TEST] List built incorrectly: %+v", h)
	}
	if !reflect.DeepEqual(h.Slice(1), []int{0, 2, 3}) {
		t.Errorf("[TEST] Slice(1) returned %v", h.Slice(1))
	}
	if h.IndexOf(5) != 1 || h.IndexOf(4) != -1 {
		t.Errorf("[TEST] IndexOf incorrect")
	}
	if err := h.Validate(); err != nil {
		t.Errorf("[TEST] Validate failed: %s", err)
	}
}

func TestValidateCatchesInconsistency(t *testing.T) {
	bad := []*HaloList{
		{Set: 0, Size: 2, Ranks: []int{1}, Sizes: []int{2}, Disps: []int{1}, List: []int{0, 1}},
		{Set: 0, Size: 3, Ranks: []int{1}, Sizes: []int{2}, Disps: []int{0}, List: []int{0, 1}},
		{Set: 0, Size: 2, Ranks: []int{1, 1}, Sizes: []int{1, 1}, Disps: []int{0, 1}, List: []int{0, 1}},
		{Set: 0, Size: 1, Ranks: []int{1}, Sizes: []int{1}, Disps: []int{0}, List: []int{-4}},
		{Set: 0, Size: 1, Ranks: []int{1}, Sizes: []int{1}, List: []int{0}},
	}
	for i, h := range bad {
		if _, ok := h.Validate().(InvalidList); !ok {
			t.Errorf("[TEST] Inconsistent list %d passed validation", i)
		}
	}
}

func TestListsValidate(t *testing.T) {
	l, err := Chain(0, 1, 3, 8, 2)
	if err != nil {
		t.Fatalf("[TEST] Chain failed: %s", err)
	}
	l.ImportExec.Set = 4
	if l.Validate() == nil {
		t.Errorf("[TEST] List registered under the wrong set passed validation")
	}
	l, _ = Chain(0, 1, 3, 8, 2)
	l.ExportExec.List[0] = 9
	if l.Validate() == nil {
		t.Errorf("[TEST] Export of a halo element passed validation")
	}
	l, _ = Chain(0, 1, 3, 8, 2)
	l.ImportNonexec = nil
	if l.Validate() == nil {
		t.Errorf("[TEST] Missing list passed validation")
	}
}

func TestChainLayout(t *testing.T) {
	l, err := Chain(3, 1, 3, 8, 2)
	if err != nil {
		t.Fatalf("[TEST] Chain failed: %s", err)
	}
	if l.Elements() != 8+4+2 {
		t.Errorf("[TEST] Elements was %d, want 14", l.Elements())
	}
	if !reflect.DeepEqual(l.ExportExec.Ranks, []int{0, 2}) {
		t.Errorf("[TEST] Neighbours were %v", l.ExportExec.Ranks)
	}
	if !reflect.DeepEqual(l.ExportExec.Slice(0), []int{0, 1}) || !reflect.DeepEqual(l.ExportExec.Slice(1), []int{6, 7}) {
		t.Errorf("[TEST] Export exec incorrect: %v", l.ExportExec.List)
	}
	if !reflect.DeepEqual(l.ImportExec.List, []int{8, 9, 10, 11}) {
		t.Errorf("[TEST] Import exec incorrect: %v", l.ImportExec.List)
	}
	if !reflect.DeepEqual(l.ExportNonexec.List, []int{2, 5}) || !reflect.DeepEqual(l.ImportNonexec.List, []int{12, 13}) {
		t.Errorf("[TEST] Non-exec lists incorrect: %v %v", l.ExportNonexec.List, l.ImportNonexec.List)
	}

	end, _ := Chain(3, 2, 3, 8, 2)
	if end.ImportExec.Size != 2 || end.Elements() != 11 {
		t.Errorf("[TEST] Last rank should only carry its left neighbour: %+v", end.ImportExec)
	}
	if err := end.CheckRanks(2, 3); err != nil {
		t.Errorf("[TEST] CheckRanks failed: %s", err)
	}
	if end.CheckRanks(1, 3) == nil {
		t.Errorf("[TEST] CheckRanks accepted a list naming self")
	}

	if _, err := Chain(0, 0, 2, 3, 2); err == nil {
		t.Errorf("[TEST] Chain accepted a halo deeper than the partition")
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	r, err := ChainRegistry(1, 3, 10, 2, 0, 4)
	if err != nil {
		t.Fatalf("[TEST] ChainRegistry failed: %s", err)
	}
	path := filepath.Join(t.TempDir(), "halo.json")
	if err := r.Save(path); err != nil {
		t.Fatalf("[TEST] Save failed: %s", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("[TEST] Load failed: %s", err)
	}
	if !reflect.DeepEqual(loaded.Sets(), []int{0, 4}) {
		t.Errorf("[TEST] Sets were %v", loaded.Sets())
	}
	want, _ := r.Lists(4)
	got, _ := loaded.Lists(4)
	if !reflect.DeepEqual(got.ExportExec.List, want.ExportExec.List) || got.Owned != 10 {
		t.Errorf("[TEST] Lists did not survive the round trip: %+v", got)
	}
	if _, ok := func() error { _, err := loaded.Lists(2); return err }().(UnknownSet); !ok {
		t.Errorf("[TEST] Unknown set did not return UnknownSet")
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	if _, err := Decode([]byte(`{"Sets":[{"Set":0,"Owned":4}]}`)); err == nil {
		t.Errorf("[TEST] Set without lists was accepted")
	}
	if _, err := Decode([]byte(`{"Sets":`)); err == nil {
		t.Errorf("[TEST] Truncated JSON was accepted")
	}
}

func TestDecodeMissingListIsInvalid(t *testing.T) {
	data := []byte(`{"Sets":[{"Set":0,"Owned":4,"ExportExec":{"Set":0},"ImportExec":{"Set":0},"ExportNonexec":{"Set":0}}]}`)
	_, err := Decode(data)
	if _, ok := err.(InvalidList); !ok {
		t.Errorf("[TEST] Missing import-nonexec list returned %v, want InvalidList", err)
	}
}
