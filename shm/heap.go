/*
Package shm implements the registered memory segments used as targets of
one-sided writes, and the heap allocator that carves them up.

This file contains the first-fit heap allocator used by the dynamically
sized segments.
*/
package shm

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the arena space reserved in front of every block.
	HeaderSize = 32

	// SplitSlack is the extra space a free block must have left over,
	// beyond a new header, before it is split. Smaller remainders stay
	// with the allocation as internal fragmentation.
	SplitSlack = 32

	// HeapMagic tags every live block header.
	HeapMagic uint32 = 0x48414C4F

	// DefaultHeapSize is the arena size of a dynamic segment (32 pages).
	DefaultHeapSize = 32 * 4096

	heapAlign = 8
)

// header is the record describing one block. Records are addressed by the
// offset of the header inside the arena.
type header struct {
	magic uint32
	free  bool
	size  int    // payload bytes, excluding the header
	prev  Offset // header offset of the previous block or NoOffset
	next  Offset // header offset of the next block or NoOffset
}

// Block is a snapshot of one block in address order.
type Block struct {
	Header Offset // offset of the block header
	Offset Offset // offset of the payload
	Size   int    // payload size
	Span   int    // header plus payload
	Free   bool
}

// Heap is a free-list allocator over one fixed arena. It is not safe for
// concurrent use; callers serialise access per segment.
type Heap struct {
	segment SegmentID
	size    int
	headers map[Offset]*header
	first   Offset
	arena   *Segment // optional, receives the magic tags
}

// NewHeap creates a heap over an arena of size bytes with one free block
// spanning all of it.
func NewHeap(segment SegmentID, size int) *Heap {
	h := &Heap{
		segment: segment,
		size:    size,
		headers: make(map[Offset]*header),
		first:   NoOffset,
	}
	if size > HeaderSize {
		h.headers[0] = &header{magic: HeapMagic, free: true, size: size - HeaderSize, prev: NoOffset, next: NoOffset}
		h.first = 0
	}
	return h
}

// NewSegmentHeap creates a heap bound to a segment. Block headers are also
// stamped into the segment memory so stray writes over a header are caught
// on Free.
func NewSegmentHeap(seg *Segment) *Heap {
	h := NewHeap(seg.ID(), seg.Size())
	h.arena = seg
	if h.first != NoOffset {
		h.stamp(h.first, HeapMagic)
	}
	return h
}

// Segment gets the id of the segment this heap manages
func (h *Heap) Segment() SegmentID {
	return h.segment
}

// Size gets the arena size
func (h *Heap) Size() int {
	return h.size
}

// Malloc allocates size bytes from the first block large enough and
// returns the payload offset. When nothing fits it returns NoOffset and
// InsufficientMemory with the largest free payload.
func (h *Heap) Malloc(size int) (Offset, error) {
	if size <= 0 {
		return NoOffset, OutofBounds(size)
	}
	size = (size + heapAlign - 1) &^ (heapAlign - 1)

	max := 0
	for off := h.first; off != NoOffset; off = h.headers[off].next {
		hdr := h.headers[off]
		if !hdr.free {
			continue
		}
		if hdr.size > max {
			max = hdr.size
		}
		if hdr.size < size {
			continue
		}

		// Split when the remainder can hold a header and some slack,
		// otherwise hand out the whole block.
		if hdr.size-size > HeaderSize+SplitSlack {
			tail := off + HeaderSize + Offset(size)
			h.headers[tail] = &header{
				magic: HeapMagic,
				free:  true,
				size:  hdr.size - size - HeaderSize,
				prev:  off,
				next:  hdr.next,
			}
			if hdr.next != NoOffset {
				h.headers[hdr.next].prev = tail
			}
			hdr.next = tail
			hdr.size = size
			h.stamp(tail, HeapMagic)
		}
		hdr.free = false
		return off + HeaderSize, nil
	}
	return NoOffset, InsufficientMemory(max)
}

// Free returns a block to the heap and merges it with free neighbours.
func (h *Heap) Free(off Offset) error {
	hoff := off - HeaderSize
	hdr, ok := h.headers[hoff]
	if !ok {
		return InvalidAddress(off)
	}
	if hdr.magic != HeapMagic || !h.stamped(hoff) || hdr.free {
		return CorruptHeader(hoff)
	}
	hdr.free = true

	if hdr.next != NoOffset && h.headers[hdr.next].free {
		h.merge(hoff, hdr.next)
	}
	if hdr.prev != NoOffset && h.headers[hdr.prev].free {
		h.merge(hdr.prev, hoff)
	}
	return nil
}

// merge folds block b into the block a that precedes it.
func (h *Heap) merge(a, b Offset) {
	ha, hb := h.headers[a], h.headers[b]
	ha.size += HeaderSize + hb.size
	ha.next = hb.next
	if hb.next != NoOffset {
		h.headers[hb.next].prev = a
	}
	delete(h.headers, b)
	h.stamp(b, 0)
}

// Blocks lists the blocks in address order.
func (h *Heap) Blocks() []Block {
	blocks := make([]Block, 0, len(h.headers))
	for off := h.first; off != NoOffset; off = h.headers[off].next {
		hdr := h.headers[off]
		blocks = append(blocks, Block{
			Header: off,
			Offset: off + HeaderSize,
			Size:   hdr.size,
			Span:   HeaderSize + hdr.size,
			Free:   hdr.free,
		})
	}
	return blocks
}

// FreeBytes gets the total free payload
func (h *Heap) FreeBytes() int {
	n := 0
	for _, hdr := range h.headers {
		if hdr.free {
			n += hdr.size
		}
	}
	return n
}

// LargestFree gets the largest free payload
func (h *Heap) LargestFree() int {
	max := 0
	for _, hdr := range h.headers {
		if hdr.free && hdr.size > max {
			max = hdr.size
		}
	}
	return max
}

func (h *Heap) String() string {
	out := fmt.Sprintf("heap %s size=%d:", h.segment, h.size)
	for _, b := range h.Blocks() {
		state := "used"
		if b.Free {
			state = "free"
		}
		out += fmt.Sprintf(" {%d,%d,%s}", b.Header, b.Span, state)
	}
	return out
}

func (h *Heap) stamp(hoff Offset, magic uint32) {
	if h.arena == nil {
		return
	}
	var tag [4]byte
	binary.BigEndian.PutUint32(tag[:], magic)
	h.arena.WriteAt(hoff, tag[:])
}

func (h *Heap) stamped(hoff Offset) bool {
	if h.arena == nil {
		return true
	}
	tag, err := h.arena.ReadAt(hoff, 4)
	if err != nil {
		return false
	}
	return binary.BigEndian.Uint32(tag) == HeapMagic
}

// Heaps maps segment ids to their heap.
type Heaps map[SegmentID]*Heap

// Malloc allocates from the heap of the given segment.
func (hs Heaps) Malloc(seg SegmentID, size int) (Offset, error) {
	h, ok := hs[seg]
	if !ok {
		return NoOffset, fmt.Errorf("shm: no heap for segment %s", seg)
	}
	return h.Malloc(size)
}

// Free releases a block in the heap of the given segment.
func (hs Heaps) Free(seg SegmentID, off Offset) error {
	h, ok := hs[seg]
	if !ok {
		return fmt.Errorf("shm: no heap for segment %s", seg)
	}
	return h.Free(off)
}
