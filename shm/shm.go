/*
Package shm implements the registered memory segments used as targets of
one-sided writes, and the heap allocator that carves them up.

A segment is a fixed size byte arena plus a table of notification slots.
Remote writers copy bytes into the arena and then raise a notification so
the owner can tell that the data has landed.
*/
package shm

import (
	"context"
	"fmt"
	"sync"
)

// SegmentID identifies a segment on every process. The same id names the
// same role on all ranks.
type SegmentID uint8

// Segment roles. Static segments are sized once; the dynamic variants are
// managed by a Heap.
const (
	ExportExec    SegmentID = 1
	ExportNonexec SegmentID = 2
	ImportExec    SegmentID = 3
	ImportNonexec SegmentID = 4

	DynamicSegmentOffset SegmentID = 10
)

// Offset is a byte offset relative to a segment base. It is never a pointer.
type Offset int

// NoOffset is returned when no offset could be produced.
const NoOffset Offset = -1

// NotificationID names a notification slot in a segment.
type NotificationID uint32

var segmentName = map[SegmentID]string{
	ExportExec: "EEH", ExportNonexec: "ENH", ImportExec: "IEH", ImportNonexec: "INH",
}

func (id SegmentID) String() string {
	if id > DynamicSegmentOffset {
		if n, ok := segmentName[id-DynamicSegmentOffset]; ok {
			return n + "-heap"
		}
	}
	if n, ok := segmentName[id]; ok {
		return n
	}
	return fmt.Sprintf("SEG%d", uint8(id))
}

// Dynamic returns the heap backed variant of a static segment id.
func (id SegmentID) Dynamic() SegmentID {
	return id + DynamicSegmentOffset
}

// Layout returns the segment sizes of a process: the four static segments
// of staticSize bytes and, when heapSize is positive, their four heap
// backed variants.
func Layout(staticSize, heapSize int) map[SegmentID]int {
	l := make(map[SegmentID]int, 8)
	for _, id := range []SegmentID{ExportExec, ExportNonexec, ImportExec, ImportNonexec} {
		l[id] = staticSize
		if heapSize > 0 {
			l[id.Dynamic()] = heapSize
		}
	}
	return l
}

////////////////////////////////////////////////////////////////////////////////////////////
// <ERROR DEFINITIONS>

// InvalidAddress contains the offset that does not start an allocated block
type InvalidAddress int

func (e InvalidAddress) Error() string {
	return fmt.Sprintf("Shm: Invalid address offset [%d]", int(e))
}

// InsufficientMemory contains largest free segment remaining.
type InsufficientMemory int

func (e InsufficientMemory) Error() string {
	return fmt.Sprintf("Shm: Largest free block is [%d]", int(e))
}

// OutofBounds contains the address out of bounds
type OutofBounds int

func (e OutofBounds) Error() string {
	return fmt.Sprintf("Shm: Out of bounds address [%d]", int(e))
}

// CorruptHeader contains the offset of a block whose header failed
// validation (bad magic tag or a block that is already free).
type CorruptHeader int

func (e CorruptHeader) Error() string {
	return fmt.Sprintf("Shm: Corrupt block header at [%d]", int(e))
}

// InvalidNotification contains a rejected notification id.
type InvalidNotification uint32

func (e InvalidNotification) Error() string {
	return fmt.Sprintf("Shm: Invalid notification [%d]", uint32(e))
}

// </ERROR DEFINITIONS>
////////////////////////////////////////////////////////////////////////////////////////////

// Segment is a registered memory region with notification slots.
type Segment struct {
	id      SegmentID
	mem     []byte                    // registered memory
	mapped  bool                      // mem came from mmap
	mutex   *sync.Mutex               // protects mem, notifs and changed
	notifs  map[NotificationID]uint32 // pending (non-zero) notifications
	changed chan struct{}             // closed and replaced on every Notify
}

// NewSegment creates a segment of the given size.
func NewSegment(id SegmentID, size int) (*Segment, error) {
	if size < 0 {
		return nil, OutofBounds(size)
	}
	mem, mapped, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf("shm: register segment %s: %w", id, err)
	}
	return &Segment{
		id:      id,
		mem:     mem,
		mapped:  mapped,
		mutex:   new(sync.Mutex),
		notifs:  make(map[NotificationID]uint32),
		changed: make(chan struct{}),
	}, nil
}

// ID gets the segment id
func (s *Segment) ID() SegmentID {
	return s.id
}

// Size gets the size of the segment in bytes
func (s *Segment) Size() int {
	return len(s.mem)
}

// Close releases the registered memory.
func (s *Segment) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.mapped && s.mem != nil {
		err := unmapMemory(s.mem)
		s.mem = nil
		return err
	}
	s.mem = nil
	return nil
}

// ReadAt copies n bytes starting at off.
func (s *Segment) ReadAt(off Offset, n int) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.checkBounds(off, n); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	copy(data, s.mem[off:int(off)+n])
	return data, nil
}

// CopyOut copies len(dst) bytes starting at off into dst.
func (s *Segment) CopyOut(dst []byte, off Offset) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.checkBounds(off, len(dst)); err != nil {
		return err
	}
	copy(dst, s.mem[off:int(off)+len(dst)])
	return nil
}

// WriteAt copies data into the segment starting at off.
func (s *Segment) WriteAt(off Offset, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.checkBounds(off, len(data)); err != nil {
		return err
	}
	copy(s.mem[off:], data)
	return nil
}

// Notify raises notification id with a non-zero value. A pending value is
// overwritten.
func (s *Segment) Notify(id NotificationID, val uint32) error {
	if val == 0 {
		return InvalidNotification(id)
	}
	s.mutex.Lock()
	s.notifs[id] = val
	close(s.changed)
	s.changed = make(chan struct{})
	s.mutex.Unlock()
	return nil
}

// WaitSome blocks until a notification in [begin, begin+num) is pending
// and returns the lowest pending id. The slot is left set; use Reset to
// consume it. The context bounds the wait.
func (s *Segment) WaitSome(ctx context.Context, begin NotificationID, num int) (NotificationID, error) {
	return s.WaitSomeExcept(ctx, begin, num, nil)
}

// WaitSomeExcept is WaitSome ignoring the ids in skip, which stay pending.
func (s *Segment) WaitSomeExcept(ctx context.Context, begin NotificationID, num int, skip map[NotificationID]bool) (NotificationID, error) {
	if num <= 0 {
		return 0, InvalidNotification(begin)
	}
	end := uint64(begin) + uint64(num)
	for {
		s.mutex.Lock()
		found := false
		var lowest NotificationID
		for id, val := range s.notifs {
			if val == 0 || uint64(id) < uint64(begin) || uint64(id) >= end || skip[id] {
				continue
			}
			if !found || id < lowest {
				lowest, found = id, true
			}
		}
		changed := s.changed
		s.mutex.Unlock()

		if found {
			return lowest, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// WaitValue blocks until notification id holds val. Other values are left
// in place and waited past.
func (s *Segment) WaitValue(ctx context.Context, id NotificationID, val uint32) error {
	if val == 0 {
		return InvalidNotification(id)
	}
	for {
		s.mutex.Lock()
		cur := s.notifs[id]
		changed := s.changed
		s.mutex.Unlock()

		if cur == val {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset consumes a notification and returns the value it held (zero if it
// was not pending).
func (s *Segment) Reset(id NotificationID) uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	val := s.notifs[id]
	delete(s.notifs, id)
	return val
}

// Pending gets the value of a notification slot without consuming it.
func (s *Segment) Pending(id NotificationID) uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.notifs[id]
}

func (s *Segment) checkBounds(off Offset, n int) error {
	if off < 0 {
		return OutofBounds(off)
	}
	if n < 0 || int(off)+n > len(s.mem) {
		return OutofBounds(int(off) + n)
	}
	return nil
}
