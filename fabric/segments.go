/*
Package fabric defines the transport contract used by the halo exchange:
two-sided control messages for setup and one-sided writes with completion
notifications for the data path.

This file contains the table of registered segments of one rank.
*/
package fabric

import (
	"sort"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

// Segments holds the registered segments of one rank.
type Segments map[shm.SegmentID]*shm.Segment

// NewSegments registers one segment per entry of sizes.
func NewSegments(sizes map[shm.SegmentID]int) (Segments, error) {
	segs := make(Segments, len(sizes))
	for id, size := range sizes {
		seg, err := shm.NewSegment(id, size)
		if err != nil {
			segs.Close()
			return nil, err
		}
		segs[id] = seg
	}
	return segs, nil
}

// Get looks up a segment
func (s Segments) Get(id shm.SegmentID) (*shm.Segment, error) {
	seg, ok := s[id]
	if !ok {
		return nil, UnknownSegment(id)
	}
	return seg, nil
}

// IDs lists the registered segment ids in ascending order.
func (s Segments) IDs() []shm.SegmentID {
	ids := make([]shm.SegmentID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases every segment and returns the first error.
func (s Segments) Close() error {
	var first error
	for _, seg := range s {
		if err := seg.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Write applies an incoming one-sided write and raises its notification.
// The data is in place before the notification becomes visible.
func (s Segments) Write(id shm.SegmentID, off shm.Offset, data []byte, notif shm.NotificationID, val uint32) error {
	seg, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := seg.WriteAt(off, data); err != nil {
		return err
	}
	return seg.Notify(notif, val)
}

// Notify raises a notification on a local segment
func (s Segments) Notify(id shm.SegmentID, notif shm.NotificationID, val uint32) error {
	seg, err := s.Get(id)
	if err != nil {
		return err
	}
	return seg.Notify(notif, val)
}
