/*
Package fabric defines the transport contract used by the halo exchange:
two-sided control messages for setup and one-sided writes with completion
notifications for the data path.

This file contains the loopback world: every rank lives in the same process
and one-sided writes are plain copies into the peer's segment.
*/
package fabric

import (
	"context"
	"sync"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

type world struct {
	endpoints []*Endpoint
}

// Endpoint is one rank of a loopback world.
type Endpoint struct {
	rank     int
	world    *world
	segments Segments
	mailbox  *Mailbox
	mutex    *sync.Mutex
	closed   bool
}

// NewLoopback creates an in-process world of n ranks, each registering
// one segment per entry of sizes.
func NewLoopback(n int, sizes map[shm.SegmentID]int) ([]*Endpoint, error) {
	w := &world{endpoints: make([]*Endpoint, n)}
	for r := 0; r < n; r++ {
		segs, err := NewSegments(sizes)
		if err != nil {
			for _, ep := range w.endpoints[:r] {
				ep.Close()
			}
			return nil, err
		}
		w.endpoints[r] = &Endpoint{
			rank:     r,
			world:    w,
			segments: segs,
			mailbox:  NewMailbox(r),
			mutex:    new(sync.Mutex),
		}
	}
	return w.endpoints, nil
}

// Rank gets the rank of this endpoint
func (ep *Endpoint) Rank() int {
	return ep.rank
}

// Size gets the number of ranks in the world
func (ep *Endpoint) Size() int {
	return len(ep.world.endpoints)
}

// Segment gets a local segment
func (ep *Endpoint) Segment(id shm.SegmentID) (*shm.Segment, error) {
	return ep.segments.Get(id)
}

func (ep *Endpoint) peer(rank int) (*Endpoint, error) {
	if ep.isClosed() {
		return nil, Closed(ep.rank)
	}
	if rank < 0 || rank >= len(ep.world.endpoints) {
		return nil, UnknownRank(rank)
	}
	p := ep.world.endpoints[rank]
	if p.isClosed() {
		return nil, Closed(rank)
	}
	return p, nil
}

// Send copies payload into the mailbox of dest
func (ep *Endpoint) Send(ctx context.Context, dest, tag int, payload []byte) error {
	p, err := ep.peer(dest)
	if err != nil {
		return err
	}
	msg := make([]byte, len(payload))
	copy(msg, payload)
	p.mailbox.Put(ep.rank, tag, msg)
	return ctx.Err()
}

// Recv takes the next message from src with tag
func (ep *Endpoint) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if src < 0 || src >= len(ep.world.endpoints) {
		return nil, UnknownRank(src)
	}
	return ep.mailbox.Take(ctx, src, tag)
}

// WriteNotify copies the range straight into the peer segment and then
// raises the notification there.
func (ep *Endpoint) WriteNotify(ctx context.Context, req WriteRequest) error {
	p, err := ep.peer(req.Dest)
	if err != nil {
		return err
	}
	local, err := ep.segments.Get(req.LocalSegment)
	if err != nil {
		return err
	}
	data, err := local.ReadAt(req.LocalOffset, req.Size)
	if err != nil {
		return err
	}
	return p.segments.Write(req.RemoteSegment, req.RemoteOffset, data, req.Notification, req.Value)
}

// Notify raises a notification on a segment of dest
func (ep *Endpoint) Notify(ctx context.Context, dest int, seg shm.SegmentID, id shm.NotificationID, val uint32) error {
	p, err := ep.peer(dest)
	if err != nil {
		return err
	}
	return p.segments.Notify(seg, id, val)
}

// Close releases the endpoint. Peers see Closed on later operations.
func (ep *Endpoint) Close() error {
	ep.mutex.Lock()
	if ep.closed {
		ep.mutex.Unlock()
		return nil
	}
	ep.closed = true
	ep.mutex.Unlock()
	ep.mailbox.Close()
	return ep.segments.Close()
}

func (ep *Endpoint) isClosed() bool {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()
	return ep.closed
}

// Fabrics returns the endpoints as Fabric values
func Fabrics(eps []*Endpoint) []Fabric {
	out := make([]Fabric, len(eps))
	for i, ep := range eps {
		out[i] = ep
	}
	return out
}
