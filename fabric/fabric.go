/*
Package fabric defines the transport contract used by the halo exchange:
two-sided control messages for setup and one-sided writes with completion
notifications for the data path.

This file contains the Fabric interface and the errors shared by its
implementations.
*/
package fabric

import (
	"context"
	"fmt"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

// WriteRequest describes a one-sided write. Size bytes are read from the
// local segment at LocalOffset and land in the Dest rank's segment at
// RemoteOffset. Once they have landed, Notification is raised on the
// remote segment with Value.
type WriteRequest struct {
	Dest          int
	LocalSegment  shm.SegmentID
	LocalOffset   shm.Offset
	RemoteSegment shm.SegmentID
	RemoteOffset  shm.Offset
	Size          int
	Notification  shm.NotificationID
	Value         uint32
}

// Fabric connects one rank to the rest of the world.
type Fabric interface {
	// Rank gets the rank of this endpoint
	Rank() int

	// Size gets the number of ranks in the world
	Size() int

	// Segment gets a local segment. Can return the following errors:
	// - UnknownSegment
	Segment(id shm.SegmentID) (*shm.Segment, error)

	// Send delivers a control message to dest. Messages between a pair of
	// ranks with the same tag are received in send order.
	Send(ctx context.Context, dest, tag int, payload []byte) error

	// Recv blocks until a control message from src with tag arrives.
	Recv(ctx context.Context, src, tag int) ([]byte, error)

	// WriteNotify issues a one-sided write followed by its notification.
	WriteNotify(ctx context.Context, req WriteRequest) error

	// Notify raises a notification on a segment of dest without data.
	Notify(ctx context.Context, dest int, seg shm.SegmentID, id shm.NotificationID, val uint32) error

	// Close releases the endpoint and its segments.
	Close() error
}

////////////////////////////////////////////////////////////////////////////////////////////
// <ERROR DEFINITIONS>

// UnknownRank contains a rank outside the world
type UnknownRank int

func (e UnknownRank) Error() string {
	return fmt.Sprintf("Fabric: Unknown rank [%d]", int(e))
}

// UnknownSegment contains a segment id that is not registered
type UnknownSegment shm.SegmentID

func (e UnknownSegment) Error() string {
	return fmt.Sprintf("Fabric: Segment [%s] not registered", shm.SegmentID(e))
}

// Closed is returned by operations on a closed endpoint
type Closed int

func (e Closed) Error() string {
	return fmt.Sprintf("Fabric: Endpoint [%d] closed", int(e))
}

// </ERROR DEFINITIONS>
////////////////////////////////////////////////////////////////////////////////////////////
