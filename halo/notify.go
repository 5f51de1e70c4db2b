/*
Package halo implements the halo exchange runtime: offset negotiation,
flow controlled one-sided exchange and completion of data arrays that are
partitioned across ranks.

This file contains the notification identifier codec.
*/
package halo

import (
	"fmt"

	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
)

// A notification id is index<<RankBits | rank. Data notifications carry the
// sender's rank, acknowledgements carry the receiver's rank.
const (
	RankBits  = 10
	IndexBits = 21

	MaxRanks = 1 << RankBits
	MaxIndex = 1 << IndexBits

	// NonExecTagBit marks non-exec offset messages during negotiation.
	// Array indices must stay below it.
	NonExecTagBit = 1 << 20
)

// Notification values
const (
	DataWritten uint32 = 1 // raised with every one-sided write
	AckNotified uint32 = 1 // receiver has seen the write
	AckCopied   uint32 = 2 // receiver has drained the buffer
)

// EncodeNotification packs an array index and a rank.
func EncodeNotification(index, rank int) (shm.NotificationID, error) {
	if index < 0 || index >= MaxIndex || rank < 0 || rank >= MaxRanks {
		return 0, &Error{Kind: ProtocolViolation, Op: "encode", Err: fmt.Errorf("index %d or rank %d out of range", index, rank)}
	}
	return shm.NotificationID(index<<RankBits | rank), nil
}

// DecodeNotification unpacks an id built by EncodeNotification.
func DecodeNotification(id shm.NotificationID) (index, rank int, err error) {
	if uint64(id) >= 1<<(RankBits+IndexBits) {
		return 0, 0, &Error{Kind: ProtocolViolation, Op: "decode", Err: fmt.Errorf("notification %#x out of range", uint32(id))}
	}
	return int(id >> RankBits), int(id & (MaxRanks - 1)), nil
}
