/*
Package fabric defines the transport contract used by the halo exchange:
two-sided control messages for setup and one-sided writes with completion
notifications for the data path.

This file contains the mailbox that queues control messages by source and
tag until they are received.
*/
package fabric

import (
	"context"
	"sync"
)

type mailKey struct {
	src, tag int
}

// Mailbox queues control messages per (source, tag). Each queue is FIFO.
type Mailbox struct {
	owner   int // rank the mailbox belongs to
	mutex   *sync.Mutex
	queues  map[mailKey][][]byte
	changed chan struct{}
	closed  bool
}

// NewMailbox creates an empty mailbox for a rank
func NewMailbox(owner int) *Mailbox {
	return &Mailbox{
		owner:   owner,
		mutex:   new(sync.Mutex),
		queues:  make(map[mailKey][][]byte),
		changed: make(chan struct{}),
	}
}

// Put queues a message. Messages put after Close are dropped.
func (m *Mailbox) Put(src, tag int, payload []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return
	}
	k := mailKey{src, tag}
	m.queues[k] = append(m.queues[k], payload)
	close(m.changed)
	m.changed = make(chan struct{})
}

// Take blocks until a message from src with tag is queued and removes it.
func (m *Mailbox) Take(ctx context.Context, src, tag int) ([]byte, error) {
	k := mailKey{src, tag}
	for {
		m.mutex.Lock()
		if m.closed {
			m.mutex.Unlock()
			return nil, Closed(m.owner)
		}
		if q := m.queues[k]; len(q) > 0 {
			msg := q[0]
			if len(q) == 1 {
				delete(m.queues, k)
			} else {
				m.queues[k] = q[1:]
			}
			m.mutex.Unlock()
			return msg, nil
		}
		changed := m.changed
		m.mutex.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len gets the number of queued messages
func (m *Mailbox) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

// Close wakes all receivers and drops queued messages.
func (m *Mailbox) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queues = nil
	close(m.changed)
}
