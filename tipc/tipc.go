/*
Package tipc implements the fabric over TCP between processes.

This file contains the implementation of the inter-process messaging layer.
Every rank listens on BasePort+rank and dials every other rank once. Dialed
connections carry outgoing frames; accepted connections are drained by one
receive task each, which applies control messages, one-sided writes and
notifications in arrival order. Since a write and its notification travel
in the same frame, the data is in place before the notification is seen.

Frames are [dest, src, msgID, body...] with a gob encoded body that is
wrapped by GoVector when a vector clock log is configured.
*/
package tipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/DistributedClocks/GoVector/govec"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/configs"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/fabric"
	"github.com/Highly-Predictable-Calamity/PGAS-OP2-Common/shm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// List of Message IDs sent between ranks
const (
	HELLOMSG = 50 /* Dialer 	-> 	Listener [connection setup] */
	CTRLMSG  = 60 /* Sender 	-> 	Receiver mailbox            */
	WRITEMSG = 61 /* Writer 	-> 	Target segment + notify     */
	NOTIFMSG = 62 /* Notifier 	-> 	Target segment              */
)

var msgName = map[uint8]string{
	HELLOMSG: "HELLOMSG", CTRLMSG: "CTRLMSG", WRITEMSG: "WRITEMSG", NOTIFMSG: "NOTIFMSG",
}

// MaxRanks is the largest world a one byte rank header can address.
const MaxRanks = 256

const (
	headerLen = 3
	lenPrefix = 8
	maxFrame  = 1 << 30
	redial    = 50 * time.Millisecond
)

type ctrlBody struct {
	Tag     int
	Payload []byte
}

type writeBody struct {
	Segment      shm.SegmentID
	Offset       shm.Offset
	Data         []byte
	Notification shm.NotificationID
	Value        uint32
}

type notifBody struct {
	Segment      shm.SegmentID
	Notification shm.NotificationID
	Value        uint32
}

// IpcConn is one rank of a TCP world.
type IpcConn struct {
	id       uint8
	nrPeer   int
	port     int
	addrs    []string
	listener *net.TCPListener
	peers    []*peer         // dialed connections, indexed by rank
	inbound  []net.Conn      // accepted connections
	segments fabric.Segments // registered segments
	mailbox  *fabric.Mailbox // control messages waiting for Recv
	vecLog   *govec.GoLog    // GoVector object
	log      zerolog.Logger
	mutex    *sync.Mutex // protects peers and inbound
	halt     chan struct{}
	tasks    *sync.WaitGroup
}

type peer struct {
	id    uint8
	ip    string
	port  int
	conn  *net.TCPConn
	mutex *sync.Mutex // serialises frames on conn
}

var _ fabric.Fabric = (*IpcConn)(nil)

// NewConnection registers the segments of this rank and starts listening
// for the other ranks. Call Connect before sending.
func NewConnection(cfg configs.Config, sizes map[shm.SegmentID]int) (*IpcConn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Size() > MaxRanks {
		return nil, fmt.Errorf("tipc: world of %d ranks exceeds %d", cfg.Size(), MaxRanks)
	}

	ipc := &IpcConn{
		id:      uint8(cfg.Rank),
		nrPeer:  cfg.Size(),
		port:    cfg.BasePort,
		addrs:   cfg.Addresses(),
		peers:   make([]*peer, cfg.Size()),
		mailbox: fabric.NewMailbox(cfg.Rank),
		log:     log.With().Int("rank", cfg.Rank).Str("component", "tipc").Logger(),
		mutex:   new(sync.Mutex),
		halt:    make(chan struct{}),
		tasks:   new(sync.WaitGroup),
	}

	segs, err := fabric.NewSegments(sizes)
	if err != nil {
		return nil, err
	}
	ipc.segments = segs

	if cfg.GoVector != "" {
		process := fmt.Sprintf("%s-%d", cfg.GoVector, cfg.Rank)
		ipc.vecLog = govec.InitGoVector(process, process, govec.GetDefaultConfig())
	}

	listener, err := net.Listen("tcp", fmt.Sprint(":", ipc.port+int(ipc.id)))
	if err != nil {
		ipc.log.Error().Err(err).Int("port", ipc.port+int(ipc.id)).Msg("Error opening listener")
		segs.Close()
		return nil, err
	}
	ipc.listener = listener.(*net.TCPListener)

	ipc.tasks.Add(1)
	go ipc.listenTask()
	return ipc, nil
}

// Rank gets the rank of this process
func (ipc *IpcConn) Rank() int {
	return int(ipc.id)
}

// Size gets the number of ranks in the world
func (ipc *IpcConn) Size() int {
	return ipc.nrPeer
}

// Segment gets a local segment
func (ipc *IpcConn) Segment(id shm.SegmentID) (*shm.Segment, error) {
	return ipc.segments.Get(id)
}

// DumpPeers logs the connection table at debug level.
func (ipc *IpcConn) DumpPeers() {
	ipc.mutex.Lock()
	defer ipc.mutex.Unlock()
	for i, p := range ipc.peers {
		if p != nil {
			ipc.log.Debug().Int("peer", i).Str("ip", p.ip).Int("port", p.port).Msg("connected")
		}
	}
}

// Connect dials every other rank, retrying until the context expires.
func (ipc *IpcConn) Connect(ctx context.Context) error {
	for id := 0; id < ipc.nrPeer; id++ {
		if id == int(ipc.id) {
			continue
		}
		if err := ipc.connectPeer(ctx, uint8(id)); err != nil {
			return err
		}
	}
	ipc.DumpPeers()
	return nil
}

// connectPeer is called to connect to another rank=id
func (ipc *IpcConn) connectPeer(ctx context.Context, id uint8) error {
	if id == ipc.id {
		return errors.New("tipc: cannot connect to myself")
	}
	if int(id) >= ipc.nrPeer {
		return fabric.UnknownRank(id)
	}

	addr := fmt.Sprint(ipc.addrs[id], ":", ipc.port+int(id))
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			c := conn.(*net.TCPConn)
			if err := writeMsg(c, []byte{id, ipc.id, HELLOMSG}); err != nil {
				c.Close()
				return err
			}
			ipc.mutex.Lock()
			ipc.peers[id] = &peer{id, ipc.addrs[id], ipc.port + int(id), c, new(sync.Mutex)}
			ipc.mutex.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("tipc: dial rank %d at %s: %w", id, addr, ctx.Err())
		case <-ipc.halt:
			return fabric.Closed(ipc.id)
		case <-time.After(redial):
		}
	}
}

// Send delivers a control message to dest's mailbox
func (ipc *IpcConn) Send(ctx context.Context, dest, tag int, payload []byte) error {
	return ipc.send(ctx, dest, CTRLMSG, ctrlBody{Tag: tag, Payload: payload})
}

// Recv takes the next control message from src with tag
func (ipc *IpcConn) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if src < 0 || src >= ipc.nrPeer {
		return nil, fabric.UnknownRank(src)
	}
	return ipc.mailbox.Take(ctx, src, tag)
}

// WriteNotify ships the local range to dest in one frame
func (ipc *IpcConn) WriteNotify(ctx context.Context, req fabric.WriteRequest) error {
	local, err := ipc.segments.Get(req.LocalSegment)
	if err != nil {
		return err
	}
	data, err := local.ReadAt(req.LocalOffset, req.Size)
	if err != nil {
		return err
	}
	return ipc.send(ctx, req.Dest, WRITEMSG, writeBody{
		Segment:      req.RemoteSegment,
		Offset:       req.RemoteOffset,
		Data:         data,
		Notification: req.Notification,
		Value:        req.Value,
	})
}

// Notify raises a notification on a segment of dest
func (ipc *IpcConn) Notify(ctx context.Context, dest int, seg shm.SegmentID, id shm.NotificationID, val uint32) error {
	return ipc.send(ctx, dest, NOTIFMSG, notifBody{Segment: seg, Notification: id, Value: val})
}

// Close stops the listener, drops every connection and releases the
// segments.
func (ipc *IpcConn) Close() error {
	select {
	case <-ipc.halt:
		return nil
	default:
	}
	close(ipc.halt)
	ipc.listener.Close()

	ipc.mutex.Lock()
	for _, p := range ipc.peers {
		if p != nil {
			p.conn.Close()
		}
	}
	for _, c := range ipc.inbound {
		c.Close()
	}
	ipc.mutex.Unlock()

	ipc.tasks.Wait()
	ipc.mailbox.Close()
	return ipc.segments.Close()
}

func (ipc *IpcConn) send(ctx context.Context, dest int, msgID uint8, msg interface{}) error {
	if dest < 0 || dest >= ipc.nrPeer {
		return fabric.UnknownRank(dest)
	}

	// First encode the message
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return err
	}
	body := buf.Bytes()
	if ipc.vecLog != nil {
		body = ipc.vecLog.PrepareSend("Tx "+msgName[msgID], body, govec.GetDefaultLogOptions())
	}

	// Prepend the dest id, src id and msgType to the encoded gob
	mbuf := make([]byte, headerLen+len(body))
	mbuf[0], mbuf[1], mbuf[2] = uint8(dest), ipc.id, msgID
	copy(mbuf[headerLen:], body)
	ipc.log.Trace().Int("dest", dest).Str("msg", msgName[msgID]).Int("len", len(mbuf)).Msg("send")

	if dest == int(ipc.id) {
		return ipc.dispatch(mbuf)
	}

	ipc.mutex.Lock()
	p := ipc.peers[dest]
	ipc.mutex.Unlock()
	if p == nil {
		return fmt.Errorf("tipc: rank %d not connected", dest)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		p.conn.SetWriteDeadline(deadline)
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	return writeMsg(p.conn, mbuf)
}

// Read frames from an accepted connection and apply them
func (ipc *IpcConn) receiveTask(conn net.Conn, src uint8) {
	defer ipc.tasks.Done()
	for {
		msg, err := readMsg(conn)
		if err != nil {
			select {
			case <-ipc.halt:
			default:
				if err != io.EOF {
					ipc.log.Error().Err(err).Int("src", int(src)).Msg("receive failed")
				}
			}
			return
		}
		if err := ipc.dispatch(msg); err != nil {
			ipc.log.Error().Err(err).Int("src", int(src)).Msg("dropping frame")
		}
	}
}

// dispatch applies one frame to the local mailbox or segments
func (ipc *IpcConn) dispatch(msg []byte) error {
	if len(msg) < headerLen {
		return fmt.Errorf("tipc: short frame of %d bytes", len(msg))
	}
	src, msgID, body := int(msg[1]), msg[2], msg[headerLen:]
	if ipc.vecLog != nil {
		var inner []byte
		ipc.vecLog.UnpackReceive("Rx "+msgName[msgID], body, &inner, govec.GetDefaultLogOptions())
		body = inner
	}
	dec := gob.NewDecoder(bytes.NewReader(body))
	ipc.log.Trace().Int("src", src).Str("msg", msgName[msgID]).Msg("recv")

	switch msgID {
	case CTRLMSG:
		var m ctrlBody
		if err := dec.Decode(&m); err != nil {
			return err
		}
		ipc.mailbox.Put(src, m.Tag, m.Payload)
	case WRITEMSG:
		var m writeBody
		if err := dec.Decode(&m); err != nil {
			return err
		}
		return ipc.segments.Write(m.Segment, m.Offset, m.Data, m.Notification, m.Value)
	case NOTIFMSG:
		var m notifBody
		if err := dec.Decode(&m); err != nil {
			return err
		}
		return ipc.segments.Notify(m.Segment, m.Notification, m.Value)
	default:
		return fmt.Errorf("tipc: unknown message id %d from rank %d", msgID, src)
	}
	return nil
}

// Listen for incoming connections and setup connection
func (ipc *IpcConn) listenTask() {
	defer ipc.tasks.Done()
	for {
		conn, err := ipc.listener.AcceptTCP()
		if err != nil {
			select {
			case <-ipc.halt:
				return
			default:
			}
			ipc.log.Error().Err(err).Msg("unknown error when accepting")
			return
		}
		msg, err := readMsg(conn)
		if err != nil || len(msg) != headerLen || msg[2] != HELLOMSG || int(msg[1]) >= ipc.nrPeer {
			ipc.log.Error().Bytes("msg", msg).Msg("invalid msg received when connecting")
			conn.Close()
			continue
		}
		ipc.mutex.Lock()
		select {
		case <-ipc.halt:
			ipc.mutex.Unlock()
			conn.Close()
			return
		default:
		}
		ipc.inbound = append(ipc.inbound, conn)
		ipc.tasks.Add(1)
		ipc.mutex.Unlock()
		go ipc.receiveTask(conn, msg[1])
	}
}

func writeMsg(conn net.Conn, data []byte) error {
	ml := make([]byte, lenPrefix)
	binary.PutVarint(ml, int64(len(data)))
	_, err := conn.Write(append(ml, data...))
	return err
}

func readMsg(conn net.Conn) ([]byte, error) {
	lbuf := make([]byte, lenPrefix)
	if _, err := io.ReadFull(conn, lbuf); err != nil {
		return nil, err
	}
	ml, n := binary.Varint(lbuf)
	if n <= 0 || ml < 0 || ml > maxFrame {
		return nil, fmt.Errorf("tipc: invalid frame length %d", ml)
	}
	msg := make([]byte, ml)
	if _, err := io.ReadFull(conn, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
