package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quiclb/qcore/qerr"
	"github.com/quiclb/qcore/wire"
)

// streamsState holds per-connection stream bookkeeping: the stream table,
// per-direction limits, connection-level flow control, and the two send
// queues streams wait on.
type streamsState struct {
	acceptQueue queue[*Stream] // streams opened by the peer, awaiting Accept

	mu      sync.Mutex
	streams map[streamID]*Stream

	localLimits  [streamTypeCount]localStreamLimits
	remoteLimits [streamTypeCount]remoteStreamLimits

	peerInitialMaxStreamDataRemote    [streamTypeCount]int64 // streams we open
	peerInitialMaxStreamDataBidiLocal int64                  // streams they open

	inflow  connInflow
	outflow connOutflow

	needSend  atomic.Bool
	sendMu    sync.Mutex
	queueMeta streamRing // streams with non-flow-controlled frames
	queueData streamRing // streams with only flow-controlled frames
}

func (c *Conn) streamsInit() {
	c.streams.streams = make(map[streamID]*Stream)
	c.streams.acceptQueue = newQueue[*Stream]()
	c.streams.localLimits[bidiStream].init()
	c.streams.localLimits[uniStream].init()
	c.streams.remoteLimits[bidiStream].init(c.config.maxBidiRemoteStreams())
	c.streams.remoteLimits[uniStream].init(c.config.maxUniRemoteStreams())
	c.inflowInit()
}

// AcceptStream waits for and returns the next stream opened by the peer.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	return c.streams.acceptQueue.get(ctx)
}

// NewStream opens a bidirectional stream.
//
// If the peer's stream limit has been reached, NewStream blocks until the
// limit is raised or ctx expires.
func (c *Conn) NewStream(ctx context.Context) (*Stream, error) {
	return c.newLocalStream(ctx, bidiStream)
}

// NewSendOnlyStream opens a unidirectional, send-only stream.
func (c *Conn) NewSendOnlyStream(ctx context.Context) (*Stream, error) {
	return c.newLocalStream(ctx, uniStream)
}

func (c *Conn) newLocalStream(ctx context.Context, styp streamType) (*Stream, error) {
	c.streams.mu.Lock()
	defer c.streams.mu.Unlock()

	num, err := c.streams.localLimits[styp].open(ctx)
	if err != nil {
		return nil, err
	}

	s := newStream(c, newStreamID(c.side, styp, num))
	s.outmaxbuf = c.config.maxStreamWriteBufferSize()
	s.outwin = c.streams.peerInitialMaxStreamDataRemote[styp]
	if styp == bidiStream {
		s.inmaxbuf = c.config.maxStreamReadBufferSize()
		s.inwin = c.config.maxStreamReadBufferSize()
	}
	s.inUnlock()
	s.outUnlock()

	c.streams.streams[s.id] = s
	return s, nil
}

// streamFrameType identifies which half of a stream, from the local
// perspective, a received frame is associated with.
type streamFrameType uint8

const (
	sendStream = streamFrameType(iota) // e.g. MAX_STREAM_DATA
	recvStream                         // e.g. STREAM_DATA_BLOCKED
)

func (c *Conn) streamForID(id streamID) *Stream {
	c.streams.mu.Lock()
	defer c.streams.mu.Unlock()
	return c.streams.streams[id]
}

// streamForFrame returns the stream a received frame refers to, creating
// it (and any lower-numbered streams implicitly opened alongside it) if
// this is the first frame seen for it. Returns nil if the stream no
// longer exists or the connection was aborted.
func (c *Conn) streamForFrame(now time.Time, id streamID, ftype streamFrameType) *Stream {
	if id.streamType() == uniStream {
		if (id.initiator() == c.side) != (ftype == sendStream) {
			c.abort(now, qerr.LocalError{Code: qerr.ErrStreamState, Reason: "invalid frame for unidirectional stream"})
			return nil
		}
	}

	c.streams.mu.Lock()
	defer c.streams.mu.Unlock()
	if s, isOpen := c.streams.streams[id]; s != nil || isOpen {
		return s
	}

	num := id.num()
	styp := id.streamType()
	if id.initiator() == c.side {
		if num < c.streams.localLimits[styp].opened {
			return nil // closed, locally-created stream
		}
		c.abort(now, qerr.LocalError{Code: qerr.ErrStreamState, Reason: "received frame for unknown stream"})
		return nil
	}
	if num < c.streams.remoteLimits[styp].opened {
		return nil // closed, peer-created stream
	}

	prevOpened := c.streams.remoteLimits[styp].opened
	if err := c.streams.remoteLimits[styp].open(id); err != nil {
		c.abort(now, err)
		return nil
	}
	for n := newStreamID(id.initiator(), id.streamType(), prevOpened); n < id; n += 4 {
		c.streams.streams[n] = nil
	}

	s := newStream(c, id)
	s.inmaxbuf = c.config.maxStreamReadBufferSize()
	s.inwin = c.config.maxStreamReadBufferSize()
	if styp == bidiStream {
		s.outmaxbuf = c.config.maxStreamWriteBufferSize()
		s.outwin = c.streams.peerInitialMaxStreamDataBidiLocal
	}
	s.inUnlock()
	s.outUnlock()

	c.streams.streams[id] = s
	c.streams.acceptQueue.put(s)
	return s
}

// maybeQueueStreamForSend moves s onto the appropriate send queue if its
// state requires it, and wakes the conn's loop.
func (c *Conn) maybeQueueStreamForSend(s *Stream, state streamState) {
	if state.wantQueue() == state.inQueue() {
		return
	}
	c.streams.sendMu.Lock()
	defer c.streams.sendMu.Unlock()
	state = s.state.load()
	c.queueStreamForSendLocked(s, state)
	c.streams.needSend.Store(true)
	c.wake(ReasonStreamFlags)
}

func (c *Conn) queueStreamForSendLocked(s *Stream, state streamState) {
	for {
		wantQueue := state.wantQueue()
		inQueue := state.inQueue()
		if inQueue == wantQueue {
			return
		}
		switch inQueue {
		case metaQueue:
			c.streams.queueMeta.remove(s)
		case dataQueue:
			c.streams.queueData.remove(s)
		}
		switch wantQueue {
		case metaQueue:
			c.streams.queueMeta.append(s)
			state = s.state.set(streamQueueMeta, streamQueueMeta|streamQueueData)
		case dataQueue:
			c.streams.queueData.append(s)
			state = s.state.set(streamQueueData, streamQueueMeta|streamQueueData)
		case noQueue:
			state = s.state.set(0, streamQueueMeta|streamQueueData)
		}
		// The state may have changed concurrently; loop to confirm we
		// landed on the right queue rather than a stale one.
	}
}

// appendStreamFrames writes stream-related frames to the current packet.
// Returns true if no more frames need appending, false if the packet
// filled up first.
func (c *Conn) appendStreamFrames(pnum wire.PacketNumber, pto bool) bool {
	if pto {
		return c.appendStreamFramesPTO(pnum)
	}
	if !c.streams.needSend.Load() {
		return true
	}
	c.streams.sendMu.Lock()
	defer c.streams.sendMu.Unlock()

	for c.streams.queueMeta.head != nil {
		s := c.streams.queueMeta.head
		state := s.state.load()
		if state&streamInSendMeta != 0 {
			s.ingate.lock()
			ok := s.appendInFramesLocked(&c.w, pnum, pto)
			state = s.inUnlockNoQueue()
			if !ok {
				return false
			}
		}
		if state&streamOutSendMeta != 0 {
			s.outgate.lock()
			ok := s.appendOutFramesLocked(&c.w, pnum, pto)
			state = s.outUnlockNoQueue()
			if !ok && state&streamOutSendMeta != 0 {
				return false
			}
		}
		c.streams.queueMeta.remove(s)
		if state&(streamInDone|streamOutDone) == streamInDone|streamOutDone {
			state = s.state.set(streamConnRemoved, streamQueueMeta|streamConnRemoved)
			delete(c.streams.streams, s.id)
			if s.id.initiator() != c.side {
				c.streams.remoteLimits[s.id.streamType()].close()
			}
		} else {
			state = s.state.set(0, streamQueueMeta|streamConnRemoved)
		}
		c.queueStreamForSendLocked(s, state)
	}

	for c.streams.queueData.head != nil {
		avail := c.streams.outflow.avail()
		if avail == 0 {
			// A stream still has data queued but the connection-level
			// window is exhausted: tell the peer so it can raise
			// max_data instead of waiting on a timeout.
			c.streams.outflow.blocked.set()
			break
		}
		s := c.streams.queueData.head
		s.outgate.lock()
		ok := s.appendOutFramesLocked(&c.w, pnum, pto)
		state := s.outUnlockNoQueue()
		if !ok {
			if avail > 512 {
				c.streams.queueData.head = s.next
			}
			return false
		}
		if state&streamOutSendData != 0 {
			c.streams.queueData.head = s.next
			return true
		}
		c.streams.queueData.remove(s)
		state = s.state.set(0, streamQueueData)
		c.queueStreamForSendLocked(s, state)
	}

	if c.streams.queueMeta.head == nil && c.streams.queueData.head == nil {
		c.streams.needSend.Store(false)
	}
	return true
}

func (c *Conn) appendStreamFramesPTO(pnum wire.PacketNumber) bool {
	c.streams.sendMu.Lock()
	defer c.streams.sendMu.Unlock()
	const pto = true
	for _, s := range c.streams.streams {
		if s == nil {
			continue
		}
		s.ingate.lock()
		inOK := s.appendInFramesLocked(&c.w, pnum, pto)
		s.inUnlockNoQueue()
		if !inOK {
			return false
		}
		s.outgate.lock()
		outOK := s.appendOutFramesLocked(&c.w, pnum, pto)
		s.outUnlockNoQueue()
		if !outOK {
			return false
		}
	}
	return true
}

// A streamRing is a circular linked list of streams awaiting a send pass.
type streamRing struct {
	head *Stream
}

func (r *streamRing) remove(s *Stream) {
	if s.next == s {
		r.head = nil
	} else {
		s.prev.next = s.next
		s.next.prev = s.prev
		if r.head == s {
			r.head = s.next
		}
	}
}

func (r *streamRing) append(s *Stream) {
	if r.head == nil {
		r.head = s
		s.next = s
		s.prev = s
	} else {
		s.prev = r.head.prev
		s.next = r.head
		s.prev.next = s
		s.next.prev = s
	}
}
