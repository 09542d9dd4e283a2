package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/quiclb/qcore/qerr"
	"github.com/quiclb/qcore/wire"
)

// A Stream is a QUIC stream, an ordered, reliable byte stream between the
// two endpoints of a connection. Streams may be bidirectional or
// unidirectional, and either peer may open one at any time, subject to
// the other peer's MAX_STREAMS limit.
type Stream struct {
	id   streamID
	conn *Conn

	// ingate's lock guards all receive-side state. Its condition is set
	// when a read will not block.
	ingate      gate
	in          pipe
	inwin       int64 // last MAX_STREAM_DATA sent to the peer
	insendmax   sentVal
	inmaxbuf    int64
	insize      int64 // -1 until the final size is known
	inset       rangeset[int64]
	inclosed    sentVal
	inresetcode int64 // RESET_STREAM code from the peer; -1 if none

	// outgate's lock guards all send-side state. Its condition is set
	// when a write will not block.
	outgate      gate
	out          pipe
	outflushed   int64
	outwin       int64 // largest MAX_STREAM_DATA received from the peer
	outmaxsent   int64
	outmaxbuf    int64
	outunsent    rangeset[int64]
	outacked     rangeset[int64]
	outopened    sentVal
	outclosed    sentVal
	outblocked   sentVal
	outreset     sentVal
	outresetcode uint64
	outdone      chan struct{}

	state atomicBits[streamState]

	prev, next *Stream // guarded by streamsState.sendMu
}

type streamState uint32

const (
	streamInSendMeta = streamState(1 << iota)
	streamOutSendMeta
	streamOutSendData
	streamInDone
	streamOutDone
	streamConnRemoved
	streamQueueMeta
	streamQueueData
)

type streamQueue int

const (
	noQueue = streamQueue(iota)
	metaQueue
	dataQueue
)

func (s streamState) wantQueue() streamQueue {
	switch {
	case s&(streamInSendMeta|streamOutSendMeta) != 0:
		return metaQueue
	case s&(streamInDone|streamOutDone|streamConnRemoved) == streamInDone|streamOutDone:
		return metaQueue
	case s&streamOutSendData != 0:
		return dataQueue
	}
	return noQueue
}

func (s streamState) inQueue() streamQueue {
	switch {
	case s&streamQueueMeta != 0:
		return metaQueue
	case s&streamQueueData != 0:
		return dataQueue
	}
	return noQueue
}

func newStream(c *Conn, id streamID) *Stream {
	s := &Stream{
		conn:        c,
		id:          id,
		insize:      -1,
		inresetcode: -1,
		ingate:      newLockedGate(),
		outgate:     newLockedGate(),
	}
	if !s.IsReadOnly() {
		s.outdone = make(chan struct{})
	}
	return s
}

// ID returns the stream's identifier.
func (s *Stream) ID() int64 { return int64(s.id) }

// IsReadOnly reports whether the stream is a unidirectional stream
// created by the peer.
func (s *Stream) IsReadOnly() bool {
	return s.id.streamType() == uniStream && s.id.initiator() != s.conn.side
}

// IsWriteOnly reports whether the stream is a unidirectional stream
// created locally.
func (s *Stream) IsWriteOnly() bool {
	return s.id.streamType() == uniStream && s.id.initiator() == s.conn.side
}

// Read reads data from the stream.
func (s *Stream) Read(b []byte) (n int, err error) {
	return s.ReadContext(context.Background(), b)
}

// ReadContext reads data from the stream, returning as soon as at least
// one byte is available. It returns io.EOF once the peer has closed the
// stream and all data has been read, or an error wrapping
// qerr.StreamErrorCode if the peer reset the stream.
func (s *Stream) ReadContext(ctx context.Context, b []byte) (n int, err error) {
	if s.IsWriteOnly() {
		return 0, errors.New("qcore: read from write-only stream")
	}
	if err := s.ingate.waitAndLock(ctx); err != nil {
		return 0, err
	}
	defer func() {
		s.inUnlock()
		s.conn.handleStreamBytesReadOffLoop(int64(n))
	}()
	if s.inresetcode != -1 {
		return 0, fmt.Errorf("qcore: stream reset by peer: %w", qerr.StreamErrorCode(s.inresetcode))
	}
	if s.inclosed.isSet() {
		return 0, errors.New("qcore: read from closed stream")
	}
	if s.insize == s.in.start {
		return 0, io.EOF
	}
	if len(s.inset) < 1 || s.inset[0].start != 0 || s.inset[0].end <= s.in.start {
		panic("qcore: inconsistent stream receive state")
	}
	if size := int(s.inset[0].end - s.in.start); size < len(b) {
		b = b[:size]
	}
	start := s.in.start
	end := start + int64(len(b))
	s.in.copy(start, b)
	s.in.discardBefore(end)
	if s.insize == -1 || s.insize > s.inwin {
		if shouldUpdateFlowControl(s.inmaxbuf, s.in.start+s.inmaxbuf-s.inwin) {
			s.insendmax.setUnsent()
		}
	}
	if end == s.insize {
		return len(b), io.EOF
	}
	return len(b), nil
}

// shouldUpdateFlowControl decides whether a window extension is large
// enough to justify a MAX_STREAM_DATA update.
func shouldUpdateFlowControl(maxWindow, addedWindow int64) bool {
	return addedWindow >= maxWindow/8
}

// Write writes data to the stream.
func (s *Stream) Write(b []byte) (n int, err error) {
	return s.WriteContext(context.Background(), b)
}

// WriteContext buffers b for transmission. Buffered data is only sent
// once the buffer is sufficiently full or Flush is called.
func (s *Stream) WriteContext(ctx context.Context, b []byte) (n int, err error) {
	if s.IsReadOnly() {
		return 0, errors.New("qcore: write to read-only stream")
	}
	canWrite := s.outgate.lock()
	for {
		if len(b) > 0 && !canWrite {
			s.outUnlock()
			if err := s.outgate.waitAndLock(ctx); err != nil {
				return n, err
			}
		}
		if s.outreset.isSet() {
			s.outUnlock()
			return n, errors.New("qcore: write to reset stream")
		}
		if s.outclosed.isSet() {
			s.outUnlock()
			return n, errors.New("qcore: write to closed stream")
		}
		if len(b) == 0 {
			break
		}
		lim := s.out.start + s.outmaxbuf
		nn := min(int64(len(b)), lim-s.out.end)
		s.out.writeAt(b[:nn], s.out.end)
		b = b[nn:]
		n += int(nn)

		const autoFlushSize = smallestMaxDatagramSize - 1 - connIDLen - 1 - aeadOverhead
		shouldFlush := s.out.end >= s.outwin ||
			s.out.end >= lim ||
			(s.out.end-s.outflushed) >= autoFlushSize
		if shouldFlush {
			s.flushLocked()
		}
		if s.out.end > s.outwin {
			s.outblocked.set()
		}
		canWrite = false
	}
	s.outUnlock()
	return n, nil
}

// Flush flushes buffered writes without waiting for the peer to
// acknowledge receipt.
func (s *Stream) Flush() {
	s.outgate.lock()
	defer s.outUnlock()
	s.flushLocked()
}

func (s *Stream) flushLocked() {
	s.outopened.set()
	if s.outflushed < s.outwin {
		s.outunsent.add(s.outflushed, min(s.outwin, s.out.end))
	}
	s.outflushed = s.out.end
}

// Close closes the stream.
func (s *Stream) Close() error {
	return s.CloseContext(context.Background())
}

// CloseContext flushes buffered writes, waits for the peer to
// acknowledge all data (or the reset), and aborts reads.
func (s *Stream) CloseContext(ctx context.Context) error {
	s.CloseRead()
	if s.IsReadOnly() {
		return nil
	}
	s.CloseWrite()
	return s.conn.waitOnDone(ctx, s.outdone)
}

// CloseRead aborts reads on the stream, sending STOP_SENDING to the peer
// if it has not already finished sending.
func (s *Stream) CloseRead() {
	if s.IsWriteOnly() {
		return
	}
	s.ingate.lock()
	if s.inset.isrange(0, s.insize) || s.inresetcode != -1 {
		s.inclosed.setReceived()
	} else {
		s.inclosed.set()
	}
	discarded := s.in.end - s.in.start
	s.in.discardBefore(s.in.end)
	s.inUnlock()
	s.conn.handleStreamBytesReadOffLoop(discarded)
}

// CloseWrite flushes buffered writes and sends a FIN to the peer without
// waiting for acknowledgement.
func (s *Stream) CloseWrite() {
	if s.IsReadOnly() {
		return
	}
	s.outgate.lock()
	defer s.outUnlock()
	s.outclosed.set()
	s.flushLocked()
}

// Reset aborts writes on the stream, sending RESET_STREAM with the given
// application error code.
func (s *Stream) Reset(code uint64) {
	const userClosed = true
	s.resetInternal(code, userClosed)
}

func (s *Stream) resetInternal(code uint64, userClosed bool) {
	s.outgate.lock()
	defer s.outUnlock()
	if s.IsReadOnly() {
		return
	}
	if userClosed {
		s.outclosed.set()
	}
	if s.outreset.isSet() {
		return
	}
	if code > wire.MaxVarint {
		code = wire.MaxVarint
	}
	s.outreset.set()
	s.outresetcode = code
	s.out.discardBefore(s.out.end)
	s.outunsent = rangeset[int64]{}
	s.outblocked.clear()
}

func (s *Stream) inUnlock() {
	state := s.inUnlockNoQueue()
	s.conn.maybeQueueStreamForSend(s, state)
}

func (s *Stream) inUnlockNoQueue() streamState {
	canRead := s.inset.contains(s.in.start) ||
		s.insize == s.in.start ||
		s.inresetcode != -1 ||
		s.inclosed.isSet()
	defer s.ingate.unlock(canRead)
	var state streamState
	switch {
	case s.IsWriteOnly():
		state = streamInDone
	case s.inresetcode != -1:
		fallthrough
	case s.in.start == s.insize:
		if s.inclosed.isSet() {
			state = streamInDone
		}
	case s.insendmax.shouldSend():
		state = streamInSendMeta
	case s.inclosed.shouldSend():
		state = streamInSendMeta
	}
	const mask = streamInDone | streamInSendMeta
	return s.state.set(state, mask)
}

func (s *Stream) outUnlock() {
	state := s.outUnlockNoQueue()
	s.conn.maybeQueueStreamForSend(s, state)
}

func (s *Stream) outUnlockNoQueue() streamState {
	isDone := s.outclosed.isReceived() && s.outacked.isrange(0, s.out.end) ||
		s.outreset.isSet()
	if isDone {
		select {
		case <-s.outdone:
		default:
			if !s.IsReadOnly() {
				close(s.outdone)
			}
		}
	}
	lim := s.out.start + s.outmaxbuf
	canWrite := lim > s.out.end || s.outclosed.isSet() || s.outreset.isSet()
	defer s.outgate.unlock(canWrite)
	var state streamState
	switch {
	case s.IsReadOnly():
		state = streamOutDone
	case s.outclosed.isReceived() && s.outacked.isrange(0, s.out.end):
		fallthrough
	case s.outreset.isReceived():
		if s.outclosed.isSet() {
			state = streamOutDone
		}
	case s.outreset.shouldSend():
		state = streamOutSendMeta
	case s.outreset.isSet():
	case s.outblocked.shouldSend():
		state = streamOutSendMeta
	case len(s.outunsent) > 0:
		if s.outunsent.min() < s.outmaxsent {
			state = streamOutSendMeta
		} else {
			state = streamOutSendData
		}
	case s.outclosed.shouldSend() && s.out.end == s.outmaxsent:
		state = streamOutSendMeta
	case s.outopened.shouldSend():
		state = streamOutSendMeta
	}
	const mask = streamOutDone | streamOutSendMeta | streamOutSendData
	return s.state.set(state, mask)
}

// handleData processes data carried in a STREAM frame.
func (s *Stream) handleData(off int64, b []byte, fin bool) error {
	s.ingate.lock()
	defer s.inUnlock()
	end := off + int64(len(b))
	if err := s.checkStreamBounds(end, fin); err != nil {
		return err
	}
	if s.inclosed.isSet() || s.inresetcode != -1 {
		return nil
	}
	if s.insize == -1 && end > s.in.end {
		added := end - s.in.end
		if err := s.conn.handleStreamBytesReceived(added); err != nil {
			return err
		}
	}
	s.in.writeAt(b, off)
	s.inset.add(off, end)
	if fin {
		s.insize = end
		s.insendmax.clear()
	}
	return nil
}

// handleReset processes a RESET_STREAM frame.
func (s *Stream) handleReset(code uint64, finalSize int64) error {
	s.ingate.lock()
	defer s.inUnlock()
	const fin = true
	if err := s.checkStreamBounds(finalSize, fin); err != nil {
		return err
	}
	if s.inresetcode != -1 {
		return nil
	}
	if s.insize == -1 {
		added := finalSize - s.in.end
		if err := s.conn.handleStreamBytesReceived(added); err != nil {
			return err
		}
	}
	s.conn.handleStreamBytesReadOnLoop(finalSize - s.in.start)
	s.in.discardBefore(s.in.end)
	s.inresetcode = int64(code)
	s.insize = finalSize
	return nil
}

func (s *Stream) checkStreamBounds(end int64, fin bool) error {
	if end > s.inwin {
		return qerr.LocalError{Code: qerr.ErrFlowControl, Reason: "stream flow control window exceeded"}
	}
	if s.insize != -1 && end > s.insize {
		return qerr.LocalError{Code: qerr.ErrFinalSize, Reason: "data received past end of stream"}
	}
	if fin && s.insize != -1 && end != s.insize {
		return qerr.LocalError{Code: qerr.ErrFinalSize, Reason: "final size of stream changed"}
	}
	if fin && end < s.in.end {
		return qerr.LocalError{Code: qerr.ErrFinalSize, Reason: "end of stream occurs before prior data"}
	}
	return nil
}

// handleStopSending processes a STOP_SENDING frame by resetting the send
// side of the stream, as if by Reset.
// https://www.rfc-editor.org/rfc/rfc9000#section-3.5-4
func (s *Stream) handleStopSending(code uint64) error {
	const userReset = false
	s.resetInternal(code, userReset)
	return nil
}

// handleMaxStreamData processes a MAX_STREAM_DATA frame.
func (s *Stream) handleMaxStreamData(maxStreamData int64) error {
	s.outgate.lock()
	defer s.outUnlock()
	if maxStreamData <= s.outwin {
		return nil
	}
	if s.outflushed > s.outwin {
		s.outunsent.add(s.outwin, min(maxStreamData, s.outflushed))
	}
	s.outwin = maxStreamData
	if s.out.end > s.outwin {
		s.outblocked.setUnsent()
	} else {
		s.outblocked.clear()
	}
	return nil
}

// ackOrLoss handles the fate of stream control frames other than STREAM.
func (s *Stream) ackOrLoss(pnum wire.PacketNumber, ftype uint64, fate packetFate) {
	switch ftype {
	case wire.FrameTypeResetStream:
		s.outgate.lock()
		s.outreset.ackOrLoss(pnum, fate)
		s.outUnlock()
	case wire.FrameTypeStopSending:
		s.ingate.lock()
		s.inclosed.ackOrLoss(pnum, fate)
		s.inUnlock()
	case wire.FrameTypeMaxStreamData:
		s.ingate.lock()
		s.insendmax.ackLatestOrLoss(pnum, fate)
		s.inUnlock()
	case wire.FrameTypeStreamDataBlocked:
		s.outgate.lock()
		s.outblocked.ackLatestOrLoss(pnum, fate)
		s.outUnlock()
	default:
		panic("qcore: unhandled stream frame type")
	}
}

// ackOrLossData handles the fate of a STREAM frame.
func (s *Stream) ackOrLossData(pnum wire.PacketNumber, start, end int64, fin bool, fate packetFate) {
	s.outgate.lock()
	defer s.outUnlock()
	s.outopened.ackOrLoss(pnum, fate)
	if fin {
		s.outclosed.ackOrLoss(pnum, fate)
	}
	if s.outreset.isSet() {
		return
	}
	switch fate {
	case packetAcked:
		s.outacked.add(start, end)
		s.outunsent.sub(start, end)
		if s.outacked.contains(s.out.start) {
			s.out.discardBefore(s.outacked[0].end)
		}
	case packetLost:
		s.outunsent.add(start, end)
		for _, a := range s.outacked {
			s.outunsent.sub(a.start, a.end)
		}
	}
}

// appendInFramesLocked appends STOP_SENDING and MAX_STREAM_DATA frames.
func (s *Stream) appendInFramesLocked(w *packetWriter, pnum wire.PacketNumber, pto bool) bool {
	if s.inclosed.shouldSendPTO(pto) {
		code := uint64(0)
		if !w.appendStopSendingFrame(s.id, code) {
			return false
		}
		s.inclosed.setSent(pnum)
	}
	if s.insendmax.shouldSendPTO(pto) {
		maxStreamData := s.in.start + s.inmaxbuf
		if !w.appendMaxStreamDataFrame(s.id, maxStreamData) {
			return false
		}
		s.inwin = maxStreamData
		s.insendmax.setSent(pnum)
	}
	return true
}

// appendOutFramesLocked appends RESET_STREAM, STREAM_DATA_BLOCKED, and
// STREAM frames.
func (s *Stream) appendOutFramesLocked(w *packetWriter, pnum wire.PacketNumber, pto bool) bool {
	if s.outreset.isSet() {
		if s.outreset.shouldSendPTO(pto) {
			if !w.appendResetStreamFrame(s.id, s.outresetcode, min(s.outwin, s.out.end)) {
				return false
			}
			s.outreset.setSent(pnum)
			s.frameOpensStream(pnum)
		}
		return true
	}
	if s.outblocked.shouldSendPTO(pto) {
		if !w.appendStreamDataBlockedFrame(s.id, s.outwin) {
			return false
		}
		s.outblocked.setSent(pnum)
		s.frameOpensStream(pnum)
	}
	for {
		off, size := cryptoDataToSend(min(s.out.start, s.outwin), min(s.outflushed, s.outwin), s.outunsent, s.outacked, pto)
		if end := off + size; end > s.outmaxsent {
			end = min(end, s.outmaxsent+s.conn.streams.outflow.avail())
			end = max(end, off)
			size = end - off
		}
		fin := s.outclosed.isSet() && off+size == s.out.end
		shouldSend := size > 0 ||
			s.outopened.shouldSendPTO(pto) ||
			(fin && s.outclosed.shouldSendPTO(pto))
		if !shouldSend {
			return true
		}
		b, added := w.appendStreamFrame(s.id, off, int(size), fin)
		if !added {
			return false
		}
		s.out.copy(off, b)
		end := off + int64(len(b))
		if end > s.outmaxsent {
			s.conn.streams.outflow.consume(end - s.outmaxsent)
			s.outmaxsent = end
		}
		s.outunsent.sub(off, end)
		s.frameOpensStream(pnum)
		if fin {
			s.outclosed.setSent(pnum)
		}
		if pto {
			return true
		}
		if int64(len(b)) < size {
			return false
		}
	}
}

func (s *Stream) frameOpensStream(pnum wire.PacketNumber) {
	if !s.outopened.isReceived() {
		s.outopened.setSent(pnum)
	}
}
