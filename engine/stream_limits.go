package engine

import (
	"context"

	"github.com/quiclb/qcore/qerr"
	"github.com/quiclb/qcore/wire"
)

// Limits on the number of open streams. Every connection has separate
// limits for bidirectional and unidirectional streams.
//
// The MAX_STREAMS limit includes closed as well as open streams: closing a
// stream doesn't enable opening a new one, only an increase in the
// MAX_STREAMS limit does.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-4.6

// localStreamLimits are limits on the number of open streams created by us.
type localStreamLimits struct {
	gate   gate
	max    int64 // peer-provided MAX_STREAMS
	opened int64 // number of streams opened by us
}

func (lim *localStreamLimits) init() {
	lim.gate = newGate()
}

// open blocks until MAX_STREAMS quota is available, then reserves a new
// local stream number.
func (lim *localStreamLimits) open(ctx context.Context) (num int64, err error) {
	if err := lim.gate.waitAndLock(ctx); err != nil {
		return 0, err
	}
	n := lim.opened
	lim.opened++
	lim.gate.unlock(lim.opened < lim.max)
	return n, nil
}

// setMax sets the MAX_STREAMS value provided by the peer.
func (lim *localStreamLimits) setMax(maxStreams int64) {
	lim.gate.lock()
	lim.max = max(lim.max, maxStreams)
	lim.gate.unlock(lim.opened < lim.max)
}

// remoteStreamLimits are limits on the number of open streams created by
// the peer.
type remoteStreamLimits struct {
	max     int64   // last MAX_STREAMS sent to the peer
	opened  int64   // number of streams opened by the peer, including closed ones
	closed  int64   // number of peer streams in the closed state
	maxOpen int64   // how many streams we allow the peer to have open at once
	sendMax sentVal // set when a MAX_STREAMS update needs sending
}

func (lim *remoteStreamLimits) init(maxOpen int64) {
	lim.maxOpen = maxOpen
	lim.max = min(maxOpen, implicitStreamLimit)
	lim.opened = 0
}

// open handles the peer opening a new stream.
func (lim *remoteStreamLimits) open(id streamID) error {
	num := id.num()
	if num >= lim.max {
		return qerr.LocalError{Code: qerr.ErrStreamLimit, Reason: "stream limit exceeded"}
	}
	if num >= lim.opened {
		lim.opened = num + 1
		lim.maybeUpdateMax()
	}
	return nil
}

// close handles the peer closing an open stream.
func (lim *remoteStreamLimits) close() {
	lim.closed++
	lim.maybeUpdateMax()
}

func (lim *remoteStreamLimits) maybeUpdateMax() {
	newMax := min(
		lim.closed+lim.maxOpen,
		lim.opened+implicitStreamLimit,
	)
	avail := lim.max - lim.opened
	if newMax > lim.max && (avail < 8 || newMax-lim.max >= 2*avail) {
		lim.max = newMax
		lim.sendMax.setUnsent()
	}
}

// appendFrame appends a MAX_STREAMS frame to the current packet, if
// necessary. It returns true if no more frames need appending, false if
// the frame did not fit in the current packet.
func (lim *remoteStreamLimits) appendFrame(w *packetWriter, typ streamType, pnum wire.PacketNumber, pto bool) bool {
	if lim.sendMax.shouldSendPTO(pto) {
		if !w.appendMaxStreamsFrame(typ, lim.max) {
			return false
		}
		lim.sendMax.setSent(pnum)
	}
	return true
}
