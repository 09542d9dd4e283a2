package engine

import (
	"sync/atomic"
	"time"

	"github.com/quiclb/qcore/qerr"
	"github.com/quiclb/qcore/wire"
)

// connInflow tracks connection-level flow control for data the peer sends
// us. Four byte offsets matter, each >= the previous: bytes read by the
// user, bytes received from the peer, the limit last sent to the peer in
// a MAX_DATA frame, and a potential new limit. As the user reads data the
// window is extended; credit accumulates atomically until it's large
// enough to justify sending an update.
type connInflow struct {
	sent      sentVal
	usedLimit int64
	sentLimit int64
	newLimit  int64

	credit atomic.Int64
}

func (c *Conn) inflowInit() {
	c.streams.inflow.sentLimit = c.config.maxConnReadBufferSize()
	c.streams.inflow.newLimit = c.streams.inflow.sentLimit
}

// handleStreamBytesReadOffLoop records that the user consumed bytes from
// a stream read, off the conn's loop goroutine.
func (c *Conn) handleStreamBytesReadOffLoop(n int64) {
	if n == 0 {
		return
	}
	if c.shouldUpdateFlowControl(c.streams.inflow.credit.Add(n)) {
		c.sendMsg(func(now time.Time, c *Conn) {
			if c.shouldUpdateFlowControl(c.streams.inflow.credit.Load()) {
				c.sendMaxDataUpdate()
			}
		})
	}
}

// handleStreamBytesReadOnLoop extends the flow control window after data
// is discarded by a RESET_STREAM. Runs on the conn's loop.
func (c *Conn) handleStreamBytesReadOnLoop(n int64) {
	if c.shouldUpdateFlowControl(c.streams.inflow.credit.Add(n)) {
		c.sendMaxDataUpdate()
	}
}

func (c *Conn) sendMaxDataUpdate() {
	c.streams.inflow.sent.setUnsent()
	c.streams.inflow.newLimit += c.streams.inflow.credit.Swap(0)
	c.wake(ReasonConnectionFlowControl)
}

func (c *Conn) shouldUpdateFlowControl(credit int64) bool {
	limit := c.config.maxConnReadBufferSize()
	return credit*2 >= limit
}

// handleStreamBytesReceived records stream bytes sent by the peer.
func (c *Conn) handleStreamBytesReceived(n int64) error {
	c.streams.inflow.usedLimit += n
	if c.streams.inflow.usedLimit > c.streams.inflow.sentLimit {
		return qerr.LocalError{Code: qerr.ErrFlowControl, Reason: "stream exceeded connection flow control limit"}
	}
	return nil
}

// appendMaxDataFrame appends a MAX_DATA frame if one is owed. Returns
// true if no more frames need appending, false if it did not fit.
func (c *Conn) appendMaxDataFrame(pnum wire.PacketNumber, pto bool) bool {
	if c.streams.inflow.sent.shouldSendPTO(pto) {
		c.streams.inflow.newLimit += c.streams.inflow.credit.Swap(0)
		if !c.w.appendMaxDataFrame(c.streams.inflow.newLimit) {
			return false
		}
		c.streams.inflow.sentLimit = c.streams.inflow.newLimit
		c.streams.inflow.sent.setSent(pnum)
	}
	return true
}

func (c *Conn) ackOrLossMaxData(pnum wire.PacketNumber, fate packetFate) {
	c.streams.inflow.sent.ackLatestOrLoss(pnum, fate)
}

// connOutflow tracks connection-level flow control for data we send.
type connOutflow struct {
	max     int64
	used    int64
	blocked sentVal
}

func (f *connOutflow) setMaxData(maxData int64) {
	if maxData > f.max {
		f.max = maxData
		if f.used < f.max {
			f.blocked.clear()
		}
	}
}

func (f *connOutflow) avail() int64 {
	return f.max - f.used
}

func (f *connOutflow) consume(n int64) {
	f.used += n
}

// appendDataBlockedFrame appends a connection-level DATA_BLOCKED frame if
// one is owed: a stream write was stalled by peer_max_data since the last
// flush. Returns true if no more frames need appending, false if it did
// not fit.
func (c *Conn) appendDataBlockedFrame(pnum wire.PacketNumber, pto bool) bool {
	if c.streams.outflow.blocked.shouldSendPTO(pto) {
		if !c.w.appendDataBlockedFrame(c.streams.outflow.max) {
			return false
		}
		c.streams.outflow.blocked.setSent(pnum)
	}
	return true
}
