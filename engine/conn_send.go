package engine

import (
	"time"

	"github.com/quiclb/qcore/qerr"
	"github.com/quiclb/qcore/wire"
)

// maybeSend sends datagrams while sending is possible, one per loop
// iteration. Packets are constructed speculatively: a packet is started,
// every frame that might be due is appended, and if nothing was written
// the packet is abandoned. This avoids separate "do we have anything to
// send" and "send it" code paths that could fall out of sync.
//
// If sending is blocked by pacing, it returns the next time a datagram
// may be sent; if blocked indefinitely, it returns the zero Time.
func (c *Conn) maybeSend(now time.Time) (next time.Time) {
	c.loss.cc.setUnderutilized(false)

	for {
		limit, next := c.loss.sendLimit(now)
		if limit == ccBlocked {
			return next
		}
		if !c.sendOK(now) {
			return time.Time{}
		}

		c.w.reset(c.loss.maxSendSize())

		dstConnID, ok := c.connIDs.dstConnID()
		if !ok {
			return time.Time{}
		}

		pad := false
		var sentInitial *sentPacket
		if c.keysInitial.CanWrite() {
			pnumMaxAcked := c.acks[initialSpace].largestSeen()
			pnum := c.loss.nextNumber(initialSpace)
			p := longPacket{
				ptype:     wire.PacketTypeInitial,
				version:   quicVersion1,
				num:       pnum,
				dstConnID: dstConnID,
				srcConnID: c.connIDs.srcConnID(),
				extra:     c.retryToken,
			}
			c.w.startProtectedLongHeaderPacket(pnumMaxAcked, p)
			c.appendFrames(now, initialSpace, pnum, limit)
			sentInitial = c.w.finishProtectedLongHeaderPacket(pnumMaxAcked, c.keysInitial, p)
			if sentInitial != nil {
				c.idleHandlePacketSent(now, sentInitial)
				if c.side == clientSide || sentInitial.ackEliciting {
					pad = true
				}
			}
		}

		if c.keysHandshake.CanWrite() {
			pnumMaxAcked := c.acks[handshakeSpace].largestSeen()
			pnum := c.loss.nextNumber(handshakeSpace)
			p := longPacket{
				ptype:     wire.PacketTypeHandshake,
				version:   quicVersion1,
				num:       pnum,
				dstConnID: dstConnID,
				srcConnID: c.connIDs.srcConnID(),
			}
			c.w.startProtectedLongHeaderPacket(pnumMaxAcked, p)
			c.appendFrames(now, handshakeSpace, pnum, limit)
			if sent := c.w.finishProtectedLongHeaderPacket(pnumMaxAcked, c.keysHandshake, p); sent != nil {
				c.idleHandlePacketSent(now, sent)
				c.loss.packetSent(now, handshakeSpace, sent)
				if c.side == clientSide {
					// "[...] a client MUST discard Initial keys when it
					// first sends a Handshake packet [...]"
					// https://www.rfc-editor.org/rfc/rfc9001.html#section-4.9.1-2
					c.discardKeys(now, initialSpace)
				}
			}
		}

		if c.keysAppData.CanWrite() {
			pnumMaxAcked := c.acks[appDataSpace].largestSeen()
			pnum := c.loss.nextNumber(appDataSpace)
			c.w.start1RTTPacket(pnum, pnumMaxAcked, dstConnID)
			c.appendFrames(now, appDataSpace, pnum, limit)
			if pad && len(c.w.payload()) > 0 {
				c.w.appendPaddingTo(paddedInitialDatagramSize)
				pad = false
			}
			if sent := c.w.finish1RTTPacket(pnum, pnumMaxAcked, dstConnID, &c.keysAppData); sent != nil {
				c.idleHandlePacketSent(now, sent)
				c.loss.packetSent(now, appDataSpace, sent)
			}
		}

		buf := c.w.datagram()
		if len(buf) == 0 {
			if limit == ccOK {
				c.loss.cc.setUnderutilized(true)
			}
			return next
		}

		if sentInitial != nil {
			if pad {
				// Coalesce padding with the Initial packet so the
				// datagram meets the minimum size RFC 9000 requires.
				// https://www.rfc-editor.org/rfc/rfc9000.html#section-14.1-1
				for len(buf) < paddedInitialDatagramSize {
					buf = append(buf, 0)
					sentInitial.size++
					sentInitial.inFlight = true
				}
			}
			if c.keysInitial.CanWrite() {
				c.loss.packetSent(now, initialSpace, sentInitial)
			}
		}

		c.endpoint.sendDatagram(buf, c.peerAddr)
	}
}

func (c *Conn) appendFrames(now time.Time, space numberSpace, pnum wire.PacketNumber, limit ccLimit) {
	if c.lifetime.localErr != nil {
		c.appendConnectionCloseFrame(now, space, c.lifetime.localErr)
		return
	}

	shouldSendAck := c.acks[space].shouldSendAck(now)
	if limit != ccOK {
		// ACKs are exempt from congestion control.
		if shouldSendAck && c.appendAckFrame(now, space) {
			c.acks[space].sentAck()
		}
		return
	}
	if c.appendAckFrame(now, space) {
		defer func() {
			if !shouldSendAck && !c.w.sent.ackEliciting {
				c.w.abandonPacket()
				return
			}
			c.acks[space].sentAck()
			if !c.w.sent.ackEliciting && c.keysAppData.NeedAckEliciting() {
				c.w.appendPingFrame()
			}
		}()
	}

	pto := c.loss.ptoExpired

	c.crypto[space].dataToSend(pto, func(off, size int64) int64 {
		b, _ := c.w.appendCryptoFrame(off, int(size))
		c.crypto[space].sendData(off, b)
		return int64(len(b))
	})

	if space == appDataSpace {
		if c.handshakeConfirmed.shouldSendPTO(pto) {
			if !c.w.appendHandshakeDoneFrame() {
				return
			}
			c.handshakeConfirmed.setSent(pnum)
		}

		if !c.appendDataBlockedFrame(pnum, pto) {
			return
		}
		if !c.appendMaxDataFrame(pnum, pto) {
			return
		}
		if !c.streams.remoteLimits[bidiStream].appendFrame(&c.w, bidiStream, pnum, pto) {
			return
		}
		if !c.streams.remoteLimits[uniStream].appendFrame(&c.w, uniStream, pnum, pto) {
			return
		}
		if !c.connIDs.appendFrames(&c.w, &c.endpoint.resetGen, pnum, pto) {
			return
		}
		if !c.appendPathResponseFrame(pnum, pto) {
			return
		}

		// Stream frames come after the connection-level control frames so
		// large backlogs of STREAM data never crowd them out.
		if !c.appendStreamFrames(pnum, pto) {
			return
		}

		if !c.appendKeepAlive(now) {
			return
		}

		// PMTUD is the lowest-priority flag: it only probes once every
		// higher-priority frame due this flush has had a chance to pack.
		if !c.appendPMTUDProbe(pnum) {
			return
		}
	}

	// PTO probes must be ack-eliciting. https://www.rfc-editor.org/rfc/rfc9002#section-6.2.4
	if pto && !c.w.sent.ackEliciting {
		c.w.appendPingFrame()
	}
}

func (c *Conn) appendAckFrame(now time.Time, space numberSpace) bool {
	seen, delay := c.acks[space].acksToSend(now)
	if len(seen) == 0 {
		return false
	}
	d := unscaledAckDelayFromDuration(delay, ackDelayExponent)
	return c.w.appendAckFrame(seen, d)
}

func (c *Conn) appendConnectionCloseFrame(now time.Time, space numberSpace, err error) {
	c.sentConnectionClose(now)
	switch e := err.(type) {
	case qerr.LocalError:
		c.w.appendConnectionCloseTransportFrame(uint64(e.Code), 0, e.Reason)
	case *qerr.ApplicationError:
		if space != appDataSpace {
			// CONNECTION_CLOSE frames signaling application errors must
			// only appear in the Application Data packet number space.
			// https://www.rfc-editor.org/rfc/rfc9000#section-12.5-2.2
			c.w.appendConnectionCloseTransportFrame(uint64(qerr.ErrApplicationError), 0, "")
		} else {
			c.w.appendConnectionCloseApplicationFrame(e.Code, e.Reason)
		}
	default:
		c.w.appendConnectionCloseTransportFrame(uint64(tlsAlertErrorCode(err)), 0, "")
	}
}

func tlsAlertErrorCode(err error) qerr.TransportError {
	if le, ok := tlsAlertError(err).(qerr.LocalError); ok {
		return le.Code
	}
	return qerr.ErrInternal
}
