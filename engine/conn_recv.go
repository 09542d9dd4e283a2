package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/quiclb/qcore/packetkey"
	"github.com/quiclb/qcore/qerr"
	"github.com/quiclb/qcore/wire"
)

// handleDatagram processes one received UDP datagram, which may contain
// multiple coalesced QUIC packets.
func (c *Conn) handleDatagram(now time.Time, dgram *datagram) {
	buf := dgram.b
	c.loss.datagramReceived(now, len(buf))
	if c.isDraining() {
		return
	}
	for len(buf) > 0 {
		var n int
		ptype := wire.GetPacketType(buf)
		switch ptype {
		case wire.PacketTypeInitial:
			if c.side == serverSide && len(dgram.b) < paddedInitialDatagramSize {
				// Discard client-sent Initial packets in too-short
				// datagrams. https://www.rfc-editor.org/rfc/rfc9000#section-14.1-4
				return
			}
			n = c.handleLongHeader(now, ptype, initialSpace, c.keysInitial, buf)
		case wire.PacketTypeHandshake:
			n = c.handleLongHeader(now, ptype, handshakeSpace, c.keysHandshake, buf)
		case wire.PacketType1RTT:
			n = c.handle1RTT(now, buf)
		case wire.PacketTypeRetry:
			c.handleRetry(now, buf)
			return
		case wire.PacketTypeVersionNegotiation:
			c.handleVersionNegotiation(now, buf)
			return
		default:
			n = -1
		}
		if n <= 0 {
			// "[...] the comparison MUST be performed when the first
			// packet in an incoming datagram [...] cannot be decrypted."
			// https://www.rfc-editor.org/rfc/rfc9000#section-10.3.1-2
			if len(buf) == len(dgram.b) && len(buf) > statelessResetTokenLen {
				var token statelessResetToken
				copy(token[:], buf[len(buf)-len(token):])
				c.handleStatelessReset(now, token)
			}
			break
		}
		c.idleHandlePacketReceived(now)
		buf = buf[n:]
	}
}

func (c *Conn) handleLongHeader(now time.Time, ptype wire.PacketType, space numberSpace, k packetkey.FixedKeyPair, buf []byte) int {
	if !k.CanRead() {
		return skipLongHeaderPacket(buf)
	}

	pnumMax := c.acks[space].largestSeen()
	p, n := parseLongHeaderPacket(buf, k, pnumMax)
	if n < 0 {
		return -1
	}
	if buf[0]&wire.ReservedLongBits != 0 {
		// Reserved header bits must be 0.
		// https://www.rfc-editor.org/rfc/rfc9000#section-17.2-8.2.1
		c.abort(now, qerr.LocalError{Code: qerr.ErrProtocolViolation, Reason: "reserved header bits are not zero"})
		return -1
	}
	if p.version != quicVersion1 {
		c.abort(now, qerr.LocalError{Code: qerr.ErrProtocolViolation, Reason: "protocol version changed during handshake"})
		return -1
	}

	if !c.acks[space].shouldProcess(p.num) {
		return n
	}

	c.connIDs.handlePacket(c.side, p.ptype, p.srcConnID)
	ackEliciting := c.handleFrames(now, ptype, space, p.payload)
	c.acks[space].receive(now, space, p.num, ackEliciting)
	if p.ptype == wire.PacketTypeHandshake && c.side == serverSide {
		c.loss.validateClientAddress()
		// "[...] a server MUST discard Initial keys when it first
		// successfully processes a Handshake packet [...]"
		// https://www.rfc-editor.org/rfc/rfc9001#section-4.9.1-2
		c.discardKeys(now, initialSpace)
	}
	return n
}

func (c *Conn) handle1RTT(now time.Time, buf []byte) int {
	if !c.keysAppData.CanRead() {
		// 1-RTT packets extend to the end of the datagram, so skip the
		// remainder if we can't parse this one.
		return len(buf)
	}

	pnumMax := c.acks[appDataSpace].largestSeen()
	p, err := parse1RTTPacket(buf, &c.keysAppData, connIDLen, pnumMax)
	if err != nil {
		var le qerr.LocalError
		if errors.As(err, &le) {
			c.abort(now, err)
		}
		return -1
	}
	if buf[0]&wire.Reserved1RTTBits != 0 {
		c.abort(now, qerr.LocalError{Code: qerr.ErrProtocolViolation, Reason: "reserved header bits are not zero"})
		return -1
	}

	if !c.acks[appDataSpace].shouldProcess(p.num) {
		return len(buf)
	}

	ackEliciting := c.handleFrames(now, wire.PacketType1RTT, appDataSpace, p.payload)
	c.acks[appDataSpace].receive(now, appDataSpace, p.num, ackEliciting)
	c.keysAppData.HandleAckFor(p.num)
	return len(buf)
}

func (c *Conn) handleRetry(now time.Time, pkt []byte) {
	if c.side != clientSide {
		return // clients don't send Retry packets
	}
	// "After the client has received and processed an Initial or Retry
	// packet from the server, it MUST discard any subsequent Retry
	// packets that it receives." https://www.rfc-editor.org/rfc/rfc9000#section-17.2.5.2-1
	if !c.keysInitial.CanRead() {
		return // Initial keys discarded, connection already established
	}
	if c.acks[initialSpace].seen.numRanges() != 0 {
		return // already processed at least one packet
	}
	if c.retryToken != nil {
		return // already received a Retry
	}
	// "Clients MUST discard Retry packets that have a Retry Integrity
	// Tag that cannot be validated." https://www.rfc-editor.org/rfc/rfc9000#section-17.2.5.2-2
	p, ok := parseRetryPacket(pkt, c.connIDs.originalDstConnID)
	if !ok {
		return
	}
	// "A client MUST discard a Retry packet with a zero-length Retry
	// Token field." https://www.rfc-editor.org/rfc/rfc9000#section-17.2.5.2-2
	if len(p.token) == 0 {
		return
	}
	c.retryToken = cloneBytes(p.token)
	c.connIDs.handleRetryPacket(p.srcConnID)
	kSide := packetkey.Side(c.side)
	c.keysInitial = packetkey.InitialKeys(p.srcConnID, kSide)
	// Any data already sent in Initial packets must be resent; packet
	// numbers already used must not be reused.
	c.loss.discardPackets(initialSpace, c.handleAckOrLoss)
}

var errVersionNegotiation = errors.New("qcore: server does not support QUIC version 1")

func (c *Conn) handleVersionNegotiation(now time.Time, pkt []byte) {
	if c.side != clientSide {
		return // servers don't handle Version Negotiation packets
	}
	// "A client MUST discard any Version Negotiation packet if it has
	// received and successfully processed any other packet [...]"
	// https://www.rfc-editor.org/rfc/rfc9000#section-6.2-2
	if !c.keysInitial.CanRead() {
		return
	}
	if c.acks[initialSpace].seen.numRanges() != 0 {
		return
	}
	_, srcConnID, versions := parseVersionNegotiation(pkt)
	if len(c.connIDs.remote) < 1 || !bytes.Equal(c.connIDs.remote[0].cid, srcConnID) {
		return // Source Connection ID doesn't match what we sent
	}
	for len(versions) >= 4 {
		ver := binary.BigEndian.Uint32(versions)
		if ver == quicVersion1 {
			// "A client MUST discard a Version Negotiation packet that
			// lists the QUIC version selected by the client."
			// https://www.rfc-editor.org/rfc/rfc9000#section-6.2-2
			return
		}
		versions = versions[4:]
	}
	c.abortImmediately(now, errVersionNegotiation)
}

func (c *Conn) handleFrames(now time.Time, ptype wire.PacketType, space numberSpace, payload []byte) (ackEliciting bool) {
	if len(payload) == 0 {
		// "An endpoint MUST treat receipt of a packet containing no
		// frames as a connection error of type PROTOCOL_VIOLATION."
		// https://www.rfc-editor.org/rfc/rfc9000#section-12.4-3
		c.abort(now, qerr.LocalError{Code: qerr.ErrProtocolViolation, Reason: "packet contains no frames"})
		return false
	}
	frameOK := func(mask wire.PacketType) bool {
		if ptype&mask == 0 {
			// "An endpoint MUST treat receipt of a frame in a packet
			// type that is not permitted as a connection error of type
			// PROTOCOL_VIOLATION." https://www.rfc-editor.org/rfc/rfc9000#section-12.4-3
			c.abort(now, qerr.LocalError{Code: qerr.ErrProtocolViolation, Reason: "frame not allowed in packet"})
			return false
		}
		return true
	}
	// Packet masks from RFC 9000 Table 3.
	// https://www.rfc-editor.org/rfc/rfc9000#table-3
	const (
		ih1 = wire.PacketTypeInitial | wire.PacketTypeHandshake | wire.PacketType1RTT
		z01 = wire.PacketType0RTT | wire.PacketType1RTT
		z1  = wire.PacketType1RTT
	)
	for len(payload) > 0 {
		switch payload[0] {
		case wire.FrameTypePadding, wire.FrameTypeAck, wire.FrameTypeAckECN,
			wire.FrameTypeConnectionCloseTransport, wire.FrameTypeConnectionCloseApplication:
		default:
			ackEliciting = true
		}
		n := -1
		switch payload[0] {
		case wire.FrameTypePadding:
			n = 1 // PADDING is OK in all spaces.
		case wire.FrameTypePing:
			n = 1 // PING is OK in all spaces.
		case wire.FrameTypeAck, wire.FrameTypeAckECN:
			if !frameOK(ih1) {
				return
			}
			n = c.handleAckFrame(now, space, payload)
		case wire.FrameTypeResetStream:
			if !frameOK(z01) {
				return
			}
			n = c.handleResetStreamFrame(now, payload)
		case wire.FrameTypeStopSending:
			if !frameOK(z01) {
				return
			}
			n = c.handleStopSendingFrame(now, payload)
		case wire.FrameTypeCrypto:
			if !frameOK(ih1) {
				return
			}
			n = c.handleCryptoFrame(now, space, payload)
		case wire.FrameTypeNewToken:
			if !frameOK(z1) {
				return
			}
			_, n = consumeNewTokenFrame(payload)
		case 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f: // STREAM
			if !frameOK(z01) {
				return
			}
			n = c.handleStreamFrame(now, payload)
		case wire.FrameTypeMaxData:
			if !frameOK(z01) {
				return
			}
			n = c.handleMaxDataFrame(payload)
		case wire.FrameTypeMaxStreamData:
			if !frameOK(z01) {
				return
			}
			n = c.handleMaxStreamDataFrame(now, payload)
		case wire.FrameTypeMaxStreamsBidi, wire.FrameTypeMaxStreamsUni:
			if !frameOK(z01) {
				return
			}
			n = c.handleMaxStreamsFrame(payload)
		case wire.FrameTypeDataBlocked:
			if !frameOK(z01) {
				return
			}
			_, n = consumeDataBlockedFrame(payload)
		case wire.FrameTypeStreamsBlockedBidi, wire.FrameTypeStreamsBlockedUni:
			if !frameOK(z01) {
				return
			}
			_, _, n = consumeStreamsBlockedFrame(payload)
		case wire.FrameTypeStreamDataBlocked:
			if !frameOK(z01) {
				return
			}
			_, _, n = consumeStreamDataBlockedFrame(payload)
		case wire.FrameTypeNewConnectionID:
			if !frameOK(z01) {
				return
			}
			n = c.handleNewConnectionIDFrame(now, payload)
		case wire.FrameTypeRetireConnectionID:
			if !frameOK(z01) {
				return
			}
			n = c.handleRetireConnectionIDFrame(now, payload)
		case wire.FrameTypePathChallenge:
			if !frameOK(z01) {
				return
			}
			n = c.handlePathChallengeFrame(payload)
		case wire.FrameTypePathResponse:
			if !frameOK(z1) {
				return
			}
			n = c.handlePathResponseFrame(payload)
		case wire.FrameTypeConnectionCloseTransport:
			// Transport CONNECTION_CLOSE is OK in all spaces.
			n = c.handleConnectionCloseTransportFrame(now, payload)
		case wire.FrameTypeConnectionCloseApplication:
			if !frameOK(z01) {
				return
			}
			n = c.handleConnectionCloseApplicationFrame(now, payload)
		case wire.FrameTypeHandshakeDone:
			if !frameOK(z1) {
				return
			}
			n = c.handleHandshakeDoneFrame(now, payload)
		}
		if n < 0 {
			c.abort(now, qerr.LocalError{Code: qerr.ErrFrameEncoding, Reason: "frame encoding error"})
			return false
		}
		payload = payload[n:]
	}
	return ackEliciting
}

func (c *Conn) handleAckFrame(now time.Time, space numberSpace, payload []byte) int {
	c.loss.receiveAckStart()
	largest, ackDelay, n := consumeAckFrame(payload, func(rangeIndex int, start, end wire.PacketNumber) {
		if end > c.loss.nextNumber(space) {
			// Acknowledgement of a packet we never sent.
			c.abort(now, qerr.LocalError{Code: qerr.ErrProtocolViolation, Reason: "acknowledgement for unsent packet"})
			return
		}
		c.loss.receiveAckRange(now, space, rangeIndex, start, end, c.handleAckOrLoss)
	})
	if n < 0 {
		return -1
	}
	// Prior to receiving the peer's transport parameters we don't know
	// the ack_delay_exponent, so the ACK Delay field can't be
	// interpreted; treat it as zero until then.
	var delay time.Duration
	if c.peerAckDelayExponent >= 0 {
		delay = ackDelay.Duration(uint8(c.peerAckDelayExponent))
	}
	c.loss.receiveAckEnd(now, space, delay, c.handleAckOrLoss)
	if space == appDataSpace {
		c.keysAppData.HandleAckFor(largest)
	}
	return n
}

func (c *Conn) handleMaxDataFrame(payload []byte) int {
	maxData, n := consumeMaxDataFrame(payload)
	if n < 0 {
		return -1
	}
	c.streams.outflow.setMaxData(maxData)
	return n
}

func (c *Conn) handleMaxStreamDataFrame(now time.Time, payload []byte) int {
	id, maxStreamData, n := consumeMaxStreamDataFrame(payload)
	if n < 0 {
		return -1
	}
	if s := c.streamForFrame(now, id, sendStream); s != nil {
		if err := s.handleMaxStreamData(maxStreamData); err != nil {
			c.abort(now, err)
			return -1
		}
	}
	return n
}

func (c *Conn) handleMaxStreamsFrame(payload []byte) int {
	styp, max, n := consumeMaxStreamsFrame(payload)
	if n < 0 {
		return -1
	}
	c.streams.localLimits[styp].setMax(max)
	return n
}

func (c *Conn) handleResetStreamFrame(now time.Time, payload []byte) int {
	id, code, finalSize, n := consumeResetStreamFrame(payload)
	if n < 0 {
		return -1
	}
	if s := c.streamForFrame(now, id, recvStream); s != nil {
		if err := s.handleReset(code, finalSize); err != nil {
			c.abort(now, err)
		}
	}
	return n
}

func (c *Conn) handleStopSendingFrame(now time.Time, payload []byte) int {
	id, code, n := consumeStopSendingFrame(payload)
	if n < 0 {
		return -1
	}
	if s := c.streamForFrame(now, id, sendStream); s != nil {
		if err := s.handleStopSending(code); err != nil {
			c.abort(now, err)
		}
	}
	return n
}

func (c *Conn) handleCryptoFrame(now time.Time, space numberSpace, payload []byte) int {
	off, data, n := consumeCryptoFrame(payload)
	if n < 0 {
		return -1
	}
	if err := c.handleCrypto(now, space, off, data); err != nil {
		c.abort(now, err)
		return -1
	}
	return n
}

// handleCrypto delivers in-order CRYPTO bytes to the TLS bridge as they
// become available.
func (c *Conn) handleCrypto(now time.Time, space numberSpace, off int64, data []byte) error {
	level := spaceToLevel(space)
	return c.crypto[space].handleCrypto(off, data, func(b []byte) error {
		return c.handleTLSCryptoData(now, level, b)
	})
}

func (c *Conn) handleStreamFrame(now time.Time, payload []byte) int {
	id, off, fin, b, n := consumeStreamFrame(payload)
	if n < 0 {
		return -1
	}
	if s := c.streamForFrame(now, id, recvStream); s != nil {
		if err := s.handleData(off, b, fin); err != nil {
			c.abort(now, err)
		}
	}
	return n
}

func (c *Conn) handleNewConnectionIDFrame(now time.Time, payload []byte) int {
	seq, retire, connID, resetToken, n := consumeNewConnectionIDFrame(payload)
	if n < 0 {
		return -1
	}
	if err := c.connIDs.handleNewConnID(seq, retire, connID, resetToken); err != nil {
		c.abort(now, err)
	}
	return n
}

func (c *Conn) handleRetireConnectionIDFrame(now time.Time, payload []byte) int {
	seq, n := consumeRetireConnectionIDFrame(payload)
	if n < 0 {
		return -1
	}
	if err := c.connIDs.handleRetireConnID(seq); err != nil {
		c.abort(now, err)
	}
	return n
}

func (c *Conn) handleConnectionCloseTransportFrame(now time.Time, payload []byte) int {
	code, _, reason, n := consumeConnectionCloseTransportFrame(payload)
	if n < 0 {
		return -1
	}
	c.handlePeerConnectionClose(now, qerr.PeerError{Code: qerr.TransportError(code), Reason: reason})
	return n
}

func (c *Conn) handleConnectionCloseApplicationFrame(now time.Time, payload []byte) int {
	code, reason, n := consumeConnectionCloseApplicationFrame(payload)
	if n < 0 {
		return -1
	}
	c.handlePeerConnectionClose(now, &qerr.ApplicationError{Code: code, Reason: reason})
	return n
}

func (c *Conn) handleHandshakeDoneFrame(now time.Time, payload []byte) int {
	if c.side == serverSide {
		// Clients should never send HANDSHAKE_DONE.
		// https://www.rfc-editor.org/rfc/rfc9000#section-19.20-4
		c.abort(now, qerr.LocalError{Code: qerr.ErrProtocolViolation, Reason: "client sent HANDSHAKE_DONE"})
		return -1
	}
	if c.isAlive() {
		c.confirmHandshake(now)
	}
	return 1
}

var errStatelessReset = errors.New("qcore: received stateless reset")

func (c *Conn) handleStatelessReset(now time.Time, resetToken statelessResetToken) {
	if !c.connIDs.isValidStatelessResetToken(resetToken) {
		return
	}
	c.setFinalError(errStatelessReset)
	c.enterDraining(now)
}

// handleAckOrLoss deals with the final fate of a packet we sent: either
// the peer acknowledges it, or it is declared lost. The frame log
// written by the packet writer into sent.b is replayed here to dispatch
// each frame to whatever owns the corresponding state; this must be kept
// in sync with packetWriter.append*.
func (c *Conn) handleAckOrLoss(space numberSpace, sent *sentPacket, fate packetFate) {
	for !sent.done() {
		switch f := sent.next(); f {
		case wire.FrameTypeAck:
			// Loss of an ACK frame never triggers retransmission: ACKs
			// are sent in response to ack-eliciting packets and always
			// reflect the latest information available. Acknowledgement
			// of one may let us discard state about older packets.
			largest := wire.PacketNumber(sent.nextInt())
			if fate == packetAcked {
				c.acks[space].handleAck(largest)
			}
		case wire.FrameTypeCrypto:
			start, end := sent.nextRange()
			c.crypto[space].ackOrLoss(start, end, fate)
		case wire.FrameTypeMaxData:
			c.ackOrLossMaxData(sent.num, fate)
		case wire.FrameTypeDataBlocked:
			c.streams.outflow.blocked.ackLatestOrLoss(sent.num, fate)
		case wire.FrameTypePathResponse:
			c.path.challenge.ackLatestOrLoss(sent.num, fate)
		case wire.FrameTypePing:
			if fate == packetAcked {
				c.onMTUProbeAcked()
			} else {
				c.onMTUProbeLost()
			}
		case wire.FrameTypeResetStream,
			wire.FrameTypeStopSending,
			wire.FrameTypeMaxStreamData,
			wire.FrameTypeStreamDataBlocked:
			id := streamID(sent.nextInt())
			s := c.streamForID(id)
			if s == nil {
				continue
			}
			s.ackOrLoss(sent.num, f, fate)
		case wire.FrameTypeStreamBase,
			wire.FrameTypeStreamBase | wire.StreamFinBit:
			id := streamID(sent.nextInt())
			start, end := sent.nextRange()
			s := c.streamForID(id)
			if s == nil {
				continue
			}
			fin := f&wire.StreamFinBit != 0
			s.ackOrLossData(sent.num, start, end, fin, fate)
		case wire.FrameTypeMaxStreamsBidi:
			c.streams.remoteLimits[bidiStream].sendMax.ackLatestOrLoss(sent.num, fate)
		case wire.FrameTypeMaxStreamsUni:
			c.streams.remoteLimits[uniStream].sendMax.ackLatestOrLoss(sent.num, fate)
		case wire.FrameTypeNewConnectionID:
			seq := int64(sent.nextInt())
			c.connIDs.ackOrLossNewConnectionID(sent.num, seq, fate)
		case wire.FrameTypeRetireConnectionID:
			seq := int64(sent.nextInt())
			c.connIDs.ackOrLossRetireConnectionID(sent.num, seq, fate)
		case wire.FrameTypeHandshakeDone:
			c.handshakeConfirmed.ackOrLoss(sent.num, fate)
		}
	}
}
