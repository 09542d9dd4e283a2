package engine

import (
	"github.com/quiclb/qcore/packetkey"
	"github.com/quiclb/qcore/wire"
)

// parseLongHeaderPacket parses a long header packet, removing packet
// protection if k has read keys installed.
//
// It does not parse Version Negotiation packets.
//
// Returns the parsed packet and its length in bytes, or n == -1 if the
// packet could not be parsed.
func parseLongHeaderPacket(pkt []byte, k packetkey.FixedKeyPair, pnumMax wire.PacketNumber) (p longPacket, n int) {
	if len(pkt) < 5 || !wire.IsLongHeader(pkt[0]) {
		return longPacket{}, -1
	}

	b := pkt
	p.ptype = wire.GetPacketType(b)
	if p.ptype == wire.PacketTypeInvalid {
		return longPacket{}, -1
	}
	b = b[1:]

	ver, n := wire.ConsumeUint32(b)
	if n < 0 {
		return longPacket{}, -1
	}
	p.version = ver
	b = b[n:]
	if p.version == 0 {
		return longPacket{}, -1 // Version Negotiation packet; not handled here.
	}

	p.dstConnID, n = wire.ConsumeUint8Bytes(b)
	if n < 0 || len(p.dstConnID) > wire.MaxConnIDLen {
		return longPacket{}, -1
	}
	b = b[n:]

	p.srcConnID, n = wire.ConsumeUint8Bytes(b)
	if n < 0 || len(p.srcConnID) > wire.MaxConnIDLen {
		return longPacket{}, -1
	}
	b = b[n:]

	switch p.ptype {
	case wire.PacketTypeInitial:
		p.extra, n = wire.ConsumeVarintBytes(b)
		if n < 0 {
			return longPacket{}, -1
		}
		b = b[n:]
	case wire.PacketTypeRetry:
		p.extra = b
		return p, len(pkt)
	}

	payLen, n := wire.ConsumeVarint(b)
	if n < 0 {
		return longPacket{}, -1
	}
	b = b[n:]
	if uint64(len(b)) < payLen {
		return longPacket{}, -1
	}

	pnumOff := len(pkt) - len(b)
	pkt = pkt[:pnumOff+int(payLen)]

	if k.CanRead() {
		var err error
		p.payload, p.num, err = k.Unprotect(pkt, pnumOff, pnumMax)
		if err != nil {
			return longPacket{}, -1
		}
	}
	return p, len(pkt)
}

// skipLongHeaderPacket returns the length of the long header packet at the
// start of pkt, or -1 if it does not contain a valid packet. Used to skip
// past a packet whose keys we don't have, so coalesced packets after it can
// still be processed.
func skipLongHeaderPacket(pkt []byte) int {
	n := 5
	if len(pkt) <= n {
		return -1
	}
	n += 1 + int(pkt[n])
	if len(pkt) <= n {
		return -1
	}
	n += 1 + int(pkt[n])
	if len(pkt) <= n {
		return -1
	}
	if wire.GetPacketType(pkt) == wire.PacketTypeInitial {
		_, nn := wire.ConsumeVarintBytes(pkt[n:])
		if nn < 0 {
			return -1
		}
		n += nn
	}
	_, nn := wire.ConsumeVarintBytes(pkt[n:])
	if nn < 0 {
		return -1
	}
	n += nn
	if len(pkt) < n {
		return -1
	}
	return n
}

// shortPacket is a parsed 1-RTT packet.
type shortPacket struct {
	num     wire.PacketNumber
	payload []byte
}

// parse1RTTPacket parses a 1-RTT (short header) packet.
func parse1RTTPacket(pkt []byte, k *packetkey.UpdatingKeyPair, dstConnIDLen int, pnumMax wire.PacketNumber) (p shortPacket, err error) {
	pay, pnum, err := k.Unprotect(pkt, 1+dstConnIDLen, pnumMax)
	if err != nil {
		return shortPacket{}, err
	}
	p.num = pnum
	p.payload = pay
	return p, nil
}

// parseVersionNegotiation parses a Version Negotiation packet.
func parseVersionNegotiation(pkt []byte) (dstConnID, srcConnID []byte, versions []byte) {
	b := pkt[5:] // header byte + 4 bytes of zero version
	dstConnID, n := wire.ConsumeUint8Bytes(b)
	if n < 0 {
		return nil, nil, nil
	}
	b = b[n:]
	srcConnID, n = wire.ConsumeUint8Bytes(b)
	if n < 0 {
		return nil, nil, nil
	}
	b = b[n:]
	return dstConnID, srcConnID, b
}

// Consume functions return n=-1 on a parse failure, which results in a
// FRAME_ENCODING_ERROR.

func consumeAckFrame(frame []byte, f func(rangeIndex int, start, end wire.PacketNumber)) (largest wire.PacketNumber, ackDelay unscaledAckDelay, n int) {
	b := frame[1:] // type

	largestAck, n := wire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, -1
	}
	b = b[n:]

	v, n := wire.ConsumeVarintInt64(b)
	if n < 0 {
		return 0, 0, -1
	}
	b = b[n:]
	ackDelay = unscaledAckDelay(v)

	ackRangeCount, n := wire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, -1
	}
	b = b[n:]

	rangeMax := wire.PacketNumber(largestAck)
	for i := uint64(0); ; i++ {
		rangeLen, n := wire.ConsumeVarint(b)
		if n < 0 {
			return 0, 0, -1
		}
		b = b[n:]
		rangeMin := rangeMax - wire.PacketNumber(rangeLen)
		if rangeMin < 0 || rangeMin > rangeMax {
			return 0, 0, -1
		}
		f(int(i), rangeMin, rangeMax+1)

		if i == ackRangeCount {
			break
		}

		gap, n := wire.ConsumeVarint(b)
		if n < 0 {
			return 0, 0, -1
		}
		b = b[n:]

		rangeMax = rangeMin - wire.PacketNumber(gap) - 2
	}

	if frame[0] != wire.FrameTypeAckECN {
		return wire.PacketNumber(largestAck), ackDelay, len(frame) - len(b)
	}

	_, n = wire.ConsumeVarint(b) // ECT0 count
	if n < 0 {
		return 0, 0, -1
	}
	b = b[n:]
	_, n = wire.ConsumeVarint(b) // ECT1 count
	if n < 0 {
		return 0, 0, -1
	}
	b = b[n:]
	_, n = wire.ConsumeVarint(b) // ECN-CE count
	if n < 0 {
		return 0, 0, -1
	}
	b = b[n:]

	// ECN feedback is not acted on.
	return wire.PacketNumber(largestAck), ackDelay, len(frame) - len(b)
}

func consumeResetStreamFrame(b []byte) (id streamID, code uint64, finalSize int64, n int) {
	n = 1
	idInt, nn := wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, 0, 0, -1
	}
	n += nn
	code, nn = wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, 0, 0, -1
	}
	n += nn
	v, nn := wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, 0, 0, -1
	}
	n += nn
	return streamID(idInt), code, int64(v), n
}

func consumeStopSendingFrame(b []byte) (id streamID, code uint64, n int) {
	n = 1
	idInt, nn := wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, 0, -1
	}
	n += nn
	code, nn = wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, 0, -1
	}
	n += nn
	return streamID(idInt), code, n
}

func consumeCryptoFrame(b []byte) (off int64, data []byte, n int) {
	n = 1
	v, nn := wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, nil, -1
	}
	off = int64(v)
	n += nn
	data, nn = wire.ConsumeVarintBytes(b[n:])
	if nn < 0 {
		return 0, nil, -1
	}
	n += nn
	return off, data, n
}

func consumeNewTokenFrame(b []byte) (token []byte, n int) {
	n = 1
	data, nn := wire.ConsumeVarintBytes(b[n:])
	if nn < 0 || len(data) == 0 {
		return nil, -1
	}
	n += nn
	return data, n
}

func consumeStreamFrame(b []byte) (id streamID, off int64, fin bool, data []byte, n int) {
	fin = b[0]&wire.StreamFinBit != 0
	n = 1
	idInt, nn := wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, 0, false, nil, -1
	}
	n += nn
	if b[0]&wire.StreamOffBit != 0 {
		v, nn := wire.ConsumeVarint(b[n:])
		if nn < 0 {
			return 0, 0, false, nil, -1
		}
		n += nn
		off = int64(v)
	}
	if b[0]&wire.StreamLenBit != 0 {
		data, nn = wire.ConsumeVarintBytes(b[n:])
		if nn < 0 {
			return 0, 0, false, nil, -1
		}
		n += nn
	} else {
		data = b[n:]
		n += len(data)
	}
	if off+int64(len(data)) >= wire.MaxVarint {
		return 0, 0, false, nil, -1
	}
	return streamID(idInt), off, fin, data, n
}

func consumeMaxDataFrame(b []byte) (max int64, n int) {
	n = 1
	v, nn := wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, -1
	}
	n += nn
	return int64(v), n
}

func consumeMaxStreamDataFrame(b []byte) (id streamID, max int64, n int) {
	n = 1
	v, nn := wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, 0, -1
	}
	n += nn
	id = streamID(v)
	v, nn = wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, 0, -1
	}
	n += nn
	return id, int64(v), n
}

func consumeMaxStreamsFrame(b []byte) (typ streamType, max int64, n int) {
	switch b[0] {
	case wire.FrameTypeMaxStreamsBidi:
		typ = bidiStream
	case wire.FrameTypeMaxStreamsUni:
		typ = uniStream
	default:
		return 0, 0, -1
	}
	n = 1
	v, nn := wire.ConsumeVarint(b[n:])
	if nn < 0 || v > maxStreamsLimit {
		return 0, 0, -1
	}
	n += nn
	return typ, int64(v), n
}

func consumeStreamDataBlockedFrame(b []byte) (id streamID, max int64, n int) {
	n = 1
	v, nn := wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, 0, -1
	}
	n += nn
	id = streamID(v)
	mv, nn := wire.ConsumeVarintInt64(b[n:])
	if nn < 0 {
		return 0, 0, -1
	}
	n += nn
	return id, mv, n
}

func consumeDataBlockedFrame(b []byte) (max int64, n int) {
	n = 1
	max, nn := wire.ConsumeVarintInt64(b[n:])
	if nn < 0 {
		return 0, -1
	}
	n += nn
	return max, n
}

func consumeStreamsBlockedFrame(b []byte) (typ streamType, max int64, n int) {
	if b[0] == wire.FrameTypeStreamsBlockedBidi {
		typ = bidiStream
	} else {
		typ = uniStream
	}
	n = 1
	max, nn := wire.ConsumeVarintInt64(b[n:])
	if nn < 0 {
		return 0, 0, -1
	}
	n += nn
	return typ, max, n
}

func consumeNewConnectionIDFrame(b []byte) (seq, retire int64, connID []byte, resetToken statelessResetToken, n int) {
	n = 1
	var nn int
	seq, nn = wire.ConsumeVarintInt64(b[n:])
	if nn < 0 {
		return 0, 0, nil, statelessResetToken{}, -1
	}
	n += nn
	retire, nn = wire.ConsumeVarintInt64(b[n:])
	if nn < 0 {
		return 0, 0, nil, statelessResetToken{}, -1
	}
	n += nn
	if seq < retire {
		return 0, 0, nil, statelessResetToken{}, -1
	}
	connID, nn = wire.ConsumeVarintBytes(b[n:])
	if nn < 0 || len(connID) < 1 || len(connID) > 20 {
		return 0, 0, nil, statelessResetToken{}, -1
	}
	n += nn
	if len(b[n:]) < len(resetToken) {
		return 0, 0, nil, statelessResetToken{}, -1
	}
	copy(resetToken[:], b[n:])
	n += len(resetToken)
	return seq, retire, connID, resetToken, n
}

func consumeRetireConnectionIDFrame(b []byte) (seq int64, n int) {
	n = 1
	seq, nn := wire.ConsumeVarintInt64(b[n:])
	if nn < 0 {
		return 0, -1
	}
	n += nn
	return seq, n
}

func consumePathChallengeFrame(b []byte) (data uint64, n int) {
	n = 1
	data, nn := wire.ConsumeUint64(b[n:])
	if nn < 0 {
		return 0, -1
	}
	n += nn
	return data, n
}

func consumePathResponseFrame(b []byte) (data uint64, n int) {
	return consumePathChallengeFrame(b) // identical frame format
}

func consumeConnectionCloseTransportFrame(b []byte) (code uint64, frameType uint64, reason string, n int) {
	n = 1
	code, nn := wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, 0, "", -1
	}
	n += nn
	frameType, nn = wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, 0, "", -1
	}
	n += nn
	reasonb, nn := wire.ConsumeVarintBytes(b[n:])
	if nn < 0 {
		return 0, 0, "", -1
	}
	n += nn
	return code, frameType, string(reasonb), n
}

func consumeConnectionCloseApplicationFrame(b []byte) (code uint64, reason string, n int) {
	n = 1
	code, nn := wire.ConsumeVarint(b[n:])
	if nn < 0 {
		return 0, "", -1
	}
	n += nn
	reasonb, nn := wire.ConsumeVarintBytes(b[n:])
	if nn < 0 {
		return 0, "", -1
	}
	n += nn
	return code, string(reasonb), n
}
