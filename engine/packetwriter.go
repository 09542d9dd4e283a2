package engine

import (
	"encoding/binary"

	"github.com/quiclb/qcore/packetkey"
	"github.com/quiclb/qcore/wire"
)

// A longPacket describes a long-header packet under construction, or (when
// payload is set) one just parsed off the wire.
type longPacket struct {
	ptype     wire.PacketType
	version   uint32
	num       wire.PacketNumber
	dstConnID []byte
	srcConnID []byte
	extra     []byte // Initial token, or Retry token + integrity tag
	payload   []byte
}

// unscaledAckDelay is an ACK delay prior to applying the local
// ack_delay_exponent transport parameter.
type unscaledAckDelay int64

// A packetWriter constructs QUIC datagrams, implementing the per-packet
// budget and frame-order rules of the flush algorithm: a datagram
// consists of one or more packets, and a packet consists of a header
// followed by one or more frames.
//
// Packets are written in three steps: startProtectedLongHeaderPacket or
// start1RTTPacket prepare the packet; append*Frame appends frames to the
// payload; and finishProtectedLongHeaderPacket or finish1RTTPacket
// finalize it.
//
// The start functions are cheap, so a packet can be started speculatively
// before it's known whether there is anything to put in it: the finish
// functions abandon the packet if the payload ends up empty.
type packetWriter struct {
	dgramLim int // max datagram size
	pktLim   int // max packet size
	pktOff   int // offset of the start of the current packet
	payOff   int // offset of the payload of the current packet
	b        []byte
	sent     *sentPacket
}

// reset prepares to write a datagram of at most lim bytes.
func (w *packetWriter) reset(lim int) {
	if cap(w.b) < lim {
		w.b = make([]byte, 0, lim)
	}
	w.dgramLim = lim
	w.b = w.b[:0]
}

// datagram returns the current datagram.
func (w *packetWriter) datagram() []byte {
	return w.b
}

// payload returns the payload of the current packet.
func (w *packetWriter) payload() []byte {
	return w.b[w.payOff:]
}

func (w *packetWriter) abandonPacket() {
	w.b = w.b[:w.payOff]
	w.sent.reset()
}

const (
	headerFormLong = wire.HeaderFormLong
	fixedBit       = wire.FixedBit
)

// startProtectedLongHeaderPacket starts writing an Initial, 0-RTT, or
// Handshake packet.
func (w *packetWriter) startProtectedLongHeaderPacket(pnumMaxAcked wire.PacketNumber, p longPacket) {
	if w.sent == nil {
		w.sent = newSentPacket()
	}
	w.pktOff = len(w.b)
	hdrSize := 1 // packet type
	hdrSize += 4 // version
	hdrSize += 1 + len(p.dstConnID)
	hdrSize += 1 + len(p.srcConnID)
	if p.ptype == wire.PacketTypeInitial {
		hdrSize += wire.SizeVarint(uint64(len(p.extra))) + len(p.extra)
	}
	hdrSize += 2 // length, hardcoded to a 2-byte varint
	pnumOff := len(w.b) + hdrSize
	hdrSize += wire.PacketNumberLength(p.num, pnumMaxAcked)
	payOff := len(w.b) + hdrSize
	// Ensure enough space remains for the header, the header protection
	// sample (RFC 9001 section 5.4.2), and encryption overhead.
	const headerProtectionSampleSize = 16
	const aeadOverhead = 16
	if pnumOff+4+headerProtectionSampleSize+aeadOverhead >= w.dgramLim {
		w.payOff = len(w.b)
		w.pktLim = len(w.b)
		return
	}
	w.payOff = payOff
	w.pktLim = w.dgramLim - aeadOverhead
	// The payload length field is hardcoded to 2 bytes, which limits the
	// payload (including the packet number) to 16383 bytes, the largest
	// 2-byte QUIC varint. Most networks don't carry datagrams anywhere
	// near that size.
	if lim := pnumOff + 16383 - aeadOverhead; lim < w.pktLim {
		w.pktLim = lim
	}
	w.b = w.b[:payOff]
}

// finishProtectedLongHeaderPacket finishes writing an Initial, 0-RTT, or
// Handshake packet, abandoning it if it contains no payload. It returns
// a sentPacket describing the packet, or nil if none was written.
func (w *packetWriter) finishProtectedLongHeaderPacket(pnumMaxAcked wire.PacketNumber, k packetkey.FixedKeyPair, p longPacket) *sentPacket {
	if len(w.b) == w.payOff {
		w.b = w.b[:w.pktOff]
		return nil
	}
	pnumLen := wire.PacketNumberLength(p.num, pnumMaxAcked)
	plen := w.padPacketLength(pnumLen)
	hdr := w.b[:w.pktOff]
	var typeBits byte
	switch p.ptype {
	case wire.PacketTypeInitial:
		typeBits = wire.LongPacketTypeInitial
	case wire.PacketType0RTT:
		typeBits = wire.LongPacketType0RTT
	case wire.PacketTypeHandshake:
		typeBits = wire.LongPacketTypeHandshake
	case wire.PacketTypeRetry:
		typeBits = wire.LongPacketTypeRetry
	}
	hdr = append(hdr, headerFormLong|fixedBit|typeBits|byte(pnumLen-1))
	hdr = binary.BigEndian.AppendUint32(hdr, p.version)
	hdr = wire.AppendUint8Bytes(hdr, p.dstConnID)
	hdr = wire.AppendUint8Bytes(hdr, p.srcConnID)
	if p.ptype == wire.PacketTypeInitial {
		hdr = wire.AppendVarintBytes(hdr, p.extra) // token
	}

	// Packet length, always encoded as a 2-byte varint.
	hdr = append(hdr, 0x40|byte(plen>>8), byte(plen))

	pnumOff := len(hdr)
	hdr = wire.AppendPacketNumber(hdr, p.num, pnumMaxAcked)

	k.Protect(hdr[w.pktOff:], w.b[len(hdr):], pnumOff-w.pktOff, p.num)
	return w.finish(p.num)
}

// start1RTTPacket starts writing a 1-RTT (short header) packet.
func (w *packetWriter) start1RTTPacket(pnum, pnumMaxAcked wire.PacketNumber, dstConnID []byte) {
	if w.sent == nil {
		w.sent = newSentPacket()
	}
	w.pktOff = len(w.b)
	hdrSize := 1 // packet type
	hdrSize += len(dstConnID)
	const headerProtectionSampleSize = 16
	const aeadOverhead = 16
	if len(w.b)+hdrSize+4+headerProtectionSampleSize+aeadOverhead >= w.dgramLim {
		w.payOff = len(w.b)
		w.pktLim = len(w.b)
		return
	}
	hdrSize += wire.PacketNumberLength(pnum, pnumMaxAcked)
	w.payOff = len(w.b) + hdrSize
	w.pktLim = w.dgramLim - aeadOverhead
	w.b = w.b[:w.payOff]
}

// finish1RTTPacket finishes writing a 1-RTT packet, abandoning it if it
// contains no payload. It returns a sentPacket describing the packet, or
// nil if none was written.
func (w *packetWriter) finish1RTTPacket(pnum, pnumMaxAcked wire.PacketNumber, dstConnID []byte, k *packetkey.UpdatingKeyPair) *sentPacket {
	if len(w.b) == w.payOff {
		w.b = w.b[:w.pktOff]
		return nil
	}
	pnumLen := wire.PacketNumberLength(pnum, pnumMaxAcked)
	hdr := w.b[:w.pktOff]
	hdr = append(hdr, 0x40|byte(pnumLen-1))
	hdr = append(hdr, dstConnID...)
	pnumOff := len(hdr)
	hdr = wire.AppendPacketNumber(hdr, pnum, pnumMaxAcked)
	w.padPacketLength(pnumLen)
	k.Protect(hdr[w.pktOff:], w.b[len(hdr):], pnumOff-w.pktOff, pnum)
	return w.finish(pnum)
}

// padPacketLength pads the payload of the current packet to the minimum
// size, and returns the combined length of the packet number and payload
// (used for the Length field of long header packets).
func (w *packetWriter) padPacketLength(pnumLen int) int {
	const headerProtectionSampleSize = 16
	const aeadOverhead = 16
	plen := len(w.b) - w.payOff + pnumLen + aeadOverhead
	// "[...] packets are padded so that the combined lengths of the
	// encoded packet number and protected payload is at least 4 bytes
	// longer than the sample required for header protection."
	// https://www.rfc-editor.org/rfc/rfc9001.html#section-5.4.2
	for plen < 4+headerProtectionSampleSize {
		w.b = append(w.b, 0)
		plen++
	}
	return plen
}

// finish finishes the current packet after protection is applied.
func (w *packetWriter) finish(pnum wire.PacketNumber) *sentPacket {
	const aeadOverhead = 16
	w.b = w.b[:len(w.b)+aeadOverhead]
	w.sent.size = len(w.b) - w.pktOff
	w.sent.num = pnum
	sent := w.sent
	w.sent = nil
	return sent
}

// avail reports how many more bytes may be written to the current packet.
func (w *packetWriter) avail() int {
	return w.pktLim - len(w.b)
}

// appendPaddingTo appends PADDING frames until the total datagram size
// (including the AEAD overhead of the current packet) is n.
func (w *packetWriter) appendPaddingTo(n int) {
	const aeadOverhead = 16
	n -= aeadOverhead
	lim := w.pktLim
	if n < lim {
		lim = n
	}
	if len(w.b) >= lim {
		return
	}
	for len(w.b) < lim {
		w.b = append(w.b, wire.FrameTypePadding)
	}
	// Packets are considered in flight when they contain a PADDING frame.
	// https://www.rfc-editor.org/rfc/rfc9002.html#section-2-3.6.1
	w.sent.inFlight = true
}

func (w *packetWriter) appendPingFrame() (added bool) {
	if len(w.b) >= w.pktLim {
		return false
	}
	w.b = append(w.b, wire.FrameTypePing)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	return true
}

// appendAckFrame appends an ACK frame to the payload, following frame
// order rule 3(b): ACK is always the first frame considered for a
// packet. It includes at least the most recent range in seen, followed
// by as many additional ranges as fit.
//
// Because ACK frames are placed at the start of packets, ack ranges are
// capped, and packets have a minimum payload size, dropping ranges here
// should be rare in practice; the impact if it does happen is limited to
// occasionally missing an ack for an old packet during heavy loss.
func (w *packetWriter) appendAckFrame(seen rangeset[wire.PacketNumber], delay unscaledAckDelay) (added bool) {
	if len(seen) == 0 {
		return false
	}
	var (
		largest    = uint64(seen.max())
		firstRange = uint64(seen[len(seen)-1].size() - 1)
	)
	if w.avail() < 1+wire.SizeVarint(largest)+wire.SizeVarint(uint64(delay))+1+wire.SizeVarint(firstRange) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeAck)
	w.b = wire.AppendVarint(w.b, largest)
	w.b = wire.AppendVarint(w.b, uint64(delay))
	rangeCountOff := len(w.b)
	w.b = append(w.b, 0)
	w.b = wire.AppendVarint(w.b, firstRange)
	rangeCount := byte(0)
	for i := len(seen) - 2; i >= 0; i-- {
		gap := uint64(seen[i+1].start - seen[i].end - 1)
		size := uint64(seen[i].size() - 1)
		if w.avail() < wire.SizeVarint(gap)+wire.SizeVarint(size) || rangeCount > 62 {
			break
		}
		w.b = wire.AppendVarint(w.b, gap)
		w.b = wire.AppendVarint(w.b, size)
		rangeCount++
	}
	w.b[rangeCountOff] = rangeCount
	w.sent.appendNonAckElicitingFrame(wire.FrameTypeAck)
	w.sent.appendInt(uint64(seen.max()))
	return true
}

func (w *packetWriter) appendNewTokenFrame(token []byte) (added bool) {
	if w.avail() < 1+wire.SizeVarint(uint64(len(token)))+len(token) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeNewToken)
	w.b = wire.AppendVarintBytes(w.b, token)
	return true
}

func (w *packetWriter) appendResetStreamFrame(id streamID, code uint64, finalSize int64) (added bool) {
	if w.avail() < 1+wire.SizeVarint(uint64(id))+wire.SizeVarint(code)+wire.SizeVarint(uint64(finalSize)) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeResetStream)
	w.b = wire.AppendVarint(w.b, uint64(id))
	w.b = wire.AppendVarint(w.b, code)
	w.b = wire.AppendVarint(w.b, uint64(finalSize))
	w.sent.appendAckElicitingFrame(wire.FrameTypeResetStream)
	w.sent.appendInt(uint64(id))
	return true
}

func (w *packetWriter) appendStopSendingFrame(id streamID, code uint64) (added bool) {
	if w.avail() < 1+wire.SizeVarint(uint64(id))+wire.SizeVarint(code) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeStopSending)
	w.b = wire.AppendVarint(w.b, uint64(id))
	w.b = wire.AppendVarint(w.b, code)
	w.sent.appendAckElicitingFrame(wire.FrameTypeStopSending)
	w.sent.appendInt(uint64(id))
	return true
}

// appendCryptoFrame appends a CRYPTO frame. It returns a slice to write
// the data into and whether a frame was added; the slice may be smaller
// than size if the packet cannot hold all of it.
func (w *packetWriter) appendCryptoFrame(off int64, size int) (_ []byte, added bool) {
	max := w.avail()
	max -= 1                             // frame type
	max -= wire.SizeVarint(uint64(off))  // offset
	max -= wire.SizeVarint(uint64(size)) // maximum length
	if max <= 0 {
		return nil, false
	}
	if max < size {
		size = max
	}
	w.b = append(w.b, wire.FrameTypeCrypto)
	w.b = wire.AppendVarint(w.b, uint64(off))
	w.b = wire.AppendVarint(w.b, uint64(size))
	start := len(w.b)
	w.b = w.b[:start+size]
	w.sent.appendAckElicitingFrame(wire.FrameTypeCrypto)
	w.sent.appendOffAndSize(off, size)
	return w.b[start:][:size], true
}

// appendStreamFrame appends a STREAM frame. It returns a slice to write
// the data into and whether a frame was added; the slice may be smaller
// than size if the packet cannot hold all of it.
func (w *packetWriter) appendStreamFrame(id streamID, off int64, size int, fin bool) (_ []byte, added bool) {
	typ := uint8(wire.FrameTypeStreamBase | wire.StreamLenBit)
	max := w.avail()
	max -= 1 // frame type
	max -= wire.SizeVarint(uint64(id))
	if off != 0 {
		max -= wire.SizeVarint(uint64(off))
		typ |= wire.StreamOffBit
	}
	max -= wire.SizeVarint(uint64(size)) // maximum length
	if max < 0 || (max == 0 && size > 0) {
		return nil, false
	}
	if max < size {
		size = max
	} else if fin {
		typ |= wire.StreamFinBit
	}
	w.b = append(w.b, typ)
	w.b = wire.AppendVarint(w.b, uint64(id))
	if off != 0 {
		w.b = wire.AppendVarint(w.b, uint64(off))
	}
	w.b = wire.AppendVarint(w.b, uint64(size))
	start := len(w.b)
	w.b = w.b[:start+size]
	if fin {
		w.sent.appendAckElicitingFrame(wire.FrameTypeStreamBase | wire.StreamFinBit)
	} else {
		w.sent.appendAckElicitingFrame(wire.FrameTypeStreamBase)
	}
	w.sent.appendInt(uint64(id))
	w.sent.appendOffAndSize(off, size)
	return w.b[start:][:size], true
}

func (w *packetWriter) appendMaxDataFrame(max int64) (added bool) {
	if w.avail() < 1+wire.SizeVarint(uint64(max)) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeMaxData)
	w.b = wire.AppendVarint(w.b, uint64(max))
	w.sent.appendAckElicitingFrame(wire.FrameTypeMaxData)
	return true
}

func (w *packetWriter) appendMaxStreamDataFrame(id streamID, max int64) (added bool) {
	if w.avail() < 1+wire.SizeVarint(uint64(id))+wire.SizeVarint(uint64(max)) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeMaxStreamData)
	w.b = wire.AppendVarint(w.b, uint64(id))
	w.b = wire.AppendVarint(w.b, uint64(max))
	w.sent.appendAckElicitingFrame(wire.FrameTypeMaxStreamData)
	w.sent.appendInt(uint64(id))
	return true
}

func (w *packetWriter) appendMaxStreamsFrame(typ streamType, max int64) (added bool) {
	if w.avail() < 1+wire.SizeVarint(uint64(max)) {
		return false
	}
	var ftype byte
	if typ == bidiStream {
		ftype = wire.FrameTypeMaxStreamsBidi
	} else {
		ftype = wire.FrameTypeMaxStreamsUni
	}
	w.b = append(w.b, ftype)
	w.b = wire.AppendVarint(w.b, uint64(max))
	w.sent.appendAckElicitingFrame(ftype)
	return true
}

func (w *packetWriter) appendDataBlockedFrame(max int64) (added bool) {
	if w.avail() < 1+wire.SizeVarint(uint64(max)) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeDataBlocked)
	w.b = wire.AppendVarint(w.b, uint64(max))
	w.sent.appendAckElicitingFrame(wire.FrameTypeDataBlocked)
	return true
}

func (w *packetWriter) appendStreamDataBlockedFrame(id streamID, max int64) (added bool) {
	if w.avail() < 1+wire.SizeVarint(uint64(id))+wire.SizeVarint(uint64(max)) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeStreamDataBlocked)
	w.b = wire.AppendVarint(w.b, uint64(id))
	w.b = wire.AppendVarint(w.b, uint64(max))
	w.sent.appendAckElicitingFrame(wire.FrameTypeStreamDataBlocked)
	w.sent.appendInt(uint64(id))
	return true
}

func (w *packetWriter) appendStreamsBlockedFrame(typ streamType, max int64) (added bool) {
	if w.avail() < 1+wire.SizeVarint(uint64(max)) {
		return false
	}
	var ftype byte
	if typ == bidiStream {
		ftype = wire.FrameTypeStreamsBlockedBidi
	} else {
		ftype = wire.FrameTypeStreamsBlockedUni
	}
	w.b = append(w.b, ftype)
	w.b = wire.AppendVarint(w.b, uint64(max))
	w.sent.appendAckElicitingFrame(ftype)
	return true
}

func (w *packetWriter) appendNewConnectionIDFrame(seq, retirePriorTo int64, connID []byte, token [16]byte) (added bool) {
	if w.avail() < 1+wire.SizeVarint(uint64(seq))+wire.SizeVarint(uint64(retirePriorTo))+1+len(connID)+len(token) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeNewConnectionID)
	w.b = wire.AppendVarint(w.b, uint64(seq))
	w.b = wire.AppendVarint(w.b, uint64(retirePriorTo))
	w.b = wire.AppendUint8Bytes(w.b, connID)
	w.b = append(w.b, token[:]...)
	w.sent.appendAckElicitingFrame(wire.FrameTypeNewConnectionID)
	w.sent.appendInt(uint64(seq))
	return true
}

func (w *packetWriter) appendRetireConnectionIDFrame(seq int64) (added bool) {
	if w.avail() < 1+wire.SizeVarint(uint64(seq)) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeRetireConnectionID)
	w.b = wire.AppendVarint(w.b, uint64(seq))
	w.sent.appendAckElicitingFrame(wire.FrameTypeRetireConnectionID)
	w.sent.appendInt(uint64(seq))
	return true
}

func (w *packetWriter) appendPathChallengeFrame(data uint64) (added bool) {
	if w.avail() < 1+8 {
		return false
	}
	w.b = append(w.b, wire.FrameTypePathChallenge)
	w.b = binary.BigEndian.AppendUint64(w.b, data)
	w.sent.appendAckElicitingFrame(wire.FrameTypePathChallenge)
	return true
}

// appendPMTUDProbeFrame appends a PING frame and pads the packet to size,
// an ack-eliciting datagram whose delivery confirms the path supports
// size bytes. Unlike the PTO filler PING, this one is logged so its fate
// can be reported back to the PMTUD state machine.
func (w *packetWriter) appendPMTUDProbeFrame(size int) (added bool) {
	if w.avail() < 1 {
		return false
	}
	w.b = append(w.b, wire.FrameTypePing)
	w.sent.appendAckElicitingFrame(wire.FrameTypePing)
	w.appendPaddingTo(size)
	return true
}

func (w *packetWriter) appendPathResponseFrame(data uint64) (added bool) {
	if w.avail() < 1+8 {
		return false
	}
	w.b = append(w.b, wire.FrameTypePathResponse)
	w.b = binary.BigEndian.AppendUint64(w.b, data)
	w.sent.appendAckElicitingFrame(wire.FrameTypePathResponse)
	return true
}

// appendConnectionCloseTransportFrame appends a CONNECTION_CLOSE frame
// carrying a transport error code.
func (w *packetWriter) appendConnectionCloseTransportFrame(code uint64, frameType uint64, reason string) (added bool) {
	if w.avail() < 1+wire.SizeVarint(code)+wire.SizeVarint(frameType)+wire.SizeVarint(uint64(len(reason)))+len(reason) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeConnectionCloseTransport)
	w.b = wire.AppendVarint(w.b, code)
	w.b = wire.AppendVarint(w.b, frameType)
	w.b = wire.AppendVarintBytes(w.b, []byte(reason))
	// CONNECTION_CLOSE frames are never acked or detected as lost, so
	// they are not recorded in w.sent.
	return true
}

// appendConnectionCloseApplicationFrame appends a CONNECTION_CLOSE frame
// carrying an application protocol error code.
func (w *packetWriter) appendConnectionCloseApplicationFrame(code uint64, reason string) (added bool) {
	if w.avail() < 1+wire.SizeVarint(code)+wire.SizeVarint(uint64(len(reason)))+len(reason) {
		return false
	}
	w.b = append(w.b, wire.FrameTypeConnectionCloseApplication)
	w.b = wire.AppendVarint(w.b, code)
	w.b = wire.AppendVarintBytes(w.b, []byte(reason))
	return true
}

func (w *packetWriter) appendHandshakeDoneFrame() (added bool) {
	if w.avail() < 1 {
		return false
	}
	w.b = append(w.b, wire.FrameTypeHandshakeDone)
	w.sent.appendAckElicitingFrame(wire.FrameTypeHandshakeDone)
	return true
}
