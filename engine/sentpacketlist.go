package engine

import "github.com/quiclb/qcore/wire"

// A sentPacketList is a ring buffer of sentPackets.
//
// Processing an ack for a packet causes all older packets past a small
// threshold to be discarded (RFC 9002 section 6.1.1), so the list of
// in-flight packets is not sparse and contains at most a few acked/lost
// packets no longer needed.
type sentPacketList struct {
	nextNum wire.PacketNumber // next packet number to add to the buffer
	off     int               // offset of first packet in the buffer
	size    int               // number of packets
	p       []*sentPacket
}

// start is the first packet in the list.
func (s *sentPacketList) start() wire.PacketNumber {
	return s.nextNum - wire.PacketNumber(s.size)
}

// end is one after the last packet in the list; start == end when empty.
func (s *sentPacketList) end() wire.PacketNumber {
	return s.nextNum
}

// discard clears the list.
func (s *sentPacketList) discard() {
	*s = sentPacketList{}
}

// add appends a packet to the list.
func (s *sentPacketList) add(sent *sentPacket) {
	if s.nextNum != sent.num {
		panic("inserting out-of-order packet")
	}
	s.nextNum++
	if s.size >= len(s.p) {
		s.grow()
	}
	i := (s.off + s.size) % len(s.p)
	s.size++
	s.p[i] = sent
}

// nth returns a packet by index.
func (s *sentPacketList) nth(n int) *sentPacket {
	index := (s.off + n) % len(s.p)
	return s.p[index]
}

// num returns a packet by number, or nil if it is not in the list.
func (s *sentPacketList) num(num wire.PacketNumber) *sentPacket {
	i := int(num - s.start())
	if i < 0 || i >= s.size {
		return nil
	}
	return s.nth(i)
}

// clean removes all acked or lost packets from the head of the list.
func (s *sentPacketList) clean() {
	for s.size > 0 {
		sent := s.p[s.off]
		if !sent.acked && !sent.lost {
			return
		}
		sent.recycle()
		s.p[s.off] = nil
		s.off = (s.off + 1) % len(s.p)
		s.size--
	}
	s.off = 0
}

// grow increases the buffer to hold more packets.
func (s *sentPacketList) grow() {
	newSize := len(s.p) * 2
	if newSize == 0 {
		newSize = 64
	}
	p := make([]*sentPacket, newSize)
	for i := 0; i < s.size; i++ {
		p[i] = s.nth(i)
	}
	s.p = p
	s.off = 0
}
