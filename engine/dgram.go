package engine

import (
	"net/netip"
	"sync"
)

// maxUDPPayloadSize is the size of our network receive buffer: the
// max_udp_payload_size transport parameter we advertise.
//
// Set to the largest UDP packet that fits in a standard (non-jumbo)
// Ethernet frame: 1500 byte frame, minus a 20 byte IPv4 header and an
// 8 byte UDP header.
const maxUDPPayloadSize = 1472

type datagram struct {
	b    []byte
	addr netip.AddrPort
}

var datagramPool = sync.Pool{
	New: func() any {
		return &datagram{
			b: make([]byte, maxUDPPayloadSize),
		}
	},
}

func newDatagram() *datagram {
	m := datagramPool.Get().(*datagram)
	m.b = m.b[:cap(m.b)]
	return m
}

func (m *datagram) recycle() {
	if cap(m.b) != maxUDPPayloadSize {
		return
	}
	datagramPool.Put(m)
}
