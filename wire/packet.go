// Package wire implements the QUIC wire format: packet and frame type
// constants, variable-length integer encoding, and packet number
// truncation/expansion, as specified by RFC 9000 section 17.
package wire

import "fmt"

// PacketType identifies the QUIC packet types of RFC 9000 section 17.
type PacketType byte

const (
	PacketTypeInvalid PacketType = iota
	PacketTypeInitial
	PacketType0RTT
	PacketTypeHandshake
	PacketTypeRetry
	PacketType1RTT
	PacketTypeVersionNegotiation
)

func (p PacketType) String() string {
	switch p {
	case PacketTypeInitial:
		return "Initial"
	case PacketType0RTT:
		return "0-RTT"
	case PacketTypeHandshake:
		return "Handshake"
	case PacketTypeRetry:
		return "Retry"
	case PacketType1RTT:
		return "1-RTT"
	case PacketTypeVersionNegotiation:
		return "Version Negotiation"
	}
	return fmt.Sprintf("unknown packet type %v", byte(p))
}

// Bits set in the first byte of a packet.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-17
const (
	HeaderFormLong   = 0x80
	HeaderFormShort  = 0x00
	FixedBit         = 0x40
	ReservedLongBits = 0x0c
	Reserved1RTTBits = 0x18
	KeyPhaseBit      = 0x04
)

// Long Packet Type bits.
const (
	LongPacketTypeInitial   = 0 << 4
	LongPacketType0RTT      = 1 << 4
	LongPacketTypeHandshake = 2 << 4
	LongPacketTypeRetry     = 3 << 4
)

// Frame types.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-19
const (
	FrameTypePadding                    = 0x00
	FrameTypePing                       = 0x01
	FrameTypeAck                        = 0x02
	FrameTypeAckECN                     = 0x03
	FrameTypeResetStream                = 0x04
	FrameTypeStopSending                = 0x05
	FrameTypeCrypto                     = 0x06
	FrameTypeNewToken                   = 0x07
	FrameTypeStreamBase                 = 0x08 // low three bits carry stream flags
	FrameTypeMaxData                    = 0x10
	FrameTypeMaxStreamData              = 0x11
	FrameTypeMaxStreamsBidi             = 0x12
	FrameTypeMaxStreamsUni              = 0x13
	FrameTypeDataBlocked                = 0x14
	FrameTypeStreamDataBlocked          = 0x15
	FrameTypeStreamsBlockedBidi         = 0x16
	FrameTypeStreamsBlockedUni          = 0x17
	FrameTypeNewConnectionID            = 0x18
	FrameTypeRetireConnectionID         = 0x19
	FrameTypePathChallenge              = 0x1a
	FrameTypePathResponse               = 0x1b
	FrameTypeConnectionCloseTransport   = 0x1c
	FrameTypeConnectionCloseApplication = 0x1d
	FrameTypeHandshakeDone              = 0x1e
)

// The low three bits of STREAM frames.
const (
	StreamOffBit = 0x04
	StreamLenBit = 0x02
	StreamFinBit = 0x01
)

// MaxConnIDLen is the longest permitted connection ID, per RFC 9000 section 17.2.
const MaxConnIDLen = 20

// ConnIDLen is the fixed connection ID length used on the wire for
// short-header packets negotiated by this implementation.
const ConnIDLen = 8

// IsLongHeader reports whether b is the first byte of a long header packet.
func IsLongHeader(b byte) bool {
	return b&HeaderFormLong == HeaderFormLong
}

// GetPacketType returns the type of the first packet in a datagram.
func GetPacketType(b []byte) PacketType {
	if len(b) == 0 {
		return PacketTypeInvalid
	}
	if !IsLongHeader(b[0]) {
		if b[0]&FixedBit != FixedBit {
			return PacketTypeInvalid
		}
		return PacketType1RTT
	}
	if len(b) < 5 {
		return PacketTypeInvalid
	}
	if b[1] == 0 && b[2] == 0 && b[3] == 0 && b[4] == 0 {
		// Version Negotiation packets don't necessarily set the fixed bit.
		return PacketTypeVersionNegotiation
	}
	if b[0]&FixedBit != FixedBit {
		return PacketTypeInvalid
	}
	switch b[0] & 0x30 {
	case LongPacketTypeInitial:
		return PacketTypeInitial
	case LongPacketType0RTT:
		return PacketType0RTT
	case LongPacketTypeHandshake:
		return PacketTypeHandshake
	case LongPacketTypeRetry:
		return PacketTypeRetry
	}
	return PacketTypeInvalid
}

// DstConnIDForDatagram returns the destination connection ID of the first
// packet in a datagram, used by the datapath to route incoming traffic to
// a connection before the packet is otherwise parsed or decrypted.
func DstConnIDForDatagram(pkt []byte) (id []byte, ok bool) {
	if len(pkt) < 1 {
		return nil, false
	}
	var n int
	var b []byte
	if IsLongHeader(pkt[0]) {
		if len(pkt) < 6 {
			return nil, false
		}
		n = int(pkt[5])
		b = pkt[6:]
	} else {
		n = ConnIDLen
		b = pkt[1:]
	}
	if len(b) < n {
		return nil, false
	}
	return b[:n], true
}
