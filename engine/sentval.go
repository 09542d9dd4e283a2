package engine

import "github.com/quiclb/qcore/wire"

// A sentVal tracks sending some piece of information to the peer.
// It tracks whether the information has been sent, acked, and
// (when in-flight) the most recent packet to carry it.
//
// For example, a sentVal can track sending of a RESET_STREAM frame.
//
//   - unset: no need to send the frame
//   - unsent: we should send the frame, but have not yet
//   - sent: we have sent the frame, but have not received an ack
//   - received: we have sent the frame, and the peer has acked the packet that carried it
//
// In the "sent" state, a sentVal also tracks the latest packet number to
// carry the information. QUIC packet numbers fit in 62 bits, so the
// sentVal keeps the number in the low 62 bits and the state in the high 2.
type sentVal uint64

const (
	sentValUnset    = 0       // unset
	sentValUnsent   = 1 << 62 // set, not sent to the peer
	sentValSent     = 2 << 62 // set, sent to the peer but not yet acked; pnum is set
	sentValReceived = 3 << 62 // set, peer acked receipt

	sentValStateMask = 3 << 62
)

// isSet reports whether the value is set.
func (s sentVal) isSet() bool { return s != 0 }

// shouldSend reports whether the value is set and has not been sent.
func (s sentVal) shouldSend() bool { return s.state() == sentValUnsent }

// shouldSendPTO reports whether the value needs to be sent to the peer.
// If pto is true, indicating a PTO probe is being sent, the value should
// also be resent if it has been sent but not yet acknowledged.
func (s sentVal) shouldSendPTO(pto bool) bool {
	st := s.state()
	return st == sentValUnsent || (pto && st == sentValSent)
}

// isReceived reports whether the value has been received by the peer.
func (s sentVal) isReceived() bool { return s == sentValReceived }

// set sets the value and records that it should be sent to the peer.
// A value already sent or pending is left alone.
func (s *sentVal) set() {
	if *s == 0 {
		*s = sentValUnsent
	}
}

// setUnsent resets the value to the unsent state.
func (s *sentVal) setUnsent() { *s = sentValUnsent }

// clear sets the value to the unset state.
func (s *sentVal) clear() { *s = sentValUnset }

// setSent sets the value to the sent state and records the number of the
// most recent packet containing it.
func (s *sentVal) setSent(pnum wire.PacketNumber) {
	*s = sentVal(sentValSent) | sentVal(pnum)
}

// setReceived sets the value to the received state.
func (s *sentVal) setReceived() { *s = sentValReceived }

// ackOrLoss reports that an acknowledgement has been received for the
// value, or that the packet carrying it has been lost.
func (s *sentVal) ackOrLoss(pnum wire.PacketNumber, fate packetFate) {
	if fate == packetAcked {
		*s = sentValReceived
	} else if *s == sentVal(sentValSent)|sentVal(pnum) {
		*s = sentValUnsent
	}
}

// ackLatestOrLoss reports that an acknowledgement has been received for the
// value, or that the packet carrying it has been lost. The value moves to
// the acked state only if pnum is the latest packet that carried it.
//
// This handles data that may be resent with a different value each time:
// for example, if we send a MAX_DATA frame and then an updated MAX_DATA
// value in a later packet, we consider the data sent only once the most
// recent value has been acked.
func (s *sentVal) ackLatestOrLoss(pnum wire.PacketNumber, fate packetFate) {
	if fate == packetAcked {
		if *s == sentVal(sentValSent)|sentVal(pnum) {
			*s = sentValReceived
		}
	} else if *s == sentVal(sentValSent)|sentVal(pnum) {
		*s = sentValUnsent
	}
}

func (s sentVal) state() uint64 { return uint64(s) & sentValStateMask }
