package engine

import (
	"time"

	"github.com/quiclb/qcore/wire"
)

// ackState tracks packets received from a peer within a number space. It
// handles packet deduplication (don't process the same packet twice) and
// determines the timing and content of ACK frames.
type ackState struct {
	seen rangeset[wire.PacketNumber]

	// Time at which an ACK frame must be sent, even with no other data
	// to send.
	nextAck time.Time

	// Time the largest-numbered packet in seen was received.
	maxRecvTime time.Time

	// Largest-numbered ack-eliciting packet in seen.
	maxAckEliciting wire.PacketNumber

	// Number of ack-eliciting packets in seen not yet acknowledged.
	unackedAckEliciting int
}

// shouldProcess reports whether a packet should be handled or discarded.
func (acks *ackState) shouldProcess(num wire.PacketNumber) bool {
	if acks.seen.min() > num {
		// State for this range of packet numbers has been discarded.
		// Discard the packet rather than risk processing a duplicate.
		// https://www.rfc-editor.org/rfc/rfc9000.html#section-13.2.3-5
		return false
	}
	if acks.seen.contains(num) {
		return false
	}
	return true
}

// receive records receipt of a packet.
func (acks *ackState) receive(now time.Time, space numberSpace, num wire.PacketNumber, ackEliciting bool) {
	if ackEliciting {
		acks.unackedAckEliciting++
		if acks.mustAckImmediately(space, num) {
			acks.nextAck = now
		} else if acks.nextAck.IsZero() {
			// This packet does not need to be acknowledged immediately,
			// but the ack must not be intentionally delayed past the
			// max_ack_delay transport parameter sent to the peer.
			//
			// Acks are always delayed by the maximum allowed, less the
			// timer granularity.
			// https://www.rfc-editor.org/rfc/rfc9000#section-18.2-4.28.1
			acks.nextAck = now.Add(maxAckDelay - timerGranularity)
		}
		if num > acks.maxAckEliciting {
			acks.maxAckEliciting = num
		}
	}

	acks.seen.add(num, num+1)
	if num == acks.seen.max() {
		acks.maxRecvTime = now
	}

	// Limit the total number of ACK ranges by dropping older ranges.
	// Remembering more ranges results in larger ACK frames; remembering
	// fewer can result in unnecessary retransmissions, since packets
	// older than the oldest remembered range cannot be accepted. The
	// limit here is arbitrary.
	// https://www.rfc-editor.org/rfc/rfc9000#section-13.2.3
	const maxAckRanges = 8
	if overflow := acks.seen.numRanges() - maxAckRanges; overflow > 0 {
		acks.seen.removeranges(0, overflow)
	}
}

// mustAckImmediately reports whether an ack-eliciting packet must be
// acknowledged immediately, or whether the ack may be deferred.
func (acks *ackState) mustAckImmediately(space numberSpace, num wire.PacketNumber) bool {
	// https://www.rfc-editor.org/rfc/rfc9000.html#section-13.2.1
	if space != appDataSpace {
		// "[...] all ack-eliciting Initial and Handshake packets [...]"
		// https://www.rfc-editor.org/rfc/rfc9000.html#section-13.2.1-2
		return true
	}
	if num < acks.maxAckEliciting {
		// "[...] when the received packet has a packet number less than
		// another ack-eliciting packet that has been received [...]"
		// https://www.rfc-editor.org/rfc/rfc9000.html#section-13.2.1-8.1
		return true
	}
	if acks.seen.rangeContaining(acks.maxAckEliciting).end != num {
		// "[...] when the packet has a packet number larger than the
		// highest-numbered ack-eliciting packet that has been received
		// and there are missing packets between that packet and this
		// packet."
		// https://www.rfc-editor.org/rfc/rfc9000.html#section-13.2.1-8.2
		//
		// Consider received packets 0 (ack-eliciting), 1 (ack-eliciting),
		// 3 (not). Acks for 0 and 1 have been sent. Receiving
		// ack-eliciting packet 2 needs no immediate ack, since there is
		// no gap between it and the highest-numbered ack-eliciting
		// packet (1). Receiving ack-eliciting packet 4 does need an
		// immediate ack, since packet 2 is missing.
		//
		// This is checked by looking up the ACK range containing the
		// highest-numbered ack-eliciting packet: [0, 2) above. If the
		// range ends just before the packet now being processed, there
		// is no gap; otherwise there must be one.
		return true
	}
	if acks.unackedAckEliciting >= 2 {
		// "[...] after receiving at least two ack-eliciting packets."
		// https://www.rfc-editor.org/rfc/rfc9000.html#section-13.2.2
		return true
	}
	return false
}

// shouldSendAck reports whether an ACK frame should be sent at this
// time, in an ACK-only packet if necessary.
func (acks *ackState) shouldSendAck(now time.Time) bool {
	return !acks.nextAck.IsZero() && !acks.nextAck.After(now)
}

// acksToSend returns the set of packet numbers to ACK at this time, and
// the current ack delay. It may return acks even if shouldSendAck
// returns false, when unacked ack-eliciting packets have a delayed ack
// pending.
func (acks *ackState) acksToSend(now time.Time) (nums rangeset[wire.PacketNumber], ackDelay time.Duration) {
	if acks.nextAck.IsZero() && acks.unackedAckEliciting == 0 {
		return nil, 0
	}
	// "[...] the delays intentionally introduced between the time the
	// packet with the largest packet number is received and the time an
	// acknowledgement is sent."
	// https://www.rfc-editor.org/rfc/rfc9000#section-13.2.5-1
	delay := now.Sub(acks.maxRecvTime)
	if delay < 0 {
		delay = 0
	}
	return acks.seen, delay
}

// sentAck records that an ACK frame has been sent.
func (acks *ackState) sentAck() {
	acks.nextAck = time.Time{}
	acks.unackedAckEliciting = 0
}

// handleAck records that an ack has been received for an ACK frame sent
// containing the given Largest Acknowledged field.
func (acks *ackState) handleAck(largestAcked wire.PacketNumber) {
	// Packets <= largestAcked no longer need acking.
	// https://www.rfc-editor.org/rfc/rfc9000.html#section-13.2.4-1
	//
	// acks.seen always contains the largest packet number successfully
	// processed, so the range containing largestAcked is retained and
	// earlier ones discarded.
	acks.seen.sub(0, acks.seen.rangeContaining(largestAcked).start)
}

// largestSeen reports the largest seen packet.
func (acks *ackState) largestSeen() wire.PacketNumber {
	return acks.seen.max()
}
