package engine

import "github.com/quiclb/qcore/wire"

// pathValidationState tracks an unanswered PATH_CHALLENGE from the peer.
// PATH_RESPONSE always mirrors the most recent unanswered challenge, once
// per challenge: a second challenge before the first is answered replaces
// it rather than queuing both.
type pathValidationState struct {
	challenge sentVal
	data      uint64
}

// handlePathChallengeFrame records data as needing a PATH_RESPONSE and
// schedules a flush. Only the most recently received challenge is
// answered if several arrive before the engine can reply.
func (c *Conn) handlePathChallengeFrame(payload []byte) int {
	data, n := consumePathChallengeFrame(payload)
	if n < 0 {
		return -1
	}
	c.path.data = data
	c.path.challenge.setUnsent()
	c.wake(ReasonConnectionFlags)
	return n
}

// handlePathResponseFrame consumes a PATH_RESPONSE and otherwise ignores
// it: its data is not checked against any challenge. Active migration is
// disabled and the connection never originates a PATH_CHALLENGE of its
// own, so there is no outstanding challenge to match.
func (c *Conn) handlePathResponseFrame(payload []byte) int {
	_, n := consumePathResponseFrame(payload)
	return n
}

// appendPathResponseFrame appends a PATH_RESPONSE mirroring the most
// recent unanswered PATH_CHALLENGE. Returns true if no more frames need
// appending, false if it did not fit.
func (c *Conn) appendPathResponseFrame(pnum wire.PacketNumber, pto bool) bool {
	if c.path.challenge.shouldSendPTO(pto) {
		if !c.w.appendPathResponseFrame(c.path.data) {
			return false
		}
		c.path.challenge.setSent(pnum)
	}
	return true
}
