package engine

import (
	"time"

	"github.com/quiclb/qcore/qerr"
)

// idleState tracks connection idle events: the idle timeout while the
// handshake is in progress is Config.HandshakeTimeout; afterward, it is
// the minimum of Config.MaxIdleTimeout and the peer's max_idle_timeout.
// If KeepAlivePeriod is set, pings are sent once the handshake is
// confirmed. https://www.rfc-editor.org/rfc/rfc9000#section-10.1
type idleState struct {
	idleDuration         time.Duration
	idleTimeout          time.Time
	nextTimeout          time.Time
	sentSinceLastReceive bool
}

func (c *Conn) receivePeerMaxIdleTimeout(peerMaxIdleTimeout time.Duration) {
	localMaxIdleTimeout := c.config.maxIdleTimeout()
	switch {
	case localMaxIdleTimeout == 0:
		c.idle.idleDuration = peerMaxIdleTimeout
	case peerMaxIdleTimeout == 0:
		c.idle.idleDuration = localMaxIdleTimeout
	default:
		c.idle.idleDuration = min(localMaxIdleTimeout, peerMaxIdleTimeout)
	}
}

func (c *Conn) idleHandlePacketReceived(now time.Time) {
	if !c.handshakeConfirmed.isSet() {
		return
	}
	c.idle.sentSinceLastReceive = false
	c.restartIdleTimer(now)
}

func (c *Conn) idleHandlePacketSent(now time.Time, sent *sentPacket) {
	if c.idle.sentSinceLastReceive || !sent.ackEliciting || !c.handshakeConfirmed.isSet() {
		return
	}
	c.idle.sentSinceLastReceive = true
	c.restartIdleTimer(now)
}

func (c *Conn) restartIdleTimer(now time.Time) {
	if !c.isAlive() {
		c.idle.idleTimeout = time.Time{}
		c.idle.nextTimeout = time.Time{}
		return
	}
	var idleDuration time.Duration
	if c.handshakeConfirmed.isSet() {
		idleDuration = c.idle.idleDuration
	} else {
		idleDuration = c.config.handshakeTimeout()
	}
	if idleDuration == 0 {
		c.idle.idleTimeout = time.Time{}
	} else {
		// "[...] endpoints MUST increase the idle timeout period to be at
		// least three times the current Probe Timeout."
		// https://www.rfc-editor.org/rfc/rfc9000#section-10.1-4
		idleDuration = max(idleDuration, 3*c.loss.ptoPeriod())
		c.idle.idleTimeout = now.Add(idleDuration)
	}
	c.idle.nextTimeout = c.idle.idleTimeout
	keepAlive := c.config.keepAlivePeriod()
	switch {
	case !c.handshakeConfirmed.isSet():
	case keepAlive <= 0:
	case c.idle.sentSinceLastReceive:
	case idleDuration == 0:
		c.idle.nextTimeout = now.Add(keepAlive)
	default:
		c.idle.nextTimeout = now.Add(min(keepAlive, idleDuration/2))
	}
}

func (c *Conn) appendKeepAlive(now time.Time) bool {
	if c.idle.nextTimeout.IsZero() || c.idle.nextTimeout.After(now) {
		return true
	}
	if c.idle.nextTimeout.Equal(c.idle.idleTimeout) {
		return true
	}
	if c.idle.sentSinceLastReceive {
		return true
	}
	if c.w.sent.ackEliciting {
		return true
	}
	return c.w.appendPingFrame()
}

var errHandshakeTimeout error = qerr.LocalError{
	Code:   qerr.ErrConnectionRefused,
	Reason: "handshake timeout",
}

func (c *Conn) idleAdvance(now time.Time) (shouldExit bool) {
	if c.idle.idleTimeout.IsZero() || now.Before(c.idle.idleTimeout) {
		return false
	}
	c.idle.idleTimeout = time.Time{}
	c.idle.nextTimeout = time.Time{}
	if !c.handshakeConfirmed.isSet() {
		c.abort(now, errHandshakeTimeout)
		return false
	}
	// "[...] the connection is silently closed and its state is
	// discarded [...]" https://www.rfc-editor.org/rfc/rfc9000#section-10.1-1
	return true
}
