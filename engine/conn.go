package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quiclb/qcore/packetkey"
	"github.com/quiclb/qcore/qerr"
	"github.com/quiclb/qcore/tlsbridge"
	"github.com/quiclb/qcore/wire"
)

// A Conn is a single QUIC connection. Multiple goroutines may call Conn
// methods simultaneously; all connection state is otherwise owned by a
// single loop goroutine and reached only through messages sent on msgc,
// the same design the teacher package uses for its own conn.go.
type Conn struct {
	side     connSide
	endpoint *Endpoint
	config   *Config
	peerAddr netip.AddrPort
	traceID  string
	log      *logrus.Entry

	msgc  chan any
	donec chan struct{}

	w        packetWriter
	acks     [numberSpaceCount]ackState
	lifetime lifetimeState
	idle     idleState
	connIDs  connIDState
	loss     lossState
	streams  streamsState
	pmtud    pmtudState
	path     pathValidationState

	keysInitial   packetkey.FixedKeyPair
	keysHandshake packetkey.FixedKeyPair
	keysAppData   packetkey.UpdatingKeyPair
	crypto        [numberSpaceCount]cryptoStream
	bridge        *tlsbridge.Bridge

	retryToken []byte

	handshakeConfirmed sentVal

	peerAckDelayExponent int8
}

// newServerConnIDs carries the connection IDs observed in a client's first
// Initial packet (and, if a Retry round trip occurred, the IDs chosen
// along the way).
type newServerConnIDs struct {
	srcConnID         []byte
	dstConnID         []byte
	originalDstConnID []byte
	retrySrcConnID    []byte
}

func newConn(now time.Time, side connSide, cids newServerConnIDs, peerAddr netip.AddrPort, config *Config, e *Endpoint) (*Conn, error) {
	c := &Conn{
		side:                 side,
		endpoint:             e,
		config:               config,
		peerAddr:             peerAddr,
		traceID:              uuid.NewString(),
		msgc:                 make(chan any, 1),
		donec:                make(chan struct{}),
		peerAckDelayExponent: -1,
	}
	c.log = e.log.WithField("conn", c.traceID).WithField("side", side.String())

	var initialConnID []byte
	if side == clientSide {
		if err := c.connIDs.initClient(); err != nil {
			return nil, err
		}
		initialConnID, _ = c.connIDs.dstConnID()
	} else {
		initialConnID = cids.originalDstConnID
		if cids.retrySrcConnID != nil {
			initialConnID = cids.retrySrcConnID
		}
		if err := c.connIDs.initServer(cids.dstConnID, cids.srcConnID); err != nil {
			return nil, err
		}
		c.connIDs.originalDstConnID = cids.originalDstConnID
		c.connIDs.retrySrcConnID = cids.retrySrcConnID
	}

	c.keysAppData.Init()
	c.loss.init(c.side, smallestMaxDatagramSize, now)
	c.streamsInit()
	c.lifetimeInit()
	c.pmtudInit(config)
	c.restartIdleTimer(now)

	kSide := packetkey.Side(side)
	keys := packetkey.InitialKeys(initialConnID, kSide)
	c.keysInitial = keys

	if err := c.startTLS(now, transportParameters{
		initialSrcConnID:               c.connIDs.srcConnID(),
		originalDstConnID:              cids.originalDstConnID,
		retrySrcConnID:                 cids.retrySrcConnID,
		ackDelayExponent:               ackDelayExponent,
		maxUDPPayloadSize:              maxUDPPayloadSize,
		maxAckDelay:                    maxAckDelay,
		disableActiveMigration:         true,
		initialMaxData:                 config.maxConnReadBufferSize(),
		initialMaxStreamDataBidiLocal:  config.maxStreamReadBufferSize(),
		initialMaxStreamDataBidiRemote: config.maxStreamReadBufferSize(),
		initialMaxStreamDataUni:        config.maxStreamReadBufferSize(),
		initialMaxStreamsBidi:          c.streams.remoteLimits[bidiStream].max,
		initialMaxStreamsUni:           c.streams.remoteLimits[uniStream].max,
		activeConnIDLimit:              activeConnIDLimit,
	}); err != nil {
		return nil, err
	}

	go c.loop(now)
	return c, nil
}

func (c *Conn) String() string {
	return fmt.Sprintf("qcore.Conn(%v,->%v)", c.side, c.peerAddr)
}

// confirmHandshake is called when the handshake is confirmed:
// https://www.rfc-editor.org/rfc/rfc9001#section-4.1.2
func (c *Conn) confirmHandshake(now time.Time) {
	if c.handshakeConfirmed.isSet() {
		return
	}
	if c.side == serverSide {
		c.handshakeConfirmed.setUnsent()
	} else {
		c.handshakeConfirmed.setReceived()
	}
	c.restartIdleTimer(now)
	c.loss.confirmHandshake()
	// "An endpoint MUST discard its Handshake keys when the TLS handshake
	// is confirmed." https://www.rfc-editor.org/rfc/rfc9001#section-4.9.2-1
	c.discardKeys(now, handshakeSpace)
}

func (c *Conn) discardKeys(now time.Time, space numberSpace) {
	switch space {
	case initialSpace:
		c.keysInitial.Discard()
	case handshakeSpace:
		c.keysHandshake.Discard()
	}
	c.loss.discardKeys(now, space)
}

// receiveTransportParameters applies the peer's transport parameters once
// the TLS bridge surfaces them.
func (c *Conn) receiveTransportParameters(p transportParameters) error {
	c.streams.outflow.setMaxData(p.initialMaxData)
	c.streams.localLimits[bidiStream].setMax(p.initialMaxStreamsBidi)
	c.streams.localLimits[uniStream].setMax(p.initialMaxStreamsUni)
	c.streams.peerInitialMaxStreamDataBidiLocal = p.initialMaxStreamDataBidiLocal
	c.streams.peerInitialMaxStreamDataRemote[bidiStream] = p.initialMaxStreamDataBidiRemote
	c.streams.peerInitialMaxStreamDataRemote[uniStream] = p.initialMaxStreamDataUni
	c.receivePeerMaxIdleTimeout(p.maxIdleTimeout)
	c.peerAckDelayExponent = p.ackDelayExponent
	c.loss.setMaxAckDelay(p.maxAckDelay)
	c.connIDs.setPeerActiveConnIDLimit(p.activeConnIDLimit)
	return nil
}

type (
	timerEvent struct{}
	wakeEvent  struct {
		reason FlushReason
	}
)

var errIdleTimeout = errors.New("qcore: idle timeout")

// loop is the connection's single goroutine: every field above this
// comment is read and written only from here, except where a method's
// doc comment says otherwise.
func (c *Conn) loop(now time.Time) {
	defer close(c.donec)
	defer c.bridge.Close()
	defer c.endpoint.connDrained(c)

	var timer *time.Timer
	var lastTimeout time.Time
	timer = time.AfterFunc(1*time.Hour, func() {
		c.sendMsg(timerEvent{})
	})
	defer timer.Stop()

	for c.lifetime.state != connStateDone {
		sendTimeout := c.maybeSend(now)

		nextTimeout := sendTimeout
		nextTimeout = firstTime(nextTimeout, c.idle.nextTimeout)
		if c.isAlive() {
			nextTimeout = firstTime(nextTimeout, c.loss.timer)
			nextTimeout = firstTime(nextTimeout, c.acks[appDataSpace].nextAck)
		} else {
			nextTimeout = firstTime(nextTimeout, c.lifetime.drainEndTime)
		}

		var m any
		if !nextTimeout.IsZero() && nextTimeout.Before(now) {
			now = time.Now()
			m = timerEvent{}
		} else {
			if !nextTimeout.Equal(lastTimeout) && !nextTimeout.IsZero() {
				timer.Reset(nextTimeout.Sub(now))
				lastTimeout = nextTimeout
			}
			m = <-c.msgc
			now = time.Now()
		}
		switch m := m.(type) {
		case *datagram:
			c.handleDatagram(now, m)
			m.recycle()
		case timerEvent:
			if c.idleAdvance(now) {
				c.abortImmediately(now, errIdleTimeout)
				return
			}
			c.loss.advance(now, c.handleAckOrLoss)
			if c.lifetimeAdvance(now) {
				return
			}
		case wakeEvent:
			// Woken to attempt a flush; nothing further to do here.
		case func(time.Time, *Conn):
			m(now, c)
		default:
			panic(fmt.Sprintf("qcore: unrecognized conn message %T", m))
		}
		c.syncConnIDs()
	}
}

// sendMsg sends a message to the conn's loop without waiting for it to be
// processed. The conn may exit before the message is handled, in which
// case it is dropped.
func (c *Conn) sendMsg(m any) {
	select {
	case c.msgc <- m:
	case <-c.donec:
	}
}

// wake wakes the conn's loop to attempt a flush, recording why for
// diagnostics.
func (c *Conn) wake(reason FlushReason) {
	select {
	case c.msgc <- wakeEvent{reason: reason}:
	default:
	}
}

// runOnLoop executes f on the conn's loop goroutine and waits for it to
// finish.
func (c *Conn) runOnLoop(f func(now time.Time, c *Conn)) error {
	donec := make(chan struct{})
	c.sendMsg(func(now time.Time, c *Conn) {
		defer close(donec)
		f(now, c)
	})
	select {
	case <-donec:
	case <-c.donec:
		return errors.New("qcore: connection closed")
	}
	return nil
}

func (c *Conn) waitOnDone(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	default:
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func firstTime(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}

// tlsAlertError converts a TLS alert into a qerr.LocalError.
func tlsAlertError(err error) error {
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return qerr.LocalError{Code: qerr.ErrTLSBase + qerr.TransportError(alert), Reason: "tls alert"}
	}
	return qerr.LocalError{Code: qerr.ErrInternal, Reason: err.Error()}
}
