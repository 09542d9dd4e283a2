package engine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quiclb/qcore/datapath"
	"github.com/quiclb/qcore/wire"
)

// An Endpoint handles QUIC traffic on a network address. It can accept
// inbound connections or create outbound ones.
//
// Multiple goroutines may invoke methods on an Endpoint simultaneously.
type Endpoint struct {
	config  *Config
	log     *logrus.Entry
	dp      *datapath.Datapath
	binding *datapath.Binding

	resetGen statelessResetTokenGenerator
	retry    retryState

	acceptQueue queue[*Conn]
	connsMap    connsMap

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	closec  chan struct{}
}

// Listen listens on a local network address.
func Listen(address string, config *Config) (*Endpoint, error) {
	if config.TLSConfig == nil {
		return nil, errors.New("qcore: TLSConfig is not set")
	}
	local, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		config:      config,
		log:         logrus.WithField("component", "qcore"),
		conns:       make(map[*Conn]struct{}),
		acceptQueue: newQueue[*Conn](),
		closec:      make(chan struct{}),
	}
	e.resetGen.init(config.StatelessResetKey)
	e.connsMap.init()
	if config.RequireAddressValidation {
		if err := e.retry.init(); err != nil {
			return nil, err
		}
	}

	dp, err := datapath.Initialize(0, e.handleRecv, nil)
	if err != nil {
		return nil, err
	}
	e.dp = dp

	binding, err := datapath.BindingCreate(dp, local, netip.AddrPort{}, e)
	if err != nil {
		return nil, err
	}
	e.binding = binding
	return e, nil
}

// LocalAddr returns the local network address the endpoint is bound to.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	return e.binding.LocalAddr()
}

// Close closes the Endpoint. Close aborts every open connection and waits
// for the peers of any open connection to acknowledge the closure, or for
// ctx to be done.
func (e *Endpoint) Close(ctx context.Context) error {
	e.acceptQueue.close(errors.New("qcore: endpoint closed"))
	e.connsMu.Lock()
	if !e.closing {
		e.closing = true
		for c := range e.conns {
			c.Abort(nil)
		}
		if len(e.conns) == 0 {
			e.binding.Delete()
			close(e.closec)
		}
	}
	e.connsMu.Unlock()
	select {
	case <-e.closec:
	case <-ctx.Done():
		e.connsMu.Lock()
		for c := range e.conns {
			c.exit()
		}
		e.connsMu.Unlock()
		return ctx.Err()
	}
	return nil
}

// Accept waits for and returns the next inbound connection.
func (e *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	return e.acceptQueue.get(ctx)
}

// Dial creates and returns a connection to a network address.
func (e *Endpoint) Dial(ctx context.Context, address string) (*Conn, error) {
	addr, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}
	c, err := e.newConn(time.Now(), clientSide, newServerConnIDs{}, addr)
	if err != nil {
		return nil, err
	}
	if err := c.waitReady(ctx); err != nil {
		c.Abort(nil)
		return nil, err
	}
	return c, nil
}

func (e *Endpoint) newConn(now time.Time, side connSide, cids newServerConnIDs, peerAddr netip.AddrPort) (*Conn, error) {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	if e.closing {
		return nil, errors.New("qcore: endpoint closed")
	}
	c, err := newConn(now, side, cids, peerAddr, e.config, e)
	if err != nil {
		return nil, err
	}
	e.conns[c] = struct{}{}
	var cids2 [][]byte
	for i := range c.connIDs.local {
		if c.connIDs.local[i].seq < 0 {
			continue
		}
		c.connIDs.local[i].registered = true
		cids2 = append(cids2, c.connIDs.local[i].cid)
	}
	e.connsMap.updateConnIDs(func(conns *connsMap) {
		for _, cid := range cids2 {
			conns.addConnID(c, cid)
		}
	})
	return c, nil
}

// syncConnIDs registers any newly issued local connection IDs and newly
// learned remote stateless reset tokens with the endpoint's connection
// table, so inbound datagrams addressed to them are routed to this conn.
// It's cheap to call whenever the conn's connection ID state might have
// changed.
func (c *Conn) syncConnIDs() {
	var newLocal [][]byte
	for i := range c.connIDs.local {
		if c.connIDs.local[i].seq < 0 || c.connIDs.local[i].registered {
			continue
		}
		c.connIDs.local[i].registered = true
		newLocal = append(newLocal, c.connIDs.local[i].cid)
	}
	var newTokens []statelessResetToken
	for i := range c.connIDs.remote {
		if c.connIDs.remote[i].tokenRegistered {
			continue
		}
		c.connIDs.remote[i].tokenRegistered = true
		newTokens = append(newTokens, c.connIDs.remote[i].resetToken)
	}
	if len(newLocal) == 0 && len(newTokens) == 0 {
		return
	}
	e := c.endpoint
	e.connsMap.updateConnIDs(func(conns *connsMap) {
		for _, cid := range newLocal {
			conns.addConnID(c, cid)
		}
		for _, token := range newTokens {
			conns.addResetToken(c, token)
		}
	})
}

// serverConnEstablished is called by a conn when the handshake completes
// for an inbound (serverSide) connection.
func (e *Endpoint) serverConnEstablished(c *Conn) {
	e.acceptQueue.put(c)
}

// connDrained is called by a conn when it leaves the draining state,
// either because the peer acknowledged the closure or the drain timeout
// expired.
func (e *Endpoint) connDrained(c *Conn) {
	var cids [][]byte
	for i := range c.connIDs.local {
		cids = append(cids, c.connIDs.local[i].cid)
	}
	var tokens []statelessResetToken
	for i := range c.connIDs.remote {
		tokens = append(tokens, c.connIDs.remote[i].resetToken)
	}
	e.connsMap.updateConnIDs(func(conns *connsMap) {
		for _, cid := range cids {
			conns.retireConnID(cid)
		}
		for _, token := range tokens {
			conns.retireResetToken(token)
		}
	})
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	delete(e.conns, c)
	if e.closing && len(e.conns) == 0 {
		e.binding.Delete()
		close(e.closec)
	}
}

// handleRecv is the datapath.RecvCallback invoked for every datagram
// chain delivered to the endpoint's binding.
func (e *Endpoint) handleRecv(binding *datapath.Binding, chain *datapath.RecvDatagram) {
	for rd := chain; rd != nil; rd = rd.Next {
		e.handleOneDatagram(binding, rd.Buffer, rd.Remote)
	}
	e.dp.ReturnRecvDatagrams(chain)
}

func (e *Endpoint) handleOneDatagram(binding *datapath.Binding, b []byte, addr netip.AddrPort) {
	dstConnID, ok := wire.DstConnIDForDatagram(b)
	if !ok {
		return
	}
	if e.connsMap.updateNeeded.Load() {
		e.connsMap.applyUpdates()
	}
	c := e.connsMap.byConnID[string(dstConnID)]
	m := newDatagram()
	m.b = append(m.b[:0], b...)
	m.addr = addr
	if c == nil {
		e.handleUnknownDestinationDatagram(binding, m)
		return
	}
	c.sendMsg(m)
}

func (e *Endpoint) handleUnknownDestinationDatagram(binding *datapath.Binding, m *datagram) {
	defer func() {
		if m != nil {
			m.recycle()
		}
	}()
	const minimumValidPacketSize = 21
	if len(m.b) < minimumValidPacketSize {
		return
	}
	now := time.Now()

	// Check to see if this is a stateless reset.
	var token statelessResetToken
	copy(token[:], m.b[len(m.b)-len(token):])
	if c := e.connsMap.byResetToken[token]; c != nil {
		c.sendMsg(func(now time.Time, c *Conn) {
			c.handleStatelessReset(now, token)
		})
		return
	}

	if !wire.IsLongHeader(m.b[0]) {
		// 1-RTT packet for a connection we have no state for; there's
		// nothing productive to do but send a stateless reset.
		e.maybeSendStatelessReset(binding, m.b, m.addr)
		return
	}

	p, ok := parseGenericLongHeaderPacket(m.b)
	if !ok || len(m.b) < paddedInitialDatagramSize {
		return
	}
	switch p.version {
	case quicVersion1:
	case 0:
		return // Version Negotiation for an unknown connection.
	default:
		e.sendVersionNegotiation(binding, p, m.addr)
		return
	}
	if wire.GetPacketType(m.b) != wire.PacketTypeInitial {
		// Not trying to create a new connection; might belong to a
		// connection we've lost state for.
		return
	}

	cids := newServerConnIDs{
		srcConnID: p.srcConnID,
		dstConnID: p.dstConnID,
	}
	if e.config.RequireAddressValidation {
		var ok bool
		cids.retrySrcConnID = p.dstConnID
		cids.originalDstConnID, ok = e.validateInitialAddress(binding, now, p, m.addr)
		if !ok {
			return
		}
	} else {
		cids.originalDstConnID = p.dstConnID
	}

	c, err := e.newConn(now, serverSide, cids, m.addr)
	if err != nil {
		// The endpoint is closing or the connection could not be
		// created; drop the datagram.
		// https://www.rfc-editor.org/rfc/rfc9000.html#section-5.2.2-5
		return
	}
	c.sendMsg(m)
	m = nil // ownership transferred to sendMsg
}

// validateInitialAddress checks a client's address-validation token, if
// one was presented, or triggers a Retry round trip otherwise.
func (e *Endpoint) validateInitialAddress(binding *datapath.Binding, now time.Time, p genericLongPacket, addr netip.AddrPort) (originalDstConnID []byte, ok bool) {
	if len(p.token) == 0 {
		e.sendRetry(binding, p, addr)
		return nil, false
	}
	return e.retry.validateToken(now, p.token, p.srcConnID, p.dstConnID, addr)
}

// sendRetry sends a Retry packet in response to a client Initial that
// lacks a validation token.
func (e *Endpoint) sendRetry(binding *datapath.Binding, p genericLongPacket, addr netip.AddrPort) {
	token, newDstConnID, err := e.retry.makeToken(time.Now(), p.srcConnID, p.dstConnID, addr)
	if err != nil {
		return
	}
	buf := encodeRetryPacket(p.dstConnID, retryPacket{
		dstConnID: p.srcConnID,
		srcConnID: newDstConnID,
		token:     token,
	})
	e.sendDatagramOn(binding, buf, addr)
}

func (e *Endpoint) maybeSendStatelessReset(binding *datapath.Binding, b []byte, addr netip.AddrPort) {
	if !e.resetGen.canReset {
		return // Config.StatelessResetKey isn't set.
	}
	// The smallest possible valid packet a peer can send us is:
	//   1 byte of header, connIDLen bytes of destination connection ID,
	//   1 byte of packet number, 1 byte of payload, 16 bytes AEAD expansion.
	if len(b) < 1+connIDLen+1+1+16 {
		return
	}
	cid := b[1:][:connIDLen]
	token := e.resetGen.tokenForConnID(cid)
	// Generate a stateless reset as short as possible but long enough to
	// be difficult to distinguish from a 1-RTT packet, and strictly
	// shorter than the datagram it responds to so reset loops terminate.
	// https://www.rfc-editor.org/rfc/rfc9000#section-10.3
	size := min(len(b)-1, 42)
	out := make([]byte, size)
	rand.Read(out[:len(out)-statelessResetTokenLen])
	out[0] &^= wire.HeaderFormLong
	out[0] |= wire.FixedBit
	copy(out[len(out)-statelessResetTokenLen:], token[:])
	e.sendDatagramOn(binding, out, addr)
}

func (e *Endpoint) sendVersionNegotiation(binding *datapath.Binding, p genericLongPacket, addr netip.AddrPort) {
	var b []byte
	b = append(b, wire.HeaderFormLong|wire.FixedBit)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = wire.AppendUint8Bytes(b, p.srcConnID)
	b = wire.AppendUint8Bytes(b, p.dstConnID)
	b = binary.BigEndian.AppendUint32(b, quicVersion1)
	b = binary.BigEndian.AppendUint32(b, quicVersion2)
	e.sendDatagramOn(binding, b, addr)
}

// sendDatagram sends a datagram from a conn's send path, where the
// endpoint's binding is always already established.
func (e *Endpoint) sendDatagram(buf []byte, addr netip.AddrPort) error {
	return e.sendDatagramOn(e.binding, buf, addr)
}

// sendDatagramOn sends a datagram on an explicitly supplied binding,
// used by the receive path so it never touches e.binding before Listen
// has finished assigning it.
func (e *Endpoint) sendDatagramOn(binding *datapath.Binding, buf []byte, addr netip.AddrPort) error {
	ctx := binding.AllocSendContext(0, len(buf))
	copy(ctx.AllocDatagram(len(buf)), buf)
	if err := binding.SendTo(addr, ctx); err != datapath.SendOK {
		return err
	}
	return nil
}

// A genericLongPacket is the common prefix of every long-header packet,
// parsed without any knowledge of per-type fields or packet protection.
// It is used by the endpoint to route or reject a datagram for a
// connection it has no other state for.
type genericLongPacket struct {
	version   uint32
	dstConnID []byte
	srcConnID []byte
	token     []byte
}

func parseGenericLongHeaderPacket(b []byte) (p genericLongPacket, ok bool) {
	if len(b) < 5 || !wire.IsLongHeader(b[0]) {
		return genericLongPacket{}, false
	}
	ver, n := wire.ConsumeUint32(b[1:])
	if n < 0 {
		return genericLongPacket{}, false
	}
	p.version = ver
	rest := b[1+n:]

	dst, n := wire.ConsumeUint8Bytes(rest)
	if n < 0 {
		return genericLongPacket{}, false
	}
	p.dstConnID = dst
	rest = rest[n:]

	src, n := wire.ConsumeUint8Bytes(rest)
	if n < 0 {
		return genericLongPacket{}, false
	}
	p.srcConnID = src
	rest = rest[n:]

	if wire.GetPacketType(b) == wire.PacketTypeInitial {
		tok, n := wire.ConsumeVarintBytes(rest)
		if n < 0 {
			return genericLongPacket{}, false
		}
		p.token = tok
	}
	return p, true
}

// A connsMap is an endpoint's mapping of connection IDs and stateless
// reset tokens to conns. It is only accessed by the datapath receive
// callback; updates queued from a conn's loop goroutine are applied
// there via applyUpdates.
type connsMap struct {
	byConnID     map[string]*Conn
	byResetToken map[statelessResetToken]*Conn

	updateMu     sync.Mutex
	updateNeeded atomic.Bool
	updates      []func(*connsMap)
}

func (m *connsMap) init() {
	m.byConnID = map[string]*Conn{}
	m.byResetToken = map[statelessResetToken]*Conn{}
}

func (m *connsMap) addConnID(c *Conn, cid []byte) {
	m.byConnID[string(cid)] = c
}

func (m *connsMap) retireConnID(cid []byte) {
	delete(m.byConnID, string(cid))
}

func (m *connsMap) addResetToken(c *Conn, token statelessResetToken) {
	m.byResetToken[token] = c
}

func (m *connsMap) retireResetToken(token statelessResetToken) {
	delete(m.byResetToken, token)
}

func (m *connsMap) updateConnIDs(f func(*connsMap)) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	m.updates = append(m.updates, f)
	m.updateNeeded.Store(true)
}

func (m *connsMap) applyUpdates() {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	for _, f := range m.updates {
		f(m)
	}
	clear(m.updates)
	m.updates = m.updates[:0]
	m.updateNeeded.Store(false)
}
