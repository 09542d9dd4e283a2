package engine

import (
	"bytes"
	"crypto/rand"

	"github.com/quiclb/qcore/qerr"
	"github.com/quiclb/qcore/wire"
)

// connIDState tracks a connection's local and remote connection IDs:
// issuing new local IDs up to the peer's active_connection_id_limit,
// and retiring remote IDs the peer has superseded.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-5.1
type connIDState struct {
	// Destination connection IDs of packets received are local;
	// destination connection IDs of packets sent are remote. Local IDs
	// are usually issued locally, remote IDs by the peer, except for
	// the transient destination ID a client sends in its first Initial.
	local  []connID
	remote []remoteConnID

	nextLocalSeq          int64
	retireRemotePriorTo   int64 // largest Retire Prior To value sent by the peer
	peerActiveConnIDLimit int64 // peer's active_connection_id_limit transport parameter

	originalDstConnID []byte // expected original_destination_connection_id param
	retrySrcConnID    []byte // expected retry_source_connection_id param

	needSend bool
}

// A connID is a connection ID and its associated metadata.
type connID struct {
	cid []byte

	// seq is the connection ID's sequence number.
	// https://www.rfc-editor.org/rfc/rfc9000.html#section-5.1.1-1
	//
	// The transient destination ID in a client's Initial packet uses -1.
	seq int64

	retired bool

	// send is set when the connection ID's state needs to be sent to
	// the peer. For local IDs, a new ID to send in NEW_CONNECTION_ID.
	// For remote IDs, a retired ID to send in RETIRE_CONNECTION_ID.
	send sentVal

	// registered tracks whether this local connection ID has been added
	// to the endpoint's connsMap, so inbound datagrams addressed to it
	// are routed to this conn.
	registered bool
}

// A remoteConnID is a connection ID together with its stateless reset
// token.
type remoteConnID struct {
	connID
	resetToken      statelessResetToken
	tokenRegistered bool
}

func newRandomConnID(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *connIDState) initClient() error {
	locid, err := newRandomConnID(connIDLen)
	if err != nil {
		return err
	}
	s.local = append(s.local, connID{seq: 0, cid: locid})
	s.nextLocalSeq = 1

	remid, err := newRandomConnID(connIDLen)
	if err != nil {
		return err
	}
	s.remote = append(s.remote, remoteConnID{connID: connID{seq: -1, cid: remid}})
	s.originalDstConnID = remid
	return nil
}

func (s *connIDState) initServer(dstConnID, srcConnID []byte) error {
	// The client-chosen, transient connection ID received in the first
	// Initial packet. This will not be used as the Source Connection ID
	// of packets sent, but is remembered because packets sent to this
	// destination may still arrive.
	s.local = append(s.local, connID{seq: -1, cid: cloneBytes(dstConnID)})

	locid, err := newRandomConnID(connIDLen)
	if err != nil {
		return err
	}
	s.local = append(s.local, connID{seq: 0, cid: locid})
	s.nextLocalSeq = 1

	s.remote = append(s.remote, remoteConnID{connID: connID{seq: 0, cid: cloneBytes(srcConnID)}})
	return nil
}

// srcConnID is the Source Connection ID to use in a sent packet.
func (s *connIDState) srcConnID() []byte {
	if s.local[0].seq == -1 && len(s.local) > 1 {
		// Don't use the transient connection ID when another is
		// available.
		return s.local[1].cid
	}
	return s.local[0].cid
}

// dstConnID is the Destination Connection ID to use in a sent packet.
func (s *connIDState) dstConnID() ([]byte, bool) {
	for i := range s.remote {
		if !s.remote[i].retired {
			return s.remote[i].cid, true
		}
	}
	return nil, false
}

// isValidLocalConnID reports whether id names a connection ID issued
// locally and not yet retired.
func (s *connIDState) isValidLocalConnID(id []byte) bool {
	for i := range s.local {
		if !s.local[i].retired && bytes.Equal(s.local[i].cid, id) {
			return true
		}
	}
	return false
}

// setPeerActiveConnIDLimit records the peer's active_connection_id_limit
// transport parameter and issues new local connection IDs up to it.
func (s *connIDState) setPeerActiveConnIDLimit(limit int64) {
	if limit > maxPeerActiveConnIDLimit {
		limit = maxPeerActiveConnIDLimit
	}
	s.peerActiveConnIDLimit = limit
	s.issueLocalConnIDs()
}

// issueLocalConnIDs issues NEW_CONNECTION_ID-pending entries up to the
// peer's active connection ID limit.
func (s *connIDState) issueLocalConnIDs() {
	active := int64(0)
	for i := range s.local {
		if s.local[i].seq >= 0 && !s.local[i].retired {
			active++
		}
	}
	for active < s.peerActiveConnIDLimit && active < maxPeerActiveConnIDLimit {
		cid, err := newRandomConnID(connIDLen)
		if err != nil {
			return
		}
		seq := s.nextLocalSeq
		s.nextLocalSeq++
		id := connID{seq: seq, cid: cid}
		id.send.set()
		s.local = append(s.local, id)
		active++
		s.needSend = true
	}
}

// handleNewConnID processes a NEW_CONNECTION_ID frame from the peer.
func (s *connIDState) handleNewConnID(seq, retirePriorTo int64, cid []byte, token statelessResetToken) error {
	if retirePriorTo > s.retireRemotePriorTo {
		s.retireRemotePriorTo = retirePriorTo
		for i := range s.remote {
			if s.remote[i].seq >= 0 && s.remote[i].seq < retirePriorTo && !s.remote[i].retired {
				s.remote[i].retired = true
				s.remote[i].send.set()
				s.needSend = true
			}
		}
	}
	for i := range s.remote {
		if s.remote[i].seq == seq {
			return nil // already known
		}
	}
	if len(s.remote) >= int(activeConnIDLimit)+4 {
		return qerr.LocalError{Code: qerr.ErrConnectionIDLimit, Reason: "too many connection ids"}
	}
	s.remote = append(s.remote, remoteConnID{
		connID:     connID{seq: seq, cid: cloneBytes(cid)},
		resetToken: token,
	})
	return nil
}

// handleRetireConnID processes a RETIRE_CONNECTION_ID frame from the
// peer, retiring a local connection ID.
func (s *connIDState) handleRetireConnID(seq int64) error {
	for i := range s.local {
		if s.local[i].seq == seq {
			s.local[i].retired = true
		}
	}
	s.issueLocalConnIDs()
	return nil
}

// appendFrames appends NEW_CONNECTION_ID and RETIRE_CONNECTION_ID frames
// to the current packet. It returns true if no more frames need
// appending, false if not everything fit.
func (s *connIDState) appendFrames(w *packetWriter, resetGen *statelessResetTokenGenerator, pnum wire.PacketNumber, pto bool) bool {
	if !s.needSend && !pto {
		return true
	}
	retireBefore := int64(0)
	if s.local[0].seq != -1 {
		retireBefore = s.local[0].seq
	}
	for i := range s.local {
		if s.local[i].seq < 0 || !s.local[i].send.shouldSendPTO(pto) {
			continue
		}
		if !w.appendNewConnectionIDFrame(
			s.local[i].seq,
			retireBefore,
			s.local[i].cid,
			[16]byte(resetGen.tokenForConnID(s.local[i].cid)),
		) {
			return false
		}
		s.local[i].send.setSent(pnum)
	}
	for i := range s.remote {
		if !s.remote[i].send.shouldSendPTO(pto) {
			continue
		}
		if !w.appendRetireConnectionIDFrame(s.remote[i].seq) {
			return false
		}
		s.remote[i].send.setSent(pnum)
	}
	s.needSend = false
	return true
}

// ackOrLossNewConnectionID reports the fate of a NEW_CONNECTION_ID frame.
func (s *connIDState) ackOrLossNewConnectionID(pnum wire.PacketNumber, seq int64, fate packetFate) {
	for i := range s.local {
		if s.local[i].seq == seq {
			s.local[i].send.ackOrLoss(pnum, fate)
			return
		}
	}
}

// ackOrLossRetireConnectionID reports the fate of a RETIRE_CONNECTION_ID
// frame.
func (s *connIDState) ackOrLossRetireConnectionID(pnum wire.PacketNumber, seq int64, fate packetFate) {
	for i := range s.remote {
		if s.remote[i].seq == seq {
			if fate == packetLost {
				s.remote[i].send.ackOrLoss(pnum, fate)
			}
			return
		}
	}
}

// isValidStatelessResetToken reports whether resetToken is associated with
// a non-retired connection ID this connection has used.
func (s *connIDState) isValidStatelessResetToken(resetToken statelessResetToken) bool {
	for i := range s.remote {
		// We currently only use the first available remote connection ID,
		// so any other reset token is not valid.
		if !s.remote[i].retired {
			return s.remote[i].resetToken == resetToken
		}
	}
	return false
}

// handlePacket updates connection ID state during the handshake, when the
// peer's first Initial or Handshake packet reveals a connection ID that
// supersedes a transient one chosen before the peer's identity was known.
func (s *connIDState) handlePacket(side connSide, ptype wire.PacketType, srcConnID []byte) {
	switch {
	case ptype == wire.PacketTypeInitial && side == clientSide:
		if len(s.remote) == 1 && s.remote[0].seq == -1 {
			// Processing the first Initial packet from the server as a
			// client. Replace the transient remote connection ID with the
			// Source Connection ID from the packet.
			s.remote[0] = remoteConnID{
				connID: connID{seq: 0, cid: cloneBytes(srcConnID)},
			}
		}
	case ptype == wire.PacketTypeHandshake && side == serverSide:
		if len(s.local) > 0 && s.local[0].seq == -1 && !s.local[0].retired {
			// Processing the first Handshake packet from the client as a
			// server. Discard the transient, client-chosen connection ID
			// used for Initial packets; the client will never send it
			// again.
			s.local = append(s.local[:0], s.local[1:]...)
		}
	}
}

// handleRetryPacket records the server's chosen Source Connection ID after
// a Retry round trip, replacing the transient remote connection ID.
func (s *connIDState) handleRetryPacket(srcConnID []byte) {
	if len(s.remote) != 1 || s.remote[0].seq != -1 {
		return // already past the transient connection ID; a spurious Retry.
	}
	s.retrySrcConnID = cloneBytes(srcConnID)
	s.remote[0].cid = s.retrySrcConnID
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
