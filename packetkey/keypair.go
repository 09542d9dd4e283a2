package packetkey

import (
	"crypto/sha256"
	"crypto/tls"

	"golang.org/x/crypto/hkdf"

	"github.com/quiclb/qcore/qerr"
	"github.com/quiclb/qcore/wire"
)

// Side identifies which endpoint of a connection a key pair belongs to.
type Side int8

const (
	ClientSide = Side(iota)
	ServerSide
)

// A fixedKeys is a header protection key and fixed packet protection key.
// The packet protection key is fixed: it does not update over the
// connection's lifetime. Fixed keys protect Initial and Handshake packets.
type fixedKeys struct {
	hdr headerKey
	pkt packetKey
}

func (k *fixedKeys) init(suite uint16, secret []byte) {
	k.hdr.init(suite, secret)
	k.pkt.init(suite, secret)
}

func (k fixedKeys) isSet() bool {
	return k.hdr.hp != nil
}

// protect applies packet protection to a packet.
//
// On input, hdr contains the packet header, pay the unencrypted payload,
// pnumOff the offset of the packet number in the header, and pnum the
// untruncated packet number. protect returns the result of appending the
// encrypted payload to hdr and applying header protection.
func (k fixedKeys) protect(hdr, pay []byte, pnumOff int, pnum wire.PacketNumber) []byte {
	pkt := k.pkt.protect(hdr, pay, pnum)
	k.hdr.protect(pkt, pnumOff)
	return pkt
}

// unprotect removes packet protection from a packet.
func (k fixedKeys) unprotect(pkt []byte, pnumOff int, pnumMax wire.PacketNumber) (pay []byte, num wire.PacketNumber, err error) {
	hdr, pay, pnum, err := k.hdr.unprotect(pkt, pnumOff, pnumMax)
	if err != nil {
		return nil, 0, err
	}
	pay, err = k.pkt.unprotect(hdr, pay, pnum)
	if err != nil {
		return nil, 0, err
	}
	return pay, pnum, nil
}

// A FixedKeyPair is a read/write pair of fixed (non-updating) keys, used
// for Initial and Handshake packet protection.
type FixedKeyPair struct {
	r, w fixedKeys
}

// Discard erases the key material, used when a number space is retired.
func (k *FixedKeyPair) Discard() {
	*k = FixedKeyPair{}
}

// SetReadSecret installs the keys used to unprotect packets we receive,
// derived from a traffic secret the TLS handshake exported. Used for the
// Handshake number space, whose read and write secrets become available
// at different points in the handshake.
func (k *FixedKeyPair) SetReadSecret(suite uint16, secret []byte) {
	k.r.init(suite, secret)
}

// SetWriteSecret installs the keys used to protect packets we send.
func (k *FixedKeyPair) SetWriteSecret(suite uint16, secret []byte) {
	k.w.init(suite, secret)
}

func (k *FixedKeyPair) CanRead() bool  { return k.r.isSet() }
func (k *FixedKeyPair) CanWrite() bool { return k.w.isSet() }

// Protect applies packet protection using the write keys.
func (k *FixedKeyPair) Protect(hdr, pay []byte, pnumOff int, pnum wire.PacketNumber) []byte {
	return k.w.protect(hdr, pay, pnumOff, pnum)
}

// Unprotect removes packet protection using the read keys.
func (k *FixedKeyPair) Unprotect(pkt []byte, pnumOff int, pnumMax wire.PacketNumber) ([]byte, wire.PacketNumber, error) {
	return k.r.unprotect(pkt, pnumOff, pnumMax)
}

// InitialKeys derives the keys used to protect Initial packets.
//
// The Initial packet keys are derived from the Destination Connection ID
// field in the client's first Initial packet, and are fixed for the
// lifetime of the Initial number space (they are not the "updating" key
// type described in RFC 9001 section 6, regardless of which packet type
// eventually carries a Retry in response -- see RetryKeys for why Retry
// packets use a wholly separate, connection-independent key).
//
// https://www.rfc-editor.org/rfc/rfc9001#section-5.2
func InitialKeys(cid []byte, side Side) FixedKeyPair {
	initialSecret := hkdf.Extract(sha256.New, cid, initialSalt)
	var clientKeys fixedKeys
	clientSecret := hkdfExpandLabel(sha256.New, initialSecret, "client in", nil, sha256.Size)
	clientKeys.init(tls.TLS_AES_128_GCM_SHA256, clientSecret)
	var serverKeys fixedKeys
	serverSecret := hkdfExpandLabel(sha256.New, initialSecret, "server in", nil, sha256.Size)
	serverKeys.init(tls.TLS_AES_128_GCM_SHA256, serverSecret)
	if side == ClientSide {
		return FixedKeyPair{r: serverKeys, w: clientKeys}
	}
	return FixedKeyPair{w: serverKeys, r: clientKeys}
}

// https://www.rfc-editor.org/rfc/rfc9001#section-5.2-2
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
	0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
}

// An UpdatingKeys is a header protection key and updatable packet protection
// key, used for 1-RTT keys whose packet protection key changes over the
// lifetime of a connection. https://www.rfc-editor.org/rfc/rfc9001#section-6
type UpdatingKeys struct {
	suite      uint16
	hdr        headerKey
	pkt        [2]packetKey // current, next
	nextSecret []byte       // secret used to generate pkt[1]
}

func (k *UpdatingKeys) Init(suite uint16, secret []byte) {
	k.suite = suite
	k.hdr.init(suite, secret)
	// Initialize pkt[1] with secret_0, then call update to produce secret_1.
	k.pkt[1].init(suite, secret)
	k.nextSecret = secret
	k.update()
}

// update performs a key update: the current key in pkt[0] is discarded, the
// next key in pkt[1] becomes current, and a new next key is derived.
func (k *UpdatingKeys) update() {
	k.nextSecret = updateSecret(k.suite, k.nextSecret)
	k.pkt[0] = k.pkt[1]
	k.pkt[1].init(k.suite, k.nextSecret)
}

func updateSecret(suite uint16, secret []byte) []byte {
	h, _ := hashForSuite(suite)
	return hkdfExpandLabel(h.New, secret, "quic ku", nil, len(secret))
}

// An UpdatingKeyPair is a read/write pair of updating keys.
//
// Two keys (current and next) are kept in both directions. An incoming
// packet whose phase bit matches the current phase is unprotected with the
// current keys; otherwise the next keys are tried. An update is initiated,
// setting Updating true, when this side decides to roll keys or when an
// incoming packet successfully unprotects with the next keys (indicating
// the peer initiated the roll). The update concludes -- flipping the phase
// bit and generating a new next key -- when an ACK arrives for a packet
// sent with the next keys, via HandleAckFor.
type UpdatingKeyPair struct {
	phase        uint8 // current key phase (r.pkt[0], w.pkt[0])
	updating     bool
	authFailures int64              // total packet unprotect failures
	minSent      wire.PacketNumber  // min packet number sent since entering the updating state
	minReceived  wire.PacketNumber  // min packet number received in the next phase
	updateAfter  wire.PacketNumber  // packet number after which to initiate key update
	r, w         UpdatingKeys
}

// Init prepares a newly-created key pair, scheduling the first automatic
// key update early in the connection so that a peer which mishandles key
// updates fails fast rather than after the connection is long-lived.
func (k *UpdatingKeyPair) Init() {
	k.updateAfter = 1000
}

func (k *UpdatingKeyPair) CanRead() bool  { return k.r.hdr.hp != nil }
func (k *UpdatingKeyPair) CanWrite() bool { return k.w.hdr.hp != nil }

// SetReadSecret installs secret_0 for the read direction of the 1-RTT
// keys, derived from the TLS handshake's exported application traffic
// secret.
func (k *UpdatingKeyPair) SetReadSecret(suite uint16, secret []byte) {
	k.r.Init(suite, secret)
}

// SetWriteSecret installs secret_0 for the write direction.
func (k *UpdatingKeyPair) SetWriteSecret(suite uint16, secret []byte) {
	k.w.Init(suite, secret)
}

// HandleAckFor finishes a key update after receiving an ACK for a packet
// sent in the next phase.
func (k *UpdatingKeyPair) HandleAckFor(pnum wire.PacketNumber) {
	if k.updating && pnum >= k.minSent {
		k.updating = false
		k.phase ^= wire.KeyPhaseBit
		k.r.update()
		k.w.update()
	}
}

// NeedAckEliciting reports whether the next packet sent in the new phase
// must be ack-eliciting, since the peer must acknowledge a packet in the
// new phase to let the update finish.
func (k *UpdatingKeyPair) NeedAckEliciting() bool {
	return k.updating && k.minSent == wire.MaxPacketNumber
}

// Protect applies packet protection to a packet.
func (k *UpdatingKeyPair) Protect(hdr, pay []byte, pnumOff int, pnum wire.PacketNumber) []byte {
	var pkt []byte
	if k.updating {
		hdr[0] |= k.phase ^ wire.KeyPhaseBit
		pkt = k.w.pkt[1].protect(hdr, pay, pnum)
		if pnum < k.minSent {
			k.minSent = pnum
		}
	} else {
		hdr[0] |= k.phase
		pkt = k.w.pkt[0].protect(hdr, pay, pnum)
		if pnum >= k.updateAfter {
			// Initiate a key update, starting with the next packet we send.
			// This happens after protecting the current packet so the
			// caller can still ensure the first packet in the new phase is
			// ack-eliciting.
			k.updating = true
			k.minSent = wire.MaxPacketNumber
			k.minReceived = wire.MaxPacketNumber
			// Lowest confidentiality limit for a supported AEAD is 2^23
			// packets (RFC 9001 section 6.6); schedule the next update at
			// half that.
			k.updateAfter += (1 << 22)
		}
	}
	k.w.hdr.protect(pkt, pnumOff)
	return pkt
}

// Unprotect removes packet protection from a packet.
func (k *UpdatingKeyPair) Unprotect(pkt []byte, pnumOff int, pnumMax wire.PacketNumber) (pay []byte, pnum wire.PacketNumber, err error) {
	hdr, pay, pnum, err := k.r.hdr.unprotect(pkt, pnumOff, pnumMax)
	if err != nil {
		return nil, 0, err
	}
	// To avoid a timing signal revealing whether the key phase bit is
	// valid, always attempt to unprotect with one key or the other.
	if hdr[0]&wire.KeyPhaseBit == k.phase && (!k.updating || pnum < k.minReceived) {
		pay, err = k.r.pkt[0].unprotect(hdr, pay, pnum)
	} else {
		pay, err = k.r.pkt[1].unprotect(hdr, pay, pnum)
		if err == nil {
			if !k.updating {
				k.updating = true
				k.minSent = wire.MaxPacketNumber
				k.minReceived = pnum
			} else if pnum < k.minReceived {
				k.minReceived = pnum
			}
		}
	}
	if err != nil {
		k.authFailures++
		if k.authFailures >= aeadIntegrityLimit(k.r.suite) {
			return nil, 0, qerr.LocalError{Code: qerr.ErrAEADLimitReached}
		}
		return nil, 0, err
	}
	return pay, pnum, nil
}

// aeadIntegrityLimit returns the integrity limit for an AEAD: the maximum
// number of received packets that may fail authentication before the
// connection must be closed. https://www.rfc-editor.org/rfc/rfc9001#section-6.6-4
func aeadIntegrityLimit(suite uint16) int64 {
	switch suite {
	case tls.TLS_AES_128_GCM_SHA256, tls.TLS_AES_256_GCM_SHA384:
		return 1 << 52
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return 1 << 36
	default:
		panic("BUG: unknown cipher suite")
	}
}
