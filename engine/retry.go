package engine

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quiclb/qcore/packetkey"
	"github.com/quiclb/qcore/wire"
)

// retryTokenValidityPeriod is how long a Retry token is accepted after
// being issued.
const retryTokenValidityPeriod = 5 * time.Second

// retryState generates and validates an endpoint's Retry tokens. It is
// endpoint-wide state: the AEAD key is chosen once at startup and used
// for every client the endpoint sends a Retry to.
type retryState struct {
	aead cipher.AEAD
}

func (rs *retryState) init() error {
	secret := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return err
	}
	rs.aead = aead
	return nil
}

// makeToken produces a Retry token and the transient Source Connection ID
// to advertise in the Retry packet carrying it.
//
// Retry tokens are encrypted with an AEAD. The plaintext holds the time
// the token was created and the original destination connection ID; the
// additional data binds the token to the client's source address and
// connection ID so a token can't be replayed from a different address.
// The AEAD nonce doesn't fit in a connection ID, so the first
// connIDLen bytes of the nonce become the connection ID and the rest
// travel in the token.
func (rs *retryState) makeToken(now time.Time, srcConnID, origDstConnID []byte, addr netip.AddrPort) (token, newDstConnID []byte, err error) {
	nonce := make([]byte, rs.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	var plaintext []byte
	plaintext = binary.BigEndian.AppendUint64(plaintext, uint64(now.Unix()))
	plaintext = append(plaintext, origDstConnID...)

	token = append(token, nonce[connIDLen:]...)
	token = rs.aead.Seal(token, nonce, plaintext, rs.additionalData(srcConnID, addr))
	return token, nonce[:connIDLen], nil
}

// validateToken checks a Retry token received in a client's Initial
// packet, returning the original destination connection ID recorded in
// it if the token is authentic and not expired.
func (rs *retryState) validateToken(now time.Time, token, srcConnID, dstConnID []byte, addr netip.AddrPort) (origDstConnID []byte, ok bool) {
	tokenNonceLen := rs.aead.NonceSize() - connIDLen
	if len(token) < tokenNonceLen {
		return nil, false
	}
	nonce := append([]byte{}, dstConnID...)
	nonce = append(nonce, token[:tokenNonceLen]...)
	ciphertext := token[tokenNonceLen:]

	plaintext, err := rs.aead.Open(nil, nonce, ciphertext, rs.additionalData(srcConnID, addr))
	if err != nil {
		return nil, false
	}
	if len(plaintext) < 8 {
		return nil, false
	}
	when := time.Unix(int64(binary.BigEndian.Uint64(plaintext)), 0)
	origDstConnID = plaintext[8:]

	d := now.Sub(when)
	if d < 0 {
		d = -d
	}
	if d > retryTokenValidityPeriod {
		return nil, false
	}
	return origDstConnID, true
}

func (rs *retryState) additionalData(srcConnID []byte, addr netip.AddrPort) []byte {
	var additional []byte
	additional = wire.AppendUint8Bytes(additional, srcConnID)
	additional = append(additional, addr.Addr().AsSlice()...)
	additional = binary.BigEndian.AppendUint16(additional, addr.Port())
	return additional
}

// A retryPacket is the content of a Retry packet, parsed or about to be
// encoded.
type retryPacket struct {
	dstConnID []byte
	srcConnID []byte
	token     []byte
}

// encodeRetryPacket builds the wire form of a Retry packet, including its
// integrity tag.
func encodeRetryPacket(originalDstConnID []byte, p retryPacket) []byte {
	var b []byte
	b = append(b, wire.HeaderFormLong|wire.FixedBit|wire.LongPacketTypeRetry)
	b = binary.BigEndian.AppendUint32(b, quicVersion1)
	b = wire.AppendUint8Bytes(b, p.dstConnID)
	b = wire.AppendUint8Bytes(b, p.srcConnID)
	b = append(b, p.token...)
	return packetkey.SealRetry(originalDstConnID, b)
}

// parseRetryPacket parses and validates a Retry packet. ok is false if the
// packet isn't a well-formed Retry packet or its integrity tag doesn't
// match originalDstConnID.
func parseRetryPacket(pkt, originalDstConnID []byte) (p retryPacket, ok bool) {
	lp, n := parseLongHeaderPacket(pkt, packetkey.FixedKeyPair{}, 0)
	if n < 0 || lp.ptype != wire.PacketTypeRetry {
		return retryPacket{}, false
	}
	if len(lp.extra) < packetkey.RetryIntegrityTagLength {
		return retryPacket{}, false
	}
	if !packetkey.VerifyRetry(originalDstConnID, pkt) {
		return retryPacket{}, false
	}
	token := lp.extra[:len(lp.extra)-packetkey.RetryIntegrityTagLength]
	return retryPacket{
		dstConnID: lp.dstConnID,
		srcConnID: lp.srcConnID,
		token:     token,
	}, true
}
