package packetkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"

	"github.com/quiclb/qcore/wire"
)

// Retry packets are protected with their own independent AEAD, fixed for
// every QUIC connection (RFC 9001 section 5.8) -- NOT the Initial key type.
//
// A widely-copied mapping in some implementations treats Retry packets as
// using the Initial key type for packet-number-space bookkeeping purposes;
// that convention must not be confused with Retry *packet protection*,
// which never uses InitialKeys at all. Retry integrity protection is kept
// here as a wholly separate construction to avoid that ambiguity leaking
// into this package's API.
var (
	retrySecret = []byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryNonce  = []byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
	retryAEAD   = func() cipher.AEAD {
		c, err := aes.NewCipher(retrySecret)
		if err != nil {
			panic(err)
		}
		aead, err := cipher.NewGCM(c)
		if err != nil {
			panic(err)
		}
		return aead
	}()
)

// RetryIntegrityTagLength is the length, in bytes, of the Retry Integrity
// Tag appended to a Retry packet.
const RetryIntegrityTagLength = 128 / 8

// SealRetry computes and appends the Retry Integrity Tag to a Retry packet.
//
// originalDstConnID is the Destination Connection ID of the packet that
// triggered the Retry, and retryPacket is the Retry packet's header and
// token, excluding the tag itself.
// https://www.rfc-editor.org/rfc/rfc9001#section-5.8
func SealRetry(originalDstConnID, retryPacket []byte) []byte {
	pseudo := wire.AppendUint8Bytes(nil, originalDstConnID)
	pseudo = append(pseudo, retryPacket...)
	return retryAEAD.Seal(retryPacket, retryNonce, nil, pseudo)
}

// VerifyRetry reports whether the trailing RetryIntegrityTagLength bytes of
// pkt form a valid Retry Integrity Tag, given the original destination
// connection ID and the rest of the Retry packet preceding the tag.
func VerifyRetry(originalDstConnID, pkt []byte) bool {
	if len(pkt) < RetryIntegrityTagLength {
		return false
	}
	gotTag := pkt[len(pkt)-RetryIntegrityTagLength:]
	pseudo := wire.AppendUint8Bytes(nil, originalDstConnID)
	pseudo = append(pseudo, pkt[:len(pkt)-RetryIntegrityTagLength]...)
	wantTag := retryAEAD.Seal(nil, retryNonce, nil, pseudo)
	return subtle.ConstantTimeCompare(gotTag, wantTag) == 1
}
