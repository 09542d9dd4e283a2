package packetkey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"golang.org/x/crypto/hkdf"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("invalid hex literal %q: %v", s, err)
	}
	return b
}

// TestInitialSecretRFC9001A1 reproduces the test vector of RFC 9001
// Appendix A.1: given the client's Destination Connection ID and the v1
// initial salt, the derived client initial secret must match exactly.
func TestInitialSecretRFC9001A1(t *testing.T) {
	dcid := unhex(t, "8394c8f03e515708")
	want := unhex(t, "c00cf151ca5be075ed0ebfb5c80323c42d6b7db67881289af4008f1f6c357aea")

	initialSecret := hkdf.Extract(sha256.New, dcid, initialSalt)
	clientSecret := hkdfExpandLabel(sha256.New, initialSecret, "client in", nil, sha256.Size)
	if !bytes.Equal(clientSecret, want) {
		t.Errorf("client initial secret = %x, want %x", clientSecret, want)
	}
}

func TestInitialKeysRoundtrip(t *testing.T) {
	dcid := unhex(t, "8394c8f03e515708")
	client := InitialKeys(dcid, ClientSide)
	server := InitialKeys(dcid, ServerSide)

	hdr := []byte{0xc3, 0, 0, 0, 1}
	pnumOff := len(hdr)
	hdr = append(hdr, 0, 0, 0, 1) // packet number 1, in 4 bytes
	payload := []byte("request")

	pkt := client.Protect(append([]byte{}, hdr...), payload, pnumOff, 1)
	gotPayload, gotPnum, err := server.Unprotect(pkt, pnumOff, -1)
	if err != nil {
		t.Fatalf("server.Unprotect: %v", err)
	}
	if gotPnum != 1 {
		t.Errorf("packet number = %v, want 1", gotPnum)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestUpdatingKeyPairRollsAfterAck(t *testing.T) {
	var a, b UpdatingKeyPair
	a.Init()
	b.Init()
	secretA := make([]byte, sha256.Size)
	secretB := make([]byte, sha256.Size)
	for i := range secretB {
		secretB[i] = 1
	}
	a.w.Init(0x1301, secretA)
	b.r.Init(0x1301, secretA)
	a.r.Init(0x1301, secretB)
	b.w.Init(0x1301, secretB)
	a.updateAfter = 2

	hdr := []byte{0x43} // short header, 4-byte packet number
	pnumOff := len(hdr)
	hdr = append(hdr, 0, 0, 0, 5)
	pkt := a.Protect(append([]byte{}, hdr...), []byte("hi"), pnumOff, 5)
	if !a.updating {
		t.Fatalf("expected key update to be initiated after crossing updateAfter threshold")
	}
	if _, _, err := b.Unprotect(pkt, pnumOff, -1); err != nil {
		t.Fatalf("b.Unprotect: %v", err)
	}
	// Packet 5 was sent before the update began; the update finishes
	// once a packet sent with the next keys is acknowledged.
	a.Protect([]byte{0x43, 0, 0, 0, 6}, []byte("hi"), pnumOff, 6)
	a.HandleAckFor(6)
	if a.updating {
		t.Errorf("expected key update to finish after ack")
	}
}
