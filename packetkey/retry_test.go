package packetkey

import "testing"

func TestRetryIntegrityTagRoundtrip(t *testing.T) {
	odcid := unhex(t, "8394c8f03e515708")
	header := []byte{0xff, 0, 0, 0, 1, 0x08}
	header = append(header, []byte("destconnid")...)
	header = append(header, 0x08)
	header = append(header, []byte("srcconnid")...)
	token := []byte("opaque-retry-token")
	retryPacket := append(append([]byte{}, header...), token...)

	sealed := SealRetry(odcid, append([]byte{}, retryPacket...))
	if len(sealed) != len(retryPacket)+RetryIntegrityTagLength {
		t.Fatalf("len(sealed) = %v, want %v", len(sealed), len(retryPacket)+RetryIntegrityTagLength)
	}
	if !VerifyRetry(odcid, sealed) {
		t.Fatalf("VerifyRetry of freshly sealed packet = false, want true")
	}
}

func TestRetryIntegrityTagRejectsTamperedPacket(t *testing.T) {
	odcid := unhex(t, "8394c8f03e515708")
	retryPacket := append([]byte{0xff, 0, 0, 0, 1}, []byte("token")...)
	sealed := SealRetry(odcid, append([]byte{}, retryPacket...))

	tampered := append([]byte{}, sealed...)
	tampered[0] ^= 0xff
	if VerifyRetry(odcid, tampered) {
		t.Errorf("VerifyRetry of tampered packet = true, want false")
	}

	if VerifyRetry([]byte{0, 1, 2, 3}, sealed) {
		t.Errorf("VerifyRetry with wrong original destination connection ID = true, want false")
	}
}

func TestRetryIntegrityTagRejectsShortPacket(t *testing.T) {
	odcid := unhex(t, "8394c8f03e515708")
	if VerifyRetry(odcid, make([]byte, RetryIntegrityTagLength-1)) {
		t.Errorf("VerifyRetry of too-short packet = true, want false")
	}
}
