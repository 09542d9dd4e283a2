package datapath

import "testing"

func testKey() []byte {
	key := make([]byte, 40)
	for i := range key {
		key[i] = byte(i*37 + 11)
	}
	return key
}

func TestToeplitzHashDeterministic(t *testing.T) {
	h := NewToeplitzHash(testKey())
	input := []byte{192, 168, 1, 1, 10, 0, 0, 1}
	a := h.Compute(input)
	b := h.Compute(input)
	if a != b {
		t.Fatalf("Compute not deterministic: %#x != %#x", a, b)
	}
}

func TestToeplitzHashDiffersOnInput(t *testing.T) {
	h := NewToeplitzHash(testKey())
	a := h.Compute([]byte{192, 168, 1, 1, 10, 0, 0, 1})
	b := h.Compute([]byte{192, 168, 1, 2, 10, 0, 0, 1})
	if a == b {
		t.Fatalf("distinct inputs hashed to the same value %#x", a)
	}
}

func TestComputeFourTupleMatchesConcatenation(t *testing.T) {
	h := NewToeplitzHash(testKey())
	srcIP := []byte{192, 168, 1, 1}
	dstIP := []byte{10, 0, 0, 1}
	var srcPort, dstPort uint16 = 2794, 1766

	got := h.ComputeFourTuple(srcIP, dstIP, srcPort, dstPort)

	buf := append(append(append([]byte{}, srcIP...), dstIP...), byte(srcPort>>8), byte(srcPort), byte(dstPort>>8), byte(dstPort))
	want := h.Compute(buf)

	if got != want {
		t.Errorf("ComputeFourTuple = %#x, want %#x", got, want)
	}
}

func TestToeplitzHashShortKey(t *testing.T) {
	// A key shorter than input+4 bytes should not panic; missing key
	// bytes are treated as zero by toeplitzWindow.
	h := NewToeplitzHash([]byte{0x01, 0x02})
	_ = h.Compute([]byte{0xAA, 0xBB, 0xCC, 0xDD})
}
