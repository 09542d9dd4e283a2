package wire

import "testing"

func TestVarintRoundtrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 63, 64, 16383, 16384, 1073741823, 1073741824, MaxVarint} {
		b := AppendVarint(nil, v)
		if len(b) != SizeVarint(v) {
			t.Errorf("SizeVarint(%v) = %v, want %v", v, SizeVarint(v), len(b))
		}
		got, n := ConsumeVarint(b)
		if n != len(b) || got != v {
			t.Errorf("ConsumeVarint(%x) = %v, %v, want %v, %v", b, got, n, v, len(b))
		}
	}
}

func TestVarintTruncated(t *testing.T) {
	b := AppendVarint(nil, 16384)
	if _, n := ConsumeVarint(b[:1]); n >= 0 {
		t.Errorf("ConsumeVarint of truncated input succeeded, want failure")
	}
}

func TestPacketNumberRoundtrip(t *testing.T) {
	for _, test := range []struct {
		largest PacketNumber
		pnum    PacketNumber
	}{
		{-1, 0},
		{0, 1},
		{1000, 1001},
		{100000, 100003},
	} {
		b := AppendPacketNumber(nil, test.pnum, test.largest)
		n := PacketNumberLength(test.pnum, test.largest)
		got := DecodePacketNumber(test.largest, PacketNumber(decodeTruncated(b)), n)
		if got != test.pnum {
			t.Errorf("DecodePacketNumber(%v, truncated(%v), %v) = %v, want %v", test.largest, test.pnum, n, got, test.pnum)
		}
	}
}

func decodeTruncated(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}
