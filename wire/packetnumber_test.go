package wire

import "testing"

func TestDecodePacketNumberVectors(t *testing.T) {
	for _, test := range []struct {
		largest   PacketNumber
		truncated PacketNumber
		want      PacketNumber
		size      int
	}{{
		largest:   0,
		truncated: 1,
		size:      4,
		want:      1,
	}, {
		largest:   0,
		truncated: 0,
		size:      1,
		want:      0,
	}, {
		largest:   0x00,
		truncated: 0x01,
		size:      1,
		want:      0x01,
	}, {
		largest:   0x00,
		truncated: 0xff,
		size:      1,
		want:      0xff,
	}, {
		largest:   0xff,
		truncated: 0x01,
		size:      1,
		want:      0x101,
	}, {
		largest:   0x1000,
		truncated: 0xff,
		size:      1,
		want:      0xfff,
	}, {
		largest:   0xa82f30ea,
		truncated: 0x9b32,
		size:      2,
		want:      0xa82f9b32,
	}} {
		got := DecodePacketNumber(test.largest, test.truncated, test.size)
		if got != test.want {
			t.Errorf("DecodePacketNumber(largest=0x%x, truncated=0x%x, size=%v) = 0x%x, want 0x%x", test.largest, test.truncated, test.size, got, test.want)
		}
	}
}

func TestPacketNumberLengthVectors(t *testing.T) {
	for _, test := range []struct {
		largestAcked PacketNumber
		pnum         PacketNumber
		wantSize     int
	}{{
		largestAcked: -1,
		pnum:         0,
		wantSize:     1,
	}, {
		largestAcked: 1000,
		pnum:         1000 + 0x7f,
		wantSize:     1,
	}, {
		largestAcked: 1000,
		pnum:         1000 + 0x80,
		wantSize:     2,
	}, {
		largestAcked: 1000,
		pnum:         1000 + 0x7fff,
		wantSize:     2,
	}, {
		largestAcked: 1000,
		pnum:         1000 + 0x8000,
		wantSize:     3,
	}} {
		got := PacketNumberLength(test.pnum, test.largestAcked)
		if got != test.wantSize {
			t.Errorf("PacketNumberLength(%v, largestAcked=%v) = %v, want %v", test.pnum, test.largestAcked, got, test.wantSize)
		}
	}
}
