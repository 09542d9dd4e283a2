package engine

import "github.com/quiclb/qcore/qerr"

// "Implementations MUST support buffering at least 4096 bytes of data
// received in out-of-order CRYPTO frames."
// https://www.rfc-editor.org/rfc/rfc9000.html#section-7.5-2
//
// 4096 is too small for real-world handshakes, so a larger buffer is used.
const cryptoBufferSize = 1 << 20

// A cryptoStream is the stream of data carried in CRYPTO frames. There is
// one cryptoStream per packet number space.
type cryptoStream struct {
	// CRYPTO data received from the peer.
	in    pipe
	inset rangeset[int64]

	// CRYPTO data queued for transmission to the peer.
	out       pipe
	outunsent rangeset[int64]
	outacked  rangeset[int64]
}

// handleCrypto processes data received in a CRYPTO frame, calling f with
// each contiguous run of in-order bytes as it becomes available.
func (s *cryptoStream) handleCrypto(off int64, b []byte, f func([]byte) error) error {
	end := off + int64(len(b))
	if end-s.inset.min() > cryptoBufferSize {
		return qerr.LocalError{Code: qerr.ErrCryptoBufferExceeded, Reason: "crypto buffer exceeded"}
	}
	s.inset.add(off, end)
	if off == s.in.start {
		if err := f(b); err != nil {
			return err
		}
		s.in.discardBefore(end)
	} else {
		s.in.writeAt(b, off)
	}
	if !s.inset.contains(s.in.start) {
		return nil
	}
	size := int(s.inset[0].end - s.in.start)
	if size <= 0 {
		return nil
	}
	err := s.in.read(s.in.start, size, f)
	s.in.discardBefore(s.inset[0].end)
	return err
}

// write queues data for sending to the peer. It does not block or limit
// the amount of buffered data.
func (s *cryptoStream) write(b []byte) {
	start := s.out.end
	s.out.writeAt(b, start)
	s.outunsent.add(start, s.out.end)
}

// ackOrLoss reports that a CRYPTO frame sent by us has been acknowledged
// by the peer, or lost.
func (s *cryptoStream) ackOrLoss(start, end int64, fate packetFate) {
	switch fate {
	case packetAcked:
		s.outacked.add(start, end)
		s.outunsent.sub(start, end)
		if s.outacked.contains(s.out.start) {
			s.out.discardBefore(s.outacked[0].end)
		}
	case packetLost:
		s.outunsent.add(start, end)
		for _, a := range s.outacked {
			s.outunsent.sub(a.start, a.end)
		}
	}
}

// dataToSend reports what data should be sent in CRYPTO frames. f uses
// sendData to copy the bytes to send and returns how many bytes it used.
func (s *cryptoStream) dataToSend(pto bool, f func(off, size int64) (sent int64)) {
	for {
		off, size := cryptoDataToSend(s.out.start, s.out.end, s.outunsent, s.outacked, pto)
		if size == 0 {
			return
		}
		n := f(off, size)
		if n == 0 || pto {
			return
		}
	}
}

// sendData fills b with data to send to the peer starting at off, and
// marks the data as sent. The caller must have already established via
// dataToSend that data is available in this region.
func (s *cryptoStream) sendData(off int64, b []byte) {
	s.out.copy(off, b)
	s.outunsent.sub(off, off+int64(len(b)))
}

// cryptoDataToSend computes the next region of unsent (or, on PTO,
// unacked) bytes to retransmit.
func cryptoDataToSend(start, end int64, outunsent, outacked rangeset[int64], pto bool) (sendStart, size int64) {
	switch {
	case pto:
		for _, r := range outacked {
			if r.start > start {
				return start, r.start - start
			}
		}
		return start, end - start
	case outunsent.numRanges() > 0:
		return outunsent.min(), outunsent[0].size()
	default:
		return end, 0
	}
}
