package engine

import (
	"testing"
	"time"
)

func TestRTTMinRTT(t *testing.T) {
	var (
		handshakeConfirmed = false
		ackDelay           = 0 * time.Millisecond
		maxAckDelay        = 25 * time.Millisecond
		now                = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	rtt := &rttState{}
	rtt.init()

	// "min_rtt MUST be set to the latest_rtt on the first RTT sample."
	// https://www.rfc-editor.org/rfc/rfc9002.html#section-5.2-2
	rtt.updateSample(now, handshakeConfirmed, initialSpace, 10*time.Millisecond, ackDelay, maxAckDelay)
	if got, want := rtt.latestRTT, 10*time.Millisecond; got != want {
		t.Errorf("on first sample: latest_rtt = %v, want %v", got, want)
	}
	if got, want := rtt.minRTT, 10*time.Millisecond; got != want {
		t.Errorf("on first sample: min_rtt = %v, want %v", got, want)
	}

	rtt.updateSample(now, handshakeConfirmed, initialSpace, 20*time.Millisecond, ackDelay, maxAckDelay)
	if got, want := rtt.minRTT, 10*time.Millisecond; got != want {
		t.Errorf("on increasing sample: min_rtt = %v, want %v (no change)", got, want)
	}

	rtt.updateSample(now, handshakeConfirmed, initialSpace, 5*time.Millisecond, ackDelay, maxAckDelay)
	if got, want := rtt.minRTT, 5*time.Millisecond; got != want {
		t.Errorf("on new minimum: min_rtt = %v, want %v", got, want)
	}

	// "Endpoints SHOULD set the min_rtt to the newest RTT sample
	// after persistent congestion is established."
	// https://www.rfc-editor.org/rfc/rfc9002#section-5.2-5
	rtt.updateSample(now, handshakeConfirmed, initialSpace, 15*time.Millisecond, ackDelay, maxAckDelay)
	rtt.establishPersistentCongestion()
	if got, want := rtt.minRTT, 15*time.Millisecond; got != want {
		t.Errorf("after persistent congestion: min_rtt = %v, want %v", got, want)
	}
}

func TestRTTInitialRTT(t *testing.T) {
	rtt := &rttState{}
	rtt.init()

	// "When no previous RTT is available,
	// the initial RTT SHOULD be set to 333 milliseconds."
	// https://www.rfc-editor.org/rfc/rfc9002#section-6.2.2-1
	if got, want := rtt.smoothedRTT, 333*time.Millisecond; got != want {
		t.Errorf("initial smoothed_rtt = %v, want %v", got, want)
	}
	if got, want := rtt.rttvar, 333*time.Millisecond/2; got != want {
		t.Errorf("initial rttvar = %v, want %v", got, want)
	}
}

func TestRTTIgnoresMaxAckDelayBeforeHandshakeConfirmed(t *testing.T) {
	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	rtt := &rttState{}
	rtt.init()

	rtt.updateSample(now, false, initialSpace, 10*time.Millisecond, 0, 25*time.Millisecond)

	// "[...] SHOULD ignore the peer's max_ack_delay until the handshake is
	// confirmed [...]"
	// https://www.rfc-editor.org/rfc/rfc9002#section-5.3-7.2
	before := rtt.smoothedRTT
	rtt.updateSample(now, false, handshakeSpace, 40*time.Millisecond, 30*time.Millisecond, 25*time.Millisecond)
	adjustedRTT := 10 * time.Millisecond // latest_rtt (40ms) - ack_delay (30ms)
	want := (7*before + adjustedRTT) / 8
	if got := rtt.smoothedRTT; got != want {
		t.Errorf("smoothed_rtt = %v, want %v", got, want)
	}
}

func TestRTTUsesLesserOfAckDelayAndMaxAckDelayAfterHandshakeConfirmed(t *testing.T) {
	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	rtt := &rttState{}
	rtt.init()
	rtt.updateSample(now, false, initialSpace, 10*time.Millisecond, 0, 25*time.Millisecond)
	before := rtt.smoothedRTT

	// "[...] MUST use the lesser of the acknowledgment delay and
	// the peer's max_ack_delay after the handshake is confirmed [...]"
	// https://www.rfc-editor.org/rfc/rfc9002#section-5.3-7.3
	rtt.updateSample(now, true, handshakeSpace, 40*time.Millisecond, 30*time.Millisecond, 25*time.Millisecond)
	adjustedRTT := 15 * time.Millisecond // latest_rtt (40ms) - max_ack_delay (25ms)
	want := (7*before + adjustedRTT) / 8
	if got := rtt.smoothedRTT; got != want {
		t.Errorf("smoothed_rtt = %v, want %v", got, want)
	}
}

func TestRTTDoesNotSubtractAckDelayBelowMinRTT(t *testing.T) {
	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	rtt := &rttState{}
	rtt.init()
	rtt.updateSample(now, false, initialSpace, 10*time.Millisecond, 0, 25*time.Millisecond)
	before := rtt.smoothedRTT

	// "[...] MUST NOT subtract the acknowledgment delay from
	// the RTT sample if the resulting value is smaller than the min_rtt."
	// https://www.rfc-editor.org/rfc/rfc9002#section-5.3-7.4
	rtt.updateSample(now, true, handshakeSpace, 30*time.Millisecond, 25*time.Millisecond, 25*time.Millisecond)
	if got, want := rtt.minRTT, 10*time.Millisecond; got != want {
		t.Errorf("min_rtt = %v, want %v", got, want)
	}
	adjustedRTT := 30 * time.Millisecond // unadjusted latest_rtt
	want := (7*before + adjustedRTT) / 8
	if got := rtt.smoothedRTT; got != want {
		t.Errorf("smoothed_rtt = %v, want %v", got, want)
	}
}
