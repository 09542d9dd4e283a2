package engine

import (
	"math"
	"time"
)

// unscaledAckDelayFromDuration converts a measured delay into the ACK
// Delay field encoding: microseconds, right-shifted by the local
// ack_delay_exponent transport parameter.
func unscaledAckDelayFromDuration(d time.Duration, ackDelayExponent uint8) unscaledAckDelay {
	return unscaledAckDelay(d.Microseconds() >> ackDelayExponent)
}

// Duration scales an ACK Delay field value by the peer's
// ack_delay_exponent transport parameter.
func (d unscaledAckDelay) Duration(ackDelayExponent uint8) time.Duration {
	if int64(d) > (math.MaxInt64>>ackDelayExponent)/int64(time.Microsecond) {
		// If scaling the delay would overflow, ignore it.
		return 0
	}
	return time.Duration(d<<ackDelayExponent) * time.Microsecond
}
