package engine

import (
	"errors"
	"time"

	"github.com/quiclb/qcore/wire"
)

// Transport parameter identifiers.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-18.2
const (
	paramOriginalDstConnID         = 0x00
	paramMaxIdleTimeout            = 0x01
	paramStatelessResetToken       = 0x02
	paramMaxUDPPayloadSize         = 0x03
	paramInitialMaxData            = 0x04
	paramInitialMaxStreamDataBidiLocal  = 0x05
	paramInitialMaxStreamDataBidiRemote = 0x06
	paramInitialMaxStreamDataUni   = 0x07
	paramInitialMaxStreamsBidi     = 0x08
	paramInitialMaxStreamsUni      = 0x09
	paramAckDelayExponent          = 0x0a
	paramMaxAckDelay               = 0x0b
	paramDisableActiveMigration    = 0x0c
	paramActiveConnIDLimit         = 0x0e
	paramInitialSrcConnID          = 0x0f
	paramRetrySrcConnID            = 0x10
)

// transportParameters is the decoded set of QUIC transport parameters
// exchanged in the TLS handshake.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-18
type transportParameters struct {
	originalDstConnID     []byte
	initialSrcConnID      []byte
	retrySrcConnID        []byte
	statelessResetToken   []byte

	maxIdleTimeout     time.Duration
	maxUDPPayloadSize  int64
	initialMaxData     int64

	initialMaxStreamDataBidiLocal  int64
	initialMaxStreamDataBidiRemote int64
	initialMaxStreamDataUni        int64

	initialMaxStreamsBidi int64
	initialMaxStreamsUni  int64

	ackDelayExponent int8
	maxAckDelay      time.Duration

	disableActiveMigration bool
	activeConnIDLimit      int64
}

func appendTransportParameters(b []byte, p transportParameters) []byte {
	appendParam := func(id uint64, v []byte) {
		b = wire.AppendVarint(b, id)
		b = wire.AppendVarintBytes(b, v)
	}
	appendVarintParam := func(id uint64, v int64) {
		var tmp []byte
		tmp = wire.AppendVarint(tmp, uint64(v))
		appendParam(id, tmp)
	}
	if p.originalDstConnID != nil {
		appendParam(paramOriginalDstConnID, p.originalDstConnID)
	}
	if p.maxIdleTimeout != 0 {
		appendVarintParam(paramMaxIdleTimeout, int64(p.maxIdleTimeout/time.Millisecond))
	}
	if p.statelessResetToken != nil {
		appendParam(paramStatelessResetToken, p.statelessResetToken)
	}
	appendVarintParam(paramMaxUDPPayloadSize, p.maxUDPPayloadSize)
	appendVarintParam(paramInitialMaxData, p.initialMaxData)
	appendVarintParam(paramInitialMaxStreamDataBidiLocal, p.initialMaxStreamDataBidiLocal)
	appendVarintParam(paramInitialMaxStreamDataBidiRemote, p.initialMaxStreamDataBidiRemote)
	appendVarintParam(paramInitialMaxStreamDataUni, p.initialMaxStreamDataUni)
	appendVarintParam(paramInitialMaxStreamsBidi, p.initialMaxStreamsBidi)
	appendVarintParam(paramInitialMaxStreamsUni, p.initialMaxStreamsUni)
	if p.ackDelayExponent != 3 {
		appendVarintParam(paramAckDelayExponent, int64(p.ackDelayExponent))
	}
	if p.maxAckDelay != 25*time.Millisecond {
		appendVarintParam(paramMaxAckDelay, int64(p.maxAckDelay/time.Millisecond))
	}
	if p.disableActiveMigration {
		appendParam(paramDisableActiveMigration, nil)
	}
	appendVarintParam(paramActiveConnIDLimit, p.activeConnIDLimit)
	if p.initialSrcConnID != nil {
		appendParam(paramInitialSrcConnID, p.initialSrcConnID)
	}
	if p.retrySrcConnID != nil {
		appendParam(paramRetrySrcConnID, p.retrySrcConnID)
	}
	return b
}

var errTransportParameters = errors.New("qcore: invalid transport parameters")

func decodeTransportParameters(b []byte) (transportParameters, error) {
	p := transportParameters{
		ackDelayExponent: ackDelayExponent,
		maxAckDelay:      maxAckDelay,
	}
	for len(b) > 0 {
		id, n := wire.ConsumeVarint(b)
		if n < 0 {
			return p, errTransportParameters
		}
		b = b[n:]
		val, n := wire.ConsumeVarintBytes(b)
		if n < 0 {
			return p, errTransportParameters
		}
		b = b[n:]
		switch id {
		case paramOriginalDstConnID:
			p.originalDstConnID = cloneBytes(val)
		case paramMaxIdleTimeout:
			v, n := wire.ConsumeVarintInt64(val)
			if n < 0 {
				return p, errTransportParameters
			}
			p.maxIdleTimeout = time.Duration(v) * time.Millisecond
		case paramStatelessResetToken:
			p.statelessResetToken = cloneBytes(val)
		case paramMaxUDPPayloadSize:
			v, n := wire.ConsumeVarintInt64(val)
			if n < 0 {
				return p, errTransportParameters
			}
			p.maxUDPPayloadSize = v
		case paramInitialMaxData:
			v, n := wire.ConsumeVarintInt64(val)
			if n < 0 {
				return p, errTransportParameters
			}
			p.initialMaxData = v
		case paramInitialMaxStreamDataBidiLocal:
			v, n := wire.ConsumeVarintInt64(val)
			if n < 0 {
				return p, errTransportParameters
			}
			p.initialMaxStreamDataBidiLocal = v
		case paramInitialMaxStreamDataBidiRemote:
			v, n := wire.ConsumeVarintInt64(val)
			if n < 0 {
				return p, errTransportParameters
			}
			p.initialMaxStreamDataBidiRemote = v
		case paramInitialMaxStreamDataUni:
			v, n := wire.ConsumeVarintInt64(val)
			if n < 0 {
				return p, errTransportParameters
			}
			p.initialMaxStreamDataUni = v
		case paramInitialMaxStreamsBidi:
			v, n := wire.ConsumeVarintInt64(val)
			if n < 0 || v > maxStreamsLimit {
				return p, errTransportParameters
			}
			p.initialMaxStreamsBidi = v
		case paramInitialMaxStreamsUni:
			v, n := wire.ConsumeVarintInt64(val)
			if n < 0 || v > maxStreamsLimit {
				return p, errTransportParameters
			}
			p.initialMaxStreamsUni = v
		case paramAckDelayExponent:
			v, n := wire.ConsumeVarintInt64(val)
			if n < 0 {
				return p, errTransportParameters
			}
			p.ackDelayExponent = int8(v)
		case paramMaxAckDelay:
			v, n := wire.ConsumeVarintInt64(val)
			if n < 0 {
				return p, errTransportParameters
			}
			p.maxAckDelay = time.Duration(v) * time.Millisecond
		case paramDisableActiveMigration:
			p.disableActiveMigration = true
		case paramActiveConnIDLimit:
			v, n := wire.ConsumeVarintInt64(val)
			if n < 0 {
				return p, errTransportParameters
			}
			p.activeConnIDLimit = v
		case paramInitialSrcConnID:
			p.initialSrcConnID = cloneBytes(val)
		case paramRetrySrcConnID:
			p.retrySrcConnID = cloneBytes(val)
		default:
			// Unknown transport parameters are ignored.
			// https://www.rfc-editor.org/rfc/rfc9000.html#section-7.4-4
		}
	}
	if p.activeConnIDLimit < 2 {
		p.activeConnIDLimit = 2
	}
	return p, nil
}
