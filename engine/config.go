package engine

import (
	"crypto/tls"
	"math"
	"time"
)

// A Config configures a connection's engine.
//
// A Config must not be modified after being passed to Listen. A Config
// may be shared by multiple connections.
type Config struct {
	// TLSConfig supplies the connection's TLS configuration. It must be
	// non-nil and include at least one certificate, or set GetCertificate,
	// for a server-side connection.
	TLSConfig *tls.Config

	// MaxBidiRemoteStreams limits the number of simultaneous bidirectional
	// streams a peer may open. If zero, the default of 100 is used. If
	// negative, the limit is zero.
	MaxBidiRemoteStreams int64

	// MaxUniRemoteStreams limits the number of simultaneous unidirectional
	// streams a peer may open. If zero, the default of 100 is used. If
	// negative, the limit is zero.
	MaxUniRemoteStreams int64

	// MaxStreamReadBufferSize is the maximum amount of data sent by the
	// peer that a stream will buffer for reading. If zero, 1MiB is used.
	MaxStreamReadBufferSize int64

	// MaxStreamWriteBufferSize is the maximum amount of data a stream will
	// buffer for sending to the peer. If zero, 1MiB is used.
	MaxStreamWriteBufferSize int64

	// MaxConnReadBufferSize is the maximum amount of data sent by the peer
	// that a connection will buffer for reading, across all streams. If
	// zero, 1MiB is used.
	MaxConnReadBufferSize int64

	// RequireAddressValidation enables address validation of client
	// connections prior to starting the handshake, at the cost of
	// increased handshake latency.
	RequireAddressValidation bool

	// StatelessResetKey derives stateless reset tokens for connections
	// created with this config. It should be filled with random bytes and
	// kept stable across restarts. If left zero, stateless reset is
	// disabled.
	StatelessResetKey [32]byte

	// HandshakeTimeout bounds how long a handshake may take. If zero, the
	// default of 10 seconds is used. If negative, there is no limit.
	HandshakeTimeout time.Duration

	// MaxIdleTimeout is the maximum time after which an idle connection is
	// closed. If zero, the default of 30 seconds is used. If negative,
	// idle connections are never closed.
	MaxIdleTimeout time.Duration

	// KeepAlivePeriod is the interval at which a keep-alive PING is sent
	// to prevent an idle connection timing out. If zero, no keep-alives
	// are sent.
	KeepAlivePeriod time.Duration

	// PMTUMin is the floor of the path MTU discovery binary search. If
	// zero, the RFC 9000 minimum of 1200 is used.
	PMTUMin int

	// PMTUMax is the ceiling of the path MTU discovery binary search. If
	// zero or not greater than PMTUMin, PMTU discovery is disabled and
	// the connection never sends datagrams larger than PMTUMin.
	PMTUMax int
}

func configDefault[T ~int64](v, def, limit T) T {
	switch {
	case v == 0:
		return def
	case v < 0:
		return 0
	default:
		return min(v, limit)
	}
}

func (c *Config) maxBidiRemoteStreams() int64 {
	return configDefault(c.MaxBidiRemoteStreams, 100, maxStreamsLimit)
}

func (c *Config) maxUniRemoteStreams() int64 {
	return configDefault(c.MaxUniRemoteStreams, 100, maxStreamsLimit)
}

func (c *Config) maxStreamReadBufferSize() int64 {
	return configDefault(c.MaxStreamReadBufferSize, 1<<20, math.MaxInt64)
}

func (c *Config) maxStreamWriteBufferSize() int64 {
	return configDefault(c.MaxStreamWriteBufferSize, 1<<20, math.MaxInt64)
}

func (c *Config) maxConnReadBufferSize() int64 {
	return configDefault(c.MaxConnReadBufferSize, 1<<20, math.MaxInt64)
}

func (c *Config) handshakeTimeout() time.Duration {
	return configDefault(c.HandshakeTimeout, defaultHandshakeTimeout, math.MaxInt64)
}

func (c *Config) maxIdleTimeout() time.Duration {
	return configDefault(c.MaxIdleTimeout, defaultMaxIdleTimeout, math.MaxInt64)
}

func (c *Config) keepAlivePeriod() time.Duration {
	return configDefault(c.KeepAlivePeriod, defaultKeepAlivePeriod, math.MaxInt64)
}

func (c *Config) pmtuMin() int {
	if c.PMTUMin == 0 {
		return smallestMaxDatagramSize
	}
	return c.PMTUMin
}

func (c *Config) pmtuMax() int {
	return c.PMTUMax
}
