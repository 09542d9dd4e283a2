package engine

import (
	"context"
	"time"

	"github.com/quiclb/qcore/tlsbridge"
)

// startTLS begins the TLS handshake, wiring the tlsbridge.Bridge's
// epoch-routed byte streams and traffic secrets into the connection's
// CRYPTO streams and packet key hierarchy.
func (c *Conn) startTLS(now time.Time, params transportParameters) error {
	cfg := tlsbridge.Config{
		IsServer:                 c.side == serverSide,
		TLSConfig:                c.config.TLSConfig,
		ALPNProtocols:            c.config.TLSConfig.NextProtos,
		LocalTransportParameters: appendTransportParameters(nil, params),
		OnTransportParameters: func(data []byte) error {
			peer, err := decodeTransportParameters(data)
			if err != nil {
				return err
			}
			return c.receiveTransportParameters(peer)
		},
	}
	bridge, err := tlsbridge.Initialize(cfg)
	if err != nil {
		return err
	}
	c.bridge = bridge

	if err := c.bridge.Start(context.Background()); err != nil {
		return tlsAlertError(err)
	}
	flags, state, err := c.bridge.ProcessDataComplete()
	if err != nil {
		return tlsAlertError(err)
	}
	return c.handleTLSResult(now, flags, state)
}

// handleTLSCryptoData delivers bytes received in a CRYPTO frame to the
// TLS bridge and applies whatever the handshake does in response.
func (c *Conn) handleTLSCryptoData(now time.Time, level tlsbridge.Level, data []byte) error {
	flags, state, err := c.bridge.ProcessData(tlsbridge.CryptoData, level, data)
	if err != nil {
		return tlsAlertError(err)
	}
	return c.handleTLSResult(now, flags, state)
}

// handleTLSResult applies one batch of bridge output: CRYPTO bytes to
// send, newly available traffic secrets, and handshake completion.
func (c *Conn) handleTLSResult(now time.Time, flags tlsbridge.ResultFlags, state *tlsbridge.State) error {
	if state == nil {
		return nil
	}
	if flags&tlsbridge.ResultData != 0 && len(state.Buffer) > 0 {
		space, ok := levelToSpace(state.WriteLevel)
		if ok {
			c.crypto[space].write(state.Buffer)
			c.wake(ReasonConnectionFlags)
		}
	}
	if flags&tlsbridge.ResultReadKeyUpdated != 0 && state.ReadSecret != nil {
		c.installReadSecret(*state.ReadSecret)
	}
	if flags&tlsbridge.ResultWriteKeyUpdated != 0 && state.WriteSecret != nil {
		c.installWriteSecret(*state.WriteSecret)
	}
	if flags&tlsbridge.ResultTicket != 0 {
		c.log.Debug("tls session ticket issued")
	}
	if flags&tlsbridge.ResultEarlyDataRejected != 0 {
		c.log.Debug("0-RTT rejected by peer")
	}
	if flags&tlsbridge.ResultComplete != 0 {
		if c.side == serverSide {
			// "[...] a server MUST NOT consider the handshake complete until
			// it has successfully verified the acknowledgement of all data
			// [...]" simplifies here to: a server confirms the handshake as
			// soon as its TLS stack reports it done.
			// https://www.rfc-editor.org/rfc/rfc9001#section-4.1.2
			c.confirmHandshake(now)
		}
		c.wake(ReasonConnectionFlags)
	}
	return nil
}

func (c *Conn) installReadSecret(secret tlsbridge.TrafficSecret) {
	switch secret.Level {
	case tlsbridge.LevelHandshake:
		c.keysHandshake.SetReadSecret(secret.Suite, secret.Secret)
	case tlsbridge.LevelApplication:
		c.keysAppData.SetReadSecret(secret.Suite, secret.Secret)
	}
}

func (c *Conn) installWriteSecret(secret tlsbridge.TrafficSecret) {
	switch secret.Level {
	case tlsbridge.LevelHandshake:
		c.keysHandshake.SetWriteSecret(secret.Suite, secret.Secret)
	case tlsbridge.LevelApplication:
		c.keysAppData.SetWriteSecret(secret.Suite, secret.Secret)
	}
}

// levelToSpace maps a TLS encryption level to the packet number space
// that carries CRYPTO data at that level. 0-RTT application data shares
// the same CRYPTO stream as 1-RTT; this engine does not originate 0-RTT
// packets, so LevelEarlyData has no corresponding space.
func levelToSpace(level tlsbridge.Level) (numberSpace, bool) {
	switch level {
	case tlsbridge.LevelInitial:
		return initialSpace, true
	case tlsbridge.LevelHandshake:
		return handshakeSpace, true
	case tlsbridge.LevelApplication:
		return appDataSpace, true
	default:
		return 0, false
	}
}

// spaceToLevel is the inverse of levelToSpace, used to route a received
// CRYPTO frame's bytes to the bridge at the encryption level that carried
// them.
func spaceToLevel(space numberSpace) tlsbridge.Level {
	switch space {
	case initialSpace:
		return tlsbridge.LevelInitial
	case handshakeSpace:
		return tlsbridge.LevelHandshake
	default:
		return tlsbridge.LevelApplication
	}
}
