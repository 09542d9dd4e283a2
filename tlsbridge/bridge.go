// Package tlsbridge drives a TLS 1.3 handshake as an asynchronous
// byte-stream producer/consumer for the QUIC connection engine: it routes
// crypto bytes by encryption epoch, surfaces traffic secrets so the
// engine can derive packet keys, and carries QUIC transport parameters as
// a TLS extension.
//
// It is built directly on crypto/tls.QUICConn (added to the standard
// library in Go 1.21 specifically to support embedding TLS 1.3 in QUIC
// implementations): the bridge's job is to adapt that API to the
// synchronous, flag-returning contract the engine expects, not to
// implement a TLS stack.
package tlsbridge

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
)

// Level identifies one of the four epoch-separated crypto byte streams.
type Level int

const (
	LevelInitial Level = iota
	LevelEarlyData
	LevelHandshake
	LevelApplication
)

func fromStd(l tls.QUICEncryptionLevel) Level {
	switch l {
	case tls.QUICEncryptionLevelInitial:
		return LevelInitial
	case tls.QUICEncryptionLevelEarly:
		return LevelEarlyData
	case tls.QUICEncryptionLevelHandshake:
		return LevelHandshake
	case tls.QUICEncryptionLevelApplication:
		return LevelApplication
	default:
		panic("tlsbridge: unknown encryption level")
	}
}

func (l Level) toStd() tls.QUICEncryptionLevel {
	switch l {
	case LevelInitial:
		return tls.QUICEncryptionLevelInitial
	case LevelEarlyData:
		return tls.QUICEncryptionLevelEarly
	case LevelHandshake:
		return tls.QUICEncryptionLevelHandshake
	case LevelApplication:
		return tls.QUICEncryptionLevelApplication
	default:
		panic("tlsbridge: unknown level")
	}
}

// DataKind distinguishes the two byte streams ProcessData accepts.
type DataKind int

const (
	CryptoData DataKind = iota
	TicketData
)

// ResultFlags is a bitwise-OR of outcomes from a ProcessData call.
type ResultFlags uint32

const (
	ResultPending          ResultFlags = 1 << iota // work continues asynchronously
	ResultData                                     // bytes produced in State.Buffer
	ResultReadKeyUpdated                           // State.ReadSecret populated
	ResultWriteKeyUpdated                          // State.WriteSecret populated
	ResultComplete                                 // handshake finished
	ResultEarlyDataAccepted
	ResultEarlyDataRejected
	ResultTicket // server produced a new session ticket
	ResultError
)

// TrafficSecret is exported each time TLS advances to a new key; the
// engine asks the packet key hierarchy to derive the full PacketKey bundle
// from it (see package packetkey).
type TrafficSecret struct {
	Level  Level
	Suite  uint16 // crypto/tls cipher suite id (determines hash + AEAD)
	Secret []byte
}

// Config supplies the inputs tls_initialize takes in the specification:
// certificate/verification material, ALPN, transport parameters, and the
// callbacks the bridge invokes as the handshake progresses.
type Config struct {
	IsServer bool

	TLSConfig *tls.Config

	// ServerName is the SNI the client offers; ignored on the server.
	ServerName string

	// ALPNProtocols is this side's offered/accepted protocol list. It is
	// handed to crypto/tls, which selects the protocol; on the server,
	// the bridge also fails the handshake with alert 0x78 if this list is
	// non-empty and no protocol was negotiated.
	ALPNProtocols []string

	// LocalTransportParameters is this side's QUIC transport parameters,
	// encoded exactly as they should appear on the wire.
	LocalTransportParameters []byte

	// OnTransportParameters is invoked exactly once, with the peer's
	// transport parameter bytes, as soon as they're available. Returning
	// an error is fatal and maps to CRYPTO_ERROR|0x2F (handshake_failure).
	OnTransportParameters func([]byte) error

	// OnSessionTicket is invoked on the server after the handshake
	// completes, once per ticket issued, carrying the ticket's opaque
	// early-data application token.
	OnSessionTicket func(ticket []byte, earlyAppData []byte)

	// EarlyAppData is 0-RTT application data the server associates with
	// tickets it issues, and the client replays when offering the
	// matching ticket. Opaque to the bridge.
	EarlyAppData []byte
}

// Bridge drives one handshake.
type Bridge struct {
	cfg    Config
	conn   *tls.QUICConn
	ctx    context.Context
	cancel context.CancelFunc

	started        bool
	alpnChecked    bool
	negotiatedALPN string

	events chan tlsEvent
	done   chan struct{}
	runErr error
}

type tlsEvent struct {
	flags ResultFlags
	state *State
	err   error
}

// State carries the output of a ProcessData call: bytes to send at each
// level, newly available secrets, and (on ResultTicket) a ticket.
type State struct {
	Buffer                  []byte // crypto bytes to send, all at WriteLevel
	WriteLevel              Level
	ReadSecret              *TrafficSecret
	WriteSecret             *TrafficSecret
	PeerTransportParameters []byte
	Ticket                  []byte
	AlertCode               uint8
}

// Initialize prepares a new handshake; Start begins it. For a client,
// ProcessDataComplete (or an empty ProcessData(CryptoData, nil)) must be
// called once after Start to collect the first Initial-level CRYPTO bytes.
func Initialize(cfg Config) (*Bridge, error) {
	if cfg.TLSConfig == nil {
		return nil, errors.New("tlsbridge: TLSConfig is required")
	}
	b := &Bridge{cfg: cfg}
	qcfg := &tls.QUICConfig{TLSConfig: cfg.TLSConfig.Clone()}
	qcfg.TLSConfig.NextProtos = cfg.ALPNProtocols
	if cfg.ServerName != "" {
		qcfg.TLSConfig.ServerName = cfg.ServerName
	}
	if cfg.IsServer {
		b.conn = tls.QUICServer(qcfg)
	} else {
		b.conn = tls.QUICClient(qcfg)
	}
	b.conn.SetTransportParameters(cfg.LocalTransportParameters)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

// Start begins the handshake, equivalent to the first ProcessData call of
// the specification's Initialize step.
func (b *Bridge) Start(ctx context.Context) error {
	if b.started {
		return nil
	}
	b.started = true
	return b.conn.Start(ctx)
}

// ProcessData feeds bytes received at a given level into the handshake
// and drains whatever events crypto/tls.QUICConn produces as a result,
// translating them into the spec's ResultFlags/State contract.
func (b *Bridge) ProcessData(kind DataKind, level Level, data []byte) (ResultFlags, *State, error) {
	if kind == TicketData {
		// Session ticket bytes arrive out-of-band from the crypto stream;
		// crypto/tls surfaces stored tickets via QUICStoreSession events
		// during the handshake itself, so client-side ticket lookup
		// happens before Initialize via cfg.TLSConfig.ClientSessionCache.
		return 0, nil, nil
	}
	if len(data) > 0 {
		if err := b.conn.HandleData(level.toStd(), data); err != nil {
			return ResultError, &State{AlertCode: alertFromErr(err)}, err
		}
	}
	return b.drain()
}

// ProcessDataComplete finalizes an asynchronous step (one that returned
// ResultPending), draining any events produced since the last call.
func (b *Bridge) ProcessDataComplete() (ResultFlags, *State, error) {
	return b.drain()
}

// drain pulls every immediately-available event out of the QUICConn and
// folds them into a single ResultFlags/State pair, matching the
// specification's single-call-returns-everything-ready contract.
func (b *Bridge) drain() (ResultFlags, *State, error) {
	var flags ResultFlags
	state := &State{}
	for {
		ev := b.conn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			if flags == 0 {
				flags = ResultPending
			}
			return flags, state, nil
		case tls.QUICSetReadSecret:
			flags |= ResultReadKeyUpdated
			state.ReadSecret = &TrafficSecret{
				Level:  fromStd(ev.Level),
				Suite:  ev.Suite,
				Secret: append([]byte(nil), ev.Data...),
			}
		case tls.QUICSetWriteSecret:
			flags |= ResultWriteKeyUpdated
			state.WriteSecret = &TrafficSecret{
				Level:  fromStd(ev.Level),
				Suite:  ev.Suite,
				Secret: append([]byte(nil), ev.Data...),
			}
		case tls.QUICWriteData:
			flags |= ResultData
			state.WriteLevel = fromStd(ev.Level)
			state.Buffer = append(state.Buffer, ev.Data...)
		case tls.QUICTransportParameters:
			if err := b.handleTransportParameters(ev.Data); err != nil {
				return ResultError, &State{AlertCode: 0x2F}, err
			}
			state.PeerTransportParameters = ev.Data
		case tls.QUICTransportParametersRequired:
			b.conn.SetTransportParameters(b.cfg.LocalTransportParameters)
		case tls.QUICRejectedEarlyData:
			flags |= ResultEarlyDataRejected
		case tls.QUICHandshakeDone:
			flags |= ResultComplete
			if err := b.checkALPN(); err != nil {
				return ResultError, &State{AlertCode: 0x78}, err
			}
			if !b.cfg.IsServer && b.conn.ConnectionState().NegotiatedProtocolIsMutual {
				flags |= ResultEarlyDataAccepted
			}
		case tls.QUICStoreSession:
			if b.cfg.IsServer {
				flags |= ResultTicket
				state.Ticket = encodeTicket(b.cfg.ServerName, b.cfg.EarlyAppData)
				if b.cfg.OnSessionTicket != nil {
					b.cfg.OnSessionTicket(state.Ticket, b.cfg.EarlyAppData)
				}
			}
		case tls.QUICResumeSession:
			// Client: a prior ticket is being offered; nothing further to
			// surface to the engine beyond letting the handshake proceed.
		}
	}
}

func (b *Bridge) handleTransportParameters(data []byte) error {
	if b.cfg.OnTransportParameters == nil {
		return nil
	}
	return b.cfg.OnTransportParameters(data)
}

func (b *Bridge) checkALPN() error {
	if b.alpnChecked || !b.cfg.IsServer {
		return nil
	}
	b.alpnChecked = true
	proto := b.conn.ConnectionState().NegotiatedProtocol
	if proto == "" && len(b.cfg.ALPNProtocols) > 0 {
		return fmt.Errorf("tlsbridge: no mutual ALPN protocol")
	}
	b.negotiatedALPN = proto
	return nil
}

// NegotiatedALPN returns the protocol selected during the handshake.
func (b *Bridge) NegotiatedALPN() string { return b.negotiatedALPN }

// Reset discards all handshake state and prepares for a fresh attempt.
// Client-only, used when a 0-RTT attempt must be retried without it.
func (b *Bridge) Reset() error {
	if b.cfg.IsServer {
		return errors.New("tlsbridge: Reset is client-only")
	}
	fresh, err := Initialize(b.cfg)
	if err != nil {
		return err
	}
	*b = *fresh
	return nil
}

// Close releases handshake resources.
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return b.conn.Close()
}

func alertFromErr(err error) uint8 {
	var ae tls.AlertError
	if errors.As(err, &ae) {
		return uint8(ae)
	}
	return 0x50 // internal_error
}

// encodeTicket packs a session ticket with the 16-byte header the
// specification's persisted-state section describes: lengths of the
// server name, ticket, and session fields, so a single opaque blob can be
// written to disk and later matched back to a server name.
func encodeTicket(serverName string, earlyAppData []byte) []byte {
	name := []byte(serverName)
	hdr := make([]byte, 16)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(name)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(earlyAppData)))
	binary.BigEndian.PutUint32(hdr[8:12], 0) // session field length; filled by crypto/tls session cache
	binary.BigEndian.PutUint32(hdr[12:16], 0)
	out := make([]byte, 0, len(hdr)+len(name)+len(earlyAppData))
	out = append(out, hdr...)
	out = append(out, name...)
	out = append(out, earlyAppData...)
	return out
}
