// Package qerr defines the QUIC transport and application error taxonomy
// shared by the packet key hierarchy and the connection engine.
package qerr

import "fmt"

// A TransportError is a transport error code from RFC 9000 Section 20.1.
//
// TransportError doesn't implement the error interface to ensure callers
// always distinguish between errors sent to and received from the peer;
// see LocalError and PeerError below.
type TransportError uint64

// https://www.rfc-editor.org/rfc/rfc9000.html#section-20.1
const (
	ErrNo                   = TransportError(0x00)
	ErrInternal             = TransportError(0x01)
	ErrConnectionRefused    = TransportError(0x02)
	ErrFlowControl          = TransportError(0x03)
	ErrStreamLimit          = TransportError(0x04)
	ErrStreamState          = TransportError(0x05)
	ErrFinalSize            = TransportError(0x06)
	ErrFrameEncoding        = TransportError(0x07)
	ErrTransportParameter   = TransportError(0x08)
	ErrConnectionIDLimit    = TransportError(0x09)
	ErrProtocolViolation    = TransportError(0x0a)
	ErrInvalidToken         = TransportError(0x0b)
	ErrApplicationError     = TransportError(0x0c)
	ErrCryptoBufferExceeded = TransportError(0x0d)
	ErrKeyUpdateError       = TransportError(0x0e)
	ErrAEADLimitReached     = TransportError(0x0f)
	ErrNoViablePath         = TransportError(0x10)
	ErrTLSBase              = TransportError(0x0100) // 0x0100-0x01ff; base + TLS alert code
)

func (e TransportError) String() string {
	switch e {
	case ErrNo:
		return "NO_ERROR"
	case ErrInternal:
		return "INTERNAL_ERROR"
	case ErrConnectionRefused:
		return "CONNECTION_REFUSED"
	case ErrFlowControl:
		return "FLOW_CONTROL_ERROR"
	case ErrStreamLimit:
		return "STREAM_LIMIT_ERROR"
	case ErrStreamState:
		return "STREAM_STATE_ERROR"
	case ErrFinalSize:
		return "FINAL_SIZE_ERROR"
	case ErrFrameEncoding:
		return "FRAME_ENCODING_ERROR"
	case ErrTransportParameter:
		return "TRANSPORT_PARAMETER_ERROR"
	case ErrConnectionIDLimit:
		return "CONNECTION_ID_LIMIT_ERROR"
	case ErrProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case ErrInvalidToken:
		return "INVALID_TOKEN"
	case ErrApplicationError:
		return "APPLICATION_ERROR"
	case ErrCryptoBufferExceeded:
		return "CRYPTO_BUFFER_EXCEEDED"
	case ErrKeyUpdateError:
		return "KEY_UPDATE_ERROR"
	case ErrAEADLimitReached:
		return "AEAD_LIMIT_REACHED"
	case ErrNoViablePath:
		return "NO_VIABLE_PATH"
	}
	if e >= 0x0100 && e <= 0x01ff {
		return fmt.Sprintf("CRYPTO_ERROR(%v)", uint64(e)&0xff)
	}
	return fmt.Sprintf("ERROR %d", uint64(e))
}

// A LocalError is a transport error generated locally and sent to the peer.
type LocalError struct {
	Code   TransportError
	Reason string
}

func (e LocalError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("closed connection: %v", e.Code)
	}
	return fmt.Sprintf("closed connection: %v: %q", e.Code, e.Reason)
}

// A PeerError is a transport error received from the peer.
type PeerError struct {
	Code   TransportError
	Reason string
}

func (e PeerError) Error() string {
	return fmt.Sprintf("peer closed connection: %v: %q", e.Code, e.Reason)
}

// A StreamErrorCode is an application protocol error code (RFC 9000, Section
// 20.2) indicating why a stream is being closed.
type StreamErrorCode uint64

func (e StreamErrorCode) Error() string {
	return fmt.Sprintf("stream error code %v", uint64(e))
}

// An ApplicationError is an application protocol error code (RFC 9000,
// Section 20.2). Application errors may be sent when terminating a stream
// or connection.
type ApplicationError struct {
	Code   uint64
	Reason string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error %v: %q", e.Code, e.Reason)
}

// Is reports a match if err is an *ApplicationError with a matching Code.
func (e *ApplicationError) Is(err error) bool {
	e2, ok := err.(*ApplicationError)
	return ok && e2.Code == e.Code
}
