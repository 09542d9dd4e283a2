package qerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportErrorString(t *testing.T) {
	tests := []struct {
		code TransportError
		want string
	}{
		{ErrNo, "NO_ERROR"},
		{ErrFlowControl, "FLOW_CONTROL_ERROR"},
		{ErrAEADLimitReached, "AEAD_LIMIT_REACHED"},
		{ErrTLSBase | 0x2f, "CRYPTO_ERROR(47)"},
		{TransportError(0xffff), "ERROR 65535"},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, test.code.String())
	}
}

func TestLocalErrorMessage(t *testing.T) {
	err := LocalError{Code: ErrProtocolViolation}
	assert.Equal(t, "closed connection: PROTOCOL_VIOLATION", err.Error())

	err = LocalError{Code: ErrProtocolViolation, Reason: "bad frame"}
	assert.Equal(t, `closed connection: PROTOCOL_VIOLATION: "bad frame"`, err.Error())
}

func TestPeerErrorMessage(t *testing.T) {
	err := PeerError{Code: ErrInternal, Reason: "oops"}
	assert.Equal(t, `peer closed connection: INTERNAL_ERROR: "oops"`, err.Error())
}

func TestApplicationErrorIs(t *testing.T) {
	a := &ApplicationError{Code: 42, Reason: "closed"}
	b := &ApplicationError{Code: 42, Reason: "different reason, same code"}
	c := &ApplicationError{Code: 7}

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
	assert.False(t, errors.Is(a, errors.New("not an application error")))
}
