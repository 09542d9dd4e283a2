package engine

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"hash"
	"sync"
)

const statelessResetTokenLen = 128 / 8

// A statelessResetToken authenticates a stateless reset as originating
// from the endpoint that issued the connection ID it accompanies.
// https://www.rfc-editor.org/rfc/rfc9000#section-10.3
type statelessResetToken [statelessResetTokenLen]byte

// statelessResetTokenGenerator derives per-connection-ID reset tokens
// from a single endpoint-wide secret, so that tokens survive connection
// state being discarded.
type statelessResetTokenGenerator struct {
	canReset bool

	// hash.Hash is not concurrency safe, so a mutex is needed here.
	// Contention on stateless reset token generation should be low; a
	// generator per connection, or a concurrency-safe generator, would
	// avoid the lock if this ever becomes a bottleneck.
	mu  sync.Mutex
	mac hash.Hash
}

func (g *statelessResetTokenGenerator) init(secret [32]byte) {
	zero := true
	for _, b := range secret {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		// Generate tokens from a random secret, but don't send stateless
		// resets: without a configured secret, tokens can't be
		// reproduced across restarts.
		rand.Read(secret[:])
		g.canReset = false
	} else {
		g.canReset = true
	}
	g.mac = hmac.New(sha256.New, secret[:])
}

func (g *statelessResetTokenGenerator) tokenForConnID(cid []byte) (token statelessResetToken) {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.mac.Reset()
	g.mac.Write(cid)
	copy(token[:], g.mac.Sum(nil))
	return token
}
