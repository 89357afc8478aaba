// Package pool implements C5: a reference-counted SSH client cache keyed
// by host id. At most one live connection exists per host at any time;
// every successful Acquire is paired with exactly one eventual Release,
// encoded in the ownership of a Handle.
package pool

import (
	"context"
	"net"

	"github.com/relaydesk/core/internal/hostkeys"
	"github.com/relaydesk/core/internal/registry"
)

// State is a PoolEntry's lifecycle state (spec §3 "PoolEntry").
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateClosing    State = "closing"
)

// HostSource resolves a host record. Satisfied by *registry.HostRegistry.
type HostSource interface {
	Get(id string) (registry.Host, error)
}

// CredentialSource resolves credential metadata and its secret body.
// Satisfied by *registry.CredentialRegistry.
type CredentialSource interface {
	Get(id string) (registry.Credential, error)
	Secret(id string) ([]byte, error)
}

// SecretSource resolves a raw secret by key. Satisfied by secretstore.Store.
type SecretSource interface {
	Get(key string) ([]byte, error)
}

// HostKeyVerifier is C2's pool-facing surface: checking the real
// server-presented key, and persisting an accepted key once the user has
// decided to trust it.
type HostKeyVerifier interface {
	Verify(hostname string, port int, algo string, keyBytes []byte) (hostkeys.Status, error)
	Accept(hostname string, port int, algo string, keyBytes []byte) error
}

// HostKeyDecider surfaces a host-key verification request to the user
// and blocks until they accept or deny it. This is the hook through
// which the pool's "pause and await decision" requirement (spec §4.4
// step 3) is satisfied without the pool knowing anything about the
// message bus.
type HostKeyDecider interface {
	RequestDecision(ctx context.Context, hostname string, port int, algo string, keyBytes []byte, status hostkeys.Status) (accept bool, err error)
}

// Dialer opens the raw TCP connection used for the SSH handshake. A
// narrow seam so tests can substitute an in-memory net.Pipe instead of a
// real socket.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}
