package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/gravitational/trace"

	"github.com/relaydesk/core/internal/bus"
	"github.com/relaydesk/core/internal/hostkeys"
)

// hostKeyBridge implements pool.HostKeyDecider by publishing a
// HostKeyDecisionRequired event and blocking until a correlated
// HostKey.Accept or HostKey.Deny command resolves it (spec §4.4 step 3:
// "this may block indefinitely; callers must tolerate that").
type hostKeyBridge struct {
	hub *bus.Hub

	mu      sync.Mutex
	pending map[string]chan bool
}

func newHostKeyBridge(hub *bus.Hub) *hostKeyBridge {
	return &hostKeyBridge{hub: hub, pending: make(map[string]chan bool)}
}

// HostKeyDecisionPayload is the Payload shape for EventHostKeyDecisionRequired.
type HostKeyDecisionPayload struct {
	Hostname      string `json:"host"`
	Port          int    `json:"port"`
	Algo          string `json:"algo"`
	FingerprintB64 string `json:"fingerprint_b64"`
	Status        string `json:"status"`
}

func decisionKey(hostname string, port int) string {
	return fmt.Sprintf("%s:%d", hostname, port)
}

func (b *hostKeyBridge) RequestDecision(ctx context.Context, hostname string, port int, algo string, keyBytes []byte, status hostkeys.Status) (bool, error) {
	key := decisionKey(hostname, port)
	ch := make(chan bool, 1)

	b.mu.Lock()
	b.pending[key] = ch
	b.mu.Unlock()

	b.hub.Publish(bus.Event{
		Kind: bus.EventHostKeyDecisionRequired,
		Payload: HostKeyDecisionPayload{
			Hostname:       hostname,
			Port:           port,
			Algo:           algo,
			FingerprintB64: base64.StdEncoding.EncodeToString(keyBytes),
			Status:         string(status),
		},
	})

	select {
	case accept := <-ch:
		return accept, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
		return false, trace.Wrap(ctx.Err())
	}
}

// resolve delivers a HostKey.Accept/Deny decision to whichever
// RequestDecision call is waiting on it, if any. A decision for a host
// with no pending request is a no-op, not an error — the UI may resend
// one after a timeout on its side.
func (b *hostKeyBridge) resolve(hostname string, port int, accept bool) {
	key := decisionKey(hostname, port)

	b.mu.Lock()
	ch, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if ok {
		ch <- accept
	}
}
