package secretstore

import (
	"sync"

	"github.com/gravitational/trace"
)

// Memory is an in-process Store used by tests and by embedding hosts that
// supply their own secret storage (spec: "supplied by host").
type Memory struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{secrets: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.secrets[key]
	if !ok {
		return nil, trace.NotFound("secret %q not found", key)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Put(key string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(secret))
	copy(cp, secret)
	m.secrets[key] = cp
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.secrets, key)
	return nil
}
