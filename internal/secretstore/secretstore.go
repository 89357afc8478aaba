// Package secretstore implements C1: an opaque get/put/delete of secret
// bytes by key. The core never persists secret bodies itself; it always
// goes through this adapter, which by default is backed by the OS
// keychain/secret-service via 99designs/keyring.
package secretstore

import (
	"errors"

	"github.com/99designs/keyring"
	"github.com/gravitational/trace"
)

// Store is the contract every component (C3, C4) uses to read and write
// secret bodies. It is intentionally narrow: callers never see which
// backend is in use.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, secret []byte) error
	Delete(key string) error
}

// Config configures the OS-backed store.
type Config struct {
	// ServiceName namespaces secrets in the OS keychain/secret-service.
	ServiceName string
	// FileFallbackDir is used by the keyring library's encrypted-file
	// backend when no native OS keychain is available (e.g. headless
	// Linux without a secret-service daemon).
	FileFallbackDir string
}

func (c *Config) CheckAndSetDefaults() error {
	if c.ServiceName == "" {
		c.ServiceName = "relaydesk"
	}
	return nil
}

// osStore adapts github.com/99designs/keyring to the Store contract.
type osStore struct {
	ring keyring.Keyring
}

// New opens the OS-provided secret store.
func New(cfg Config) (Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              cfg.ServiceName,
		FileDir:                  cfg.FileFallbackDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(""),
		AllowedBackends:          nil, // let the library pick the best backend for the OS
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, trace.Wrap(err, "opening secret store")
	}

	return &osStore{ring: ring}, nil
}

func (s *osStore) Get(key string) ([]byte, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, trace.NotFound("secret %q not found", key)
		}
		return nil, trace.Wrap(err)
	}
	return item.Data, nil
}

func (s *osStore) Put(key string, secret []byte) error {
	return trace.Wrap(s.ring.Set(keyring.Item{
		Key:  key,
		Data: secret,
	}))
}

func (s *osStore) Delete(key string) error {
	err := s.ring.Remove(key)
	if err != nil && errors.Is(err, keyring.ErrKeyNotFound) {
		// Deleting an absent secret is a no-op success: callers (e.g.
		// bulk host delete) don't need to special-case "never had one".
		return nil
	}
	return trace.Wrap(err)
}
