// Package config resolves the on-disk data directory layout shared by
// every persisted component (spec §6 "Persisted state layout"): the
// registry JSON files, the known_hosts file, the session tracker record,
// and the edit-on-fly temp area.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
)

// Config is the top-level, user-facing configuration for one running
// instance of the core. It is resolved once by cmd/relaydeskd and handed
// to internal/app, which is the only thing that constructs components
// from it.
type Config struct {
	// DataDir holds hosts.json, credentials.json, folders.json,
	// sessions.json, and known_hosts. Defaults to
	// os.UserConfigDir()/relaydesk.
	DataDir string

	// EditTempDir is the edit-on-fly scratch area (spec §4.9). Defaults
	// to os.TempDir()/relaydesk-edit.
	EditTempDir string

	// PoolIdleGrace is how long an unreferenced pool entry is kept alive
	// (spec §4.4, default 60s).
	PoolIdleGrace time.Duration
	// TransferConcurrency caps simultaneously running transfer jobs
	// (spec §4.8, default 3).
	TransferConcurrency int
	// ProbeInterval is the status prober's sweep cadence (spec §4.11,
	// default 30s).
	ProbeInterval time.Duration
	// ProbeTimeout bounds each individual TCP probe (spec §4.11, default 3s).
	ProbeTimeout time.Duration
}

// CheckAndSetDefaults fills in every unset field with the spec's stated
// default, resolving DataDir/EditTempDir against the OS if left empty.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return trace.Wrap(err)
		}
		c.DataDir = filepath.Join(dir, "relaydesk")
	}
	if c.EditTempDir == "" {
		c.EditTempDir = filepath.Join(os.TempDir(), "relaydesk-edit")
	}
	if c.PoolIdleGrace <= 0 {
		c.PoolIdleGrace = 60 * time.Second
	}
	if c.TransferConcurrency <= 0 {
		c.TransferConcurrency = 3
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	return nil
}

// HostsPath returns the path to hosts.json.
func (c *Config) HostsPath() string { return filepath.Join(c.DataDir, "hosts.json") }

// CredentialsPath returns the path to credentials.json.
func (c *Config) CredentialsPath() string { return filepath.Join(c.DataDir, "credentials.json") }

// FoldersPath returns the path to folders.json.
func (c *Config) FoldersPath() string { return filepath.Join(c.DataDir, "folders.json") }

// SessionsPath returns the path to sessions.json.
func (c *Config) SessionsPath() string { return filepath.Join(c.DataDir, "sessions.json") }

// KnownHostsPath returns the path to the known_hosts-style host key file.
func (c *Config) KnownHostsPath() string { return filepath.Join(c.DataDir, "known_hosts") }
