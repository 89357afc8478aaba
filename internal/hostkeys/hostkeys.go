// Package hostkeys implements C2: the host-key verification state
// machine backing interactive SSH host key checking. It persists accepted
// server keys in a known_hosts-style line-oriented text file and never
// treats a read failure as an implicit accept.
package hostkeys

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Status is the outcome of Verify.
type Status string

const (
	// Valid means the exact (hostname, port, algo, key bytes) tuple is on
	// record.
	Valid Status = "valid"
	// Unknown means no record exists for (hostname, port, algo).
	Unknown Status = "unknown"
	// Changed means a record exists for (hostname, port, algo) but the
	// key bytes differ — a security signal that must block the caller
	// until the user explicitly accepts the new key.
	Changed Status = "changed"
)

// Record is one persisted host key.
type Record struct {
	Hostname    string
	Port        int
	Algo        string
	KeyBytes    []byte
	FirstSeenAt int64 // unix seconds; set by the store, not the caller
}

// Store is the contract for C2.
type Store interface {
	Verify(hostname string, port int, algo string, keyBytes []byte) (Status, error)
	Accept(hostname string, port int, algo string, keyBytes []byte) error
}

// Config configures the file-backed store.
type Config struct {
	// Path is the known_hosts-style file. Its parent directory is
	// created on first write if missing.
	Path string
	// Now returns the current unix time; overridable in tests.
	Now func() int64
	Log *logrus.Entry
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing known_hosts path")
	}
	if c.Now == nil {
		c.Now = func() int64 { return time.Now().Unix() }
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "hostkeys")
	}
	return nil
}

// FileStore is the line-oriented text file implementation described in
// spec §4.1: one record per line, `"[host]:port algo base64(key)"`. A
// port-22 record is written in the bare `"host algo base64(key)"` form
// that knownhosts.Line produces for the default port.
type FileStore struct {
	cfg Config

	mu      sync.Mutex
	records map[recordKey]Record
}

type recordKey struct {
	hostname string
	port     int
	algo     string
}

// New loads (or lazily creates) the known_hosts file at cfg.Path.
// A missing or unreadable file is never treated as an error here — it
// degrades every subsequent Verify call to Unknown, per spec.
func New(cfg Config) (*FileStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	s := &FileStore{cfg: cfg, records: make(map[recordKey]Record)}
	if err := s.load(); err != nil {
		s.cfg.Log.WithError(err).Warn("Failed to read known_hosts file; treating all hosts as unknown.")
	}
	return s, nil
}

func (s *FileStore) load() error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			s.cfg.Log.WithError(err).Warn("Skipping malformed known_hosts line.")
			continue
		}
		s.records[recordKey{rec.Hostname, rec.Port, rec.Algo}] = rec
	}
	return trace.Wrap(scanner.Err())
}

// parseLine parses one "[host]:port algo base64(key)" record with
// x/crypto/ssh's own known_hosts grammar (the same format OpenSSH and
// this package's own writer produce) rather than hand-rolling the
// bracket/port/base64 scanning ourselves.
func parseLine(line string) (Record, error) {
	_, hosts, pubKey, _, _, err := ssh.ParseKnownHosts([]byte(line + "\n"))
	if err != nil {
		return Record{}, trace.Wrap(err)
	}
	if len(hosts) != 1 {
		return Record{}, trace.BadParameter("expected exactly one host pattern, got %d", len(hosts))
	}
	hostname, port, err := splitHostPattern(hosts[0])
	if err != nil {
		return Record{}, trace.Wrap(err)
	}
	return Record{Hostname: hostname, Port: port, Algo: pubKey.Type(), KeyBytes: pubKey.Marshal()}, nil
}

// splitHostPattern reverses the "[host]:port" bracketing ssh.ParseKnownHosts
// leaves untouched. An unbracketed pattern is a bare host on port 22, the
// form knownhosts.Line writes for the default port.
func splitHostPattern(pattern string) (string, int, error) {
	if !strings.HasPrefix(pattern, "[") {
		return pattern, 22, nil
	}
	end := strings.Index(pattern, "]:")
	if end < 0 {
		return "", 0, trace.BadParameter("malformed host:port %q", pattern)
	}
	port, err := strconv.Atoi(pattern[end+2:])
	if err != nil {
		return "", 0, trace.Wrap(err, "parsing port")
	}
	return pattern[1:end], port, nil
}

func formatLine(r Record) (string, error) {
	pubKey, err := ssh.ParsePublicKey(r.KeyBytes)
	if err != nil {
		return "", trace.Wrap(err)
	}
	addr := fmt.Sprintf("[%s]:%d", r.Hostname, r.Port)
	return knownhosts.Line([]string{addr}, pubKey), nil
}

// Verify implements spec §4.1: exact byte match -> Valid, record exists
// with different bytes -> Changed, no record -> Unknown.
func (s *FileStore) Verify(hostname string, port int, algo string, keyBytes []byte) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{hostname, port, algo}]
	if !ok {
		return Unknown, nil
	}
	if string(rec.KeyBytes) == string(keyBytes) {
		return Valid, nil
	}
	return Changed, nil
}

// Accept persists the (hostname, port, algo) -> keyBytes mapping,
// overwriting any prior record for the same tuple (a key rotation).
func (s *FileStore) Accept(hostname string, port int, algo string, keyBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{Hostname: hostname, Port: port, Algo: algo, KeyBytes: keyBytes, FirstSeenAt: s.cfg.Now()}
	s.records[recordKey{hostname, port, algo}] = rec

	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.Wrap(s.rewrite())
}

// rewrite flushes the full in-memory record set to disk. Host key accepts
// are rare (interactive, user-gated) so a full rewrite per accept is
// simpler and safer than append-only editing with in-place updates.
func (s *FileStore) rewrite() error {
	tmp := s.cfg.Path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	w := bufio.NewWriter(f)
	for _, rec := range s.records {
		line, err := formatLine(rec)
		if err != nil {
			f.Close()
			return trace.Wrap(err)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			f.Close()
			return trace.Wrap(err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return trace.Wrap(err)
	}
	if err := f.Close(); err != nil {
		return trace.Wrap(err)
	}
	return trace.ConvertSystemError(os.Rename(tmp, s.cfg.Path))
}
