// Package sessiontracker implements C13: a durable record of open
// sessions so the host UI can offer "restore previous session" after a
// restart. The core never re-establishes a session on its own — exposing
// the persisted list is as far as this component goes.
package sessiontracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Kind identifies what sort of session a record refers to (a shell, an
// edit-on-fly watcher, and so on).
type Kind string

const (
	KindShell Kind = "shell"
	KindEdit  Kind = "edit"
)

// Record is one persisted session entry.
type Record struct {
	ID       string `json:"id"`
	HostID   string `json:"host_id"`
	Kind     Kind   `json:"kind"`
	OpenedAt int64  `json:"opened_at"`
}

// Config configures the Tracker.
type Config struct {
	// Path is the sessions.json file.
	Path  string
	Clock clockwork.Clock
	Log   *logrus.Entry
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing sessions.json path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "sessiontracker")
	}
	return nil
}

// Tracker implements C13.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	records map[string]Record
}

// New loads (or creates) the session tracker at cfg.Path.
func New(cfg Config) (*Tracker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	var list []Record
	if err := loadJSONFile(cfg.Path, &list); err != nil {
		return nil, trace.Wrap(err)
	}

	records := make(map[string]Record, len(list))
	for _, r := range list {
		records[r.ID] = r
	}
	return &Tracker{cfg: cfg, records: records}, nil
}

// RegisterSession appends a new record and returns its id.
func (t *Tracker) RegisterSession(hostID string, kind Kind) (string, error) {
	if hostID == "" {
		return "", trace.BadParameter("host id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	t.records[id] = Record{
		ID:       id,
		HostID:   hostID,
		Kind:     kind,
		OpenedAt: t.cfg.Clock.Now().Unix(),
	}
	if err := t.flush(); err != nil {
		return "", trace.Wrap(err)
	}
	return id, nil
}

// Unregister removes a session record. Unregistering an id that is not
// present is a no-op, not an error — a session can outlive its tracker
// entry being cleared by a concurrent sweep, and callers should not need
// to coordinate around that.
func (t *Tracker) Unregister(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[id]; !ok {
		return nil
	}
	delete(t.records, id)
	return trace.Wrap(t.flush())
}

// GetPersistedSessions returns every record currently on disk, for the
// host UI's restore-previous-session prompt. The core does not act on
// this list itself.
func (t *Tracker) GetPersistedSessions() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	return out
}

func (t *Tracker) flush() error {
	list := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		list = append(list, r)
	}
	return saveJSONFile(t.cfg.Path, list)
}

func loadJSONFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	if len(data) == 0 {
		return nil
	}
	return trace.Wrap(json.Unmarshal(data, dst))
}

func saveJSONFile(path string, src any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}

	data, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(os.Rename(tmp, path))
}
