// Package editfly implements C10: the edit-on-fly handler. It exposes a
// remote file as an editable local temp file and writes changes back to
// the remote host whenever the host UI's editor saves it.
package editfly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// RemoteFS is C7's surface as consumed by the edit-on-fly handler.
type RemoteFS interface {
	GetFile(ctx context.Context, hostID, path string, w io.Writer, onProgress func(copied int64)) (int64, error)
	PutFile(ctx context.Context, hostID, path string, r io.Reader, onProgress func(copied int64)) (int64, error)
}

// Sink receives edit-session events the host UI cannot discover any other
// way (a failed write-back does not delete the temp file, so it must be
// surfaced).
type Sink interface {
	WriteBackFailed(watcherID, hostID, remotePath string, err error)
	WriteBackSucceeded(watcherID, hostID, remotePath string)
}

// Config configures the Handler.
type Config struct {
	Remote RemoteFS
	Sink   Sink
	Clock  clockwork.Clock
	Log    *logrus.Entry

	// TempDir is the dedicated edit-on-fly directory, e.g.
	// {os_tmp}/<app>-edit.
	TempDir string
	// DebounceInterval coalesces rapid editor saves (spec §4.9: 500ms).
	DebounceInterval time.Duration
	// StaleAge is how old an orphaned temp file must be before the
	// sweeper removes it (spec §4.9: 24h).
	StaleAge time.Duration
	// SweepInterval is how often the sweeper runs (spec §4.9: hourly).
	SweepInterval time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Remote == nil {
		return trace.BadParameter("missing remote filesystem backend")
	}
	if c.Sink == nil {
		return trace.BadParameter("missing event sink")
	}
	if c.TempDir == "" {
		return trace.BadParameter("missing temp directory")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "editfly")
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = 500 * time.Millisecond
	}
	if c.StaleAge <= 0 {
		c.StaleAge = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	return nil
}

// EditSession is the public shape of one open edit-on-fly record.
type EditSession struct {
	WatcherID  string
	HostID     string
	RemotePath string
	LocalPath  string
	OpenedAt   time.Time
}

type session struct {
	EditSession
	lastUploadedHash string
	lastSeenModTime  time.Time
	debounceGen      uint64
}

// Handler implements C10.
type Handler struct {
	cfg     Config
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	sessions map[string]*session // by watcher id
	byPath   map[string]*session // by local path, for event dispatch
	closed   bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New constructs a Handler, ensures TempDir exists, and starts the event
// dispatch loop and the hourly stale-file sweeper.
func New(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	h := &Handler{
		cfg:       cfg,
		watcher:   w,
		sessions:  make(map[string]*session),
		byPath:    make(map[string]*session),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go h.dispatchLoop()
	go h.sweepLoop()
	return h, nil
}

// Open downloads remote_path into a fresh temp file, watches it, and
// returns the local path for the host UI to open in its editor.
func (h *Handler) Open(ctx context.Context, hostID, remotePath string) (EditSession, error) {
	base := sanitizeBasename(filepath.Base(remotePath))
	localPath := filepath.Join(h.cfg.TempDir, fmt.Sprintf("%s_%s", uuid.NewString()[:8], base))

	f, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return EditSession{}, trace.ConvertSystemError(err)
	}
	hasher := sha256.New()
	_, err = h.cfg.Remote.GetFile(ctx, hostID, remotePath, io.MultiWriter(f, hasher), nil)
	closeErr := f.Close()
	if err != nil {
		os.Remove(localPath)
		return EditSession{}, trace.Wrap(err)
	}
	if closeErr != nil {
		os.Remove(localPath)
		return EditSession{}, trace.ConvertSystemError(closeErr)
	}

	fi, err := os.Stat(localPath)
	if err != nil {
		os.Remove(localPath)
		return EditSession{}, trace.ConvertSystemError(err)
	}

	sess := &session{
		EditSession: EditSession{
			WatcherID:  uuid.NewString(),
			HostID:     hostID,
			RemotePath: remotePath,
			LocalPath:  localPath,
			OpenedAt:   h.cfg.Clock.Now(),
		},
		lastUploadedHash: hex.EncodeToString(hasher.Sum(nil)),
		lastSeenModTime:  fi.ModTime(),
	}

	if err := h.watcher.Add(localPath); err != nil {
		os.Remove(localPath)
		return EditSession{}, trace.Wrap(err)
	}

	h.mu.Lock()
	h.sessions[sess.WatcherID] = sess
	h.byPath[localPath] = sess
	h.mu.Unlock()

	return sess.EditSession, nil
}

// Close stops watching, deletes the temp file, and forgets the session.
func (h *Handler) Close(watcherID string) error {
	h.mu.Lock()
	sess, ok := h.sessions[watcherID]
	if !ok {
		h.mu.Unlock()
		return trace.NotFound("edit session %q not found", watcherID)
	}
	delete(h.sessions, watcherID)
	delete(h.byPath, sess.LocalPath)
	sess.debounceGen++ // invalidate any in-flight debounce wait
	h.mu.Unlock()

	h.watcher.Remove(sess.LocalPath)
	if err := os.Remove(sess.LocalPath); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Sessions returns every currently open edit session.
func (h *Handler) Sessions() []EditSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EditSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.EditSession)
	}
	return out
}

// Shutdown stops the sweeper, closes the watcher, and removes every
// remaining temp file.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	close(h.stopSweep)
	<-h.sweepDone
	h.watcher.Close()

	for _, id := range ids {
		h.Close(id)
	}
}

func (h *Handler) dispatchLoop() {
	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			h.onEvent(event.Name)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.cfg.Log.WithError(err).Warn("filesystem watcher error")
		}
	}
}

func (h *Handler) onEvent(path string) {
	h.mu.Lock()
	sess, ok := h.byPath[path]
	if !ok {
		h.mu.Unlock()
		return
	}
	sess.debounceGen++
	gen := sess.debounceGen
	h.mu.Unlock()

	go func() {
		select {
		case <-h.cfg.Clock.After(h.cfg.DebounceInterval):
		case <-h.stopSweep:
			return
		}
		h.mu.Lock()
		current := sess.debounceGen == gen
		h.mu.Unlock()
		if current {
			h.handleChange(sess)
		}
	}()
}

// handleChange runs after the debounce window elapses: if the file's
// mtime has advanced and its content hash differs from the last upload,
// it schedules a write-back.
func (h *Handler) handleChange(sess *session) {
	fi, err := os.Stat(sess.LocalPath)
	if err != nil {
		return // temp file gone (closed concurrently); nothing to write back.
	}

	h.mu.Lock()
	seen := sess.lastSeenModTime
	h.mu.Unlock()
	if !fi.ModTime().After(seen) {
		return
	}

	data, err := os.ReadFile(sess.LocalPath)
	if err != nil {
		h.cfg.Log.WithError(err).Warn("failed to read edited temp file")
		return
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	h.mu.Lock()
	unchanged := hash == sess.lastUploadedHash
	sess.lastSeenModTime = fi.ModTime()
	h.mu.Unlock()
	if unchanged {
		return
	}

	ctx := context.Background()
	_, err = h.cfg.Remote.PutFile(ctx, sess.HostID, sess.RemotePath, strings.NewReader(string(data)), nil)
	if err != nil {
		h.cfg.Sink.WriteBackFailed(sess.WatcherID, sess.HostID, sess.RemotePath, err)
		return
	}

	h.mu.Lock()
	sess.lastUploadedHash = hash
	h.mu.Unlock()
	h.cfg.Sink.WriteBackSucceeded(sess.WatcherID, sess.HostID, sess.RemotePath)
}

func (h *Handler) sweepLoop() {
	defer close(h.sweepDone)
	ticker := h.cfg.Clock.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopSweep:
			return
		case <-ticker.Chan():
			h.sweepOnce()
		}
	}
}

func (h *Handler) sweepOnce() {
	entries, err := os.ReadDir(h.cfg.TempDir)
	if err != nil {
		return
	}
	cutoff := h.cfg.Clock.Now().Add(-h.cfg.StaleAge)
	for _, de := range entries {
		path := filepath.Join(h.cfg.TempDir, de.Name())
		h.mu.Lock()
		_, active := h.byPath[path]
		h.mu.Unlock()
		if active {
			continue
		}
		fi, err := de.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		os.Remove(path)
	}
}

func sanitizeBasename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_",
	)
	return replacer.Replace(name)
}
