// Package app is the top-level orchestrator: it constructs every
// component exactly once from a config.Config, wires their sinks to the
// message bus, registers every inbound command, and owns the live
// terminal sessions the broadcast coordinator fans out to. Nothing here
// is a singleton — a second App, constructed with a second config, is
// fully independent (REDESIGN FLAGS §9).
package app

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/relaydesk/core/internal/broadcast"
	"github.com/relaydesk/core/internal/bus"
	"github.com/relaydesk/core/internal/config"
	"github.com/relaydesk/core/internal/editfly"
	"github.com/relaydesk/core/internal/hostkeys"
	"github.com/relaydesk/core/internal/localfs"
	"github.com/relaydesk/core/internal/pool"
	"github.com/relaydesk/core/internal/prober"
	"github.com/relaydesk/core/internal/registry"
	"github.com/relaydesk/core/internal/secretstore"
	"github.com/relaydesk/core/internal/sftpsvc"
	"github.com/relaydesk/core/internal/sshsession"
	"github.com/relaydesk/core/internal/sessiontracker"
	"github.com/relaydesk/core/internal/transfer"
)

// App wires C1–C14 into one running instance.
type App struct {
	cfg config.Config
	log *logrus.Entry

	Hub *bus.Hub

	Secrets     secretstore.Store
	HostKeys    *hostkeys.FileStore
	Hosts       *registry.HostRegistry
	Credentials *registry.CredentialRegistry
	Folders     *registry.FolderRegistry
	Pool        *pool.Pool
	Sftp        *sftpsvc.Service
	Local       *localfs.Service
	Transfers   *transfer.Queue
	Editor      *editfly.Handler
	Broadcaster *broadcast.Coordinator
	Prober      *prober.Prober
	Sessions    *sessiontracker.Tracker

	hostKeyBridge *hostKeyBridge

	mu       sync.Mutex
	terminals map[string]*sshsession.Session // by session id
	byHost    map[string]string              // host id -> most recent session id
}

// New constructs every component from cfg and wires them together. The
// returned App's background loops (pool reaper, transfer scheduler,
// status prober, edit-on-fly sweeper) are already running; call Shutdown
// to stop them.
func New(cfg config.Config) (*App, error) {
	secrets, err := secretstore.New(secretstore.Config{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newWithSecrets(cfg, secrets)
}

// newWithSecrets builds an App against an already-constructed secret
// store, so tests can substitute secretstore.Memory for the real
// OS-keychain-backed store New uses in production.
func newWithSecrets(cfg config.Config, secrets secretstore.Store) (*App, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	log := logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "app")
	clock := clockwork.NewRealClock()

	hostKeys, err := hostkeys.New(hostkeys.Config{Path: cfg.KnownHostsPath()})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	hosts, err := registry.NewHostRegistry(registry.HostRegistryConfig{
		Path: cfg.HostsPath(), Secrets: secrets, Clock: clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	credentials, err := registry.NewCredentialRegistry(registry.CredentialRegistryConfig{
		Path: cfg.CredentialsPath(), Secrets: secrets, Clock: clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	folders, err := registry.NewFolderRegistry(registry.FolderRegistryConfig{Path: cfg.FoldersPath()})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sessions, err := sessiontracker.New(sessiontracker.Config{Path: cfg.SessionsPath(), Clock: clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	hub := bus.New(log.WithField(trace.Component, "bus"))
	bridge := newHostKeyBridge(hub)

	a := &App{
		cfg: cfg, log: log, Hub: hub,
		Secrets: secrets, HostKeys: hostKeys, Hosts: hosts,
		Credentials: credentials, Folders: folders, Sessions: sessions,
		hostKeyBridge: bridge,
		terminals:     make(map[string]*sshsession.Session),
		byHost:        make(map[string]string),
	}

	connPool, err := pool.New(pool.Config{
		Hosts: hosts, Credentials: credentials, Secrets: secrets,
		HostKeys: hostKeys, HostKeyDecider: bridge, Clock: clock,
		IdleGrace: cfg.PoolIdleGrace,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.Pool = connPool

	sftp, err := sftpsvc.New(sftpsvc.Config{Pool: connPool})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.Sftp = sftp
	a.Local = localfs.New()

	transfers, err := transfer.New(transfer.Config{
		Remote: sftp, Local: a.Local, Sink: transferSink{hub},
		Clock: clock, Concurrency: cfg.TransferConcurrency,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.Transfers = transfers

	editor, err := editfly.New(editfly.Config{
		Remote: sftp, Sink: editSink{hub}, Clock: clock, TempDir: cfg.EditTempDir,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.Editor = editor

	bcast, err := broadcast.New(broadcast.Config{Lookup: a.lookupSession})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.Broadcaster = bcast

	prb, err := prober.New(prober.Config{
		Lister: a.probeTargets, Sink: statusSink{hub}, Clock: clock,
		Interval: cfg.ProbeInterval, DialTimeout: cfg.ProbeTimeout,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.Prober = prb

	a.registerHandlers()
	go a.watchRegistryChanges()

	return a, nil
}

// Shutdown stops every background loop and closes every live connection.
// It does not touch persisted state.
func (a *App) Shutdown() {
	a.Prober.Shutdown()
	a.Editor.Shutdown()
	a.Transfers.Shutdown()

	a.mu.Lock()
	sessions := make([]*sshsession.Session, 0, len(a.terminals))
	for _, s := range a.terminals {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}

	a.Pool.Shutdown()
}

func (a *App) probeTargets() []prober.Target {
	hosts := a.Hosts.List()
	targets := make([]prober.Target, len(hosts))
	for i, h := range hosts {
		targets[i] = prober.Target{HostID: h.ID, Hostname: h.Hostname, Port: h.Port}
	}
	return targets
}

func (a *App) lookupSession(hostID string) (broadcast.Writer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sessID, ok := a.byHost[hostID]
	if !ok {
		return nil, false
	}
	sess, ok := a.terminals[sessID]
	return sess, ok
}

func (a *App) watchRegistryChanges() {
	for range a.Credentials.Changed() {
		a.Hub.Publish(bus.Event{Kind: bus.EventDataUpdate, Payload: struct {
			Credentials []registry.Credential `json:"credentials"`
		}{a.Credentials.List()}})
	}
}

// registerSessionTerminal tracks a freshly opened terminal session so
// WriteTerminal/ResizeTerminal/CloseTerminal and the broadcast
// coordinator can find it, and announces it via SessionUpdate.
func (a *App) registerSessionTerminal(hostID string, sess *sshsession.Session) string {
	sessionID := uuid.NewString()

	a.mu.Lock()
	a.terminals[sessionID] = sess
	a.byHost[hostID] = sessionID
	active := a.activeHostIDsLocked()
	a.mu.Unlock()

	a.Hub.Publish(bus.Event{Kind: bus.EventSessionUpdate, Payload: struct {
		ActiveHostIDs []string `json:"active_host_ids"`
	}{active}})

	go a.pumpTerminalEvents(sessionID, hostID, sess)
	return sessionID
}

func (a *App) activeHostIDsLocked() []string {
	out := make([]string, 0, len(a.byHost))
	for hostID := range a.byHost {
		out = append(out, hostID)
	}
	return out
}

func (a *App) pumpTerminalEvents(sessionID, hostID string, sess *sshsession.Session) {
	for ev := range sess.Events() {
		switch ev.Kind {
		case sshsession.EventData:
			a.Hub.Publish(bus.Event{Kind: bus.EventTerminalData, Payload: struct {
				SessionID string `json:"session_id"`
				Bytes     []byte `json:"bytes"`
			}{sessionID, ev.Data}})
		case sshsession.EventDisconnected:
			msg := ""
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			a.Hub.Publish(bus.Event{Kind: bus.EventTerminalStatus, Payload: struct {
				SessionID string `json:"session_id"`
				State     string `json:"state"`
				Message   string `json:"message,omitempty"`
			}{sessionID, "disconnected", msg}})

			a.mu.Lock()
			delete(a.terminals, sessionID)
			if a.byHost[hostID] == sessionID {
				delete(a.byHost, hostID)
			}
			a.mu.Unlock()
		}
	}
}

// OpenTerminal acquires a pool handle for hostID and starts an
// interactive shell over it (spec §6 OpenTerminal{host_id, cols, rows}).
func (a *App) OpenTerminal(ctx context.Context, hostID string, cols, rows uint32) (string, error) {
	handle, err := a.Pool.Acquire(ctx, hostID)
	if err != nil {
		return "", trace.Wrap(err)
	}

	sess, err := sshsession.Open(handle, cols, rows)
	if err != nil {
		handle.Release()
		return "", trace.Wrap(err)
	}

	if _, err := a.Sessions.RegisterSession(hostID, sessiontracker.KindShell); err != nil {
		a.log.WithError(err).Warn("failed to persist session record")
	}

	return a.registerSessionTerminal(hostID, sess), nil
}

// WriteTerminal writes raw bytes to an open terminal session.
func (a *App) WriteTerminal(sessionID string, data []byte) error {
	a.mu.Lock()
	sess, ok := a.terminals[sessionID]
	a.mu.Unlock()
	if !ok {
		return trace.NotFound("terminal session %q not found", sessionID)
	}
	return trace.Wrap(sess.Write(data))
}

// ResizeTerminal adjusts an open terminal session's PTY geometry.
func (a *App) ResizeTerminal(sessionID string, cols, rows uint32) error {
	a.mu.Lock()
	sess, ok := a.terminals[sessionID]
	a.mu.Unlock()
	if !ok {
		return trace.NotFound("terminal session %q not found", sessionID)
	}
	return trace.Wrap(sess.Resize(cols, rows))
}

// CloseTerminal closes an open terminal session.
func (a *App) CloseTerminal(sessionID string) error {
	a.mu.Lock()
	sess, ok := a.terminals[sessionID]
	a.mu.Unlock()
	if !ok {
		return trace.NotFound("terminal session %q not found", sessionID)
	}
	return trace.Wrap(sess.Close())
}

// AcceptHostKey resolves a pending HostKeyDecisionRequired as accepted
// (spec §6 HostKey.Accept). The pool records every accepted key in the
// host-key store, so save is not consulted: save=false does not give a
// one-time acceptance.
func (a *App) AcceptHostKey(hostname string, port int, save bool) {
	a.hostKeyBridge.resolve(hostname, port, true)
}

// DenyHostKey resolves a pending HostKeyDecisionRequired as denied
// (SPEC_FULL §3: the in-flight connection attempt fails, nothing is
// persisted).
func (a *App) DenyHostKey(hostname string, port int) {
	a.hostKeyBridge.resolve(hostname, port, false)
}

type transferSink struct{ hub *bus.Hub }

func (s transferSink) TransferUpdate(job transfer.Job) {
	s.hub.Publish(bus.Event{Kind: bus.EventTransferUpdate, Payload: job})
}

func (s transferSink) TransferQueueState(jobs []transfer.Job, summary transfer.Summary) {
	s.hub.Publish(bus.Event{Kind: bus.EventTransferQueueState, Payload: struct {
		Jobs    []transfer.Job  `json:"jobs"`
		Summary transfer.Summary `json:"summary"`
	}{jobs, summary}})
}

func (s transferSink) TransferConflict(info transfer.ConflictInfo) {
	s.hub.Publish(bus.Event{Kind: bus.EventTransferConflict, Payload: info})
}

type editSink struct{ hub *bus.Hub }

func (s editSink) WriteBackFailed(watcherID, hostID, remotePath string, err error) {
	s.hub.Publish(bus.Event{Kind: bus.EventError, Payload: bus.ErrorPayload{
		Code: "EditWriteBackFailed", Component: "editfly",
		Message: "failed to write " + remotePath + " back to " + hostID, Cause: err.Error(),
	}})
}

func (s editSink) WriteBackSucceeded(watcherID, hostID, remotePath string) {
	s.hub.Publish(bus.Event{Kind: bus.EventDataUpdate, Payload: struct {
		WatcherID string `json:"watcher_id"`
	}{watcherID}})
}

type statusSink struct{ hub *bus.Hub }

func (s statusSink) HostStatusUpdate(reports []prober.Report) {
	s.hub.Publish(bus.Event{Kind: bus.EventHostStatusUpdate, Payload: reports})
}
