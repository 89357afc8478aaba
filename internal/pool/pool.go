package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/relaydesk/core/internal/hostkeys"
)

// Config configures the connection pool.
type Config struct {
	Hosts          HostSource
	Credentials    CredentialSource
	Secrets        SecretSource
	HostKeys       HostKeyVerifier
	HostKeyDecider HostKeyDecider
	Dialer         Dialer
	Clock          clockwork.Clock
	Log            *logrus.Entry

	// IdleGrace is how long a ref_count==0 entry is retained before the
	// reaper closes it (spec §4.4, default 60s).
	IdleGrace time.Duration
	// FailedDebounce is how long a Failed entry stays in the map before
	// being removed, so a racing waiter still observes the failure
	// before a retry can create a fresh entry (spec §4.4 step 3).
	FailedDebounce time.Duration
	// ConnectTimeout bounds the TCP dial (spec §5, default 10s).
	ConnectTimeout time.Duration
	// HandshakeTimeout is passed as ssh.ClientConfig.Timeout (default
	// 20s). ssh.NewClientConn does not apply that field, so the SSH
	// handshake over the dialed connection, including the wait for a
	// host-key decision, runs without a deadline.
	HandshakeTimeout time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Hosts == nil {
		return trace.BadParameter("missing host source")
	}
	if c.Credentials == nil {
		return trace.BadParameter("missing credential source")
	}
	if c.Secrets == nil {
		return trace.BadParameter("missing secret source")
	}
	if c.HostKeys == nil {
		return trace.BadParameter("missing host key verifier")
	}
	if c.HostKeyDecider == nil {
		return trace.BadParameter("missing host key decider")
	}
	if c.Dialer == nil {
		var d net.Dialer
		c.Dialer = DialerFunc(d.DialContext)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "pool")
	}
	if c.IdleGrace == 0 {
		c.IdleGrace = 60 * time.Second
	}
	if c.FailedDebounce == 0 {
		c.FailedDebounce = 2 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
	return nil
}

// entry is the runtime PoolEntry (spec §3). Once ready is closed, state
// and client/failReason are never mutated again — only refCount and
// idleSince change after that point, always under Pool.mu.
type entry struct {
	hostID string

	state      State
	client     *ssh.Client
	failReason error

	ready chan struct{} // closed exactly once, when state leaves Connecting

	refCount  int
	idleSince time.Time
}

// Pool implements C5.
type Pool struct {
	cfg         Config
	hosts       HostSource
	credentials CredentialSource
	secrets     SecretSource

	mu      sync.Mutex
	entries map[string]*entry

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New constructs a pool and starts its background idle reaper.
func New(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	p := &Pool{
		cfg:         cfg,
		hosts:       cfg.Hosts,
		credentials: cfg.Credentials,
		secrets:     cfg.Secrets,
		entries:     make(map[string]*entry),
		stopReaper:  make(chan struct{}),
		reaperDone:  make(chan struct{}),
	}
	go p.reapLoop()
	return p, nil
}

// Handle is a move-only capability representing one reference into a
// pool entry. Exactly one Release call must follow a successful Acquire;
// a second Release is a safe no-op (guarded by sync.Once) rather than a
// double-decrement, since callers occasionally defer Release alongside an
// explicit one on an error path.
type Handle struct {
	pool    *Pool
	hostID  string
	client  *ssh.Client
	release sync.Once
}

// Client returns the underlying SSH client. Channels opened on it are
// already multiplexed by the SSH protocol; no additional lock is needed
// here (spec §5).
func (h *Handle) Client() *ssh.Client { return h.client }

// Release decrements the pool entry's reference count.
func (h *Handle) Release() {
	h.release.Do(func() {
		h.pool.release(h.hostID)
	})
}

// Acquire implements spec §4.4's algorithm. It blocks for as long as a
// connect is in flight (including, transitively, a pending host-key
// decision) and returns a Handle only on a fully successful connection.
func (p *Pool) Acquire(ctx context.Context, hostID string) (*Handle, error) {
	p.mu.Lock()
	e, ok := p.entries[hostID]
	switch {
	case ok && e.state == StateReady:
		e.refCount++
		e.idleSince = time.Time{}
		p.mu.Unlock()
		return &Handle{pool: p, hostID: hostID, client: e.client}, nil

	case ok && e.state == StateConnecting:
		p.mu.Unlock()
		return p.awaitConnecting(ctx, hostID, e)

	case ok:
		// A Failed/Closing entry still sitting in its removal debounce:
		// every caller that observes it gets the same failure, rather
		// than silently racing a fresh connect attempt behind it.
		reason := e.failReason
		p.mu.Unlock()
		return nil, trace.Wrap(reason)
	}

	fresh := &entry{hostID: hostID, state: StateConnecting, ready: make(chan struct{})}
	p.entries[hostID] = fresh
	p.mu.Unlock()

	p.connect(ctx, fresh)

	p.mu.Lock()
	switch fresh.state {
	case StateReady:
		p.mu.Unlock()
		return &Handle{pool: p, hostID: hostID, client: fresh.client}, nil
	default:
		reason := fresh.failReason
		p.mu.Unlock()
		p.scheduleRemoval(hostID, fresh)
		return nil, trace.Wrap(reason)
	}
}

// awaitConnecting waits for an in-flight connect attempt on e to resolve
// and reports its outcome to this caller, without starting a second
// attempt or disturbing other waiters.
func (p *Pool) awaitConnecting(ctx context.Context, hostID string, e *entry) (*Handle, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		// spec §4.4 cancellation: the in-flight connect is unaffected;
		// only this caller's wait is abandoned.
		return nil, trace.Wrap(ctx.Err())
	}

	if e.state == StateFailed {
		return nil, trace.Wrap(e.failReason)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// The entry could already have been reaped/replaced between the
	// channel close and this lock; re-fetch to stay consistent with the
	// current map contents rather than trusting the stale pointer.
	cur, ok := p.entries[hostID]
	if ok && cur == e && e.state == StateReady {
		e.refCount++
		e.idleSince = time.Time{}
		return &Handle{pool: p, hostID: hostID, client: e.client}, nil
	}
	// Entry was reaped/replaced already; ask the caller to retry rather
	// than returning a handle to state that may no longer be current.
	return nil, trace.ConnectionProblem(nil, "connection for %q changed state during acquire; retry", hostID)
}

// connect performs the full handshake sequence (spec §4.4 step 3) and
// transitions e from Connecting to Ready or Failed exactly once.
func (p *Pool) connect(ctx context.Context, e *entry) {
	client, err := p.dialAndAuthenticate(ctx, e.hostID)

	p.mu.Lock()
	if err != nil {
		e.state = StateFailed
		e.failReason = err
	} else {
		e.state = StateReady
		e.client = client
		e.refCount = 1
	}
	p.mu.Unlock()
	close(e.ready)
}

func (p *Pool) dialAndAuthenticate(ctx context.Context, hostID string) (*ssh.Client, error) {
	host, err := p.hosts.Get(hostID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	authMethods, err := p.resolveAuthMethods(host)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	addr := hostPortAddr(host.Hostname, host.Port)

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	conn, err := p.cfg.Dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing %s", addr)
	}

	verifier := &capturingHostKeyCallback{
		pool:     p,
		hostname: host.Hostname,
		port:     host.Port,
		ctx:      ctx,
	}

	sshCfg := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            authMethods,
		HostKeyCallback: verifier.callback,
		Timeout:         p.cfg.HandshakeTimeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		if verifier.deniedOrRejected {
			return nil, trace.AccessDenied("host key rejected for %s: %v", addr, err)
		}
		return nil, trace.ConnectionProblem(err, "ssh handshake with %s", addr)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func hostPortAddr(hostname string, port int) string {
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", hostname, port)
}

// capturingHostKeyCallback implements spec §4.1/§4.4: it checks the
// *real* server-presented key (never a mocked buffer, per REDESIGN
// FLAGS §9) against C2, and blocks on HostKeyDecider for Unknown/Changed.
type capturingHostKeyCallback struct {
	pool             *Pool
	hostname         string
	port             int
	ctx              context.Context
	deniedOrRejected bool
}

func (v *capturingHostKeyCallback) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	algo := key.Type()
	keyBytes := key.Marshal()

	status, err := v.pool.cfg.HostKeys.Verify(v.hostname, v.port, algo, keyBytes)
	if err != nil {
		return trace.Wrap(err)
	}

	if status == hostkeys.Valid {
		return nil
	}

	accept, err := v.pool.cfg.HostKeyDecider.RequestDecision(v.ctx, v.hostname, v.port, algo, keyBytes, status)
	if err != nil {
		v.deniedOrRejected = true
		return trace.Wrap(err)
	}
	if !accept {
		v.deniedOrRejected = true
		return trace.AccessDenied("host key for %s was not accepted", v.hostname)
	}

	return trace.Wrap(v.pool.cfg.HostKeys.Accept(v.hostname, v.port, algo, keyBytes))
}

// scheduleRemoval removes a Failed entry after a short debounce so a
// racing Acquire that observed Connecting still reads the failure before
// the slot is reused (spec §4.4 step 3, "remove the entry after a short
// debounce").
func (p *Pool) scheduleRemoval(hostID string, e *entry) {
	go func() {
		select {
		case <-p.cfg.Clock.After(p.cfg.FailedDebounce):
		case <-p.stopReaper:
		}
		p.mu.Lock()
		if cur, ok := p.entries[hostID]; ok && cur == e {
			delete(p.entries, hostID)
		}
		p.mu.Unlock()
	}()
}

func (p *Pool) release(hostID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[hostID]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount < 0 {
		p.cfg.Log.WithField("host_id", hostID).Error("pool ref_count went negative; internal invariant violated")
		e.refCount = 0
	}
	if e.refCount == 0 {
		e.idleSince = p.cfg.Clock.Now()
	}
}

// Close forcibly tears down the entry for hostID, regardless of
// ref_count. Used for an explicit user-initiated disconnect.
func (p *Pool) Close(hostID string) error {
	p.mu.Lock()
	e, ok := p.entries[hostID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, hostID)
	p.mu.Unlock()

	if e.state == StateReady && e.client != nil {
		return trace.Wrap(e.client.Close())
	}
	return nil
}

// CloseAll tears down every entry; used on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	all := make([]*entry, 0, len(p.entries))
	for id, e := range p.entries {
		all = append(all, e)
		delete(p.entries, id)
	}
	p.mu.Unlock()

	for _, e := range all {
		if e.state == StateReady && e.client != nil {
			_ = e.client.Close()
		}
	}
}

// Shutdown stops the reaper and closes all entries.
func (p *Pool) Shutdown() {
	close(p.stopReaper)
	<-p.reaperDone
	p.CloseAll()
}

// Stats reports a lightweight snapshot for diagnostics/tests.
type Stats struct {
	HostID   string
	State    State
	RefCount int
}

func (p *Pool) Snapshot() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Stats, 0, len(p.entries))
	for id, e := range p.entries {
		out = append(out, Stats{HostID: id, State: e.state, RefCount: e.refCount})
	}
	return out
}

func (p *Pool) reapLoop() {
	defer close(p.reaperDone)

	interval := p.cfg.IdleGrace / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := p.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.Chan():
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	now := p.cfg.Clock.Now()

	p.mu.Lock()
	var toClose []*ssh.Client
	for id, e := range p.entries {
		if e.state != StateReady || e.refCount != 0 || e.idleSince.IsZero() {
			continue
		}
		if now.Sub(e.idleSince) >= p.cfg.IdleGrace {
			toClose = append(toClose, e.client)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	for _, c := range toClose {
		_ = c.Close()
	}
}
