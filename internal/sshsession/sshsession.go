// Package sshsession implements C6: an interactive PTY session layered on
// a pool.Handle. A Session owns exactly one ssh.Session for its lifetime;
// once the remote side exits or the transport drops, it emits a single
// Disconnected event and rejects further writes.
package sshsession

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/relaydesk/core/internal/pool"
)

// EventKind distinguishes the two things a Session ever emits.
type EventKind string

const (
	EventData         EventKind = "data"
	EventDisconnected EventKind = "disconnected"
)

// Event is a single item off a Session's Events channel.
type Event struct {
	Kind EventKind
	Data []byte // set for EventData
	Err  error  // set for EventDisconnected; nil on a clean exit
}

// Session is one interactive shell over a pooled SSH connection.
type Session struct {
	handle *pool.Handle
	sess   *ssh.Session
	stdin  io.WriteCloser

	events chan Event

	disconnected atomic.Bool
	disconnectOnce sync.Once
	closeOnce      sync.Once
}

// Open starts an interactive shell on handle's connection with the given
// terminal geometry. The handle is released automatically when the
// session disconnects or Close is called.
func Open(handle *pool.Handle, cols, rows uint32) (*Session, error) {
	sess, err := handle.Client().NewSession()
	if err != nil {
		return nil, trace.Wrap(err, "opening ssh session")
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		sess.Close()
		return nil, trace.Wrap(err, "requesting pty")
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, trace.Wrap(err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, trace.Wrap(err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, trace.Wrap(err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, trace.Wrap(err, "starting shell")
	}

	s := &Session{
		handle: handle,
		sess:   sess,
		stdin:  stdin,
		events: make(chan Event, 256),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pump(stdout, &pumps)
	go s.pump(stderr, &pumps)
	go s.waitForExit(&pumps)

	return s, nil
}

// Events is the channel of data and lifecycle events for this session.
// Exactly one EventDisconnected is ever sent, as the last item.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) pump(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.events <- Event{Kind: EventData, Data: chunk}
		}
		if err != nil {
			return
		}
	}
}

// waitForExit blocks until both output pumps have drained (so every data
// event is delivered before the terminal Disconnected event), then waits
// for the remote exit status.
func (s *Session) waitForExit(pumps *sync.WaitGroup) {
	pumps.Wait()
	err := s.sess.Wait()
	s.disconnectOnce.Do(func() {
		s.disconnected.Store(true)
		s.events <- Event{Kind: EventDisconnected, Err: err}
		close(s.events)
	})
}

// Write sends bytes to the remote process's stdin. It fails once the
// session has disconnected rather than silently swallowing the write.
func (s *Session) Write(p []byte) error {
	if s.disconnected.Load() {
		return trace.BadParameter("session is disconnected")
	}
	if _, err := s.stdin.Write(p); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Resize notifies the remote pty of a terminal geometry change.
func (s *Session) Resize(cols, rows uint32) error {
	if s.disconnected.Load() {
		return trace.BadParameter("session is disconnected")
	}
	return trace.Wrap(s.sess.WindowChange(int(rows), int(cols)))
}

// Close tears down the session and releases its pool handle. Safe to
// call more than once and safe to call after a remote-initiated
// disconnect.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.sess.Close()
		s.handle.Release()
	})
	return trace.Wrap(closeErr)
}
