// Package sshtest provides a minimal loopback SSH+SFTP server for exercising
// pool, sshsession and sftpsvc against a real handshake and a real wire
// protocol instead of a mocked transport (spec §9: host-key verification
// and auth must use the real server-presented key, not a fixture stand-in).
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os/exec"
	"sync"

	sshfx "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Server is a tiny loopback SSH server: it accepts exactly the commands a
// test needs (an echoing shell, "exec" of a real subprocess, and an sftp
// subsystem) and nothing more.
type Server struct {
	listener net.Listener
	signer   ssh.Signer
	sshCfg   *ssh.ServerConfig

	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures a Server's accepted auth.
type Option func(*ssh.ServerConfig)

// WithPassword accepts connections authenticating with exactly this password.
func WithPassword(password string) Option {
	return func(cfg *ssh.ServerConfig) {
		cfg.PasswordCallback = func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("wrong password")
		}
	}
}

// New starts a loopback SSH server on 127.0.0.1:0 and returns it along with
// its host key signer (callers use the signer's public key to populate a
// hostkeys store or an ssh.FixedHostKey callback).
func New(opts ...Option) (*Server, ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, err
	}

	sshCfg := &ssh.ServerConfig{
		NoClientAuth: len(opts) == 0,
	}
	for _, opt := range opts {
		opt(sshCfg)
	}
	sshCfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}

	s := &Server{listener: ln, signer: signer, sshCfg: sshCfg}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, signer, nil
}

// Addr is the host:port the server is listening on.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshCfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "shell":
			req.Reply(true, nil)
			go func() {
				io.Copy(ch, ch) // echo back whatever is written, until EOF
				ch.CloseWrite()
			}()
		case "exec":
			req.Reply(true, nil)
			cmd := parseExecPayload(req.Payload)
			go s.runExec(ch, cmd)
			return
		case "subsystem":
			name := parseExecPayload(req.Payload)
			if name == "sftp" {
				req.Reply(true, nil)
				go s.runSFTP(ch)
				return
			}
			req.Reply(false, nil)
		case "pty-req", "window-change", "env":
			req.Reply(true, nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runExec(ch ssh.Channel, command string) {
	defer ch.Close()
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	cmd.Stdin = ch
	_ = cmd.Run()
}

func (s *Server) runSFTP(ch ssh.Channel) {
	defer ch.Close()
	server, err := sshfx.NewServer(ch)
	if err != nil {
		return
	}
	_ = server.Serve()
}

// parseExecPayload decodes the length-prefixed string in an exec/subsystem
// request payload per RFC 4254 §6.5.
func parseExecPayload(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if len(payload) < 4+n {
		return ""
	}
	return string(payload[4 : 4+n])
}
