package pool

import (
	"net"
	"os"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/relaydesk/core/internal/registry"
)

// resolveAuthMethods builds the []ssh.AuthMethod for a host, resolving
// secrets through the secret store and, for credential_ref hosts, the
// credential registry. A dangling credential_id fails fast with NotFound
// rather than attempting a handshake that can only ever fail (spec §4.3).
func (p *Pool) resolveAuthMethods(host registry.Host) ([]ssh.AuthMethod, error) {
	switch host.AuthType {
	case registry.AuthPassword:
		secret, err := p.secrets.Get("host.password." + host.ID)
		if err != nil {
			return nil, trace.Wrap(err, "resolving password for host %q", host.ID)
		}
		return []ssh.AuthMethod{ssh.Password(string(secret))}, nil

	case registry.AuthKey:
		secret, err := p.secrets.Get("host.key." + host.ID)
		if err != nil {
			return nil, trace.Wrap(err, "resolving private key for host %q", host.ID)
		}
		signer, err := parseSigner(secret)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case registry.AuthCredentialRef:
		if host.CredentialID == "" {
			return nil, trace.BadParameter("host %q has auth_type=credential_ref with no credential_id", host.ID)
		}
		cred, err := p.credentials.Get(host.CredentialID)
		if err != nil {
			return nil, trace.NotFound("credential %q referenced by host %q no longer exists", host.CredentialID, host.ID)
		}
		secret, err := p.credentials.Secret(cred.ID)
		if err != nil {
			return nil, trace.Wrap(err, "missing secret for credential %q", cred.ID)
		}
		if cred.Type == registry.CredentialKey {
			signer, err := parseSigner(secret)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
		}
		return []ssh.AuthMethod{ssh.Password(string(secret))}, nil

	case registry.AuthAgent:
		signers, err := agentSigners()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(signers)}, nil

	default:
		return nil, trace.BadParameter("unknown auth_type %q", host.AuthType)
	}
}

func parseSigner(secret []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(secret)
	if err != nil {
		return nil, trace.Wrap(err, "parsing private key")
	}
	return signer, nil
}

// agentSigners connects to the local SSH agent via SSH_AUTH_SOCK.
func agentSigners() (func() ([]ssh.Signer, error), error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, trace.NotFound("SSH_AUTH_SOCK is not set; no ssh-agent available")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, trace.Wrap(err, "connecting to ssh-agent")
	}
	ag := agent.NewClient(conn)
	return ag.Signers, nil
}
