package registry

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// CredentialRegistryConfig configures the Credential Registry.
type CredentialRegistryConfig struct {
	Path    string
	Secrets secretBackend
	Clock   clockwork.Clock
	Log     *logrus.Entry
}

func (c *CredentialRegistryConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing credentials.json path")
	}
	if c.Secrets == nil {
		return trace.BadParameter("missing secret store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "credentials")
	}
	return nil
}

// CredentialRegistry implements C4. It emits a change notification on
// every mutation (spec §4.3 "Emits a change event so subscribers
// refresh") via a buffered, drop-oldest channel — UI refreshes are
// idempotent so a dropped notification just means one fewer redundant
// refresh.
type CredentialRegistry struct {
	cfg CredentialRegistryConfig

	mu          sync.Mutex
	credentials map[string]Credential
	changed     chan struct{}
}

// NewCredentialRegistry loads (or creates) the credential registry.
func NewCredentialRegistry(cfg CredentialRegistryConfig) (*CredentialRegistry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	var list []Credential
	if err := loadJSONFile(cfg.Path, &list); err != nil {
		return nil, trace.Wrap(err)
	}

	creds := make(map[string]Credential, len(list))
	for _, c := range list {
		creds[c.ID] = c
	}
	return &CredentialRegistry{
		cfg:         cfg,
		credentials: creds,
		changed:     make(chan struct{}, 1),
	}, nil
}

// Changed returns a channel that receives a notification after any
// mutating call. Buffered with drop-oldest semantics: a burst of saves
// collapses into a single pending notification.
func (r *CredentialRegistry) Changed() <-chan struct{} {
	return r.changed
}

func (r *CredentialRegistry) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// List returns a snapshot copy of every credential (metadata only).
func (r *CredentialRegistry) List() []Credential {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Credential, 0, len(r.credentials))
	for _, c := range r.credentials {
		out = append(out, c)
	}
	return out
}

// Get returns one credential by id.
func (r *CredentialRegistry) Get(id string) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.credentials[id]
	if !ok {
		return Credential{}, trace.NotFound("credential %q not found", id)
	}
	return c, nil
}

// Save upserts credential metadata and writes the secret body to C1
// under "credential.{id}".
func (r *CredentialRegistry) Save(cred Credential, secret Secret) (Credential, error) {
	if cred.Name == "" {
		return Credential{}, trace.BadParameter("credential name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Clock.Now().Unix()
	if cred.ID == "" {
		cred.ID = uuid.NewString()
		cred.CreatedAt = now
	} else if existing, ok := r.credentials[cred.ID]; ok {
		cred.CreatedAt = existing.CreatedAt
		cred.UsageCount = existing.UsageCount
	}
	cred.UpdatedAt = now

	if secret.PrivateKeyPEM != nil || secret.PrivateKeyPath != "" {
		cred.Type = CredentialKey
		if cred.KeyType == "" {
			cred.KeyType = inferKeyType(secret.PrivateKeyPEM)
		}
		body := secret.PrivateKeyPEM
		if body == nil {
			body = []byte(secret.PrivateKeyPath)
		}
		if err := r.cfg.Secrets.Put("credential."+cred.ID, body); err != nil {
			return Credential{}, trace.Wrap(err)
		}
	} else if secret.Password != "" {
		cred.Type = CredentialPassword
		if err := r.cfg.Secrets.Put("credential."+cred.ID, []byte(secret.Password)); err != nil {
			return Credential{}, trace.Wrap(err)
		}
	}

	r.credentials[cred.ID] = cred
	if err := r.flush(); err != nil {
		return Credential{}, trace.Wrap(err)
	}
	r.notify()
	return cred, nil
}

// inferKeyType makes a best-effort guess at the private key algorithm
// from its PEM header, for display purposes only.
func inferKeyType(pemBytes []byte) string {
	s := string(pemBytes)
	switch {
	case strings.Contains(s, "OPENSSH PRIVATE KEY"):
		return "openssh"
	case strings.Contains(s, "RSA PRIVATE KEY"):
		return "rsa"
	case strings.Contains(s, "EC PRIVATE KEY"):
		return "ecdsa"
	default:
		return "unknown"
	}
}

// Delete removes credential metadata and its secret body. Hosts
// referencing this id are left as-is; they degrade at connect time
// (spec §4.3).
func (r *CredentialRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.credentials[id]; !ok {
		return trace.NotFound("credential %q not found", id)
	}
	delete(r.credentials, id)
	if err := r.cfg.Secrets.Delete("credential." + id); err != nil {
		return trace.Wrap(err)
	}
	if err := r.flush(); err != nil {
		return trace.Wrap(err)
	}
	r.notify()
	return nil
}

// MarkUsed bumps usage_count and stamps last_used_at.
func (r *CredentialRegistry) MarkUsed(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.credentials[id]
	if !ok {
		return trace.NotFound("credential %q not found", id)
	}
	c.UsageCount++
	now := r.cfg.Clock.Now().Unix()
	c.LastUsedAt = &now
	r.credentials[id] = c
	return trace.Wrap(r.flush())
}

// Secret returns the secret body for a credential id, resolved through
// C1. Returns MissingSecret-shaped NotFound if absent.
func (r *CredentialRegistry) Secret(id string) ([]byte, error) {
	body, err := r.cfg.Secrets.Get("credential." + id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return body, nil
}

func (r *CredentialRegistry) flush() error {
	list := make([]Credential, 0, len(r.credentials))
	for _, c := range r.credentials {
		list = append(list, c)
	}
	return saveJSONFile(r.cfg.Path, list)
}
