package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// HostRegistryConfig configures the Host Registry.
type HostRegistryConfig struct {
	// Path is the hosts.json file.
	Path string
	// Secrets is C1; host passwords/keys are stored here, never inline.
	Secrets secretBackend
	Clock   clockwork.Clock
	Log     *logrus.Entry
}

func (c *HostRegistryConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing hosts.json path")
	}
	if c.Secrets == nil {
		return trace.BadParameter("missing secret store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "hosts")
	}
	return nil
}

// HostRegistry implements C3.
type HostRegistry struct {
	cfg HostRegistryConfig

	mu    sync.Mutex
	hosts map[string]Host
}

// NewHostRegistry loads (or creates) the host registry at cfg.Path.
func NewHostRegistry(cfg HostRegistryConfig) (*HostRegistry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	var list []Host
	if err := loadJSONFile(cfg.Path, &list); err != nil {
		return nil, trace.Wrap(err)
	}

	hosts := make(map[string]Host, len(list))
	for _, h := range list {
		hosts[h.ID] = h
	}
	return &HostRegistry{cfg: cfg, hosts: hosts}, nil
}

// List returns a snapshot copy of every registered host, so callers never
// hold the registry's lock while reading (spec §5 "reads are
// snapshot-copy").
func (r *HostRegistry) List() []Host {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	return out
}

// Get returns one host by id.
func (r *HostRegistry) Get(id string) (Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[id]
	if !ok {
		return Host{}, trace.NotFound("host %q not found", id)
	}
	return h, nil
}

// Save upserts a host. When secret is non-nil its body is written to C1
// under a key derived from the host id, and the body never appears in
// the returned Host (spec §4.2).
func (r *HostRegistry) Save(host Host, secret *Secret) (Host, error) {
	if host.Port == 0 {
		host.Port = 22
	}
	if host.Port < 1 || host.Port > 65535 {
		return Host{}, trace.BadParameter("port %d out of range", host.Port)
	}
	if host.Hostname == "" {
		return Host{}, trace.BadParameter("hostname is required")
	}
	if host.AuthType == "" {
		host.AuthType = AuthAgent
	}
	if host.AuthType == AuthCredentialRef && host.CredentialID == "" {
		return Host{}, trace.BadParameter("auth_type=credential_ref requires credential_id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if host.ID == "" {
		host.ID = uuid.NewString()
	}

	if secret != nil {
		if err := r.storeSecret(host.ID, secret); err != nil {
			return Host{}, trace.Wrap(err)
		}
	}

	r.hosts[host.ID] = host
	if err := r.flush(); err != nil {
		return Host{}, trace.Wrap(err)
	}
	return host, nil
}

func (r *HostRegistry) storeSecret(id string, secret *Secret) error {
	switch {
	case secret.Password != "":
		return trace.Wrap(r.cfg.Secrets.Put("host.password."+id, []byte(secret.Password)))
	case len(secret.PrivateKeyPEM) > 0:
		return trace.Wrap(r.cfg.Secrets.Put("host.key."+id, secret.PrivateKeyPEM))
	case secret.PrivateKeyPath != "":
		return trace.Wrap(r.cfg.Secrets.Put("host.key."+id, []byte(secret.PrivateKeyPath)))
	}
	return nil
}

// Delete removes a host record. It does not attempt to delete the
// associated secret for auth_type=credential_ref hosts, since the secret
// there belongs to a Credential, not this Host.
func (r *HostRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hosts[id]; !ok {
		return trace.NotFound("host %q not found", id)
	}
	delete(r.hosts, id)
	_ = r.cfg.Secrets.Delete("host.password." + id)
	_ = r.cfg.Secrets.Delete("host.key." + id)
	return trace.Wrap(r.flush())
}

// Clone duplicates a host under a new id with a " (copy)" name suffix.
func (r *HostRegistry) Clone(id string) (Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.hosts[id]
	if !ok {
		return Host{}, trace.NotFound("host %q not found", id)
	}

	clone := src
	clone.ID = uuid.NewString()
	clone.Name = src.Name + " (copy)"
	clone.Pinned = false
	clone.LastUsedAt = nil

	r.hosts[clone.ID] = clone
	if err := r.flush(); err != nil {
		return Host{}, trace.Wrap(err)
	}
	return clone, nil
}

// TogglePin flips the pinned flag and returns the new value.
func (r *HostRegistry) TogglePin(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[id]
	if !ok {
		return false, trace.NotFound("host %q not found", id)
	}
	h.Pinned = !h.Pinned
	r.hosts[id] = h
	return h.Pinned, trace.Wrap(r.flush())
}

// UpdateLastUsed stamps last_used_at with the registry's clock.
func (r *HostRegistry) UpdateLastUsed(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[id]
	if !ok {
		return trace.NotFound("host %q not found", id)
	}
	now := r.cfg.Clock.Now().Unix()
	h.LastUsedAt = &now
	r.hosts[id] = h
	return trace.Wrap(r.flush())
}

// RenameFolder renames every host's folder field from old to new,
// returning the number of hosts updated.
func (r *HostRegistry) RenameFolder(oldName, newName string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, h := range r.hosts {
		if h.Folder == oldName {
			h.Folder = newName
			r.hosts[id] = h
			count++
		}
	}
	if count > 0 {
		if err := r.flush(); err != nil {
			return 0, trace.Wrap(err)
		}
	}
	return count, nil
}

// MoveToFolder reassigns a single host's folder.
func (r *HostRegistry) MoveToFolder(id, folder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[id]
	if !ok {
		return trace.NotFound("host %q not found", id)
	}
	h.Folder = folder
	r.hosts[id] = h
	return trace.Wrap(r.flush())
}

// BulkDelete deletes many hosts, best-effort (spec §4.2).
func (r *HostRegistry) BulkDelete(ids []string) BulkResult {
	var res BulkResult
	for _, id := range ids {
		if err := r.Delete(id); err != nil {
			res.addFailure(id, err)
			continue
		}
		res.Success = append(res.Success, id)
	}
	return res
}

// BulkMoveToFolder moves many hosts, best-effort.
func (r *HostRegistry) BulkMoveToFolder(ids []string, folder string) BulkResult {
	var res BulkResult
	for _, id := range ids {
		if err := r.MoveToFolder(id, folder); err != nil {
			res.addFailure(id, err)
			continue
		}
		res.Success = append(res.Success, id)
	}
	return res
}

// BulkAssignTags adds or replaces tags on many hosts, best-effort.
func (r *HostRegistry) BulkAssignTags(ids []string, tags []string, mode TagAssignMode) BulkResult {
	var res BulkResult
	for _, id := range ids {
		if err := r.assignTags(id, tags, mode); err != nil {
			res.addFailure(id, err)
			continue
		}
		res.Success = append(res.Success, id)
	}
	return res
}

func (r *HostRegistry) assignTags(id string, tags []string, mode TagAssignMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[id]
	if !ok {
		return trace.NotFound("host %q not found", id)
	}

	switch mode {
	case TagAssignReplace:
		h.Tags = append([]string(nil), tags...)
	default: // TagAssignAdd
		h.Tags = unionTags(h.Tags, tags)
	}
	r.hosts[id] = h
	return trace.Wrap(r.flush())
}

func unionTags(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string(nil), existing...)
	for _, t := range existing {
		seen[t] = struct{}{}
	}
	for _, t := range add {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// PartialHost is an import record with optional fields, defaulted on
// import (spec §4.2).
type PartialHost struct {
	ID       string
	Name     string
	Hostname string
	Port     int
	Username string
	AuthType AuthType
	Folder   string
	Tags     []string
	Password string // if set and AuthType is empty, AuthType defaults to password
}

// Import upserts a batch of partial host records, minting ids where
// absent and applying spec defaults (port 22, auth_type inference).
func (r *HostRegistry) Import(partials []PartialHost) ([]Host, error) {
	out := make([]Host, 0, len(partials))
	for _, p := range partials {
		host := Host{
			ID:       p.ID,
			Name:     p.Name,
			Hostname: p.Hostname,
			Port:     p.Port,
			Username: p.Username,
			AuthType: p.AuthType,
			Folder:   p.Folder,
			Tags:     p.Tags,
		}
		if host.Port == 0 {
			host.Port = 22
		}
		if host.AuthType == "" {
			if p.Password != "" {
				host.AuthType = AuthPassword
			} else {
				host.AuthType = AuthAgent
			}
		}

		var secret *Secret
		if p.Password != "" {
			secret = &Secret{Password: p.Password}
		}

		saved, err := r.Save(host, secret)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, saved)
	}
	return out, nil
}

// Export returns the public fields of the requested hosts (or all hosts
// if ids is nil), never including secret bodies.
func (r *HostRegistry) Export(ids []string) []Host {
	if ids == nil {
		return r.List()
	}

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Host, 0, len(ids))
	for id := range want {
		if h, ok := r.hosts[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (r *HostRegistry) flush() error {
	list := make([]Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		list = append(list, h)
	}
	return saveJSONFile(r.cfg.Path, list)
}
