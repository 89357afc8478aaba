// Package registry implements C3 (Host Registry) and C4 (Credential
// Registry): CRUD over host and credential metadata, with secret bodies
// always delegated to the secret store (C1) and never persisted here.
package registry

import (
	"github.com/hashicorp/go-multierror"

	"github.com/relaydesk/core/internal/secretstore"
)

// AuthType is how a Host authenticates.
type AuthType string

const (
	AuthPassword      AuthType = "password"
	AuthKey           AuthType = "key"
	AuthAgent         AuthType = "agent"
	AuthCredentialRef AuthType = "credential_ref"
)

// Host is a persistent registry entry (spec §3 "Host").
type Host struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Hostname     string   `json:"hostname"`
	Port         int      `json:"port"`
	Username     string   `json:"username"`
	AuthType     AuthType `json:"auth_type"`
	CredentialID string   `json:"credential_id,omitempty"`
	Folder       string   `json:"folder,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Pinned       bool     `json:"pinned"`
	LastUsedAt   *int64   `json:"last_used_at,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	OSHint       string   `json:"os_hint,omitempty"`
}

// CredentialType is the kind of secret a Credential wraps.
type CredentialType string

const (
	CredentialPassword CredentialType = "password"
	CredentialKey      CredentialType = "key"
)

// Credential is metadata only; the secret body lives in the secret store
// (C1) under a key derived from ID (spec §3 "Credential").
type Credential struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Username    string         `json:"username"`
	Type        CredentialType `json:"type"`
	Folder      string         `json:"folder,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	KeyType     string         `json:"key_type,omitempty"`
	UsageCount  int            `json:"usage_count"`
	LastUsedAt  *int64         `json:"last_used_at,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Secret is the secret body accompanying a Credential or Host save. Only
// one of Password/PrivateKey is set.
type Secret struct {
	Password       string
	PrivateKeyPath string
	PrivateKeyPEM  []byte
	Passphrase     string
}

// Folder is a first-class addressable grouping entity (SPEC_FULL §3
// supplement: rename_folder/move_to_folder assume folders are records,
// not just free-text tags).
type Folder struct {
	Name string `json:"name"`
}

// TagAssignMode controls BulkAssignTags semantics.
type TagAssignMode string

const (
	TagAssignAdd     TagAssignMode = "add"
	TagAssignReplace TagAssignMode = "replace"
)

// BulkResult is the best-effort outcome of a bulk operation (spec §4.2):
// a single failure never aborts the batch. Errors is the JSON/bus-facing
// string list; Err aggregates the same per-item failures as a single
// error for callers that want to log or wrap the whole batch.
type BulkResult struct {
	Success []string
	Failed  []string
	Errors  []string
	Err     error `json:"-"`
}

// addFailure records one item's failure on both the wire-facing string
// list and the aggregated error.
func (r *BulkResult) addFailure(id string, err error) {
	r.Failed = append(r.Failed, id)
	r.Errors = append(r.Errors, err.Error())
	r.Err = multierror.Append(r.Err, err)
}

// secretBackend is the narrow dependency registries take on C1.
type secretBackend = secretstore.Store
