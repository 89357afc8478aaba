// Package fsentry defines the filesystem entry shape shared by the SFTP
// and local filesystem services, so higher layers (the transfer queue,
// the edit-on-fly handler) can treat local and remote paths uniformly.
package fsentry

import (
	"time"

	"github.com/gravitational/trace"
)

// Kind identifies what a directory entry actually is. Symlinks are
// reported as Kind, never silently resolved.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
	KindSymlink   Kind = "symlink"
)

// Entry is one row returned by a directory listing or stat call, with the
// same shape whether it came from C7 (SFTP) or C8 (local).
type Entry struct {
	Name        string
	Path        string
	Kind        Kind
	Size        int64
	Permissions uint32
	ModTime     time.Time
	OwnerUID    uint32
	OwnerGID    uint32
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Kind == KindDirectory }

// ChecksumAlgo selects the digest used by a Checksum call. The zero value
// defaults to SHA256 via CheckAndSetDefaults.
type ChecksumAlgo string

const (
	MD5    ChecksumAlgo = "md5"
	SHA1   ChecksumAlgo = "sha1"
	SHA256 ChecksumAlgo = "sha256"
)

// CheckAndSetDefaults validates the algorithm, defaulting an empty value
// to SHA256 (the pre-existing default before md5/sha1 were supported).
func (a *ChecksumAlgo) CheckAndSetDefaults() error {
	if *a == "" {
		*a = SHA256
	}
	switch *a {
	case MD5, SHA1, SHA256:
		return nil
	default:
		return trace.BadParameter("unsupported checksum algo %q", *a)
	}
}
