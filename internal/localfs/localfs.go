// Package localfs implements C8: the local-filesystem mirror of C7's
// surface, so transfer and edit-on-fly operations can treat "local" and
// "remote" endpoints uniformly through fsentry.Entry. It does not
// sandbox paths; the workbench runs as the user's own account and trusts
// it the way a desktop file manager would.
package localfs

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/gravitational/trace"

	"github.com/relaydesk/core/internal/fsentry"
)

// Service implements C8.
type Service struct{}

// New constructs a local filesystem service.
func New() *Service { return &Service{} }

// List returns the contents of a local directory.
func (s *Service) List(_ context.Context, dir string) ([]fsentry.Entry, error) {
	infos, err := os.ReadDir(dir)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	out := make([]fsentry.Entry, 0, len(infos))
	for _, de := range infos {
		fi, err := de.Info()
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		out = append(out, toEntry(filepath.Join(dir, fi.Name()), fi))
	}
	return out, nil
}

// Stat returns metadata for a local path.
func (s *Service) Stat(_ context.Context, p string) (fsentry.Entry, error) {
	fi, err := os.Lstat(p)
	if err != nil {
		return fsentry.Entry{}, trace.ConvertSystemError(err)
	}
	return toEntry(p, fi), nil
}

// Mkdir creates a local directory and any missing parents.
func (s *Service) Mkdir(_ context.Context, p string) error {
	return trace.ConvertSystemError(os.MkdirAll(p, 0o755))
}

// Delete removes a local file, or recursively removes a directory.
func (s *Service) Delete(_ context.Context, p string, recursive bool) error {
	fi, err := os.Lstat(p)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if fi.IsDir() && !recursive {
		entries, err := os.ReadDir(p)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		if len(entries) > 0 {
			return trace.BadParameter("%q is a non-empty directory; recursive delete was not requested", p)
		}
		return trace.ConvertSystemError(os.Remove(p))
	}
	if fi.IsDir() {
		return trace.ConvertSystemError(os.RemoveAll(p))
	}
	return trace.ConvertSystemError(os.Remove(p))
}

// Rename moves a local path.
func (s *Service) Rename(_ context.Context, oldPath, newPath string) error {
	return trace.ConvertSystemError(os.Rename(oldPath, newPath))
}

// CreateSymlink creates a local symlink at linkPath pointing at target.
func (s *Service) CreateSymlink(_ context.Context, target, linkPath string) error {
	return trace.ConvertSystemError(os.Symlink(target, linkPath))
}

// ReadFile reads the full contents of a local file.
func (s *Service) ReadFile(_ context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	return data, trace.ConvertSystemError(err)
}

// WriteFile overwrites a local file with the given contents.
func (s *Service) WriteFile(_ context.Context, p string, data []byte) error {
	return trace.ConvertSystemError(os.WriteFile(p, data, 0o644))
}

// GetFile streams a local file's contents into w.
func (s *Service) GetFile(_ context.Context, p string, w io.Writer, onProgress func(copied int64)) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	defer f.Close()
	n, err := copyWithProgress(w, f, onProgress)
	return n, trace.Wrap(err)
}

// PutFile streams r into a local file, creating or truncating it.
func (s *Service) PutFile(_ context.Context, p string, r io.Reader, onProgress func(copied int64)) (int64, error) {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	defer f.Close()
	n, err := copyWithProgress(f, r, onProgress)
	return n, trace.Wrap(err)
}

func copyWithProgress(dst io.Writer, src io.Reader, onProgress func(int64)) (int64, error) {
	buf := make([]byte, 256*1024)
	var total int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			total += int64(nw)
			if onProgress != nil {
				onProgress(total)
			}
			if werr != nil {
				return total, werr
			}
			if nw != nr {
				return total, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

// Copy duplicates a local file or directory tree, using the platform
// "cp -a" when available (preserves attrs cheaply) and falling back to a
// manual walk-and-copy otherwise.
func (s *Service) Copy(ctx context.Context, srcPath, dstPath string) error {
	if err := exec.CommandContext(ctx, "cp", "-a", "--", srcPath, dstPath).Run(); err == nil {
		return nil
	}
	return trace.Wrap(copyWalk(srcPath, dstPath))
}

func copyWalk(srcPath, dstPath string) error {
	fi, err := os.Lstat(srcPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if fi.IsDir() {
		if err := os.MkdirAll(dstPath, fi.Mode().Perm()); err != nil {
			return trace.ConvertSystemError(err)
		}
		entries, err := os.ReadDir(srcPath)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		for _, e := range entries {
			if err := copyWalk(filepath.Join(srcPath, e.Name()), filepath.Join(dstPath, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer src.Close()
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return trace.Wrap(err)
}

// Checksum computes a digest of a local file using the requested algorithm.
func (s *Service) Checksum(_ context.Context, p string, algo fsentry.ChecksumAlgo) (string, error) {
	if err := algo.CheckAndSetDefaults(); err != nil {
		return "", trace.Wrap(err)
	}
	f, err := os.Open(p)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	defer f.Close()

	var h hash.Hash
	switch algo {
	case fsentry.MD5:
		h = md5.New()
	case fsentry.SHA1:
		h = sha1.New()
	default:
		h = sha256.New()
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func toEntry(p string, fi os.FileInfo) fsentry.Entry {
	kind := fsentry.KindFile
	switch {
	case fi.IsDir():
		kind = fsentry.KindDirectory
	case fi.Mode()&os.ModeSymlink != 0:
		kind = fsentry.KindSymlink
	}

	return fsentry.Entry{
		Name:        fi.Name(),
		Path:        p,
		Kind:        kind,
		Size:        fi.Size(),
		Permissions: uint32(fi.Mode().Perm()),
		ModTime:     fi.ModTime(),
	}
}
