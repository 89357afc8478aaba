package sftpsvc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydesk/core/internal/fsentry"
	"github.com/relaydesk/core/internal/hostkeys"
	"github.com/relaydesk/core/internal/pool"
	"github.com/relaydesk/core/internal/registry"
	"github.com/relaydesk/core/internal/sshtest"
)

type staticHosts struct{ h registry.Host }

func (s staticHosts) Get(id string) (registry.Host, error) { return s.h, nil }

type noCredentials struct{}

func (noCredentials) Get(id string) (registry.Credential, error) { return registry.Credential{}, errNF }
func (noCredentials) Secret(id string) ([]byte, error)           { return nil, errNF }

type staticSecrets struct{ password []byte }

func (s staticSecrets) Get(key string) ([]byte, error) { return s.password, nil }

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

const errNF = simpleErr("not found")

type autoAcceptHostKeys struct{}

func (autoAcceptHostKeys) Verify(hostname string, port int, algo string, keyBytes []byte) (hostkeys.Status, error) {
	return hostkeys.Unknown, nil
}
func (autoAcceptHostKeys) Accept(hostname string, port int, algo string, keyBytes []byte) error {
	return nil
}

type autoAcceptDecider struct{}

func (autoAcceptDecider) RequestDecision(ctx context.Context, hostname string, port int, algo string, keyBytes []byte, status hostkeys.Status) (bool, error) {
	return true, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	srv, _, err := sshtest.New(sshtest.WithPassword("secret"))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	_, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p, err := pool.New(pool.Config{
		Hosts: staticHosts{h: registry.Host{
			ID:       "h1",
			Hostname: "127.0.0.1",
			Port:     port,
			Username: "test",
			AuthType: registry.AuthPassword,
		}},
		Credentials:    noCredentials{},
		Secrets:        staticSecrets{password: []byte("secret")},
		HostKeys:       autoAcceptHostKeys{},
		HostKeyDecider: autoAcceptDecider{},
	})
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)

	svc, err := New(Config{Pool: p})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return svc
}

func TestWriteReadListStatDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()
	filePath := filepath.Join(dir, "greeting.txt")

	require.NoError(t, svc.WriteFile(ctx, "h1", filePath, []byte("hello world")))

	data, err := svc.ReadFile(ctx, "h1", filePath)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	entries, err := svc.List(ctx, "h1", dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "greeting.txt", entries[0].Name)

	st, err := svc.Stat(ctx, "h1", filePath)
	require.NoError(t, err)
	require.False(t, st.IsDir())
	require.Equal(t, int64(len("hello world")), st.Size)

	require.NoError(t, svc.Delete(ctx, "h1", filePath, false))
	_, err = svc.Stat(ctx, "h1", filePath)
	require.Error(t, err)
}

func TestMkdirRenameAndRecursiveDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()

	sub := filepath.Join(dir, "a", "b")
	require.NoError(t, svc.Mkdir(ctx, "h1", sub))
	require.NoError(t, svc.WriteFile(ctx, "h1", filepath.Join(sub, "f.txt"), []byte("x")))

	renamed := filepath.Join(dir, "a-renamed")
	require.NoError(t, svc.Rename(ctx, "h1", filepath.Join(dir, "a"), renamed))

	_, err := svc.Stat(ctx, "h1", filepath.Join(renamed, "b", "f.txt"))
	require.NoError(t, err)

	err = svc.Delete(ctx, "h1", renamed, false)
	require.Error(t, err, "non-recursive delete of a directory should fail")

	require.NoError(t, svc.Delete(ctx, "h1", renamed, true))
	_, err = os.Stat(renamed)
	require.True(t, os.IsNotExist(err))
}

func TestCopyDuplicatesRemoteFile(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, svc.WriteFile(ctx, "h1", src, []byte("copy me")))

	require.NoError(t, svc.Copy(ctx, "h1", src, dst))

	got, err := svc.ReadFile(ctx, "h1", dst)
	require.NoError(t, err)
	require.Equal(t, "copy me", string(got))
}

func TestChecksumMatchesLocalSha256(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()
	p := filepath.Join(dir, "f.bin")
	require.NoError(t, svc.WriteFile(ctx, "h1", p, []byte("the quick brown fox")))

	sum, err := svc.Checksum(ctx, "h1", p, fsentry.SHA256)
	require.NoError(t, err)
	require.Len(t, sum, 64)
	want := sha256.Sum256([]byte("the quick brown fox"))
	require.Equal(t, hex.EncodeToString(want[:]), sum)

	var buf bytes.Buffer
	n, err := svc.GetFile(ctx, "h1", p, &buf, nil)
	require.NoError(t, err)
	require.Equal(t, int64(len("the quick brown fox")), n)
}

func TestChecksumSupportsMD5AndSHA1(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()
	p := filepath.Join(dir, "f2.bin")
	require.NoError(t, svc.WriteFile(ctx, "h1", p, []byte("the quick brown fox")))

	md5Sum, err := svc.Checksum(ctx, "h1", p, fsentry.MD5)
	require.NoError(t, err)
	require.Len(t, md5Sum, 32)

	sha1Sum, err := svc.Checksum(ctx, "h1", p, fsentry.SHA1)
	require.NoError(t, err)
	require.Len(t, sha1Sum, 40)

	require.NotEqual(t, md5Sum, sha1Sum)
}

func TestPutFileStreamsIntoRemote(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()
	p := filepath.Join(dir, "put.txt")

	n, err := svc.PutFile(ctx, "h1", p, bytes.NewBufferString("streamed content"), nil)
	require.NoError(t, err)
	require.Equal(t, int64(len("streamed content")), n)

	got, err := svc.ReadFile(ctx, "h1", p)
	require.NoError(t, err)
	require.Equal(t, "streamed content", string(got))
}
