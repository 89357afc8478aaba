package hostkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{Path: filepath.Join(dir, "nested", "known_hosts")})
	require.NoError(t, err)
	return s
}

// testKey generates a fresh ed25519 host key and returns its algo name and
// wire-format bytes, the same shape pool.go hands to Verify/Accept. Accept
// round-trips every record through the real ssh known_hosts grammar, so
// tests need genuine parseable keys rather than arbitrary byte strings.
func testKey(t *testing.T) (algo string, keyBytes []byte) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signerPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return signerPub.Type(), signerPub.Marshal()
}

func TestVerifyUnknownForFreshHost(t *testing.T) {
	s := newTestStore(t)
	algo, keyA := testKey(t)
	status, err := s.Verify("example.com", 22, algo, keyA)
	require.NoError(t, err)
	require.Equal(t, Unknown, status)
}

func TestAcceptThenVerifyValid(t *testing.T) {
	s := newTestStore(t)
	algo, keyA := testKey(t)
	require.NoError(t, s.Accept("example.com", 22, algo, keyA))

	status, err := s.Verify("example.com", 22, algo, keyA)
	require.NoError(t, err)
	require.Equal(t, Valid, status)
}

func TestVerifyChangedOnKeyRotation(t *testing.T) {
	s := newTestStore(t)
	algo, keyA := testKey(t)
	_, keyB := testKey(t)
	require.NoError(t, s.Accept("example.com", 22, algo, keyA))

	status, err := s.Verify("example.com", 22, algo, keyB)
	require.NoError(t, err)
	require.Equal(t, Changed, status)
}

func TestRecordsAreScopedByPortAndAlgo(t *testing.T) {
	s := newTestStore(t)
	algo, keyA := testKey(t)
	require.NoError(t, s.Accept("example.com", 22, algo, keyA))

	status, err := s.Verify("example.com", 2222, algo, keyA)
	require.NoError(t, err)
	require.Equal(t, Unknown, status, "different port is a different record")

	status, err = s.Verify("example.com", 22, "ssh-rsa", keyA)
	require.NoError(t, err)
	require.Equal(t, Unknown, status, "different algo is a different record")
}

func TestAcceptPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	algo, keyA := testKey(t)

	s1, err := New(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s1.Accept("example.com", 22, algo, keyA))

	s2, err := New(Config{Path: path})
	require.NoError(t, err)
	status, err := s2.Verify("example.com", 22, algo, keyA)
	require.NoError(t, err)
	require.Equal(t, Valid, status)
}

func TestMissingFileIsUnknownNeverValid(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Path: filepath.Join(dir, "does-not-exist")})
	require.NoError(t, err)

	_, keyA := testKey(t)
	status, err := s.Verify("anything", 22, "ssh-ed25519", keyA)
	require.NoError(t, err)
	require.Equal(t, Unknown, status)
}

func TestKeyRotationOverwritesRecord(t *testing.T) {
	s := newTestStore(t)
	algo, keyA := testKey(t)
	_, keyB := testKey(t)
	require.NoError(t, s.Accept("example.com", 22, algo, keyA))
	require.NoError(t, s.Accept("example.com", 22, algo, keyB))

	status, err := s.Verify("example.com", 22, algo, keyA)
	require.NoError(t, err)
	require.Equal(t, Changed, status)

	status, err = s.Verify("example.com", 22, algo, keyB)
	require.NoError(t, err)
	require.Equal(t, Valid, status)
}
