package editfly

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu     sync.Mutex
	files  map[string][]byte
	putErr error // when set, PutFile fails with it and stores nothing
}

func newFakeRemote(seed map[string]string) *fakeRemote {
	f := &fakeRemote{files: map[string][]byte{}}
	for k, v := range seed {
		f.files[k] = []byte(v)
	}
	return f
}

func (f *fakeRemote) GetFile(_ context.Context, _ string, path string, w io.Writer, _ func(int64)) (int64, error) {
	f.mu.Lock()
	data := f.files[path]
	f.mu.Unlock()
	n, err := w.Write(data)
	return int64(n), err
}

func (f *fakeRemote) PutFile(_ context.Context, _ string, path string, r io.Reader, _ func(int64)) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return 0, f.putErr
	}
	f.files[path] = data
	return int64(len(data)), nil
}

func (f *fakeRemote) get(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.files[path])
}

type fakeSink struct {
	mu      sync.Mutex
	ok      []string
	failed  []string
	lastErr error
}

func (s *fakeSink) WriteBackFailed(watcherID, _, _ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, watcherID)
	s.lastErr = err
}

func (s *fakeSink) WriteBackSucceeded(watcherID, _, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ok = append(s.ok, watcherID)
}

func (s *fakeSink) successCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ok)
}

func (s *fakeSink) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

func newTestHandler(t *testing.T, remote *fakeRemote, sink *fakeSink) *Handler {
	t.Helper()
	h, err := New(Config{
		Remote:           remote,
		Sink:             sink,
		Clock:            clockwork.NewRealClock(),
		TempDir:          t.TempDir(),
		DebounceInterval: 20 * time.Millisecond,
		SweepInterval:    time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(h.Shutdown)
	return h
}

func TestOpenDownloadsRemoteFile(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/r/a.txt": "hello"})
	sink := &fakeSink{}
	h := newTestHandler(t, remote, sink)

	sess, err := h.Open(context.Background(), "h1", "/r/a.txt")
	require.NoError(t, err)
	require.FileExists(t, sess.LocalPath)

	data, err := os.ReadFile(sess.LocalPath)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.Contains(t, filepath.Base(sess.LocalPath), "a.txt")
}

func TestSaveTriggersExactlyOneWriteBack(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/r/b.txt": "original"})
	sink := &fakeSink{}
	h := newTestHandler(t, remote, sink)

	sess, err := h.Open(context.Background(), "h1", "/r/b.txt")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(sess.LocalPath, []byte("edited"), 0o600))

	require.Eventually(t, func() bool {
		return remote.get("/r/b.txt") == "edited"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return sink.successCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A second write with identical content must not trigger another
	// upload once the hash-based writeback already ran.
	require.NoError(t, os.WriteFile(sess.LocalPath, []byte("edited"), 0o600))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, sink.successCount())
}

func TestCloseDeletesTempFile(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/r/c.txt": "x"})
	sink := &fakeSink{}
	h := newTestHandler(t, remote, sink)

	sess, err := h.Open(context.Background(), "h1", "/r/c.txt")
	require.NoError(t, err)
	require.NoError(t, h.Close(sess.WatcherID))

	_, err = os.Stat(sess.LocalPath)
	require.True(t, os.IsNotExist(err))

	require.Len(t, h.Sessions(), 0)
}

func TestWriteBackFailureKeepsTempFile(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/r/d.txt": "v1"})
	sink := &fakeSink{}
	h := newTestHandler(t, remote, sink)

	sess, err := h.Open(context.Background(), "h1", "/r/d.txt")
	require.NoError(t, err)

	// Make every upload after the open fail, then save: the failure is
	// reported to the sink, the remote keeps its old content, and the temp
	// file stays in place.
	remote.mu.Lock()
	remote.putErr = errors.New("remote write refused")
	remote.mu.Unlock()
	require.NoError(t, os.WriteFile(sess.LocalPath, []byte("v2"), 0o600))

	require.Eventually(t, func() bool {
		return sink.failureCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "v1", remote.get("/r/d.txt"))
	require.FileExists(t, sess.LocalPath)
}

func TestSweepRemovesStaleOrphanedFiles(t *testing.T) {
	remote := newFakeRemote(nil)
	sink := &fakeSink{}
	clock := clockwork.NewFakeClock()
	tmp := t.TempDir()

	h, err := New(Config{
		Remote:        remote,
		Sink:          sink,
		Clock:         clock,
		TempDir:       tmp,
		StaleAge:      time.Hour,
		SweepInterval: time.Minute,
	})
	require.NoError(t, err)
	defer h.Shutdown()

	orphan := filepath.Join(tmp, "12345678_orphan.txt")
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0o600))
	require.NoError(t, os.Chtimes(orphan, clock.Now().Add(-2*time.Hour), clock.Now().Add(-2*time.Hour)))

	clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		_, err := os.Stat(orphan)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}
