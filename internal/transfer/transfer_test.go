package transfer

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/core/internal/fsentry"
	"github.com/relaydesk/core/internal/localfs"
)

type memFile struct {
	data    []byte
	modTime time.Time
}

type fakeRemote struct {
	mu      sync.Mutex
	files   map[string]*memFile
	corrupt map[string]bool
}

func newFakeRemote() *fakeRemote { return &fakeRemote{files: map[string]*memFile{}} }

func (f *fakeRemote) seed(path string, data []byte, mtime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = &memFile{data: append([]byte(nil), data...), modTime: mtime}
}

func (f *fakeRemote) Stat(_ context.Context, _ string, path string) (fsentry.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mf, ok := f.files[path]
	if !ok {
		return fsentry.Entry{}, trace.NotFound("%s not found", path)
	}
	return fsentry.Entry{Name: filepath.Base(path), Path: path, Kind: fsentry.KindFile, Size: int64(len(mf.data)), ModTime: mf.modTime}, nil
}

func (f *fakeRemote) GetFile(_ context.Context, _ string, path string, w io.Writer, onProgress func(int64)) (int64, error) {
	f.mu.Lock()
	mf, ok := f.files[path]
	f.mu.Unlock()
	if !ok {
		return 0, trace.NotFound("%s not found", path)
	}
	return writeChunks(mf.data, w, onProgress)
}

func writeChunks(data []byte, w io.Writer, onProgress func(int64)) (int64, error) {
	const chunk = 4096
	var total int64
	for i := 0; i < len(data); i += chunk {
		end := i + chunk
		if end > len(data) {
			end = len(data)
		}
		n, err := w.Write(data[i:end])
		total += int64(n)
		if onProgress != nil {
			onProgress(total)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *fakeRemote) PutFile(_ context.Context, _ string, path string, r io.Reader, onProgress func(int64)) (int64, error) {
	data, err := io.ReadAll(r)
	n := int64(len(data))
	if onProgress != nil {
		onProgress(n)
	}
	if err != nil {
		return n, err
	}
	f.mu.Lock()
	f.files[path] = &memFile{data: data, modTime: time.Now()}
	f.mu.Unlock()
	return n, nil
}

func (f *fakeRemote) Delete(_ context.Context, _ string, path string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		return trace.NotFound("%s not found", path)
	}
	delete(f.files, path)
	return nil
}

func (f *fakeRemote) Rename(_ context.Context, _ string, oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	mf, ok := f.files[oldPath]
	if !ok {
		return trace.NotFound("%s not found", oldPath)
	}
	f.files[newPath] = mf
	delete(f.files, oldPath)
	return nil
}

func (f *fakeRemote) Copy(_ context.Context, _ string, srcPath, dstPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	mf, ok := f.files[srcPath]
	if !ok {
		return trace.NotFound("%s not found", srcPath)
	}
	cp := *mf
	f.files[dstPath] = &cp
	return nil
}

// markCorrupt forces Checksum to report a wrong digest for path, so tests
// can exercise a mismatch without a real data-corruption race.
func (f *fakeRemote) markCorrupt(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.corrupt == nil {
		f.corrupt = map[string]bool{}
	}
	f.corrupt[path] = true
}

func (f *fakeRemote) Checksum(_ context.Context, _ string, path string, algo fsentry.ChecksumAlgo) (string, error) {
	f.mu.Lock()
	mf, ok := f.files[path]
	corrupt := f.corrupt[path]
	f.mu.Unlock()
	if !ok {
		return "", trace.NotFound("%s not found", path)
	}
	if corrupt {
		return "0000000000000000000000000000000000000000000000000000000000000000000000", nil
	}
	return hashSum(algo, mf.data), nil
}

func hashSum(algo fsentry.ChecksumAlgo, data []byte) string {
	switch algo {
	case fsentry.MD5:
		sum := md5.Sum(data)
		return hex.EncodeToString(sum[:])
	case fsentry.SHA1:
		sum := sha1.Sum(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
}

// pausingRemote blocks after its first written chunk exactly once, giving
// tests a deterministic window in which to call Pause or Cancel.
type pausingRemote struct {
	*fakeRemote
	triggered    atomic.Bool
	chunkWritten chan struct{}
}

func newPausingRemote() *pausingRemote {
	return &pausingRemote{fakeRemote: newFakeRemote(), chunkWritten: make(chan struct{}, 1)}
}

func (r *pausingRemote) GetFile(ctx context.Context, _ string, path string, w io.Writer, onProgress func(int64)) (int64, error) {
	r.mu.Lock()
	mf, ok := r.files[path]
	r.mu.Unlock()
	if !ok {
		return 0, trace.NotFound("%s not found", path)
	}
	data := mf.data
	const chunk = 4
	var total int64
	first := !r.triggered.Swap(true)
	for i := 0; i < len(data); i += chunk {
		end := i + chunk
		if end > len(data) {
			end = len(data)
		}
		n, err := w.Write(data[i:end])
		total += int64(n)
		if onProgress != nil {
			onProgress(total)
		}
		if err != nil {
			return total, err
		}
		if i == 0 && first {
			r.chunkWritten <- struct{}{}
			<-ctx.Done()
			return total, ctx.Err()
		}
	}
	return total, nil
}

type fakeSink struct {
	mu      sync.Mutex
	updates []Job
	conf    []ConflictInfo
	summary Summary
}

func (s *fakeSink) TransferUpdate(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, job)
}

func (s *fakeSink) TransferQueueState(_ []Job, sum Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = sum
}

func (s *fakeSink) TransferConflict(info ConflictInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conf = append(s.conf, info)
}

func (s *fakeSink) latest(id string) (State, int64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st State
	var bd int64
	var em string
	for _, j := range s.updates {
		if j.ID == id {
			st, bd, em = j.State, j.BytesDone, j.Error
		}
	}
	return st, bd, em
}

func TestDownloadCompletesNoConflict(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("/r/a.txt", []byte("hello world"), time.Now())
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink})
	require.NoError(t, err)
	defer q.Shutdown()

	dst := filepath.Join(t.TempDir(), "a.txt")
	id, err := q.Add(JobSpec{Direction: Download, HostID: "h1", LocalPath: dst, RemotePath: "/r/a.txt"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	data, err := local.ReadFile(context.Background(), dst)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestUploadConflictThenRename(t *testing.T) {
	remote := newFakeRemote()
	oldMTime := time.Now().Add(-time.Hour)
	remote.seed("/r/b.txt", []byte("existing remote content!!"), oldMTime)
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink})
	require.NoError(t, err)
	defer q.Shutdown()

	src := filepath.Join(t.TempDir(), "b.txt")
	require.NoError(t, local.WriteFile(context.Background(), src, []byte("new")))

	id, err := q.Add(JobSpec{Direction: Upload, HostID: "h1", LocalPath: src, RemotePath: "/r/b.txt"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateAwaitingConflict
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.ResolveConflict(id, ActionRename))

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	jobs, _ := q.Snapshot()
	var found Job
	for _, j := range jobs {
		if j.ID == id {
			found = j
		}
	}
	require.Equal(t, "/r/b (1).txt", found.TargetPath)

	remote.mu.Lock()
	_, stillThere := remote.files["/r/b.txt"]
	renamedFile, renamedOK := remote.files["/r/b (1).txt"]
	remote.mu.Unlock()
	require.True(t, stillThere, "original target is untouched by a rename resolution")
	require.True(t, renamedOK)
	require.Equal(t, "new", string(renamedFile.data))
}

func TestSkipResolutionLeavesTargetUntouched(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("/r/c.txt", []byte("original"), time.Now().Add(-time.Hour))
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink})
	require.NoError(t, err)
	defer q.Shutdown()

	src := filepath.Join(t.TempDir(), "c.txt")
	require.NoError(t, local.WriteFile(context.Background(), src, []byte("replacement")))

	id, err := q.Add(JobSpec{Direction: Upload, HostID: "h1", LocalPath: src, RemotePath: "/r/c.txt"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateAwaitingConflict
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.ResolveConflict(id, ActionSkip))

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	_, bd, _ := sink.latest(id)
	require.Equal(t, int64(0), bd)

	remote.mu.Lock()
	defer remote.mu.Unlock()
	require.Equal(t, "original", string(remote.files["/r/c.txt"].data))
}

func TestPauseThenResumeRestartsFromZero(t *testing.T) {
	remote := newPausingRemote()
	remote.seed("/r/big.bin", []byte("0123456789abcdefghijklmnop"), time.Now())
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink})
	require.NoError(t, err)
	defer q.Shutdown()

	dst := filepath.Join(t.TempDir(), "big.bin")
	id, err := q.Add(JobSpec{Direction: Download, HostID: "h1", LocalPath: dst, RemotePath: "/r/big.bin"})
	require.NoError(t, err)

	<-remote.chunkWritten
	require.NoError(t, q.Pause(id))

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StatePaused
	}, 2*time.Second, 5*time.Millisecond)

	_, bd, _ := sink.latest(id)
	require.Greater(t, bd, int64(0))

	require.NoError(t, q.Resume(id))

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	data, err := local.ReadFile(context.Background(), dst)
	require.NoError(t, err)
	require.Equal(t, "0123456789abcdefghijklmnop", string(data))
}

func TestCancelRunningJobDeletesPartialLocalTarget(t *testing.T) {
	remote := newPausingRemote()
	remote.seed("/r/d.bin", []byte("0123456789abcdef"), time.Now())
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink})
	require.NoError(t, err)
	defer q.Shutdown()

	dst := filepath.Join(t.TempDir(), "d.bin")
	id, err := q.Add(JobSpec{Direction: Download, HostID: "h1", LocalPath: dst, RemotePath: "/r/d.bin"})
	require.NoError(t, err)

	<-remote.chunkWritten
	require.NoError(t, q.Cancel(id))

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateCancelled
	}, 2*time.Second, 5*time.Millisecond)

	_, err = local.Stat(context.Background(), dst)
	require.Error(t, err, "partial download target should be removed on cancel")
}

func TestClearCompletedRemovesTerminalJobsOnly(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("/r/e.txt", []byte("done"), time.Now())
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink})
	require.NoError(t, err)
	defer q.Shutdown()

	dst := filepath.Join(t.TempDir(), "e.txt")
	id, err := q.Add(JobSpec{Direction: Download, HostID: "h1", LocalPath: dst, RemotePath: "/r/e.txt"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	q.ClearCompleted()

	jobs, sum := q.Snapshot()
	require.Len(t, jobs, 0)
	require.Equal(t, Summary{}, sum)
}

func TestConcurrencyCapLimitsRunningJobs(t *testing.T) {
	remote := newFakeRemote()
	for _, name := range []string{"f1", "f2", "f3", "f4"} {
		remote.seed("/r/"+name, []byte("payload-"+name), time.Now())
	}
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink, Concurrency: 2})
	require.NoError(t, err)
	defer q.Shutdown()

	dir := t.TempDir()
	for _, name := range []string{"f1", "f2", "f3", "f4"} {
		_, err := q.Add(JobSpec{Direction: Download, HostID: "h1", LocalPath: filepath.Join(dir, name), RemotePath: "/r/" + name})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		jobs, _ := q.Snapshot()
		for _, j := range jobs {
			if j.State != StateCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	_, sum := q.Snapshot()
	require.Equal(t, 4, sum.Completed)
}

func TestChecksumMismatchFailsJobWithMessage(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("/r/f.txt", []byte("hello world"), time.Now())
	remote.markCorrupt("/r/f.txt")
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink})
	require.NoError(t, err)
	defer q.Shutdown()

	dst := filepath.Join(t.TempDir(), "f.txt")
	id, err := q.Add(JobSpec{
		Direction:      Download,
		HostID:         "h1",
		LocalPath:      dst,
		RemotePath:     "/r/f.txt",
		VerifyChecksum: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	_, bytesDone, errMsg := sink.latest(id)
	require.Equal(t, "checksum mismatch after transfer", errMsg)
	require.EqualValues(t, len("hello world"), bytesDone, "the copy itself still completed before verification ran")
}

func TestChecksumMatchLeavesJobCompleted(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("/r/g.txt", []byte("hello world"), time.Now())
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink})
	require.NoError(t, err)
	defer q.Shutdown()

	dst := filepath.Join(t.TempDir(), "g.txt")
	id, err := q.Add(JobSpec{
		Direction:      Download,
		HostID:         "h1",
		LocalPath:      dst,
		RemotePath:     "/r/g.txt",
		VerifyChecksum: true,
		ChecksumAlgo:   fsentry.MD5,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	_, _, errMsg := sink.latest(id)
	require.Empty(t, errMsg)
}

func TestRemoteCopyDuplicatesFileOnSameHost(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("/r/src.txt", []byte("payload"), time.Now())
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink})
	require.NoError(t, err)
	defer q.Shutdown()

	id, err := q.Add(JobSpec{Direction: RemoteCopy, HostID: "h1", RemotePath: "/r/src.txt", DestPath: "/r/dup.txt"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	remote.mu.Lock()
	_, srcStillThere := remote.files["/r/src.txt"]
	dup, dupOK := remote.files["/r/dup.txt"]
	remote.mu.Unlock()
	require.True(t, srcStillThere, "copy leaves the source in place")
	require.True(t, dupOK)
	require.Equal(t, "payload", string(dup.data))
}

func TestRemoteMoveRemovesSourceOnSameHost(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("/r/src2.txt", []byte("payload2"), time.Now())
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink})
	require.NoError(t, err)
	defer q.Shutdown()

	id, err := q.Add(JobSpec{Direction: RemoteMove, HostID: "h1", RemotePath: "/r/src2.txt", DestPath: "/r/moved2.txt"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	remote.mu.Lock()
	_, srcStillThere := remote.files["/r/src2.txt"]
	_, movedOK := remote.files["/r/moved2.txt"]
	remote.mu.Unlock()
	require.False(t, srcStillThere, "move removes the source")
	require.True(t, movedOK)
}

func TestLocalCopyAndLocalMove(t *testing.T) {
	remote := newFakeRemote()
	local := localfs.New()
	sink := &fakeSink{}

	q, err := New(Config{Remote: remote, Local: local, Sink: sink})
	require.NoError(t, err)
	defer q.Shutdown()

	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	require.NoError(t, local.WriteFile(context.Background(), src, []byte("local payload")))

	copyDst := filepath.Join(dir, "a-copy.txt")
	id, err := q.Add(JobSpec{Direction: LocalCopy, LocalPath: src, DestPath: copyDst})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
	_, err = local.Stat(context.Background(), src)
	require.NoError(t, err, "copy leaves the source in place")
	data, err := local.ReadFile(context.Background(), copyDst)
	require.NoError(t, err)
	require.Equal(t, "local payload", string(data))

	moveDst := filepath.Join(dir, "a-moved.txt")
	id, err = q.Add(JobSpec{Direction: LocalMove, LocalPath: copyDst, DestPath: moveDst})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _, _ := sink.latest(id)
		return st == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
	_, err = local.Stat(context.Background(), copyDst)
	require.Error(t, err, "move removes the source")
	data, err = local.ReadFile(context.Background(), moveDst)
	require.NoError(t, err)
	require.Equal(t, "local payload", string(data))
}
