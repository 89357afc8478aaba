package transfer

import (
	"context"
	"io"
	"sync"

	"github.com/gravitational/trace"
)

// copy streams the job's source into its (possibly conflict-renamed)
// target through an in-memory pipe, so the two backends never need to
// know about each other. Cancelling ctx closes both ends of the pipe,
// which unblocks whichever side is currently in a Read or Write and
// halts the transfer at its current chunk boundary.
func (q *Queue) copy(ctx context.Context, j *job) (int64, error) {
	pr, pw := io.Pipe()

	unblock := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			pr.CloseWithError(ctx.Err())
			pw.CloseWithError(ctx.Err())
		case <-unblock:
		}
	}()
	defer close(unblock)

	progress := q.makeProgress(j)

	var wg sync.WaitGroup
	wg.Add(2)

	var getErr, putErr error
	var putN int64

	go func() {
		defer wg.Done()
		var err error
		if j.spec.Direction == Upload {
			_, err = q.cfg.Local.GetFile(ctx, j.spec.LocalPath, pw, progress)
		} else {
			_, err = q.cfg.Remote.GetFile(ctx, j.spec.HostID, j.spec.RemotePath, pw, progress)
		}
		getErr = err
		pw.CloseWithError(err)
	}()

	go func() {
		defer wg.Done()
		q.mu.Lock()
		target := j.targetPath
		q.mu.Unlock()

		var err error
		if j.spec.Direction == Upload {
			putN, err = q.cfg.Remote.PutFile(ctx, j.spec.HostID, target, pr, nil)
		} else {
			putN, err = q.cfg.Local.PutFile(ctx, target, pr, nil)
		}
		putErr = err
	}()

	wg.Wait()

	if getErr != nil && getErr != io.EOF {
		return putN, trace.Wrap(getErr)
	}
	if putErr != nil {
		return putN, trace.Wrap(putErr)
	}
	return putN, nil
}

// copySameSide handles RemoteCopy/RemoteMove/LocalCopy/LocalMove, which
// read and write through a single backend rather than streaming across
// the local/remote boundary. These delegate straight to C7/C8's own
// Copy/Rename, so there is no progress callback to wire up; the job's
// size (recorded during the conflict check) becomes bytes_done in one
// step once the backend call returns.
func (q *Queue) copySameSide(ctx context.Context, j *job) (int64, error) {
	q.mu.Lock()
	src := j.spec.sourcePath()
	dst := j.targetPath
	size := j.sizeBytes
	hostID := j.spec.HostID
	direction := j.spec.Direction
	q.mu.Unlock()

	var err error
	switch direction {
	case RemoteCopy:
		err = q.cfg.Remote.Copy(ctx, hostID, src, dst)
	case RemoteMove:
		err = q.cfg.Remote.Rename(ctx, hostID, src, dst)
	case LocalCopy:
		err = q.cfg.Local.Copy(ctx, src, dst)
	case LocalMove:
		err = q.cfg.Local.Rename(ctx, src, dst)
	default:
		return 0, trace.BadParameter("copySameSide called for direction %q", direction)
	}
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return size, nil
}

// makeProgress returns the onProgress callback handed to the source-side
// backend call, recording bytes_done and rate-limiting TransferUpdate
// emission to Config.ProgressInterval.
func (q *Queue) makeProgress(j *job) func(int64) {
	return func(copied int64) {
		q.mu.Lock()
		j.bytesDone = copied
		now := q.cfg.Clock.Now()
		j.lastProgressAt = now
		shouldEmit := now.Sub(j.lastEmitAt) >= q.cfg.ProgressInterval
		if shouldEmit {
			j.lastEmitAt = now
		}
		q.mu.Unlock()

		if shouldEmit {
			q.emitUpdate(j)
		}
	}
}
