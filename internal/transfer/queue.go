package transfer

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/relaydesk/core/internal/fsentry"
)

// Config configures the Queue.
type Config struct {
	Remote RemoteFS
	Local  LocalFS
	Sink   Sink
	Clock  clockwork.Clock
	Log    *logrus.Entry

	// Concurrency is the scheduling cap N (spec §4.8 default 3).
	Concurrency int
	// StallTimeout fails a running job if no progress is observed for
	// this long (spec §5 default 30s).
	StallTimeout time.Duration
	// ProgressInterval bounds how often TransferUpdate fires for a single
	// job while bytes are flowing (spec §4.8: "≤ 10 Hz").
	ProgressInterval time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Remote == nil {
		return trace.BadParameter("missing remote filesystem backend")
	}
	if c.Local == nil {
		return trace.BadParameter("missing local filesystem backend")
	}
	if c.Sink == nil {
		return trace.BadParameter("missing event sink")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "transfer")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 30 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 100 * time.Millisecond
	}
	return nil
}

// job is the mutable runtime record behind one Job snapshot. Every field
// is read and written only while Queue.mu is held; copy loops touch it
// exclusively through Queue helper methods that take the lock.
type job struct {
	id         string
	spec       JobSpec
	state      State
	bytesDone  int64
	sizeBytes  int64
	errMsg     string
	createdAt  time.Time
	updatedAt  time.Time
	targetPath string

	cancel          context.CancelFunc
	pauseRequested  bool
	cancelRequested bool
	resolveCh       chan ConflictAction
	lastProgressAt  time.Time
	lastEmitAt      time.Time

	// conflictChecked is set once the pre-write conflict check has run
	// for this job's original attempt. A resume restarts the stream
	// against a target that may now exist as a partial file from the
	// paused attempt (spec §4.8: resume truncates and rewrites); it must
	// not be mistaken for a user-visible conflict a second time.
	conflictChecked bool
}

func (j *job) snapshot() Job {
	return Job{
		ID:         j.id,
		Spec:       j.spec,
		State:      j.state,
		BytesDone:  j.bytesDone,
		SizeBytes:  j.sizeBytes,
		Error:      j.errMsg,
		CreatedAt:  j.createdAt,
		UpdatedAt:  j.updatedAt,
		TargetPath: j.targetPath,
	}
}

// Queue implements C9: the transfer scheduler.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	running int
	closed  bool
}

// New constructs a Queue. It does not start any background goroutine;
// scheduling happens inline as jobs are added and as running slots free.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Queue{cfg: cfg, jobs: make(map[string]*job)}, nil
}

// Add enqueues a new transfer and returns its id.
func (q *Queue) Add(spec JobSpec) (string, error) {
	switch spec.Direction {
	case Upload, Download:
		if spec.HostID == "" {
			return "", trace.BadParameter("missing host id")
		}
		if spec.LocalPath == "" || spec.RemotePath == "" {
			return "", trace.BadParameter("missing local or remote path")
		}
	case RemoteCopy, RemoteMove:
		if spec.HostID == "" {
			return "", trace.BadParameter("missing host id")
		}
		if spec.RemotePath == "" || spec.DestPath == "" {
			return "", trace.BadParameter("missing source or destination path")
		}
	case LocalCopy, LocalMove:
		if spec.LocalPath == "" || spec.DestPath == "" {
			return "", trace.BadParameter("missing source or destination path")
		}
	default:
		return "", trace.BadParameter("unknown transfer direction %q", spec.Direction)
	}

	now := q.cfg.Clock.Now()
	j := &job{
		id:         uuid.NewString(),
		spec:       spec,
		state:      StatePending,
		createdAt:  now,
		updatedAt:  now,
		targetPath: targetOf(spec),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", trace.BadParameter("queue is shut down")
	}
	q.jobs[j.id] = j
	q.order = append(q.order, j.id)
	q.mu.Unlock()

	q.emitUpdate(j)
	q.scheduleAndEmitState()
	return j.id, nil
}

func targetOf(spec JobSpec) string {
	switch spec.Direction {
	case Upload:
		return spec.RemotePath
	case Download:
		return spec.LocalPath
	default: // RemoteCopy, RemoteMove, LocalCopy, LocalMove
		return spec.DestPath
	}
}

// Pause halts a running job at its next chunk boundary.
func (q *Queue) Pause(jobID string) error {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return trace.NotFound("transfer %q not found", jobID)
	}
	if j.state != StateRunning {
		q.mu.Unlock()
		return trace.BadParameter("transfer %q is not running", jobID)
	}
	j.pauseRequested = true
	cancel := j.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Resume restarts a paused job from the beginning of the stream.
func (q *Queue) Resume(jobID string) error {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return trace.NotFound("transfer %q not found", jobID)
	}
	if j.state != StatePaused {
		q.mu.Unlock()
		return trace.BadParameter("transfer %q is not paused", jobID)
	}
	j.state = StatePending
	j.bytesDone = 0
	j.updatedAt = q.cfg.Clock.Now()
	q.mu.Unlock()

	q.emitUpdate(j)
	q.scheduleAndEmitState()
	return nil
}

// Cancel terminates a job, whatever state it is in, and deletes any
// partial target we created.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return trace.NotFound("transfer %q not found", jobID)
	}

	switch j.state {
	case StateCompleted, StateFailed, StateCancelled:
		q.mu.Unlock()
		return trace.BadParameter("transfer %q already finished", jobID)
	case StateRunning:
		j.cancelRequested = true
		cancel := j.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	case StateAwaitingConflict:
		ch := j.resolveCh
		q.mu.Unlock()
		select {
		case ch <- ActionCancel:
		default:
		}
		return nil
	default: // Pending, Paused
		j.cancelRequested = true
		started := j.conflictChecked
		q.mu.Unlock()
		if started {
			q.deleteTarget(context.Background(), j)
		}
		q.finish(j, StateCancelled, "")
		q.scheduleAndEmitState()
		return nil
	}
}

// ResolveConflict answers a job's AwaitingConflict state.
func (q *Queue) ResolveConflict(jobID string, action ConflictAction) error {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return trace.NotFound("transfer %q not found", jobID)
	}
	if j.state != StateAwaitingConflict {
		q.mu.Unlock()
		return trace.BadParameter("transfer %q is not awaiting a conflict decision", jobID)
	}
	ch := j.resolveCh
	q.mu.Unlock()

	select {
	case ch <- action:
		return nil
	default:
		return trace.BadParameter("transfer %q conflict was already resolved", jobID)
	}
}

// ClearCompleted drops every job in a terminal state.
func (q *Queue) ClearCompleted() {
	q.mu.Lock()
	kept := q.order[:0:0]
	for _, id := range q.order {
		j := q.jobs[id]
		if j.state.IsTerminal() {
			delete(q.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	q.mu.Unlock()

	q.emitQueueState()
}

// Snapshot returns the current job list and summary.
func (q *Queue) Snapshot() ([]Job, Summary) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() ([]Job, Summary) {
	jobs := make([]Job, 0, len(q.order))
	var sum Summary
	for _, id := range q.order {
		j := q.jobs[id]
		jobs = append(jobs, j.snapshot())
		switch j.state {
		case StatePending:
			sum.Pending++
		case StateRunning:
			sum.Running++
		case StatePaused:
			sum.Paused++
		case StateAwaitingConflict:
			sum.AwaitingConflict++
		case StateCompleted:
			sum.Completed++
		case StateFailed:
			sum.Failed++
		case StateCancelled:
			sum.Cancelled++
		}
	}
	return jobs, sum
}

// Shutdown cancels every running job (marking it Cancelled) and stops
// scheduling further work.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	var cancels []context.CancelFunc
	var resolveChs []chan ConflictAction
	for _, id := range q.order {
		j := q.jobs[id]
		switch j.state {
		case StateRunning:
			if j.cancel != nil {
				j.cancelRequested = true
				cancels = append(cancels, j.cancel)
			}
		case StateAwaitingConflict:
			if j.resolveCh != nil {
				resolveChs = append(resolveChs, j.resolveCh)
			}
		}
	}
	q.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	for _, ch := range resolveChs {
		select {
		case ch <- ActionCancel:
		default:
		}
	}
}

// scheduleAndEmitState dispatches as many Pending jobs as the cap allows
// and publishes the resulting queue-wide summary.
func (q *Queue) scheduleAndEmitState() {
	q.mu.Lock()
	if !q.closed {
		for q.running < q.cfg.Concurrency {
			j := q.nextPendingLocked()
			if j == nil {
				break
			}
			q.running++
			go q.runJob(j)
		}
	}
	jobs, sum := q.snapshotLocked()
	q.mu.Unlock()

	q.cfg.Sink.TransferQueueState(jobs, sum)
}

func (q *Queue) emitQueueState() {
	jobs, sum := q.Snapshot()
	q.cfg.Sink.TransferQueueState(jobs, sum)
}

func (q *Queue) nextPendingLocked() *job {
	for _, id := range q.order {
		j := q.jobs[id]
		if j.state == StatePending {
			return j
		}
	}
	return nil
}

func (q *Queue) emitUpdate(j *job) {
	q.mu.Lock()
	snap := j.snapshot()
	q.mu.Unlock()
	q.cfg.Sink.TransferUpdate(snap)
}

// runJob executes one job attempt start to finish. It always releases its
// running slot and re-triggers scheduling before returning.
func (q *Queue) runJob(j *job) {
	ctx, cancel := context.WithCancel(context.Background())

	q.mu.Lock()
	j.state = StateRunning
	j.cancel = cancel
	j.updatedAt = q.cfg.Clock.Now()
	j.lastProgressAt = q.cfg.Clock.Now()
	q.mu.Unlock()
	q.emitUpdate(j)

	defer func() {
		cancel()
		q.mu.Lock()
		q.running--
		q.mu.Unlock()
		q.scheduleAndEmitState()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go q.watchStall(j, ctx, cancel, stop)

	q.mu.Lock()
	skipConflictCheck := j.conflictChecked
	j.conflictChecked = true
	q.mu.Unlock()

	var conflict bool
	var srcEntry fsentry.Entry
	if !skipConflictCheck {
		var err error
		conflict, srcEntry, err = q.checkConflict(ctx, j)
		if err != nil {
			q.finishFromRun(j, err)
			return
		}
	}

	if conflict {
		action, ok := q.awaitConflictResolution(ctx, j, srcEntry)
		if !ok {
			return // finished (cancelled) already
		}
		switch action {
		case ActionSkip:
			q.finish(j, StateCompleted, "")
			return
		case ActionCancel:
			q.finish(j, StateCancelled, "")
			return
		case ActionRename:
			renamed, err := q.nextAvailableName(ctx, j)
			if err != nil {
				q.finishFromRun(j, err)
				return
			}
			q.mu.Lock()
			j.targetPath = renamed
			q.mu.Unlock()
		case ActionOverwrite:
			// proceed with the original target path.
		default:
			q.finishFromRun(j, trace.BadParameter("unknown conflict resolution %q", action))
			return
		}
		q.mu.Lock()
		j.state = StateRunning
		q.mu.Unlock()
		q.emitUpdate(j)
	}

	var n int64
	var err error
	if j.spec.Direction == Upload || j.spec.Direction == Download {
		n, err = q.copy(ctx, j)
	} else {
		n, err = q.copySameSide(ctx, j)
	}
	if err != nil {
		q.handleCopyError(j, err)
		return
	}

	var checksumErr string
	if j.spec.VerifyChecksum {
		checksumErr = q.verifyChecksum(ctx, j)
	}

	q.mu.Lock()
	j.bytesDone = n
	q.mu.Unlock()
	if checksumErr != "" {
		q.finish(j, StateFailed, checksumErr)
		return
	}
	q.finish(j, StateCompleted, "")
}

// handleCopyError distinguishes pause/cancel (which are not failures)
// from genuine transport errors.
func (q *Queue) handleCopyError(j *job, copyErr error) {
	q.mu.Lock()
	paused := j.pauseRequested
	cancelled := j.cancelRequested
	j.pauseRequested = false
	j.cancelRequested = false
	q.mu.Unlock()

	switch {
	case cancelled:
		q.deleteTarget(context.Background(), j)
		q.finish(j, StateCancelled, "")
	case paused:
		q.finish(j, StatePaused, "")
	default:
		q.finish(j, StateFailed, copyErr.Error())
	}
}

func (q *Queue) finishFromRun(j *job, err error) {
	q.finish(j, StateFailed, err.Error())
}

func (q *Queue) finish(j *job, state State, errMsg string) {
	q.mu.Lock()
	j.state = state
	j.errMsg = errMsg
	j.updatedAt = q.cfg.Clock.Now()
	q.mu.Unlock()
	q.emitUpdate(j)
}

// watchStall fails a running job that stops making progress for
// StallTimeout.
func (q *Queue) watchStall(j *job, ctx context.Context, cancel context.CancelFunc, stop <-chan struct{}) {
	ticker := q.cfg.Clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			q.mu.Lock()
			idle := q.cfg.Clock.Now().Sub(j.lastProgressAt)
			q.mu.Unlock()
			if idle > q.cfg.StallTimeout {
				q.mu.Lock()
				j.errMsg = "transfer stalled: no progress within timeout"
				q.mu.Unlock()
				cancel()
				return
			}
		}
	}
}

// checkConflict stats the source and, if a target already exists and
// differs in size or mtime, reports a conflict.
func (q *Queue) checkConflict(ctx context.Context, j *job) (bool, fsentry.Entry, error) {
	srcEntry, err := q.statSource(ctx, j)
	if err != nil {
		return false, fsentry.Entry{}, trace.Wrap(err)
	}
	q.mu.Lock()
	j.sizeBytes = srcEntry.Size
	q.mu.Unlock()

	tgtEntry, err := q.statTarget(ctx, j)
	if trace.IsNotFound(err) {
		return false, srcEntry, nil
	}
	if err != nil {
		return false, srcEntry, trace.Wrap(err)
	}
	if tgtEntry.Size != srcEntry.Size || !tgtEntry.ModTime.Equal(srcEntry.ModTime) {
		return true, srcEntry, nil
	}
	return false, srcEntry, nil
}

func (q *Queue) statSource(ctx context.Context, j *job) (fsentry.Entry, error) {
	src := j.spec.sourcePath()
	if j.spec.Direction.SourceSide() == SideLocal {
		return q.cfg.Local.Stat(ctx, src)
	}
	return q.cfg.Remote.Stat(ctx, j.spec.HostID, src)
}

func (q *Queue) statTarget(ctx context.Context, j *job) (fsentry.Entry, error) {
	q.mu.Lock()
	target := j.targetPath
	q.mu.Unlock()
	if j.spec.Direction.TargetSide() == SideLocal {
		return q.cfg.Local.Stat(ctx, target)
	}
	return q.cfg.Remote.Stat(ctx, j.spec.HostID, target)
}

func (q *Queue) awaitConflictResolution(ctx context.Context, j *job, srcEntry fsentry.Entry) (ConflictAction, bool) {
	resolveCh := make(chan ConflictAction, 1)
	q.mu.Lock()
	j.state = StateAwaitingConflict
	j.resolveCh = resolveCh
	q.mu.Unlock()
	q.emitUpdate(j)

	tgtEntry, _ := q.statTarget(ctx, j)
	q.cfg.Sink.TransferConflict(ConflictInfo{JobID: j.id, Source: srcEntry, Target: tgtEntry})

	select {
	case action := <-resolveCh:
		return action, true
	case <-ctx.Done():
		q.finish(j, StateCancelled, "cancelled while awaiting conflict resolution")
		return "", false
	}
}

func (q *Queue) nextAvailableName(ctx context.Context, j *job) (string, error) {
	q.mu.Lock()
	base := j.targetPath
	q.mu.Unlock()

	dir := filepath.Dir(base)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]

	for n := 1; ; n++ {
		candidate := filepath.Join(dir, filepath.Base(stem)+renameSuffix(n)+ext)
		_, err := q.statTargetPath(ctx, j, candidate)
		if trace.IsNotFound(err) {
			return candidate, nil
		}
		if err != nil {
			return "", trace.Wrap(err)
		}
	}
}

func renameSuffix(n int) string {
	return " (" + strconv.Itoa(n) + ")"
}

func (q *Queue) statTargetPath(ctx context.Context, j *job, path string) (fsentry.Entry, error) {
	if j.spec.Direction.TargetSide() == SideRemote {
		return q.cfg.Remote.Stat(ctx, j.spec.HostID, path)
	}
	return q.cfg.Local.Stat(ctx, path)
}

func (q *Queue) deleteTarget(ctx context.Context, j *job) {
	q.mu.Lock()
	target := j.targetPath
	q.mu.Unlock()

	var err error
	if j.spec.Direction.TargetSide() == SideRemote {
		err = q.cfg.Remote.Delete(ctx, j.spec.HostID, target, false)
	} else {
		err = q.cfg.Local.Delete(ctx, target, false)
	}
	if err != nil && !trace.IsNotFound(err) {
		q.cfg.Log.WithError(err).Warn("failed to remove partial transfer target")
	}
}

// verifyChecksum compares source and target checksums after a completed
// copy and returns a non-empty failure message if they don't match (or if
// either side's checksum couldn't be computed). An empty return means the
// transfer is verified good.
func (q *Queue) verifyChecksum(ctx context.Context, j *job) string {
	q.mu.Lock()
	target := j.targetPath
	algo := j.spec.ChecksumAlgo
	q.mu.Unlock()

	src := j.spec.sourcePath()

	var srcSum, tgtSum string
	var err error
	if j.spec.Direction.SourceSide() == SideLocal {
		srcSum, err = q.cfg.Local.Checksum(ctx, src, algo)
	} else {
		srcSum, err = q.cfg.Remote.Checksum(ctx, j.spec.HostID, src, algo)
	}
	if err == nil {
		if j.spec.Direction.TargetSide() == SideLocal {
			tgtSum, err = q.cfg.Local.Checksum(ctx, target, algo)
		} else {
			tgtSum, err = q.cfg.Remote.Checksum(ctx, j.spec.HostID, target, algo)
		}
	}
	if err != nil {
		return "checksum verification failed: " + err.Error()
	}
	if srcSum != tgtSum {
		return "checksum mismatch after transfer"
	}
	return ""
}
