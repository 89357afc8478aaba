// Package transfer implements C9: the transfer queue scheduler layered on
// C7 (SFTP) and C8 (local filesystem), with a concurrency cap, pre-write
// conflict detection, pause/resume, cancellation, and bounded-rate
// progress events.
package transfer

import (
	"context"
	"io"
	"time"

	"github.com/relaydesk/core/internal/fsentry"
)

// Direction is which way bytes flow relative to the remote host, or
// whether the job stays entirely on one side (spec §3 TransferJob.kind).
type Direction string

const (
	Upload     Direction = "upload"
	Download   Direction = "download"
	RemoteCopy Direction = "remote_copy"
	RemoteMove Direction = "remote_move"
	LocalCopy  Direction = "local_copy"
	LocalMove  Direction = "local_move"
)

// IsRemoteOnly reports whether a kind operates purely on the remote side
// (source and target both resolve through RemoteFS).
func (d Direction) IsRemoteOnly() bool { return d == RemoteCopy || d == RemoteMove }

// IsLocalOnly reports whether a kind operates purely on the local side.
func (d Direction) IsLocalOnly() bool { return d == LocalCopy || d == LocalMove }

// IsMove reports whether a kind removes the source once the target exists,
// as opposed to leaving a copy behind.
func (d Direction) IsMove() bool { return d == RemoteMove || d == LocalMove }

// Side identifies which backend (local filesystem or remote SFTP host) a
// path resolves against.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// SourceSide reports which backend a kind reads its source from.
func (d Direction) SourceSide() Side {
	if d == Upload || d == LocalCopy || d == LocalMove {
		return SideLocal
	}
	return SideRemote
}

// TargetSide reports which backend a kind writes its target to.
func (d Direction) TargetSide() Side {
	if d == Download || d == LocalCopy || d == LocalMove {
		return SideLocal
	}
	return SideRemote
}

// State is a TransferJob's position in its lifecycle. Exactly one holds
// at any instant.
type State string

const (
	StatePending          State = "pending"
	StateRunning          State = "running"
	StatePaused           State = "paused"
	StateAwaitingConflict State = "awaiting_conflict"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// IsTerminal reports whether a state is one of the three terminal states.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ConflictAction is the user's resolution of an AwaitingConflict job.
type ConflictAction string

const (
	ActionOverwrite ConflictAction = "overwrite"
	ActionSkip      ConflictAction = "skip"
	ActionRename    ConflictAction = "rename"
	ActionCancel    ConflictAction = "cancel"
)

// JobSpec describes a transfer to enqueue.
type JobSpec struct {
	Direction Direction
	HostID    string
	LocalPath string
	// RemotePath is the source path for a Download and the destination
	// path for an Upload. For RemoteCopy/RemoteMove it is the source
	// path on the same host; for LocalCopy/LocalMove, LocalPath plays
	// the equivalent role.
	RemotePath string
	// DestPath is the new path for a same-side RemoteCopy, RemoteMove,
	// LocalCopy, or LocalMove job. Unused for Upload/Download, whose
	// destination is LocalPath/RemotePath respectively.
	DestPath string
	// VerifyChecksum, when set, requests a post-transfer checksum
	// comparison between source and target (spec §3 supplemented
	// feature); a mismatch surfaces as Job.Error without failing the
	// already-completed transfer's bytes_done.
	VerifyChecksum bool
	// ChecksumAlgo selects the digest VerifyChecksum uses (spec §4.6);
	// defaults to SHA256 if unset.
	ChecksumAlgo fsentry.ChecksumAlgo
}

// sourcePath returns the spec's source path, independent of which side it
// resolves against.
func (s JobSpec) sourcePath() string {
	switch s.Direction {
	case Upload, LocalCopy, LocalMove:
		return s.LocalPath
	default:
		return s.RemotePath
	}
}

// Job is a snapshot of one TransferJob's public state.
type Job struct {
	ID         string
	Spec       JobSpec
	State      State
	BytesDone  int64
	SizeBytes  int64
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	TargetPath string // resolved after rename conflict resolution
}

// ConflictInfo accompanies a TransferConflict event.
type ConflictInfo struct {
	JobID  string
	Source fsentry.Entry
	Target fsentry.Entry
}

// Summary is the aggregate job-count view used by TransferQueueState.
type Summary struct {
	Pending, Running, Paused, AwaitingConflict, Completed, Failed, Cancelled int
}

// Sink receives queue lifecycle events. Implementations must not block for
// long — the queue calls them synchronously from scheduling and progress
// goroutines.
type Sink interface {
	TransferUpdate(job Job)
	TransferQueueState(jobs []Job, summary Summary)
	TransferConflict(info ConflictInfo)
}

// RemoteFS is C7's surface as consumed by the transfer queue.
type RemoteFS interface {
	Stat(ctx context.Context, hostID, path string) (fsentry.Entry, error)
	GetFile(ctx context.Context, hostID, path string, w io.Writer, onProgress func(copied int64)) (int64, error)
	PutFile(ctx context.Context, hostID, path string, r io.Reader, onProgress func(copied int64)) (int64, error)
	Delete(ctx context.Context, hostID, path string, recursive bool) error
	Rename(ctx context.Context, hostID, oldPath, newPath string) error
	Copy(ctx context.Context, hostID, srcPath, dstPath string) error
	Checksum(ctx context.Context, hostID, path string, algo fsentry.ChecksumAlgo) (string, error)
}

// LocalFS is C8's surface as consumed by the transfer queue.
type LocalFS interface {
	Stat(ctx context.Context, path string) (fsentry.Entry, error)
	GetFile(ctx context.Context, path string, w io.Writer, onProgress func(copied int64)) (int64, error)
	PutFile(ctx context.Context, path string, r io.Reader, onProgress func(copied int64)) (int64, error)
	Delete(ctx context.Context, path string, recursive bool) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Copy(ctx context.Context, srcPath, dstPath string) error
	Checksum(ctx context.Context, path string, algo fsentry.ChecksumAlgo) (string, error)
}
