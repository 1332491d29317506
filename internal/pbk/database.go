package pbk

import (
	"context"
	"errors"
	"time"
)

// ErrTransitionRejected is returned when a file is not in a state from which
// the requested transition is allowed. The row is left unchanged.
var ErrTransitionRejected = errors.New("state transition rejected")

// ErrFolderNotFound is returned when an operation needs a configured backup folder.
var ErrFolderNotFound = errors.New("backup folder not found")

// Resolution is the outcome of one duplicate-resolution batch, applied atomically.
type Resolution struct {
	Duplicated        []string // IDLE or POSSIBLE_DUPLICATE -> DUPLICATED
	PossibleDuplicate []string // IDLE -> POSSIBLE_DUPLICATE
	Ready             []string // IDLE or POSSIBLE_DUPLICATE -> READY
}

// Empty reports whether the resolution changes nothing.
func (r Resolution) Empty() bool {
	return len(r.Duplicated) == 0 && len(r.PossibleDuplicate) == 0 && len(r.Ready) == 0
}

// ChangeEvent is the state of a folder as of one committed transaction.
type ChangeEvent struct {
	Folder  FolderKey
	Seq     uint64
	Counts  StateCounts
	Errors  []*BackupError
	Enabled bool // at least one bucket is backed up
}

// Subscription delivers every ChangeEvent for one folder, in commit order.
type Subscription interface {
	// Events returns the delivery channel. It is closed after Close.
	Events() <-chan ChangeEvent
	// Close stops delivery and releases the subscription.
	Close()
}

// Database provides persisted storage for backup folders, files, errors and
// configuration. Every mutation runs in a single transaction; operations
// that change files, folders or errors publish a ChangeEvent to subscribers
// of the folder after commit.
type Database interface {
	// Folder operations

	// InsertFolder creates a backup folder. An existing folder keeps its watermark.
	InsertFolder(ctx context.Context, folder *BackupFolder) error

	// GetFolders returns the folders (one per bucket) configured for key.
	GetFolders(ctx context.Context, key FolderKey) ([]*BackupFolder, error)

	// GetAllFolders returns every folder owned by userID.
	GetAllFolders(ctx context.Context, userID string) ([]*BackupFolder, error)

	// UpdateFolderWatermark advances the scan watermark of a bucket.
	UpdateFolderWatermark(ctx context.Context, key FolderKey, bucketID int, t time.Time) error

	// ResetFolderWatermark clears the watermark of every bucket of key, forcing full rescans.
	ResetFolderWatermark(ctx context.Context, key FolderKey) error

	// UpdateFolderSyncTime records when a bucket was last fully backed up.
	UpdateFolderSyncTime(ctx context.Context, key FolderKey, bucketID int, t time.Time) error

	// DeleteFolder removes one bucket's folder and its files.
	DeleteFolder(ctx context.Context, key FolderKey, bucketID int) error

	// DeleteFolders removes every folder of key and their files.
	DeleteFolders(ctx context.Context, key FolderKey) error

	// File operations

	// InsertFiles inserts files, ignoring rows whose (folder, uri) already exists.
	// Returns the number of rows actually inserted.
	InsertFiles(ctx context.Context, files []*BackupFile) (int, error)

	// GetFile returns a file by uri, or nil if it does not exist.
	GetFile(ctx context.Context, key FolderKey, uri string) (*BackupFile, error)

	// GetFilesToBackup returns READY files of a bucket with fewer than maxAttempts
	// attempts, by upload priority then newest capture first.
	GetFilesToBackup(ctx context.Context, key FolderKey, bucketID int, maxAttempts int, page Page) ([]*BackupFile, error)

	// GetFilesInState returns files of key in state, across all buckets when bucketID < 0.
	GetFilesInState(ctx context.Context, key FolderKey, bucketID int, state FileState, page Page) ([]*BackupFile, error)

	// GetCountsByState returns per-state counts across all buckets of key.
	GetCountsByState(ctx context.Context, key FolderKey) (StateCounts, error)

	// IsBackupCompleteForFolder reports whether every file of the bucket is
	// COMPLETED or DUPLICATED.
	IsBackupCompleteForFolder(ctx context.Context, key FolderKey, bucketID int) (bool, error)

	// UpdateFileHash stores the computed content hash of a file.
	UpdateFileHash(ctx context.Context, key FolderKey, uri string, hash string) error

	// MarkAsEnqueued moves READY files to ENQUEUED. Returns rows changed.
	MarkAsEnqueued(ctx context.Context, key FolderKey, uris []string) (int, error)

	// MarkAsCompleted moves a READY or ENQUEUED file to COMPLETED.
	MarkAsCompleted(ctx context.Context, key FolderKey, uri string) error

	// MarkAsIdle moves a READY or ENQUEUED file back to IDLE so the next
	// duplicate pass classifies it again. Attempts are left alone.
	MarkAsIdle(ctx context.Context, key FolderKey, uri string) error

	// MarkAsFailed moves a READY or ENQUEUED file to FAILED and increments its attempts.
	MarkAsFailed(ctx context.Context, key FolderKey, uri string) error

	// ApplyResolution applies a duplicate-resolution batch in one transaction.
	ApplyResolution(ctx context.Context, key FolderKey, r Resolution) error

	// MarkAllFailedInFolderAsReady moves FAILED files with attempts < maxAttempts to READY.
	MarkAllFailedInFolderAsReady(ctx context.Context, key FolderKey, bucketID int, maxAttempts int) (int, error)

	// MarkAllEnqueuedInFolderAsReady requeues files left ENQUEUED by an interrupted run.
	MarkAllEnqueuedInFolderAsReady(ctx context.Context, key FolderKey) (int, error)

	// MarkAllFilesInFolderIDAsIdle moves every file of key back to IDLE.
	MarkAllFilesInFolderIDAsIdle(ctx context.Context, key FolderKey) (int, error)

	// ResetFilesAttempts zeroes the attempt counter of every file of key.
	ResetFilesAttempts(ctx context.Context, key FolderKey) (int, error)

	// DeleteCompletedFromFolder removes COMPLETED files of key.
	DeleteCompletedFromFolder(ctx context.Context, key FolderKey) (int, error)

	// DeleteFailedForFolderID removes FAILED files of key.
	DeleteFailedForFolderID(ctx context.Context, key FolderKey) (int, error)

	// Error operations

	// InsertError records an error, replacing any previous error of the same type.
	InsertError(ctx context.Context, e *BackupError) error

	// GetErrors returns the errors recorded for key.
	GetErrors(ctx context.Context, key FolderKey) ([]*BackupError, error)

	DeleteAllErrorsByType(ctx context.Context, key FolderKey, t BackupErrorType) error
	DeleteAllRetryableErrors(ctx context.Context, key FolderKey) error
	DeleteAllErrors(ctx context.Context, key FolderKey) error

	// Configuration operations

	// GetConfiguration returns the configuration of key, or nil if none is stored.
	GetConfiguration(ctx context.Context, key FolderKey) (*BackupConfiguration, error)

	// UpsertConfiguration stores the configuration of a folder.
	UpsertConfiguration(ctx context.Context, cfg *BackupConfiguration) error

	// Subscribe registers for ChangeEvents of key.
	Subscribe(key FolderKey) Subscription

	// Close closes the database connection.
	Close() error
}
