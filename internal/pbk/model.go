package pbk

import "time"

// FolderKey scopes every persisted row: the owning user, the share and the
// remote parent folder that receives the backed-up files.
type FolderKey struct {
	UserID   string
	ShareID  string
	ParentID string
}

// String returns the key as "user/share/parent", for logging.
func (k FolderKey) String() string {
	return k.UserID + "/" + k.ShareID + "/" + k.ParentID
}

// BackupFolder is a local bucket configured for backup into a remote parent folder.
type BackupFolder struct {
	FolderKey
	BucketID   int
	UpdateTime *time.Time // scan watermark; nil forces a full scan
	SyncTime   *time.Time // when the bucket was last fully backed up
}

// FileState is the position of a BackupFile in the backup state machine.
type FileState string

const (
	FileStateIdle              FileState = "IDLE"
	FileStatePossibleDuplicate FileState = "POSSIBLE_DUPLICATE"
	FileStateReady             FileState = "READY"
	FileStateEnqueued          FileState = "ENQUEUED"
	FileStateCompleted         FileState = "COMPLETED"
	FileStateFailed            FileState = "FAILED"
	FileStateDuplicated        FileState = "DUPLICATED"
)

// AllFileStates lists every state in state-machine order.
var AllFileStates = []FileState{
	FileStateIdle,
	FileStatePossibleDuplicate,
	FileStateReady,
	FileStateEnqueued,
	FileStateCompleted,
	FileStateFailed,
	FileStateDuplicated,
}

// DefaultUploadPriority is assigned to newly discovered files.
// Lower values are uploaded first.
const DefaultUploadPriority = 1000

// BackupFile is one discovered local media item and its backup state.
// (FolderKey, URI) identifies the row.
type BackupFile struct {
	FolderKey
	BucketID       int
	URI            string
	Name           string
	MimeType       string
	Hash           *string // content hash, nil until computed
	Size           int64
	CapturedAt     time.Time
	LastModified   time.Time
	State          FileState
	Attempts       int
	UploadPriority int
}

// StateCounts holds the number of files per state for one folder.
type StateCounts map[FileState]int

// Get returns the count for state, zero when absent.
func (c StateCounts) Get(state FileState) int {
	return c[state]
}

// Total returns the number of files in all states.
func (c StateCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// BackupErrorType classifies folder-level failures.
type BackupErrorType string

const (
	ErrorTypePermission             BackupErrorType = "PERMISSION"
	ErrorTypeLocalStorage           BackupErrorType = "LOCAL_STORAGE"
	ErrorTypeDriveStorage           BackupErrorType = "DRIVE_STORAGE"
	ErrorTypeOther                  BackupErrorType = "OTHER"
	ErrorTypeConnectivity           BackupErrorType = "CONNECTIVITY"
	ErrorTypeWifiConnectivity       BackupErrorType = "WIFI_CONNECTIVITY"
	ErrorTypePhotosUploadNotAllowed BackupErrorType = "PHOTOS_UPLOAD_NOT_ALLOWED"
	ErrorTypeBackgroundRestrictions BackupErrorType = "BACKGROUND_RESTRICTIONS"
)

// Retryable reports whether files blocked by this error may be retried
// without user action.
func (t BackupErrorType) Retryable() bool {
	switch t {
	case ErrorTypeLocalStorage, ErrorTypeDriveStorage, ErrorTypeOther,
		ErrorTypeConnectivity, ErrorTypeWifiConnectivity:
		return true
	default:
		return false
	}
}

// ParseBackupErrorType converts a stored or user-supplied name to a BackupErrorType.
func ParseBackupErrorType(s string) (BackupErrorType, bool) {
	t := BackupErrorType(s)
	switch t {
	case ErrorTypePermission, ErrorTypeLocalStorage, ErrorTypeDriveStorage, ErrorTypeOther,
		ErrorTypeConnectivity, ErrorTypeWifiConnectivity, ErrorTypePhotosUploadNotAllowed,
		ErrorTypeBackgroundRestrictions:
		return t, true
	}
	return "", false
}

// BackupError is a classified failure recorded for a folder.
type BackupError struct {
	FolderKey
	Type      BackupErrorType
	Message   string
	Retryable bool
}

// NewBackupError builds an error record whose retryable flag follows its type.
func NewBackupError(key FolderKey, t BackupErrorType, message string) *BackupError {
	return &BackupError{
		FolderKey: key,
		Type:      t,
		Message:   message,
		Retryable: t.Retryable(),
	}
}

// NetworkType is the connectivity a folder's uploads require.
type NetworkType string

const (
	NetworkUnmetered NetworkType = "UNMETERED"
	NetworkConnected NetworkType = "CONNECTED"
	// NetworkNone is only reported by connectivity checks, never stored.
	NetworkNone NetworkType = "NONE"
)

// BackupConfiguration holds per-folder upload policy.
type BackupConfiguration struct {
	FolderKey
	NetworkType NetworkType
}

// LinkState is the state of a remote link matched during duplicate resolution.
type LinkState string

const (
	LinkStateActive LinkState = "ACTIVE"
	LinkStateDraft  LinkState = "DRAFT"
)

// BackupDuplicate is a transient duplicate-resolution result.
type BackupDuplicate struct {
	ParentID    string
	NameHash    string
	ContentHash *string
	LinkID      *string
	LinkState   LinkState
	RevisionID  *string
	ClientUID   *string
}

// BucketEntry describes a local media bucket as reported by the media index.
type BucketEntry struct {
	BucketID    int
	BucketName  string
	ImageCount  int
	VideoCount  int
	LastItemURI *string
}

// Page selects a window of rows.
type Page struct {
	Limit  int
	Offset int
}

func stringPtr(s string) *string { return &s }
