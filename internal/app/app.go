package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"pbk-go/internal/config"
	"pbk-go/internal/database"
	"pbk-go/internal/drive"
	"pbk-go/internal/encryption"
	"pbk-go/internal/mediaindex"
	"pbk-go/internal/pbk"
)

// ErrNetworkUnavailable is returned by Upload when the folder's required
// connectivity is not available.
var ErrNetworkUnavailable = errors.New("required network unavailable")

// PBKApp is the application layer between the CLI and the pbk service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw paths and names, and releases resources on Close.
type PBKApp struct {
	cfg       *config.Config
	key       pbk.FolderKey
	db        *database.SQLiteDatabase
	index     *mediaindex.FileSystemIndex
	drive     *drive.Namespace
	encryptor encryption.Encryptor
	service   *pbk.Service
	uploader  *pbk.Uploader
	op        *Operation
	logger    pbk.Logger
	logFile   *os.File
}

// NewPBKApp creates a fully wired PBKApp from the given config.
// operation identifies the CLI command being run (e.g. "SyncFolder", "Upload").
// The caller must call Close when done.
func NewPBKApp(ctx context.Context, cfg *config.Config, operation string) (*PBKApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	op := NewOperation(operation, "", time.Now())
	slogger, logFile, err := newLogger(cfg.LogDir, op.ID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &PBKApp{
		cfg:     cfg,
		key:     folderKey(cfg),
		op:      op,
		logger:  logger,
		logFile: logFile,
	}
	if err := a.open(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *PBKApp) open(ctx context.Context) error {
	cfg := a.cfg

	index, err := mediaindex.NewFileSystemIndex(cfg.Media.Roots, cfg.Media.Ignore, a.logger)
	if err != nil {
		return fmt.Errorf("creating media index: %w", err)
	}
	a.index = index

	d, err := drive.NewDriveFromConfig(ctx, cfg.Drive, pbk.UUIDGenerator{})
	if err != nil {
		return fmt.Errorf("creating drive: %w", err)
	}
	a.drive = d

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	a.encryptor = enc

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.UserID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	a.service = pbk.NewService(db, index, d, enc, cfg.ClientUID, a.logger, pbk.RealClock{})
	a.uploader = pbk.NewUploader(db, index, d, enc, cfg.ClientUID,
		cfg.Backup.MaxAttempts, cfg.Backup.UploadParallelism, a.logger)
	return nil
}

// Migrate applies pending schema migrations to the database named by cfg.
func Migrate(cfg *config.Config) error {
	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.UserID)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

func folderKey(cfg *config.Config) pbk.FolderKey {
	return pbk.FolderKey{UserID: cfg.UserID, ShareID: cfg.Backup.ShareID, ParentID: cfg.Backup.ParentID}
}

// Key returns the folder key every operation of this app works on.
func (a *PBKApp) Key() pbk.FolderKey {
	return a.key
}

// Buckets lists the media directories found under the configured roots.
func (a *PBKApp) Buckets(ctx context.Context) ([]*pbk.BucketEntry, error) {
	return a.index.Buckets(ctx)
}

// resolveBucket maps a directory path to the id of a known media bucket.
func (a *PBKApp) resolveBucket(ctx context.Context, rawPath string) (int, error) {
	abs, err := filepath.Abs(rawPath)
	if err != nil {
		return 0, fmt.Errorf("resolving path: %w", err)
	}
	id := mediaindex.BucketID(abs)

	buckets, err := a.index.Buckets(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing buckets: %w", err)
	}
	for _, b := range buckets {
		if b.BucketID == id {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%s is not a media directory under the configured roots", abs)
}

// AddFolder enables backup of the media directory at rawPath.
// Returns the bucket id.
func (a *PBKApp) AddFolder(ctx context.Context, rawPath string) (int, error) {
	a.op.Parameters = rawPath
	id, err := a.resolveBucket(ctx, rawPath)
	if err != nil {
		return 0, err
	}
	if err := a.service.EnableFolder(ctx, a.key, id); err != nil {
		return 0, err
	}
	return id, nil
}

// RemoveFolder disables backup of the media directory at rawPath. Unlike
// AddFolder the directory may no longer exist.
func (a *PBKApp) RemoveFolder(ctx context.Context, rawPath string) error {
	a.op.Parameters = rawPath
	abs, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	return a.service.DisableFolder(ctx, a.key, mediaindex.BucketID(abs))
}

// Folders returns the enabled buckets.
func (a *PBKApp) Folders(ctx context.Context) ([]*pbk.BackupFolder, error) {
	return a.db.GetFolders(ctx, a.key)
}

// Sync scans every enabled bucket and classifies new files. Returns the
// number of newly discovered files.
func (a *PBKApp) Sync(ctx context.Context) (int, error) {
	return a.service.SyncFolder(ctx, a.key)
}

// Upload requeues interrupted uploads, then uploads READY files of every
// bucket when network satisfies the folder's connectivity policy. Files
// sharing a name with one just uploaded are then classified against it, and
// completed rows are cleaned up once every bucket is fully backed up.
func (a *PBKApp) Upload(ctx context.Context, network pbk.NetworkType) (*pbk.UploadSummary, error) {
	total := &pbk.UploadSummary{}

	ok, err := a.service.CheckConnectivity(ctx, a.key, network)
	if err != nil {
		return total, err
	}
	if !ok {
		return total, ErrNetworkUnavailable
	}

	if _, err := a.service.RecoverInterrupted(ctx, a.key.UserID); err != nil {
		return total, err
	}

	folders, err := a.db.GetFolders(ctx, a.key)
	if err != nil {
		return total, fmt.Errorf("listing folders: %w", err)
	}
	for _, f := range folders {
		summary, err := a.uploader.Run(ctx, a.key, f.BucketID)
		total.Completed += summary.Completed
		total.Failed += summary.Failed
		total.Requeued += summary.Requeued
		if err != nil {
			return total, fmt.Errorf("uploading bucket %d: %w", f.BucketID, err)
		}
	}

	if err := a.service.ResolveDuplicates(ctx, a.key); err != nil {
		return total, err
	}
	if _, err := a.service.CleanUp(ctx, a.key); err != nil {
		return total, err
	}
	return total, nil
}

// Status returns the presentation state of the backup folder.
func (a *PBKApp) Status(ctx context.Context) (*pbk.FolderBackupState, error) {
	return a.service.BackupState(ctx, a.key)
}

// WatchStatus streams state changes, recorded errors included, until ctx is done.
func (a *PBKApp) WatchStatus(ctx context.Context) (<-chan *pbk.FolderBackupState, error) {
	return a.service.WatchState(ctx, a.key)
}

// Retry clears retryable errors and requeues failed files within the
// configured attempt budget.
func (a *PBKApp) Retry(ctx context.Context) (int, error) {
	return a.service.RetryAll(ctx, a.key, a.cfg.Backup.MaxAttempts)
}

// Reset zeroes attempt counters. With full set, every file is also
// reclassified on the next sync.
func (a *PBKApp) Reset(ctx context.Context, full bool) error {
	if _, err := a.service.ResetFilesAttempts(ctx, a.key); err != nil {
		return err
	}
	if full {
		return a.service.ResetFolder(ctx, a.key)
	}
	return nil
}

// Recover requeues files left ENQUEUED by an interrupted run.
func (a *PBKApp) Recover(ctx context.Context) (int, error) {
	return a.service.RecoverInterrupted(ctx, a.key.UserID)
}

// SetNetwork stores the connectivity uploads require.
func (a *PBKApp) SetNetwork(ctx context.Context, network pbk.NetworkType) error {
	return a.service.SetNetworkType(ctx, a.key, network)
}

// Errors lists the recorded folder errors.
func (a *PBKApp) Errors(ctx context.Context) ([]*pbk.BackupError, error) {
	return a.db.GetErrors(ctx, a.key)
}

// ClearErrors deletes recorded errors of one type, or all when typeName is empty.
func (a *PBKApp) ClearErrors(ctx context.Context, typeName string) error {
	if typeName == "" {
		return a.db.DeleteAllErrors(ctx, a.key)
	}
	t, ok := pbk.ParseBackupErrorType(typeName)
	if !ok {
		return fmt.Errorf("unknown error type: %q", typeName)
	}
	return a.db.DeleteAllErrorsByType(ctx, a.key, t)
}

// IsKeyConfigured reports whether encryption keys exist.
func (a *PBKApp) IsKeyConfigured() bool {
	return a.encryptor.IsConfigured()
}

// InitKeys generates the encryption key pair protected by passphrase.
func (a *PBKApp) InitKeys(passphrase string) error {
	if a.encryptor.IsConfigured() {
		return fmt.Errorf("encryption keys already exist")
	}
	return a.encryptor.Setup(passphrase)
}

// VerifyResult reports the outcome of Verify.
type VerifyResult struct {
	Verified   int
	Mismatched []string // link ids
}

// Verify decrypts every active revision under the parent folder and checks
// its plaintext against the recorded content hash.
func (a *PBKApp) Verify(ctx context.Context, passphrase string) (*VerifyResult, error) {
	dec, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlocking key: %w", err)
	}

	links, err := a.drive.Links(ctx, a.key.ParentID)
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}

	result := &VerifyResult{}
	for _, l := range links {
		if l.State != pbk.LinkStateActive {
			continue
		}
		sum, err := a.plaintextHash(ctx, dec, l)
		if err != nil {
			return result, fmt.Errorf("verifying link %s: %w", l.LinkID, err)
		}
		if sum != l.ContentHash {
			a.logger.Warn("content hash mismatch", "link", l.LinkID, "want", l.ContentHash, "got", sum)
			result.Mismatched = append(result.Mismatched, l.LinkID)
			continue
		}
		result.Verified++
	}
	return result, nil
}

func (a *PBKApp) plaintextHash(ctx context.Context, dec encryption.Decrypter, l *drive.Link) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(a.drive.ReadRevision(ctx, l, pw))
	}()
	defer pr.Close()

	h := sha256.New()
	if err := dec.Decrypt(pr, h); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fail marks the running operation as failed; Close logs it.
func (a *PBKApp) Fail(err error) {
	a.op.Finish(err)
}

// Close logs the outcome of the operation and closes all resources.
func (a *PBKApp) Close() error {
	a.logger.Info("operation finished",
		"operation", a.op.Name,
		"parameters", a.op.Parameters,
		"status", a.op.Status,
		"duration", time.Since(a.op.StartedAt).Truncate(time.Millisecond).String())
	return a.closeResources()
}

func (a *PBKApp) closeResources() error {
	var firstErr error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
