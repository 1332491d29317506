package pbk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// UploadPageSize is the number of READY files claimed per round.
const UploadPageSize = 50

// UploadSummary reports the outcome of one Uploader run. Requeued files
// lost their name to another link and went back to IDLE.
type UploadSummary struct {
	Completed int
	Failed    int
	Requeued  int
}

// Uploader is the reference upload worker. It claims READY files of a bucket,
// encrypts and uploads them with bounded parallelism and records the outcome
// through the file store.
type Uploader struct {
	database    Database
	index       MediaIndex
	drive       Drive
	encryptor   Encryptor
	clientUID   string
	maxAttempts int
	parallelism int
	logger      Logger
}

// NewUploader creates an Uploader. Files are retried until they have failed
// maxAttempts times; at most parallelism uploads run at once.
func NewUploader(database Database, index MediaIndex, drive Drive, encryptor Encryptor, clientUID string, maxAttempts, parallelism int, logger Logger) *Uploader {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Uploader{
		database:    database,
		index:       index,
		drive:       drive,
		encryptor:   encryptor,
		clientUID:   clientUID,
		maxAttempts: maxAttempts,
		parallelism: parallelism,
		logger:      logger,
	}
}

// Run uploads READY files of one bucket until none are left. Cancelling ctx
// stops the run; files claimed but not finished stay ENQUEUED and are
// requeued by the next startup recovery.
func (u *Uploader) Run(ctx context.Context, key FolderKey, bucketID int) (*UploadSummary, error) {
	summary := &UploadSummary{}
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		files, err := u.claim(ctx, key, bucketID)
		if err != nil {
			return summary, err
		}
		if len(files) == 0 {
			return summary, nil
		}

		if err := u.uploadAll(ctx, files, summary); err != nil {
			return summary, err
		}
	}
}

// claim moves the next page of READY files to ENQUEUED and returns the files
// this run now owns.
func (u *Uploader) claim(ctx context.Context, key FolderKey, bucketID int) ([]*BackupFile, error) {
	page, err := u.database.GetFilesToBackup(ctx, key, bucketID, u.maxAttempts, Page{Limit: UploadPageSize})
	if err != nil {
		return nil, fmt.Errorf("loading files to back up: %w", err)
	}
	if len(page) == 0 {
		return nil, nil
	}

	uris := make([]string, len(page))
	for i, f := range page {
		uris[i] = f.URI
	}
	n, err := u.database.MarkAsEnqueued(ctx, key, uris)
	if err != nil {
		return nil, fmt.Errorf("enqueueing files: %w", err)
	}
	if n == len(page) {
		return page, nil
	}

	// Another worker took some of the page. Keep only what is ours.
	var owned []*BackupFile
	for _, f := range page {
		current, err := u.database.GetFile(ctx, key, f.URI)
		if err != nil {
			return nil, fmt.Errorf("reloading %s: %w", f.URI, err)
		}
		if current != nil && current.State == FileStateEnqueued {
			owned = append(owned, current)
		}
	}
	return owned, nil
}

func (u *Uploader) uploadAll(ctx context.Context, files []*BackupFile, summary *UploadSummary) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.parallelism)

	for _, f := range files {
		g.Go(func() error {
			uploadErr := u.upload(gctx, f)
			if uploadErr == nil {
				if err := u.database.MarkAsCompleted(gctx, f.FolderKey, f.URI); err != nil {
					if errors.Is(err, ErrTransitionRejected) {
						u.logger.Warn("uploaded file already transitioned", "uri", f.URI)
						return nil
					}
					return fmt.Errorf("completing %s: %w", f.URI, err)
				}
				mu.Lock()
				summary.Completed++
				mu.Unlock()
				return nil
			}

			if gctx.Err() != nil {
				return nil
			}
			if errors.Is(uploadErr, ErrNameConflict) {
				requeued, err := u.requeue(gctx, f, uploadErr)
				if err != nil {
					return err
				}
				if requeued {
					mu.Lock()
					summary.Requeued++
					mu.Unlock()
				}
				return nil
			}
			if err := u.fail(gctx, f, uploadErr); err != nil {
				return err
			}
			mu.Lock()
			summary.Failed++
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// upload sends one file to the drive and stores its content hash.
func (u *Uploader) upload(ctx context.Context, f *BackupFile) (err error) {
	nameHash, err := u.encryptor.NameHash(f.ParentID, f.Name)
	if err != nil {
		return fmt.Errorf("hashing name: %w", err)
	}

	draft, err := u.drive.CreateDraft(ctx, DraftRequest{
		ParentID:   f.ParentID,
		NameHash:   nameHash,
		MimeType:   f.MimeType,
		ClientUID:  u.clientUID,
		CapturedAt: f.CapturedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("creating draft: %w", err)
	}
	defer func() {
		if err == nil || ctx.Err() != nil {
			return
		}
		if delErr := u.drive.DeleteDraft(ctx, f.ParentID, draft.LinkID); delErr != nil && !errors.Is(delErr, ErrLinkNotFound) {
			u.logger.Warn("draft not deleted after failed upload", "uri", f.URI, "link", draft.LinkID, "error", delErr)
		}
	}()

	src, err := u.index.Open(ctx, f.URI)
	if err != nil {
		return fmt.Errorf("opening %s: %w: %w", f.URI, ErrLocalFile, err)
	}
	defer src.Close()

	hash := sha256.New()
	pr, pw := io.Pipe()
	encrypted := make(chan error, 1)
	go func() {
		err := u.encryptor.Encrypt(io.TeeReader(localReader{src}, hash), pw)
		pw.CloseWithError(err)
		encrypted <- err
	}()

	uploadErr := u.drive.UploadRevision(ctx, draft, pr)
	pr.CloseWithError(errors.Join(uploadErr, io.ErrClosedPipe))
	encErr := <-encrypted
	switch {
	case encErr != nil && !errors.Is(encErr, io.ErrClosedPipe):
		return fmt.Errorf("encrypting %s: %w", f.URI, encErr)
	case uploadErr != nil:
		return fmt.Errorf("uploading revision: %w", uploadErr)
	}

	contentHash := hex.EncodeToString(hash.Sum(nil))
	if err := u.drive.CommitRevision(ctx, draft, contentHash); err != nil {
		return fmt.Errorf("committing revision: %w", err)
	}
	if err := u.database.UpdateFileHash(ctx, f.FolderKey, f.URI, contentHash); err != nil {
		return fmt.Errorf("storing content hash: %w", err)
	}

	u.logger.Debug("file uploaded", "uri", f.URI, "size", f.Size, "hash", contentHash)
	return nil
}

// requeue sends a file whose name hash is taken back to IDLE, where the next
// duplicate pass matches it against the link holding the name.
func (u *Uploader) requeue(ctx context.Context, f *BackupFile, cause error) (bool, error) {
	u.logger.Info("name taken, file requeued for classification", "uri", f.URI, "error", cause)

	if err := u.database.MarkAsIdle(ctx, f.FolderKey, f.URI); err != nil {
		if errors.Is(err, ErrTransitionRejected) {
			u.logger.Warn("requeued file already transitioned", "uri", f.URI)
			return false, nil
		}
		return false, fmt.Errorf("requeueing %s: %w", f.URI, err)
	}
	return true, nil
}

// fail records a failed attempt and, for failures that affect the whole
// folder, a folder error.
func (u *Uploader) fail(ctx context.Context, f *BackupFile, cause error) error {
	u.logger.Warn("upload failed", "uri", f.URI, "attempt", f.Attempts+1, "error", cause)

	if err := u.database.MarkAsFailed(ctx, f.FolderKey, f.URI); err != nil {
		if errors.Is(err, ErrTransitionRejected) {
			u.logger.Warn("failed file already transitioned", "uri", f.URI)
			return nil
		}
		return fmt.Errorf("failing %s: %w", f.URI, err)
	}

	t := ClassifyError(cause)
	switch t {
	case ErrorTypeDriveStorage, ErrorTypeConnectivity, ErrorTypePermission,
		ErrorTypeLocalStorage, ErrorTypePhotosUploadNotAllowed:
		if err := u.database.InsertError(ctx, NewBackupError(f.FolderKey, t, cause.Error())); err != nil {
			return fmt.Errorf("recording %s error: %w", t, err)
		}
	}
	return nil
}

// localReader marks read failures of device content as local errors.
type localReader struct {
	r io.Reader
}

func (l localReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %w", ErrLocalFile, err)
	}
	return n, err
}
