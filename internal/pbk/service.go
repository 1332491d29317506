package pbk

import (
	"context"
	"errors"
	"fmt"
)

// resolvePageSize is the number of unclassified files resolved per batch.
const resolvePageSize = HashCheckBatchSize

// Service is the orchestration layer that coordinates scanning, duplicate
// resolution, recovery and status reporting for backup folders.
type Service struct {
	database Database
	scanner  *Scanner
	resolver *DuplicateResolver
	drive    Drive
	hasher   NameHasher
	watcher  *StatusWatcher
	logger   Logger
	clock    Clock
}

// NewService creates a Service with the provided dependencies. clientUID
// identifies this installation to the remote namespace so its own drafts
// can be recognised.
func NewService(database Database, index MediaIndex, drive Drive, hasher NameHasher, clientUID string, logger Logger, clock Clock) *Service {
	return &Service{
		database: database,
		scanner:  NewScanner(index, logger),
		resolver: NewDuplicateResolver(drive, clientUID),
		drive:    drive,
		hasher:   hasher,
		watcher:  NewStatusWatcher(database, logger),
		logger:   logger,
		clock:    clock,
	}
}

// EnableFolder configures a bucket for backup into key's parent folder.
// Enabling an already enabled bucket is a no-op.
func (s *Service) EnableFolder(ctx context.Context, key FolderKey, bucketID int) error {
	if err := s.database.InsertFolder(ctx, &BackupFolder{FolderKey: key, BucketID: bucketID}); err != nil {
		return fmt.Errorf("inserting folder: %w", err)
	}
	s.logger.Info("backup folder enabled", "folder", key.String(), "bucket", bucketID)
	return nil
}

// DisableFolder stops backing up a bucket and forgets its files. When the
// last bucket of key is removed its errors are cleared too.
func (s *Service) DisableFolder(ctx context.Context, key FolderKey, bucketID int) error {
	if err := s.database.DeleteFolder(ctx, key, bucketID); err != nil {
		return fmt.Errorf("deleting folder: %w", err)
	}

	remaining, err := s.database.GetFolders(ctx, key)
	if err != nil {
		return fmt.Errorf("listing folders: %w", err)
	}
	if len(remaining) == 0 {
		if err := s.database.DeleteAllErrors(ctx, key); err != nil {
			return fmt.Errorf("clearing errors: %w", err)
		}
	}

	s.logger.Info("backup folder disabled", "folder", key.String(), "bucket", bucketID)
	return nil
}

// SyncFolder scans every bucket of key for new media, records the files and
// classifies them against the remote namespace. Returns the number of newly
// discovered files.
func (s *Service) SyncFolder(ctx context.Context, key FolderKey) (int, error) {
	folders, err := s.database.GetFolders(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("listing folders: %w", err)
	}
	if len(folders) == 0 {
		return 0, fmt.Errorf("syncing %s: %w", key.String(), ErrFolderNotFound)
	}

	discovered := 0
	for _, folder := range folders {
		n, err := s.scanFolder(ctx, folder)
		if err != nil {
			s.recordError(ctx, key, err)
			return discovered, err
		}
		discovered += n
	}

	if err := s.database.DeleteAllErrorsByType(ctx, key, ErrorTypePermission); err != nil {
		return discovered, fmt.Errorf("clearing permission errors: %w", err)
	}

	if err := s.ResolveDuplicates(ctx, key); err != nil {
		s.recordError(ctx, key, err)
		return discovered, err
	}

	return discovered, nil
}

// scanFolder scans one bucket and advances its watermark once the files are stored.
func (s *Service) scanFolder(ctx context.Context, folder *BackupFolder) (int, error) {
	started := s.clock.Now()

	files, err := s.scanner.Scan(ctx, folder)
	if err != nil {
		return 0, err
	}

	inserted, err := s.database.InsertFiles(ctx, files)
	if err != nil {
		return 0, fmt.Errorf("inserting files: %w", err)
	}

	if err := s.database.UpdateFolderWatermark(ctx, folder.FolderKey, folder.BucketID, started); err != nil {
		return 0, fmt.Errorf("advancing watermark: %w", err)
	}

	s.logger.Info("bucket synced", "folder", folder.FolderKey.String(), "bucket", folder.BucketID, "scanned", len(files), "new", inserted)
	return inserted, nil
}

// ResolveDuplicates classifies every IDLE file of key, then retries files
// left POSSIBLE_DUPLICATE by an earlier pass.
//
// Files whose name hash is held by a finished remote file become DUPLICATED.
// Files whose name hash is held by a draft of this client become
// POSSIBLE_DUPLICATE; the stale draft is deleted and the file becomes READY
// so it is uploaded again. If the draft cannot be deleted the file stays
// POSSIBLE_DUPLICATE until the next pass. All other files become READY.
//
// Files of different buckets may share a name and so a name hash. Only one
// of them becomes READY per pass; the others keep their state and are
// classified by a later pass against the link the first one creates.
func (s *Service) ResolveDuplicates(ctx context.Context, key FolderKey) error {
	processed := make(map[string]bool)
	for _, state := range []FileState{FileStateIdle, FileStatePossibleDuplicate} {
		// Rows before offset are all processed and still in state.
		offset := 0
		for {
			files, err := s.database.GetFilesInState(ctx, key, -1, state, Page{Limit: resolvePageSize, Offset: offset})
			if err != nil {
				return fmt.Errorf("loading %s files: %w", state, err)
			}
			if len(files) == 0 {
				break
			}

			var batch []*BackupFile
			for _, f := range files {
				if !processed[f.URI] {
					processed[f.URI] = true
					batch = append(batch, f)
				}
			}
			skipped := len(files) - len(batch)
			if len(batch) == 0 {
				offset += skipped
				continue
			}

			if err := s.resolveBatch(ctx, key, batch); err != nil {
				return err
			}
			offset += skipped
		}
	}
	return nil
}

func (s *Service) resolveBatch(ctx context.Context, key FolderKey, files []*BackupFile) error {
	byHash := make(map[string][]string, len(files))
	hashes := make([]string, 0, len(files))
	for _, f := range files {
		h, err := s.hasher.NameHash(key.ParentID, f.Name)
		if err != nil {
			return fmt.Errorf("hashing name of %s: %w", f.URI, err)
		}
		if _, ok := byHash[h]; !ok {
			hashes = append(hashes, h)
		}
		byHash[h] = append(byHash[h], f.URI)
	}

	duplicates, err := s.resolver.Resolve(ctx, key.ParentID, hashes)
	if err != nil {
		return fmt.Errorf("resolving duplicates: %w", err)
	}

	var res Resolution
	var drafts []*BackupDuplicate
	matched := make(map[string]bool, len(duplicates))
	for _, d := range duplicates {
		matched[d.NameHash] = true
		switch d.LinkState {
		case LinkStateActive:
			res.Duplicated = append(res.Duplicated, byHash[d.NameHash]...)
		case LinkStateDraft:
			res.PossibleDuplicate = append(res.PossibleDuplicate, byHash[d.NameHash]...)
			drafts = append(drafts, d)
		}
	}
	deferred := 0
	for _, h := range hashes {
		if !matched[h] {
			res.Ready = append(res.Ready, byHash[h][0])
			deferred += len(byHash[h]) - 1
		}
	}

	if err := s.database.ApplyResolution(ctx, key, res); err != nil {
		return fmt.Errorf("applying resolution: %w", err)
	}
	s.logger.Debug("duplicates resolved", "folder", key.String(),
		"duplicated", len(res.Duplicated), "drafts", len(res.PossibleDuplicate), "ready", len(res.Ready), "deferred", deferred)

	for _, d := range drafts {
		if err := s.drive.DeleteDraft(ctx, key.ParentID, *d.LinkID); err != nil && !errors.Is(err, ErrLinkNotFound) {
			s.logger.Warn("stale draft not deleted", "folder", key.String(), "link", *d.LinkID, "error", err)
			continue
		}
		if err := s.database.ApplyResolution(ctx, key, Resolution{Ready: byHash[d.NameHash][:1]}); err != nil {
			return fmt.Errorf("requeueing draft files: %w", err)
		}
	}
	return nil
}

// RecoverInterrupted requeues files left ENQUEUED by a previous run of any of
// userID's folders. It only touches ENQUEUED rows and may run while a scan is
// in progress.
func (s *Service) RecoverInterrupted(ctx context.Context, userID string) (int, error) {
	folders, err := s.database.GetAllFolders(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("listing folders: %w", err)
	}

	recovered := 0
	seen := make(map[FolderKey]bool)
	for _, f := range folders {
		if seen[f.FolderKey] {
			continue
		}
		seen[f.FolderKey] = true

		n, err := s.database.MarkAllEnqueuedInFolderAsReady(ctx, f.FolderKey)
		if err != nil {
			return recovered, fmt.Errorf("requeueing %s: %w", f.FolderKey.String(), err)
		}
		recovered += n
	}

	if recovered > 0 {
		s.logger.Info("interrupted uploads requeued", "user", userID, "count", recovered)
	}
	return recovered, nil
}

// RetryAll clears retryable errors of key and makes FAILED files that are
// still within maxAttempts READY again.
func (s *Service) RetryAll(ctx context.Context, key FolderKey, maxAttempts int) (int, error) {
	folders, err := s.database.GetFolders(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("listing folders: %w", err)
	}

	if err := s.database.DeleteAllRetryableErrors(ctx, key); err != nil {
		return 0, fmt.Errorf("clearing retryable errors: %w", err)
	}

	retried := 0
	for _, f := range folders {
		n, err := s.database.MarkAllFailedInFolderAsReady(ctx, key, f.BucketID, maxAttempts)
		if err != nil {
			return retried, fmt.Errorf("retrying bucket %d: %w", f.BucketID, err)
		}
		retried += n
	}

	s.logger.Info("failed files retried", "folder", key.String(), "count", retried)
	return retried, nil
}

// ResetFilesAttempts zeroes every attempt counter of key. FAILED files stay
// FAILED; a following RetryAll revives them.
func (s *Service) ResetFilesAttempts(ctx context.Context, key FolderKey) (int, error) {
	n, err := s.database.ResetFilesAttempts(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("resetting attempts: %w", err)
	}
	return n, nil
}

// ResetFolder forces a full rescan and reclassification of key. Used when
// the inputs of duplicate detection change, such as a rotated key.
func (s *Service) ResetFolder(ctx context.Context, key FolderKey) error {
	n, err := s.database.MarkAllFilesInFolderIDAsIdle(ctx, key)
	if err != nil {
		return fmt.Errorf("marking files idle: %w", err)
	}
	if err := s.database.ResetFolderWatermark(ctx, key); err != nil {
		return fmt.Errorf("resetting watermark: %w", err)
	}
	s.logger.Info("backup folder reset", "folder", key.String(), "files", n)
	return nil
}

// SetNetworkType stores which connectivity key's uploads require.
func (s *Service) SetNetworkType(ctx context.Context, key FolderKey, network NetworkType) error {
	if network != NetworkUnmetered && network != NetworkConnected {
		return fmt.Errorf("unsupported network type: %q", network)
	}
	return s.database.UpsertConfiguration(ctx, &BackupConfiguration{FolderKey: key, NetworkType: network})
}

// CheckConnectivity records or clears connectivity errors for the current
// network and reports whether uploads may proceed.
func (s *Service) CheckConnectivity(ctx context.Context, key FolderKey, current NetworkType) (bool, error) {
	cfg, err := s.database.GetConfiguration(ctx, key)
	if err != nil {
		return false, fmt.Errorf("loading configuration: %w", err)
	}
	required := NetworkUnmetered
	if cfg != nil {
		required = cfg.NetworkType
	}

	var blocking BackupErrorType
	switch {
	case current == NetworkNone:
		blocking = ErrorTypeConnectivity
	case required == NetworkUnmetered && current != NetworkUnmetered:
		blocking = ErrorTypeWifiConnectivity
	}

	for _, t := range []BackupErrorType{ErrorTypeConnectivity, ErrorTypeWifiConnectivity} {
		if t == blocking {
			continue
		}
		if err := s.database.DeleteAllErrorsByType(ctx, key, t); err != nil {
			return false, fmt.Errorf("clearing %s errors: %w", t, err)
		}
	}
	if blocking == "" {
		return true, nil
	}

	if err := s.database.InsertError(ctx, NewBackupError(key, blocking, "")); err != nil {
		return false, fmt.Errorf("recording %s error: %w", blocking, err)
	}
	return false, nil
}

// CleanUp records the sync time of every fully backed-up bucket and, once all
// buckets of key are complete, deletes their COMPLETED rows.
func (s *Service) CleanUp(ctx context.Context, key FolderKey) (int, error) {
	folders, err := s.database.GetFolders(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("listing folders: %w", err)
	}

	allComplete := len(folders) > 0
	now := s.clock.Now()
	for _, f := range folders {
		complete, err := s.database.IsBackupCompleteForFolder(ctx, key, f.BucketID)
		if err != nil {
			return 0, fmt.Errorf("checking bucket %d: %w", f.BucketID, err)
		}
		if !complete {
			allComplete = false
			continue
		}
		if err := s.database.UpdateFolderSyncTime(ctx, key, f.BucketID, now); err != nil {
			return 0, fmt.Errorf("recording sync time: %w", err)
		}
	}
	if !allComplete {
		return 0, nil
	}

	n, err := s.database.DeleteCompletedFromFolder(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("deleting completed files: %w", err)
	}
	s.logger.Debug("completed files cleaned up", "folder", key.String(), "count", n)
	return n, nil
}

// BackupState returns the current presentation state of key.
func (s *Service) BackupState(ctx context.Context, key FolderKey) (*FolderBackupState, error) {
	folders, err := s.database.GetFolders(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	counts, err := s.database.GetCountsByState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("counting files: %w", err)
	}
	errs, err := s.database.GetErrors(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("listing errors: %w", err)
	}
	return CombineState(len(folders) > 0, AggregateStatus(counts), errs), nil
}

// WatchStatus streams the aggregated status of key until ctx is done.
func (s *Service) WatchStatus(ctx context.Context, key FolderKey) (<-chan Status, error) {
	return s.watcher.Watch(ctx, key)
}

// WatchState streams the presentation state of key, errors included.
func (s *Service) WatchState(ctx context.Context, key FolderKey) (<-chan *FolderBackupState, error) {
	return s.watcher.WatchState(ctx, key)
}

// WatchErrors streams the recorded errors of key.
func (s *Service) WatchErrors(ctx context.Context, key FolderKey) (<-chan []*BackupError, error) {
	return s.watcher.WatchErrors(ctx, key)
}

// recordError stores a classified folder error. Failures to record are
// logged; the original error is what the caller sees.
func (s *Service) recordError(ctx context.Context, key FolderKey, cause error) {
	if ctx.Err() != nil {
		return
	}
	e := NewBackupError(key, ClassifyError(cause), cause.Error())
	if err := s.database.InsertError(ctx, e); err != nil {
		s.logger.Error("recording backup error failed", "folder", key.String(), "type", string(e.Type), "error", err)
		return
	}
	s.logger.Warn("backup error recorded", "folder", key.String(), "type", string(e.Type), "error", cause)
}
