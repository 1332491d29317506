package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"pbk-go/internal/database/migrations"
	"pbk-go/internal/pbk"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements pbk.Database using SQLite.
//
// All writes go through mutate, which holds writeMu from BEGIN until the
// change event is published, so subscribers observe commits in order.
type SQLiteDatabase struct {
	db      *sql.DB
	queries *queries
	feed    *changeFeed
	path    string
	writeMu sync.Mutex

	// afterFailStateUpdate runs between the two statements of MarkAsFailed.
	// Tests use it to abort the transaction half way.
	afterFailStateUpdate func() error
}

var _ pbk.Database = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens a SQLite database.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	s := NewSQLiteDatabaseFromDB(db)
	s.path = path
	return s, nil
}

// NewSQLiteDatabaseFromDB wraps a connection opened with OpenConnection.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{
		db:      db,
		queries: newQueries(db),
		feed:    newChangeFeed(),
	}
}

// OpenConnection opens and configures a SQLite connection.
// path can be a file path or ":memory:" for an in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes transactions and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// Migrate applies pending schema migrations.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations returns an error unless the schema is up to date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close ends all subscriptions and closes the connection.
func (s *SQLiteDatabase) Close() error {
	s.feed.closeAll()
	return s.db.Close()
}

// Subscribe registers for ChangeEvents of key.
func (s *SQLiteDatabase) Subscribe(key pbk.FolderKey) pbk.Subscription {
	return s.feed.subscribe(key)
}

// mutate runs fn in one transaction. When fn reports changed rows and
// publish is set, a snapshot of key is read inside the same transaction
// and published after commit. Nothing is published on rollback.
func (s *SQLiteDatabase) mutate(ctx context.Context, key pbk.FolderKey, publish bool, fn func(q *queries) (int, error)) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	qtx := s.queries.withTx(tx)
	changed, err := fn(qtx)
	if err != nil {
		return 0, err
	}

	var ev *pbk.ChangeEvent
	if publish && changed > 0 {
		snap, err := qtx.snapshot(ctx, key)
		if err != nil {
			return 0, err
		}
		ev = &snap
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	if ev != nil {
		s.feed.publish(*ev)
	}
	return changed, nil
}

// Folder operations

func (s *SQLiteDatabase) InsertFolder(ctx context.Context, folder *pbk.BackupFolder) error {
	_, err := s.mutate(ctx, folder.FolderKey, true, func(q *queries) (int, error) {
		return q.insertFolder(ctx, folder)
	})
	if err != nil {
		return fmt.Errorf("inserting folder: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) GetFolders(ctx context.Context, key pbk.FolderKey) ([]*pbk.BackupFolder, error) {
	folders, err := s.queries.getFolders(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("getting folders: %w", err)
	}
	return folders, nil
}

func (s *SQLiteDatabase) GetAllFolders(ctx context.Context, userID string) ([]*pbk.BackupFolder, error) {
	folders, err := s.queries.getAllFolders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("getting folders of user: %w", err)
	}
	return folders, nil
}

func (s *SQLiteDatabase) UpdateFolderWatermark(ctx context.Context, key pbk.FolderKey, bucketID int, t time.Time) error {
	n, err := s.mutate(ctx, key, false, func(q *queries) (int, error) {
		return q.updateFolderWatermark(ctx, key, bucketID, t)
	})
	if err != nil {
		return fmt.Errorf("updating watermark: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("updating watermark of bucket %d: %w", bucketID, pbk.ErrFolderNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) ResetFolderWatermark(ctx context.Context, key pbk.FolderKey) error {
	_, err := s.mutate(ctx, key, false, func(q *queries) (int, error) {
		return 0, q.resetFolderWatermark(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("resetting watermark: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) UpdateFolderSyncTime(ctx context.Context, key pbk.FolderKey, bucketID int, t time.Time) error {
	n, err := s.mutate(ctx, key, false, func(q *queries) (int, error) {
		return q.updateFolderSyncTime(ctx, key, bucketID, t)
	})
	if err != nil {
		return fmt.Errorf("updating sync time: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("updating sync time of bucket %d: %w", bucketID, pbk.ErrFolderNotFound)
	}
	return nil
}

// DeleteFolder removes a bucket's folder; its files go with it by cascade.
func (s *SQLiteDatabase) DeleteFolder(ctx context.Context, key pbk.FolderKey, bucketID int) error {
	_, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		return q.deleteFolder(ctx, key, bucketID)
	})
	if err != nil {
		return fmt.Errorf("deleting folder: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteFolders(ctx context.Context, key pbk.FolderKey) error {
	_, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		return q.deleteFolders(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("deleting folders: %w", err)
	}
	return nil
}

// File operations

// InsertFiles inserts files of any number of folders in one transaction.
// A change event is published for each folder that gained rows.
func (s *SQLiteDatabase) InsertFiles(ctx context.Context, files []*pbk.BackupFile) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	qtx := s.queries.withTx(tx)
	inserted := 0
	var touched []pbk.FolderKey
	seen := make(map[pbk.FolderKey]bool)
	for _, f := range files {
		n, err := qtx.insertFile(ctx, f)
		if err != nil {
			return 0, fmt.Errorf("inserting file %s: %w", f.URI, err)
		}
		inserted += n
		if n > 0 && !seen[f.FolderKey] {
			seen[f.FolderKey] = true
			touched = append(touched, f.FolderKey)
		}
	}

	events := make([]pbk.ChangeEvent, len(touched))
	for i, key := range touched {
		if events[i], err = qtx.snapshot(ctx, key); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	for _, ev := range events {
		s.feed.publish(ev)
	}
	return inserted, nil
}

func (s *SQLiteDatabase) GetFile(ctx context.Context, key pbk.FolderKey, uri string) (*pbk.BackupFile, error) {
	f, err := s.queries.getFile(ctx, key, uri)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting file: %w", err)
	}
	return f, nil
}

func (s *SQLiteDatabase) GetFilesToBackup(ctx context.Context, key pbk.FolderKey, bucketID int, maxAttempts int, page pbk.Page) ([]*pbk.BackupFile, error) {
	files, err := s.queries.getFilesToBackup(ctx, key, bucketID, maxAttempts, page)
	if err != nil {
		return nil, fmt.Errorf("getting files to back up: %w", err)
	}
	return files, nil
}

func (s *SQLiteDatabase) GetFilesInState(ctx context.Context, key pbk.FolderKey, bucketID int, state pbk.FileState, page pbk.Page) ([]*pbk.BackupFile, error) {
	files, err := s.queries.getFilesInState(ctx, key, bucketID, state, page)
	if err != nil {
		return nil, fmt.Errorf("getting %s files: %w", state, err)
	}
	return files, nil
}

func (s *SQLiteDatabase) GetCountsByState(ctx context.Context, key pbk.FolderKey) (pbk.StateCounts, error) {
	counts, err := s.queries.countsByState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("counting files: %w", err)
	}
	return counts, nil
}

func (s *SQLiteDatabase) IsBackupCompleteForFolder(ctx context.Context, key pbk.FolderKey, bucketID int) (bool, error) {
	n, err := s.queries.countUnfinished(ctx, key, bucketID)
	if err != nil {
		return false, fmt.Errorf("counting unfinished files: %w", err)
	}
	return n == 0, nil
}

func (s *SQLiteDatabase) UpdateFileHash(ctx context.Context, key pbk.FolderKey, uri string, hash string) error {
	_, err := s.mutate(ctx, key, false, func(q *queries) (int, error) {
		return q.updateFileHash(ctx, key, uri, hash)
	})
	if err != nil {
		return fmt.Errorf("updating file hash: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) MarkAsEnqueued(ctx context.Context, key pbk.FolderKey, uris []string) (int, error) {
	n, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		return setStateChunked(ctx, q, key, uris, pbk.FileStateEnqueued, pbk.FileStateReady)
	})
	if err != nil {
		return 0, fmt.Errorf("marking files enqueued: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) MarkAsCompleted(ctx context.Context, key pbk.FolderKey, uri string) error {
	_, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		n, err := q.setFileState(ctx, key, uri, pbk.FileStateCompleted, pbk.FileStateReady, pbk.FileStateEnqueued)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("completing %s: %w", uri, pbk.ErrTransitionRejected)
		}
		return n, nil
	})
	if err != nil {
		return fmt.Errorf("marking file completed: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) MarkAsIdle(ctx context.Context, key pbk.FolderKey, uri string) error {
	_, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		n, err := q.setFileState(ctx, key, uri, pbk.FileStateIdle, pbk.FileStateReady, pbk.FileStateEnqueued)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("requeueing %s: %w", uri, pbk.ErrTransitionRejected)
		}
		return n, nil
	})
	if err != nil {
		return fmt.Errorf("marking file idle: %w", err)
	}
	return nil
}

// MarkAsFailed sets FAILED and increments attempts as one unit: either both
// writes commit or neither does.
func (s *SQLiteDatabase) MarkAsFailed(ctx context.Context, key pbk.FolderKey, uri string) error {
	_, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		n, err := q.setFileState(ctx, key, uri, pbk.FileStateFailed, pbk.FileStateReady, pbk.FileStateEnqueued)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("failing %s: %w", uri, pbk.ErrTransitionRejected)
		}

		if s.afterFailStateUpdate != nil {
			if err := s.afterFailStateUpdate(); err != nil {
				return 0, err
			}
		}

		if _, err := q.incrementAttempts(ctx, key, uri); err != nil {
			return 0, fmt.Errorf("incrementing attempts: %w", err)
		}
		return n, nil
	})
	if err != nil {
		return fmt.Errorf("marking file failed: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ApplyResolution(ctx context.Context, key pbk.FolderKey, r pbk.Resolution) error {
	if r.Empty() {
		return nil
	}
	_, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		changed := 0
		steps := []struct {
			uris []string
			to   pbk.FileState
			from []pbk.FileState
		}{
			{r.Duplicated, pbk.FileStateDuplicated, []pbk.FileState{pbk.FileStateIdle, pbk.FileStatePossibleDuplicate}},
			{r.PossibleDuplicate, pbk.FileStatePossibleDuplicate, []pbk.FileState{pbk.FileStateIdle}},
			{r.Ready, pbk.FileStateReady, []pbk.FileState{pbk.FileStateIdle, pbk.FileStatePossibleDuplicate}},
		}
		for _, step := range steps {
			n, err := setStateChunked(ctx, q, key, step.uris, step.to, step.from...)
			if err != nil {
				return 0, fmt.Errorf("marking %s: %w", step.to, err)
			}
			changed += n
		}
		return changed, nil
	})
	if err != nil {
		return fmt.Errorf("applying resolution: %w", err)
	}
	return nil
}

// setStateChunked runs setStateForURIs over uris in chunks that fit the
// bound-parameter limit.
func setStateChunked(ctx context.Context, q *queries, key pbk.FolderKey, uris []string, to pbk.FileState, from ...pbk.FileState) (int, error) {
	total := 0
	for _, c := range chunk(uris, 1+folderKeyParams+len(from)) {
		n, err := q.setStateForURIs(ctx, key, c, to, from...)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (s *SQLiteDatabase) MarkAllFailedInFolderAsReady(ctx context.Context, key pbk.FolderKey, bucketID int, maxAttempts int) (int, error) {
	n, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		return q.markFailedAsReady(ctx, key, bucketID, maxAttempts)
	})
	if err != nil {
		return 0, fmt.Errorf("retrying failed files: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) MarkAllEnqueuedInFolderAsReady(ctx context.Context, key pbk.FolderKey) (int, error) {
	n, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		return q.markFolderState(ctx, key, pbk.FileStateEnqueued, pbk.FileStateReady)
	})
	if err != nil {
		return 0, fmt.Errorf("requeueing enqueued files: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) MarkAllFilesInFolderIDAsIdle(ctx context.Context, key pbk.FolderKey) (int, error) {
	n, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		return q.markAllIdle(ctx, key)
	})
	if err != nil {
		return 0, fmt.Errorf("marking files idle: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) ResetFilesAttempts(ctx context.Context, key pbk.FolderKey) (int, error) {
	n, err := s.mutate(ctx, key, false, func(q *queries) (int, error) {
		return q.resetAttempts(ctx, key)
	})
	if err != nil {
		return 0, fmt.Errorf("resetting attempts: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) DeleteCompletedFromFolder(ctx context.Context, key pbk.FolderKey) (int, error) {
	n, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		return q.deleteFilesInState(ctx, key, pbk.FileStateCompleted)
	})
	if err != nil {
		return 0, fmt.Errorf("deleting completed files: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) DeleteFailedForFolderID(ctx context.Context, key pbk.FolderKey) (int, error) {
	n, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		return q.deleteFilesInState(ctx, key, pbk.FileStateFailed)
	})
	if err != nil {
		return 0, fmt.Errorf("deleting failed files: %w", err)
	}
	return n, nil
}

// Error operations

func (s *SQLiteDatabase) InsertError(ctx context.Context, e *pbk.BackupError) error {
	_, err := s.mutate(ctx, e.FolderKey, true, func(q *queries) (int, error) {
		return q.upsertError(ctx, e)
	})
	if err != nil {
		return fmt.Errorf("inserting error: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) GetErrors(ctx context.Context, key pbk.FolderKey) ([]*pbk.BackupError, error) {
	errs, err := s.queries.getErrors(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("getting errors: %w", err)
	}
	return errs, nil
}

func (s *SQLiteDatabase) DeleteAllErrorsByType(ctx context.Context, key pbk.FolderKey, t pbk.BackupErrorType) error {
	_, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		return q.deleteErrorsByType(ctx, key, t)
	})
	if err != nil {
		return fmt.Errorf("deleting %s errors: %w", t, err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteAllRetryableErrors(ctx context.Context, key pbk.FolderKey) error {
	_, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		return q.deleteRetryableErrors(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("deleting retryable errors: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteAllErrors(ctx context.Context, key pbk.FolderKey) error {
	_, err := s.mutate(ctx, key, true, func(q *queries) (int, error) {
		return q.deleteErrors(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("deleting errors: %w", err)
	}
	return nil
}

// Configuration operations

func (s *SQLiteDatabase) GetConfiguration(ctx context.Context, key pbk.FolderKey) (*pbk.BackupConfiguration, error) {
	cfg, err := s.queries.getConfiguration(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting configuration: %w", err)
	}
	return cfg, nil
}

func (s *SQLiteDatabase) UpsertConfiguration(ctx context.Context, cfg *pbk.BackupConfiguration) error {
	_, err := s.mutate(ctx, cfg.FolderKey, false, func(q *queries) (int, error) {
		return 0, q.upsertConfiguration(ctx, cfg)
	})
	if err != nil {
		return fmt.Errorf("upserting configuration: %w", err)
	}
	return nil
}
