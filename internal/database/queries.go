package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"pbk-go/internal/pbk"
)

// maxSQLVariables is SQLite's default limit on bound parameters per statement.
const maxSQLVariables = 999

// folderKeyParams is the number of parameters the folder key adds to a statement.
const folderKeyParams = 3

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the SQL of the store. A queries bound to a transaction is
// obtained with withTx.
type queries struct {
	db dbtx
}

func newQueries(db dbtx) *queries {
	return &queries{db: db}
}

func (q *queries) withTx(tx *sql.Tx) *queries {
	return &queries{db: tx}
}

func keyArgs(key pbk.FolderKey) []any {
	return []any{key.UserID, key.ShareID, key.ParentID}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return int(n), nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// chunk splits uris so no statement exceeds maxSQLVariables with extra fixed parameters.
func chunk(uris []string, extra int) [][]string {
	size := maxSQLVariables - extra
	var chunks [][]string
	for start := 0; start < len(uris); start += size {
		chunks = append(chunks, uris[start:min(start+size, len(uris))])
	}
	return chunks
}

// Folders

const insertFolder = `-- name: InsertFolder :execrows
INSERT INTO backup_folders (user_id, share_id, parent_id, bucket_id, update_time)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id, share_id, parent_id, bucket_id) DO NOTHING`

func (q *queries) insertFolder(ctx context.Context, f *pbk.BackupFolder) (int, error) {
	res, err := q.db.ExecContext(ctx, insertFolder, f.UserID, f.ShareID, f.ParentID, f.BucketID, nullMillis(f.UpdateTime))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const folderColumns = `user_id, share_id, parent_id, bucket_id, update_time, sync_time`

const getFolders = `-- name: GetFolders :many
SELECT ` + folderColumns + ` FROM backup_folders
WHERE user_id = ? AND share_id = ? AND parent_id = ?
ORDER BY bucket_id`

const getAllFolders = `-- name: GetAllFolders :many
SELECT ` + folderColumns + ` FROM backup_folders
WHERE user_id = ?
ORDER BY share_id, parent_id, bucket_id`

func (q *queries) getFolders(ctx context.Context, key pbk.FolderKey) ([]*pbk.BackupFolder, error) {
	return q.queryFolders(ctx, getFolders, keyArgs(key)...)
}

func (q *queries) getAllFolders(ctx context.Context, userID string) ([]*pbk.BackupFolder, error) {
	return q.queryFolders(ctx, getAllFolders, userID)
}

func (q *queries) queryFolders(ctx context.Context, query string, args ...any) ([]*pbk.BackupFolder, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []*pbk.BackupFolder
	for rows.Next() {
		var f pbk.BackupFolder
		var updateTime, syncTime sql.NullInt64
		if err := rows.Scan(&f.UserID, &f.ShareID, &f.ParentID, &f.BucketID, &updateTime, &syncTime); err != nil {
			return nil, err
		}
		f.UpdateTime = timePtr(updateTime)
		f.SyncTime = timePtr(syncTime)
		folders = append(folders, &f)
	}
	return folders, rows.Err()
}

const updateFolderWatermark = `-- name: UpdateFolderWatermark :execrows
UPDATE backup_folders SET update_time = ?
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND bucket_id = ?`

func (q *queries) updateFolderWatermark(ctx context.Context, key pbk.FolderKey, bucketID int, t time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, updateFolderWatermark, toMillis(t), key.UserID, key.ShareID, key.ParentID, bucketID)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const resetFolderWatermark = `-- name: ResetFolderWatermark :exec
UPDATE backup_folders SET update_time = NULL
WHERE user_id = ? AND share_id = ? AND parent_id = ?`

func (q *queries) resetFolderWatermark(ctx context.Context, key pbk.FolderKey) error {
	_, err := q.db.ExecContext(ctx, resetFolderWatermark, keyArgs(key)...)
	return err
}

const updateFolderSyncTime = `-- name: UpdateFolderSyncTime :execrows
UPDATE backup_folders SET sync_time = ?
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND bucket_id = ?`

func (q *queries) updateFolderSyncTime(ctx context.Context, key pbk.FolderKey, bucketID int, t time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, updateFolderSyncTime, toMillis(t), key.UserID, key.ShareID, key.ParentID, bucketID)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const deleteFolder = `-- name: DeleteFolder :execrows
DELETE FROM backup_folders
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND bucket_id = ?`

func (q *queries) deleteFolder(ctx context.Context, key pbk.FolderKey, bucketID int) (int, error) {
	res, err := q.db.ExecContext(ctx, deleteFolder, key.UserID, key.ShareID, key.ParentID, bucketID)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const deleteFolders = `-- name: DeleteFolders :execrows
DELETE FROM backup_folders
WHERE user_id = ? AND share_id = ? AND parent_id = ?`

func (q *queries) deleteFolders(ctx context.Context, key pbk.FolderKey) (int, error) {
	res, err := q.db.ExecContext(ctx, deleteFolders, keyArgs(key)...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// Files

const insertFile = `-- name: InsertFile :execrows
INSERT INTO backup_files (
    user_id, share_id, parent_id, bucket_id, uri, name, mime_type, hash,
    size, captured_at, last_modified, state, attempts, upload_priority
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, share_id, parent_id, uri) DO NOTHING`

func (q *queries) insertFile(ctx context.Context, f *pbk.BackupFile) (int, error) {
	var hash sql.NullString
	if f.Hash != nil {
		hash = sql.NullString{String: *f.Hash, Valid: true}
	}
	res, err := q.db.ExecContext(ctx, insertFile,
		f.UserID, f.ShareID, f.ParentID, f.BucketID, f.URI, f.Name, f.MimeType, hash,
		f.Size, toMillis(f.CapturedAt), toMillis(f.LastModified), string(f.State), f.Attempts, f.UploadPriority)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const fileColumns = `user_id, share_id, parent_id, bucket_id, uri, name, mime_type, hash,
    size, captured_at, last_modified, state, attempts, upload_priority`

const getFile = `-- name: GetFile :one
SELECT ` + fileColumns + ` FROM backup_files
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND uri = ?`

func (q *queries) getFile(ctx context.Context, key pbk.FolderKey, uri string) (*pbk.BackupFile, error) {
	return scanFile(q.db.QueryRowContext(ctx, getFile, key.UserID, key.ShareID, key.ParentID, uri))
}

const getFilesToBackup = `-- name: GetFilesToBackup :many
SELECT ` + fileColumns + ` FROM backup_files
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND bucket_id = ?
  AND state = 'READY' AND attempts < ?
ORDER BY upload_priority ASC, captured_at DESC, uri
LIMIT ? OFFSET ?`

func (q *queries) getFilesToBackup(ctx context.Context, key pbk.FolderKey, bucketID, maxAttempts int, page pbk.Page) ([]*pbk.BackupFile, error) {
	return q.queryFiles(ctx, getFilesToBackup,
		key.UserID, key.ShareID, key.ParentID, bucketID, maxAttempts, pageLimit(page), page.Offset)
}

const getFilesInState = `-- name: GetFilesInState :many
SELECT ` + fileColumns + ` FROM backup_files
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND state = ?
  AND (? < 0 OR bucket_id = ?)
ORDER BY captured_at DESC, uri
LIMIT ? OFFSET ?`

func (q *queries) getFilesInState(ctx context.Context, key pbk.FolderKey, bucketID int, state pbk.FileState, page pbk.Page) ([]*pbk.BackupFile, error) {
	return q.queryFiles(ctx, getFilesInState,
		key.UserID, key.ShareID, key.ParentID, string(state), bucketID, bucketID, pageLimit(page), page.Offset)
}

// pageLimit maps a zero limit to SQLite's "no limit".
func pageLimit(p pbk.Page) int {
	if p.Limit <= 0 {
		return -1
	}
	return p.Limit
}

func (q *queries) queryFiles(ctx context.Context, query string, args ...any) ([]*pbk.BackupFile, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*pbk.BackupFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*pbk.BackupFile, error) {
	var f pbk.BackupFile
	var hash sql.NullString
	var capturedAt, lastModified int64
	var state string
	err := row.Scan(&f.UserID, &f.ShareID, &f.ParentID, &f.BucketID, &f.URI, &f.Name, &f.MimeType, &hash,
		&f.Size, &capturedAt, &lastModified, &state, &f.Attempts, &f.UploadPriority)
	if err != nil {
		return nil, err
	}
	if hash.Valid {
		f.Hash = &hash.String
	}
	f.CapturedAt = fromMillis(capturedAt)
	f.LastModified = fromMillis(lastModified)
	f.State = pbk.FileState(state)
	return &f, nil
}

const countsByState = `-- name: CountsByState :many
SELECT state, COUNT(*) FROM backup_files
WHERE user_id = ? AND share_id = ? AND parent_id = ?
GROUP BY state`

func (q *queries) countsByState(ctx context.Context, key pbk.FolderKey) (pbk.StateCounts, error) {
	rows, err := q.db.QueryContext(ctx, countsByState, keyArgs(key)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(pbk.StateCounts)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[pbk.FileState(state)] = n
	}
	return counts, rows.Err()
}

const countUnfinished = `-- name: CountUnfinished :one
SELECT COUNT(*) FROM backup_files
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND bucket_id = ?
  AND state NOT IN ('COMPLETED', 'DUPLICATED')`

func (q *queries) countUnfinished(ctx context.Context, key pbk.FolderKey, bucketID int) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, countUnfinished, key.UserID, key.ShareID, key.ParentID, bucketID).Scan(&n)
	return n, err
}

const updateFileHash = `-- name: UpdateFileHash :execrows
UPDATE backup_files SET hash = ?
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND uri = ?`

func (q *queries) updateFileHash(ctx context.Context, key pbk.FolderKey, uri, hash string) (int, error) {
	res, err := q.db.ExecContext(ctx, updateFileHash, hash, key.UserID, key.ShareID, key.ParentID, uri)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// setStateForURIs moves the listed files to state when their current state
// is one of from. The uri list must already be chunked.
func (q *queries) setStateForURIs(ctx context.Context, key pbk.FolderKey, uris []string, state pbk.FileState, from ...pbk.FileState) (int, error) {
	query := `-- name: SetStateForURIs :execrows
UPDATE backup_files SET state = ?
WHERE user_id = ? AND share_id = ? AND parent_id = ?
  AND state IN (` + placeholders(len(from)) + `)
  AND uri IN (` + placeholders(len(uris)) + `)`

	args := make([]any, 0, 1+folderKeyParams+len(from)+len(uris))
	args = append(args, string(state))
	args = append(args, keyArgs(key)...)
	for _, s := range from {
		args = append(args, string(s))
	}
	for _, u := range uris {
		args = append(args, u)
	}

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const setFileState = `-- name: SetFileState :execrows
UPDATE backup_files SET state = ?
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND uri = ?
  AND state IN (?, ?)`

func (q *queries) setFileState(ctx context.Context, key pbk.FolderKey, uri string, state pbk.FileState, from1, from2 pbk.FileState) (int, error) {
	res, err := q.db.ExecContext(ctx, setFileState, string(state), key.UserID, key.ShareID, key.ParentID, uri, string(from1), string(from2))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const incrementAttempts = `-- name: IncrementAttempts :execrows
UPDATE backup_files SET attempts = attempts + 1
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND uri = ?`

func (q *queries) incrementAttempts(ctx context.Context, key pbk.FolderKey, uri string) (int, error) {
	res, err := q.db.ExecContext(ctx, incrementAttempts, key.UserID, key.ShareID, key.ParentID, uri)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const markFailedAsReady = `-- name: MarkFailedAsReady :execrows
UPDATE backup_files SET state = 'READY'
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND bucket_id = ?
  AND state = 'FAILED' AND attempts < ?`

func (q *queries) markFailedAsReady(ctx context.Context, key pbk.FolderKey, bucketID, maxAttempts int) (int, error) {
	res, err := q.db.ExecContext(ctx, markFailedAsReady, key.UserID, key.ShareID, key.ParentID, bucketID, maxAttempts)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const markFolderState = `-- name: MarkFolderState :execrows
UPDATE backup_files SET state = ?
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND state = ?`

// markFolderState moves every file of key in from to state.
func (q *queries) markFolderState(ctx context.Context, key pbk.FolderKey, from, state pbk.FileState) (int, error) {
	res, err := q.db.ExecContext(ctx, markFolderState, string(state), key.UserID, key.ShareID, key.ParentID, string(from))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const markAllIdle = `-- name: MarkAllIdle :execrows
UPDATE backup_files SET state = 'IDLE'
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND state != 'IDLE'`

func (q *queries) markAllIdle(ctx context.Context, key pbk.FolderKey) (int, error) {
	res, err := q.db.ExecContext(ctx, markAllIdle, keyArgs(key)...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const resetAttempts = `-- name: ResetAttempts :execrows
UPDATE backup_files SET attempts = 0
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND attempts != 0`

func (q *queries) resetAttempts(ctx context.Context, key pbk.FolderKey) (int, error) {
	res, err := q.db.ExecContext(ctx, resetAttempts, keyArgs(key)...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const deleteFilesInState = `-- name: DeleteFilesInState :execrows
DELETE FROM backup_files
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND state = ?`

func (q *queries) deleteFilesInState(ctx context.Context, key pbk.FolderKey, state pbk.FileState) (int, error) {
	res, err := q.db.ExecContext(ctx, deleteFilesInState, key.UserID, key.ShareID, key.ParentID, string(state))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// Errors

const upsertError = `-- name: UpsertError :execrows
INSERT INTO backup_errors (user_id, share_id, parent_id, type, message, retryable)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, share_id, parent_id, type)
DO UPDATE SET message = excluded.message, retryable = excluded.retryable`

func (q *queries) upsertError(ctx context.Context, e *pbk.BackupError) (int, error) {
	res, err := q.db.ExecContext(ctx, upsertError, e.UserID, e.ShareID, e.ParentID, string(e.Type), e.Message, e.Retryable)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const getErrors = `-- name: GetErrors :many
SELECT user_id, share_id, parent_id, type, message, retryable FROM backup_errors
WHERE user_id = ? AND share_id = ? AND parent_id = ?
ORDER BY type`

func (q *queries) getErrors(ctx context.Context, key pbk.FolderKey) ([]*pbk.BackupError, error) {
	rows, err := q.db.QueryContext(ctx, getErrors, keyArgs(key)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errs []*pbk.BackupError
	for rows.Next() {
		var e pbk.BackupError
		var t string
		if err := rows.Scan(&e.UserID, &e.ShareID, &e.ParentID, &t, &e.Message, &e.Retryable); err != nil {
			return nil, err
		}
		e.Type = pbk.BackupErrorType(t)
		errs = append(errs, &e)
	}
	return errs, rows.Err()
}

const deleteErrorsByType = `-- name: DeleteErrorsByType :execrows
DELETE FROM backup_errors
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND type = ?`

func (q *queries) deleteErrorsByType(ctx context.Context, key pbk.FolderKey, t pbk.BackupErrorType) (int, error) {
	res, err := q.db.ExecContext(ctx, deleteErrorsByType, key.UserID, key.ShareID, key.ParentID, string(t))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const deleteRetryableErrors = `-- name: DeleteRetryableErrors :execrows
DELETE FROM backup_errors
WHERE user_id = ? AND share_id = ? AND parent_id = ? AND retryable = 1`

func (q *queries) deleteRetryableErrors(ctx context.Context, key pbk.FolderKey) (int, error) {
	res, err := q.db.ExecContext(ctx, deleteRetryableErrors, keyArgs(key)...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

const deleteErrors = `-- name: DeleteErrors :execrows
DELETE FROM backup_errors
WHERE user_id = ? AND share_id = ? AND parent_id = ?`

func (q *queries) deleteErrors(ctx context.Context, key pbk.FolderKey) (int, error) {
	res, err := q.db.ExecContext(ctx, deleteErrors, keyArgs(key)...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// snapshot reads the state published to subscribers of key.
func (q *queries) snapshot(ctx context.Context, key pbk.FolderKey) (pbk.ChangeEvent, error) {
	ev := pbk.ChangeEvent{Folder: key}
	var err error
	if ev.Counts, err = q.countsByState(ctx, key); err != nil {
		return ev, fmt.Errorf("counting files: %w", err)
	}
	if ev.Errors, err = q.getErrors(ctx, key); err != nil {
		return ev, fmt.Errorf("listing errors: %w", err)
	}
	folders, err := q.getFolders(ctx, key)
	if err != nil {
		return ev, fmt.Errorf("listing folders: %w", err)
	}
	ev.Enabled = len(folders) > 0
	return ev, nil
}

// Configurations

const getConfiguration = `-- name: GetConfiguration :one
SELECT user_id, share_id, parent_id, network_type FROM backup_configurations
WHERE user_id = ? AND share_id = ? AND parent_id = ?`

func (q *queries) getConfiguration(ctx context.Context, key pbk.FolderKey) (*pbk.BackupConfiguration, error) {
	var c pbk.BackupConfiguration
	var network string
	err := q.db.QueryRowContext(ctx, getConfiguration, keyArgs(key)...).Scan(&c.UserID, &c.ShareID, &c.ParentID, &network)
	if err != nil {
		return nil, err
	}
	c.NetworkType = pbk.NetworkType(network)
	return &c, nil
}

const upsertConfiguration = `-- name: UpsertConfiguration :exec
INSERT INTO backup_configurations (user_id, share_id, parent_id, network_type)
VALUES (?, ?, ?, ?)
ON CONFLICT (user_id, share_id, parent_id)
DO UPDATE SET network_type = excluded.network_type`

func (q *queries) upsertConfiguration(ctx context.Context, c *pbk.BackupConfiguration) error {
	_, err := q.db.ExecContext(ctx, upsertConfiguration, c.UserID, c.ShareID, c.ParentID, string(c.NetworkType))
	return err
}
