package pbk

import (
	"context"
	"fmt"
)

// ScanPageSize is the number of media rows requested per index query.
const ScanPageSize = 100

// Scanner lists the media items of a bucket that appeared since the folder's watermark.
// It never writes persisted state.
type Scanner struct {
	index  MediaIndex
	logger Logger
}

// NewScanner creates a Scanner reading from index.
func NewScanner(index MediaIndex, logger Logger) *Scanner {
	return &Scanner{index: index, logger: logger}
}

// Scan returns the IDLE file candidates of folder's bucket, images first then videos.
func (s *Scanner) Scan(ctx context.Context, folder *BackupFolder) ([]*BackupFile, error) {
	var files []*BackupFile
	for _, t := range []MediaType{MediaTypeImage, MediaTypeVideo} {
		found, err := s.scanType(ctx, folder, t)
		if err != nil {
			return nil, fmt.Errorf("scanning %s media of bucket %d: %w", t, folder.BucketID, err)
		}
		files = append(files, found...)
	}
	s.logger.Debug("bucket scanned", "folder", folder.FolderKey.String(), "bucket", folder.BucketID, "count", len(files))
	return files, nil
}

func (s *Scanner) scanType(ctx context.Context, folder *BackupFolder, t MediaType) ([]*BackupFile, error) {
	var files []*BackupFile
	for offset := 0; ; offset += ScanPageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rows, err := s.index.Query(ctx, MediaQuery{
			Type:     t,
			BucketID: folder.BucketID,
			Since:    folder.UpdateTime,
			Limit:    ScanPageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return files, nil
		}

		for _, row := range rows {
			file, err := s.toBackupFile(folder, t, row)
			if err != nil {
				s.logger.Warn("skipping unreadable media row", "bucket", folder.BucketID, "type", string(t), "error", err)
				continue
			}
			files = append(files, file)
		}
	}
}

// toBackupFile converts a media row, failing when a required column is missing.
func (s *Scanner) toBackupFile(folder *BackupFolder, t MediaType, row *MediaRow) (*BackupFile, error) {
	switch {
	case !row.ID.Valid:
		return nil, fmt.Errorf("missing column: id")
	case !row.DisplayName.Valid:
		return nil, fmt.Errorf("missing column: display_name")
	case !row.MimeType.Valid:
		return nil, fmt.Errorf("missing column: mime_type (id %s)", row.ID.String)
	case !row.Size.Valid:
		return nil, fmt.Errorf("missing column: size (id %s)", row.ID.String)
	case !row.DateAdded.Valid:
		return nil, fmt.Errorf("missing column: date_added (id %s)", row.ID.String)
	}

	modified := row.DateAdded.Time
	if row.DateModified.Valid {
		modified = row.DateModified.Time
	}

	return &BackupFile{
		FolderKey:      folder.FolderKey,
		BucketID:       folder.BucketID,
		URI:            s.index.ContentURI(t, row.ID.String),
		Name:           row.DisplayName.String,
		MimeType:       row.MimeType.String,
		Size:           row.Size.Int64,
		CapturedAt:     row.DateAdded.Time,
		LastModified:   modified,
		State:          FileStateIdle,
		UploadPriority: DefaultUploadPriority,
	}, nil
}
