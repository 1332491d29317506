package pbk

import (
	"context"
	"errors"
	"io"
)

// PendingHash is a name hash held by a not-yet-committed remote draft.
type PendingHash struct {
	Hash       string
	LinkID     string
	RevisionID string
	ClientUID  string
}

// HashCheckResult is the answer of the remote namespace to a hash check.
type HashCheckResult struct {
	AvailableHashes []string
	PendingHashes   []PendingHash
}

// HashChecker asks the remote namespace which name hashes are free under a parent.
type HashChecker interface {
	CheckAvailableHashes(ctx context.Context, parentID string, hashes []string, clientUID string) (*HashCheckResult, error)
}

// DraftRequest describes a file about to be uploaded.
type DraftRequest struct {
	ParentID   string
	NameHash   string
	MimeType   string
	ClientUID  string
	CapturedAt int64 // unix seconds
}

// Draft identifies the remote link and revision created for an upload.
type Draft struct {
	ParentID   string
	LinkID     string
	RevisionID string
}

// Drive is the remote side of the upload worker. The engine itself only needs
// HashChecker and DeleteDraft; the rest serves the reference Uploader.
type Drive interface {
	HashChecker

	// CreateDraft reserves a name hash under a parent and returns the new draft.
	CreateDraft(ctx context.Context, req DraftRequest) (*Draft, error)

	// UploadRevision streams encrypted content into a draft revision.
	UploadRevision(ctx context.Context, draft *Draft, r io.Reader) error

	// CommitRevision makes a draft revision the active content of its link,
	// recording the plaintext content hash.
	CommitRevision(ctx context.Context, draft *Draft, contentHash string) error

	// DeleteDraft removes a draft link left by an interrupted upload.
	DeleteDraft(ctx context.Context, parentID string, linkID string) error
}

var (
	// ErrQuotaExceeded is returned by a Drive whose storage is full.
	ErrQuotaExceeded = errors.New("drive storage quota exceeded")
	// ErrUploadNotAllowed is returned by a Drive that refuses photo uploads for the account.
	ErrUploadNotAllowed = errors.New("photos upload not allowed")
	// ErrNameConflict is returned when a name hash is already held by another link.
	ErrNameConflict = errors.New("name hash already exists")
	// ErrLinkNotFound is returned when a link or draft does not exist.
	ErrLinkNotFound = errors.New("link not found")
)
