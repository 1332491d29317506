package pbk

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"time"
)

// ErrPermissionDenied is returned by a MediaIndex that may not read the device library.
var ErrPermissionDenied = errors.New("media library permission denied")

// MediaType selects the kind of media queried from the index.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// MediaQuery selects one page of a bucket's items, newest addition first.
type MediaQuery struct {
	Type     MediaType
	BucketID int
	Since    *time.Time // only items added at or after Since, when set
	Limit    int
	Offset   int
}

// MediaRow is one row returned by the media index. Columns may be absent
// (Valid == false) when the index could not provide them.
type MediaRow struct {
	BucketID     int
	Type         MediaType
	ID           sql.NullString
	DisplayName  sql.NullString
	MimeType     sql.NullString
	Size         sql.NullInt64
	DateAdded    sql.NullTime
	DateModified sql.NullTime
}

// MediaIndex is the read-only device media library.
type MediaIndex interface {
	// Buckets lists the local buckets and their media counts.
	Buckets(ctx context.Context) ([]*BucketEntry, error)

	// Query returns one page of items. An empty page ends pagination.
	Query(ctx context.Context, q MediaQuery) ([]*MediaRow, error)

	// ContentURI builds the stable local reference string of an item.
	ContentURI(t MediaType, id string) string

	// Open opens the content of an item by its uri.
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}
