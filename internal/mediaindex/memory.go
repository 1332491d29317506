package mediaindex

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pbk-go/internal/pbk"
)

// MemoryItem is a media item held by a MemoryIndex.
type MemoryItem struct {
	BucketID     int
	Type         pbk.MediaType
	ID           string
	DisplayName  string
	MimeType     string
	DateAdded    time.Time
	DateModified time.Time
	Content      []byte
}

// MemoryIndex is an in-memory pbk.MediaIndex for tests and dry runs.
// This implementation is safe for concurrent use.
type MemoryIndex struct {
	mu      sync.RWMutex
	buckets map[int]string
	items   []*pbk.MediaRow
	content map[string][]byte // uri -> content
	denied  bool
}

var _ pbk.MediaIndex = (*MemoryIndex)(nil)

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		buckets: make(map[int]string),
		content: make(map[string][]byte),
	}
}

// AddBucket registers a bucket name.
func (m *MemoryIndex) AddBucket(id int, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[id] = name
}

// Add stores an item and returns its content URI.
func (m *MemoryIndex) Add(item MemoryItem) string {
	modified := sql.NullTime{Time: item.DateModified, Valid: !item.DateModified.IsZero()}
	row := &pbk.MediaRow{
		BucketID:     item.BucketID,
		Type:         item.Type,
		ID:           sql.NullString{String: item.ID, Valid: true},
		DisplayName:  sql.NullString{String: item.DisplayName, Valid: true},
		MimeType:     sql.NullString{String: item.MimeType, Valid: true},
		Size:         sql.NullInt64{Int64: int64(len(item.Content)), Valid: true},
		DateAdded:    sql.NullTime{Time: item.DateAdded, Valid: true},
		DateModified: modified,
	}
	uri := m.ContentURI(item.Type, item.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[item.BucketID]; !ok {
		m.buckets[item.BucketID] = fmt.Sprintf("bucket-%d", item.BucketID)
	}
	m.items = append(m.items, row)
	m.content[uri] = item.Content
	return uri
}

// AddRow stores a raw row as returned by a device index, which may lack
// columns. Rows without a valid DateAdded sort last.
func (m *MemoryIndex) AddRow(row *pbk.MediaRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, row)
}

// SetPermissionDenied makes every query fail with pbk.ErrPermissionDenied.
func (m *MemoryIndex) SetPermissionDenied(denied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied = denied
}

func (m *MemoryIndex) Buckets(_ context.Context) ([]*pbk.BucketEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.denied {
		return nil, pbk.ErrPermissionDenied
	}

	byID := make(map[int]*pbk.BucketEntry, len(m.buckets))
	for id, name := range m.buckets {
		byID[id] = &pbk.BucketEntry{BucketID: id, BucketName: name}
	}
	for _, row := range m.sorted() {
		e, ok := byID[row.BucketID]
		if !ok {
			continue
		}
		if row.Type == pbk.MediaTypeImage {
			e.ImageCount++
		} else {
			e.VideoCount++
		}
		if e.LastItemURI == nil && row.ID.Valid {
			uri := m.ContentURI(row.Type, row.ID.String)
			e.LastItemURI = &uri
		}
	}

	entries := make([]*pbk.BucketEntry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].BucketID < entries[j].BucketID })
	return entries, nil
}

func (m *MemoryIndex) Query(_ context.Context, q pbk.MediaQuery) ([]*pbk.MediaRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.denied {
		return nil, pbk.ErrPermissionDenied
	}

	var rows []*pbk.MediaRow
	for _, row := range m.sorted() {
		if row.BucketID != q.BucketID || row.Type != q.Type {
			continue
		}
		if q.Since != nil && row.DateAdded.Valid && row.DateAdded.Time.Before(*q.Since) {
			continue
		}
		copied := *row
		rows = append(rows, &copied)
	}
	return paginate(rows, q.Offset, q.Limit), nil
}

// ContentURI returns "content://media/<type>/<id>".
func (m *MemoryIndex) ContentURI(t pbk.MediaType, id string) string {
	return "content://media/" + string(t) + "/" + id
}

func (m *MemoryIndex) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.denied {
		return nil, pbk.ErrPermissionDenied
	}
	data, ok := m.content[uri]
	if !ok || !strings.HasPrefix(uri, "content://media/") {
		return nil, fmt.Errorf("media not found: %s", uri)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// sorted returns the items newest first. Callers hold mu.
func (m *MemoryIndex) sorted() []*pbk.MediaRow {
	rows := append([]*pbk.MediaRow(nil), m.items...)
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].DateAdded, rows[j].DateAdded
		if a.Valid != b.Valid {
			return a.Valid
		}
		return a.Time.After(b.Time)
	})
	return rows
}
