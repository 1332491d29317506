package mediaindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"pbk-go/internal/pbk"
)

// fileURIPrefix prefixes the content URIs handed out by FileSystemIndex.
const fileURIPrefix = "file://"

// FileSystemIndex serves media from local library roots. Every directory
// below a root that directly contains images or videos is a bucket; media
// types are detected from file content.
type FileSystemIndex struct {
	roots  []string
	ignore []*IgnoreMatcher // parallel to roots
	logger pbk.Logger

	mu      sync.Mutex
	buckets map[int]bucketDir
}

type bucketDir struct {
	root int // index into roots
	path string
}

var _ pbk.MediaIndex = (*FileSystemIndex)(nil)

// NewFileSystemIndex creates an index over roots. Each root's .pbkignore
// patterns are combined with ignore.
func NewFileSystemIndex(roots []string, ignore []string, logger pbk.Logger) (*FileSystemIndex, error) {
	idx := &FileSystemIndex{logger: logger, buckets: make(map[int]bucketDir)}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolving library root %s: %w", root, err)
		}
		filePatterns, err := ParseIgnoreFile(filepath.Join(abs, IgnoreFileName))
		if err != nil {
			return nil, err
		}
		idx.roots = append(idx.roots, abs)
		idx.ignore = append(idx.ignore, NewIgnoreMatcher(append(append([]string{}, ignore...), filePatterns...)))
	}
	return idx, nil
}

// BucketID derives the stable bucket id of a directory.
func BucketID(dir string) int {
	h := fnv.New32a()
	h.Write([]byte(filepath.Clean(dir)))
	return int(h.Sum32() & 0x7fffffff)
}

// Buckets walks every root and reports each directory holding media.
func (x *FileSystemIndex) Buckets(ctx context.Context) ([]*pbk.BucketEntry, error) {
	found := make(map[int]bucketDir)
	var entries []*pbk.BucketEntry

	for i, root := range x.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return mapFSError(err)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if rel, _ := filepath.Rel(root, path); rel != "." && x.ignore[i].Match(rel) {
				return filepath.SkipDir
			}

			items, err := x.list(i, path)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return nil
			}

			id := BucketID(path)
			found[id] = bucketDir{root: i, path: path}
			entry := &pbk.BucketEntry{BucketID: id, BucketName: bucketName(root, path)}
			for _, it := range items {
				if it.mediaType == pbk.MediaTypeImage {
					entry.ImageCount++
				} else {
					entry.VideoCount++
				}
			}
			uri := x.ContentURI(items[0].mediaType, items[0].path)
			entry.LastItemURI = &uri
			entries = append(entries, entry)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	x.mu.Lock()
	x.buckets = found
	x.mu.Unlock()
	return entries, nil
}

// Query lists the media of one type in a bucket, newest first.
func (x *FileSystemIndex) Query(ctx context.Context, q pbk.MediaQuery) ([]*pbk.MediaRow, error) {
	dir, err := x.lookup(ctx, q.BucketID)
	if err != nil {
		return nil, err
	}

	items, err := x.list(dir.root, dir.path)
	if err != nil {
		return nil, err
	}

	var rows []*pbk.MediaRow
	for _, it := range items {
		if it.mediaType != q.Type {
			continue
		}
		if q.Since != nil && it.added.Before(*q.Since) {
			continue
		}
		rows = append(rows, &pbk.MediaRow{
			BucketID:     q.BucketID,
			Type:         it.mediaType,
			ID:           sql.NullString{String: it.path, Valid: true},
			DisplayName:  sql.NullString{String: filepath.Base(it.path), Valid: true},
			MimeType:     sql.NullString{String: it.mimeType, Valid: true},
			Size:         sql.NullInt64{Int64: it.size, Valid: true},
			DateAdded:    sql.NullTime{Time: it.added, Valid: true},
			DateModified: sql.NullTime{Time: it.modified, Valid: true},
		})
	}
	return paginate(rows, q.Offset, q.Limit), nil
}

// ContentURI returns the file URI of a media item; the id is its absolute path.
func (x *FileSystemIndex) ContentURI(_ pbk.MediaType, id string) string {
	return fileURIPrefix + filepath.ToSlash(id)
}

// Open opens the file behind a content URI.
func (x *FileSystemIndex) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	if !strings.HasPrefix(uri, fileURIPrefix) {
		return nil, fmt.Errorf("not a file uri: %s", uri)
	}
	f, err := os.Open(filepath.FromSlash(strings.TrimPrefix(uri, fileURIPrefix)))
	if err != nil {
		return nil, mapFSError(err)
	}
	return f, nil
}

// lookup resolves a bucket id, rewalking the roots once for unknown ids.
func (x *FileSystemIndex) lookup(ctx context.Context, bucketID int) (bucketDir, error) {
	x.mu.Lock()
	dir, ok := x.buckets[bucketID]
	x.mu.Unlock()
	if ok {
		return dir, nil
	}

	if _, err := x.Buckets(ctx); err != nil {
		return bucketDir{}, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if dir, ok := x.buckets[bucketID]; ok {
		return dir, nil
	}
	return bucketDir{}, fmt.Errorf("unknown bucket %d", bucketID)
}

type listedFile struct {
	path      string
	mediaType pbk.MediaType
	mimeType  string
	size      int64
	added     time.Time
	modified  time.Time
}

// list returns the media files directly inside dir, newest first.
func (x *FileSystemIndex) list(root int, dir string) ([]listedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapFSError(err)
	}

	var items []listedFile
	for _, e := range entries {
		if e.IsDir() || !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if rel, _ := filepath.Rel(x.roots[root], path); x.ignore[root].Match(rel) {
			continue
		}

		mtype, err := mimetype.DetectFile(path)
		if err != nil {
			x.logger.Warn("can't detect the mime type of a file", "path", path, "error", err)
			continue
		}
		mediaType, ok := classify(mtype.String())
		if !ok {
			continue
		}

		info, err := e.Info()
		if err != nil {
			x.logger.Warn("can't stat media file", "path", path, "error", err)
			continue
		}
		items = append(items, listedFile{
			path:      path,
			mediaType: mediaType,
			mimeType:  mtype.String(),
			size:      info.Size(),
			added:     addedTime(info),
			modified:  info.ModTime(),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].added.Equal(items[j].added) {
			return items[i].added.After(items[j].added)
		}
		return items[i].path < items[j].path
	})
	return items, nil
}

func classify(mimeType string) (pbk.MediaType, bool) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return pbk.MediaTypeImage, true
	case strings.HasPrefix(mimeType, "video/"):
		return pbk.MediaTypeVideo, true
	}
	return "", false
}

func bucketName(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return filepath.Base(dir)
	}
	return filepath.ToSlash(rel)
}

func mapFSError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %w", pbk.ErrPermissionDenied, err)
	}
	return err
}

func paginate[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
