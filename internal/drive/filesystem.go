package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"pbk-go/internal/pbk"
)

const linkExt = ".toml"

// fileSystemStore keeps links and revisions as files:
//
//	<root>/
//	  links/
//	    <parentID>/<nameHash>.toml   (one TOML record per link)
//	  revisions/
//	    <linkID>/<revisionID>        (encrypted revision content)
type fileSystemStore struct {
	root         string
	linksDir     string
	revisionsDir string
}

// NewFileSystemDrive creates a drive rooted at the given path.
func NewFileSystemDrive(root string, ids pbk.IDGenerator) (*Namespace, error) {
	s := &fileSystemStore{
		root:         root,
		linksDir:     filepath.Join(root, "links"),
		revisionsDir: filepath.Join(root, "revisions"),
	}
	for _, dir := range []string{s.linksDir, s.revisionsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create drive directory: %w", err)
		}
	}
	return newNamespace(s, ids), nil
}

func (s *fileSystemStore) parentDir(parentID string) string {
	return filepath.Join(s.linksDir, url.PathEscape(parentID))
}

func (s *fileSystemStore) linkPath(parentID, nameHash string) string {
	return filepath.Join(s.parentDir(parentID), url.PathEscape(nameHash)+linkExt)
}

func (s *fileSystemStore) revisionPath(l *Link) string {
	return filepath.Join(s.revisionsDir, url.PathEscape(l.LinkID), url.PathEscape(l.RevisionID))
}

func (s *fileSystemStore) getLink(_ context.Context, parentID, nameHash string) (*Link, error) {
	return readLink(s.linkPath(parentID, nameHash))
}

func (s *fileSystemStore) listLinks(_ context.Context, parentID string) ([]*Link, error) {
	entries, err := os.ReadDir(s.parentDir(parentID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	var links []*Link
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), linkExt) {
			continue
		}
		l, err := readLink(filepath.Join(s.parentDir(parentID), e.Name()))
		if err != nil {
			return nil, err
		}
		if l != nil {
			links = append(links, l)
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].NameHash < links[j].NameHash })
	return links, nil
}

func (s *fileSystemStore) putLink(_ context.Context, l *Link) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(l); err != nil {
		return fmt.Errorf("failed to encode link: %w", err)
	}
	dir := s.parentDir(l.ParentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	_, err := writeFile(s.linkPath(l.ParentID, l.NameHash), &buf)
	return err
}

func (s *fileSystemStore) deleteLink(_ context.Context, l *Link) error {
	return removeFile(s.linkPath(l.ParentID, l.NameHash))
}

func (s *fileSystemStore) writeRevision(_ context.Context, l *Link, r io.Reader) (int64, error) {
	path := s.revisionPath(l)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create revision directory: %w", err)
	}
	return writeFile(path, r)
}

func (s *fileSystemStore) openRevision(_ context.Context, l *Link) (io.ReadCloser, error) {
	f, err := os.Open(s.revisionPath(l))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("revision not found: %s/%s", l.LinkID, l.RevisionID)
		}
		return nil, fmt.Errorf("failed to open revision: %w", err)
	}
	return f, nil
}

func (s *fileSystemStore) deleteRevision(_ context.Context, l *Link) error {
	if err := removeFile(s.revisionPath(l)); err != nil {
		return err
	}
	// The link directory is only removed once empty.
	os.Remove(filepath.Dir(s.revisionPath(l)))
	return nil
}

func readLink(path string) (*Link, error) {
	var l Link
	if _, err := toml.DecodeFile(path, &l); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read link %s: %w", path, err)
	}
	return &l, nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// writeFile writes data from r to path using atomic write (temp file + rename).
func writeFile(destPath string, r io.Reader) (int64, error) {
	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return written, nil
}
