package drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"pbk-go/internal/pbk"
)

// memoryStore keeps links and revisions in memory.
// This implementation is safe for concurrent use.
type memoryStore struct {
	links     map[string]Link   // "parentID/nameHash" -> link
	revisions map[string][]byte // "linkID/revisionID" -> content
	mu        sync.RWMutex
}

// NewMemoryDrive creates an empty in-memory drive, useful for testing.
func NewMemoryDrive(ids pbk.IDGenerator) *Namespace {
	return newNamespace(&memoryStore{
		links:     make(map[string]Link),
		revisions: make(map[string][]byte),
	}, ids)
}

func linkKey(parentID, nameHash string) string {
	return parentID + "/" + nameHash
}

func revisionKey(l *Link) string {
	return l.LinkID + "/" + l.RevisionID
}

func (m *memoryStore) getLink(_ context.Context, parentID, nameHash string) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.links[linkKey(parentID, nameHash)]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *memoryStore) listLinks(_ context.Context, parentID string) ([]*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var links []*Link
	for _, l := range m.links {
		if l.ParentID == parentID {
			copied := l
			links = append(links, &copied)
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].NameHash < links[j].NameHash })
	return links, nil
}

func (m *memoryStore) putLink(_ context.Context, l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[linkKey(l.ParentID, l.NameHash)] = *l
	return nil
}

func (m *memoryStore) deleteLink(_ context.Context, l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, linkKey(l.ParentID, l.NameHash))
	return nil
}

func (m *memoryStore) writeRevision(_ context.Context, l *Link, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read revision content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.revisions[revisionKey(l)] = data
	return int64(len(data)), nil
}

func (m *memoryStore) openRevision(_ context.Context, l *Link) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.revisions[revisionKey(l)]
	if !ok {
		return nil, fmt.Errorf("revision not found: %s", revisionKey(l))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) deleteRevision(_ context.Context, l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.revisions, revisionKey(l))
	return nil
}
