// Package drive provides reference implementations of the remote side of
// the backup engine: a namespace of links keyed by name hash under a parent
// folder, each holding encrypted revisions.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"pbk-go/internal/pbk"
)

// Link is the remote record of one name hash under a parent.
type Link struct {
	ParentID    string        `toml:"parent_id"`
	LinkID      string        `toml:"link_id"`
	NameHash    string        `toml:"name_hash"`
	State       pbk.LinkState `toml:"state"`
	RevisionID  string        `toml:"revision_id"`
	ClientUID   string        `toml:"client_uid"`
	MimeType    string        `toml:"mime_type"`
	CapturedAt  int64         `toml:"captured_at"`
	ContentHash string        `toml:"content_hash,omitempty"`
	Size        int64         `toml:"size"`
}

// linkStore persists links and revision blobs. getLink returns nil, nil for
// a missing link.
type linkStore interface {
	getLink(ctx context.Context, parentID, nameHash string) (*Link, error)
	listLinks(ctx context.Context, parentID string) ([]*Link, error)
	putLink(ctx context.Context, l *Link) error
	deleteLink(ctx context.Context, l *Link) error
	writeRevision(ctx context.Context, l *Link, r io.Reader) (int64, error)
	openRevision(ctx context.Context, l *Link) (io.ReadCloser, error)
	deleteRevision(ctx context.Context, l *Link) error
}

// Namespace implements pbk.Drive over a linkStore. Link bookkeeping is
// serialized; revision content streams without holding the lock.
type Namespace struct {
	store linkStore
	ids   pbk.IDGenerator

	mu            sync.Mutex
	quota         int64 // bytes; 0 means unlimited
	used          int64
	uploadBlocked bool
	checkErr      error
}

var _ pbk.Drive = (*Namespace)(nil)

func newNamespace(store linkStore, ids pbk.IDGenerator) *Namespace {
	return &Namespace{store: store, ids: ids}
}

// SetQuota limits the bytes accepted by this namespace in this process.
func (n *Namespace) SetQuota(bytes int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.quota = bytes
}

// SetUploadBlocked makes CreateDraft fail with pbk.ErrUploadNotAllowed.
func (n *Namespace) SetUploadBlocked(blocked bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.uploadBlocked = blocked
}

// FailHashChecks makes CheckAvailableHashes return err until reset with nil.
func (n *Namespace) FailHashChecks(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.checkErr = err
}

// CheckAvailableHashes reports which hashes are free under parentID and
// which are held by drafts. Pending entries of every client are returned.
func (n *Namespace) CheckAvailableHashes(ctx context.Context, parentID string, hashes []string, _ string) (*pbk.HashCheckResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.checkErr != nil {
		return nil, n.checkErr
	}

	result := &pbk.HashCheckResult{}
	for _, h := range hashes {
		l, err := n.store.getLink(ctx, parentID, h)
		if err != nil {
			return nil, fmt.Errorf("looking up %s: %w", h, err)
		}
		switch {
		case l == nil:
			result.AvailableHashes = append(result.AvailableHashes, h)
		case l.State == pbk.LinkStateDraft:
			result.PendingHashes = append(result.PendingHashes, pbk.PendingHash{
				Hash:       h,
				LinkID:     l.LinkID,
				RevisionID: l.RevisionID,
				ClientUID:  l.ClientUID,
			})
		}
	}
	return result, nil
}

// CreateDraft reserves req.NameHash. A stale draft of the same client is
// replaced; an active link or another client's draft is a conflict.
func (n *Namespace) CreateDraft(ctx context.Context, req pbk.DraftRequest) (*pbk.Draft, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.uploadBlocked {
		return nil, pbk.ErrUploadNotAllowed
	}

	existing, err := n.store.getLink(ctx, req.ParentID, req.NameHash)
	if err != nil {
		return nil, fmt.Errorf("looking up name hash: %w", err)
	}
	if existing != nil {
		if existing.State != pbk.LinkStateDraft || existing.ClientUID != req.ClientUID {
			return nil, fmt.Errorf("creating draft for %s: %w", req.NameHash, pbk.ErrNameConflict)
		}
		if err := n.removeLocked(ctx, existing); err != nil {
			return nil, err
		}
	}

	l := &Link{
		ParentID:   req.ParentID,
		LinkID:     n.ids.New(),
		NameHash:   req.NameHash,
		State:      pbk.LinkStateDraft,
		RevisionID: n.ids.New(),
		ClientUID:  req.ClientUID,
		MimeType:   req.MimeType,
		CapturedAt: req.CapturedAt,
	}
	if err := n.store.putLink(ctx, l); err != nil {
		return nil, fmt.Errorf("storing draft: %w", err)
	}
	return &pbk.Draft{ParentID: l.ParentID, LinkID: l.LinkID, RevisionID: l.RevisionID}, nil
}

// UploadRevision stores the content of a draft revision.
func (n *Namespace) UploadRevision(ctx context.Context, draft *pbk.Draft, r io.Reader) error {
	l, err := n.draftLink(ctx, draft)
	if err != nil {
		return err
	}

	n.mu.Lock()
	limit := int64(-1)
	if n.quota > 0 {
		limit = n.quota - n.used
	}
	n.mu.Unlock()

	src := r
	if limit >= 0 {
		src = io.LimitReader(r, limit+1)
	}
	written, err := n.store.writeRevision(ctx, l, src)
	if err != nil {
		return fmt.Errorf("writing revision: %w", err)
	}
	if limit >= 0 && written > limit {
		if err := n.store.deleteRevision(ctx, l); err != nil {
			return errors.Join(pbk.ErrQuotaExceeded, fmt.Errorf("deleting oversized revision: %w", err))
		}
		return pbk.ErrQuotaExceeded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.used += written
	l.Size = written
	if err := n.store.putLink(ctx, l); err != nil {
		return fmt.Errorf("recording revision size: %w", err)
	}
	return nil
}

// CommitRevision turns a draft into an active link.
func (n *Namespace) CommitRevision(ctx context.Context, draft *pbk.Draft, contentHash string) error {
	l, err := n.draftLink(ctx, draft)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	l.State = pbk.LinkStateActive
	l.ContentHash = contentHash
	if err := n.store.putLink(ctx, l); err != nil {
		return fmt.Errorf("committing revision: %w", err)
	}
	return nil
}

// DeleteDraft removes a draft and its revision. Active links are never deleted.
func (n *Namespace) DeleteDraft(ctx context.Context, parentID string, linkID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	l, err := n.findLocked(ctx, parentID, linkID)
	if err != nil {
		return err
	}
	if l.State != pbk.LinkStateDraft {
		return fmt.Errorf("deleting link %s: not a draft", linkID)
	}
	return n.removeLocked(ctx, l)
}

// Lookup returns the link holding nameHash under parentID, or nil.
func (n *Namespace) Lookup(ctx context.Context, parentID, nameHash string) (*Link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store.getLink(ctx, parentID, nameHash)
}

// Links returns every link under parentID.
func (n *Namespace) Links(ctx context.Context, parentID string) ([]*Link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store.listLinks(ctx, parentID)
}

// Seed stores a link as is, for fixtures and imports.
func (n *Namespace) Seed(ctx context.Context, l *Link) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store.putLink(ctx, l)
}

// ReadRevision copies the current revision content of l to w.
func (n *Namespace) ReadRevision(ctx context.Context, l *Link, w io.Writer) error {
	rc, err := n.store.openRevision(ctx, l)
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("reading revision: %w", err)
	}
	return nil
}

// draftLink loads the link of draft and checks it is still that draft.
func (n *Namespace) draftLink(ctx context.Context, draft *pbk.Draft) (*Link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	l, err := n.findLocked(ctx, draft.ParentID, draft.LinkID)
	if err != nil {
		return nil, err
	}
	if l.State != pbk.LinkStateDraft || l.RevisionID != draft.RevisionID {
		return nil, fmt.Errorf("draft %s/%s: %w", draft.LinkID, draft.RevisionID, pbk.ErrLinkNotFound)
	}
	return l, nil
}

func (n *Namespace) findLocked(ctx context.Context, parentID, linkID string) (*Link, error) {
	links, err := n.store.listLinks(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	for _, l := range links {
		if l.LinkID == linkID {
			return l, nil
		}
	}
	return nil, fmt.Errorf("link %s: %w", linkID, pbk.ErrLinkNotFound)
}

func (n *Namespace) removeLocked(ctx context.Context, l *Link) error {
	if err := n.store.deleteRevision(ctx, l); err != nil {
		return fmt.Errorf("deleting revision: %w", err)
	}
	if err := n.store.deleteLink(ctx, l); err != nil {
		return fmt.Errorf("deleting link: %w", err)
	}
	n.used -= l.Size
	return nil
}
