package pbk

import (
	"context"
	"fmt"
)

// HashCheckBatchSize is the maximum number of hashes sent in one remote check.
const HashCheckBatchSize = 150

// DuplicateResolver classifies candidate name hashes against the remote namespace.
type DuplicateResolver struct {
	checker   HashChecker
	clientUID string
}

// NewDuplicateResolver creates a resolver that recognises drafts created by clientUID.
func NewDuplicateResolver(checker HashChecker, clientUID string) *DuplicateResolver {
	return &DuplicateResolver{checker: checker, clientUID: clientUID}
}

// Resolve returns one BackupDuplicate per hash that is already taken remotely:
// ACTIVE when a finished file holds it, DRAFT when an upload of this client
// left a pending draft. Available hashes and drafts of other clients produce
// nothing. Any failed check fails the whole call.
func (r *DuplicateResolver) Resolve(ctx context.Context, parentID string, hashes []string) ([]*BackupDuplicate, error) {
	var duplicates []*BackupDuplicate
	for start := 0; start < len(hashes); start += HashCheckBatchSize {
		end := min(start+HashCheckBatchSize, len(hashes))
		batch, err := r.resolveBatch(ctx, parentID, hashes[start:end])
		if err != nil {
			return nil, err
		}
		duplicates = append(duplicates, batch...)
	}
	return duplicates, nil
}

func (r *DuplicateResolver) resolveBatch(ctx context.Context, parentID string, hashes []string) ([]*BackupDuplicate, error) {
	result, err := r.checker.CheckAvailableHashes(ctx, parentID, hashes, r.clientUID)
	if err != nil {
		return nil, fmt.Errorf("checking available hashes: %w", err)
	}

	available := make(map[string]bool, len(result.AvailableHashes))
	for _, h := range result.AvailableHashes {
		available[h] = true
	}
	pending := make(map[string]PendingHash, len(result.PendingHashes))
	for _, p := range result.PendingHashes {
		pending[p.Hash] = p
	}

	var duplicates []*BackupDuplicate
	seen := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		if seen[h] || available[h] {
			continue
		}
		seen[h] = true

		p, isPending := pending[h]
		switch {
		case !isPending:
			duplicates = append(duplicates, &BackupDuplicate{
				ParentID:  parentID,
				NameHash:  h,
				LinkState: LinkStateActive,
			})
		case p.ClientUID == r.clientUID:
			duplicates = append(duplicates, &BackupDuplicate{
				ParentID:   parentID,
				NameHash:   h,
				LinkID:     stringPtr(p.LinkID),
				LinkState:  LinkStateDraft,
				RevisionID: stringPtr(p.RevisionID),
				ClientUID:  stringPtr(p.ClientUID),
			})
		}
	}
	return duplicates, nil
}
