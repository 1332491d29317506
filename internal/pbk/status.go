package pbk

import (
	"context"
	"fmt"
)

// StatusKind is the coarse backup status shown for a folder.
type StatusKind string

const (
	StatusPreparing   StatusKind = "PREPARING"
	StatusInProgress  StatusKind = "IN_PROGRESS"
	StatusComplete    StatusKind = "COMPLETE"
	StatusUncompleted StatusKind = "UNCOMPLETED"
	StatusFailed      StatusKind = "FAILED"
	StatusDisabled    StatusKind = "DISABLED"
)

// Status is the aggregated backup status of a folder. Total never counts
// DUPLICATED files. Only the count matching Kind is set.
type Status struct {
	Kind      StatusKind
	Total     int
	Preparing int
	Pending   int
	Failed    int
}

func (s Status) String() string {
	switch s.Kind {
	case StatusPreparing:
		return fmt.Sprintf("Preparing(total=%d, preparing=%d)", s.Total, s.Preparing)
	case StatusInProgress:
		return fmt.Sprintf("InProgress(total=%d, pending=%d)", s.Total, s.Pending)
	case StatusComplete:
		return fmt.Sprintf("Complete(total=%d)", s.Total)
	case StatusUncompleted:
		return fmt.Sprintf("Uncompleted(total=%d, failed=%d)", s.Total, s.Failed)
	default:
		return string(s.Kind)
	}
}

// AggregateStatus collapses per-state counts into one status. Unclassified
// files dominate: while any file is IDLE or POSSIBLE_DUPLICATE the status
// is Preparing whatever the other counts are.
func AggregateStatus(counts StateCounts) Status {
	total := counts.Total() - counts.Get(FileStateDuplicated)

	preparing := counts.Get(FileStateIdle) + counts.Get(FileStatePossibleDuplicate)
	if preparing != 0 {
		return Status{Kind: StatusPreparing, Total: total, Preparing: preparing}
	}

	pending := counts.Get(FileStateReady) + counts.Get(FileStateEnqueued)
	if pending == 0 {
		failed := counts.Get(FileStateFailed)
		if failed == 0 {
			return Status{Kind: StatusComplete, Total: total}
		}
		return Status{Kind: StatusUncompleted, Total: total, Failed: failed}
	}

	return Status{Kind: StatusInProgress, Total: total, Pending: pending}
}

// FolderBackupState is everything a UI needs to present one folder.
type FolderBackupState struct {
	Enabled bool
	Status  Status
	Errors  []*BackupError
}

// CombineState overlays folder configuration and recorded errors on an
// aggregated status: a folder without buckets is Disabled, a folder with
// errors is Failed.
func CombineState(enabled bool, status Status, errs []*BackupError) *FolderBackupState {
	state := &FolderBackupState{Enabled: enabled, Status: status, Errors: errs}
	switch {
	case !enabled:
		state.Status = Status{Kind: StatusDisabled}
	case len(errs) > 0:
		state.Status = Status{Kind: StatusFailed, Total: status.Total, Failed: status.Failed}
	}
	return state
}

// StatusWatcher turns a folder's change feed into a stream of statuses.
type StatusWatcher struct {
	database Database
	logger   Logger
}

// NewStatusWatcher creates a watcher over database.
func NewStatusWatcher(database Database, logger Logger) *StatusWatcher {
	return &StatusWatcher{database: database, logger: logger}
}

// Watch emits the current status of key and then the status after every
// committed change, skipping consecutive duplicates. The channel is closed
// when ctx is done.
func (w *StatusWatcher) Watch(ctx context.Context, key FolderKey) (<-chan Status, error) {
	return watch(ctx, w, key, func(ev ChangeEvent) Status {
		return AggregateStatus(ev.Counts)
	}, func(a, b Status) bool { return a == b })
}

// WatchState is like Watch but emits the full presentation state, so
// recorded errors and disabled folders are seen as they happen.
func (w *StatusWatcher) WatchState(ctx context.Context, key FolderKey) (<-chan *FolderBackupState, error) {
	return watch(ctx, w, key, func(ev ChangeEvent) *FolderBackupState {
		return CombineState(ev.Enabled, AggregateStatus(ev.Counts), ev.Errors)
	}, func(a, b *FolderBackupState) bool {
		return a.Enabled == b.Enabled && a.Status == b.Status && sameErrors(a.Errors, b.Errors)
	})
}

// WatchErrors emits the error list of key whenever it changes.
func (w *StatusWatcher) WatchErrors(ctx context.Context, key FolderKey) (<-chan []*BackupError, error) {
	return watch(ctx, w, key, func(ev ChangeEvent) []*BackupError {
		return ev.Errors
	}, sameErrors)
}

func sameErrors(a, b []*BackupError) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if *a[i] != *b[i] {
			return false
		}
	}
	return true
}

// watch projects every change event of key through view and emits the
// results, dropping values equal to the previous one.
func watch[T any](ctx context.Context, w *StatusWatcher, key FolderKey, view func(ChangeEvent) T, equal func(a, b T) bool) (<-chan T, error) {
	// Subscribe before reading the initial state so no commit falls in between.
	sub := w.database.Subscribe(key)

	initial, err := w.current(ctx, key)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan T)
	go func() {
		defer close(out)
		defer sub.Close()

		last := view(initial)
		select {
		case out <- last:
		case <-ctx.Done():
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				next := view(ev)
				if equal(next, last) {
					continue
				}
				last = next
				w.logger.Debug("backup state changed", "folder", key.String(), "seq", ev.Seq)
				select {
				case out <- next:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// current reads the state of key outside the change feed.
func (w *StatusWatcher) current(ctx context.Context, key FolderKey) (ChangeEvent, error) {
	ev := ChangeEvent{Folder: key}
	var err error
	if ev.Counts, err = w.database.GetCountsByState(ctx, key); err != nil {
		return ev, fmt.Errorf("reading initial counts: %w", err)
	}
	if ev.Errors, err = w.database.GetErrors(ctx, key); err != nil {
		return ev, fmt.Errorf("reading initial errors: %w", err)
	}
	folders, err := w.database.GetFolders(ctx, key)
	if err != nil {
		return ev, fmt.Errorf("reading folders: %w", err)
	}
	ev.Enabled = len(folders) > 0
	return ev, nil
}
