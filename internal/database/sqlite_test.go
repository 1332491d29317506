package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pbk-go/internal/pbk"
)

var testKey = pbk.FolderKey{UserID: "user-1", ShareID: "share-1", ParentID: "parent-1"}

// newTestDB creates a new in-memory database with migrations applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func addFolder(t *testing.T, db *SQLiteDatabase, key pbk.FolderKey, bucketID int) {
	t.Helper()
	if err := db.InsertFolder(context.Background(), &pbk.BackupFolder{FolderKey: key, BucketID: bucketID}); err != nil {
		t.Fatalf("InsertFolder() error = %v", err)
	}
}

func newFile(key pbk.FolderKey, bucketID int, uri string, state pbk.FileState) *pbk.BackupFile {
	captured := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return &pbk.BackupFile{
		FolderKey:      key,
		BucketID:       bucketID,
		URI:            uri,
		Name:           filepath.Base(uri),
		MimeType:       "image/jpeg",
		Size:           1024,
		CapturedAt:     captured,
		LastModified:   captured,
		State:          state,
		UploadPriority: pbk.DefaultUploadPriority,
	}
}

func addFiles(t *testing.T, db *SQLiteDatabase, files ...*pbk.BackupFile) {
	t.Helper()
	if _, err := db.InsertFiles(context.Background(), files); err != nil {
		t.Fatalf("InsertFiles() error = %v", err)
	}
}

func mustGetFile(t *testing.T, db *SQLiteDatabase, uri string) *pbk.BackupFile {
	t.Helper()
	f, err := db.GetFile(context.Background(), testKey, uri)
	if err != nil {
		t.Fatalf("GetFile(%s) error = %v", uri, err)
	}
	if f == nil {
		t.Fatalf("GetFile(%s) = nil, want file", uri)
	}
	return f
}

func TestSQLiteDatabase_Folders(t *testing.T) {
	t.Run("insert keeps existing watermark", func(t *testing.T) {
		db := newTestDB(t)
		ctx := context.Background()
		addFolder(t, db, testKey, 7)

		mark := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
		if err := db.UpdateFolderWatermark(ctx, testKey, 7, mark); err != nil {
			t.Fatalf("UpdateFolderWatermark() error = %v", err)
		}
		addFolder(t, db, testKey, 7)

		folders, err := db.GetFolders(ctx, testKey)
		if err != nil {
			t.Fatalf("GetFolders() error = %v", err)
		}
		if len(folders) != 1 {
			t.Fatalf("GetFolders() returned %d folders, want 1", len(folders))
		}
		if folders[0].UpdateTime == nil || !folders[0].UpdateTime.Equal(mark) {
			t.Errorf("UpdateTime = %v, want %v", folders[0].UpdateTime, mark)
		}
	})

	t.Run("watermark of unknown bucket", func(t *testing.T) {
		db := newTestDB(t)
		err := db.UpdateFolderWatermark(context.Background(), testKey, 99, time.Now())
		if !errors.Is(err, pbk.ErrFolderNotFound) {
			t.Errorf("UpdateFolderWatermark() error = %v, want ErrFolderNotFound", err)
		}
	})

	t.Run("reset watermark", func(t *testing.T) {
		db := newTestDB(t)
		ctx := context.Background()
		addFolder(t, db, testKey, 1)
		addFolder(t, db, testKey, 2)
		for _, b := range []int{1, 2} {
			if err := db.UpdateFolderWatermark(ctx, testKey, b, time.Now()); err != nil {
				t.Fatalf("UpdateFolderWatermark() error = %v", err)
			}
		}

		if err := db.ResetFolderWatermark(ctx, testKey); err != nil {
			t.Fatalf("ResetFolderWatermark() error = %v", err)
		}
		folders, err := db.GetFolders(ctx, testKey)
		if err != nil {
			t.Fatalf("GetFolders() error = %v", err)
		}
		for _, f := range folders {
			if f.UpdateTime != nil {
				t.Errorf("bucket %d UpdateTime = %v, want nil", f.BucketID, f.UpdateTime)
			}
		}
	})

	t.Run("delete folder cascades to files", func(t *testing.T) {
		db := newTestDB(t)
		ctx := context.Background()
		addFolder(t, db, testKey, 1)
		addFolder(t, db, testKey, 2)
		addFiles(t, db, newFile(testKey, 1, "a", pbk.FileStateIdle), newFile(testKey, 2, "b", pbk.FileStateIdle))

		if err := db.DeleteFolder(ctx, testKey, 1); err != nil {
			t.Fatalf("DeleteFolder() error = %v", err)
		}
		if f, _ := db.GetFile(ctx, testKey, "a"); f != nil {
			t.Errorf("file of deleted bucket still present: %+v", f)
		}
		if f, _ := db.GetFile(ctx, testKey, "b"); f == nil {
			t.Error("file of other bucket was deleted")
		}
	})

	t.Run("all folders of user", func(t *testing.T) {
		db := newTestDB(t)
		other := pbk.FolderKey{UserID: "user-1", ShareID: "share-2", ParentID: "parent-9"}
		addFolder(t, db, testKey, 1)
		addFolder(t, db, other, 1)
		addFolder(t, db, pbk.FolderKey{UserID: "user-2", ShareID: "s", ParentID: "p"}, 1)

		folders, err := db.GetAllFolders(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("GetAllFolders() error = %v", err)
		}
		if len(folders) != 2 {
			t.Errorf("GetAllFolders() returned %d folders, want 2", len(folders))
		}
	})
}

func TestSQLiteDatabase_InsertFiles(t *testing.T) {
	t.Run("idempotent by uri", func(t *testing.T) {
		db := newTestDB(t)
		ctx := context.Background()
		addFolder(t, db, testKey, 1)

		n, err := db.InsertFiles(ctx, []*pbk.BackupFile{newFile(testKey, 1, "a", pbk.FileStateIdle), newFile(testKey, 1, "b", pbk.FileStateIdle)})
		if err != nil {
			t.Fatalf("InsertFiles() error = %v", err)
		}
		if n != 2 {
			t.Errorf("InsertFiles() = %d, want 2", n)
		}

		if err := db.ApplyResolution(ctx, testKey, pbk.Resolution{Ready: []string{"a"}}); err != nil {
			t.Fatalf("ApplyResolution() error = %v", err)
		}

		again := newFile(testKey, 1, "a", pbk.FileStateIdle)
		n, err = db.InsertFiles(ctx, []*pbk.BackupFile{again, newFile(testKey, 1, "c", pbk.FileStateIdle)})
		if err != nil {
			t.Fatalf("second InsertFiles() error = %v", err)
		}
		if n != 1 {
			t.Errorf("second InsertFiles() = %d, want 1", n)
		}
		if got := mustGetFile(t, db, "a"); got.State != pbk.FileStateReady {
			t.Errorf("re-inserted file state = %s, want READY kept", got.State)
		}
	})

	t.Run("requires folder", func(t *testing.T) {
		db := newTestDB(t)
		_, err := db.InsertFiles(context.Background(), []*pbk.BackupFile{newFile(testKey, 1, "a", pbk.FileStateIdle)})
		if err == nil {
			t.Error("InsertFiles() without folder expected foreign key error")
		}
	})

	t.Run("round trips columns", func(t *testing.T) {
		db := newTestDB(t)
		addFolder(t, db, testKey, 1)
		f := newFile(testKey, 1, "content://media/image/1", pbk.FileStateIdle)
		f.Size = 4096
		f.UploadPriority = 10
		addFiles(t, db, f)

		got := mustGetFile(t, db, f.URI)
		if got.Name != "1" || got.MimeType != "image/jpeg" || got.Size != 4096 || got.UploadPriority != 10 {
			t.Errorf("GetFile() = %+v", got)
		}
		if !got.CapturedAt.Equal(f.CapturedAt) || got.CapturedAt.Location() != time.UTC {
			t.Errorf("CapturedAt = %v, want %v in UTC", got.CapturedAt, f.CapturedAt)
		}
		if got.Hash != nil {
			t.Errorf("Hash = %v, want nil", *got.Hash)
		}
	})
}

func TestSQLiteDatabase_GetFile_NotFound(t *testing.T) {
	db := newTestDB(t)

	f, err := db.GetFile(context.Background(), testKey, "missing")
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if f != nil {
		t.Errorf("GetFile() = %+v, want nil", f)
	}
}

func TestSQLiteDatabase_GetFilesToBackup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	addFolder(t, db, testKey, 1)

	older := newFile(testKey, 1, "older", pbk.FileStateReady)
	newer := newFile(testKey, 1, "newer", pbk.FileStateReady)
	newer.CapturedAt = older.CapturedAt.Add(time.Hour)
	urgent := newFile(testKey, 1, "urgent", pbk.FileStateReady)
	urgent.UploadPriority = 1
	exhausted := newFile(testKey, 1, "exhausted", pbk.FileStateReady)
	exhausted.Attempts = 3
	idle := newFile(testKey, 1, "idle", pbk.FileStateIdle)
	addFiles(t, db, older, newer, urgent, exhausted, idle)

	files, err := db.GetFilesToBackup(ctx, testKey, 1, 3, pbk.Page{})
	if err != nil {
		t.Fatalf("GetFilesToBackup() error = %v", err)
	}
	var got []string
	for _, f := range files {
		got = append(got, f.URI)
	}
	want := []string{"urgent", "newer", "older"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("GetFilesToBackup() = %v, want %v", got, want)
	}

	page, err := db.GetFilesToBackup(ctx, testKey, 1, 3, pbk.Page{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("GetFilesToBackup() page error = %v", err)
	}
	if len(page) != 1 || page[0].URI != "newer" {
		t.Errorf("GetFilesToBackup() page = %v, want [newer]", page)
	}
}

func TestSQLiteDatabase_RetryBudget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	addFolder(t, db, testKey, 1)

	under := newFile(testKey, 1, "under", pbk.FileStateFailed)
	under.Attempts = 2
	at := newFile(testKey, 1, "at", pbk.FileStateFailed)
	at.Attempts = 3
	addFiles(t, db, under, at)

	n, err := db.MarkAllFailedInFolderAsReady(ctx, testKey, 1, 3)
	if err != nil {
		t.Fatalf("MarkAllFailedInFolderAsReady() error = %v", err)
	}
	if n != 1 {
		t.Errorf("MarkAllFailedInFolderAsReady() = %d, want 1", n)
	}
	if got := mustGetFile(t, db, "under").State; got != pbk.FileStateReady {
		t.Errorf("under-budget state = %s, want READY", got)
	}
	if got := mustGetFile(t, db, "at").State; got != pbk.FileStateFailed {
		t.Errorf("exhausted state = %s, want FAILED", got)
	}

	files, err := db.GetFilesToBackup(ctx, testKey, 1, 3, pbk.Page{})
	if err != nil {
		t.Fatalf("GetFilesToBackup() error = %v", err)
	}
	if len(files) != 1 || files[0].URI != "under" {
		t.Errorf("GetFilesToBackup() = %v, want [under]", files)
	}
}

func TestSQLiteDatabase_MarkAsFailed(t *testing.T) {
	t.Run("sets failed and increments attempts", func(t *testing.T) {
		db := newTestDB(t)
		ctx := context.Background()
		addFolder(t, db, testKey, 1)
		addFiles(t, db, newFile(testKey, 1, "a", pbk.FileStateEnqueued))

		if err := db.MarkAsFailed(ctx, testKey, "a"); err != nil {
			t.Fatalf("MarkAsFailed() error = %v", err)
		}
		got := mustGetFile(t, db, "a")
		if got.State != pbk.FileStateFailed || got.Attempts != 1 {
			t.Errorf("after MarkAsFailed() state = %s attempts = %d, want FAILED 1", got.State, got.Attempts)
		}
	})

	t.Run("rolls back both writes when interrupted", func(t *testing.T) {
		for _, from := range []pbk.FileState{pbk.FileStateReady, pbk.FileStateEnqueued} {
			t.Run(string(from), func(t *testing.T) {
				db := newTestDB(t)
				ctx := context.Background()
				addFolder(t, db, testKey, 1)
				f := newFile(testKey, 1, "a", from)
				f.Attempts = 1
				addFiles(t, db, f)

				crash := errors.New("process killed")
				db.afterFailStateUpdate = func() error { return crash }

				if err := db.MarkAsFailed(ctx, testKey, "a"); !errors.Is(err, crash) {
					t.Fatalf("MarkAsFailed() error = %v, want %v", err, crash)
				}
				got := mustGetFile(t, db, "a")
				if got.State != from || got.Attempts != 1 {
					t.Errorf("after rollback state = %s attempts = %d, want %s 1", got.State, got.Attempts, from)
				}
			})
		}
	})

	t.Run("rejects terminal states", func(t *testing.T) {
		db := newTestDB(t)
		addFolder(t, db, testKey, 1)
		addFiles(t, db, newFile(testKey, 1, "done", pbk.FileStateCompleted))

		err := db.MarkAsFailed(context.Background(), testKey, "done")
		if !errors.Is(err, pbk.ErrTransitionRejected) {
			t.Errorf("MarkAsFailed() error = %v, want ErrTransitionRejected", err)
		}
		if got := mustGetFile(t, db, "done"); got.State != pbk.FileStateCompleted || got.Attempts != 0 {
			t.Errorf("rejected file changed: state = %s attempts = %d", got.State, got.Attempts)
		}
	})
}

func TestSQLiteDatabase_MarkAsCompleted(t *testing.T) {
	tests := []struct {
		from    pbk.FileState
		wantErr bool
	}{
		{pbk.FileStateReady, false},
		{pbk.FileStateEnqueued, false},
		{pbk.FileStateIdle, true},
		{pbk.FileStatePossibleDuplicate, true},
		{pbk.FileStateFailed, true},
		{pbk.FileStateDuplicated, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			db := newTestDB(t)
			addFolder(t, db, testKey, 1)
			addFiles(t, db, newFile(testKey, 1, "a", tt.from))

			err := db.MarkAsCompleted(context.Background(), testKey, "a")
			if tt.wantErr {
				if !errors.Is(err, pbk.ErrTransitionRejected) {
					t.Errorf("MarkAsCompleted() error = %v, want ErrTransitionRejected", err)
				}
				if got := mustGetFile(t, db, "a").State; got != tt.from {
					t.Errorf("state = %s, want unchanged %s", got, tt.from)
				}
				return
			}
			if err != nil {
				t.Fatalf("MarkAsCompleted() error = %v", err)
			}
			if got := mustGetFile(t, db, "a").State; got != pbk.FileStateCompleted {
				t.Errorf("state = %s, want COMPLETED", got)
			}
		})
	}
}

func TestSQLiteDatabase_MarkAsIdle(t *testing.T) {
	tests := []struct {
		from    pbk.FileState
		wantErr bool
	}{
		{pbk.FileStateReady, false},
		{pbk.FileStateEnqueued, false},
		{pbk.FileStateCompleted, true},
		{pbk.FileStateFailed, true},
		{pbk.FileStateDuplicated, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			db := newTestDB(t)
			addFolder(t, db, testKey, 1)
			f := newFile(testKey, 1, "a", tt.from)
			f.Attempts = 2
			addFiles(t, db, f)

			err := db.MarkAsIdle(context.Background(), testKey, "a")
			if tt.wantErr {
				if !errors.Is(err, pbk.ErrTransitionRejected) {
					t.Errorf("MarkAsIdle() error = %v, want ErrTransitionRejected", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("MarkAsIdle() error = %v", err)
			}
			got := mustGetFile(t, db, "a")
			if got.State != pbk.FileStateIdle || got.Attempts != 2 {
				t.Errorf("file = %s attempts %d, want IDLE attempts 2", got.State, got.Attempts)
			}
		})
	}
}

func TestSQLiteDatabase_ConcurrentCompleteAndFail(t *testing.T) {
	for i := 0; i < 20; i++ {
		db := newTestDB(t)
		ctx := context.Background()
		addFolder(t, db, testKey, 1)
		addFiles(t, db, newFile(testKey, 1, "a", pbk.FileStateEnqueued))

		var wg sync.WaitGroup
		var completeErr, failErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			completeErr = db.MarkAsCompleted(ctx, testKey, "a")
		}()
		go func() {
			defer wg.Done()
			failErr = db.MarkAsFailed(ctx, testKey, "a")
		}()
		wg.Wait()

		if (completeErr == nil) == (failErr == nil) {
			t.Fatalf("complete error = %v, fail error = %v, want exactly one to apply", completeErr, failErr)
		}
		got := mustGetFile(t, db, "a")
		switch {
		case completeErr == nil:
			if got.State != pbk.FileStateCompleted || got.Attempts != 0 {
				t.Errorf("state = %s attempts = %d, want COMPLETED 0", got.State, got.Attempts)
			}
			if !errors.Is(failErr, pbk.ErrTransitionRejected) {
				t.Errorf("fail error = %v, want ErrTransitionRejected", failErr)
			}
		default:
			if got.State != pbk.FileStateFailed || got.Attempts != 1 {
				t.Errorf("state = %s attempts = %d, want FAILED 1", got.State, got.Attempts)
			}
			if !errors.Is(completeErr, pbk.ErrTransitionRejected) {
				t.Errorf("complete error = %v, want ErrTransitionRejected", completeErr)
			}
		}
	}
}

func TestSQLiteDatabase_ApplyResolution(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	addFolder(t, db, testKey, 1)
	addFiles(t, db,
		newFile(testKey, 1, "dup", pbk.FileStateIdle),
		newFile(testKey, 1, "maybe", pbk.FileStateIdle),
		newFile(testKey, 1, "new", pbk.FileStateIdle),
		newFile(testKey, 1, "was-maybe", pbk.FileStatePossibleDuplicate),
		newFile(testKey, 1, "done", pbk.FileStateCompleted),
	)

	err := db.ApplyResolution(ctx, testKey, pbk.Resolution{
		Duplicated:        []string{"dup"},
		PossibleDuplicate: []string{"maybe", "was-maybe"},
		Ready:             []string{"new", "was-maybe", "done"},
	})
	if err != nil {
		t.Fatalf("ApplyResolution() error = %v", err)
	}

	want := map[string]pbk.FileState{
		"dup":       pbk.FileStateDuplicated,
		"maybe":     pbk.FileStatePossibleDuplicate,
		"new":       pbk.FileStateReady,
		"was-maybe": pbk.FileStateReady,
		"done":      pbk.FileStateCompleted,
	}
	for uri, state := range want {
		if got := mustGetFile(t, db, uri).State; got != state {
			t.Errorf("%s state = %s, want %s", uri, got, state)
		}
	}
}

func TestSQLiteDatabase_Chunking(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	addFolder(t, db, testKey, 1)

	const n = 2500
	files := make([]*pbk.BackupFile, n)
	uris := make([]string, n)
	for i := range files {
		uris[i] = fmt.Sprintf("content://media/image/%d", i)
		files[i] = newFile(testKey, 1, uris[i], pbk.FileStateIdle)
	}
	addFiles(t, db, files...)

	if err := db.ApplyResolution(ctx, testKey, pbk.Resolution{Ready: uris}); err != nil {
		t.Fatalf("ApplyResolution() error = %v", err)
	}
	changed, err := db.MarkAsEnqueued(ctx, testKey, uris)
	if err != nil {
		t.Fatalf("MarkAsEnqueued() error = %v", err)
	}
	if changed != n {
		t.Errorf("MarkAsEnqueued() = %d, want %d", changed, n)
	}

	counts, err := db.GetCountsByState(ctx, testKey)
	if err != nil {
		t.Fatalf("GetCountsByState() error = %v", err)
	}
	if counts.Get(pbk.FileStateEnqueued) != n || counts.Total() != n {
		t.Errorf("counts = %v, want %d ENQUEUED", counts, n)
	}
}

func TestSQLiteDatabase_StartupRecovery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	addFolder(t, db, testKey, 1)
	addFiles(t, db,
		newFile(testKey, 1, "a", pbk.FileStateEnqueued),
		newFile(testKey, 1, "b", pbk.FileStateEnqueued),
		newFile(testKey, 1, "c", pbk.FileStateCompleted),
	)

	n, err := db.MarkAllEnqueuedInFolderAsReady(ctx, testKey)
	if err != nil {
		t.Fatalf("MarkAllEnqueuedInFolderAsReady() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MarkAllEnqueuedInFolderAsReady() = %d, want 2", n)
	}
	counts, err := db.GetCountsByState(ctx, testKey)
	if err != nil {
		t.Fatalf("GetCountsByState() error = %v", err)
	}
	if counts.Get(pbk.FileStateEnqueued) != 0 || counts.Get(pbk.FileStateReady) != 2 {
		t.Errorf("counts = %v, want 2 READY and no ENQUEUED", counts)
	}
}

func TestSQLiteDatabase_IsBackupCompleteForFolder(t *testing.T) {
	tests := []struct {
		name   string
		states []pbk.FileState
		want   bool
	}{
		{"empty bucket", nil, true},
		{"completed and duplicated", []pbk.FileState{pbk.FileStateCompleted, pbk.FileStateDuplicated}, true},
		{"one ready", []pbk.FileState{pbk.FileStateCompleted, pbk.FileStateReady}, false},
		{"one failed", []pbk.FileState{pbk.FileStateFailed}, false},
		{"one idle", []pbk.FileState{pbk.FileStateIdle}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			addFolder(t, db, testKey, 1)
			addFolder(t, db, testKey, 2)
			addFiles(t, db, newFile(testKey, 2, "other-bucket", pbk.FileStateReady))
			for i, s := range tt.states {
				addFiles(t, db, newFile(testKey, 1, fmt.Sprintf("f%d", i), s))
			}

			got, err := db.IsBackupCompleteForFolder(context.Background(), testKey, 1)
			if err != nil {
				t.Fatalf("IsBackupCompleteForFolder() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsBackupCompleteForFolder() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSQLiteDatabase_ResetOperations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	addFolder(t, db, testKey, 1)
	failed := newFile(testKey, 1, "failed", pbk.FileStateFailed)
	failed.Attempts = 4
	addFiles(t, db, failed, newFile(testKey, 1, "done", pbk.FileStateCompleted))

	if _, err := db.ResetFilesAttempts(ctx, testKey); err != nil {
		t.Fatalf("ResetFilesAttempts() error = %v", err)
	}
	got := mustGetFile(t, db, "failed")
	if got.Attempts != 0 || got.State != pbk.FileStateFailed {
		t.Errorf("after ResetFilesAttempts() state = %s attempts = %d, want FAILED 0", got.State, got.Attempts)
	}

	n, err := db.MarkAllFilesInFolderIDAsIdle(ctx, testKey)
	if err != nil {
		t.Fatalf("MarkAllFilesInFolderIDAsIdle() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MarkAllFilesInFolderIDAsIdle() = %d, want 2", n)
	}

	if err := db.UpdateFileHash(ctx, testKey, "done", "abc"); err != nil {
		t.Fatalf("UpdateFileHash() error = %v", err)
	}
	if h := mustGetFile(t, db, "done").Hash; h == nil || *h != "abc" {
		t.Errorf("Hash = %v, want abc", h)
	}
}

func TestSQLiteDatabase_DeleteByState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	addFolder(t, db, testKey, 1)
	addFiles(t, db,
		newFile(testKey, 1, "done", pbk.FileStateCompleted),
		newFile(testKey, 1, "failed", pbk.FileStateFailed),
		newFile(testKey, 1, "dup", pbk.FileStateDuplicated),
	)

	if n, err := db.DeleteCompletedFromFolder(ctx, testKey); err != nil || n != 1 {
		t.Errorf("DeleteCompletedFromFolder() = %d, %v, want 1, nil", n, err)
	}
	if n, err := db.DeleteFailedForFolderID(ctx, testKey); err != nil || n != 1 {
		t.Errorf("DeleteFailedForFolderID() = %d, %v, want 1, nil", n, err)
	}
	counts, err := db.GetCountsByState(ctx, testKey)
	if err != nil {
		t.Fatalf("GetCountsByState() error = %v", err)
	}
	if counts.Total() != 1 || counts.Get(pbk.FileStateDuplicated) != 1 {
		t.Errorf("counts = %v, want only the duplicated file", counts)
	}
}

func TestSQLiteDatabase_Errors(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, e := range []*pbk.BackupError{
		pbk.NewBackupError(testKey, pbk.ErrorTypeConnectivity, "offline"),
		pbk.NewBackupError(testKey, pbk.ErrorTypeConnectivity, "still offline"),
		pbk.NewBackupError(testKey, pbk.ErrorTypePermission, "denied"),
		pbk.NewBackupError(testKey, pbk.ErrorTypeDriveStorage, "full"),
	} {
		if err := db.InsertError(ctx, e); err != nil {
			t.Fatalf("InsertError() error = %v", err)
		}
	}

	errs, err := db.GetErrors(ctx, testKey)
	if err != nil {
		t.Fatalf("GetErrors() error = %v", err)
	}
	if len(errs) != 3 {
		t.Fatalf("GetErrors() returned %d errors, want 3 (one per type)", len(errs))
	}
	for _, e := range errs {
		if e.Type == pbk.ErrorTypeConnectivity && e.Message != "still offline" {
			t.Errorf("connectivity message = %q, want the latest", e.Message)
		}
	}

	if err := db.DeleteAllRetryableErrors(ctx, testKey); err != nil {
		t.Fatalf("DeleteAllRetryableErrors() error = %v", err)
	}
	errs, err = db.GetErrors(ctx, testKey)
	if err != nil {
		t.Fatalf("GetErrors() error = %v", err)
	}
	if len(errs) != 1 || errs[0].Type != pbk.ErrorTypePermission || errs[0].Retryable {
		t.Errorf("GetErrors() after deleting retryable = %+v, want only PERMISSION", errs)
	}

	if err := db.DeleteAllErrorsByType(ctx, testKey, pbk.ErrorTypePermission); err != nil {
		t.Fatalf("DeleteAllErrorsByType() error = %v", err)
	}
	if errs, _ := db.GetErrors(ctx, testKey); len(errs) != 0 {
		t.Errorf("GetErrors() after deleting by type = %+v, want none", errs)
	}
}

func TestSQLiteDatabase_Configuration(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cfg, err := db.GetConfiguration(ctx, testKey)
	if err != nil {
		t.Fatalf("GetConfiguration() error = %v", err)
	}
	if cfg != nil {
		t.Errorf("GetConfiguration() = %+v, want nil", cfg)
	}

	for _, nt := range []pbk.NetworkType{pbk.NetworkUnmetered, pbk.NetworkConnected} {
		if err := db.UpsertConfiguration(ctx, &pbk.BackupConfiguration{FolderKey: testKey, NetworkType: nt}); err != nil {
			t.Fatalf("UpsertConfiguration() error = %v", err)
		}
		cfg, err := db.GetConfiguration(ctx, testKey)
		if err != nil {
			t.Fatalf("GetConfiguration() error = %v", err)
		}
		if cfg == nil || cfg.NetworkType != nt {
			t.Errorf("GetConfiguration() = %+v, want %s", cfg, nt)
		}
	}

	err = db.UpsertConfiguration(ctx, &pbk.BackupConfiguration{FolderKey: testKey, NetworkType: pbk.NetworkNone})
	if err == nil {
		t.Error("UpsertConfiguration() with NONE expected constraint error")
	}
}

func TestSQLiteDatabase_FileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbk.db")
	ctx := context.Background()

	db, err := NewSQLiteDatabase(path)
	if err != nil {
		t.Fatalf("NewSQLiteDatabase() error = %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	addFolder(t, db, testKey, 1)
	addFiles(t, db, newFile(testKey, 1, "a", pbk.FileStateEnqueued))
	db.Close()

	reopened, err := NewSQLiteDatabase(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	if err := reopened.CheckMigrations(); err != nil {
		t.Fatalf("CheckMigrations() error = %v", err)
	}
	f, err := reopened.GetFile(ctx, testKey, "a")
	if err != nil || f == nil || f.State != pbk.FileStateEnqueued {
		t.Errorf("GetFile() after reopen = %+v, %v, want ENQUEUED file", f, err)
	}
}
