package pbk_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"pbk-go/internal/mediaindex"
	"pbk-go/internal/pbk"
	"pbk-go/internal/testutil"
)

var testKey = pbk.FolderKey{UserID: "user-1", ShareID: "share-1", ParentID: "parent-1"}

var baseTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestScanner_Scan(t *testing.T) {
	t.Run("converts rows and paginates", func(t *testing.T) {
		idx := mediaindex.NewMemoryIndex()
		testutil.AddPhotos(idx, 1, pbk.ScanPageSize*2+5, baseTime)
		idx.Add(mediaindex.MemoryItem{
			BucketID: 1, Type: pbk.MediaTypeVideo, ID: "v1", DisplayName: "VID_1.mp4",
			MimeType: "video/mp4", DateAdded: baseTime, Content: []byte("mp4"),
		})
		testutil.AddPhotos(idx, 2, 3, baseTime)

		s := pbk.NewScanner(idx, pbk.NewNopLogger())
		files, err := s.Scan(context.Background(), &pbk.BackupFolder{FolderKey: testKey, BucketID: 1})
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		if len(files) != pbk.ScanPageSize*2+6 {
			t.Fatalf("Scan() returned %d files, want %d", len(files), pbk.ScanPageSize*2+6)
		}

		last := files[len(files)-1]
		if last.Name != "VID_1.mp4" || last.URI != idx.ContentURI(pbk.MediaTypeVideo, "v1") {
			t.Errorf("videos not scanned after images: last = %+v", last)
		}
		for _, f := range files {
			if f.State != pbk.FileStateIdle || f.UploadPriority != pbk.DefaultUploadPriority {
				t.Fatalf("file %s state = %s priority = %d, want IDLE default", f.URI, f.State, f.UploadPriority)
			}
			if f.FolderKey != testKey || f.BucketID != 1 {
				t.Fatalf("file %s folder = %v bucket = %d", f.URI, f.FolderKey, f.BucketID)
			}
		}
	})

	t.Run("skips rows with missing columns", func(t *testing.T) {
		idx := mediaindex.NewMemoryIndex()
		idx.AddBucket(1, "Camera")
		testutil.AddPhotos(idx, 1, 2, baseTime)
		idx.AddRow(&pbk.MediaRow{
			BucketID:  1,
			Type:      pbk.MediaTypeImage,
			ID:        sql.NullString{String: "broken", Valid: true},
			MimeType:  sql.NullString{String: "image/jpeg", Valid: true},
			Size:      sql.NullInt64{Int64: 1, Valid: true},
			DateAdded: sql.NullTime{Time: baseTime, Valid: true},
		})

		s := pbk.NewScanner(idx, pbk.NewNopLogger())
		files, err := s.Scan(context.Background(), &pbk.BackupFolder{FolderKey: testKey, BucketID: 1})
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		if len(files) != 2 {
			t.Errorf("Scan() returned %d files, want 2", len(files))
		}
	})

	t.Run("honours watermark", func(t *testing.T) {
		idx := mediaindex.NewMemoryIndex()
		testutil.AddPhotos(idx, 1, 10, baseTime)

		mark := baseTime.Add(7 * time.Minute)
		s := pbk.NewScanner(idx, pbk.NewNopLogger())
		files, err := s.Scan(context.Background(), &pbk.BackupFolder{FolderKey: testKey, BucketID: 1, UpdateTime: &mark})
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		var names []string
		for _, f := range files {
			names = append(names, f.Name)
		}
		if want := "[IMG_0010.jpg IMG_0009.jpg IMG_0008.jpg]"; fmt.Sprint(names) != want {
			t.Errorf("Scan() = %v, want %s", names, want)
		}
	})

	t.Run("propagates index failure", func(t *testing.T) {
		idx := mediaindex.NewMemoryIndex()
		idx.SetPermissionDenied(true)

		s := pbk.NewScanner(idx, pbk.NewNopLogger())
		_, err := s.Scan(context.Background(), &pbk.BackupFolder{FolderKey: testKey, BucketID: 1})
		if !errors.Is(err, pbk.ErrPermissionDenied) {
			t.Errorf("Scan() error = %v, want ErrPermissionDenied", err)
		}
	})
}
