package testutil

import (
	"fmt"
	"time"

	"pbk-go/internal/mediaindex"
	"pbk-go/internal/pbk"
)

// AddPhotos adds n JPEG items named IMG_0001.jpg, IMG_0002.jpg, ... to a
// bucket of idx, added one minute apart starting at start. It returns the
// content URIs in insertion order.
func AddPhotos(idx *mediaindex.MemoryIndex, bucketID int, n int, start time.Time) []string {
	uris := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("IMG_%04d.jpg", i)
		added := start.Add(time.Duration(i-1) * time.Minute)
		uris = append(uris, idx.Add(mediaindex.MemoryItem{
			BucketID:     bucketID,
			Type:         pbk.MediaTypeImage,
			ID:           fmt.Sprintf("%d-%d", bucketID, i),
			DisplayName:  name,
			MimeType:     "image/jpeg",
			DateAdded:    added,
			DateModified: added,
			Content:      []byte("jpeg:" + name),
		}))
	}
	return uris
}
