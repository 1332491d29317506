package drive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"pbk-go/internal/config"
	"pbk-go/internal/pbk"
)

// fakeS3 is an in-memory bucket serving single-part uploads.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

var errMultipart = errors.New("multipart upload not supported by fake")

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errMultipart
}

func TestS3Store_Layout(t *testing.T) {
	fake := newFakeS3()
	store := newS3Store(fake, "bucket", "/pbk/")
	ctx := context.Background()

	l := &Link{ParentID: "albums/2024", LinkID: "l1", RevisionID: "r1", NameHash: "h1", State: pbk.LinkStateDraft}
	if err := store.putLink(ctx, l); err != nil {
		t.Fatalf("putLink() error = %v", err)
	}
	if _, err := store.writeRevision(ctx, l, strings.NewReader("data")); err != nil {
		t.Fatalf("writeRevision() error = %v", err)
	}

	for _, key := range []string{"pbk/links/albums%2F2024/h1.toml", "pbk/revisions/l1/r1"} {
		if _, ok := fake.objects[key]; !ok {
			t.Errorf("object %q missing, have %v", key, fake.objects)
		}
	}

	got, err := store.getLink(ctx, "albums/2024", "h1")
	if err != nil {
		t.Fatalf("getLink() error = %v", err)
	}
	if got == nil || got.LinkID != "l1" || got.State != pbk.LinkStateDraft {
		t.Errorf("getLink() = %+v, want link l1 in draft", got)
	}

	missing, err := store.getLink(ctx, "albums/2024", "nope")
	if err != nil || missing != nil {
		t.Errorf("getLink() missing = %+v, %v, want nil, nil", missing, err)
	}
}

func TestNewS3Drive_RequiresBucket(t *testing.T) {
	_, err := NewS3Drive(context.Background(), config.DriveConfig{Type: "s3"}, nil)
	if err == nil || !strings.Contains(err.Error(), "s3_bucket") {
		t.Errorf("NewS3Drive() error = %v, want s3_bucket error", err)
	}
}
