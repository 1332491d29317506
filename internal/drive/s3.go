package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"pbk-go/internal/config"
	"pbk-go/internal/pbk"
)

// s3Client is the subset of the S3 API used by s3Store.
type s3Client interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// s3Store keeps links and revisions as objects under an optional prefix,
// with the same layout as the filesystem drive.
type s3Store struct {
	client   s3Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Drive creates a drive backed by an S3 bucket.
func NewS3Drive(ctx context.Context, cfg config.DriveConfig, ids pbk.IDGenerator) (*Namespace, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 drive requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.S3Profile))
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newNamespace(newS3Store(client, cfg.S3Bucket, cfg.S3Prefix), ids), nil
}

func newS3Store(client s3Client, bucket, prefix string) *s3Store {
	return &s3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}
}

func (s *s3Store) key(parts ...string) string {
	escaped := make([]string, 0, len(parts)+1)
	if s.prefix != "" {
		escaped = append(escaped, s.prefix)
	}
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return path.Join(escaped...)
}

func (s *s3Store) linkKey(parentID, nameHash string) string {
	return s.key("links", parentID, nameHash) + linkExt
}

func (s *s3Store) revisionKey(l *Link) string {
	return s.key("revisions", l.LinkID, l.RevisionID)
}

func (s *s3Store) getLink(ctx context.Context, parentID, nameHash string) (*Link, error) {
	return s.readLink(ctx, s.linkKey(parentID, nameHash))
}

func (s *s3Store) listLinks(ctx context.Context, parentID string) ([]*Link, error) {
	var links []*Link
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key("links", parentID) + "/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing links: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, linkExt) {
				continue
			}
			l, err := s.readLink(ctx, key)
			if err != nil {
				return nil, err
			}
			if l != nil {
				links = append(links, l)
			}
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].NameHash < links[j].NameHash })
	return links, nil
}

func (s *s3Store) putLink(ctx context.Context, l *Link) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(l); err != nil {
		return fmt.Errorf("failed to encode link: %w", err)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.linkKey(l.ParentID, l.NameHash)),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/toml"),
	})
	if err != nil {
		return fmt.Errorf("putting link object: %w", err)
	}
	return nil
}

func (s *s3Store) deleteLink(ctx context.Context, l *Link) error {
	return s.deleteObject(ctx, s.linkKey(l.ParentID, l.NameHash))
}

func (s *s3Store) writeRevision(ctx context.Context, l *Link, r io.Reader) (int64, error) {
	counter := &countingReader{r: r}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.revisionKey(l)),
		Body:        counter,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return 0, fmt.Errorf("uploading revision: %w", err)
	}
	return counter.n, nil
}

func (s *s3Store) openRevision(ctx context.Context, l *Link) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.revisionKey(l)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("revision not found: %s/%s", l.LinkID, l.RevisionID)
		}
		return nil, fmt.Errorf("getting revision object: %w", err)
	}
	return out.Body, nil
}

func (s *s3Store) deleteRevision(ctx context.Context, l *Link) error {
	return s.deleteObject(ctx, s.revisionKey(l))
}

func (s *s3Store) readLink(ctx context.Context, key string) (*Link, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting link object %s: %w", key, err)
	}
	defer out.Body.Close()

	var l Link
	if _, err := toml.NewDecoder(out.Body).Decode(&l); err != nil {
		return nil, fmt.Errorf("decoding link object %s: %w", key, err)
	}
	return &l, nil
}

func (s *s3Store) deleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
