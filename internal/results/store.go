package results

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/me/gowps/internal/blob"
)

// OutputStore keeps published job outputs under keys of the form
// {jobID}/{outputID}/{basename}.
type OutputStore interface {
	Put(ctx context.Context, key, srcPath, mediaType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Href returns the URL clients use to download key.
	Href(ctx context.Context, key string) (string, error)
	// DeleteJob removes every output of a job.
	DeleteJob(ctx context.Context, jobID string) error
}

// OutputKey builds the store key of one produced file.
func OutputKey(jobID, outputID, basename string) string {
	return path.Join(jobID, outputID, basename)
}

// LocalStore keeps outputs in a directory served by the API.
type LocalStore struct {
	root      string
	publicURL string
}

var _ OutputStore = (*LocalStore)(nil)

// NewLocalStore creates a store under root whose hrefs start with publicURL.
func NewLocalStore(root, publicURL string) *LocalStore {
	return &LocalStore{root: root, publicURL: strings.TrimSuffix(publicURL, "/")}
}

func (s *LocalStore) Put(_ context.Context, key, srcPath, _ string) error {
	dest, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	// Same filesystem in the common case; fall back to a copy.
	if err := os.Link(srcPath, dest); err == nil {
		return nil
	}
	return copyFile(srcPath, dest)
}

func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Href yields {publicURL}/jobs/{jobID}/outputs/{outputID}/{basename}.
func (s *LocalStore) Href(_ context.Context, key string) (string, error) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed output key %q", key)
	}
	return fmt.Sprintf("%s/jobs/%s/outputs/%s/%s", s.publicURL,
		url.PathEscape(parts[0]), url.PathEscape(parts[1]), url.PathEscape(parts[2])), nil
}

func (s *LocalStore) DeleteJob(_ context.Context, jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return os.RemoveAll(filepath.Join(s.root, jobID))
}

func (s *LocalStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Count(clean, "/") != 3 {
		return "", fmt.Errorf("malformed output key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// S3API is the client surface the S3 store uses.
type S3API interface {
	blob.Getter
	blob.Putter
}

// S3Store publishes outputs to a bucket and hands out presigned URLs.
type S3Store struct {
	client    S3API
	presigner blob.Presigner
	bucket    string
	prefix    string
	expiry    time.Duration
}

var _ OutputStore = (*S3Store)(nil)

// NewS3Store creates a bucket-backed store.
func NewS3Store(client S3API, presigner blob.Presigner, bucket, prefix string, expiry time.Duration) *S3Store {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &S3Store{client: client, presigner: presigner, bucket: bucket, prefix: prefix, expiry: expiry}
}

func (s *S3Store) Put(ctx context.Context, key, srcPath, mediaType string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer f.Close()
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   f,
	}
	if mediaType != "" {
		in.ContentType = aws.String(mediaType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	return nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	return out.Body, nil
}

func (s *S3Store) Href(ctx context.Context, key string) (string, error) {
	return blob.Presign(ctx, s.presigner, s.bucket, s.objectKey(key), s.expiry)
}

// DeleteJob leaves objects in place; bucket lifecycle rules expire them.
func (s *S3Store) DeleteJob(context.Context, string) error {
	return nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
