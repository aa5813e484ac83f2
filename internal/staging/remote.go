package staging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/me/gowps/internal/blob"
	"github.com/me/gowps/pkg/model"
)

// S3Fetcher downloads s3://bucket/key references.
type S3Fetcher struct {
	client blob.Getter
}

// NewS3Fetcher creates an S3Fetcher over client.
func NewS3Fetcher(client blob.Getter) *S3Fetcher {
	return &S3Fetcher{client: client}
}

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, src Source, destDir string) (Fetched, error) {
	bucket, key, err := blob.SplitLocation(src.Path)
	if err != nil {
		return Fetched{}, err
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Fetched{}, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	dest := filepath.Join(destDir, baseName(key))
	if err := writeAtomic(dest, out.Body); err != nil {
		return Fetched{}, err
	}
	return Fetched{Path: dest, MediaType: aws.ToString(out.ContentType)}, nil
}

// VaultReader is the part of the vault the fetcher needs.
type VaultReader interface {
	Copy(ctx context.Context, id, token string, w io.Writer) (*model.VaultFile, error)
}

// VaultFetcher copies vault://{id} references out of the vault. Files are
// never claimed here; ownership is taken once the job is queued.
type VaultFetcher struct {
	vault VaultReader
}

// NewVaultFetcher creates a VaultFetcher.
func NewVaultFetcher(v VaultReader) *VaultFetcher {
	return &VaultFetcher{vault: v}
}

// Fetch implements Fetcher. The staged copy keeps the uploaded file name.
func (f *VaultFetcher) Fetch(ctx context.Context, src Source, destDir string) (Fetched, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Fetched{}, fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(destDir, ".vault-*")
	if err != nil {
		return Fetched{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	vf, err := f.vault.Copy(ctx, src.Path, src.Token, tmp)
	if closeErr := tmp.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return Fetched{}, err
	}

	dest := filepath.Join(destDir, filepath.Base(vf.Filename))
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return Fetched{}, fmt.Errorf("rename temp file: %w", err)
	}
	return Fetched{Path: dest, MediaType: vf.MediaType}, nil
}
