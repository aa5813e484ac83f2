// Package vault stores client-uploaded input files behind per-file access
// tokens. Blobs live in a flat diskv store; metadata and token hashes live
// in the document store.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/pkg/model"
	"github.com/peterbourgon/diskv/v3"
)

// Options bounds vault storage.
type Options struct {
	MaxFileSize  int64
	MaxTotalSize int64
	TTL          time.Duration
}

// Vault is the token-protected upload area.
type Vault struct {
	store  store.Store
	blobs  *diskv.Diskv
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// DefaultTTL is the idle lifetime of a file when Options sets none.
const DefaultTTL = 24 * time.Hour

// New creates a Vault keeping blobs under dir.
func New(st store.Store, dir string, opts Options, logger *slog.Logger) *Vault {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	flatTransform := func(s string) []string { return []string{} }
	return &Vault{
		store: st,
		blobs: diskv.New(diskv.Options{
			BasePath:     dir,
			Transform:    flatTransform,
			CacheSizeMax: 1024 * 1024,
		}),
		opts:   opts,
		logger: logging.OrDiscard(logger).With("component", "vault"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Upload stores body under a fresh id and returns the file with its access
// token. The token is only returned here; the store keeps its hash.
func (v *Vault) Upload(ctx context.Context, filename, mediaType string, body io.Reader) (*model.VaultFile, string, error) {
	usage, err := v.store.VaultUsage(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("vault usage: %w", err)
	}
	if v.opts.MaxTotalSize > 0 && usage >= v.opts.MaxTotalSize {
		return nil, "", model.NewQuotaExceededError(fmt.Sprintf("vault is full (%s of %s used)",
			humanize.IBytes(uint64(usage)), humanize.IBytes(uint64(v.opts.MaxTotalSize))))
	}

	id := uuid.New().String()
	counter := &countingReader{r: body}
	var src io.Reader = counter
	if v.opts.MaxFileSize > 0 {
		src = io.LimitReader(counter, v.opts.MaxFileSize+1)
	}
	if err := v.blobs.WriteStream(id, src, true); err != nil {
		return nil, "", fmt.Errorf("write vault blob: %w", err)
	}
	size := counter.n

	if v.opts.MaxFileSize > 0 && size > v.opts.MaxFileSize {
		v.erase(id)
		return nil, "", model.NewQuotaExceededError(fmt.Sprintf("file exceeds the %s per-file limit",
			humanize.IBytes(uint64(v.opts.MaxFileSize))))
	}
	if v.opts.MaxTotalSize > 0 && usage+size > v.opts.MaxTotalSize {
		v.erase(id)
		return nil, "", model.NewQuotaExceededError(fmt.Sprintf("file of %s does not fit in the remaining vault space (%s)",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(v.opts.MaxTotalSize-usage))))
	}

	token, err := newToken()
	if err != nil {
		v.erase(id)
		return nil, "", err
	}
	if filename == "" {
		filename = id
	}
	if mediaType == "" {
		mediaType = mime.TypeByExtension(filepath.Ext(filename))
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	now := v.now()
	f := &model.VaultFile{
		ID:        id,
		Filename:  filepath.Base(filename),
		MediaType: mediaType,
		Size:      size,
		TokenHash: hashToken(token),
		CreatedAt: now,
		ExpiresAt: now.Add(v.opts.TTL),
	}
	if err := v.store.CreateVaultFile(ctx, f); err != nil {
		v.erase(id)
		return nil, "", fmt.Errorf("record vault file: %w", err)
	}
	v.logger.Info("vault file uploaded", "vault_id", id, "size", humanize.IBytes(uint64(size)), "media_type", mediaType)
	return f, token, nil
}

// Stat checks the token and returns the file metadata.
func (v *Vault) Stat(ctx context.Context, id, token string) (*model.VaultFile, error) {
	return v.authorize(ctx, id, token)
}

// Open checks the token and returns the file with a reader over its bytes.
func (v *Vault) Open(ctx context.Context, id, token string) (*model.VaultFile, io.ReadCloser, error) {
	f, err := v.authorize(ctx, id, token)
	if err != nil {
		return nil, nil, err
	}
	rc, err := v.blobs.ReadStream(id, true)
	if err != nil {
		return nil, nil, fmt.Errorf("open vault blob %s: %w", id, err)
	}
	return f, rc, nil
}

// Copy writes a file into w. The file stays in the vault.
func (v *Vault) Copy(ctx context.Context, id, token string, w io.Writer) (*model.VaultFile, error) {
	f, rc, err := v.Open(ctx, id, token)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return nil, fmt.Errorf("copy vault file %s: %w", id, err)
	}
	return f, nil
}

// Claim records jobID as the owner of a file and deletes it. Only one job
// can claim a file; later claims fail with a conflict.
func (v *Vault) Claim(ctx context.Context, id, token, jobID string) error {
	if _, err := v.authorize(ctx, id, token); err != nil && !model.IsCode(err, model.ErrExpired) {
		return err
	}
	claimed, err := v.store.ConsumeVaultFile(ctx, id, jobID, v.now())
	if err != nil {
		return fmt.Errorf("claim vault file %s: %w", id, err)
	}
	if !claimed {
		return model.NewConflictError("vault file '%s' was already consumed", id)
	}
	if err := v.remove(ctx, id); err != nil {
		v.logger.Warn("delete consumed vault file", "vault_id", id, "error", err)
	}
	v.logger.Info("vault file consumed", "vault_id", id, "job_id", jobID)
	return nil
}

// Delete removes a file; the token must match.
func (v *Vault) Delete(ctx context.Context, id, token string) error {
	if _, err := v.authorize(ctx, id, token); err != nil && !model.IsCode(err, model.ErrExpired) {
		return err
	}
	return v.remove(ctx, id)
}

// Sweep deletes every file whose idle lifetime ended at or before now.
func (v *Vault) Sweep(ctx context.Context, now time.Time) (int, error) {
	files, err := v.store.ListVaultFilesExpiredBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired vault files: %w", err)
	}
	removed := 0
	for _, f := range files {
		if err := v.remove(ctx, f.ID); err != nil {
			v.logger.Warn("sweep vault file", "vault_id", f.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		v.logger.Info("vault swept", "removed", removed)
	}
	return removed, nil
}

func (v *Vault) authorize(ctx context.Context, id, token string) (*model.VaultFile, error) {
	if token == "" {
		return nil, model.NewAuthorizationError("vault access token is required")
	}
	f, err := v.store.GetVaultFile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get vault file %s: %w", id, err)
	}
	if f == nil {
		return nil, model.NewNotFoundError("Vault file", id)
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(f.TokenHash)) != 1 {
		return nil, model.NewAuthorizationError("vault access token does not match")
	}
	if f.Expired(v.now()) {
		return nil, model.NewExpiredError("Vault file", id)
	}
	return f, nil
}

func (v *Vault) remove(ctx context.Context, id string) error {
	v.erase(id)
	return v.store.DeleteVaultFile(ctx, id)
}

func (v *Vault) erase(id string) {
	if v.blobs.Has(id) {
		if err := v.blobs.Erase(id); err != nil {
			v.logger.Warn("erase vault blob", "vault_id", id, "error", err)
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
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
