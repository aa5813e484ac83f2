package staging

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/me/gowps/pkg/cwl"
)

// Source is one input reference to bring into a job's input area.
type Source struct {
	Location string // reference as supplied by the client
	Scheme   string // "" for bare paths
	Path     string // location without the scheme prefix
	Token    string // vault access token
	JobID    string
}

// Fetched describes a staged copy.
type Fetched struct {
	Path      string
	MediaType string // reported by the source, empty if unknown
	Dir       bool
}

// Fetcher copies the file a Source points at into destDir.
type Fetcher interface {
	Fetch(ctx context.Context, src Source, destDir string) (Fetched, error)
}

// FileFetcher copies local files and directories. Only paths under one of
// the allowed roots may be referenced.
type FileFetcher struct {
	roots []string
}

// NewFileFetcher creates a FileFetcher. With no roots every local reference
// is refused.
func NewFileFetcher(roots []string) *FileFetcher {
	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		if abs, err := filepath.Abs(r); err == nil {
			if resolved, err := filepath.EvalSymlinks(abs); err == nil {
				abs = resolved
			}
			clean = append(clean, abs)
		}
	}
	return &FileFetcher{roots: clean}
}

// Fetch implements Fetcher.
func (f *FileFetcher) Fetch(_ context.Context, src Source, destDir string) (Fetched, error) {
	p := cwl.DecodeLocation(src.Path)
	if !filepath.IsAbs(p) {
		return Fetched{}, fmt.Errorf("local reference %q must be an absolute path", src.Location)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(p))
	if err != nil {
		return Fetched{}, fmt.Errorf("resolve %s: %w", p, err)
	}
	if !f.allowed(resolved) {
		return Fetched{}, fmt.Errorf("path %s is outside the allowed input roots", p)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Fetched{}, err
	}
	dest := filepath.Join(destDir, filepath.Base(p))
	if info.IsDir() {
		if err := copyDir(resolved, dest); err != nil {
			return Fetched{}, err
		}
		return Fetched{Path: dest, Dir: true}, nil
	}
	if err := copyFile(resolved, dest); err != nil {
		return Fetched{}, err
	}
	return Fetched{Path: dest}, nil
}

func (f *FileFetcher) allowed(p string) bool {
	for _, root := range f.roots {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// baseName picks a file name for a staged copy from a URL or object key.
func baseName(loc string) string {
	if u, err := url.Parse(loc); err == nil && u.Path != "" {
		loc = u.Path
	}
	name := path.Base(loc)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name == "" || name == "." || name == "/" {
		return "input"
	}
	return name
}

// writeAtomic streams r into dest through a temporary file.
func writeAtomic(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmpPath := dest + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	_, err = io.Copy(out, r)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// copyFile copies a single file from src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	return writeAtomic(dst, in)
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(p, target)
	})
}
