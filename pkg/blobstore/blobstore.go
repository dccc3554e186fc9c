package blobstore

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// Object describes one stored blob.
type Object struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Store is a flat byte-stream store addressed by slash-separated paths.
type Store interface {
	Upload(ctx context.Context, blobPath string, r io.Reader, size int64) error
	Download(ctx context.Context, blobPath string, w io.Writer) error
	// ReadRange returns up to length bytes starting at offset. A negative
	// length reads to the end.
	ReadRange(ctx context.Context, blobPath string, offset, length int64) ([]byte, error)
	// List returns every blob under prefix, recursively, sorted by path.
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, blobPath string) error
	Exists(ctx context.Context, blobPath string) (bool, error)
	// SignedURL returns a short-lived read URL for a blob.
	SignedURL(ctx context.Context, blobPath string, ttl time.Duration) (string, error)
}

// Read returns a whole blob.
func Read(ctx context.Context, s Store, blobPath string) ([]byte, error) {
	return s.ReadRange(ctx, blobPath, 0, -1)
}

// UploadBytes stores data at blobPath.
func UploadBytes(ctx context.Context, s Store, blobPath string, data []byte) error {
	return s.Upload(ctx, blobPath, bytes.NewReader(data), int64(len(data)))
}

// DeletePrefix removes every blob under prefix and returns how many went.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	objs, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, o := range objs {
		if err := s.Delete(ctx, o.Path); err != nil {
			return i, err
		}
	}
	return len(objs), nil
}

// Namespaces.

func JobPath(jobID string, parts ...string) string {
	return join("jobs", jobID, parts...)
}

func WorkspacePath(ws string, parts ...string) string {
	return join("workspaces", ws, parts...)
}

func RunPath(ws, run string, parts ...string) string {
	return join("workspaces", ws, append([]string{"runs", run}, parts...)...)
}

func SharePath(share string, parts ...string) string {
	return join("shares", share, parts...)
}

// Well-known job blobs.
const (
	BeforeCodeDir       = "before/code"
	CodeArchiveName     = "xt_code.zip"
	LauncherName        = "wrapped.sh"
	MultiRunContextName = "multi_run_context.json"
	SweepFileName       = "hp_sweeps"
	ConsoleLogName      = "console.txt"
)

func join(root, name string, parts ...string) string {
	all := append([]string{root, name}, parts...)
	return Clean(path.Join(all...))
}

// Clean normalizes a blob path: forward slashes, no leading slash.
func Clean(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// Rel returns p relative to prefix, or false when p is outside it.
func Rel(prefix, p string) (string, bool) {
	prefix = Clean(prefix)
	p = Clean(p)
	if prefix == "" {
		return p, true
	}
	if p == prefix {
		return "", true
	}
	if strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix)+1:], true
	}
	return "", false
}
