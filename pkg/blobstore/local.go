package blobstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// LocalStore keeps blobs as files under a root directory.
type LocalStore struct {
	root   string
	signer *URLSigner
}

func NewLocalStore(root string, signer *URLSigner) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "create blob root")
	}
	return &LocalStore{root: root, signer: signer}, nil
}

func (s *LocalStore) file(blobPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(Clean(blobPath)))
}

func (s *LocalStore) Upload(ctx context.Context, blobPath string, r io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := s.file(blobPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "create blob dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "create blob")
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return xterr.Wrap(xterr.CategoryEnv, err, "write blob "+blobPath)
	}
	if err := tmp.Close(); err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "close blob")
	}
	return xterr.Wrap(xterr.CategoryEnv, os.Rename(tmp.Name(), dst), "commit blob "+blobPath)
}

func (s *LocalStore) open(blobPath string) (*os.File, error) {
	f, err := os.Open(s.file(blobPath))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, xterr.WithSentinel(xterr.CategoryStore, xterr.ErrNotFound, "blob %q not found", blobPath)
	}
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "open blob")
	}
	return f, nil
}

func (s *LocalStore) Download(ctx context.Context, blobPath string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := s.open(blobPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return xterr.Wrap(xterr.CategoryEnv, err, "read blob "+blobPath)
}

func (s *LocalStore) ReadRange(_ context.Context, blobPath string, offset, length int64) ([]byte, error) {
	f, err := s.open(blobPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, xterr.Wrap(xterr.CategoryEnv, err, "seek blob")
		}
	}
	var r io.Reader = f
	if length >= 0 {
		r = io.LimitReader(f, length)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "read blob")
	}
	return data, nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]Object, error) {
	base := s.file(prefix)
	var out []Object
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		out = append(out, Object{Path: filepath.ToSlash(rel), Size: info.Size(), Modified: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "list blobs")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *LocalStore) Delete(_ context.Context, blobPath string) error {
	err := os.Remove(s.file(blobPath))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return xterr.Wrap(xterr.CategoryEnv, err, "delete blob")
}

func (s *LocalStore) Exists(_ context.Context, blobPath string) (bool, error) {
	info, err := os.Stat(s.file(blobPath))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, xterr.Wrap(xterr.CategoryEnv, err, "stat blob")
	}
	return !info.IsDir(), nil
}

func (s *LocalStore) SignedURL(_ context.Context, blobPath string, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", xterr.Config("local blob store has no signing key (XT_SIGNING_KEY)")
	}
	return s.signer.Sign(blobPath, ttl), nil
}
