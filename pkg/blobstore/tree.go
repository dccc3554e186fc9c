package blobstore

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// transferLimit bounds concurrent blob transfers for tree operations.
const transferLimit = 8

// UploadFile copies one local file to blobPath.
func UploadFile(ctx context.Context, s Store, local, blobPath string) error {
	f, err := os.Open(local)
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "open "+local)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "stat "+local)
	}
	return s.Upload(ctx, blobPath, f, info.Size())
}

// DownloadFile copies blobPath into a local file, creating parent dirs.
func DownloadFile(ctx context.Context, s Store, blobPath, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "create "+filepath.Dir(local))
	}
	f, err := os.Create(local)
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "create "+local)
	}
	if err := s.Download(ctx, blobPath, f); err != nil {
		f.Close()
		return err
	}
	return xterr.Wrap(xterr.CategoryEnv, f.Close(), "close "+local)
}

// UploadTree uploads every selected file under localDir to prefix and
// returns the uploaded blob paths.
func UploadTree(ctx context.Context, s Store, localDir, prefix string, include, omit []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			for _, o := range omit {
				if Match(o, rel) {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if Selected(rel, include, omit) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "walk "+localDir)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferLimit)
	uploaded := make([]string, len(files))
	for i, rel := range files {
		i, rel := i, rel
		g.Go(func() error {
			blobPath := Clean(path.Join(prefix, rel))
			if err := UploadFile(gctx, s, filepath.Join(localDir, filepath.FromSlash(rel)), blobPath); err != nil {
				return err
			}
			uploaded[i] = blobPath
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return uploaded, nil
}

// DownloadTree copies every selected blob under prefix into localDir and
// returns the local file paths.
func DownloadTree(ctx context.Context, s Store, prefix, localDir string, include, omit []string) ([]string, error) {
	objs, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var rels []string
	for _, o := range objs {
		rel, ok := Rel(prefix, o.Path)
		if !ok || rel == "" || !Selected(rel, include, omit) {
			continue
		}
		rels = append(rels, rel)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferLimit)
	locals := make([]string, len(rels))
	for i, rel := range rels {
		i, rel := i, rel
		g.Go(func() error {
			local := filepath.Join(localDir, filepath.FromSlash(rel))
			if err := DownloadFile(gctx, s, Clean(path.Join(prefix, rel)), local); err != nil {
				return err
			}
			locals[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return locals, nil
}

// CopyPrefix copies every blob under src to dst, possibly across stores.
func CopyPrefix(ctx context.Context, from Store, src string, to Store, dst string) (int, error) {
	objs, err := from.List(ctx, src)
	if err != nil {
		return 0, err
	}
	for i, o := range objs {
		rel, ok := Rel(src, o.Path)
		if !ok {
			continue
		}
		data, err := Read(ctx, from, o.Path)
		if err != nil {
			return i, err
		}
		if err := UploadBytes(ctx, to, Clean(path.Join(dst, rel)), data); err != nil {
			return i, err
		}
	}
	return len(objs), nil
}
