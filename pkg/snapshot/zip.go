package snapshot

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Zip modes.
const (
	ZipNone     = "none"
	ZipFast     = "fast"
	ZipCompress = "compress"
)

// ValidZipMode reports whether mode is a known code_zip setting.
func ValidZipMode(mode string) bool {
	switch mode {
	case "", ZipNone, ZipFast, ZipCompress:
		return true
	}
	return false
}

// NewZipWriter returns a zip writer whose Deflate entries use klauspost's
// flate at the given level.
func NewZipWriter(w io.Writer, level int) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	return zw
}

func methodFor(mode string) uint16 {
	if mode == ZipCompress {
		return zip.Deflate
	}
	return zip.Store
}

// ZipDir writes every file under dir into w. skip, if set, excludes
// slash-separated relative paths. Entries are written in sorted order.
func ZipDir(dir string, w io.Writer, mode string, skip func(rel string) bool) (int, error) {
	var rels []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip != nil && skip(rel) {
			return nil
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return 0, xterr.Wrap(xterr.CategoryEnv, err, "walk "+dir)
	}
	sort.Strings(rels)

	zw := NewZipWriter(w, flate.DefaultCompression)
	for _, rel := range rels {
		if err := addFile(zw, filepath.Join(dir, filepath.FromSlash(rel)), rel, methodFor(mode)); err != nil {
			zw.Close()
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, xterr.Wrap(xterr.CategoryEnv, err, "close zip")
	}
	return len(rels), nil
}

func addFile(zw *zip.Writer, local, name string, method uint16) error {
	f, err := os.Open(local)
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "open "+local)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "stat "+local)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "zip header "+name)
	}
	hdr.Name = name
	hdr.Method = method
	out, err := zw.CreateHeader(hdr)
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "zip entry "+name)
	}
	_, err = io.Copy(out, f)
	return xterr.Wrap(xterr.CategoryEnv, err, "zip write "+name)
}

// Unzip extracts r into dst and returns the extracted relative paths.
// Entries that would escape dst are rejected.
func Unzip(r io.ReaderAt, size int64, dst string) ([]string, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "open zip")
	}
	var out []string
	for _, f := range zr.File {
		name := path.Clean(f.Name)
		if strings.HasPrefix(name, "../") || name == ".." || path.IsAbs(name) {
			return nil, xterr.Env("zip entry %q escapes the target dir", f.Name)
		}
		target := filepath.Join(dst, filepath.FromSlash(name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, xterr.Wrap(xterr.CategoryEnv, err, "mkdir "+target)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "mkdir "+filepath.Dir(target))
	}
	rc, err := f.Open()
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "open zip entry "+f.Name)
	}
	defer rc.Close()
	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "create "+target)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return xterr.Wrap(xterr.CategoryEnv, err, "extract "+f.Name)
	}
	return xterr.Wrap(xterr.CategoryEnv, out.Close(), "close "+target)
}
