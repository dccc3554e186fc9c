// Package snapshot captures the user's code dirs into an immutable tree and
// uploads it to the job's "before/code" blob prefix.
package snapshot

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// DefaultOmit is applied when no omit list is configured.
var DefaultOmit = []string{".git", "__pycache__", ".ipynb_checkpoints", "*.pyc", ".DS_Store"}

// AuxDir is where auxiliary captures land inside the snapshot.
const AuxDir = "__xt__"

// CodeDir maps a local source dir to a destination inside the snapshot.
type CodeDir struct {
	Src string
	Dst string
}

// ParseCodeDirs parses "src::dst" or plain "src" entries.
func ParseCodeDirs(specs []string) ([]CodeDir, error) {
	var out []CodeDir
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		src, dst, _ := strings.Cut(spec, "::")
		src = strings.TrimSpace(src)
		dst = strings.Trim(strings.TrimSpace(filepath.ToSlash(dst)), "/")
		if src == "" {
			return nil, xterr.Syntax("code dir %q has no source", spec)
		}
		if strings.HasPrefix(path.Clean("/"+dst), "/..") {
			return nil, xterr.Syntax("code dir %q escapes the snapshot", spec)
		}
		out = append(out, CodeDir{Src: src, Dst: dst})
	}
	return out, nil
}

// Options controls a snapshot.
type Options struct {
	CodeDirs []CodeDir
	Omit     []string
	CodeZip  string
	// Aux are extra dirs captured under AuxDir, e.g. the controller's own
	// library for in-flight upgrades.
	Aux []CodeDir
}

// Snapshot is a captured code tree. User files cannot be changed after
// capture; backends may only add new files until the snapshot is uploaded.
type Snapshot struct {
	Dir string

	mu     sync.Mutex
	user   map[string]bool
	added  []string
	sealed bool
	log    *logrus.Entry
}

// Build copies the code dirs into workDir, which must not exist or be empty.
func Build(ctx context.Context, opts Options, workDir string, log *logrus.Entry) (*Snapshot, error) {
	if !ValidZipMode(opts.CodeZip) {
		return nil, xterr.Config("code_zip must be none, fast or compress, not %q", opts.CodeZip)
	}
	omit := opts.Omit
	if omit == nil {
		omit = DefaultOmit
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "create "+workDir)
	}
	snap := &Snapshot{Dir: workDir, user: map[string]bool{}, log: log}

	dirs := append([]CodeDir(nil), opts.CodeDirs...)
	for _, aux := range opts.Aux {
		dirs = append(dirs, CodeDir{Src: aux.Src, Dst: path.Join(AuxDir, aux.Dst)})
	}
	for _, cd := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := snap.copyDir(cd, omit)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"src": cd.Src, "dst": cd.Dst, "files": n}).Debug("captured code dir")
	}
	return snap, nil
}

func (s *Snapshot) copyDir(cd CodeDir, omit []string) (int, error) {
	info, err := os.Stat(cd.Src)
	if err != nil {
		return 0, xterr.Wrap(xterr.CategoryEnv, err, "code dir "+cd.Src)
	}
	if !info.IsDir() {
		rel := path.Join(cd.Dst, filepath.Base(cd.Src))
		return 1, s.copyFile(cd.Src, rel)
	}
	n := 0
	err = filepath.WalkDir(cd.Src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(cd.Src, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			for _, o := range omit {
				if blobstore.Match(o, rel) {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !blobstore.Selected(rel, nil, omit) {
			return nil
		}
		n++
		return s.copyFile(p, path.Join(cd.Dst, rel))
	})
	if err != nil {
		return n, xterr.Wrap(xterr.CategoryEnv, err, "capture "+cd.Src)
	}
	return n, nil
}

func (s *Snapshot) copyFile(src, rel string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	target := filepath.Join(s.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if info, err := in.Stat(); err == nil {
		_ = os.Chmod(target, info.Mode().Perm())
	}
	s.user[rel] = true
	return out.Close()
}

// Files returns every file in the snapshot, sorted.
func (s *Snapshot) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.user)+len(s.added))
	for rel := range s.user {
		out = append(out, rel)
	}
	out = append(out, s.added...)
	sort.Strings(out)
	return out
}

// Has reports whether rel exists in the snapshot.
func (s *Snapshot) Has(rel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user[rel] {
		return true
	}
	for _, a := range s.added {
		if a == rel {
			return true
		}
	}
	return false
}

// AddFile writes a generated file. Captured user files are never replaced;
// a generated file may be rewritten, which keeps backend adjustments
// idempotent within one submit.
func (s *Snapshot) AddFile(rel string, data []byte, mode os.FileMode) error {
	rel = path.Clean(filepath.ToSlash(rel))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return xterr.Internal("snapshot already uploaded; cannot add %s", rel)
	}
	if s.user[rel] {
		return xterr.Combo("generated file %s would overwrite a user file", rel)
	}
	target := filepath.Join(s.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "mkdir "+filepath.Dir(target))
	}
	if err := os.WriteFile(target, data, mode); err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "write "+target)
	}
	for _, a := range s.added {
		if a == rel {
			return nil
		}
	}
	s.added = append(s.added, rel)
	return nil
}

// ReadFile returns the content of a snapshot file.
func (s *Snapshot) ReadFile(rel string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "read snapshot file "+rel)
	}
	return data, nil
}

// Upload sends the snapshot to jobs/<job>/before/code. With a zip mode the
// tree goes up as one archive and the launcher script, if any, is uploaded
// next to it. The snapshot is sealed afterwards.
func (s *Snapshot) Upload(ctx context.Context, store blobstore.Store, jobID, codeZip string) ([]string, error) {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()

	prefix := blobstore.JobPath(jobID, blobstore.BeforeCodeDir)
	if codeZip == "" || codeZip == ZipNone {
		uploaded, err := blobstore.UploadTree(ctx, store, s.Dir, prefix, nil, nil)
		if err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{"job_id": jobID, "files": len(uploaded)}).Info("uploaded code snapshot")
		return uploaded, nil
	}

	var buf bytes.Buffer
	n, err := ZipDir(s.Dir, &buf, codeZip, func(rel string) bool { return rel == blobstore.LauncherName })
	if err != nil {
		return nil, err
	}
	archive := path.Join(prefix, blobstore.CodeArchiveName)
	if err := blobstore.UploadBytes(ctx, store, archive, buf.Bytes()); err != nil {
		return nil, err
	}
	uploaded := []string{archive}
	if s.Has(blobstore.LauncherName) {
		launcher := path.Join(prefix, blobstore.LauncherName)
		if err := blobstore.UploadFile(ctx, store, filepath.Join(s.Dir, blobstore.LauncherName), launcher); err != nil {
			return nil, err
		}
		uploaded = append(uploaded, launcher)
	}
	s.log.WithFields(logrus.Fields{
		"job_id": jobID, "files": n, "bytes": buf.Len(), "code_zip": codeZip,
	}).Info("uploaded zipped code snapshot")
	return uploaded, nil
}

// Cleanup removes the local tree.
func (s *Snapshot) Cleanup() error {
	return os.RemoveAll(s.Dir)
}
