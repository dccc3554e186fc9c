package blobstore

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{".git", "src/.git/config", true},
		{"__pycache__", "a/__pycache__/x.pyc", true},
		{"*.pyc", "a/b/x.pyc", true},
		{"*.pyc", "a/b/x.py", false},
		{"runs/**", "runs/run1/output/console.txt", true},
		{"runs/*/output", "runs/run1/output", true},
		{"runs/*/output", "runs/run1/x/output", false},
		{"**/console.txt", "console.txt", true},
		{"**/console.txt", "a/b/console.txt", true},
		{"data/**/*.csv", "data/x/y/z.csv", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Match(c.pattern, c.path), "%s ~ %s", c.pattern, c.path)
	}
}

func TestNamespaces(t *testing.T) {
	assert.Equal(t, "jobs/job3/before/code", JobPath("job3", BeforeCodeDir))
	assert.Equal(t, "workspaces/ws1/runs/run2/output/console.txt", RunPath("ws1", "run2", "output", ConsoleLogName))
	assert.Equal(t, "shares/data", SharePath("data"))

	rel, ok := Rel("jobs/job3", "jobs/job3/before/code/x.py")
	assert.True(t, ok)
	assert.Equal(t, "before/code/x.py", rel)
	_, ok = Rel("jobs/job3", "jobs/job30/x")
	assert.False(t, ok)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, UploadBytes(ctx, s, "jobs/job1/a.txt", []byte("0123456789")))
	require.NoError(t, UploadBytes(ctx, s, "jobs/job1/sub/b.txt", []byte("b")))
	require.NoError(t, UploadBytes(ctx, s, "jobs/job10/c.txt", []byte("c")))

	objs, err := s.List(ctx, "jobs/job1")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "jobs/job1/a.txt", objs[0].Path)
	assert.Equal(t, int64(10), objs[0].Size)

	part, err := s.ReadRange(ctx, "jobs/job1/a.txt", 4, 3)
	require.NoError(t, err)
	assert.Equal(t, "456", string(part))

	rest, err := s.ReadRange(ctx, "jobs/job1/a.txt", 8, -1)
	require.NoError(t, err)
	assert.Equal(t, "89", string(rest))

	past, err := s.ReadRange(ctx, "jobs/job1/a.txt", 20, -1)
	require.NoError(t, err)
	assert.Empty(t, past)

	var buf bytes.Buffer
	require.NoError(t, s.Download(ctx, "jobs/job1/sub/b.txt", &buf))
	assert.Equal(t, "b", buf.String())

	_, err = s.ReadRange(ctx, "missing", 0, -1)
	assert.True(t, errors.Is(err, xterr.ErrNotFound))

	n, err := DeletePrefix(ctx, s, "jobs/job1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	ok, err := s.Exists(ctx, "jobs/job10/c.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUploadAndDownloadTree(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	write := func(rel, body string) {
		p := filepath.Join(src, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	write("train.py", "print(1)")
	write("lib/util.py", "x = 1")
	write(".git/HEAD", "ref")
	write("lib/__pycache__/util.pyc", "bin")

	s, err := NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	uploaded, err := UploadTree(ctx, s, src, "jobs/job1/before/code", nil, []string{".git", "__pycache__"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"jobs/job1/before/code/train.py", "jobs/job1/before/code/lib/util.py"}, uploaded)

	dst := t.TempDir()
	locals, err := DownloadTree(ctx, s, "jobs/job1/before/code", dst, []string{"**/*.py"}, nil)
	require.NoError(t, err)
	assert.Len(t, locals, 2)
	data, err := os.ReadFile(filepath.Join(dst, "lib", "util.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1", string(data))
}

func TestURLSigner(t *testing.T) {
	signer, err := NewURLSigner("0123456789abcdef", "https://node0:18861/blobs")
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	signer.nowFunc = func() time.Time { return now }

	raw := signer.Sign("jobs/job1/before/code/xt_code.zip", time.Minute)
	require.True(t, strings.HasPrefix(raw, "https://node0:18861/blobs/jobs/job1/"))
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()

	require.NoError(t, signer.Verify("jobs/job1/before/code/xt_code.zip", q.Get("exp"), q.Get("sig")))
	assert.Error(t, signer.Verify("jobs/job2/before/code/xt_code.zip", q.Get("exp"), q.Get("sig")))

	now = now.Add(2 * time.Minute)
	assert.Error(t, signer.Verify("jobs/job1/before/code/xt_code.zip", q.Get("exp"), q.Get("sig")))

	_, err = NewURLSigner("short", "")
	assert.Error(t, err)
}

func TestMinioStoreIntegration(t *testing.T) {
	endpoint := os.Getenv("XT_MINIO_ENDPOINT_INTEGRATION")
	if endpoint == "" {
		t.Skip("set XT_MINIO_ENDPOINT_INTEGRATION to run MinIO integration tests")
	}
	ctx := context.Background()
	s, err := NewMinioStore(ctx, MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("XT_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("XT_MINIO_SECRET_KEY"),
		Bucket:    "xt-itest",
		Prefix:    "itest-" + time.Now().UTC().Format("20060102150405"),
	})
	require.NoError(t, err)

	require.NoError(t, UploadBytes(ctx, s, "jobs/job1/console.txt", []byte("hello world")))
	part, err := s.ReadRange(ctx, "jobs/job1/console.txt", 6, -1)
	require.NoError(t, err)
	assert.Equal(t, "world", string(part))

	objs, err := s.List(ctx, "jobs/job1")
	require.NoError(t, err)
	require.Len(t, objs, 1)

	_, err = s.SignedURL(ctx, "jobs/job1/console.txt", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "jobs/job1/console.txt"))
}
