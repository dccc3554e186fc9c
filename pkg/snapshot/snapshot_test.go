package snapshot

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/logger"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func TestParseCodeDirs(t *testing.T) {
	dirs, err := ParseCodeDirs([]string{"./src", "../lib::vendor/lib/", " "})
	require.NoError(t, err)
	assert.Equal(t, []CodeDir{{Src: "./src"}, {Src: "../lib", Dst: "vendor/lib"}}, dirs)

	_, err = ParseCodeDirs([]string{"src::../outside"})
	assert.Equal(t, xterr.CategorySyntax, xterr.CategoryOf(err))
}

func TestBuildOmitsAndProtectsUserFiles(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"train.py":                "print('hi')",
		"model/net.py":            "net",
		".git/HEAD":               "ref",
		"model/__pycache__/a.pyc": "bin",
	})
	aux := t.TempDir()
	writeTree(t, aux, map[string]string{"controller.py": "ctl"})

	snap, err := Build(context.Background(), Options{
		CodeDirs: []CodeDir{{Src: src}},
		Aux:      []CodeDir{{Src: aux, Dst: "lib"}},
	}, filepath.Join(t.TempDir(), "code"), logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, []string{"__xt__/lib/controller.py", "model/net.py", "train.py"}, snap.Files())

	err = snap.AddFile("train.py", []byte("evil"), 0o644)
	assert.Equal(t, xterr.CategoryCombo, xterr.CategoryOf(err))
	require.NoError(t, snap.AddFile(blobstore.LauncherName, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, snap.AddFile(blobstore.LauncherName, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	assert.True(t, snap.Has(blobstore.LauncherName))
	assert.Len(t, snap.Files(), 4)

	data, err := snap.ReadFile("train.py")
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(data))
}

func TestUploadZippedSnapshot(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeTree(t, src, map[string]string{"train.py": "x", "data/cfg.yaml": "a: 1"})
	snap, err := Build(ctx, Options{CodeDirs: []CodeDir{{Src: src}}, CodeZip: ZipCompress},
		filepath.Join(t.TempDir(), "code"), logger.Discard())
	require.NoError(t, err)
	require.NoError(t, snap.AddFile(blobstore.LauncherName, []byte("#!/bin/sh\n"), 0o755))

	store, err := blobstore.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	uploaded, err := snap.Upload(ctx, store, "job7", ZipCompress)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"jobs/job7/before/code/xt_code.zip",
		"jobs/job7/before/code/wrapped.sh",
	}, uploaded)

	err = snap.AddFile("late.txt", []byte("x"), 0o644)
	assert.Equal(t, xterr.CategoryInternal, xterr.CategoryOf(err))

	archive, err := blobstore.Read(ctx, store, uploaded[0])
	require.NoError(t, err)
	dst := t.TempDir()
	files, err := Unzip(bytes.NewReader(archive), int64(len(archive)), dst)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"data/cfg.yaml", "train.py"}, files)
	body, err := os.ReadFile(filepath.Join(dst, "data", "cfg.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "a: 1", string(body))
}

func TestUploadPlainSnapshot(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeTree(t, src, map[string]string{"train.py": "x"})
	snap, err := Build(ctx, Options{CodeDirs: []CodeDir{{Src: src, Dst: "app"}}},
		filepath.Join(t.TempDir(), "code"), logger.Discard())
	require.NoError(t, err)

	store, err := blobstore.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	uploaded, err := snap.Upload(ctx, store, "job1", ZipNone)
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs/job1/before/code/app/train.py"}, uploaded)
}

func TestBuildRejectsUnknownZipMode(t *testing.T) {
	_, err := Build(context.Background(), Options{CodeZip: "lzma"}, t.TempDir(), logger.Discard())
	assert.Equal(t, xterr.CategoryConfig, xterr.CategoryOf(err))
}
