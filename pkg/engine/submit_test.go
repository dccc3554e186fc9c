package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/fanout"
	"github.com/xt-ml/xt/pkg/search"
	"github.com/xt-ml/xt/pkg/snapshot"
	"github.com/xt-ml/xt/pkg/store"
)

func TestSubmitStaticGridAcrossNodes(t *testing.T) {
	ctx := context.Background()
	eng, be, _ := newTestEngine(t)

	res, err := eng.Submit(ctx, SubmitRequest{
		Cmds:       []string{"python train.py --lr=[0.1, 0.01] --bs=[16, 32]"},
		SearchType: search.TypeGrid,
		Nodes:      2,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StyleStatic, res.SearchStyle)
	assert.Equal(t, []string{"node0", "node1"}, res.Nodes)

	job, err := eng.Store().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StyleStatic, job.SearchStyle)
	assert.Equal(t, 4, job.RunCount)
	assert.Equal(t, map[string][]string{
		"node0": {"run1", "run3"},
		"node1": {"run2", "run4"},
	}, job.RunsByBox)

	want := []string{
		"python train.py --bs=16 --lr=0.1",
		"python train.py --bs=16 --lr=0.01",
		"python train.py --bs=32 --lr=0.1",
		"python train.py --bs=32 --lr=0.01",
	}
	for i, name := range []string{"run1", "run2", "run3", "run4"} {
		run, err := eng.Store().GetRun(ctx, "ws1", name)
		require.NoError(t, err)
		assert.Equal(t, i%2, run.NodeIndex, name)
		assert.Equal(t, want[i], run.CmdLine, name)
	}

	data, err := blobstore.Read(ctx, eng.Blobs(), blobstore.JobPath(res.JobID, blobstore.SweepFileName))
	require.NoError(t, err)
	var cmds []string
	require.NoError(t, json.Unmarshal(data, &cmds))
	assert.Equal(t, want, cmds)

	require.Len(t, be.submits, 1)
	require.Len(t, be.submits[0].Nodes, 2)
	assert.Equal(t, []string{"run2", "run4"}, be.submits[0].Nodes[1].RunNames)
}

func TestSubmitDynamicBayesian(t *testing.T) {
	ctx := context.Background()
	eng, be, _ := newTestEngine(t)

	res, err := eng.Submit(ctx, SubmitRequest{
		Cmds:       []string{"python train.py --epochs=5 --lr=[0.1, 0.01, 0.001]"},
		SearchType: search.TypeBayesian,
		Runs:       10,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StyleDynamic, res.SearchStyle)
	assert.Equal(t, []string{"run1"}, res.RunNames)

	job, err := eng.Store().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StyleDynamic, job.SearchStyle)
	assert.Equal(t, models.ScheduleDynamic, job.Schedule)
	assert.Equal(t, 10, job.DynamicRunsRemaining)
	assert.Contains(t, job.HPConfig, "lr")

	parent, err := eng.Store().GetRun(ctx, "ws1", "run1")
	require.NoError(t, err)
	assert.True(t, parent.IsParent)

	data, err := blobstore.Read(ctx, eng.Blobs(), blobstore.JobPath(res.JobID, blobstore.MultiRunContextName))
	require.NoError(t, err)
	mrc, err := fanout.DecodeContext(data)
	require.NoError(t, err)
	assert.Empty(t, mrc.Cmds)
	assert.Equal(t, models.StyleDynamic, mrc.SearchStyle)
	node := mrc.ContextByNodes["node0"]
	require.Len(t, node.Runs, 1)
	rc := node.Runs[0]
	assert.Equal(t, "run1", rc.RunName)
	assert.Equal(t, "python train.py --epochs=5", rc.Cmd)
	assert.Equal(t, search.TypeBayesian, rc.SearchType)
	assert.Equal(t, 3, rc.MinTrials)

	spec, err := blobstore.Read(ctx, eng.Blobs(), blobstore.JobPath(res.JobID, blobstore.SweepFileName))
	require.NoError(t, err)
	sweep, err := search.ParseSweepYAML(spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"lr"}, sweep.Names())

	require.Len(t, be.submits, 1)
	assert.Equal(t, []string{"run1"}, be.submits[0].Nodes[0].RunNames)
}

func TestSubmitCapturesXTLib(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)
	lib := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(lib, "xt_version.txt"), []byte("1.4.0"), 0o644))
	eng.file.Code.Capture = true
	eng.file.Code.LibPath = lib

	res, err := eng.Submit(ctx, SubmitRequest{Cmds: []string{"python train.py"}})
	require.NoError(t, err)

	archive, err := blobstore.Read(ctx, eng.Blobs(), path.Join(blobstore.JobPath(res.JobID, blobstore.BeforeCodeDir), blobstore.CodeArchiveName))
	require.NoError(t, err)
	dst := t.TempDir()
	files, err := snapshot.Unzip(bytes.NewReader(archive), int64(len(archive)), dst)
	require.NoError(t, err)
	assert.Contains(t, files, path.Join(snapshot.AuxDir, LibCaptureDir, "xt_version.txt"))
	body, err := os.ReadFile(filepath.Join(dst, snapshot.AuxDir, LibCaptureDir, "xt_version.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", string(body))
}

// flakyRunStore fails every StartRun after the first okRuns.
type flakyRunStore struct {
	store.RecordStore
	okRuns  int
	started int
}

func (s *flakyRunStore) StartRun(ctx context.Context, run *models.Run) (string, error) {
	if s.started >= s.okRuns {
		return "", xterr.Wrap(xterr.CategoryStore, errors.New("disk full"), "start run")
	}
	s.started++
	return s.RecordStore.StartRun(ctx, run)
}

func TestSubmitFailureMidAllocationEndsCreatedRuns(t *testing.T) {
	ctx := context.Background()
	st := &flakyRunStore{RecordStore: store.NewMemoryStore(), okRuns: 2}
	eng, be, _ := newTestEngineWithStore(t, st)

	_, err := eng.Submit(ctx, SubmitRequest{Cmds: []string{"python train.py"}, Runs: 5})
	require.Error(t, err)
	assert.Equal(t, xterr.CategoryStore, xterr.CategoryOf(err))

	for _, name := range []string{"run1", "run2"} {
		run, err := eng.Store().GetRun(ctx, "ws1", name)
		require.NoError(t, err)
		assert.Equal(t, models.RunError, run.Status, name)
	}
	_, err = eng.Store().GetRun(ctx, "ws1", "run3")
	assert.True(t, errors.Is(err, xterr.ErrNotFound))

	job, err := eng.Store().GetJob(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Empty(t, be.submits)
	assert.Empty(t, be.jobCancels, "nothing reached the backend")
}
