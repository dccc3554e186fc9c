package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xt-ml/xt/pkg/backend"
	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/events"
	"github.com/xt-ml/xt/pkg/store"
)

// fakeBackend records what the engine asks of a compute service. Nodes never
// expose a supervisor, so cancels go through the backend.
type fakeBackend struct {
	mu        sync.Mutex
	submits   []backend.SubmitRequest
	submitErr error
	cancelled []string
	// jobCancels holds the job info of every job-level cancel.
	jobCancels   []models.ServiceInfo
	cancelJobErr error
	log          string
	logStatus    string
}

func (f *fakeBackend) Kind() backend.Kind { return backend.KindPool }

func (f *fakeBackend) AdjustRunCommands(context.Context, *backend.AdjustRequest) error { return nil }

func (f *fakeBackend) SubmitJob(_ context.Context, req backend.SubmitRequest) (models.ServiceInfo, map[string]models.ServiceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		// The job record exists service-side before the failure.
		return models.ServiceInfo{"job_id": req.JobID}, nil, f.submitErr
	}
	f.submits = append(f.submits, req)
	nodes := map[string]models.ServiceInfo{}
	for _, n := range req.Nodes {
		nodes[n.ID] = models.ServiceInfo{"job_id": req.JobID, "node_id": n.ID}
	}
	return models.ServiceInfo{"job_id": req.JobID}, nodes, nil
}

func (f *fakeBackend) GetClientCS(context.Context, models.ServiceInfo) (*backend.Endpoint, error) {
	return nil, nil
}

func (f *fakeBackend) ReadLogFile(_ context.Context, _ models.ServiceInfo, logName string, start, end int64) (*backend.LogChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size := int64(len(f.log))
	if end < 0 || end > size {
		end = size
	}
	if start > end {
		start = end
	}
	return &backend.LogChunk{
		NewText:      f.log[start:end],
		SimpleStatus: f.logStatus,
		LogName:      logName,
		NextOffset:   end,
	}, nil
}

func (f *fakeBackend) GetNodeStatus(context.Context, models.ServiceInfo) (string, error) {
	return models.SimpleRunning, nil
}

func (f *fakeBackend) SimpleStatus(s string) string { return s }

func (f *fakeBackend) CancelNode(_ context.Context, node models.ServiceInfo) (*backend.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := node["node_id"].(string)
	f.cancelled = append(f.cancelled, id)
	return &backend.CancelResult{Cancelled: true, SimpleStatus: models.SimpleCompleted}, nil
}

func (f *fakeBackend) CancelJob(ctx context.Context, job models.ServiceInfo, nodes map[string]models.ServiceInfo) (map[string]*backend.CancelResult, error) {
	f.mu.Lock()
	f.jobCancels = append(f.jobCancels, job)
	err := f.cancelJobErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := map[string]*backend.CancelResult{}
	for id, info := range nodes {
		cr, _ := f.CancelNode(ctx, info)
		out[id] = cr
	}
	return out, nil
}

func (f *fakeBackend) CancelRunsByNames(context.Context, string, []string, string) ([]backend.CancelResult, error) {
	return nil, backend.ErrUnsupported
}

func (f *fakeBackend) CancelRunsByUser(context.Context, string) ([]backend.CancelResult, error) {
	return nil, backend.ErrUnsupported
}

func (f *fakeBackend) QueueEntries(context.Context, models.ServiceInfo) ([]backend.QueueEntry, error) {
	return []backend.QueueEntry{{Name: "job1/node0", Current: true}}, nil
}

func (f *fakeBackend) ProvidesContainerSupport() bool { return false }

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType, _ string, _ map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) seen(eventType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.types {
		if t == eventType {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T) (*Engine, *fakeBackend, *recordingPublisher) {
	t.Helper()
	return newTestEngineWithStore(t, store.NewMemoryStore())
}

func newTestEngineWithStore(t *testing.T, st store.RecordStore) (*Engine, *fakeBackend, *recordingPublisher) {
	t.Helper()
	file := config.DefaultFile()
	file.Code.Upload = false

	blobs, err := blobstore.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	be := &fakeBackend{}
	pub := &recordingPublisher{}
	eng, err := New(Options{
		Store:  st,
		Blobs:  blobs,
		File:   file,
		Infra:  config.Load(),
		Events: pub,
		Backends: func(context.Context, string) (backend.Backend, error) {
			return be, nil
		},
	})
	require.NoError(t, err)
	return eng, be, pub
}

func strp(s string) *string { return &s }

func TestSubmitRepeatJob(t *testing.T) {
	ctx := context.Background()
	eng, be, pub := newTestEngine(t)

	res, err := eng.Submit(ctx, SubmitRequest{Cmds: []string{"python train.py --epochs=3"}, Runs: 5})
	require.NoError(t, err)
	assert.Equal(t, "job1", res.JobID)
	assert.Equal(t, models.StyleRepeat, res.SearchStyle)
	assert.Equal(t, []string{"run1", "run2", "run3", "run4", "run5"}, res.RunNames)
	assert.Equal(t, []string{"node0"}, res.Nodes)

	require.Len(t, be.submits, 1)
	sub := be.submits[0]
	require.Len(t, sub.Nodes, 1)
	assert.Equal(t, res.RunNames, sub.Nodes[0].RunNames)
	assert.NotEmpty(t, sub.Nodes[0].BoxSecret)

	job, err := eng.Store().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobAllocating, job.Status)
	assert.Equal(t, 5, job.RepeatCount)
	assert.Contains(t, job.ServiceInfoByNode, "node0")

	run, err := eng.Store().GetRun(ctx, "ws1", "run3")
	require.NoError(t, err)
	assert.Equal(t, models.RunQueued, run.Status)
	assert.Equal(t, "python train.py --epochs=3", run.CmdLine)

	ok, err := eng.Blobs().Exists(ctx, blobstore.JobPath(res.JobID, blobstore.MultiRunContextName))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, pub.seen(events.JobSubmitted))
}

func TestSubmitFailureEndsJob(t *testing.T) {
	ctx := context.Background()
	eng, be, pub := newTestEngine(t)
	be.submitErr = xterr.Service("pool is full")

	_, err := eng.Submit(ctx, SubmitRequest{Cmds: []string{"python train.py"}, Runs: 3})
	require.Error(t, err)

	job, err := eng.Store().GetJob(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 3, job.ErrorRuns)
	for _, name := range []string{"run1", "run2", "run3"} {
		run, err := eng.Store().GetRun(ctx, "ws1", name)
		require.NoError(t, err)
		assert.Equal(t, models.RunError, run.Status, name)
	}
	assert.True(t, pub.seen(events.JobSubmitFailed))
	assert.False(t, pub.seen(events.JobSubmitted))

	require.Len(t, be.jobCancels, 1, "a failed submit releases what the service created")
	assert.Equal(t, "job1", be.jobCancels[0]["job_id"])
}

func TestCancelJobMidFlight(t *testing.T) {
	ctx := context.Background()
	eng, be, pub := newTestEngine(t)

	res, err := eng.Submit(ctx, SubmitRequest{Cmds: []string{"python train.py"}, Runs: 5})
	require.NoError(t, err)
	for _, name := range res.RunNames[:2] {
		moved, err := eng.Store().SetRunStatus(ctx, "ws1", name, models.RunCompleted, false, models.Update{})
		require.NoError(t, err)
		require.True(t, moved)
	}

	out, err := eng.CancelJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Ended)
	assert.False(t, out.Partial)
	assert.Equal(t, models.JobCompleted, out.Status)
	require.Len(t, out.Nodes, 1)
	assert.True(t, out.Nodes[0].Cancelled)
	assert.Equal(t, ViaBackend, out.Nodes[0].Via)
	assert.Equal(t, []string{"node0"}, be.cancelled, "stopped nodes are not cancelled twice")
	require.Len(t, be.jobCancels, 1)
	assert.Equal(t, res.JobID, be.jobCancels[0]["job_id"])
	assert.Empty(t, out.JobError)

	for i, name := range res.RunNames {
		run, err := eng.Store().GetRun(ctx, "ws1", name)
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, models.RunCompleted, run.Status, name)
			continue
		}
		assert.Equal(t, models.RunCancelled, run.Status, name)
		require.NotNil(t, run.ExitCode)
		assert.Equal(t, 0, *run.ExitCode)
	}

	job, err := eng.Store().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 5, job.CompletedRuns)
	assert.True(t, pub.seen(events.JobCancelled))

	var buf bytes.Buffer
	done := make(chan *MonitorResult, 1)
	go func() {
		mres, err := eng.Monitor(ctx, res.JobID, MonitorOptions{Out: &buf, Poll: time.Hour})
		assert.NoError(t, err)
		done <- mres
	}()
	select {
	case mres := <-done:
		assert.Equal(t, models.JobCompleted, mres.Status)
		assert.Contains(t, buf.String(), "completed")
	case <-time.After(5 * time.Second):
		t.Fatal("monitor of a completed job did not return")
	}

	again, err := eng.CancelJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Zero(t, again.Ended)
	assert.Len(t, be.cancelled, 1)
	assert.Len(t, be.jobCancels, 1)
}

func TestCancelJobReportsBackendJobFailure(t *testing.T) {
	ctx := context.Background()
	eng, be, _ := newTestEngine(t)
	res, err := eng.Submit(ctx, SubmitRequest{Cmds: []string{"python train.py"}, Runs: 2})
	require.NoError(t, err)
	be.cancelJobErr = xterr.Service("terminate refused")

	out, err := eng.CancelJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.True(t, out.Partial)
	assert.Contains(t, out.JobError, "terminate refused")
	assert.Equal(t, models.JobCompleted, out.Status)
	assert.Equal(t, 2, out.Ended)
}

func TestCancelRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)
	_, err := eng.Submit(ctx, SubmitRequest{Cmds: []string{"python a.py", "python b.py"}})
	require.NoError(t, err)

	first, err := eng.CancelRuns(ctx, "ws1", []string{"run1"})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.True(t, first[0].Cancelled)
	assert.Equal(t, models.RunCancelled, first[0].Status)

	second, err := eng.CancelRuns(ctx, "ws1", []string{"run1"})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, models.RunCancelled, second[0].Status)

	run, err := eng.Store().GetRun(ctx, "ws1", "run1")
	require.NoError(t, err)
	ended := 0
	for _, rec := range run.LogRecords {
		if rec.Event == models.EventEnded {
			ended++
		}
	}
	assert.Equal(t, 1, ended)

	other, err := eng.Store().GetRun(ctx, "ws1", "run2")
	require.NoError(t, err)
	assert.Equal(t, models.RunQueued, other.Status)
}

func TestMonitorResumesFromOffset(t *testing.T) {
	ctx := context.Background()
	eng, be, _ := newTestEngine(t)
	res, err := eng.Submit(ctx, SubmitRequest{Cmds: []string{"python train.py"}})
	require.NoError(t, err)

	be.log = "epoch 1\nepoch 2\nepoch 3\n"
	be.logStatus = models.SimpleCompleted

	var buf bytes.Buffer
	out, err := eng.Monitor(ctx, res.JobID, MonitorOptions{Out: &buf, StartOffset: 8, Poll: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "epoch 2\nepoch 3\n", buf.String())
	assert.Equal(t, int64(len(be.log)), out.NextOffset)
	assert.Equal(t, models.SimpleCompleted, out.Status)

	_, err = eng.Monitor(ctx, res.JobID, MonitorOptions{Node: 3, Poll: time.Millisecond})
	assert.Equal(t, xterr.CategorySyntax, xterr.CategoryOf(err))
}

func TestExpandNames(t *testing.T) {
	known := []string{"run1", "run2", "run3", "run4", "run10"}

	got, err := expandNames([]string{"run1,run3"}, known, "run", models.RunNum)
	require.NoError(t, err)
	assert.Equal(t, []string{"run1", "run3"}, got)

	got, err = expandNames([]string{"run2-run4"}, known, "run", models.RunNum)
	require.NoError(t, err)
	assert.Equal(t, []string{"run2", "run3", "run4"}, got)

	got, err = expandNames([]string{"run1*"}, known, "run", models.RunNum)
	require.NoError(t, err)
	assert.Equal(t, []string{"run1", "run10"}, got)

	_, err = expandNames([]string{"run1,run7"}, known, "run", models.RunNum)
	assert.True(t, errors.Is(err, xterr.ErrNotFound))
	assert.Equal(t, xterr.CategoryStore, xterr.CategoryOf(err))

	_, err = expandNames([]string{"*"}, known, "run", models.RunNum)
	assert.Equal(t, xterr.CategorySyntax, xterr.CategoryOf(err))

	_, err = expandNames([]string{"run4-run2"}, known, "run", models.RunNum)
	assert.Equal(t, xterr.CategorySyntax, xterr.CategoryOf(err))

	jobs, err := expandNames([]string{"job2-job3"}, []string{"job1", "job2", "job3"}, "job", models.ParseJobNum)
	require.NoError(t, err)
	assert.Equal(t, []string{"job2", "job3"}, jobs)
}

func TestRunTags(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)
	st := eng.Store()
	require.NoError(t, st.CreateWorkspace(ctx, "ws1"))
	for i := 0; i < 3; i++ {
		_, err := st.StartRun(ctx, &models.Run{Workspace: "ws1"})
		require.NoError(t, err)
	}

	n, err := eng.SetRunTags(ctx, "ws1", []string{"run1-run2"}, []string{"best", "lr=0.1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tags, err := eng.RunTags(ctx, "ws1", []string{"run1", "run3"})
	require.NoError(t, err)
	assert.Contains(t, tags["run1"], "best")
	assert.Nil(t, tags["run1"]["best"])
	require.NotNil(t, tags["run1"]["lr"])
	assert.Equal(t, "0.1", *tags["run1"]["lr"])
	assert.Empty(t, tags["run3"])

	_, err = eng.ClearRunTags(ctx, "ws1", []string{"run1"}, []string{"best"})
	require.NoError(t, err)
	tags, err = eng.RunTags(ctx, "ws1", []string{"run1"})
	require.NoError(t, err)
	assert.NotContains(t, tags["run1"], "best")
	assert.Contains(t, tags["run1"], "lr")

	_, err = eng.SetRunTags(ctx, "ws1", []string{"run1"}, []string{"a.b=1"})
	assert.Equal(t, xterr.CategorySyntax, xterr.CategoryOf(err))
	_, err = eng.ClearRunTags(ctx, "ws1", []string{"run1"}, []string{"lr=0.1"})
	assert.Equal(t, xterr.CategorySyntax, xterr.CategoryOf(err))
}

func TestTagsRejectUnknownNames(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)
	seedWorkspace(t, eng, "ws1")

	_, err := eng.SetRunTags(ctx, "ws1", []string{"run9"}, []string{"best"})
	assert.True(t, errors.Is(err, xterr.ErrNotFound))
	assert.Equal(t, 5, xterr.ExitCode(err))

	_, err = eng.RunTags(ctx, "ws1", []string{"run1", "run9"})
	assert.True(t, errors.Is(err, xterr.ErrNotFound))

	_, err = eng.ClearJobTags(ctx, []string{"job1", "job7"}, []string{"team"})
	assert.True(t, errors.Is(err, xterr.ErrNotFound))
	tags, err := eng.JobTags(ctx, []string{"job1"})
	require.NoError(t, err)
	assert.Contains(t, tags["job1"], "team", "a rejected spec list changes nothing")

	n, err := eng.SetRunTags(ctx, "ws1", []string{"run1-run9"}, []string{"best"})
	require.NoError(t, err)
	assert.Equal(t, 4, n, "ranges only cover runs that exist")
}

// seedWorkspace writes two jobs of two runs each into ws.
func seedWorkspace(t *testing.T, eng *Engine, ws string) []string {
	t.Helper()
	ctx := context.Background()
	st := eng.Store()
	require.NoError(t, st.CreateWorkspace(ctx, ws))
	var jobs []string
	for j := 0; j < 2; j++ {
		id, err := st.CreateJob(ctx, &models.Job{
			Workspace:  ws,
			Experiment: "exper1",
			NodeCount:  1,
			RunCount:   2,
			Tags:       models.Tags{"team": strp("vision")},
		})
		require.NoError(t, err)
		jobs = append(jobs, id)
		for k := 0; k < 2; k++ {
			_, err := st.StartRun(ctx, &models.Run{
				Workspace: ws,
				JobID:     id,
				Tags:      models.Tags{"seed": strp(fmt.Sprint(k))},
			})
			require.NoError(t, err)
		}
	}
	return jobs
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng, _, pub := newTestEngine(t)
	jobs := seedWorkspace(t, eng, "A")
	_, err := eng.SetRunTags(ctx, "A", []string{"run1"}, []string{"best"})
	require.NoError(t, err)
	require.NoError(t, blobstore.UploadBytes(ctx, eng.Blobs(), blobstore.RunPath("A", "run1", "output", "console.txt"), []byte("hello")))
	require.NoError(t, blobstore.UploadBytes(ctx, eng.Blobs(), blobstore.JobPath(jobs[0], "hp_sweeps"), []byte("lr: [0.1]")))

	var buf bytes.Buffer
	contents, err := eng.ExportWorkspace(ctx, ExportOptions{Workspace: "A"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, contents.Workspaces)
	require.Len(t, contents.Jobs, 2)
	assert.Equal(t, []string{"run1", "run2"}, contents.Jobs[0].Runs)

	res, err := eng.ImportWorkspace(ctx, bytes.NewReader(buf.Bytes()), int64(buf.Len()), ImportOptions{
		Workspace: "A_copy",
		JobPrefix: "imp",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"job1": "imp_job1", "job2": "imp_job2"}, res.Jobs)
	assert.Equal(t, 4, res.Runs)
	assert.Equal(t, 5, res.NextRun)
	assert.True(t, pub.seen(events.WorkspaceImported))

	st := eng.Store()
	ok, err := st.WorkspaceExists(ctx, "A_copy")
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := st.GetJob(ctx, "imp_job2")
	require.NoError(t, err)
	assert.Equal(t, "A_copy", job.Workspace)
	require.NotNil(t, job.Tags["team"])
	assert.Equal(t, "vision", *job.Tags["team"])

	for i, name := range []string{"run1", "run2", "run3", "run4"} {
		run, err := st.GetRun(ctx, "A_copy", name)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("imp_job%d", i/2+1), run.JobID)
		require.NotNil(t, run.Tags["seed"])
		assert.Equal(t, fmt.Sprint(i%2), *run.Tags["seed"])
	}
	first, err := st.GetRun(ctx, "A_copy", "run1")
	require.NoError(t, err)
	assert.Contains(t, first.Tags, "best")

	data, err := blobstore.Read(ctx, eng.Blobs(), blobstore.RunPath("A_copy", "run1", "output", "console.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	data, err = blobstore.Read(ctx, eng.Blobs(), blobstore.JobPath("imp_job1", "hp_sweeps"))
	require.NoError(t, err)
	assert.Equal(t, "lr: [0.1]", string(data))

	next, err := st.StartRun(ctx, &models.Run{Workspace: "A_copy"})
	require.NoError(t, err)
	assert.Equal(t, "run5", next)

	_, err = eng.ImportWorkspace(ctx, bytes.NewReader(buf.Bytes()), int64(buf.Len()), ImportOptions{Workspace: "A_copy"})
	assert.True(t, errors.Is(err, xterr.ErrAlreadyExists))

	_, err = eng.ImportWorkspace(ctx, bytes.NewReader(buf.Bytes()), int64(buf.Len()), ImportOptions{
		Workspace: "A_again",
		JobPrefix: "imp",
	})
	assert.True(t, errors.Is(err, xterr.ErrNameCollision))
	ok, err = st.WorkspaceExists(ctx, "A_again")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExportRejectsMixedWorkspaces(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)
	seedWorkspace(t, eng, "A")
	seedWorkspace(t, eng, "B")

	_, err := eng.ExportWorkspace(ctx, ExportOptions{Jobs: []string{"job*"}}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, xterr.ErrMixedWorkspaces))
	assert.Equal(t, xterr.CategoryCombo, xterr.CategoryOf(err))
}

func TestSharesAndWorkspaces(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	require.NoError(t, eng.CreateShare(ctx, "datasets"))
	err := eng.CreateShare(ctx, "datasets")
	assert.True(t, errors.Is(err, xterr.ErrAlreadyExists))
	require.NoError(t, blobstore.UploadBytes(ctx, eng.Blobs(), blobstore.SharePath("datasets", "mnist", "train.csv"), []byte("1,2")))

	shares, err := eng.ListShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"datasets"}, shares)

	objs, err := eng.ListBlobs(ctx, blobstore.SharePath("datasets", "mnist", "*.csv"))
	require.NoError(t, err)
	require.Len(t, objs, 1)

	err = eng.DeleteShare(ctx, "datasets", "dataset")
	assert.True(t, errors.Is(err, xterr.ErrConfirmationMismatch))
	require.NoError(t, eng.DeleteShare(ctx, "datasets", "datasets"))
	shares, err = eng.ListShares(ctx)
	require.NoError(t, err)
	assert.Empty(t, shares)

	require.NoError(t, eng.CreateWorkspace(ctx, "scratch"))
	require.NoError(t, blobstore.UploadBytes(ctx, eng.Blobs(), blobstore.RunPath("scratch", "run1", "output", "x.txt"), []byte("x")))
	require.NoError(t, eng.DeleteWorkspace(ctx, "scratch", "scratch"))
	left, err := eng.Blobs().List(ctx, blobstore.WorkspacePath("scratch"))
	require.NoError(t, err)
	assert.Empty(t, left)
}
