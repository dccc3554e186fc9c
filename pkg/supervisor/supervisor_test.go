package supervisor

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xt-ml/xt/pkg/backend"
	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/logger"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/fanout"
	"github.com/xt-ml/xt/pkg/search"
	"github.com/xt-ml/xt/pkg/store"
)

type fakeProc struct {
	done chan struct{}
	once sync.Once
	code int
}

func (p *fakeProc) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *fakeProc) Kill() error {
	p.once.Do(func() {
		p.code = -9
		close(p.done)
	})
	return nil
}

// fakeExec writes "out:<run>" and exits at once, or blocks until killed.
type fakeExec struct {
	mu      sync.Mutex
	block   bool
	started []ProcessSpec
}

func (f *fakeExec) Start(_ context.Context, spec ProcessSpec) (Process, error) {
	f.mu.Lock()
	f.started = append(f.started, spec)
	block := f.block
	f.mu.Unlock()

	fmt.Fprintf(spec.Output, "out:%s", spec.Env["XT_RUN_NAME"])
	p := &fakeProc{done: make(chan struct{})}
	if strings.Contains(spec.Command, "fail") {
		p.code = 1
	}
	if !block {
		p.once.Do(func() { close(p.done) })
	}
	return p, nil
}

func (f *fakeExec) count() int {
	return len(f.specs())
}

func (f *fakeExec) specs() []ProcessSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ProcessSpec(nil), f.started...)
}

func newBlobs(t *testing.T) *blobstore.LocalStore {
	t.Helper()
	b, err := blobstore.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	return b
}

// staticJob writes a job and its runs and returns the node context.
func staticJob(t *testing.T, s store.RecordStore, cmds []string, concurrent int) *fanout.NodeContext {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkspace(ctx, "ws1"))
	jobID, err := s.CreateJob(ctx, &models.Job{Workspace: "ws1", RunCount: len(cmds), Schedule: models.ScheduleStatic})
	require.NoError(t, err)
	nc := &fanout.NodeContext{JobID: jobID}
	for _, cmd := range cmds {
		name, err := s.StartRun(ctx, &models.Run{Workspace: "ws1", JobID: jobID, Status: models.RunCreated, CmdLine: cmd})
		require.NoError(t, err)
		nc.Runs = append(nc.Runs, fanout.RunContext{
			Workspace: "ws1", JobID: jobID, RunName: name, Cmd: cmd,
			Concurrent: concurrent, SearchStyle: models.StyleMulti,
		})
	}
	return nc
}

func TestNodeEnvRoundTrip(t *testing.T) {
	in := NodeEnv{
		NodeID:        "node2",
		BoxSecret:     "00ff",
		ServerCert:    []byte("-----BEGIN CERTIFICATE-----"),
		StoreCreds:    StoreCreds{RecordStore: "postgres", BlobStore: "minio", MinIOBucket: "xt"},
		MongoConnStr:  "host=db user=xt",
		StoreCodePath: "jobs/job3/before/code",
		ControlPort:   19000,
	}
	vars, err := in.Vars()
	require.NoError(t, err)

	out, err := ReadNodeEnv(func(k string) string { return vars[k] })
	require.NoError(t, err)
	assert.Equal(t, in, out)
	idx, err := out.NodeIndex()
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	delete(vars, EnvBoxSecret)
	_, err = ReadNodeEnv(func(k string) string { return vars[k] })
	assert.Equal(t, xterr.CategoryEnv, xterr.CategoryOf(err))

	_, err = NodeEnv{NodeID: "box7"}.NodeIndex()
	assert.Error(t, err)
}

func TestReadNodeEnvDefaultsPort(t *testing.T) {
	env := map[string]string{EnvNodeID: "node0", EnvBoxSecret: "s"}
	out, err := ReadNodeEnv(func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, backend.ControlPort, out.ControlPort)
}

type stubControl struct {
	concurrent int
	cancelled  []string
}

func (s *stubControl) Runs(stages Stages, ws, runName string) []RunInfo {
	var out []RunInfo
	if stages.Active {
		out = append(out, RunInfo{Workspace: ws, Name: "run1", Status: models.RunRunning})
	}
	return out
}

func (s *stubControl) CancelRuns(_ context.Context, names []string) []RunCancel {
	s.cancelled = append(s.cancelled, names...)
	out := make([]RunCancel, len(names))
	for i, n := range names {
		out[i] = RunCancel{RunName: n, Status: models.RunCancelled, Cancelled: true}
	}
	return out
}

func (s *stubControl) CancelRunsByProperty(ctx context.Context, name, value string) []RunCancel {
	return s.CancelRuns(ctx, []string{name + "=" + value})
}

func (s *stubControl) StatusOfRuns(ws string, names []string) map[string]string {
	out := map[string]string{}
	for _, n := range names {
		out[n] = models.RunQueued
	}
	return out
}

func (s *stubControl) Concurrent() int { return s.concurrent }

func (s *stubControl) SetConcurrent(n int) error {
	if n < 1 {
		return xterr.Syntax("bad concurrent %d", n)
	}
	s.concurrent = n
	return nil
}

func (s *stubControl) Elapsed() time.Duration { return 90 * time.Second }
func (s *stubControl) Log() string            { return "controller started" }

func (s *stubControl) Restart(context.Context, time.Duration) error { return nil }

func TestClientServerOverTLS(t *testing.T) {
	ctx := context.Background()
	ctrl := &stubControl{concurrent: 1}
	srv := httptest.NewUnstartedServer(NewServer(ServerOptions{Control: ctrl, BoxSecret: "secret0"}, logger.Discard()).Handler())
	srv.StartTLS()
	defer srv.Close()

	dir := t.TempDir()
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultCertName), certPEM, 0o600))

	c, err := Connect(ctx, FileVault{Dir: dir}, "", strings.TrimPrefix(srv.URL, "https://"), time.Second)
	require.NoError(t, err)

	v, err := c.XTVersion(ctx, "secret0")
	require.NoError(t, err)
	assert.Equal(t, Version, v)

	runs, err := c.GetRuns(ctx, "secret0", "active", "ws1", "")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run1", runs[0].Name)

	statuses, err := c.GetStatusOfRuns(ctx, "secret0", "ws1", []string{"run1", "run2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"run1": models.RunQueued, "run2": models.RunQueued}, statuses)

	res, err := c.CancelRun(ctx, "secret0", []string{"run3"})
	require.NoError(t, err)
	assert.True(t, res[0].Cancelled)
	assert.Equal(t, []string{"run3"}, ctrl.cancelled)

	require.NoError(t, c.SetConcurrent(ctx, "secret0", 4))
	n, err := c.GetConcurrent(ctx, "secret0")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	err = c.SetConcurrent(ctx, "secret0", 0)
	assert.Equal(t, xterr.CategoryService, xterr.CategoryOf(err))

	elapsed, err := c.ElapsedTime(ctx, "secret0")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, elapsed)

	_, err = c.XTVersion(ctx, "wrong")
	assert.True(t, errors.Is(err, xterr.ErrUnauthenticated))
}

func TestConnectWithoutCertFails(t *testing.T) {
	_, err := Connect(context.Background(), FileVault{Dir: t.TempDir()}, "", "127.0.0.1:1", 0)
	assert.True(t, errors.Is(err, xterr.ErrNotFound))
}

func TestMetricsNeedNoSecret(t *testing.T) {
	srv := httptest.NewServer(NewServer(ServerOptions{Control: &stubControl{}, BoxSecret: "s"}, logger.Discard()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "xt_supervisor_calls_total")
}

func TestLoadNodeContext(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	mrc := &fanout.MultiRunContext{
		SearchStyle: models.StyleDynamic,
		ContextByNodes: map[string]fanout.NodeContext{
			"node0": {JobID: "job4", Runs: []fanout.RunContext{{RunName: "run9", Cmd: "python train.py"}}},
		},
	}
	data, err := mrc.Encode()
	require.NoError(t, err)
	require.NoError(t, blobstore.UploadBytes(ctx, blobs, blobstore.JobPath("job4", blobstore.MultiRunContextName), data))
	require.NoError(t, blobstore.UploadBytes(ctx, blobs, blobstore.JobPath("job4", blobstore.SweepFileName), []byte("hparams:\n  lr: [0.1, 0.2]\n")))

	nc, sweep, err := LoadNodeContext(ctx, blobs, "job4", "node0")
	require.NoError(t, err)
	assert.Equal(t, "run9", nc.Runs[0].RunName)
	require.NotNil(t, sweep)
	assert.Equal(t, []string{"lr"}, sweep.Names())

	_, _, err = LoadNodeContext(ctx, blobs, "job4", "node1")
	assert.Equal(t, xterr.CategoryStore, xterr.CategoryOf(err))
}

func TestControllerRunsStaticRuns(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	blobs := newBlobs(t)
	nc := staticJob(t, s, []string{"python train.py --lr=0.1", "python train.py --fail", "python train.py --lr=0.3"}, 2)
	exec := &fakeExec{}

	c, err := NewController(ControllerOptions{JobID: nc.JobID, NodeID: "node0", Node: nc, Store: s, Blobs: blobs, Exec: exec, WorkDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, c.Run(ctx))

	want := map[string]string{"run1": models.RunCompleted, "run2": models.RunError, "run3": models.RunCompleted}
	for name, status := range want {
		run, err := s.GetRun(ctx, "ws1", name)
		require.NoError(t, err)
		assert.Equal(t, status, run.Status, name)
		require.NotNil(t, run.ExitCode)

		out, err := blobstore.Read(ctx, blobs, blobstore.RunPath("ws1", name, "output", blobstore.ConsoleLogName))
		require.NoError(t, err)
		assert.Equal(t, "out:"+name, string(out))
	}
	assert.Equal(t, 3, exec.count())
	assert.Equal(t, nc.JobID, exec.specs()[0].Env["XT_JOB_ID"])

	done := c.Runs(ParseStages("completed"), "ws1", "")
	assert.Len(t, done, 3)
	assert.Empty(t, c.Runs(ParseStages("queued,active"), "ws1", ""))
	assert.Contains(t, c.Log(), "run ended")
}

func TestControllerCancelsQueuedAndRunning(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	nc := staticJob(t, s, []string{"sleep 100", "sleep 100"}, 1)
	exec := &fakeExec{block: true}

	c, err := NewController(ControllerOptions{JobID: nc.JobID, NodeID: "node0", Node: nc, Store: s, Exec: exec, WorkDir: t.TempDir()})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.StatusOfRuns("ws1", []string{"run1"})["run1"] == models.RunRunning
	}, 2*time.Second, 10*time.Millisecond)

	res := c.CancelRuns(ctx, []string{"run2", "run1", "run7"})
	require.Len(t, res, 3)
	assert.True(t, res[0].Cancelled)
	assert.True(t, res[1].Cancelled)
	assert.False(t, res[2].Cancelled)
	assert.Equal(t, models.RunUnknown, res[2].Status)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not finish")
	}
	assert.Equal(t, 1, exec.count())

	for _, name := range []string{"run1", "run2"} {
		run, err := s.GetRun(ctx, "ws1", name)
		require.NoError(t, err)
		assert.Equal(t, models.RunCancelled, run.Status)
		require.NotNil(t, run.ExitCode)
		assert.Equal(t, 0, *run.ExitCode)
	}

	again := c.CancelRuns(ctx, []string{"run1"})
	assert.Equal(t, models.RunCancelled, again[0].Status)
}

func TestControllerRestartResumesRuns(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	nc := staticJob(t, s, []string{"python a.py", "python b.py"}, 1)
	restarted := make(chan struct{})

	first, err := NewController(ControllerOptions{
		JobID: nc.JobID, NodeID: "node0", Node: nc, Store: s, Exec: &fakeExec{block: true}, WorkDir: t.TempDir(),
		OnRestart: func() { close(restarted) },
	})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()
	require.Eventually(t, func() bool {
		return first.StatusOfRuns("ws1", []string{"run1"})["run1"] == models.RunRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, first.Restart(ctx, 0))
	<-restarted
	require.NoError(t, <-done)

	run, err := s.GetRun(ctx, "ws1", "run1")
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, run.Status)

	second, err := NewController(ControllerOptions{JobID: nc.JobID, NodeID: "node0", Node: nc, Store: s, Exec: &fakeExec{}, WorkDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, second.Run(ctx))

	run, err = s.GetRun(ctx, "ws1", "run1")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Restarts)
	run, err = s.GetRun(ctx, "ws1", "run2")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 0, run.Restarts)
}

func TestControllerDynamicGrid(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateWorkspace(ctx, "ws1"))
	jobID, err := s.CreateJob(ctx, &models.Job{
		Workspace: "ws1", RunCount: 3, DynamicRunsRemaining: 3,
		Schedule: models.ScheduleDynamic, SearchType: search.TypeGrid,
	})
	require.NoError(t, err)
	parent, err := s.StartRun(ctx, &models.Run{Workspace: "ws1", JobID: jobID, Status: models.RunQueued, IsParent: true})
	require.NoError(t, err)

	sweep, err := search.ParseSweepYAML([]byte("hparams:\n  lr: [0.1, 0.2, 0.3]\n"))
	require.NoError(t, err)
	nc := &fanout.NodeContext{JobID: jobID, Runs: []fanout.RunContext{{
		Workspace: "ws1", JobID: jobID, RunName: parent, Cmd: "python train.py",
		SearchType: search.TypeGrid, SearchStyle: models.StyleDynamic, OptionPrefix: "--", Concurrent: 1,
	}}}
	exec := &fakeExec{}
	c, err := NewController(ControllerOptions{JobID: jobID, NodeID: "node0", Node: nc, Sweep: sweep, Store: s, Exec: exec, WorkDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, c.Run(ctx))

	for i, lr := range []string{"0.1", "0.2", "0.3"} {
		name := models.ChildRunName(1, i+1)
		run, err := s.GetRun(ctx, "ws1", name)
		require.NoError(t, err)
		assert.Equal(t, models.RunCompleted, run.Status, name)
		assert.True(t, run.IsChild)
		assert.Equal(t, parent, run.Parent)
		assert.Contains(t, run.CmdLine, "--lr="+lr)
		assert.JSONEq(t, `{"lr":`+lr+`}`, exec.specs()[i].Env[EnvHPConfig])
	}
	p, err := s.GetRun(ctx, "ws1", parent)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, p.Status)

	_, ok, err := s.DecrementDynamicRuns(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestControllerSetConcurrent(t *testing.T) {
	s := store.NewMemoryStore()
	nc := staticJob(t, s, []string{"python a.py"}, 2)
	c, err := NewController(ControllerOptions{JobID: nc.JobID, NodeID: "node0", Node: nc, Store: s, Exec: &fakeExec{}})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Concurrent())
	require.NoError(t, c.SetConcurrent(5))
	assert.Equal(t, 5, c.Concurrent())
	assert.Error(t, c.SetConcurrent(0))
}

func TestQueueAgentRunsEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExec{}
	q, err := NewQueue(t.TempDir(), nil, exec, logger.Discard())
	require.NoError(t, err)
	go func() { _ = q.Run(ctx) }()

	st := q.Enqueue(backend.QueueRequest{JobID: "job1", NodeID: "node0", Cmds: []string{"cd code", "python train.py"}, Env: map[string]string{"XT_RUN_NAME": "run1"}})
	require.Eventually(t, func() bool {
		got, err := q.Status(st.EntryID)
		return err == nil && got.Status == backend.EntryCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "cd code && python train.py", exec.specs()[0].Command)

	log, err := q.ReadLog(st.EntryID, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "out:run1", log.Text)
	assert.Equal(t, int64(8), log.NextOffset)
	log, err = q.ReadLog(st.EntryID, 4, -1)
	require.NoError(t, err)
	assert.Equal(t, "run1", log.Text)

	_, err = q.Status("e99")
	assert.True(t, errors.Is(err, xterr.ErrNotFound))
}

func TestQueueAgentRequiresPoolKey(t *testing.T) {
	q, err := NewQueue(t.TempDir(), nil, &fakeExec{}, logger.Discard())
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(ServerOptions{Queue: q, PoolKey: "k1"}, logger.Discard()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/xt/queue")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/xt/queue", nil)
	req.Header.Set(backend.PoolKeyHeader, "k1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
