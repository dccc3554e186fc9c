package store

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/query"
)

func newWorkspace(t *testing.T, s *MemoryStore, name string) {
	t.Helper()
	require.NoError(t, s.CreateWorkspace(context.Background(), name))
}

func TestWorkspaceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newWorkspace(t, s, "ws1")

	err := s.CreateWorkspace(ctx, "ws1")
	assert.True(t, errors.Is(err, xterr.ErrAlreadyExists))

	_, err = s.CreateJob(ctx, &models.Job{Workspace: "ws1"})
	require.NoError(t, err)
	_, err = s.StartRun(ctx, &models.Run{Workspace: "ws1"})
	require.NoError(t, err)

	err = s.DeleteWorkspace(ctx, "ws1", "wrong")
	assert.True(t, errors.Is(err, xterr.ErrConfirmationMismatch))

	require.NoError(t, s.DeleteWorkspace(ctx, "ws1", "ws1"))
	ok, err := s.WorkspaceExists(ctx, "ws1")
	require.NoError(t, err)
	assert.False(t, ok)

	jobs, err := s.GetJobs(ctx, query.Query{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCreateJobAllocatesMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 1; i <= 3; i++ {
		id, err := s.CreateJob(ctx, &models.Job{Workspace: "ws1"})
		require.NoError(t, err)
		assert.Equal(t, models.JobName(i), id)

		job, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i, job.JobNum)
		assert.Equal(t, models.JobSubmitted, job.Status)
	}
}

func TestConcurrentStartRunIsContiguous(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newWorkspace(t, s, "ws1")

	const n = 40
	var wg sync.WaitGroup
	names := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := s.StartRun(ctx, &models.Run{Workspace: "ws1"})
			assert.NoError(t, err)
			names <- name
		}()
	}
	wg.Wait()
	close(names)

	var nums []int
	for name := range names {
		p, _, err := models.ParseRunName(name)
		require.NoError(t, err)
		nums = append(nums, p)
	}
	sort.Ints(nums)
	for i, num := range nums {
		assert.Equal(t, i+1, num)
	}
}

func TestStartChildRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newWorkspace(t, s, "ws1")

	parent, err := s.StartRun(ctx, &models.Run{Workspace: "ws1", SearchStyle: models.StyleDynamic})
	require.NoError(t, err)

	child, err := s.StartChildRun(ctx, "ws1", parent, &models.Run{})
	require.NoError(t, err)
	assert.Equal(t, "run1.1", child)

	run, err := s.GetRun(ctx, "ws1", child)
	require.NoError(t, err)
	assert.Equal(t, 1000001, run.RunNum)
	assert.True(t, run.IsChild)
	assert.Equal(t, parent, run.Parent)

	p, err := s.GetRun(ctx, "ws1", parent)
	require.NoError(t, err)
	assert.True(t, p.IsParent)

	_, err = s.StartChildRun(ctx, "ws1", "run9", &models.Run{})
	assert.True(t, errors.Is(err, xterr.ErrNotFound))
}

func TestSetRunStatusOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newWorkspace(t, s, "ws1")
	name, err := s.StartRun(ctx, &models.Run{Workspace: "ws1"})
	require.NoError(t, err)

	ok, err := s.SetRunStatus(ctx, "ws1", name, models.RunRunning, false, models.Update{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetRunStatus(ctx, "ws1", name, models.RunQueued, false, models.Update{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.SetRunStatus(ctx, "ws1", name, models.RunQueued, true, models.Update{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetRunStatus(ctx, "ws1", name, models.RunCancelled, false,
		models.Update{Set: map[string]interface{}{"exit_code": 0}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetRunStatus(ctx, "ws1", name, models.RunCancelled, false, models.Update{})
	require.NoError(t, err)
	assert.False(t, ok)

	run, err := s.GetRun(ctx, "ws1", name)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.Status)
	assert.Equal(t, 1, run.Restarts)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 0, *run.ExitCode)
	assert.NotNil(t, run.EndedAt)
	assert.Equal(t, models.EventCreated, run.LogRecords[0].Event)
}

func TestUpdateRunsByFilterSetsFlagTags(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newWorkspace(t, s, "ws1")
	for i := 0; i < 3; i++ {
		_, err := s.StartRun(ctx, &models.Run{Workspace: "ws1"})
		require.NoError(t, err)
	}

	f := &query.Filter{Names: []string{"run1", "run3"}}
	n, err := s.UpdateRunsByFilter(ctx, "ws1", f, models.Update{Set: map[string]interface{}{"tags.best": nil}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	docs, err := s.GetRuns(ctx, "ws1", query.Query{Filter: &query.Filter{TagsAll: []string{"best"}}})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestDecrementDynamicRuns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, err := s.CreateJob(ctx, &models.Job{Schedule: models.ScheduleDynamic, DynamicRunsRemaining: 2})
	require.NoError(t, err)

	left, ok, err := s.DecrementDynamicRuns(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, left)

	_, ok, _ = s.DecrementDynamicRuns(ctx, id)
	assert.True(t, ok)
	_, ok, _ = s.DecrementDynamicRuns(ctx, id)
	assert.False(t, ok)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, job.DynamicRunsRemaining)
}

func TestResetCountersAfterImport(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newWorkspace(t, s, "copy")

	require.NoError(t, s.PutRunDocument(ctx, "copy", models.Document{"run_name": "run4", "status": "completed"}, false))
	err := s.PutRunDocument(ctx, "copy", models.Document{"run_name": "run4"}, false)
	assert.True(t, errors.Is(err, xterr.ErrAlreadyExists))

	require.NoError(t, s.ResetCounters(ctx, "copy", 5, 3))
	name, err := s.StartRun(ctx, &models.Run{Workspace: "copy"})
	require.NoError(t, err)
	assert.Equal(t, "run5", name)

	id, err := s.CreateJob(ctx, &models.Job{Workspace: "copy"})
	require.NoError(t, err)
	assert.Equal(t, "job3", id)
}

func TestMigrationOnRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newWorkspace(t, s, "old")
	require.NoError(t, s.PutRunDocument(ctx, "old", models.Document{"run_name": "run2.1", "status": "killed"}, false))
	s.state.Workspaces["old"].SchemaVersion = 1

	docs, err := s.GetRuns(ctx, "old", query.Query{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, float64(2000001), docs[0]["run_num"])
	assert.Equal(t, models.RunCancelled, docs[0]["status"])
	assert.Equal(t, models.SchemaVersion, s.state.Workspaces["old"].SchemaVersion)
}

func TestLocalStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := OpenLocalStore(path)
	require.NoError(t, err)
	newWorkspace(t, s, "ws1")
	_, err = s.StartRun(ctx, &models.Run{Workspace: "ws1"})
	require.NoError(t, err)
	require.NoError(t, s.AddRollup(ctx, Rollup{Destination: RollupJob, Key: "job1", Metrics: map[string]float64{"loss": 0.2}}))

	reopened, err := OpenLocalStore(path)
	require.NoError(t, err)
	ok, err := reopened.RunExists(ctx, "ws1", "run1")
	require.NoError(t, err)
	assert.True(t, ok)

	name, err := reopened.StartRun(ctx, &models.Run{Workspace: "ws1"})
	require.NoError(t, err)
	assert.Equal(t, "run2", name)

	rollups, err := reopened.ListRollups(ctx, RollupJob, "job1")
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, 0.2, rollups[0].Metrics["loss"])
}
