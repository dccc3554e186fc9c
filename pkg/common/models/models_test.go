package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunNames(t *testing.T) {
	num, err := RunNum("run12.3")
	require.NoError(t, err)
	assert.Equal(t, 12*1000000+3, num)

	num, err = RunNum("run7")
	require.NoError(t, err)
	assert.Equal(t, 7000000, num)

	assert.Equal(t, "run12", ParentRunName("run12.3"))
	assert.Equal(t, "", ParentRunName("run12"))

	for _, bad := range []string{"job3", "run", "runx", "run3.", "run3.0"} {
		assert.False(t, IsRunName(bad), bad)
	}
}

func TestJobNames(t *testing.T) {
	n, err := ParseJobNum("job42")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = ParseJobNum("imp_job42")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	assert.False(t, IsJobName("run42"))
}

func TestRunTransitions(t *testing.T) {
	assert.True(t, CanTransitionRun(RunCreated, RunQueued, false))
	assert.True(t, CanTransitionRun(RunQueued, RunRunning, false))
	assert.False(t, CanTransitionRun(RunRunning, RunQueued, false))
	assert.True(t, CanTransitionRun(RunRunning, RunQueued, true))
	assert.False(t, CanTransitionRun(RunCancelled, RunQueued, true))
	assert.False(t, CanTransitionRun(RunCompleted, RunCancelled, false))
	assert.False(t, CanTransitionRun(RunRunning, RunUnknown, false))
}

func TestJobTransitions(t *testing.T) {
	assert.True(t, CanTransitionJob(JobSubmitted, JobRunning))
	assert.False(t, CanTransitionJob(JobCompleted, JobRunning))
	assert.False(t, CanTransitionJob(JobRunning, JobRunning))
}

func TestDocumentPaths(t *testing.T) {
	doc := Document{"run_name": "run1"}
	doc.Set("metrics.acc", 0.5)
	doc.Set("tags.best", nil)

	v, ok := doc.Lookup("metrics.acc")
	require.True(t, ok)
	assert.Equal(t, 0.5, v)

	v, ok = doc.Lookup("tags.best")
	assert.True(t, ok)
	assert.Nil(t, v)

	_, ok = doc.Lookup("tags.other")
	assert.False(t, ok)

	doc.Unset("tags.best")
	_, ok = doc.Lookup("tags.best")
	assert.False(t, ok)

	proj := doc.Project([]string{"metrics.acc"})
	assert.Equal(t, Document{"metrics": map[string]interface{}{"acc": 0.5}}, proj)
}

func TestFlagTagsRoundTrip(t *testing.T) {
	run := Run{RunName: "run1", Tags: Tags{"flag": nil, "note": StrPtr("x")}}
	doc, err := ToDocument(run)
	require.NoError(t, err)

	v, ok := doc.Lookup("tags.flag")
	assert.True(t, ok)
	assert.Nil(t, v)

	var back Run
	require.NoError(t, FromDocument(doc, &back))
	_, ok = back.Tags["flag"]
	assert.True(t, ok)
	assert.Nil(t, back.Tags["flag"])
	assert.Equal(t, "x", *back.Tags["note"])
}

func TestMigrateRunDocument(t *testing.T) {
	doc := Document{"run_name": "run3.2", "status": "killed"}
	assert.True(t, MigrateRunDocument(doc))
	assert.Equal(t, float64(3000002), doc["run_num"])
	assert.Equal(t, true, doc["is_child"])
	assert.Equal(t, RunCancelled, doc["status"])
	assert.False(t, MigrateRunDocument(doc))
}
