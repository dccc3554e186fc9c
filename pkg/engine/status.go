package engine

import (
	"context"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/events"
	"github.com/xt-ml/xt/pkg/query"
)

// jobRuns returns every run record of a job.
func (e *Engine) jobRuns(ctx context.Context, job *models.Job) ([]models.Document, error) {
	f, err := query.Build(query.Options{Props: []string{"job_id=" + job.JobID}})
	if err != nil {
		return nil, err
	}
	return e.store.GetRuns(ctx, job.Workspace, query.Query{Filter: f, SortField: "run_num"})
}

// RefreshJobStatus recomputes a job's run counters from its runs and moves
// the job forward. Parent runs of a dynamic search are not counted.
func (e *Engine) RefreshJobStatus(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	docs, err := e.jobRuns(ctx, job)
	if err != nil {
		return nil, err
	}
	var running, completed, errored int
	allDone := len(docs) > 0
	for _, d := range docs {
		status := d.String("status")
		if !models.IsTerminalRun(status) {
			allDone = false
		}
		if parent, _ := d["is_parent"].(bool); parent {
			continue
		}
		switch {
		case status == models.RunRunning || status == models.RunSpawning:
			running++
		case status == models.RunError || status == models.RunAborted:
			errored++
			completed++
		case models.IsTerminalRun(status):
			completed++
		}
	}
	counts := models.Update{Set: map[string]interface{}{
		"running_runs":   running,
		"completed_runs": completed,
		"error_runs":     errored,
	}}
	if err := e.store.UpdateJob(ctx, jobID, counts); err != nil {
		return nil, err
	}

	next := ""
	switch {
	case allDone:
		next = models.JobCompleted
	case running > 0:
		next = models.JobRunning
	}
	if next != "" {
		moved, err := e.store.SetJobStatus(ctx, jobID, next, models.Update{})
		if err != nil {
			return nil, err
		}
		if moved && next == models.JobCompleted {
			e.emit(ctx, events.JobCompleted, jobID, map[string]interface{}{
				"job_id": jobID, "completed_runs": completed, "error_runs": errored,
			})
		}
	}
	return e.store.GetJob(ctx, jobID)
}
