package store

import (
	"context"
	"time"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/query"
)

// Counter keys.
const (
	jobCounterKey = "jobs"
)

func runCounterKey(ws string) string           { return "runs:" + ws }
func childCounterKey(ws, parent string) string { return "children:" + ws + ":" + parent }
func dynamicCounterKey(jobID string) string    { return "dynamic:" + jobID }

// Rollup destinations.
const (
	RollupExperiment = "experiment"
	RollupJob        = "job"
)

// Rollup is the last metric set of a finished run, aggregated under an
// experiment or job key.
type Rollup struct {
	Destination string             `json:"destination"`
	Key         string             `json:"key"`
	Workspace   string             `json:"ws_name"`
	RunName     string             `json:"run_name"`
	Metrics     map[string]float64 `json:"metrics"`
	CreatedAt   time.Time          `json:"created_at"`
}

// RecordStore holds workspaces, jobs, runs and their log records.
type RecordStore interface {
	CreateWorkspace(ctx context.Context, name string) error
	DeleteWorkspace(ctx context.Context, name, confirm string) error
	ListWorkspaces(ctx context.Context) ([]string, error)
	WorkspaceExists(ctx context.Context, name string) (bool, error)

	// CreateJob allocates the next job id and writes the job document.
	CreateJob(ctx context.Context, job *models.Job) (string, error)
	// StartRun allocates the next run name in run.Workspace and writes the
	// initial record with a created log entry.
	StartRun(ctx context.Context, run *models.Run) (string, error)
	StartChildRun(ctx context.Context, ws, parent string, run *models.Run) (string, error)

	LogRunEvent(ctx context.Context, ws, runName, event string, data map[string]interface{}) error
	LogJobEvent(ctx context.Context, jobID, event string, data map[string]interface{}) error

	UpdateJob(ctx context.Context, jobID string, u models.Update) error
	UpdateRunsByFilter(ctx context.Context, ws string, f *query.Filter, u models.Update) (int, error)
	// SetRunStatus moves a run forward. It reports false, without error, when
	// the transition would go backward.
	SetRunStatus(ctx context.Context, ws, runName, status string, restart bool, extra models.Update) (bool, error)
	SetJobStatus(ctx context.Context, jobID, status string, extra models.Update) (bool, error)

	GetRuns(ctx context.Context, ws string, q query.Query) ([]models.Document, error)
	GetJobs(ctx context.Context, q query.Query) ([]models.Document, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetRun(ctx context.Context, ws, runName string) (*models.Run, error)
	GetJobNames(ctx context.Context, f *query.Filter) ([]string, error)
	RunExists(ctx context.Context, ws, runName string) (bool, error)
	GetJobWorkspace(ctx context.Context, jobID string) (string, error)

	// PutJobDocument and PutRunDocument write whole records (import).
	PutJobDocument(ctx context.Context, doc models.Document, overwrite bool) error
	PutRunDocument(ctx context.Context, ws string, doc models.Document, overwrite bool) error

	NextRunNum(ctx context.Context, ws string) (int, error)
	ResetCounters(ctx context.Context, ws string, nextRun, nextJob int) error
	// DecrementDynamicRuns takes one unit of dynamic work for a job.
	DecrementDynamicRuns(ctx context.Context, jobID string) (int, bool, error)

	MigrateWorkspace(ctx context.Context, ws string) (int, error)

	AddRollup(ctx context.Context, r Rollup) error
	ListRollups(ctx context.Context, destination, key string) ([]Rollup, error)
}

func notFound(what, name string) error {
	return xterr.WithSentinel(xterr.CategoryStore, xterr.ErrNotFound, "%s %q not found", what, name)
}

func alreadyExists(what, name string) error {
	return xterr.WithSentinel(xterr.CategoryStore, xterr.ErrAlreadyExists, "%s %q already exists", what, name)
}

func checkConfirm(name, confirm string) error {
	if confirm != name {
		return xterr.WithSentinel(xterr.CategoryCombo, xterr.ErrConfirmationMismatch,
			"confirmation %q does not match workspace %q", confirm, name)
	}
	return nil
}

// jobQuery makes name membership match job ids.
func jobQuery(q query.Query) query.Query {
	if q.Filter != nil && q.Filter.NameField == "" {
		f := *q.Filter
		f.NameField = "job_id"
		q.Filter = &f
	}
	return q
}

func newRunDocument(run *models.Run) (models.Document, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunCreated
	}
	run.LogRecords = append(run.LogRecords, models.NewLogRecord(models.EventCreated, map[string]interface{}{
		"run_name": run.RunName,
		"job_id":   run.JobID,
		"box_name": run.BoxName,
	}))
	doc, err := models.ToDocument(run)
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryInternal, err, "encode run")
	}
	return doc, nil
}

func appendLog(doc models.Document, rec models.LogRecord) {
	entry := models.Normalize(rec)
	list, _ := doc["log_records"].([]interface{})
	doc["log_records"] = append(list, entry)
}

// applyRunStatus mutates doc when the transition is allowed.
func applyRunStatus(doc models.Document, status string, restart bool, extra models.Update) bool {
	from := doc.String("status")
	if !models.CanTransitionRun(from, status, restart) {
		return false
	}
	now := time.Now().UTC()
	doc["status"] = status
	if restart && (status == models.RunQueued || status == models.RunAllocating) &&
		models.CanTransitionRun(status, from, false) {
		doc["restarts"] = float64(doc.Int("restarts") + 1)
	}
	switch status {
	case models.RunQueued:
		if _, ok := doc["queue_time"]; !ok {
			doc["queue_time"] = models.Normalize(now)
		}
	case models.RunRunning:
		doc["start_time"] = models.Normalize(now)
		if qt, ok := parseTime(doc["queue_time"]); ok {
			doc["queue_duration"] = now.Sub(qt).Seconds()
		}
	}
	if models.IsTerminalRun(status) {
		doc["end_time"] = models.Normalize(now)
		if st, ok := parseTime(doc["start_time"]); ok {
			doc["run_duration"] = now.Sub(st).Seconds()
		}
	}
	extra.Apply(doc)
	appendLog(doc, models.NewLogRecord(models.EventStatusChange, map[string]interface{}{
		"from": from, "to": status, "restart": restart,
	}))
	return true
}

func applyJobStatus(doc models.Document, status string, extra models.Update) bool {
	if !models.CanTransitionJob(doc.String("job_status"), status) {
		return false
	}
	now := models.Normalize(time.Now().UTC())
	doc["job_status"] = status
	switch status {
	case models.JobRunning:
		if _, ok := doc["started"]; !ok {
			doc["started"] = now
		}
	case models.JobCompleted:
		doc["ended"] = now
	}
	extra.Apply(doc)
	return true
}

func parseTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}

func jobFromDocument(doc models.Document) (*models.Job, error) {
	var job models.Job
	if err := models.FromDocument(doc, &job); err != nil {
		return nil, xterr.Wrap(xterr.CategoryStore, err, "decode job")
	}
	return &job, nil
}

func runFromDocument(doc models.Document) (*models.Run, error) {
	var run models.Run
	if err := models.FromDocument(doc, &run); err != nil {
		return nil, xterr.Wrap(xterr.CategoryStore, err, "decode run")
	}
	return &run, nil
}
