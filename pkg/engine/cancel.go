package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xt-ml/xt/pkg/backend"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/events"
	"github.com/xt-ml/xt/pkg/observability/metrics"
	"github.com/xt-ml/xt/pkg/query"
)

// cancelParallel bounds concurrent node cancels.
const cancelParallel = 8

// How a node or run was cancelled.
const (
	ViaSupervisor = "supervisor"
	ViaBackend    = "backend"
	ViaStore      = "store"
	ViaNone       = "none"
)

type NodeCancel struct {
	Node      string `json:"node"`
	Via       string `json:"via"`
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type JobCancel struct {
	JobID string       `json:"job_id"`
	Nodes []NodeCancel `json:"nodes"`
	// Ended counts runs wrap-up moved to cancelled.
	Ended int `json:"ended"`
	// Partial is set when some node could not be confirmed stopped.
	Partial bool   `json:"partial"`
	Status  string `json:"job_status"`
	// JobError holds the backend's job-level cancel failure.
	JobError string `json:"job_error,omitempty"`
}

type RunCancel struct {
	Workspace string `json:"ws_name"`
	RunName   string `json:"run_name"`
	Via       string `json:"via"`
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

// CancelJob stops every node of a job, ends its remaining runs as cancelled
// and completes the job. Cancelling a completed job is a no-op.
func (e *Engine) CancelJob(ctx context.Context, jobID string) (*JobCancel, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	res := &JobCancel{JobID: jobID, Status: job.Status}
	if job.Status == models.JobCompleted {
		return res, nil
	}
	log := e.log.WithField("job_id", jobID)

	nodeIDs := make([]string, 0, job.NodeCount)
	for i := 0; i < job.NodeCount; i++ {
		nodeIDs = append(nodeIDs, models.NodeID(i))
	}
	res.Nodes = make([]NodeCancel, len(nodeIDs))

	var be backend.Backend
	if len(job.ServiceInfoByNode) > 0 {
		if be, err = e.Backend(ctx, job.Compute); err != nil {
			return nil, err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cancelParallel)
	for i, node := range nodeIDs {
		i, node := i, node
		g.Go(func() error {
			res.Nodes[i] = e.cancelNode(gctx, be, job, node, log)
			return nil
		})
	}
	_ = g.Wait()

	if be != nil {
		e.cancelBackendJob(ctx, be, job, res, log)
	}
	for _, nc := range res.Nodes {
		if nc.Error != "" && !nc.Cancelled {
			res.Partial = true
		}
	}
	res.Ended, err = e.wrapUp(ctx, job, nodeIDs)
	if err != nil {
		return res, err
	}
	if _, err := e.RefreshJobStatus(ctx, jobID); err != nil {
		return res, err
	}
	if _, err := e.store.SetJobStatus(ctx, jobID, models.JobCompleted, models.Update{}); err != nil {
		return res, err
	}
	res.Status = models.JobCompleted
	metrics.RunsCancelled(res.Ended)
	e.emit(ctx, events.JobCancelled, jobID, map[string]interface{}{
		"job_id": jobID, "ended": res.Ended, "partial": res.Partial,
	})
	log.WithFields(logrus.Fields{"ended": res.Ended, "partial": res.Partial}).Info("job cancelled")
	return res, nil
}

// cancelBackendJob releases the job's backend resources (a batch job and its
// pool unless held) and retries the nodes not yet confirmed stopped.
func (e *Engine) cancelBackendJob(ctx context.Context, be backend.Backend, job *models.Job, res *JobCancel, log *logrus.Entry) {
	pending := make(map[string]models.ServiceInfo)
	for _, nc := range res.Nodes {
		if info := job.ServiceInfoByNode[nc.Node]; info != nil && !nc.Cancelled {
			pending[nc.Node] = info
		}
	}
	results, err := be.CancelJob(ctx, job.ServiceJobInfo, pending)
	if err != nil {
		metrics.BackendError()
		res.Partial = true
		res.JobError = err.Error()
		log.WithError(err).Warn("backend job cancel failed")
	}
	for i := range res.Nodes {
		nc := &res.Nodes[i]
		cr := results[nc.Node]
		if nc.Cancelled || cr == nil {
			continue
		}
		if cr.Cancelled || cr.SimpleStatus == models.SimpleCompleted {
			nc.Cancelled = true
			nc.Status = cr.SimpleStatus
			if nc.Via == ViaNone {
				nc.Via = ViaBackend
			}
		}
	}
}

// cancelNode asks the node's supervisor to cancel the job's runs, then stops
// the node through the backend so it releases its resources.
func (e *Engine) cancelNode(ctx context.Context, be backend.Backend, job *models.Job, node string, log *logrus.Entry) NodeCancel {
	out := NodeCancel{Node: node, Via: ViaNone}
	info := job.ServiceInfoByNode[node]
	if be == nil || info == nil {
		out.Cancelled = true
		out.Status = models.SimpleCompleted
		return out
	}
	log = log.WithField("node", node)

	if client, err := e.nodeClient(ctx, be, info); err != nil {
		log.WithError(err).Debug("supervisor not reachable")
	} else if client != nil {
		if _, err := client.CancelRunsByProperty(ctx, job.SecretsByNode[node], "job_id", job.JobID); err != nil {
			metrics.SupervisorCall(false)
			log.WithError(err).Warn("supervisor cancel failed, falling back to backend")
		} else {
			metrics.SupervisorCall(true)
			out.Via = ViaSupervisor
		}
	}

	cr, err := be.CancelNode(ctx, info)
	if err != nil {
		metrics.BackendError()
		out.Error = err.Error()
		out.Cancelled = out.Via == ViaSupervisor
		return out
	}
	if out.Via == ViaNone {
		out.Via = ViaBackend
	}
	out.Cancelled = cr.Cancelled || cr.SimpleStatus == models.SimpleCompleted
	out.Status = cr.SimpleStatus
	return out
}

// CancelRuns cancels runs by name. Runs already terminal keep their status.
// A run counts as cancelled once the store holds its terminal status.
func (e *Engine) CancelRuns(ctx context.Context, ws string, names []string) ([]RunCancel, error) {
	out := make([]RunCancel, 0, len(names))
	for _, name := range names {
		rc, err := e.cancelRun(ctx, ws, name)
		if err != nil {
			return out, err
		}
		out = append(out, rc)
	}
	return out, nil
}

func (e *Engine) cancelRun(ctx context.Context, ws, name string) (RunCancel, error) {
	rc := RunCancel{Workspace: ws, RunName: name, Via: ViaStore}
	run, err := e.store.GetRun(ctx, ws, name)
	if err != nil {
		return rc, err
	}
	if models.IsTerminalRun(run.Status) {
		rc.Status = run.Status
		return rc, nil
	}
	log := e.log.WithFields(logrus.Fields{"ws": ws, "run": name})

	if run.JobID != "" {
		job, err := e.store.GetJob(ctx, run.JobID)
		if err != nil {
			return rc, err
		}
		node := models.NodeID(run.NodeIndex)
		if info := job.ServiceInfoByNode[node]; info != nil {
			be, err := e.Backend(ctx, job.Compute)
			if err != nil {
				return rc, err
			}
			rc.Via = e.stopRun(ctx, be, job, run, info, log)
		}
	}

	moved, err := e.store.SetRunStatus(ctx, ws, name, models.RunCancelled, false, models.Update{
		Set: map[string]interface{}{"exit_code": 0},
	})
	if err != nil {
		return rc, err
	}
	if moved {
		if err := e.store.LogRunEvent(ctx, ws, name, models.EventEnded, map[string]interface{}{
			"status": models.RunCancelled, "exit_code": 0,
		}); err != nil {
			return rc, err
		}
		metrics.RunsCancelled(1)
		e.emit(ctx, events.RunStatus, run.JobID, map[string]interface{}{
			"ws_name": ws, "run_name": name, "status": models.RunCancelled,
		})
	}
	after, err := e.store.GetRun(ctx, ws, name)
	if err != nil {
		return rc, err
	}
	rc.Status = after.Status
	rc.Cancelled = after.Status == models.RunCancelled
	return rc, nil
}

// stopRun kills a run on its node: through the supervisor when reachable,
// else through the backend's queue.
func (e *Engine) stopRun(ctx context.Context, be backend.Backend, job *models.Job, run *models.Run, info models.ServiceInfo, log *logrus.Entry) string {
	node := models.NodeID(run.NodeIndex)
	client, err := e.nodeClient(ctx, be, info)
	if err == nil && client != nil {
		if _, err := client.CancelRun(ctx, job.SecretsByNode[node], []string{run.RunName}); err == nil {
			metrics.SupervisorCall(true)
			return ViaSupervisor
		}
		metrics.SupervisorCall(false)
		log.WithError(err).Warn("supervisor cancel failed, falling back to backend")
	}
	if _, err := be.CancelRunsByNames(ctx, run.Workspace, []string{run.RunName}, run.BoxName); err != nil {
		if !errors.Is(err, backend.ErrUnsupported) {
			log.WithError(err).Warn("backend run cancel failed")
		}
		return ViaStore
	}
	return ViaBackend
}

// CancelAll cancels every unfinished job on a target.
func (e *Engine) CancelAll(ctx context.Context, target string) ([]*JobCancel, error) {
	if _, _, err := e.file.Target(target); err != nil {
		return nil, err
	}
	f, err := query.Build(query.Options{Target: target})
	if err != nil {
		return nil, err
	}
	ids, err := e.store.GetJobNames(ctx, f)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	var out []*JobCancel
	var errs []error
	for _, id := range ids {
		job, err := e.store.GetJob(ctx, id)
		if err != nil {
			return out, err
		}
		if job.Status == models.JobCompleted {
			continue
		}
		res, err := e.CancelJob(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, res)
	}
	if len(errs) > 0 {
		return out, xterr.Wrap(xterr.CategoryService, errors.Join(errs...), "cancel all on "+target)
	}
	return out, nil
}
