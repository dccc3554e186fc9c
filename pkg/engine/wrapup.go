package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/fanout"
	"github.com/xt-ml/xt/pkg/observability/metrics"
	"github.com/xt-ml/xt/pkg/runlog"
	"github.com/xt-ml/xt/pkg/store"
)

// nodeRunNames lists the runs bound to each node. The job's
// multi_run_context is authoritative; runs_by_box covers jobs whose context
// was never written.
func (e *Engine) nodeRunNames(ctx context.Context, job *models.Job) (map[string][]string, error) {
	data, err := blobstore.Read(ctx, e.blobs, blobstore.JobPath(job.JobID, blobstore.MultiRunContextName))
	if err != nil {
		if errors.Is(err, xterr.ErrNotFound) {
			return job.RunsByBox, nil
		}
		return nil, err
	}
	mrc, err := fanout.DecodeContext(data)
	if err != nil {
		return nil, err
	}
	out := map[string][]string{}
	for node, nc := range mrc.ContextByNodes {
		for _, rc := range nc.Runs {
			if rc.RunName != "" {
				out[node] = append(out[node], rc.RunName)
			}
		}
	}
	return out, nil
}

// parentName is the run a child belongs to: the name up to the first dot.
// A name without a dot is its own parent.
func parentName(run string) string {
	head, _, _ := strings.Cut(run, ".")
	return head
}

// wrapUp ends every still-active run of the given nodes as cancelled and
// rolls their last metrics into the aggregate destination. It returns how
// many runs it ended.
func (e *Engine) wrapUp(ctx context.Context, job *models.Job, nodes []string) (int, error) {
	log := e.log.WithFields(logrus.Fields{"job_id": job.JobID, "nodes": nodes})
	byNode, err := e.nodeRunNames(ctx, job)
	if err != nil {
		return 0, err
	}
	owned := map[string]bool{}
	for _, node := range nodes {
		for _, name := range byNode[node] {
			owned[name] = true
		}
	}
	if len(owned) == 0 {
		return 0, nil
	}

	docs, err := e.jobRuns(ctx, job)
	if err != nil {
		return 0, err
	}
	ended := 0
	for _, d := range docs {
		name := d.String("run_name")
		if !owned[name] && !owned[parentName(name)] {
			continue
		}
		status := d.String("status")
		if models.IsActiveRun(status) {
			moved, err := e.store.SetRunStatus(ctx, job.Workspace, name, models.RunCancelled, false, models.Update{
				Set: map[string]interface{}{"exit_code": 0},
			})
			if err != nil {
				return ended, err
			}
			if moved {
				if err := e.store.LogRunEvent(ctx, job.Workspace, name, models.EventEnded, map[string]interface{}{
					"status": models.RunCancelled, "exit_code": 0,
				}); err != nil {
					return ended, err
				}
				ended++
			}
		}
		if parent, _ := d["is_parent"].(bool); parent {
			continue
		}
		if err := e.rollup(ctx, job, name); err != nil {
			log.WithError(err).WithField("run", name).Warn("metric rollup failed")
		}
	}
	if ended > 0 {
		metrics.RunsWrappedUp(ended)
	}
	log.WithField("ended", ended).Info("wrap-up done")
	return ended, nil
}

// rollup records a run's last metric set once per destination key.
func (e *Engine) rollup(ctx context.Context, job *models.Job, runName string) error {
	var dest, key string
	switch e.file.General.Aggregate {
	case store.RollupExperiment:
		dest, key = store.RollupExperiment, job.Experiment
	case store.RollupJob:
		dest, key = store.RollupJob, job.JobID
	default:
		return nil
	}
	run, err := e.store.GetRun(ctx, job.Workspace, runName)
	if err != nil {
		return err
	}
	last, _ := runlog.LastMetrics(run.LogRecords)
	if len(last) == 0 {
		return nil
	}
	existing, err := e.store.ListRollups(ctx, dest, key)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.Workspace == job.Workspace && r.RunName == runName {
			return nil
		}
	}
	return e.store.AddRollup(ctx, store.Rollup{
		Destination: dest,
		Key:         key,
		Workspace:   job.Workspace,
		RunName:     runName,
		Metrics:     last,
	})
}
