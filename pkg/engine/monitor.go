package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/backend"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// maxReadFailures bounds consecutive transient log read failures.
const maxReadFailures = 5

type MonitorOptions struct {
	Node    int
	LogName string
	// StartOffset resumes a stream after a disconnect.
	StartOffset int64
	Poll        time.Duration
	Out         io.Writer
	// Escape ends the loop early when closed.
	Escape <-chan struct{}
}

type MonitorResult struct {
	JobID      string `json:"job_id"`
	Node       string `json:"node"`
	Status     string `json:"status"`
	NextOffset int64  `json:"next_offset"`
	Escaped    bool   `json:"escaped"`
}

// Monitor streams one node's log until the node finishes, the job completes,
// Escape fires or ctx ends. A completed job returns at once.
func (e *Engine) Monitor(ctx context.Context, jobID string, opts MonitorOptions) (*MonitorResult, error) {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Poll <= 0 {
		opts.Poll = e.pollInterval()
	}
	node := models.NodeID(opts.Node)
	res := &MonitorResult{JobID: jobID, Node: node, NextOffset: opts.StartOffset}
	log := e.log.WithFields(logrus.Fields{"job_id": jobID, "node": node})

	var be backend.Backend
	waiting := false
	failures := 0
	for {
		job, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		res.Status = job.Status
		if job.Status == models.JobCompleted {
			fmt.Fprintf(opts.Out, "%s: %s\n", jobID, job.Status)
			return res, nil
		}
		if opts.Node < 0 || opts.Node >= job.NodeCount {
			return nil, xterr.Syntax("%s has no node %d", jobID, opts.Node)
		}

		info := job.ServiceInfoByNode[node]
		if info == nil {
			// submitted but not yet recorded: still allocating
			if !waiting {
				fmt.Fprintf(opts.Out, "%s: waiting for %s to be allocated\n", jobID, node)
				waiting = true
			}
		} else {
			if be == nil {
				if be, err = e.Backend(ctx, job.Compute); err != nil {
					return nil, err
				}
			}
			chunk, err := be.ReadLogFile(ctx, info, opts.LogName, res.NextOffset, -1)
			switch {
			case err == nil:
				failures = 0
				if chunk.NewText != "" {
					if _, werr := io.WriteString(opts.Out, chunk.NewText); werr != nil {
						return nil, xterr.Wrap(xterr.CategoryEnv, werr, "write log")
					}
				}
				if chunk.NextOffset > res.NextOffset {
					res.NextOffset = chunk.NextOffset
				}
				if chunk.SimpleStatus != "" {
					res.Status = chunk.SimpleStatus
				}
				if chunk.SimpleStatus == models.SimpleCompleted {
					if _, err := e.RefreshJobStatus(ctx, jobID); err != nil {
						log.WithError(err).Warn("job status refresh failed")
					}
					return res, nil
				}
			case xterr.IsTransient(err) && failures < maxReadFailures:
				failures++
				log.WithError(err).Debug("log read failed, retrying")
			default:
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-opts.Escape:
			res.Escaped = true
			return res, nil
		case <-time.After(opts.Poll):
		}
	}
}

// ReadConsole returns one slice of a node's log without following it.
func (e *Engine) ReadConsole(ctx context.Context, jobID string, nodeIndex int, logName string, start, end int64) (*backend.LogChunk, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	info := job.ServiceInfoByNode[models.NodeID(nodeIndex)]
	if info == nil {
		return &backend.LogChunk{SimpleStatus: models.SimpleQueued, NextOffset: start}, nil
	}
	be, err := e.Backend(ctx, job.Compute)
	if err != nil {
		return nil, err
	}
	return be.ReadLogFile(ctx, info, logName, start, end)
}
