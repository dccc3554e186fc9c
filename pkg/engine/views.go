package engine

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/xt-ml/xt/pkg/backend"
	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/query"
	"github.com/xt-ml/xt/pkg/runlog"
	"github.com/xt-ml/xt/pkg/supervisor"
)

// shareMarker marks a blob namespace as an existing share.
const shareMarker = ".xt-share"

// ListRuns returns run records of a workspace.
func (e *Engine) ListRuns(ctx context.Context, ws string, q query.Query) ([]models.Document, error) {
	return e.store.GetRuns(ctx, ws, q)
}

// ListJobs returns job records.
func (e *Engine) ListJobs(ctx context.Context, q query.Query) ([]models.Document, error) {
	return e.store.GetJobs(ctx, q)
}

func (e *Engine) CreateWorkspace(ctx context.Context, ws string) error {
	return e.store.CreateWorkspace(ctx, ws)
}

// DeleteWorkspace removes a workspace's records and its blobs. confirm must
// repeat the name.
func (e *Engine) DeleteWorkspace(ctx context.Context, ws, confirm string) error {
	if err := e.store.DeleteWorkspace(ctx, ws, confirm); err != nil {
		return err
	}
	_, err := blobstore.DeletePrefix(ctx, e.blobs, blobstore.WorkspacePath(ws))
	return err
}

func (e *Engine) ListWorkspaces(ctx context.Context) ([]string, error) {
	return e.store.ListWorkspaces(ctx)
}

// RunLog returns the console output a run uploaded.
func (e *Engine) RunLog(ctx context.Context, ws, run string) ([]byte, error) {
	return blobstore.Read(ctx, e.blobs, blobstore.RunPath(ws, run, "output", blobstore.ConsoleLogName))
}

// RunMetrics returns a run's metric sets.
func (e *Engine) RunMetrics(ctx context.Context, ws, runName string) ([]runlog.MetricSet, error) {
	run, err := e.store.GetRun(ctx, ws, runName)
	if err != nil {
		return nil, err
	}
	return runlog.MetricSets(run.LogRecords, e.file.HPSearch.StepName), nil
}

// ControllerStatus is what a node's supervisor reports.
type ControllerStatus struct {
	Node       string               `json:"node"`
	Version    string               `json:"xt_version"`
	Elapsed    float64              `json:"elapsed"`
	Concurrent int                  `json:"concurrent"`
	Runs       []supervisor.RunInfo `json:"runs"`
}

// nodeSupervisor connects to a job node's supervisor and returns the node's
// box secret with the client.
func (e *Engine) nodeSupervisor(ctx context.Context, jobID string, nodeIndex int) (*supervisor.Client, string, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, "", err
	}
	node := models.NodeID(nodeIndex)
	info := job.ServiceInfoByNode[node]
	if info == nil {
		return nil, "", xterr.Service("%s %s has not been allocated", jobID, node)
	}
	be, err := e.Backend(ctx, job.Compute)
	if err != nil {
		return nil, "", err
	}
	client, err := e.nodeClient(ctx, be, info)
	if err != nil {
		return nil, "", err
	}
	if client == nil {
		return nil, "", xterr.Service("%s %s has no reachable controller", jobID, node)
	}
	return client, job.SecretsByNode[node], nil
}

// ControllerStatus asks a node's supervisor for its runs. stageFlags picks
// "queued", "active", "completed" or a comma list of them.
func (e *Engine) ControllerStatus(ctx context.Context, jobID string, nodeIndex int, stageFlags string) (*ControllerStatus, error) {
	client, secret, err := e.nodeSupervisor(ctx, jobID, nodeIndex)
	if err != nil {
		return nil, err
	}
	st := &ControllerStatus{Node: models.NodeID(nodeIndex)}
	if st.Version, err = client.XTVersion(ctx, secret); err != nil {
		return nil, err
	}
	elapsed, err := client.ElapsedTime(ctx, secret)
	if err != nil {
		return nil, err
	}
	st.Elapsed = elapsed.Seconds()
	if st.Concurrent, err = client.GetConcurrent(ctx, secret); err != nil {
		return nil, err
	}
	if st.Runs, err = client.GetRuns(ctx, secret, stageFlags, "", ""); err != nil {
		return nil, err
	}
	return st, nil
}

func (e *Engine) ControllerLog(ctx context.Context, jobID string, nodeIndex int) (string, error) {
	client, secret, err := e.nodeSupervisor(ctx, jobID, nodeIndex)
	if err != nil {
		return "", err
	}
	return client.ControllerLog(ctx, secret)
}

// SetConcurrent changes how many runs a node's controller runs at once.
func (e *Engine) SetConcurrent(ctx context.Context, jobID string, nodeIndex, n int) error {
	client, secret, err := e.nodeSupervisor(ctx, jobID, nodeIndex)
	if err != nil {
		return err
	}
	return client.SetConcurrent(ctx, secret, n)
}

// QueueEntries lists the queue of the machine running a job node.
func (e *Engine) QueueEntries(ctx context.Context, jobID string, nodeIndex int) ([]backend.QueueEntry, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	info := job.ServiceInfoByNode[models.NodeID(nodeIndex)]
	if info == nil {
		return nil, nil
	}
	be, err := e.Backend(ctx, job.Compute)
	if err != nil {
		return nil, err
	}
	return be.QueueEntries(ctx, info)
}

// ListBlobs lists blobs under prefix; a wildcard in the last segment filters
// by name.
func (e *Engine) ListBlobs(ctx context.Context, prefix string) ([]blobstore.Object, error) {
	prefix = blobstore.Clean(prefix)
	pattern := ""
	if blobstore.HasWildcard(prefix) {
		pattern = prefix
		prefix = path.Dir(prefix)
		for blobstore.HasWildcard(prefix) {
			prefix = path.Dir(prefix)
		}
		if prefix == "." {
			prefix = ""
		}
	}
	objs, err := e.blobs.List(ctx, prefix)
	if err != nil || pattern == "" {
		return objs, err
	}
	var out []blobstore.Object
	for _, o := range objs {
		if blobstore.Match(pattern, o.Path) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Upload copies a local file or directory tree to blobPath.
func (e *Engine) Upload(ctx context.Context, local, blobPath string) ([]string, error) {
	info, err := os.Stat(local)
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "stat "+local)
	}
	if info.IsDir() {
		return blobstore.UploadTree(ctx, e.blobs, local, blobPath, nil, nil)
	}
	if err := blobstore.UploadFile(ctx, e.blobs, local, blobPath); err != nil {
		return nil, err
	}
	return []string{blobstore.Clean(blobPath)}, nil
}

// Download copies a blob, or every blob under a prefix, to local.
func (e *Engine) Download(ctx context.Context, blobPath, local string) ([]string, error) {
	ok, err := e.blobs.Exists(ctx, blobPath)
	if err != nil {
		return nil, err
	}
	if ok {
		return []string{local}, blobstore.DownloadFile(ctx, e.blobs, blobPath, local)
	}
	return blobstore.DownloadTree(ctx, e.blobs, blobPath, local, nil, nil)
}

// Extract downloads a run's uploaded after-files into dir.
func (e *Engine) Extract(ctx context.Context, ws, run, dir string) ([]string, error) {
	return blobstore.DownloadTree(ctx, e.blobs, blobstore.RunPath(ws, run, "after"), dir, nil, nil)
}

func (e *Engine) CreateShare(ctx context.Context, name string) error {
	if name == "" || strings.Contains(name, "/") {
		return xterr.Syntax("bad share name %q", name)
	}
	marker := blobstore.SharePath(name, shareMarker)
	ok, err := e.blobs.Exists(ctx, marker)
	if err != nil {
		return err
	}
	if ok {
		return xterr.WithSentinel(xterr.CategoryStore, xterr.ErrAlreadyExists, "share %q already exists", name)
	}
	return blobstore.UploadBytes(ctx, e.blobs, marker, []byte(name))
}

// DeleteShare removes a share and everything in it. confirm must repeat the
// name.
func (e *Engine) DeleteShare(ctx context.Context, name, confirm string) error {
	if confirm != name {
		return xterr.WithSentinel(xterr.CategoryCombo, xterr.ErrConfirmationMismatch,
			"confirmation %q does not match share %q", confirm, name)
	}
	n, err := blobstore.DeletePrefix(ctx, e.blobs, blobstore.SharePath(name))
	if err != nil {
		return err
	}
	if n == 0 {
		return xterr.WithSentinel(xterr.CategoryStore, xterr.ErrNotFound, "share %q not found", name)
	}
	return nil
}

func (e *Engine) ListShares(ctx context.Context) ([]string, error) {
	objs, err := e.blobs.List(ctx, "shares")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, o := range objs {
		if path.Base(o.Path) == shareMarker {
			out = append(out, path.Base(path.Dir(o.Path)))
		}
	}
	sort.Strings(out)
	return out, nil
}
