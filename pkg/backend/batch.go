package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/httpclient"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Batch task states.
const (
	TaskActive    = "active"
	TaskPreparing = "preparing"
	TaskRunning   = "running"
	TaskCompleted = "completed"
)

// ControlPort is the supervisor port exposed through the pool endpoint config.
const ControlPort = 18861

// DefaultLogName is the primary log of a batch task.
const DefaultLogName = "stdout.txt"

// ResourceFile is a blob a task downloads before it starts.
type ResourceFile struct {
	HTTPURL  string `json:"http_url"`
	FilePath string `json:"file_path"`
}

// OutputFile is uploaded when a task ends.
type OutputFile struct {
	FilePattern     string `json:"file_pattern"`
	Destination     string `json:"destination"`
	UploadCondition string `json:"upload_condition"`
}

// EnvSetting is a task environment variable.
type EnvSetting struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PoolSpec describes the VMs a batch job runs on.
type PoolSpec struct {
	ID             string `json:"id"`
	VMSize         string `json:"vm_size"`
	Image          string `json:"image"`
	ContainerImage string `json:"container_image,omitempty"`
	Dedicated      int    `json:"target_dedicated_nodes"`
	LowPriority    int    `json:"target_low_priority_nodes"`
	EndpointPort   int    `json:"endpoint_port"`
	MaxTasksPerVM  int    `json:"max_tasks_per_node"`
	// NodeDeallocation applies when the pool shrinks.
	NodeDeallocation string `json:"node_deallocation_option"`
}

// JobSpec creates a batch job.
type JobSpec struct {
	ID                 string `json:"id"`
	PoolID             string `json:"pool_id"`
	OnAllTasksComplete string `json:"on_all_tasks_complete"`
}

// TaskSpec adds one task; XT adds exactly one per node.
type TaskSpec struct {
	ID            string         `json:"id"`
	CommandLine   string         `json:"command_line"`
	ResourceFiles []ResourceFile `json:"resource_files"`
	OutputFiles   []OutputFile   `json:"output_files"`
	Env           []EnvSetting   `json:"environment_settings"`
}

// TaskInfo is the scheduler's view of a task.
type TaskInfo struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	NodeInfo *struct {
		IP   string `json:"ip"`
		Port int    `json:"port"`
		Name string `json:"node_id"`
	} `json:"node_info,omitempty"`
}

// BatchTarget is the pool shape taken from the compute target.
type BatchTarget struct {
	Nodes       int
	VMSize      string
	Image       string
	Docker      string
	LowPriority bool
	HoldPool    bool
}

// BatchBackend drives a fleet scheduler with jobs, tasks and pools.
type BatchBackend struct {
	endpoint string
	key      string
	target   BatchTarget
	blobs    blobstore.Store
	client   *http.Client
	retry    Retry
	log      *logrus.Entry
	sasTTL   time.Duration
}

func NewBatchBackend(endpoint, key string, target BatchTarget, blobs blobstore.Store, client *http.Client, retry Retry, log *logrus.Entry) (*BatchBackend, error) {
	if endpoint == "" {
		return nil, xterr.Config("batch service has no endpoint")
	}
	if client == nil {
		client = httpclient.New(60 * time.Second)
	}
	return &BatchBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		key:      key,
		target:   target,
		blobs:    blobs,
		client:   client,
		retry:    retry,
		log:      log,
		sasTTL:   2 * time.Hour,
	}, nil
}

func (b *BatchBackend) Kind() Kind                     { return KindBatch }
func (b *BatchBackend) ProvidesContainerSupport() bool { return true }

func (b *BatchBackend) AdjustRunCommands(ctx context.Context, req *AdjustRequest) error {
	return wrapCommands(ctx, req, b.ProvidesContainerSupport())
}

func (b *BatchBackend) header() http.Header {
	h := http.Header{}
	if b.key != "" {
		h.Set("Authorization", "SharedKey "+b.key)
	}
	return h
}

func (b *BatchBackend) call(ctx context.Context, method, path string, in, out interface{}) error {
	return b.retry.do(ctx, func() error {
		return httpclient.DoJSON(ctx, b.client, method, b.endpoint+path, b.header(), in, out)
	})
}

func poolID(jobID string) string  { return "xt-pool-" + jobID }
func taskID(nodeID string) string { return "task-" + nodeID }

// resourceFiles lists the job's code blobs with short-lived read URLs.
func (b *BatchBackend) resourceFiles(ctx context.Context, codePath string) ([]ResourceFile, error) {
	objs, err := b.blobs.List(ctx, codePath)
	if err != nil {
		return nil, err
	}
	files := make([]ResourceFile, 0, len(objs))
	for _, o := range objs {
		rel, ok := blobstore.Rel(codePath, o.Path)
		if !ok || rel == "" {
			continue
		}
		signed, err := b.blobs.SignedURL(ctx, o.Path, b.sasTTL)
		if err != nil {
			return nil, err
		}
		files = append(files, ResourceFile{HTTPURL: signed, FilePath: rel})
	}
	if len(files) == 0 {
		return nil, xterr.Store("no code found under %s", codePath)
	}
	return files, nil
}

func (b *BatchBackend) SubmitJob(ctx context.Context, req SubmitRequest) (models.ServiceInfo, map[string]models.ServiceInfo, error) {
	resources, err := b.resourceFiles(ctx, req.CodePath)
	if err != nil {
		return nil, nil, err
	}

	pool := PoolSpec{
		ID:               poolID(req.JobID),
		VMSize:           b.target.VMSize,
		Image:            b.target.Image,
		ContainerImage:   b.target.Docker,
		EndpointPort:     ControlPort,
		MaxTasksPerVM:    1,
		NodeDeallocation: "taskCompletion",
	}
	if b.target.LowPriority {
		pool.LowPriority = len(req.Nodes)
	} else {
		pool.Dedicated = len(req.Nodes)
	}
	if err := b.call(ctx, http.MethodPut, "/pools/"+url.PathEscape(pool.ID), pool, nil); err != nil {
		return nil, nil, xterr.Wrap(xterr.CategoryService, err, "create pool "+pool.ID)
	}

	job := JobSpec{ID: req.JobID, PoolID: pool.ID, OnAllTasksComplete: "terminateJob"}
	if err := b.call(ctx, http.MethodPut, "/jobs/"+url.PathEscape(job.ID), job, nil); err != nil {
		b.release(ctx, "", pool.ID)
		return nil, nil, xterr.Wrap(xterr.CategoryService, err, "create batch job "+job.ID)
	}

	byNode := make(map[string]models.ServiceInfo, len(req.Nodes))
	for _, node := range req.Nodes {
		task := TaskSpec{
			ID:            taskID(node.ID),
			CommandLine:   strings.Join(node.Cmds, " && "),
			ResourceFiles: resources,
			OutputFiles: []OutputFile{{
				FilePattern:     "../std*.txt",
				Destination:     blobstore.JobPath(req.JobID, "nodes", node.ID),
				UploadCondition: "taskCompletion",
			}},
		}
		env := mergeEnv(req.Env, node.Env)
		for _, k := range sortedKeys(env) {
			task.Env = append(task.Env, EnvSetting{Name: k, Value: env[k]})
		}
		if err := b.call(ctx, http.MethodPost, "/jobs/"+url.PathEscape(job.ID)+"/tasks", task, nil); err != nil {
			b.release(ctx, job.ID, pool.ID)
			return nil, nil, xterr.Wrap(xterr.CategoryService, err, "add task for "+node.ID)
		}
		byNode[node.ID] = models.ServiceInfo{
			"batch_job_id": job.ID,
			"task_id":      task.ID,
			"pool_id":      pool.ID,
			"node_id":      node.ID,
		}
	}
	b.log.WithFields(logrus.Fields{"job_id": req.JobID, "pool_id": pool.ID, "nodes": len(req.Nodes)}).Info("submitted batch job")
	return models.ServiceInfo{
		"service":      string(KindBatch),
		"batch_job_id": job.ID,
		"pool_id":      pool.ID,
		"hold":         b.target.HoldPool,
	}, byNode, nil
}

// release undoes a partial submit: the job, when created, is terminated and
// the pool deleted. Failures are logged; the submit error is what the caller
// reports.
func (b *BatchBackend) release(ctx context.Context, batchJobID, pool string) {
	ctx = context.WithoutCancel(ctx)
	log := b.log.WithFields(logrus.Fields{"batch_job_id": batchJobID, "pool_id": pool})
	if batchJobID != "" {
		_, err := b.CancelJob(ctx, models.ServiceInfo{"batch_job_id": batchJobID, "pool_id": pool, "hold": false}, nil)
		if err == nil {
			return
		}
		log.WithError(err).Warn("could not terminate batch job after failed submit")
	}
	if err := b.call(ctx, http.MethodDelete, "/pools/"+url.PathEscape(pool), nil, nil); err != nil {
		log.WithError(err).Warn("could not delete pool after failed submit")
	}
}

func taskPath(node models.ServiceInfo) string {
	return "/jobs/" + url.PathEscape(infoString(node, "batch_job_id")) + "/tasks/" + url.PathEscape(infoString(node, "task_id"))
}

func (b *BatchBackend) task(ctx context.Context, node models.ServiceInfo) (*TaskInfo, error) {
	if err := requireInfo(node, "batch_job_id", "task_id"); err != nil {
		return nil, err
	}
	var t TaskInfo
	if err := b.call(ctx, http.MethodGet, taskPath(node), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (b *BatchBackend) GetClientCS(ctx context.Context, node models.ServiceInfo) (*Endpoint, error) {
	t, err := b.task(ctx, node)
	if err != nil {
		return nil, err
	}
	if t.NodeInfo == nil || t.NodeInfo.IP == "" {
		return nil, nil
	}
	port := t.NodeInfo.Port
	if port == 0 {
		port = ControlPort
	}
	return &Endpoint{IP: t.NodeInfo.IP, Port: port, BoxName: infoString(node, "node_id")}, nil
}

func (b *BatchBackend) GetNodeStatus(ctx context.Context, node models.ServiceInfo) (string, error) {
	t, err := b.task(ctx, node)
	if err != nil {
		return "", err
	}
	return t.State, nil
}

func (b *BatchBackend) SimpleStatus(status string) string {
	switch status {
	case TaskActive, TaskPreparing, "":
		return models.SimpleQueued
	case TaskRunning:
		return models.SimpleRunning
	}
	return models.SimpleCompleted
}

func (b *BatchBackend) ReadLogFile(ctx context.Context, node models.ServiceInfo, logName string, start, end int64) (*LogChunk, error) {
	status, err := b.GetNodeStatus(ctx, node)
	if err != nil {
		return nil, err
	}
	if logName == "" {
		logName = DefaultLogName
	}
	chunk := &LogChunk{SimpleStatus: b.SimpleStatus(status), ServiceStatus: status, LogName: logName, NextOffset: start}
	if chunk.SimpleStatus == models.SimpleQueued {
		return chunk, nil
	}

	rng := fmt.Sprintf("bytes=%d-", start)
	if end >= 0 {
		if end <= start {
			return chunk, nil
		}
		rng = fmt.Sprintf("bytes=%d-%d", start, end-1)
	}
	var text []byte
	err = b.retry.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+taskPath(node)+"/files/"+url.PathEscape(logName), nil)
		if err != nil {
			return xterr.Wrap(xterr.CategoryInternal, err, "build log request")
		}
		for k, v := range b.header() {
			req.Header[k] = v
		}
		req.Header.Set("Range", rng)
		resp, err := b.client.Do(req)
		if err != nil {
			return xterr.MarkTransient(xterr.Wrap(xterr.CategoryService, err, "read "+logName))
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable || resp.StatusCode == http.StatusNotFound:
			text = nil
			return nil
		case resp.StatusCode >= 300:
			return httpclient.StatusError(resp, "read "+logName)
		}
		text, err = io.ReadAll(resp.Body)
		return xterr.Wrap(xterr.CategoryService, err, "read "+logName)
	})
	if err != nil {
		return nil, err
	}
	chunk.NewText = string(text)
	chunk.NextOffset = start + int64(len(text))
	return chunk, nil
}

func (b *BatchBackend) CancelNode(ctx context.Context, node models.ServiceInfo) (*CancelResult, error) {
	if err := requireInfo(node, "batch_job_id", "task_id"); err != nil {
		return nil, err
	}
	if err := b.call(ctx, http.MethodPost, taskPath(node)+"/terminate", nil, nil); err != nil {
		return nil, err
	}
	status, err := b.GetNodeStatus(ctx, node)
	if err != nil {
		return nil, err
	}
	return &CancelResult{Cancelled: true, ServiceStatus: status, SimpleStatus: b.SimpleStatus(status)}, nil
}

func (b *BatchBackend) CancelJob(ctx context.Context, job models.ServiceInfo, nodes map[string]models.ServiceInfo) (map[string]*CancelResult, error) {
	if err := requireInfo(job, "batch_job_id"); err != nil {
		return nil, err
	}
	if err := b.call(ctx, http.MethodPost, "/jobs/"+url.PathEscape(infoString(job, "batch_job_id"))+"/terminate", nil, nil); err != nil {
		return nil, err
	}
	results := make(map[string]*CancelResult, len(nodes))
	for id := range nodes {
		results[id] = &CancelResult{Cancelled: true, ServiceStatus: TaskCompleted, SimpleStatus: models.SimpleCompleted}
	}
	if hold, _ := job["hold"].(bool); !hold && infoString(job, "pool_id") != "" {
		if err := b.call(ctx, http.MethodDelete, "/pools/"+url.PathEscape(infoString(job, "pool_id")), nil, nil); err != nil {
			b.log.WithError(err).WithField("pool_id", infoString(job, "pool_id")).Warn("pool delete failed")
		}
	}
	return results, nil
}

func (b *BatchBackend) CancelRunsByNames(context.Context, string, []string, string) ([]CancelResult, error) {
	return nil, ErrUnsupported
}

func (b *BatchBackend) CancelRunsByUser(context.Context, string) ([]CancelResult, error) {
	return nil, ErrUnsupported
}

func (b *BatchBackend) QueueEntries(context.Context, models.ServiceInfo) ([]QueueEntry, error) {
	return nil, ErrUnsupported
}
