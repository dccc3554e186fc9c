package backend

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xt-ml/xt/pkg/common/httpclient"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Pool entry statuses.
const (
	EntryQueued    = "queued"
	EntryRunning   = "running"
	EntryCompleted = "completed"
	EntryError     = "error"
	EntryCancelled = "cancelled"
)

// PoolKeyHeader carries the pool key on requests to a pool machine.
const PoolKeyHeader = "X-XT-Pool-Key"

// QueuePort is the default port of a pool machine's queue agent. The job
// controller on the machine listens on ControlPort.
const QueuePort = 18860

// QueueRequest enqueues one node's work on a pool machine.
type QueueRequest struct {
	Team        string            `json:"team"`
	JobID       string            `json:"job_id"`
	RunName     string            `json:"run_name"`
	NodeID      string            `json:"node_id"`
	CodeZipPath string            `json:"code_zip_path"`
	Workspace   string            `json:"ws_name"`
	Username    string            `json:"username"`
	Cmds        []string          `json:"cmds"`
	Env         map[string]string `json:"env"`
}

// EntryStatus is a pool machine's view of one entry.
type EntryStatus struct {
	EntryID   string `json:"entry_id"`
	Status    string `json:"status"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// EntryLog is one slice of an entry's captured output.
type EntryLog struct {
	Text       string `json:"text"`
	Status     string `json:"status"`
	LogName    string `json:"log_name"`
	NextOffset int64  `json:"next_offset"`
}

// CancelRunsRequest cancels runs on a pool machine by name or by user.
type CancelRunsRequest struct {
	Workspace string   `json:"ws_name,omitempty"`
	RunNames  []string `json:"run_names,omitempty"`
	Username  string   `json:"username,omitempty"`
}

// PoolBackend drives a user-managed set of machines, each running a queue
// supervisor.
type PoolBackend struct {
	boxes   []string
	address map[string]string
	key     string
	client  *http.Client
	retry   Retry
	log     *logrus.Entry
}

// Retry is the transient-failure envelope for backend calls.
type Retry struct {
	Attempts  int
	BaseDelay time.Duration
}

func (r Retry) do(ctx context.Context, fn func() error) error {
	return httpclient.Retry(ctx, r.Attempts, r.BaseDelay, fn)
}

// NewPoolBackend maps node i to boxes[i]; address resolves each box.
func NewPoolBackend(boxes []string, address map[string]string, key string, client *http.Client, retry Retry, log *logrus.Entry) (*PoolBackend, error) {
	if len(boxes) == 0 {
		return nil, xterr.Config("pool target has no boxes")
	}
	for _, b := range boxes {
		if address[b] == "" {
			return nil, xterr.Config("box %q has no address", b)
		}
	}
	if client == nil {
		client = httpclient.New(30 * time.Second)
	}
	return &PoolBackend{boxes: boxes, address: address, key: key, client: client, retry: retry, log: log}, nil
}

func (p *PoolBackend) Kind() Kind                     { return KindPool }
func (p *PoolBackend) ProvidesContainerSupport() bool { return false }

func (p *PoolBackend) AdjustRunCommands(ctx context.Context, req *AdjustRequest) error {
	return wrapCommands(ctx, req, p.ProvidesContainerSupport())
}

func (p *PoolBackend) header() http.Header {
	h := http.Header{}
	if p.key != "" {
		h.Set(PoolKeyHeader, p.key)
	}
	return h
}

func baseURL(address string) string {
	if u, err := url.Parse(address); err == nil && u.Scheme != "" && u.Host != "" {
		return address
	}
	return "http://" + address
}

func (p *PoolBackend) call(ctx context.Context, address, method, path string, in, out interface{}) error {
	return p.retry.do(ctx, func() error {
		return httpclient.DoJSON(ctx, p.client, method, baseURL(address)+path, p.header(), in, out)
	})
}

func (p *PoolBackend) SubmitJob(ctx context.Context, req SubmitRequest) (models.ServiceInfo, map[string]models.ServiceInfo, error) {
	if len(req.Nodes) > len(p.boxes) {
		return nil, nil, xterr.Combo("%d nodes requested but the pool has %d boxes", len(req.Nodes), len(p.boxes))
	}
	byNode := make(map[string]models.ServiceInfo, len(req.Nodes))
	for _, node := range req.Nodes {
		box := p.boxes[node.Index]
		env := mergeEnv(req.Env, node.Env)
		q := QueueRequest{
			Team:        req.Team,
			JobID:       req.JobID,
			NodeID:      node.ID,
			CodeZipPath: req.CodePath,
			Workspace:   req.Workspace,
			Username:    req.Username,
			Cmds:        node.Cmds,
			Env:         env,
		}
		if len(node.RunNames) > 0 {
			q.RunName = node.RunNames[0]
		}
		var st EntryStatus
		if err := p.call(ctx, p.address[box], http.MethodPost, "/xt/queue", q, &st); err != nil {
			return nil, nil, xterr.Wrap(xterr.CategoryService, err, "enqueue "+node.ID+" on "+box)
		}
		byNode[node.ID] = models.ServiceInfo{
			"box_name": box,
			"address":  p.address[box],
			"entry_id": st.EntryID,
			"node_id":  node.ID,
			"job_id":   req.JobID,
		}
		p.log.WithFields(logrus.Fields{"job_id": req.JobID, "node_id": node.ID, "box": box, "entry_id": st.EntryID}).Info("queued node on pool box")
	}
	return models.ServiceInfo{"service": string(KindPool), "job_id": req.JobID}, byNode, nil
}

func (p *PoolBackend) GetClientCS(_ context.Context, node models.ServiceInfo) (*Endpoint, error) {
	addr := infoString(node, "address")
	if addr == "" {
		return nil, nil
	}
	u, err := url.Parse(baseURL(addr))
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryConfig, err, "parse box address "+addr)
	}
	host := u.Hostname()
	if host == "" {
		return nil, xterr.Config("box address %q has no host", addr)
	}
	return &Endpoint{IP: host, Port: ControlPort, BoxName: infoString(node, "box_name")}, nil
}

func (p *PoolBackend) ReadLogFile(ctx context.Context, node models.ServiceInfo, logName string, start, end int64) (*LogChunk, error) {
	if err := requireInfo(node, "address", "entry_id"); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("start", strconv.FormatInt(start, 10))
	if end >= 0 {
		q.Set("end", strconv.FormatInt(end, 10))
	}
	if logName != "" {
		q.Set("name", logName)
	}
	var out EntryLog
	path := "/xt/queue/" + url.PathEscape(infoString(node, "entry_id")) + "/log?" + q.Encode()
	if err := p.call(ctx, infoString(node, "address"), http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &LogChunk{
		NewText:       out.Text,
		SimpleStatus:  p.SimpleStatus(out.Status),
		ServiceStatus: out.Status,
		LogName:       out.LogName,
		NextOffset:    out.NextOffset,
	}, nil
}

func (p *PoolBackend) GetNodeStatus(ctx context.Context, node models.ServiceInfo) (string, error) {
	if err := requireInfo(node, "address", "entry_id"); err != nil {
		return "", err
	}
	var st EntryStatus
	err := p.call(ctx, infoString(node, "address"), http.MethodGet, "/xt/queue/"+url.PathEscape(infoString(node, "entry_id")), nil, &st)
	return st.Status, err
}

func (p *PoolBackend) SimpleStatus(status string) string {
	switch status {
	case EntryQueued, "":
		return models.SimpleQueued
	case EntryRunning:
		return models.SimpleRunning
	}
	return models.SimpleCompleted
}

func (p *PoolBackend) CancelNode(ctx context.Context, node models.ServiceInfo) (*CancelResult, error) {
	if err := requireInfo(node, "address", "entry_id"); err != nil {
		return nil, err
	}
	var st EntryStatus
	if err := p.call(ctx, infoString(node, "address"), http.MethodDelete, "/xt/queue/"+url.PathEscape(infoString(node, "entry_id")), nil, &st); err != nil {
		return nil, err
	}
	return &CancelResult{Cancelled: st.Cancelled, ServiceStatus: st.Status, SimpleStatus: p.SimpleStatus(st.Status)}, nil
}

func (p *PoolBackend) CancelJob(ctx context.Context, _ models.ServiceInfo, nodes map[string]models.ServiceInfo) (map[string]*CancelResult, error) {
	return cancelNodes(ctx, nodes, p.CancelNode)
}

func (p *PoolBackend) CancelRunsByNames(ctx context.Context, ws string, runNames []string, boxName string) ([]CancelResult, error) {
	return p.cancelRuns(ctx, boxName, CancelRunsRequest{Workspace: ws, RunNames: runNames})
}

func (p *PoolBackend) CancelRunsByUser(ctx context.Context, boxName string) ([]CancelResult, error) {
	return p.cancelRuns(ctx, boxName, CancelRunsRequest{Username: envUser()})
}

func (p *PoolBackend) cancelRuns(ctx context.Context, boxName string, req CancelRunsRequest) ([]CancelResult, error) {
	addr, ok := p.address[boxName]
	if !ok {
		return nil, xterr.Config("box %q is not part of this pool", boxName)
	}
	var out struct {
		Results []CancelResult `json:"results"`
	}
	if err := p.call(ctx, addr, http.MethodPost, "/xt/cancel", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (p *PoolBackend) QueueEntries(ctx context.Context, node models.ServiceInfo) ([]QueueEntry, error) {
	if err := requireInfo(node, "address"); err != nil {
		return nil, err
	}
	var out struct {
		Entries []QueueEntry `json:"entries"`
	}
	if err := p.call(ctx, infoString(node, "address"), http.MethodGet, "/xt/queue", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// cancelNodes cancels every node concurrently and collects per-node results.
// A failed node is reported as not cancelled rather than failing the job.
func cancelNodes(ctx context.Context, nodes map[string]models.ServiceInfo, cancel func(context.Context, models.ServiceInfo) (*CancelResult, error)) (map[string]*CancelResult, error) {
	results := make(map[string]*CancelResult, len(nodes))
	errs := make(map[string]error)
	type outcome struct {
		id  string
		res *CancelResult
		err error
	}
	ch := make(chan outcome, len(nodes))
	var g errgroup.Group
	for id, info := range nodes {
		id, info := id, info
		g.Go(func() error {
			res, err := cancel(ctx, info)
			ch <- outcome{id, res, err}
			return nil
		})
	}
	_ = g.Wait()
	close(ch)
	for o := range ch {
		if o.err != nil {
			errs[o.id] = o.err
			results[o.id] = &CancelResult{}
			continue
		}
		results[o.id] = o.res
	}
	if len(errs) == len(nodes) && len(nodes) > 0 {
		for _, err := range errs {
			return results, err
		}
	}
	return results, nil
}

func mergeEnv(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
