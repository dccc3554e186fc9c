package backend

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/xt-ml/xt/pkg/common/httpclient"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Hosted run statuses.
const (
	HostedNotStarted = "NotStarted"
	HostedQueued     = "Queued"
	HostedPreparing  = "Preparing"
	HostedStarting   = "Starting"
	HostedRunning    = "Running"
	HostedFinalizing = "Finalizing"
	HostedCompleted  = "Completed"
	HostedFailed     = "Failed"
	HostedCanceled   = "Canceled"
)

// HostedCredentials identify the XT service principal.
type HostedCredentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL defaults to <endpoint>/<tenant>/oauth2/token.
	TokenURL string
}

// HostedRunSpec creates one experiment run on the hosted service.
type HostedRunSpec struct {
	RunID       string            `json:"run_id"`
	Experiment  string            `json:"experiment"`
	Compute     string            `json:"compute"`
	Command     string            `json:"command"`
	CodePath    string            `json:"code_path"`
	Environment map[string]string `json:"environment"`
	Image       string            `json:"docker_image,omitempty"`
	NodeCount   int               `json:"node_count"`
	Distributed bool              `json:"distributed"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// HostedRun is the service's view of a run.
type HostedRun struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	IP     string `json:"ip,omitempty"`
	Port   int    `json:"port,omitempty"`
}

// HostedTarget is the compute shape of a hosted target.
type HostedTarget struct {
	Compute     string
	Image       string
	Distributed bool
}

// HostedBackend maps each node to one run under the service's experiment
// tracking. It is the only backend with distributed training.
type HostedBackend struct {
	endpoint string
	target   HostedTarget
	client   *http.Client
	retry    Retry
	log      *logrus.Entry
}

// NewHostedBackend authenticates with the client-credentials flow. A nil
// creds uses client as is.
func NewHostedBackend(ctx context.Context, endpoint string, creds *HostedCredentials, target HostedTarget, client *http.Client, retry Retry, log *logrus.Entry) (*HostedBackend, error) {
	if endpoint == "" {
		return nil, xterr.Config("hosted service has no endpoint")
	}
	endpoint = strings.TrimRight(endpoint, "/")
	if client == nil {
		client = httpclient.New(60 * time.Second)
	}
	if creds != nil {
		if creds.ClientID == "" || creds.ClientSecret == "" {
			return nil, xterr.Config("hosted service needs client-id and client-secret")
		}
		tokenURL := creds.TokenURL
		if tokenURL == "" {
			tokenURL = endpoint + "/" + url.PathEscape(creds.TenantID) + "/oauth2/token"
		}
		cc := &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{endpoint + "/.default"},
		}
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, cc.TokenSource(ctx))
	}
	return &HostedBackend{endpoint: endpoint, target: target, client: client, retry: retry, log: log}, nil
}

func (h *HostedBackend) Kind() Kind                     { return KindHosted }
func (h *HostedBackend) ProvidesContainerSupport() bool { return true }

func (h *HostedBackend) AdjustRunCommands(ctx context.Context, req *AdjustRequest) error {
	if h.target.Distributed {
		for node, cmds := range req.NodeCmds {
			if len(cmds) > 1 {
				return xterr.Combo("distributed training allows one task per node; %s has %d", node, len(cmds))
			}
		}
	}
	return wrapCommands(ctx, req, h.ProvidesContainerSupport())
}

func (h *HostedBackend) call(ctx context.Context, method, path string, in, out interface{}) error {
	return h.retry.do(ctx, func() error {
		return httpclient.DoJSON(ctx, h.client, method, h.endpoint+path, nil, in, out)
	})
}

func runPath(runID string) string { return "/runs/" + url.PathEscape(runID) }

func (h *HostedBackend) SubmitJob(ctx context.Context, req SubmitRequest) (models.ServiceInfo, map[string]models.ServiceInfo, error) {
	byNode := make(map[string]models.ServiceInfo, len(req.Nodes))
	for _, node := range req.Nodes {
		spec := HostedRunSpec{
			RunID:       uuid.New().String(),
			Experiment:  req.Experiment,
			Compute:     h.target.Compute,
			Command:     strings.Join(node.Cmds, " && "),
			CodePath:    req.CodePath,
			Environment: mergeEnv(req.Env, node.Env),
			Image:       h.target.Image,
			NodeCount:   1,
			Distributed: h.target.Distributed,
			Tags:        map[string]string{"xt_job_id": req.JobID, "xt_node_id": node.ID, "xt_workspace": req.Workspace},
		}
		if h.target.Distributed {
			spec.NodeCount = len(req.Nodes)
		}
		var run HostedRun
		path := "/experiments/" + url.PathEscape(req.Experiment) + "/runs"
		if err := h.call(ctx, http.MethodPost, path, spec, &run); err != nil {
			return nil, nil, xterr.Wrap(xterr.CategoryService, err, "create hosted run for "+node.ID)
		}
		if run.RunID == "" {
			run.RunID = spec.RunID
		}
		byNode[node.ID] = models.ServiceInfo{
			"run_id":     run.RunID,
			"node_id":    node.ID,
			"experiment": req.Experiment,
		}
		if h.target.Distributed {
			break
		}
	}
	if h.target.Distributed {
		lead := byNode[req.Nodes[0].ID]
		for _, node := range req.Nodes[1:] {
			byNode[node.ID] = models.ServiceInfo{"run_id": lead["run_id"], "node_id": node.ID, "experiment": req.Experiment, "replica": node.Index}
		}
	}
	h.log.WithFields(logrus.Fields{"job_id": req.JobID, "experiment": req.Experiment, "nodes": len(req.Nodes)}).Info("submitted hosted runs")
	return models.ServiceInfo{"service": string(KindHosted), "experiment": req.Experiment}, byNode, nil
}

func (h *HostedBackend) run(ctx context.Context, node models.ServiceInfo) (*HostedRun, error) {
	if err := requireInfo(node, "run_id"); err != nil {
		return nil, err
	}
	var r HostedRun
	if err := h.call(ctx, http.MethodGet, runPath(infoString(node, "run_id")), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (h *HostedBackend) GetClientCS(ctx context.Context, node models.ServiceInfo) (*Endpoint, error) {
	r, err := h.run(ctx, node)
	if err != nil {
		return nil, err
	}
	if r.IP == "" {
		return nil, nil
	}
	port := r.Port
	if port == 0 {
		port = ControlPort
	}
	return &Endpoint{IP: r.IP, Port: port, BoxName: infoString(node, "node_id")}, nil
}

func (h *HostedBackend) GetNodeStatus(ctx context.Context, node models.ServiceInfo) (string, error) {
	r, err := h.run(ctx, node)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

func (h *HostedBackend) SimpleStatus(status string) string {
	switch status {
	case HostedNotStarted, HostedQueued, HostedPreparing, HostedStarting, "":
		return models.SimpleQueued
	case HostedRunning, HostedFinalizing:
		return models.SimpleRunning
	}
	return models.SimpleCompleted
}

func (h *HostedBackend) ReadLogFile(ctx context.Context, node models.ServiceInfo, logName string, start, end int64) (*LogChunk, error) {
	if err := requireInfo(node, "run_id"); err != nil {
		return nil, err
	}
	if logName == "" {
		logName = "logs/driver_log.txt"
		if r := infoInt(node, "replica"); r > 0 {
			logName = "logs/driver_log_" + strconv.Itoa(r) + ".txt"
		}
	}
	q := url.Values{}
	q.Set("name", logName)
	q.Set("start", strconv.FormatInt(start, 10))
	if end >= 0 {
		q.Set("end", strconv.FormatInt(end, 10))
	}
	var out EntryLog
	if err := h.call(ctx, http.MethodGet, runPath(infoString(node, "run_id"))+"/logs?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &LogChunk{
		NewText:       out.Text,
		SimpleStatus:  h.SimpleStatus(out.Status),
		ServiceStatus: out.Status,
		LogName:       logName,
		NextOffset:    start + int64(len(out.Text)),
	}, nil
}

func (h *HostedBackend) CancelNode(ctx context.Context, node models.ServiceInfo) (*CancelResult, error) {
	if err := requireInfo(node, "run_id"); err != nil {
		return nil, err
	}
	var r HostedRun
	if err := h.call(ctx, http.MethodPost, runPath(infoString(node, "run_id"))+"/cancel", nil, &r); err != nil {
		return nil, err
	}
	return &CancelResult{Cancelled: r.Status == HostedCanceled, ServiceStatus: r.Status, SimpleStatus: h.SimpleStatus(r.Status)}, nil
}

func (h *HostedBackend) CancelJob(ctx context.Context, _ models.ServiceInfo, nodes map[string]models.ServiceInfo) (map[string]*CancelResult, error) {
	return cancelNodes(ctx, nodes, h.CancelNode)
}

func (h *HostedBackend) CancelRunsByNames(context.Context, string, []string, string) ([]CancelResult, error) {
	return nil, ErrUnsupported
}

func (h *HostedBackend) CancelRunsByUser(context.Context, string) ([]CancelResult, error) {
	return nil, ErrUnsupported
}

func (h *HostedBackend) QueueEntries(context.Context, models.ServiceInfo) ([]QueueEntry, error) {
	return nil, ErrUnsupported
}
