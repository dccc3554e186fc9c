// Package backend adapts compute services (machine pools, a batch scheduler
// and a hosted training service) to one contract the engine drives.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Kind tags a backend variant.
type Kind string

const (
	KindPool   Kind = "pool"
	KindBatch  Kind = "batch"
	KindHosted Kind = "hosted"
)

// ParseKind maps a service type from the config file to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "pool", "box", "local":
		return KindPool, nil
	case "batch":
		return KindBatch, nil
	case "hosted", "aml":
		return KindHosted, nil
	}
	return "", xterr.Config("unknown service type %q", s)
}

// ErrUnsupported is returned for optional operations a backend lacks.
var ErrUnsupported = errors.New("operation not supported by this backend")

// Endpoint is where a node's supervisor listens.
type Endpoint struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	BoxName string `json:"box_name"`
}

// Addr is ip:port.
func (e Endpoint) Addr() string { return fmt.Sprintf("%s:%d", e.IP, e.Port) }

// LogChunk is one slice of a node log.
type LogChunk struct {
	NewText       string `json:"new_text"`
	SimpleStatus  string `json:"simple_status"`
	ServiceStatus string `json:"service_status"`
	LogName       string `json:"log_name"`
	NextOffset    int64  `json:"next_offset"`
}

// CancelResult reports a node cancel.
type CancelResult struct {
	Cancelled     bool   `json:"cancelled"`
	ServiceStatus string `json:"service_status"`
	SimpleStatus  string `json:"simple_status"`
}

// QueueEntry is one entry of a pool machine's queue.
type QueueEntry struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
}

// NodeSubmit is the work for one node.
type NodeSubmit struct {
	ID        string
	Index     int
	BoxSecret string
	// Cmds is the node's command vector after adjustment.
	Cmds []string
	Env  map[string]string
	// RunNames are the runs bound to the node, for backends that track them.
	RunNames []string
}

// SubmitRequest launches one job.
type SubmitRequest struct {
	JobID      string
	Workspace  string
	Experiment string
	Target     string
	Team       string
	Username   string
	Nodes      []NodeSubmit
	// CodePath is the job's "before/code" blob prefix.
	CodePath string
	CodeZip  string
	Env      map[string]string
}

// Backend is the contract every compute service adapter implements.
// Service info values are opaque to the engine and must stay JSON-safe.
type Backend interface {
	Kind() Kind
	AdjustRunCommands(ctx context.Context, req *AdjustRequest) error
	SubmitJob(ctx context.Context, req SubmitRequest) (models.ServiceInfo, map[string]models.ServiceInfo, error)
	// GetClientCS returns nil when the node is not reachable yet.
	GetClientCS(ctx context.Context, node models.ServiceInfo) (*Endpoint, error)
	// ReadLogFile reads [start, end) of a node log; end < 0 reads to the end.
	ReadLogFile(ctx context.Context, node models.ServiceInfo, logName string, start, end int64) (*LogChunk, error)
	GetNodeStatus(ctx context.Context, node models.ServiceInfo) (string, error)
	SimpleStatus(serviceStatus string) string
	CancelNode(ctx context.Context, node models.ServiceInfo) (*CancelResult, error)
	CancelJob(ctx context.Context, job models.ServiceInfo, nodes map[string]models.ServiceInfo) (map[string]*CancelResult, error)
	CancelRunsByNames(ctx context.Context, ws string, runNames []string, boxName string) ([]CancelResult, error)
	CancelRunsByUser(ctx context.Context, boxName string) ([]CancelResult, error)
	QueueEntries(ctx context.Context, node models.ServiceInfo) ([]QueueEntry, error)
	ProvidesContainerSupport() bool
}

// Info accessors over opaque service info.

func infoString(info models.ServiceInfo, key string) string {
	if v, ok := info[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		case int:
			return strconv.Itoa(s)
		}
	}
	return ""
}

func infoInt(info models.ServiceInfo, key string) int {
	switch n := info[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

func requireInfo(info models.ServiceInfo, keys ...string) error {
	for _, k := range keys {
		if infoString(info, k) == "" {
			return xterr.Internal("service info is missing %q", k)
		}
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envUser() string {
	return envOr("USER", envOr("USERNAME", ""))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
