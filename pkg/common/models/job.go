package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedules.
const (
	ScheduleStatic  = "static"
	ScheduleDynamic = "dynamic"
)

// Search styles.
const (
	StyleSingle  = "single"
	StyleMulti   = "multi"
	StyleRepeat  = "repeat"
	StyleStatic  = "static"
	StyleDynamic = "dynamic"
)

// ServiceInfo is opaque backend state, persisted verbatim.
type ServiceInfo map[string]interface{}

type Job struct {
	JobID      string `json:"job_id"`
	JobNum     int    `json:"job_num"`
	Workspace  string `json:"ws_name"`
	Experiment string `json:"exper_name"`
	Username   string `json:"username"`
	Compute    string `json:"compute"`
	// PoolInfo snapshots the target definition at submit time.
	PoolInfo    map[string]interface{} `json:"pool_info,omitempty"`
	ServiceType string                 `json:"service_type,omitempty"`

	SearchType    string `json:"search_type,omitempty"`
	SearchStyle   string `json:"search_style"`
	RepeatCount   int    `json:"repeat"`
	RunCount      int    `json:"run_count"`
	NodeCount     int    `json:"node_count"`
	Schedule      string `json:"schedule"`
	Concurrent    int    `json:"concurrent"`
	PrimaryMetric string `json:"primary_metric,omitempty"`
	Maximize      bool   `json:"maximize_metric,omitempty"`

	DynamicRunsRemaining int      `json:"dynamic_runs_remaining"`
	ActiveRuns           []string `json:"active_runs,omitempty"`

	Status        string `json:"job_status"`
	RunningNodes  int    `json:"running_nodes"`
	RunningRuns   int    `json:"running_runs"`
	ErrorRuns     int    `json:"error_runs"`
	CompletedRuns int    `json:"completed_runs"`

	JobGUID   string `json:"job_guid"`
	JobSecret string `json:"job_secret,omitempty"`

	ServiceJobInfo    ServiceInfo            `json:"service_job_info,omitempty"`
	ServiceInfoByNode map[string]ServiceInfo `json:"service_info_by_node,omitempty"`
	SecretsByNode     map[string]string      `json:"secrets_by_node,omitempty"`
	RunsByBox         map[string][]string    `json:"runs_by_box,omitempty"`

	Tags Tags `json:"tags,omitempty"`

	Script   string   `json:"script,omitempty"`
	CmdLines []string `json:"cmds,omitempty"`
	HPConfig string   `json:"hp_config,omitempty"`

	CreatedAt   time.Time  `json:"create_time"`
	StartedAt   *time.Time `json:"started,omitempty"`
	CompletedAt *time.Time `json:"ended,omitempty"`
}

// NodeID is the textual node key used in secrets_by_node and service_info_by_node.
func NodeID(index int) string {
	return fmt.Sprintf("node%d", index)
}

func JobName(num int) string {
	return fmt.Sprintf("job%d", num)
}

// ParseJobNum returns N for "job<N>". Imported jobs carry a "<prefix>_" head.
func ParseJobNum(jobID string) (int, error) {
	name := jobID
	if i := strings.LastIndex(name, "_"); i >= 0 {
		name = name[i+1:]
	}
	if !strings.HasPrefix(name, "job") {
		return 0, fmt.Errorf("not a job name: %q", jobID)
	}
	n, err := strconv.Atoi(name[3:])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("not a job name: %q", jobID)
	}
	return n, nil
}

func IsJobName(name string) bool {
	_, err := ParseJobNum(name)
	return err == nil
}
