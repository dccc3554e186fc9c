package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const childRunFactor = 1000000

type Run struct {
	RunName     string `json:"run_name"`
	RunNum      int    `json:"run_num"`
	Workspace   string `json:"ws_name"`
	JobID       string `json:"job_id"`
	NodeIndex   int    `json:"node_index"`
	BoxName     string `json:"box_name"`
	Experiment  string `json:"exper_name"`
	Username    string `json:"username"`
	Compute     string `json:"compute"`
	ServiceType string `json:"service_type"`
	SKU         string `json:"sku,omitempty"`

	Status        string     `json:"status"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	CreatedAt     time.Time  `json:"create_time"`
	QueuedAt      *time.Time `json:"queue_time,omitempty"`
	StartedAt     *time.Time `json:"start_time,omitempty"`
	EndedAt       *time.Time `json:"end_time,omitempty"`
	RunDuration   float64    `json:"run_duration,omitempty"`
	QueueDuration float64    `json:"queue_duration,omitempty"`
	Restarts      int        `json:"restarts"`

	IsParent bool   `json:"is_parent"`
	IsChild  bool   `json:"is_child"`
	IsOuter  bool   `json:"is_outer"`
	Parent   string `json:"parent_name,omitempty"`

	HParams     map[string]interface{} `json:"hparams,omitempty"`
	Metrics     map[string]float64     `json:"metrics,omitempty"`
	MetricNames []string               `json:"metric_names,omitempty"`
	Tags        Tags                   `json:"tags,omitempty"`

	Path        string `json:"path,omitempty"`
	Script      string `json:"script,omitempty"`
	CmdLine     string `json:"cmd_line,omitempty"`
	SearchType  string `json:"search_type,omitempty"`
	SearchStyle string `json:"search_style,omitempty"`

	LogRecords []LogRecord `json:"log_records,omitempty"`
}

func RunName(num int) string {
	return fmt.Sprintf("run%d", num)
}

func ChildRunName(parent, child int) string {
	return fmt.Sprintf("run%d.%d", parent, child)
}

// RunNum computes the integer sort key for a run name: parent*10^6 + child.
func RunNum(name string) (int, error) {
	parent, child, err := ParseRunName(name)
	if err != nil {
		return 0, err
	}
	return parent*childRunFactor + child, nil
}

// ParseRunName splits "run<P>" or "run<P>.<C>". Child is 0 for a top-level run.
func ParseRunName(name string) (parent, child int, err error) {
	if !strings.HasPrefix(name, "run") {
		return 0, 0, fmt.Errorf("not a run name: %q", name)
	}
	body := name[3:]
	head, tail, hasChild := strings.Cut(body, ".")
	parent, err = strconv.Atoi(head)
	if err != nil || parent < 0 {
		return 0, 0, fmt.Errorf("not a run name: %q", name)
	}
	if hasChild {
		child, err = strconv.Atoi(tail)
		if err != nil || child <= 0 {
			return 0, 0, fmt.Errorf("not a run name: %q", name)
		}
	}
	return parent, child, nil
}

func IsRunName(name string) bool {
	_, _, err := ParseRunName(name)
	return err == nil
}

// ParentRunName returns "run<P>" for a child name and "" for a top-level one.
func ParentRunName(name string) string {
	head, _, ok := strings.Cut(name, ".")
	if !ok {
		return ""
	}
	return head
}
