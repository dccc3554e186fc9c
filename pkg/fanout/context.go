package fanout

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// ControllerBinary is the in-cluster controller started on each node when
// the controller is in use.
const ControllerBinary = "xt-supervisor"

// AfterFiles says what to upload once a run ends.
type AfterFiles struct {
	Dirs []string `json:"after_dirs,omitempty"`
	Omit []string `json:"after_omit,omitempty"`
}

// RunContext is everything the controller needs to start one run.
type RunContext struct {
	Workspace     string                 `json:"ws_name"`
	WorkingDir    string                 `json:"working_dir"`
	Experiment    string                 `json:"exper_name"`
	RunName       string                 `json:"run_name,omitempty"`
	JobID         string                 `json:"job_id"`
	Target        string                 `json:"compute"`
	NodeIndex     int                    `json:"node_index"`
	Cmd           string                 `json:"cmd"`
	StoreCreds    string                 `json:"store_creds,omitempty"`
	MongoConnStr  string                 `json:"mongo_conn_str,omitempty"`
	Env           map[string]string      `json:"env_vars,omitempty"`
	AfterFiles    AfterFiles             `json:"after_files_list"`
	HParams       map[string]interface{} `json:"hp_config,omitempty"`
	SearchType    string                 `json:"search_type,omitempty"`
	SearchStyle   string                 `json:"search_style"`
	Concurrent    int                    `json:"concurrent"`
	PrimaryMetric string                 `json:"primary_metric,omitempty"`
	Maximize      bool                   `json:"maximize_metric,omitempty"`
	Repeat        int                    `json:"repeat,omitempty"`
	OptionPrefix  string                 `json:"option_prefix,omitempty"`
	MinTrials     int                    `json:"bayesian_min_trials,omitempty"`
}

// NodeContext lists a node's runs.
type NodeContext struct {
	JobID     string       `json:"job_id"`
	NodeIndex int          `json:"node_index"`
	Runs      []RunContext `json:"runs"`
}

// MultiRunContext is the multi_run_context file stored with the snapshot.
type MultiRunContext struct {
	ContextByNodes map[string]NodeContext `json:"context_by_nodes"`
	Cmds           []string               `json:"cmds"`
	SearchStyle    string                 `json:"search_style"`
}

// Template carries the per-job fields shared by every run context.
type Template struct {
	JobID         string
	Workspace     string
	WorkingDir    string
	Experiment    string
	Target        string
	StoreCreds    []byte
	MongoConnStr  string
	Env           map[string]string
	AfterFiles    AfterFiles
	SearchType    string
	SearchStyle   string
	Concurrent    int
	PrimaryMetric string
	Maximize      bool
	// BaseCmd is what dynamic runs start from before hparams are added.
	BaseCmd      string
	OptionPrefix string
	// MinTrials is how many scored runs bayesian search waits for.
	MinTrials int
}

// BuildContext renders the multi_run_context for a plan. runNames holds the
// allocated name of each entry in plan.Runs. Dynamic plans get one template
// per node and no expanded commands; their runNames, when given, are the
// per-node parent runs.
func BuildContext(plan *Plan, runNames []string, tpl Template) (*MultiRunContext, error) {
	if plan.DynamicRuns == 0 && len(runNames) != len(plan.Runs) {
		return nil, xterr.Internal("%d run names for %d runs", len(runNames), len(plan.Runs))
	}
	if plan.DynamicRuns > 0 && len(runNames) != 0 && len(runNames) != len(plan.Nodes) {
		return nil, xterr.Internal("%d parent runs for %d nodes", len(runNames), len(plan.Nodes))
	}
	mrc := &MultiRunContext{ContextByNodes: map[string]NodeContext{}, SearchStyle: tpl.SearchStyle}
	base := RunContext{
		Workspace:     tpl.Workspace,
		WorkingDir:    tpl.WorkingDir,
		Experiment:    tpl.Experiment,
		JobID:         tpl.JobID,
		Target:        tpl.Target,
		Env:           tpl.Env,
		AfterFiles:    tpl.AfterFiles,
		SearchType:    tpl.SearchType,
		SearchStyle:   tpl.SearchStyle,
		Concurrent:    tpl.Concurrent,
		PrimaryMetric: tpl.PrimaryMetric,
		Maximize:      tpl.Maximize,
		OptionPrefix:  tpl.OptionPrefix,
		MinTrials:     tpl.MinTrials,
	}
	if len(tpl.StoreCreds) > 0 {
		base.StoreCreds = base64.StdEncoding.EncodeToString(tpl.StoreCreds)
	}
	if tpl.MongoConnStr != "" {
		base.MongoConnStr = base64.StdEncoding.EncodeToString([]byte(tpl.MongoConnStr))
	}

	for _, node := range plan.Nodes {
		nc := NodeContext{JobID: tpl.JobID, NodeIndex: node.Index}
		if plan.DynamicRuns > 0 {
			rc := base
			rc.NodeIndex = node.Index
			rc.Cmd = tpl.BaseCmd
			if len(runNames) > 0 {
				rc.RunName = runNames[node.Index]
			}
			nc.Runs = []RunContext{rc}
		}
		for _, idx := range node.Runs {
			r := plan.Runs[idx]
			rc := base
			rc.NodeIndex = node.Index
			rc.RunName = runNames[idx]
			rc.Cmd = r.Cmd
			rc.HParams = r.HParams
			rc.Repeat = r.Repeat
			nc.Runs = append(nc.Runs, rc)
		}
		mrc.ContextByNodes[node.ID] = nc
	}
	if plan.DynamicRuns == 0 {
		for _, r := range plan.Runs {
			mrc.Cmds = append(mrc.Cmds, r.Cmd)
		}
	}
	return mrc, nil
}

// Encode renders the file.
func (m *MultiRunContext) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryInternal, err, "encode multi_run_context")
	}
	return data, nil
}

// DecodeContext parses a multi_run_context file.
func DecodeContext(data []byte) (*MultiRunContext, error) {
	var m MultiRunContext
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, xterr.Wrap(xterr.CategoryStore, err, "decode multi_run_context")
	}
	if m.ContextByNodes == nil {
		m.ContextByNodes = map[string]NodeContext{}
	}
	return &m, nil
}

// NodeCommands returns the command each node executes. With the controller,
// every node runs the controller; otherwise each node's run commands pass
// through verbatim.
func NodeCommands(plan *Plan) map[string][]string {
	out := make(map[string][]string, len(plan.Nodes))
	for _, node := range plan.Nodes {
		if plan.UseController {
			out[node.ID] = []string{ControllerCommand(node.Index)}
			continue
		}
		var cmds []string
		for _, r := range plan.NodeRuns(node.Index) {
			cmds = append(cmds, r.Cmd)
		}
		out[node.ID] = cmds
	}
	return out
}

// ControllerCommand is the controller invocation for node index.
func ControllerCommand(index int) string {
	return fmt.Sprintf("%s --node-index=%d", ControllerBinary, index)
}
