package supervisor

import (
	"strings"
)

// RPC method names.
const (
	MethodGetRuns              = "get_runs"
	MethodCancelRun            = "cancel_run"
	MethodCancelRunsByProperty = "cancel_runs_by_property"
	MethodGetStatusOfRuns      = "get_status_of_runs"
	MethodGetIPAddr            = "get_ip_addr"
	MethodGetConcurrent        = "get_concurrent"
	MethodSetConcurrent        = "set_concurrent"
	MethodElapsedTime          = "elapsed_time"
	MethodXTVersion            = "xt_version"
	MethodControllerLog        = "controller_log"
	MethodRestartController    = "restart_controller"
)

// Version is reported by xt_version.
const Version = "1.0.0"

// RunNamesSep joins run names in get_status_of_runs.
const RunNamesSep = "^"

// Stage flags of get_runs.
const (
	StageQueued    = "queued"
	StageActive    = "active"
	StageCompleted = "completed"
)

// Stages selects runs by lifecycle stage.
type Stages struct {
	Queued    bool
	Active    bool
	Completed bool
}

// ParseStages reads a comma list such as "queued,active". Empty or "all"
// selects every stage.
func ParseStages(flags string) Stages {
	flags = strings.TrimSpace(flags)
	if flags == "" || flags == "all" {
		return Stages{Queued: true, Active: true, Completed: true}
	}
	var s Stages
	for _, f := range strings.Split(flags, ",") {
		switch strings.TrimSpace(f) {
		case StageQueued:
			s.Queued = true
		case StageActive:
			s.Active = true
		case StageCompleted:
			s.Completed = true
		}
	}
	return s
}

// RunInfo is one run as the controller sees it.
type RunInfo struct {
	Workspace string  `json:"ws"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Elapsed   float64 `json:"elapsed"`
	ExitCode  *int    `json:"exit_code,omitempty"`
}

// RunCancel is the result of cancelling one run.
type RunCancel struct {
	Workspace string `json:"ws"`
	RunName   string `json:"run_name"`
	Status    string `json:"status"`
	Cancelled bool   `json:"cancelled"`
}

// Request bodies.

type getRunsArgs struct {
	StageFlags string `json:"stage_flags"`
	Workspace  string `json:"ws,omitempty"`
	RunName    string `json:"run_name,omitempty"`
}

type cancelRunArgs struct {
	RunNames []string `json:"run_names"`
}

type cancelByPropertyArgs struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type statusOfRunsArgs struct {
	Workspace   string `json:"ws"`
	NamesJoined string `json:"names_joined"`
}

type setConcurrentArgs struct {
	Concurrent int `json:"concurrent"`
}

type restartArgs struct {
	DelaySeconds float64 `json:"delay_seconds"`
}

// response wraps every RPC result.
type response struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}
