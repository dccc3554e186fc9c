package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

var (
	jobsSubmitted   atomic.Int64
	submitFailures  atomic.Int64
	runsCreated     atomic.Int64
	runsCancelled   atomic.Int64
	runsWrappedUp   atomic.Int64
	backendErrors   atomic.Int64
	supervisorCalls atomic.Int64
	supervisorDeny  atomic.Int64
	dynamicRunsLeft atomic.Int64
)

func JobSubmitted(runs int) {
	jobsSubmitted.Add(1)
	runsCreated.Add(int64(runs))
}

func SubmitFailed()            { submitFailures.Add(1) }
func RunsCancelled(n int)      { runsCancelled.Add(int64(n)) }
func RunsWrappedUp(n int)      { runsWrappedUp.Add(int64(n)) }
func BackendError()            { backendErrors.Add(1) }
func ObserveDynamicRuns(n int) { dynamicRunsLeft.Store(int64(n)) }

func SupervisorCall(ok bool) {
	supervisorCalls.Add(1)
	if !ok {
		supervisorDeny.Add(1)
	}
}

// Snapshot returns the current counter values by metric name.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"xt_jobs_submitted_total":          jobsSubmitted.Load(),
		"xt_submit_failures_total":         submitFailures.Load(),
		"xt_runs_created_total":            runsCreated.Load(),
		"xt_runs_cancelled_total":          runsCancelled.Load(),
		"xt_runs_wrapped_up_total":         runsWrappedUp.Load(),
		"xt_backend_errors_total":          backendErrors.Load(),
		"xt_supervisor_calls_total":        supervisorCalls.Load(),
		"xt_supervisor_unauthorized_total": supervisorDeny.Load(),
		"xt_dynamic_runs_remaining":        dynamicRunsLeft.Load(),
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeText(w)
}

func writeText(w io.Writer) {
	counter(w, "xt_jobs_submitted_total", "Jobs handed to a compute backend.", jobsSubmitted.Load())
	counter(w, "xt_submit_failures_total", "Submits that failed after the job record was written.", submitFailures.Load())
	counter(w, "xt_runs_created_total", "Run records created by submits.", runsCreated.Load())
	counter(w, "xt_runs_cancelled_total", "Runs written as cancelled by cancel or wrap-up.", runsCancelled.Load())
	counter(w, "xt_runs_wrapped_up_total", "Non-terminal runs finalized by wrap-up.", runsWrappedUp.Load())
	counter(w, "xt_backend_errors_total", "Backend calls that returned an error.", backendErrors.Load())
	counter(w, "xt_supervisor_calls_total", "Supervisor RPC calls served.", supervisorCalls.Load())
	counter(w, "xt_supervisor_unauthorized_total", "Supervisor RPC calls rejected for a bad box secret.", supervisorDeny.Load())

	fmt.Fprintf(w, "# HELP xt_dynamic_runs_remaining Dynamic runs left for the job this process serves.\n")
	fmt.Fprintf(w, "# TYPE xt_dynamic_runs_remaining gauge\n")
	fmt.Fprintf(w, "xt_dynamic_runs_remaining %d\n", dynamicRunsLeft.Load())
}

func counter(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
