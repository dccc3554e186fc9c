package models

// Run statuses.
const (
	RunCreated    = "created"
	RunAllocating = "allocating"
	RunQueued     = "queued"
	RunSpawning   = "spawning"
	RunRunning    = "running"
	RunCompleted  = "completed"
	RunError      = "error"
	RunCancelled  = "cancelled"
	RunAborted    = "aborted"
	RunUnknown    = "unknown"
)

// Job statuses.
const (
	JobSubmitted  = "submitted"
	JobAllocating = "allocating"
	JobRunning    = "running"
	JobCompleted  = "completed"
)

var runRank = map[string]int{
	RunCreated:    0,
	RunAllocating: 1,
	RunQueued:     2,
	RunSpawning:   3,
	RunRunning:    4,
	RunCompleted:  5,
	RunError:      5,
	RunCancelled:  5,
	RunAborted:    5,
}

var jobRank = map[string]int{
	JobSubmitted:  0,
	JobAllocating: 1,
	JobRunning:    2,
	JobCompleted:  3,
}

// ActiveRunStatuses are the statuses wrap-up treats as still in flight.
var ActiveRunStatuses = []string{RunCreated, RunQueued, RunSpawning, RunAllocating, RunRunning}

func IsTerminalRun(status string) bool {
	return runRank[status] == 5 && status != ""
}

func IsActiveRun(status string) bool {
	for _, s := range ActiveRunStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// CanTransitionRun reports whether a run may move from one status to another.
// Statuses only move forward; a supervisor restart may put a non-terminal run
// back to queued or allocating. Unknown never overwrites a known status.
func CanTransitionRun(from, to string, restart bool) bool {
	if from == to {
		return false
	}
	toRank, ok := runRank[to]
	if !ok {
		return from == "" || from == RunUnknown
	}
	fromRank, ok := runRank[from]
	if !ok {
		return true
	}
	if IsTerminalRun(from) {
		return false
	}
	if restart && (to == RunQueued || to == RunAllocating) {
		return true
	}
	return toRank > fromRank
}

// CanTransitionJob reports whether a job may move forward from one status to another.
func CanTransitionJob(from, to string) bool {
	toRank, ok := jobRank[to]
	if !ok {
		return false
	}
	fromRank, ok := jobRank[from]
	if !ok {
		return true
	}
	return toRank > fromRank
}

// Simple statuses reported by backends.
const (
	SimpleQueued    = "queued"
	SimpleRunning   = "running"
	SimpleCompleted = "completed"
)
