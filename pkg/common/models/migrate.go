package models

// SchemaVersion is the current record layout. Workspaces below it are
// upgraded once, on first read.
const SchemaVersion = 2

var legacyRunStatus = map[string]string{
	"killed":    RunCancelled,
	"canceled":  RunCancelled,
	"failed":    RunError,
	"finished":  RunCompleted,
	"submitted": RunCreated,
}

// MigrateRunDocument upgrades an older run document in place and reports
// whether anything changed.
func MigrateRunDocument(doc Document) bool {
	changed := false
	name := doc.String("run_name")
	if _, ok := doc["run_num"]; !ok && name != "" {
		if num, err := RunNum(name); err == nil {
			doc["run_num"] = float64(num)
			changed = true
		}
	}
	if _, ok := doc["is_child"]; !ok && name != "" {
		doc["is_child"] = ParentRunName(name) != ""
		changed = true
	}
	if _, ok := doc["is_parent"]; !ok {
		doc["is_parent"] = false
		changed = true
	}
	if status, ok := legacyRunStatus[doc.String("status")]; ok {
		doc["status"] = status
		changed = true
	}
	return changed
}

// MigrateJobDocument upgrades an older job document in place.
func MigrateJobDocument(doc Document) bool {
	changed := false
	if _, ok := doc["job_num"]; !ok {
		if num, err := ParseJobNum(doc.String("job_id")); err == nil {
			doc["job_num"] = float64(num)
			changed = true
		}
	}
	if _, ok := doc["job_status"]; !ok {
		doc["job_status"] = JobSubmitted
		changed = true
	}
	return changed
}
