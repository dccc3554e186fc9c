// Package runlog derives metric sets and summaries from run log records.
package runlog

import (
	"sort"
	"strconv"
	"strings"

	"github.com/xt-ml/xt/pkg/common/models"
)

// DefaultStepName is the metric that orders records within a run.
const DefaultStepName = "step"

// MetricSet is every metrics record sharing one key tuple, in log order.
type MetricSet struct {
	Keys    []string                 `json:"keys"`
	Records []map[string]interface{} `json:"records"`
}

// MetricRecords extracts the data of metrics events in log order.
func MetricRecords(records []models.LogRecord) []map[string]interface{} {
	var out []map[string]interface{}
	for _, rec := range records {
		if rec.Event != models.EventMetrics || len(rec.Data) == 0 {
			continue
		}
		cp := make(map[string]interface{}, len(rec.Data))
		for k, v := range rec.Data {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// MergeByStep folds records that report the same step into one record, in
// order of the step's first appearance. Records without a step pass through.
func MergeByStep(records []map[string]interface{}, stepName string) []map[string]interface{} {
	if stepName == "" {
		stepName = DefaultStepName
	}
	var out []map[string]interface{}
	index := map[string]int{}
	for _, rec := range records {
		step, ok := rec[stepName]
		if !ok {
			out = append(out, rec)
			continue
		}
		key := models.Normalize(step)
		k := stepKey(key)
		if i, seen := index[k]; seen {
			for name, v := range rec {
				out[i][name] = v
			}
			continue
		}
		index[k] = len(out)
		cp := make(map[string]interface{}, len(rec))
		for name, v := range rec {
			cp[name] = v
		}
		out = append(out, cp)
	}
	return out
}

func stepKey(v interface{}) string {
	switch s := v.(type) {
	case string:
		return "s:" + s
	case float64:
		return "n:" + strconv.FormatFloat(s, 'g', -1, 64)
	}
	return "x"
}

// GroupByKeys splits records into metric sets keyed by their sorted key
// tuple. Sets appear in order of first use; records keep log order.
func GroupByKeys(records []map[string]interface{}) []MetricSet {
	var sets []MetricSet
	index := map[string]int{}
	for _, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tuple := strings.Join(keys, "\x00")
		i, ok := index[tuple]
		if !ok {
			i = len(sets)
			index[tuple] = i
			sets = append(sets, MetricSet{Keys: keys})
		}
		sets[i].Records = append(sets[i].Records, rec)
	}
	return sets
}

// MetricSets merges a run's metrics records by step and groups them.
func MetricSets(records []models.LogRecord, stepName string) []MetricSet {
	return GroupByKeys(MergeByStep(MetricRecords(records), stepName))
}

// LastMetrics returns the latest numeric value of every metric and the
// metric names in first-reported order.
func LastMetrics(records []models.LogRecord) (map[string]float64, []string) {
	last := map[string]float64{}
	var names []string
	for _, rec := range MetricRecords(records) {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			f, ok := toFloat(rec[k])
			if !ok {
				continue
			}
			if _, seen := last[k]; !seen {
				names = append(names, k)
			}
			last[k] = f
		}
	}
	return last, names
}

// BestMetric scans metrics records for the best value of name.
func BestMetric(records []models.LogRecord, name string, maximize bool) (float64, bool) {
	best, found := 0.0, false
	for _, rec := range MetricRecords(records) {
		f, ok := toFloat(rec[name])
		if !ok {
			continue
		}
		if !found || (maximize && f > best) || (!maximize && f < best) {
			best, found = f, true
		}
	}
	return best, found
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
