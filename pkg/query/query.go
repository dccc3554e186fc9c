package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xt-ml/xt/pkg/common/models"
)

// DefaultLast is the row limit used when neither first nor last is given.
const DefaultLast = 10

// Query is a filter plus projection, sort and limit.
type Query struct {
	Filter     *Filter
	Fields     []string
	SortField  string
	Descending bool
	First      int
	Last       int
}

// Limits resolves the first/last pair. First wins when both are set;
// all disables the default.
func Limits(first, last int, all bool) (int, int) {
	switch {
	case all:
		return 0, 0
	case first > 0:
		return first, 0
	case last > 0:
		return 0, last
	}
	return 0, DefaultLast
}

// Apply filters, sorts, limits and projects docs. The input slice is not
// modified. Last is served by sorting in the reverse direction, taking the
// head and reversing it back.
func Apply(docs []models.Document, q Query) []models.Document {
	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		if q.Filter.Match(d) {
			out = append(out, d)
		}
	}

	descending := q.Descending
	reverse := q.First <= 0 && q.Last > 0
	if reverse {
		descending = !descending
	}
	if q.SortField != "" {
		Sort(out, q.SortField, descending)
	} else if reverse {
		reverseDocs(out)
	}

	limit := q.First
	if reverse {
		limit = q.Last
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if reverse {
		reverseDocs(out)
	}

	if len(q.Fields) > 0 {
		for i, d := range out {
			out[i] = d.Project(q.Fields)
		}
	}
	return out
}

// Sort orders docs by a field in place. Missing and null values sort lowest.
func Sort(docs []models.Document, field string, descending bool) {
	paths := resolvePaths(field)
	sort.SliceStable(docs, func(i, j int) bool {
		a, _ := lookup(docs[i], paths)
		b, _ := lookup(docs[j], paths)
		c := CompareValues(a, b)
		if descending {
			return c > 0
		}
		return c < 0
	})
}

func reverseDocs(docs []models.Document) {
	for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
		docs[i], docs[j] = docs[j], docs[i]
	}
}

// typeRank follows document-store ordering: null, numbers, strings,
// objects, arrays, bools.
func typeRank(v interface{}) int {
	if v == nil {
		return 0
	}
	if _, ok := toFloat(v); ok {
		return 1
	}
	switch v.(type) {
	case string:
		return 2
	case map[string]interface{}, models.Document:
		return 3
	case []interface{}:
		return 4
	case bool:
		return 5
	}
	return 6
}

// CompareValues orders two arbitrary document values.
func CompareValues(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if c, ok := compareSameKind(a, b); ok {
		return c
	}
	return strings.Compare(stringOf(a), stringOf(b))
}

func stringOf(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
