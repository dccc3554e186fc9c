package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Operators understood by property filters.
const (
	OpEq     = "="
	OpNe     = "!="
	OpLt     = "<"
	OpLe     = "<="
	OpGt     = ">"
	OpGe     = ">="
	OpRegex  = ":regex:"
	OpExists = ":exists:"
	OpMongo  = ":mongo:"
)

// Special filter values.
const (
	ValueNone   = "$none"
	ValueEmpty  = "$empty"
	ValueTrue   = "$true"
	ValueFalse  = "$false"
	ValueExists = "$exists"
)

// operators is ordered longest first so "<=" is preferred over "<" at the
// same position.
var operators = []string{OpRegex, OpExists, OpMongo, "<>", "==", OpLe, OpGe, OpNe, OpEq, OpLt, OpGt}

var aliases = map[string]string{
	"user":      "username",
	"exper":     "exper_name",
	"target":    "compute",
	"workspace": "ws_name",
	"ws":        "ws_name",
	"job":       "job_id",
	"run":       "run_name",
	"service":   "service_type",
}

// knownFields are top-level record fields. Any other bare name is looked up
// under metrics, hparams and tags in that order.
var knownFields = map[string]bool{
	"run_name": true, "run_num": true, "ws_name": true, "job_id": true, "job_num": true,
	"node_index": true, "box_name": true, "exper_name": true, "username": true,
	"compute": true, "service_type": true, "sku": true, "status": true, "exit_code": true,
	"create_time": true, "queue_time": true, "start_time": true, "end_time": true,
	"run_duration": true, "queue_duration": true, "restarts": true, "is_parent": true,
	"is_child": true, "is_outer": true, "parent_name": true, "path": true, "script": true,
	"cmd_line": true, "search_type": true, "search_style": true, "job_status": true,
	"run_count": true, "node_count": true, "schedule": true, "concurrent": true,
	"repeat": true, "running_nodes": true, "running_runs": true, "error_runs": true,
	"completed_runs": true, "dynamic_runs_remaining": true, "primary_metric": true,
	"job_guid": true, "started": true, "ended": true, "hparams": true, "metrics": true,
	"tags": true, "pool_info": true,
}

// Clause is one "<prop> <op> <value>" property filter.
type Clause struct {
	Field    string
	Operator string
	Value    interface{}
	Raw      string

	paths []string
	re    *regexp.Regexp
	mongo *mongoExpr
}

// Filter selects job or run documents. All non-empty parts must match.
type Filter struct {
	NameField string
	Names     []string

	Workspace  string
	Experiment string
	Target     string
	Service    string
	Username   string

	Clauses []Clause
	TagsAll []string
	TagsAny []string
}

// Options are the user-facing filter inputs of list, export and tag commands.
type Options struct {
	NameField  string
	Names      []string
	Workspace  string
	Experiment string
	Target     string
	Service    string
	Username   string
	Props      []string
	TagsAll    []string
	TagsAny    []string
}

// Build parses every property expression in opts.
func Build(opts Options) (*Filter, error) {
	f := &Filter{
		NameField:  opts.NameField,
		Names:      opts.Names,
		Workspace:  opts.Workspace,
		Experiment: opts.Experiment,
		Target:     opts.Target,
		Service:    opts.Service,
		Username:   opts.Username,
		TagsAll:    opts.TagsAll,
		TagsAny:    opts.TagsAny,
	}
	for _, expr := range opts.Props {
		clause, err := ParseClause(expr)
		if err != nil {
			return nil, err
		}
		f.Clauses = append(f.Clauses, clause)
	}
	return f, nil
}

// ParseClause parses an expression such as "acc>=.7" or "tags.best = $exists".
func ParseClause(expr string) (Clause, error) {
	expr = strings.TrimSpace(expr)
	pos, op := findOperator(expr)
	if pos <= 0 {
		return Clause{}, xterr.Syntax("filter %q must have the form <prop> <op> <value>", expr)
	}
	field := strings.TrimSpace(expr[:pos])
	raw := strings.TrimSpace(expr[pos+len(op):])
	switch op {
	case "==":
		op = OpEq
	case "<>":
		op = OpNe
	}

	c := Clause{Field: field, Operator: op, Raw: raw, paths: resolvePaths(field)}
	switch op {
	case OpRegex:
		re, err := regexp.Compile(unquote(raw))
		if err != nil {
			return Clause{}, xterr.Syntax("bad regex in filter %q: %v", expr, err)
		}
		c.re = re
		c.Value = re.String()
	case OpMongo:
		m, err := parseMongo(raw)
		if err != nil {
			return Clause{}, xterr.Syntax("bad :mongo: value in filter %q: %v", expr, err)
		}
		c.mongo = m
		c.Value = raw
	case OpExists:
		b, err := parseBool(raw)
		if err != nil {
			return Clause{}, xterr.Syntax("filter %q: :exists: takes true or false", expr)
		}
		c.Value = b
	default:
		if raw == "" {
			return Clause{}, xterr.Syntax("filter %q is missing a value", expr)
		}
		c.Value = ParseValue(raw)
	}
	return c, nil
}

func findOperator(expr string) (int, string) {
	for i := 0; i < len(expr); i++ {
		for _, op := range operators {
			if strings.HasPrefix(expr[i:], op) {
				return i, op
			}
		}
	}
	return -1, ""
}

// exists is a marker value for "$exists".
type exists struct{}

// none is a marker value for "$none".
type none struct{}

// ParseValue converts a filter literal into a typed value.
func ParseValue(raw string) interface{} {
	switch raw {
	case ValueNone:
		return none{}
	case ValueEmpty:
		return ""
	case ValueTrue:
		return true
	case ValueFalse:
		return false
	case ValueExists:
		return exists{}
	}
	if q := unquote(raw); q != raw {
		return q
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", ValueTrue, "1", "yes":
		return true, nil
	case "false", ValueFalse, "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("not a bool: %q", s)
}

// resolvePaths returns the document paths a property name may refer to.
func resolvePaths(field string) []string {
	if alias, ok := aliases[field]; ok {
		field = alias
	}
	if strings.Contains(field, ".") || knownFields[field] {
		return []string{field}
	}
	return []string{"metrics." + field, "hparams." + field, "tags." + field, field}
}

// ResolvePaths is exported for sort and column resolution.
func ResolvePaths(field string) []string {
	return resolvePaths(field)
}

// lookup resolves the first present candidate path.
func lookup(doc models.Document, paths []string) (interface{}, bool) {
	for _, p := range paths {
		if v, ok := doc.Lookup(p); ok {
			return v, true
		}
	}
	return nil, false
}

// Match reports whether doc satisfies every part of the filter.
func (f *Filter) Match(doc models.Document) bool {
	if f == nil {
		return true
	}
	if len(f.Names) > 0 {
		field := f.NameField
		if field == "" {
			field = "run_name"
		}
		name := doc.String(field)
		found := false
		for _, n := range f.Names {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for field, want := range map[string]string{
		"ws_name":      f.Workspace,
		"exper_name":   f.Experiment,
		"compute":      f.Target,
		"service_type": f.Service,
		"username":     f.Username,
	} {
		if want != "" && doc.String(field) != want {
			return false
		}
	}
	for _, c := range f.Clauses {
		if !c.Match(doc) {
			return false
		}
	}
	for _, tag := range f.TagsAll {
		if _, ok := doc.Lookup("tags." + tag); !ok {
			return false
		}
	}
	if len(f.TagsAny) > 0 {
		matched := false
		for _, tag := range f.TagsAny {
			if _, ok := doc.Lookup("tags." + tag); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Match evaluates one clause.
func (c Clause) Match(doc models.Document) bool {
	v, present := lookup(doc, c.paths)
	if present && v == nil && c.Operator != OpExists && !strings.HasPrefix(c.pathFor(doc), "tags.") {
		present = false
	}

	switch c.Operator {
	case OpExists:
		return present == c.Value.(bool)
	case OpRegex:
		s, ok := v.(string)
		return present && ok && c.re.MatchString(s)
	case OpMongo:
		return c.mongo.match(doc)
	}

	switch c.Value.(type) {
	case none:
		switch c.Operator {
		case OpEq:
			return !present
		case OpNe:
			return present
		}
		return false
	case exists:
		switch c.Operator {
		case OpEq:
			return present
		case OpNe:
			return !present
		}
		return false
	}

	if !present {
		return c.Operator == OpNe
	}
	switch c.Operator {
	case OpEq:
		return equalValues(v, c.Value)
	case OpNe:
		return !equalValues(v, c.Value)
	}
	cmp, ok := compareSameKind(v, c.Value)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

func (c Clause) pathFor(doc models.Document) string {
	for _, p := range c.paths {
		if _, ok := doc.Lookup(p); ok {
			return p
		}
	}
	return ""
}

func equalValues(a, b interface{}) bool {
	if cmp, ok := compareSameKind(a, b); ok {
		return cmp == 0
	}
	if fa, ok := toFloat(a); ok {
		if s, ok := b.(string); ok {
			if fb, err := strconv.ParseFloat(s, 64); err == nil {
				return fa == fb
			}
		}
	}
	if s, ok := a.(string); ok {
		return s == fmt.Sprint(b)
	}
	return false
}

// compareSameKind compares two numbers, two strings or two bools.
func compareSameKind(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		}
		return 1, true
	}
	return 0, false
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
	case int32:
		return float64(n), true
	}
	return 0, false
}
