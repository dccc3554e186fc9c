// Package report turns run and job records into tables. A column spec is
// "name", "name=header", "name:fmt" or "name=header:fmt"; name may be a
// wildcard such as "metrics.*" that expands against the records shown.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/query"
)

// Kind selects the column aliases of a table.
type Kind int

const (
	Runs Kind = iota
	Jobs
)

// Format symbols.
const (
	BlankIfZero = "$bz"
	DateOnly    = "$do"
	TimeOnly    = "$to"
)

// FlagTag is shown for a tag that is set without a value.
const FlagTag = "*"

const (
	dateLayout     = "2006-01-02"
	timeLayout     = "15:04:05"
	dateTimeLayout = dateLayout + " " + timeLayout
)

var DefaultRunColumns = []string{"run", "job", "created", "experiment", "queued", "target", "status", "tags.*", "metrics.*", "hparams.*", "duration"}

var DefaultJobColumns = []string{"job", "created", "started", "workspace", "experiment", "target", "nodes", "repeat", "tags.*", "runs", "status"}

var runAliases = map[string]string{
	"run":        "run_name",
	"job":        "job_id",
	"created":    "create_time",
	"experiment": "exper_name",
	"queued":     "queue_time",
	"started":    "start_time",
	"ended":      "end_time",
	"target":     "compute",
	"duration":   "run_duration",
	"workspace":  "ws_name",
	"node":       "node_index",
	"box":        "box_name",
	"user":       "username",
	"restarts":   "restarts",
	"parent":     "parent_name",
}

var jobAliases = map[string]string{
	"job":        "job_id",
	"created":    "create_time",
	"started":    "started",
	"ended":      "ended",
	"workspace":  "ws_name",
	"experiment": "exper_name",
	"target":     "compute",
	"nodes":      "node_count",
	"runs":       "run_count",
	"status":     "job_status",
	"user":       "username",
	"style":      "search_style",
	"completed":  "completed_runs",
	"errors":     "error_runs",
	"running":    "running_runs",
}

// Column is one parsed column spec.
type Column struct {
	// Name is the spec name before alias resolution.
	Name    string
	Header  string
	Formats []string
	// paths are the document paths tried in order.
	paths []string
}

// Path is the first document path the column reads.
func (c Column) Path() string {
	if len(c.paths) == 0 {
		return c.Name
	}
	return c.paths[0]
}

func (c Column) wildcard() bool {
	return strings.ContainsAny(c.Name, "*?[")
}

// ParseColumn parses one column spec.
func ParseColumn(spec string, kind Kind) (Column, error) {
	spec = strings.TrimSpace(spec)
	head, fmtPart, hasFmt := strings.Cut(spec, ":")
	name, header, renamed := strings.Cut(head, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return Column{}, xterr.Syntax("empty column in %q", spec)
	}
	c := Column{Name: name, Header: name}
	if renamed {
		if header = strings.TrimSpace(header); header == "" {
			return Column{}, xterr.Syntax("column %q renamed to nothing", spec)
		}
		c.Header = header
	}
	if hasFmt {
		for _, f := range strings.Split(fmtPart, ":") {
			if f = strings.TrimSpace(f); f != "" {
				c.Formats = append(c.Formats, f)
			}
		}
	}
	if c.wildcard() {
		if _, err := path.Match(name, ""); err != nil {
			return Column{}, xterr.Syntax("bad column wildcard %q", name)
		}
		return c, nil
	}
	aliases := runAliases
	if kind == Jobs {
		aliases = jobAliases
	}
	if p, ok := aliases[name]; ok {
		c.paths = []string{p}
	} else {
		c.paths = query.ResolvePaths(name)
	}
	return c, nil
}

// ParseColumns parses specs, falling back to defaults and then to the
// built-in column set when specs is empty.
func ParseColumns(specs, defaults []string, kind Kind) ([]Column, error) {
	if len(specs) == 0 {
		specs = defaults
	}
	if len(specs) == 0 {
		specs = DefaultRunColumns
		if kind == Jobs {
			specs = DefaultJobColumns
		}
	}
	var out []Column
	for _, s := range specs {
		for _, part := range strings.Split(s, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			c, err := ParseColumn(part, kind)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// flatten lists every dotted leaf path in doc. Maps nest; anything else is a
// leaf.
func flatten(prefix string, m map[string]interface{}, out map[string]bool) {
	for k, v := range m {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		if sub, ok := v.(map[string]interface{}); ok && len(sub) > 0 {
			flatten(p, sub, out)
			continue
		}
		out[p] = true
	}
}

// Expand replaces wildcard columns with the matching paths present in docs.
// A wildcard that matches nothing adds no column. A path named explicitly is
// not repeated by a wildcard.
func Expand(cols []Column, docs []models.Document) []Column {
	available := map[string]bool{}
	for _, d := range docs {
		flatten("", d, available)
	}
	paths := make([]string, 0, len(available))
	for p := range available {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	explicit := map[string]bool{}
	for _, c := range cols {
		if !c.wildcard() {
			explicit[c.Path()] = true
		}
	}
	seen := map[string]bool{}
	var out []Column
	for _, c := range cols {
		if !c.wildcard() {
			out = append(out, c)
			continue
		}
		fixed := strings.Count(c.Name, ".")
		for _, p := range paths {
			if strings.Count(p, ".") != fixed || seen[p] || explicit[p] {
				continue
			}
			if ok, _ := path.Match(c.Name, p); !ok {
				continue
			}
			seen[p] = true
			out = append(out, Column{
				Name:    p,
				Header:  p[strings.LastIndex(p, ".")+1:],
				Formats: c.Formats,
				paths:   []string{p},
			})
		}
	}
	return out
}

// Table is a rendered report.
type Table struct {
	Columns []Column
	Rows    [][]string
}

// Build selects columns for docs and formats every cell.
func Build(docs []models.Document, specs, defaults []string, kind Kind) (*Table, error) {
	cols, err := ParseColumns(specs, defaults, kind)
	if err != nil {
		return nil, err
	}
	cols = Expand(cols, docs)
	t := &Table{Columns: cols, Rows: make([][]string, 0, len(docs))}
	for _, d := range docs {
		row := make([]string, len(cols))
		for i, c := range cols {
			row[i] = Cell(d, c)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Cell formats one column of one record. A missing value is empty.
func Cell(d models.Document, c Column) string {
	for _, p := range c.paths {
		v, ok := d.Lookup(p)
		if !ok {
			continue
		}
		if v == nil && strings.HasPrefix(p, "tags.") {
			return FlagTag
		}
		return Format(v, c.Formats)
	}
	return ""
}

// Format renders v. Formats apply in order: a symbol ($bz, $do, $to) or a
// printf verb without its percent sign (".3f", "5d", "s").
func Format(v interface{}, formats []string) string {
	if v == nil {
		return ""
	}
	verb := ""
	var symbols []string
	for _, f := range formats {
		if strings.HasPrefix(f, "$") {
			symbols = append(symbols, f)
		} else {
			verb = f
		}
	}
	for _, s := range symbols {
		switch s {
		case BlankIfZero:
			if isZero(v) {
				return ""
			}
		case DateOnly, TimeOnly:
			if t, ok := asTime(v); ok {
				if s == DateOnly {
					return t.Format(dateLayout)
				}
				return t.Format(timeLayout)
			}
		}
	}
	if verb != "" {
		return applyVerb(v, verb)
	}
	return plain(v)
}

func isZero(v interface{}) bool {
	switch x := v.(type) {
	case float64:
		return x == 0
	case int:
		return x == 0
	case string:
		return x == "" || x == "0"
	case bool:
		return !x
	}
	return false
}

func asTime(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.Local(), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, false
		}
		return t.Local(), true
	}
	return time.Time{}, false
}

func applyVerb(v interface{}, verb string) string {
	spec := "%" + verb
	switch verb[len(verb)-1] {
	case 'd', 'x', 'o', 'b':
		if f, ok := v.(float64); ok {
			return fmt.Sprintf(spec, int64(math.Round(f)))
		}
	case 'f', 'e', 'g', 'E', 'G':
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return fmt.Sprintf(spec, f)
			}
			return s
		}
	case 's':
		return fmt.Sprintf(spec, plain(v))
	}
	return fmt.Sprintf(spec, v)
}

func plain(v interface{}) string {
	switch x := v.(type) {
	case string:
		if t, ok := asTime(x); ok {
			return t.Format(dateTimeLayout)
		}
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', 6, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Local().Format(dateTimeLayout)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Write renders the table as aligned text.
func (t *Table) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	headers := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		headers[i] = c.Header
	}
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range t.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// WriteJSON renders one object per row keyed by column header.
func (t *Table) WriteJSON(w io.Writer) error {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		obj := make(map[string]string, len(row))
		for i, c := range t.Columns {
			obj[c.Header] = row[i]
		}
		out = append(out, obj)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
