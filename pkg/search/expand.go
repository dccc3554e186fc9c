package search

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Expansion is one statically enumerated run.
type Expansion struct {
	Cmd     string
	HParams map[string]interface{}
}

// ExpandStatic enumerates a sweep into run commands. Grid search yields the
// product, truncated to maxRuns when set; random search draws maxRuns points.
// Each command is cmd followed by prefix+name=value per hparam, names ascending.
func ExpandStatic(cmd string, sweep *Sweep, searchType, prefix string, maxRuns int, seed int64) ([]Expansion, error) {
	var points []map[string]interface{}
	switch strings.ToLower(searchType) {
	case TypeGrid:
		all, err := Enumerate(sweep)
		if err != nil {
			return nil, err
		}
		if maxRuns > 0 && maxRuns < len(all) {
			all = all[:maxRuns]
		}
		points = all
	case TypeRandom:
		if maxRuns < 1 {
			return nil, xterr.Combo("static random search needs a run count")
		}
		s, err := New(TypeRandom, seed)
		if err != nil {
			return nil, err
		}
		for i := 0; i < maxRuns; i++ {
			hp, err := s.Search(Context{Sweep: sweep, Index: i})
			if err != nil {
				return nil, err
			}
			points = append(points, hp)
		}
	default:
		return nil, xterr.Combo("search type %q cannot be expanded at submit time", searchType)
	}

	out := make([]Expansion, len(points))
	for i, hp := range points {
		out[i] = Expansion{Cmd: Render(cmd, hp, prefix), HParams: hp}
	}
	return out, nil
}

// Render appends hp to cmd as options.
func Render(cmd string, hp map[string]interface{}, prefix string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(cmd))
	names := make([]string, 0, len(hp))
	for k := range hp {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(" ")
		b.WriteString(prefix)
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(FormatValue(hp[name]))
	}
	return b.String()
}

// SweepFile renders the job's hp_sweeps file: a JSON array of commands for
// static search, the YAML sweep spec otherwise.
func SweepFile(style string, expansions []Expansion, sweep *Sweep) ([]byte, error) {
	if expansions != nil {
		cmds := make([]string, len(expansions))
		for i, e := range expansions {
			cmds[i] = e.Cmd
		}
		data, err := json.MarshalIndent(cmds, "", "  ")
		return data, xterr.Wrap(xterr.CategoryInternal, err, "encode sweep commands")
	}
	if sweep.Empty() {
		return nil, xterr.Internal("%s search has no sweep to write", style)
	}
	data, err := sweep.YAML()
	return data, xterr.Wrap(xterr.CategoryInternal, err, "encode sweep spec")
}
