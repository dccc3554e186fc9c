package engine

import (
	"context"
	"path"
	"strings"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/query"
)

func hasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// splitSpecs flattens comma separated name lists.
func splitSpecs(specs []string) []string {
	var out []string
	for _, s := range specs {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// expandNames resolves specs against the known names. A spec is a literal
// name, a glob with a prefix ("run*", "run3.*"), or an inclusive range
// ("run3-run7", "job2-job4"). A bare "*" is rejected, and so is a literal
// name that is not known.
func expandNames(specs, known []string, kind string, num func(string) (int, error)) ([]string, error) {
	exists := make(map[string]bool, len(known))
	for _, name := range known {
		exists[name] = true
	}
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, spec := range splitSpecs(specs) {
		switch {
		case hasWildcard(spec):
			if strings.Trim(spec, "*") == "" {
				return nil, xterr.Syntax("wildcard %q needs a %s prefix", spec, kind)
			}
			if _, err := path.Match(spec, ""); err != nil {
				return nil, xterr.Syntax("bad wildcard %q", spec)
			}
			for _, name := range known {
				if ok, _ := path.Match(spec, name); ok {
					add(name)
				}
			}
		case strings.Contains(spec, "-") && !strings.Contains(spec, "_"):
			lo, hi, _ := strings.Cut(spec, "-")
			from, err := num(lo)
			if err != nil {
				return nil, xterr.Syntax("bad %s range %q", kind, spec)
			}
			to, err := num(hi)
			if err != nil || to < from {
				return nil, xterr.Syntax("bad %s range %q", kind, spec)
			}
			for _, name := range known {
				if n, err := num(name); err == nil && n >= from && n <= to {
					add(name)
				}
			}
		default:
			if !exists[spec] {
				return nil, xterr.WithSentinel(xterr.CategoryStore, xterr.ErrNotFound, "%s %s not found", kind, spec)
			}
			add(spec)
		}
	}
	return out, nil
}

// ExpandRunNames resolves run specs in a workspace.
func (e *Engine) ExpandRunNames(ctx context.Context, ws string, specs []string) ([]string, error) {
	docs, err := e.store.GetRuns(ctx, ws, query.Query{Fields: []string{"run_name"}, SortField: "run_num"})
	if err != nil {
		return nil, err
	}
	known := make([]string, 0, len(docs))
	for _, d := range docs {
		known = append(known, d.String("run_name"))
	}
	return expandNames(specs, known, "run", models.RunNum)
}

// ExpandJobNames resolves job specs across the installation.
func (e *Engine) ExpandJobNames(ctx context.Context, specs []string) ([]string, error) {
	known, err := e.store.GetJobNames(ctx, nil)
	if err != nil {
		return nil, err
	}
	return expandNames(specs, known, "job", models.ParseJobNum)
}
