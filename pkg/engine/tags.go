package engine

import (
	"context"
	"strings"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/query"
)

func tagSetUpdate(specs []string) (models.Update, error) {
	u := models.Update{Set: map[string]interface{}{}}
	for _, spec := range specs {
		name, value := models.ParseTag(spec)
		if name == "" || strings.Contains(name, ".") {
			return u, xterr.Syntax("bad tag %q", spec)
		}
		if value == nil {
			u.Set["tags."+name] = nil
		} else {
			u.Set["tags."+name] = *value
		}
	}
	if len(u.Set) == 0 {
		return u, xterr.Syntax("no tags given")
	}
	return u, nil
}

func tagClearUpdate(names []string) (models.Update, error) {
	var u models.Update
	for _, name := range names {
		if strings.Contains(name, "=") {
			return u, xterr.Syntax("clear takes tag names only, not %q", name)
		}
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		u.Unset = append(u.Unset, "tags."+name)
	}
	if len(u.Unset) == 0 {
		return u, xterr.Syntax("no tags given")
	}
	return u, nil
}

func (e *Engine) updateRunTags(ctx context.Context, ws string, specs []string, u models.Update) (int, error) {
	names, err := e.ExpandRunNames(ctx, ws, specs)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, nil
	}
	return e.store.UpdateRunsByFilter(ctx, ws, &query.Filter{NameField: "run_name", Names: names}, u)
}

func (e *Engine) updateJobTags(ctx context.Context, specs []string, u models.Update) (int, error) {
	ids, err := e.ExpandJobNames(ctx, specs)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := e.store.UpdateJob(ctx, id, u); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// SetRunTags writes "name=value" or flag "name" tags on runs.
func (e *Engine) SetRunTags(ctx context.Context, ws string, runs, tags []string) (int, error) {
	u, err := tagSetUpdate(tags)
	if err != nil {
		return 0, err
	}
	return e.updateRunTags(ctx, ws, runs, u)
}

func (e *Engine) ClearRunTags(ctx context.Context, ws string, runs, names []string) (int, error) {
	u, err := tagClearUpdate(names)
	if err != nil {
		return 0, err
	}
	return e.updateRunTags(ctx, ws, runs, u)
}

func (e *Engine) SetJobTags(ctx context.Context, jobs, tags []string) (int, error) {
	u, err := tagSetUpdate(tags)
	if err != nil {
		return 0, err
	}
	return e.updateJobTags(ctx, jobs, u)
}

func (e *Engine) ClearJobTags(ctx context.Context, jobs, names []string) (int, error) {
	u, err := tagClearUpdate(names)
	if err != nil {
		return 0, err
	}
	return e.updateJobTags(ctx, jobs, u)
}

// RunTags returns the tags of each named run.
func (e *Engine) RunTags(ctx context.Context, ws string, runs []string) (map[string]models.Tags, error) {
	names, err := e.ExpandRunNames(ctx, ws, runs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Tags, len(names))
	for _, name := range names {
		run, err := e.store.GetRun(ctx, ws, name)
		if err != nil {
			return nil, err
		}
		out[name] = run.Tags
	}
	return out, nil
}

// JobTags returns the tags of each named job.
func (e *Engine) JobTags(ctx context.Context, jobs []string) (map[string]models.Tags, error) {
	ids, err := e.ExpandJobNames(ctx, jobs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Tags, len(ids))
	for _, id := range ids {
		job, err := e.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = job.Tags
	}
	return out, nil
}
