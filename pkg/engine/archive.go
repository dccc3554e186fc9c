package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/events"
	"github.com/xt-ml/xt/pkg/query"
	"github.com/xt-ml/xt/pkg/snapshot"
	"github.com/xt-ml/xt/pkg/supervisor"
)

// Archive layout.
const (
	ArchiveVersion = "1"
	ContentsName   = "contents.json"
	jobDocName     = "mongo_job.json"
	runDocName     = "mongo_run.json"
)

type ArchiveJob struct {
	JobID     string   `json:"job_id"`
	Workspace string   `json:"workspace"`
	Runs      []string `json:"runs"`
}

// ArchiveContents is contents.json.
type ArchiveContents struct {
	ArchiveVersion string       `json:"archive_version"`
	XTBuild        string       `json:"xt_build"`
	User           string       `json:"user"`
	ExportDate     time.Time    `json:"export_date"`
	StorageName    string       `json:"storage_name"`
	MongoName      string       `json:"mongo_name"`
	Workspaces     []string     `json:"workspaces"`
	Jobs           []ArchiveJob `json:"jobs"`
}

// ExportOptions selects the jobs to export. With no job names every job
// matching the other fields is taken.
type ExportOptions struct {
	Workspace  string
	Jobs       []string
	Experiment string
	TagsAll    []string
	TagsAny    []string
}

type exportJob struct {
	doc  models.Document
	runs []models.Document
}

// ExportWorkspace writes the selected jobs, their runs and all their blobs to
// w as a zip archive. The jobs must share one workspace.
func (e *Engine) ExportWorkspace(ctx context.Context, opts ExportOptions, w io.Writer) (*ArchiveContents, error) {
	var names []string
	if len(opts.Jobs) > 0 {
		var err error
		if names, err = e.ExpandJobNames(ctx, opts.Jobs); err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, xterr.Syntax("no jobs match %v", opts.Jobs)
		}
	}
	f, err := query.Build(query.Options{
		NameField:  "job_id",
		Names:      names,
		Workspace:  opts.Workspace,
		Experiment: opts.Experiment,
		TagsAll:    opts.TagsAll,
		TagsAny:    opts.TagsAny,
	})
	if err != nil {
		return nil, err
	}
	jobDocs, err := e.store.GetJobs(ctx, query.Query{Filter: f, SortField: "job_num"})
	if err != nil {
		return nil, err
	}

	contents := &ArchiveContents{
		ArchiveVersion: ArchiveVersion,
		XTBuild:        supervisor.Version,
		User:           e.username(),
		ExportDate:     time.Now().UTC(),
		StorageName:    e.infra.BlobStore,
		MongoName:      e.infra.RecordStore,
		Jobs:           []ArchiveJob{},
	}
	wsSet := map[string]bool{}
	for _, d := range jobDocs {
		wsSet[d.String("ws_name")] = true
	}
	if opts.Workspace != "" {
		wsSet[opts.Workspace] = true
	}
	for ws := range wsSet {
		contents.Workspaces = append(contents.Workspaces, ws)
	}
	sort.Strings(contents.Workspaces)
	if len(contents.Workspaces) > 1 {
		return nil, xterr.WithSentinel(xterr.CategoryCombo, xterr.ErrMixedWorkspaces,
			"selected jobs span workspaces %s", strings.Join(contents.Workspaces, ", "))
	}
	if len(contents.Workspaces) == 0 {
		return nil, xterr.Syntax("nothing to export")
	}
	ws := contents.Workspaces[0]

	var jobs []exportJob
	for _, d := range jobDocs {
		job, err := e.store.GetJob(ctx, d.String("job_id"))
		if err != nil {
			return nil, err
		}
		runs, err := e.jobRuns(ctx, job)
		if err != nil {
			return nil, err
		}
		aj := ArchiveJob{JobID: job.JobID, Workspace: ws, Runs: []string{}}
		for _, r := range runs {
			aj.Runs = append(aj.Runs, r.String("run_name"))
		}
		contents.Jobs = append(contents.Jobs, aj)
		jobs = append(jobs, exportJob{doc: d, runs: runs})
	}

	zw := snapshot.NewZipWriter(w, flate.DefaultCompression)
	if err := writeZipJSON(zw, ContentsName, contents); err != nil {
		return nil, err
	}
	for _, j := range jobs {
		id := j.doc.String("job_id")
		if err := writeZipJSON(zw, path.Join("mongo/jobs", id, jobDocName), j.doc); err != nil {
			return nil, err
		}
		if err := e.zipBlobs(ctx, zw, blobstore.JobPath(id), path.Join("storage/jobs", id)); err != nil {
			return nil, err
		}
		for _, r := range j.runs {
			run := r.String("run_name")
			if err := writeZipJSON(zw, path.Join("mongo/workspaces", ws, "runs", run, runDocName), r); err != nil {
				return nil, err
			}
			if err := e.zipBlobs(ctx, zw, blobstore.RunPath(ws, run), path.Join("storage/workspaces", ws, "runs", run)); err != nil {
				return nil, err
			}
		}
	}
	if err := zw.Close(); err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "finish archive")
	}
	e.log.WithFields(logrus.Fields{"ws": ws, "jobs": len(jobs)}).Info("workspace exported")
	return contents, nil
}

func writeZipJSON(zw *zip.Writer, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return xterr.Wrap(xterr.CategoryInternal, err, "encode "+name)
	}
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Now()})
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "add "+name)
	}
	_, err = fw.Write(data)
	return xterr.Wrap(xterr.CategoryEnv, err, "write "+name)
}

func (e *Engine) zipBlobs(ctx context.Context, zw *zip.Writer, prefix, dir string) error {
	objs, err := e.blobs.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, o := range objs {
		rel, ok := blobstore.Rel(prefix, o.Path)
		if !ok || rel == "" {
			continue
		}
		name := path.Join(dir, rel)
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: o.Modified})
		if err != nil {
			return xterr.Wrap(xterr.CategoryEnv, err, "add "+name)
		}
		if err := e.blobs.Download(ctx, o.Path, fw); err != nil {
			return err
		}
	}
	return nil
}

type ImportOptions struct {
	// Workspace is the new workspace; empty keeps the archived name.
	Workspace string
	// JobPrefix renames each job to "<prefix>_<job id>".
	JobPrefix string
	Overwrite bool
}

type ImportResult struct {
	Workspace string            `json:"ws_name"`
	Jobs      map[string]string `json:"jobs"`
	Runs      int               `json:"runs"`
	Blobs     int               `json:"blobs"`
	NextRun   int               `json:"next_run"`
	NextJob   int               `json:"next_job"`
}

// ImportWorkspace restores an archive into a new workspace. Name collisions
// are checked before anything is written; a failure midway leaves a partial
// workspace for the caller to delete.
func (e *Engine) ImportWorkspace(ctx context.Context, r io.ReaderAt, size int64, opts ImportOptions) (*ImportResult, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "open archive")
	}
	var contents ArchiveContents
	if err := readZipJSON(zr, ContentsName, &contents); err != nil {
		return nil, err
	}
	if len(contents.Workspaces) != 1 {
		return nil, xterr.WithSentinel(xterr.CategoryCombo, xterr.ErrMixedWorkspaces,
			"archive holds %d workspaces", len(contents.Workspaces))
	}
	oldWS := contents.Workspaces[0]
	ws := opts.Workspace
	if ws == "" {
		ws = oldWS
	}
	rename := func(id string) string {
		if opts.JobPrefix == "" {
			return id
		}
		return opts.JobPrefix + "_" + id
	}

	exists, err := e.store.WorkspaceExists(ctx, ws)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, xterr.WithSentinel(xterr.CategoryStore, xterr.ErrAlreadyExists, "workspace %q already exists", ws)
	}
	res := &ImportResult{Workspace: ws, Jobs: map[string]string{}}
	for _, j := range contents.Jobs {
		newID := rename(j.JobID)
		res.Jobs[j.JobID] = newID
		if opts.Overwrite {
			continue
		}
		_, err := e.store.GetJob(ctx, newID)
		switch {
		case err == nil:
			return nil, xterr.WithSentinel(xterr.CategoryStore, xterr.ErrNameCollision, "job %q already exists", newID)
		case !errors.Is(err, xterr.ErrNotFound):
			return nil, err
		}
	}

	if err := e.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	maxRun, maxJob := 0, 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || f.Name == ContentsName {
			continue
		}
		parts := strings.Split(path.Clean(f.Name), "/")
		switch {
		case len(parts) == 4 && parts[0] == "mongo" && parts[1] == "jobs" && parts[3] == jobDocName:
			var doc models.Document
			if err := readZipFile(f, &doc); err != nil {
				return nil, err
			}
			if n := doc.Int("job_num"); n > maxJob {
				maxJob = n
			}
			doc["job_id"] = rename(parts[2])
			doc["ws_name"] = ws
			if err := e.store.PutJobDocument(ctx, doc, opts.Overwrite); err != nil {
				return nil, err
			}

		case len(parts) == 6 && parts[0] == "mongo" && parts[1] == "workspaces" && parts[3] == "runs" && parts[5] == runDocName:
			var doc models.Document
			if err := readZipFile(f, &doc); err != nil {
				return nil, err
			}
			if p, _, err := models.ParseRunName(parts[4]); err == nil && p > maxRun {
				maxRun = p
			}
			doc["ws_name"] = ws
			if id := doc.String("job_id"); id != "" {
				doc["job_id"] = rename(id)
			}
			if err := e.store.PutRunDocument(ctx, ws, doc, opts.Overwrite); err != nil {
				return nil, err
			}
			res.Runs++

		case len(parts) > 3 && parts[0] == "storage" && parts[1] == "jobs":
			if err := e.unzipBlob(ctx, f, blobstore.JobPath(rename(parts[2]), parts[3:]...)); err != nil {
				return nil, err
			}
			res.Blobs++

		case len(parts) > 5 && parts[0] == "storage" && parts[1] == "workspaces" && parts[3] == "runs":
			if err := e.unzipBlob(ctx, f, blobstore.RunPath(ws, parts[4], parts[5:]...)); err != nil {
				return nil, err
			}
			res.Blobs++
		}
	}

	res.NextRun, res.NextJob = maxRun+1, maxJob+1
	if err := e.store.ResetCounters(ctx, ws, res.NextRun, res.NextJob); err != nil {
		return nil, err
	}
	e.emit(ctx, events.WorkspaceImported, ws, map[string]interface{}{
		"ws_name": ws, "from": oldWS, "jobs": len(res.Jobs), "runs": res.Runs,
	})
	e.log.WithFields(logrus.Fields{"ws": ws, "jobs": len(res.Jobs), "runs": res.Runs, "blobs": res.Blobs}).Info("workspace imported")
	return res, nil
}

func readZipJSON(zr *zip.Reader, name string, v interface{}) error {
	for _, f := range zr.File {
		if f.Name == name {
			return readZipFile(f, v)
		}
	}
	return xterr.Env("archive has no %s", name)
}

func readZipFile(f *zip.File, v interface{}) error {
	rc, err := f.Open()
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "open "+f.Name)
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "decode "+f.Name)
	}
	return nil
}

func (e *Engine) unzipBlob(ctx context.Context, f *zip.File, blobPath string) error {
	rc, err := f.Open()
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "open "+f.Name)
	}
	defer rc.Close()
	return e.blobs.Upload(ctx, blobPath, rc, int64(f.UncompressedSize64))
}
