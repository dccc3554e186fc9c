package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/backend"
	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

type queueEntry struct {
	id        string
	req       backend.QueueRequest
	status    string
	dir       string
	logPath   string
	proc      Process
	cancelled bool
	exitCode  int
}

// Queue is the per-machine agent of a pool target. It runs queued entries
// one at a time and keeps each entry's console output for offset reads.
type Queue struct {
	mu      sync.Mutex
	order   []*queueEntry
	byID    map[string]*queueEntry
	nextID  int
	current *queueEntry

	workRoot string
	blobs    blobstore.Store
	exec     Executor
	log      *logrus.Entry
	wake     chan struct{}
}

// NewQueue keeps entry work dirs and logs under workRoot. blobs may be nil
// when entries carry no code path.
func NewQueue(workRoot string, blobs blobstore.Store, exec Executor, log *logrus.Entry) (*Queue, error) {
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "create queue dir")
	}
	if exec == nil {
		exec = ShellExecutor{}
	}
	return &Queue{
		byID:     map[string]*queueEntry{},
		workRoot: workRoot,
		blobs:    blobs,
		exec:     exec,
		log:      log,
		wake:     make(chan struct{}, 1),
	}, nil
}

func (q *Queue) Enqueue(req backend.QueueRequest) backend.EntryStatus {
	q.mu.Lock()
	q.nextID++
	id := "e" + strconv.Itoa(q.nextID)
	e := &queueEntry{
		id:      id,
		req:     req,
		status:  backend.EntryQueued,
		dir:     filepath.Join(q.workRoot, id),
		logPath: filepath.Join(q.workRoot, id+"."+blobstore.ConsoleLogName),
	}
	q.order = append(q.order, e)
	q.byID[id] = e
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.log.WithFields(logrus.Fields{"entry_id": id, "job_id": req.JobID, "node_id": req.NodeID}).Info("entry queued")
	return backend.EntryStatus{EntryID: id, Status: backend.EntryQueued}
}

func (q *Queue) entry(id string) (*queueEntry, error) {
	e, ok := q.byID[id]
	if !ok {
		return nil, xterr.WithSentinel(xterr.CategoryStore, xterr.ErrNotFound, "queue entry %q not found", id)
	}
	return e, nil
}

func (q *Queue) Status(id string) (backend.EntryStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.entry(id)
	if err != nil {
		return backend.EntryStatus{}, err
	}
	return backend.EntryStatus{EntryID: id, Status: e.status, Cancelled: e.cancelled}, nil
}

// ReadLog returns bytes [start, end) of an entry's console output; end < 0
// reads to the end. A log that does not exist yet reads as empty.
func (q *Queue) ReadLog(id string, start, end int64) (backend.EntryLog, error) {
	q.mu.Lock()
	e, err := q.entry(id)
	var status, path string
	if err == nil {
		status, path = e.status, e.logPath
	}
	q.mu.Unlock()
	if err != nil {
		return backend.EntryLog{}, err
	}
	out := backend.EntryLog{Status: status, LogName: blobstore.ConsoleLogName, NextOffset: start}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, xterr.Wrap(xterr.CategoryEnv, err, "open entry log")
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return out, xterr.Wrap(xterr.CategoryEnv, err, "seek entry log")
	}
	var r io.Reader = f
	if end >= 0 {
		if end <= start {
			return out, nil
		}
		r = io.LimitReader(f, end-start)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return out, xterr.Wrap(xterr.CategoryEnv, err, "read entry log")
	}
	out.Text = string(data)
	out.NextOffset = start + int64(len(data))
	return out, nil
}

// Cancel removes a queued entry or kills a running one. Cancelling a
// finished entry reports its status unchanged.
func (q *Queue) Cancel(id string) (backend.EntryStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.entry(id)
	if err != nil {
		return backend.EntryStatus{}, err
	}
	q.cancelLocked(e)
	return backend.EntryStatus{EntryID: id, Status: e.status, Cancelled: e.cancelled}, nil
}

func (q *Queue) cancelLocked(e *queueEntry) {
	switch e.status {
	case backend.EntryQueued:
		e.status = backend.EntryCancelled
		e.cancelled = true
	case backend.EntryRunning:
		e.cancelled = true
		if e.proc != nil {
			if err := e.proc.Kill(); err != nil {
				q.log.WithError(err).WithField("entry_id", e.id).Warn("kill failed")
			}
		}
	}
}

// Entries lists unfinished entries with the running one first.
func (q *Queue) Entries() []backend.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []backend.QueueEntry
	if q.current != nil {
		out = append(out, backend.QueueEntry{Name: entryName(q.current), Current: true})
	}
	for _, e := range q.order {
		if e.status == backend.EntryQueued {
			out = append(out, backend.QueueEntry{Name: entryName(e)})
		}
	}
	return out
}

func entryName(e *queueEntry) string {
	name := e.req.JobID + "/" + e.req.NodeID
	if e.req.RunName != "" {
		name += "/" + e.req.RunName
	}
	return name
}

// CancelRuns cancels unfinished entries by run name or by user.
func (q *Queue) CancelRuns(req backend.CancelRunsRequest) []backend.CancelResult {
	names := map[string]bool{}
	for _, n := range req.RunNames {
		names[n] = true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []backend.CancelResult
	for _, e := range q.order {
		if e.status != backend.EntryQueued && e.status != backend.EntryRunning {
			continue
		}
		match := false
		switch {
		case len(names) > 0:
			match = names[e.req.RunName] && (req.Workspace == "" || req.Workspace == e.req.Workspace)
		case req.Username != "":
			match = e.req.Username == req.Username
		}
		if !match {
			continue
		}
		q.cancelLocked(e)
		out = append(out, backend.CancelResult{Cancelled: e.cancelled, ServiceStatus: e.status, SimpleStatus: simpleEntryStatus(e.status)})
	}
	return out
}

func simpleEntryStatus(status string) string {
	switch status {
	case backend.EntryQueued:
		return models.SimpleQueued
	case backend.EntryRunning:
		return models.SimpleRunning
	}
	return models.SimpleCompleted
}

// Run executes entries in arrival order until ctx ends.
func (q *Queue) Run(ctx context.Context) error {
	for {
		e := q.next()
		if e == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
				continue
			}
		}
		q.runEntry(ctx, e)
	}
}

func (q *Queue) next() *queueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.order {
		if e.status == backend.EntryQueued {
			e.status = backend.EntryRunning
			q.current = e
			return e
		}
	}
	return nil
}

func (q *Queue) finish(e *queueEntry, status string, code int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.cancelled {
		status = backend.EntryCancelled
	}
	e.status = status
	e.exitCode = code
	e.proc = nil
	q.current = nil
}

func (q *Queue) runEntry(ctx context.Context, e *queueEntry) {
	log := q.log.WithFields(logrus.Fields{"entry_id": e.id, "job_id": e.req.JobID, "node_id": e.req.NodeID})
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		log.WithError(err).Error("create entry dir")
		q.finish(e, backend.EntryError, -1)
		return
	}
	if e.req.CodeZipPath != "" && q.blobs != nil {
		if _, err := blobstore.DownloadTree(ctx, q.blobs, e.req.CodeZipPath, e.dir, nil, nil); err != nil {
			log.WithError(err).Error("download code")
			q.finish(e, backend.EntryError, -1)
			return
		}
	}
	out, err := os.OpenFile(e.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.WithError(err).Error("open entry log")
		q.finish(e, backend.EntryError, -1)
		return
	}
	defer out.Close()

	proc, err := q.exec.Start(ctx, ProcessSpec{
		Command: strings.Join(e.req.Cmds, " && "),
		Dir:     e.dir,
		Env:     e.req.Env,
		Output:  out,
	})
	if err != nil {
		log.WithError(err).Error("start entry")
		q.finish(e, backend.EntryError, -1)
		return
	}
	q.mu.Lock()
	e.proc = proc
	if e.cancelled {
		_ = proc.Kill()
	}
	q.mu.Unlock()

	code, err := proc.Wait()
	status := backend.EntryCompleted
	if err != nil || code != 0 {
		status = backend.EntryError
	}
	q.finish(e, status, code)
	log.WithFields(logrus.Fields{"exit_code": code, "status": status}).Info("entry finished")
}

// register mounts the agent routes.
func (q *Queue) register(r *mux.Router, key string) {
	sub := r.PathPrefix("/xt").Subrouter()
	sub.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if key != "" && req.Header.Get(backend.PoolKeyHeader) != key {
				writeError(w, http.StatusUnauthorized, "bad pool key")
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	sub.HandleFunc("/queue", q.handleEnqueue).Methods(http.MethodPost)
	sub.HandleFunc("/queue", q.handleEntries).Methods(http.MethodGet)
	sub.HandleFunc("/queue/{id}", q.handleStatus).Methods(http.MethodGet)
	sub.HandleFunc("/queue/{id}", q.handleCancel).Methods(http.MethodDelete)
	sub.HandleFunc("/queue/{id}/log", q.handleLog).Methods(http.MethodGet)
	sub.HandleFunc("/cancel", q.handleCancelRuns).Methods(http.MethodPost)
}

func entryError(w http.ResponseWriter, err error) {
	if errors.Is(err, xterr.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (q *Queue) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req backend.QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad queue request")
		return
	}
	writeJSON(w, http.StatusOK, q.Enqueue(req))
}

func (q *Queue) handleEntries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": q.Entries()})
}

func (q *Queue) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := q.Status(mux.Vars(r)["id"])
	if err != nil {
		entryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (q *Queue) handleCancel(w http.ResponseWriter, r *http.Request) {
	st, err := q.Cancel(mux.Vars(r)["id"])
	if err != nil {
		entryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (q *Queue) handleLog(w http.ResponseWriter, r *http.Request) {
	start, err := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	if err != nil || start < 0 {
		start = 0
	}
	end := int64(-1)
	if v := r.URL.Query().Get("end"); v != "" {
		if end, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "bad end offset")
			return
		}
	}
	out, err := q.ReadLog(mux.Vars(r)["id"], start, end)
	if err != nil {
		entryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (q *Queue) handleCancelRuns(w http.ResponseWriter, r *http.Request) {
	var req backend.CancelRunsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad cancel request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": q.CancelRuns(req)})
}
