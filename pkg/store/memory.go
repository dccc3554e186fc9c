package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/query"
)

type memWorkspace struct {
	Name          string                     `json:"name"`
	SchemaVersion int                        `json:"schema_version"`
	CreatedAt     time.Time                  `json:"created_at"`
	Runs          map[string]models.Document `json:"runs"`
	Order         []string                   `json:"order"`
}

type memState struct {
	Workspaces map[string]*memWorkspace   `json:"workspaces"`
	Jobs       map[string]models.Document `json:"jobs"`
	JobOrder   []string                   `json:"job_order"`
	Counters   map[string]int             `json:"counters"`
	Rollups    []Rollup                   `json:"rollups"`
}

// MemoryStore is an in-process RecordStore. When opened with a path it
// rewrites a JSON state file after every mutation, which makes it usable as
// a single-user local store.
type MemoryStore struct {
	mu       sync.Mutex
	state    memState
	counters Counters
	local    *MemoryCounters
	path     string
}

func NewMemoryStore() *MemoryStore {
	local := NewMemoryCounters()
	return &MemoryStore{
		state: memState{
			Workspaces: make(map[string]*memWorkspace),
			Jobs:       make(map[string]models.Document),
		},
		counters: local,
		local:    local,
	}
}

// OpenLocalStore loads (or creates) a file-backed MemoryStore.
func OpenLocalStore(path string) (*MemoryStore, error) {
	s := NewMemoryStore()
	s.path = path
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "read local store")
	}
	var st memState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, xterr.Wrap(xterr.CategoryStore, err, "decode local store "+path)
	}
	if st.Workspaces == nil {
		st.Workspaces = make(map[string]*memWorkspace)
	}
	if st.Jobs == nil {
		st.Jobs = make(map[string]models.Document)
	}
	for _, ws := range st.Workspaces {
		if ws.Runs == nil {
			ws.Runs = make(map[string]models.Document)
		}
	}
	s.local.restore(st.Counters)
	st.Counters = nil
	s.state = st
	return s, nil
}

// WithCounters replaces the id allocator, e.g. with RedisCounters.
func (s *MemoryStore) WithCounters(c Counters) *MemoryStore {
	s.counters = c
	return s
}

func (s *MemoryStore) persist() error {
	if s.path == "" {
		return nil
	}
	st := s.state
	st.Counters = s.local.snapshot()
	data, err := json.Marshal(st)
	if err != nil {
		return xterr.Wrap(xterr.CategoryInternal, err, "encode local store")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "create store dir")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "write local store")
	}
	return xterr.Wrap(xterr.CategoryEnv, os.Rename(tmp, s.path), "replace local store")
}

func (s *MemoryStore) workspace(name string) (*memWorkspace, error) {
	ws, ok := s.state.Workspaces[name]
	if !ok {
		return nil, notFound("workspace", name)
	}
	if ws.SchemaVersion < models.SchemaVersion {
		s.migrateLocked(ws)
	}
	return ws, nil
}

func (s *MemoryStore) CreateWorkspace(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Workspaces[name]; ok {
		return alreadyExists("workspace", name)
	}
	s.state.Workspaces[name] = &memWorkspace{
		Name:          name,
		SchemaVersion: models.SchemaVersion,
		CreatedAt:     time.Now().UTC(),
		Runs:          make(map[string]models.Document),
	}
	return s.persist()
}

func (s *MemoryStore) DeleteWorkspace(ctx context.Context, name, confirm string) error {
	if err := checkConfirm(name, confirm); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Workspaces[name]; !ok {
		return notFound("workspace", name)
	}
	delete(s.state.Workspaces, name)
	order := s.state.JobOrder[:0]
	for _, id := range s.state.JobOrder {
		if s.state.Jobs[id].String("ws_name") == name {
			delete(s.state.Jobs, id)
			continue
		}
		order = append(order, id)
	}
	s.state.JobOrder = order
	if err := s.counters.Delete(ctx, runCounterKey(name)); err != nil {
		return err
	}
	return s.persist()
}

func (s *MemoryStore) ListWorkspaces(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.state.Workspaces))
	for name := range s.state.Workspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) WorkspaceExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.Workspaces[name]
	return ok, nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) (string, error) {
	num, err := s.counters.Next(ctx, jobCounterKey)
	if err != nil {
		return "", err
	}
	job.JobNum = num
	job.JobID = models.JobName(num)
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = models.JobSubmitted
	}
	doc, err := models.ToDocument(job)
	if err != nil {
		return "", xterr.Wrap(xterr.CategoryInternal, err, "encode job")
	}
	if job.Schedule == models.ScheduleDynamic {
		if err := s.counters.Set(ctx, dynamicCounterKey(job.JobID), job.DynamicRunsRemaining); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Jobs[job.JobID] = doc
	s.state.JobOrder = append(s.state.JobOrder, job.JobID)
	return job.JobID, s.persist()
}

func (s *MemoryStore) StartRun(ctx context.Context, run *models.Run) (string, error) {
	s.mu.Lock()
	_, err := s.workspace(run.Workspace)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	num, err := s.counters.Next(ctx, runCounterKey(run.Workspace))
	if err != nil {
		return "", err
	}
	run.RunName = models.RunName(num)
	run.RunNum, _ = models.RunNum(run.RunName)
	return run.RunName, s.insertRun(run)
}

func (s *MemoryStore) StartChildRun(ctx context.Context, ws, parent string, run *models.Run) (string, error) {
	parentNum, _, err := models.ParseRunName(parent)
	if err != nil {
		return "", xterr.Syntax("%v", err)
	}
	s.mu.Lock()
	w, err := s.workspace(ws)
	if err == nil {
		if pdoc, ok := w.Runs[parent]; !ok {
			err = notFound("run", parent)
		} else {
			pdoc["is_parent"] = true
		}
	}
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	child, err := s.counters.Next(ctx, childCounterKey(ws, parent))
	if err != nil {
		return "", err
	}
	run.Workspace = ws
	run.RunName = models.ChildRunName(parentNum, child)
	run.RunNum, _ = models.RunNum(run.RunName)
	run.IsChild = true
	run.Parent = parent
	if err := s.insertRun(run); err != nil {
		return "", err
	}
	return run.RunName, s.LogRunEvent(ctx, ws, parent, models.EventChildCreated, map[string]interface{}{"child_name": run.RunName})
}

func (s *MemoryStore) insertRun(run *models.Run) error {
	doc, err := newRunDocument(run)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.workspace(run.Workspace)
	if err != nil {
		return err
	}
	if _, ok := w.Runs[run.RunName]; ok {
		return alreadyExists("run", run.RunName)
	}
	w.Runs[run.RunName] = doc
	w.Order = append(w.Order, run.RunName)
	return s.persist()
}

func (s *MemoryStore) runDoc(ws, name string) (models.Document, error) {
	w, err := s.workspace(ws)
	if err != nil {
		return nil, err
	}
	doc, ok := w.Runs[name]
	if !ok {
		return nil, notFound("run", ws+"/"+name)
	}
	return doc, nil
}

func (s *MemoryStore) jobDoc(jobID string) (models.Document, error) {
	doc, ok := s.state.Jobs[jobID]
	if !ok {
		return nil, notFound("job", jobID)
	}
	models.MigrateJobDocument(doc)
	return doc, nil
}

func (s *MemoryStore) LogRunEvent(_ context.Context, ws, runName, event string, data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.runDoc(ws, runName)
	if err != nil {
		return err
	}
	appendLog(doc, models.NewLogRecord(event, data))
	return s.persist()
}

func (s *MemoryStore) LogJobEvent(_ context.Context, jobID, event string, data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.jobDoc(jobID)
	if err != nil {
		return err
	}
	appendLog(doc, models.NewLogRecord(event, data))
	return s.persist()
}

func (s *MemoryStore) UpdateJob(_ context.Context, jobID string, u models.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.jobDoc(jobID)
	if err != nil {
		return err
	}
	u.Apply(doc)
	return s.persist()
}

func (s *MemoryStore) UpdateRunsByFilter(_ context.Context, ws string, f *query.Filter, u models.Update) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.workspace(ws)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range w.Order {
		doc := w.Runs[name]
		if f.Match(doc) {
			u.Apply(doc)
			n++
		}
	}
	return n, s.persist()
}

func (s *MemoryStore) SetRunStatus(_ context.Context, ws, runName, status string, restart bool, extra models.Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.runDoc(ws, runName)
	if err != nil {
		return false, err
	}
	if !applyRunStatus(doc, status, restart, extra) {
		return false, nil
	}
	return true, s.persist()
}

func (s *MemoryStore) SetJobStatus(_ context.Context, jobID, status string, extra models.Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.jobDoc(jobID)
	if err != nil {
		return false, err
	}
	if !applyJobStatus(doc, status, extra) {
		return false, nil
	}
	return true, s.persist()
}

func (s *MemoryStore) GetRuns(_ context.Context, ws string, q query.Query) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.workspace(ws)
	if err != nil {
		return nil, err
	}
	docs := make([]models.Document, 0, len(w.Order))
	for _, name := range w.Order {
		docs = append(docs, w.Runs[name].Clone())
	}
	return query.Apply(docs, q), nil
}

func (s *MemoryStore) GetJobs(_ context.Context, q query.Query) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make([]models.Document, 0, len(s.state.JobOrder))
	for _, id := range s.state.JobOrder {
		doc, _ := s.jobDoc(id)
		docs = append(docs, doc.Clone())
	}
	return query.Apply(docs, jobQuery(q)), nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.jobDoc(jobID)
	if err != nil {
		return nil, err
	}
	return jobFromDocument(doc)
}

func (s *MemoryStore) GetRun(_ context.Context, ws, runName string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.runDoc(ws, runName)
	if err != nil {
		return nil, err
	}
	return runFromDocument(doc)
}

func (s *MemoryStore) GetJobNames(ctx context.Context, f *query.Filter) ([]string, error) {
	docs, err := s.GetJobs(ctx, query.Query{Filter: f, SortField: "job_num"})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.String("job_id"))
	}
	return names, nil
}

func (s *MemoryStore) RunExists(_ context.Context, ws, runName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.state.Workspaces[ws]
	if !ok {
		return false, nil
	}
	_, ok = w.Runs[runName]
	return ok, nil
}

func (s *MemoryStore) GetJobWorkspace(_ context.Context, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.jobDoc(jobID)
	if err != nil {
		return "", err
	}
	return doc.String("ws_name"), nil
}

func (s *MemoryStore) PutJobDocument(_ context.Context, doc models.Document, overwrite bool) error {
	id := doc.String("job_id")
	if id == "" {
		return xterr.Store("job document has no job_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Jobs[id]; ok {
		if !overwrite {
			return alreadyExists("job", id)
		}
	} else {
		s.state.JobOrder = append(s.state.JobOrder, id)
	}
	s.state.Jobs[id] = doc.Clone()
	return s.persist()
}

func (s *MemoryStore) PutRunDocument(_ context.Context, ws string, doc models.Document, overwrite bool) error {
	name := doc.String("run_name")
	if name == "" {
		return xterr.Store("run document has no run_name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.workspace(ws)
	if err != nil {
		return err
	}
	if _, ok := w.Runs[name]; ok {
		if !overwrite {
			return alreadyExists("run", name)
		}
	} else {
		w.Order = append(w.Order, name)
	}
	cp := doc.Clone()
	cp["ws_name"] = ws
	w.Runs[name] = cp
	return s.persist()
}

func (s *MemoryStore) NextRunNum(ctx context.Context, ws string) (int, error) {
	return s.counters.Peek(ctx, runCounterKey(ws))
}

func (s *MemoryStore) ResetCounters(ctx context.Context, ws string, nextRun, nextJob int) error {
	if nextRun > 0 {
		if err := s.counters.Reset(ctx, runCounterKey(ws), nextRun); err != nil {
			return err
		}
	}
	if nextJob > 0 {
		cur, err := s.counters.Peek(ctx, jobCounterKey)
		if err != nil {
			return err
		}
		if nextJob > cur {
			if err := s.counters.Reset(ctx, jobCounterKey, nextJob); err != nil {
				return err
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

func (s *MemoryStore) DecrementDynamicRuns(ctx context.Context, jobID string) (int, bool, error) {
	remaining, ok, err := s.counters.DecrementIfPositive(ctx, dynamicCounterKey(jobID))
	if err != nil || !ok {
		return remaining, ok, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.jobDoc(jobID)
	if err != nil {
		return 0, false, err
	}
	doc["dynamic_runs_remaining"] = float64(remaining)
	return remaining, true, s.persist()
}

func (s *MemoryStore) MigrateWorkspace(_ context.Context, ws string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.state.Workspaces[ws]
	if !ok {
		return 0, notFound("workspace", ws)
	}
	n := s.migrateLocked(w)
	return n, s.persist()
}

func (s *MemoryStore) migrateLocked(w *memWorkspace) int {
	n := 0
	for _, name := range w.Order {
		if models.MigrateRunDocument(w.Runs[name]) {
			n++
		}
	}
	for _, id := range s.state.JobOrder {
		doc := s.state.Jobs[id]
		if doc.String("ws_name") == w.Name && models.MigrateJobDocument(doc) {
			n++
		}
	}
	w.SchemaVersion = models.SchemaVersion
	return n
}

func (s *MemoryStore) AddRollup(_ context.Context, r Rollup) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Rollups = append(s.state.Rollups, r)
	return s.persist()
}

func (s *MemoryStore) ListRollups(_ context.Context, destination, key string) ([]Rollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Rollup
	for _, r := range s.state.Rollups {
		if r.Destination == destination && (key == "" || r.Key == key) {
			out = append(out, r)
		}
	}
	return out, nil
}
