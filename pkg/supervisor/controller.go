package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/logger"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/fanout"
	"github.com/xt-ml/xt/pkg/observability/metrics"
	"github.com/xt-ml/xt/pkg/query"
	"github.com/xt-ml/xt/pkg/search"
	"github.com/xt-ml/xt/pkg/store"
)

// EnvHPConfig carries a run's hparams as JSON.
const EnvHPConfig = "XT_HP_CONFIG"

// LoadNodeContext reads a node's share of the job's multi_run_context and,
// for dynamic jobs, the sweep.
func LoadNodeContext(ctx context.Context, blobs blobstore.Store, jobID, nodeID string) (*fanout.NodeContext, *search.Sweep, error) {
	data, err := blobstore.Read(ctx, blobs, blobstore.JobPath(jobID, blobstore.MultiRunContextName))
	if err != nil {
		return nil, nil, err
	}
	mrc, err := fanout.DecodeContext(data)
	if err != nil {
		return nil, nil, err
	}
	nc, ok := mrc.ContextByNodes[nodeID]
	if !ok {
		return nil, nil, xterr.Store("%s has no context for %s", jobID, nodeID)
	}
	if mrc.SearchStyle != models.StyleDynamic {
		return &nc, nil, nil
	}
	raw, err := blobstore.Read(ctx, blobs, blobstore.JobPath(jobID, blobstore.SweepFileName))
	if err != nil {
		return nil, nil, err
	}
	sweep, err := search.ParseSweepYAML(raw)
	if err != nil {
		return nil, nil, err
	}
	return &nc, sweep, nil
}

// ControllerOptions configure a node controller.
type ControllerOptions struct {
	JobID  string
	NodeID string
	Node   *fanout.NodeContext
	// Sweep is set for dynamic jobs.
	Sweep *search.Sweep
	Seed  int64

	Store   store.RecordStore
	Blobs   blobstore.Store
	Exec    Executor
	WorkDir string
	// OnRestart re-executes the controller after restart_controller.
	OnRestart func()
	Log       *logrus.Entry
}

type runState struct {
	rc       fanout.RunContext
	status   string
	started  time.Time
	ended    time.Time
	proc     Process
	exitCode *int
	child    bool
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Controller runs one node's share of a job and answers the supervisor RPC.
type Controller struct {
	opts     ControllerOptions
	log      *logrus.Entry
	logBuf   *syncBuffer
	started  time.Time
	searcher search.Searcher

	mu         sync.Mutex
	slotFree   *sync.Cond
	active     int
	concurrent int
	runs       map[string]*runState
	order      []string
	pending    []string
	stopping   bool
	total      int
	template   fanout.RunContext
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Node == nil || opts.Store == nil {
		return nil, xterr.Internal("controller needs a node context and a record store")
	}
	if opts.Exec == nil {
		opts.Exec = ShellExecutor{}
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	buf := &syncBuffer{}
	c := &Controller{
		opts:       opts,
		logBuf:     buf,
		log:        logger.Capture(opts.Log, buf).WithFields(logrus.Fields{"job_id": opts.JobID, "node_id": opts.NodeID}),
		started:    time.Now(),
		concurrent: 1,
		runs:       map[string]*runState{},
	}
	c.slotFree = sync.NewCond(&c.mu)
	if len(opts.Node.Runs) > 0 {
		c.template = opts.Node.Runs[0]
		if c.template.Concurrent > 0 {
			c.concurrent = c.template.Concurrent
		}
	}
	if opts.Sweep != nil {
		s, err := search.NewWithOptions(c.template.SearchType, search.Options{
			Seed:      opts.Seed,
			MinTrials: c.template.MinTrials,
		})
		if err != nil {
			return nil, err
		}
		c.searcher = s
	} else {
		for _, rc := range opts.Node.Runs {
			if rc.RunName == "" {
				return nil, xterr.Internal("run context without a run name on %s", opts.NodeID)
			}
			c.runs[rc.RunName] = &runState{rc: rc, status: models.RunQueued}
			c.order = append(c.order, rc.RunName)
			c.pending = append(c.pending, rc.RunName)
		}
	}
	return c, nil
}

func (c *Controller) dynamic() bool { return c.searcher != nil }

// Run executes the node's runs until they are done, the controller is
// restarted or ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	if _, err := c.opts.Store.SetJobStatus(ctx, c.opts.JobID, models.JobRunning, models.Update{}); err != nil {
		c.log.WithError(err).Warn("set job running")
	}
	if c.dynamic() {
		job, err := c.opts.Store.GetJob(ctx, c.opts.JobID)
		if err != nil {
			return err
		}
		c.total = job.RunCount
		if c.template.RunName != "" {
			c.setStatus(ctx, c.template.RunName, models.RunRunning, false, models.Update{})
		}
	} else if err := c.resume(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for ctx.Err() == nil {
		if !c.acquire(ctx) {
			break
		}
		name, ok, err := c.nextWork(ctx)
		if err != nil || !ok {
			c.release()
			if err != nil {
				c.log.WithError(err).Error("fetch next run")
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.release()
			c.execute(ctx, name)
		}()
	}
	wg.Wait()

	if c.dynamic() && c.template.RunName != "" && !c.isStopping() {
		c.setStatus(ctx, c.template.RunName, models.RunCompleted, false, models.Update{Set: map[string]interface{}{"exit_code": 0}})
	}
	c.log.Info("controller finished")
	return nil
}

// resume re-queues runs a previous controller left in flight.
func (c *Controller) resume(ctx context.Context) error {
	var keep []string
	for _, name := range c.pending {
		st := c.runs[name]
		run, err := c.opts.Store.GetRun(ctx, st.rc.Workspace, name)
		if err != nil {
			return err
		}
		switch {
		case models.IsTerminalRun(run.Status):
			st.status = run.Status
			continue
		case run.Status == models.RunSpawning || run.Status == models.RunRunning:
			c.setStatus(ctx, name, models.RunQueued, true, models.Update{})
		default:
			c.setStatus(ctx, name, models.RunQueued, false, models.Update{})
		}
		keep = append(keep, name)
	}
	c.mu.Lock()
	c.pending = keep
	c.mu.Unlock()
	return nil
}

func (c *Controller) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// acquire waits for a free slot. It returns false once the controller stops.
func (c *Controller) acquire(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.active >= c.concurrent && !c.stopping && ctx.Err() == nil {
		c.slotFree.Wait()
	}
	if c.stopping || ctx.Err() != nil {
		return false
	}
	c.active++
	return true
}

func (c *Controller) release() {
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	c.slotFree.Broadcast()
}

func (c *Controller) nextWork(ctx context.Context) (string, bool, error) {
	if !c.dynamic() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for len(c.pending) > 0 {
			name := c.pending[0]
			c.pending = c.pending[1:]
			if c.runs[name].status == models.RunQueued {
				return name, true, nil
			}
		}
		return "", false, nil
	}
	return c.nextDynamic(ctx)
}

// nextDynamic takes one unit from the shared counter, picks hparams and
// creates the child run.
func (c *Controller) nextDynamic(ctx context.Context) (string, bool, error) {
	remaining, ok, err := c.opts.Store.DecrementDynamicRuns(ctx, c.opts.JobID)
	if err != nil || !ok {
		return "", false, err
	}
	metrics.ObserveDynamicRuns(remaining)

	rc := c.template
	prior, err := c.priorTrials(ctx, rc)
	if err != nil {
		return "", false, err
	}
	hp, err := c.searcher.Search(search.Context{
		Sweep:         c.opts.Sweep,
		Prior:         prior,
		PrimaryMetric: rc.PrimaryMetric,
		Maximize:      rc.Maximize,
		Index:         c.total - remaining - 1,
	})
	if err != nil {
		return "", false, err
	}
	cmd := rc.Cmd
	if rc.OptionPrefix != "" {
		cmd = search.Render(rc.Cmd, hp, rc.OptionPrefix)
	}
	name, err := c.opts.Store.StartChildRun(ctx, rc.Workspace, rc.RunName, &models.Run{
		Workspace:   rc.Workspace,
		JobID:       rc.JobID,
		NodeIndex:   rc.NodeIndex,
		BoxName:     c.opts.NodeID,
		Experiment:  rc.Experiment,
		Compute:     rc.Target,
		Status:      models.RunQueued,
		HParams:     hp,
		CmdLine:     cmd,
		SearchType:  rc.SearchType,
		SearchStyle: rc.SearchStyle,
		IsChild:     true,
	})
	if err != nil {
		return "", false, err
	}
	rc.RunName = name
	rc.Cmd = cmd
	rc.HParams = hp
	c.mu.Lock()
	c.runs[name] = &runState{rc: rc, status: models.RunQueued, child: true}
	c.order = append(c.order, name)
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"run": name, "remaining": remaining}).Info("dynamic run created")
	return name, true, nil
}

// priorTrials loads the job's finished child runs for the searcher.
func (c *Controller) priorTrials(ctx context.Context, rc fanout.RunContext) ([]search.Trial, error) {
	if !c.searcher.NeedRuns() {
		return nil, nil
	}
	f, err := query.Build(query.Options{Props: []string{"job_id=" + rc.JobID, "is_child=$true"}})
	if err != nil {
		return nil, err
	}
	docs, err := c.opts.Store.GetRuns(ctx, rc.Workspace, query.Query{Filter: f, SortField: "run_num"})
	if err != nil {
		return nil, err
	}
	trials := make([]search.Trial, 0, len(docs))
	for _, d := range docs {
		t := search.Trial{RunName: d.String("run_name")}
		if hp, ok := d["hparams"].(map[string]interface{}); ok {
			t.HParams = hp
		}
		if v, ok := d.Lookup("metrics." + rc.PrimaryMetric); ok {
			if f, ok := v.(float64); ok {
				t.Score, t.Scored = f, true
			}
		}
		trials = append(trials, t)
	}
	return trials, nil
}

func (c *Controller) setStatus(ctx context.Context, name, status string, restart bool, extra models.Update) {
	c.mu.Lock()
	st, ok := c.runs[name]
	ws := c.template.Workspace
	if ok {
		ws = st.rc.Workspace
	}
	c.mu.Unlock()
	if _, err := c.opts.Store.SetRunStatus(ctx, ws, name, status, restart, extra); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"run": name, "status": status}).Warn("status update failed")
	}
}

func (c *Controller) execute(ctx context.Context, name string) {
	c.mu.Lock()
	st := c.runs[name]
	if st.status != models.RunQueued {
		c.mu.Unlock()
		return
	}
	st.status = models.RunSpawning
	rc := st.rc
	c.mu.Unlock()

	log := c.log.WithField("run", name)
	c.setStatus(ctx, name, models.RunSpawning, false, models.Update{})
	if err := c.opts.Store.LogRunEvent(ctx, rc.Workspace, name, models.EventCmd, map[string]interface{}{"cmd": rc.Cmd}); err != nil {
		log.WithError(err).Warn("log cmd event")
	}

	outDir := filepath.Join(c.opts.WorkDir, ".xt", name)
	code := -1
	status := models.RunError
	defer func() {
		c.finishRun(ctx, name, status, code)
		c.uploadOutputs(ctx, rc, outDir)
	}()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.WithError(err).Error("create run output dir")
		return
	}
	out, err := os.Create(filepath.Join(outDir, blobstore.ConsoleLogName))
	if err != nil {
		log.WithError(err).Error("create console log")
		return
	}
	defer out.Close()

	env := map[string]string{}
	for k, v := range rc.Env {
		env[k] = v
	}
	env["XT_RUN_NAME"] = name
	env["XT_WORKSPACE"] = rc.Workspace
	env["XT_JOB_ID"] = rc.JobID
	env[EnvNodeID] = c.opts.NodeID
	if len(rc.HParams) > 0 {
		hp, _ := json.Marshal(rc.HParams)
		env[EnvHPConfig] = string(hp)
	}
	proc, err := c.opts.Exec.Start(ctx, ProcessSpec{Command: rc.Cmd, Dir: c.opts.WorkDir, Env: env, Output: out})
	if err != nil {
		log.WithError(err).Error("start run")
		return
	}

	c.mu.Lock()
	if st.status == models.RunCancelled {
		c.mu.Unlock()
		_ = proc.Kill()
		_, _ = proc.Wait()
		status = models.RunCancelled
		return
	}
	st.proc = proc
	st.status = models.RunRunning
	st.started = time.Now()
	c.mu.Unlock()
	c.setStatus(ctx, name, models.RunRunning, false, models.Update{Set: map[string]interface{}{"start_time": st.started.UTC()}})
	log.Info("run started")

	code, err = proc.Wait()
	if err != nil {
		log.WithError(err).Error("wait for run")
	}
	if err == nil && code == 0 {
		status = models.RunCompleted
	}
}

func (c *Controller) finishRun(ctx context.Context, name, status string, code int) {
	c.mu.Lock()
	st := c.runs[name]
	if st.status == models.RunCancelled {
		status = models.RunCancelled
	}
	ended := time.Now()
	st.ended = ended
	st.proc = nil
	var dur float64
	if !st.started.IsZero() {
		dur = ended.Sub(st.started).Seconds()
	}
	ws := st.rc.Workspace
	if c.stopping && status != models.RunCancelled {
		// the next controller re-queues it as a restart
		st.status = models.RunQueued
		c.mu.Unlock()
		return
	}
	st.status = status
	st.exitCode = &code
	c.mu.Unlock()

	c.setStatus(ctx, name, status, false, models.Update{Set: map[string]interface{}{
		"exit_code":    code,
		"end_time":     ended.UTC(),
		"run_duration": dur,
	}})
	if err := c.opts.Store.LogRunEvent(ctx, ws, name, models.EventEnded, map[string]interface{}{"status": status, "exit_code": code}); err != nil {
		c.log.WithError(err).WithField("run", name).Warn("log ended event")
	}
	c.log.WithFields(logrus.Fields{"run": name, "status": status, "exit_code": code}).Info("run ended")
}

// uploadOutputs stores the console log and the after-files of a run.
func (c *Controller) uploadOutputs(ctx context.Context, rc fanout.RunContext, outDir string) {
	if c.opts.Blobs == nil {
		return
	}
	console := filepath.Join(outDir, blobstore.ConsoleLogName)
	if _, err := os.Stat(console); err == nil {
		dst := blobstore.RunPath(rc.Workspace, rc.RunName, "output", blobstore.ConsoleLogName)
		if err := blobstore.UploadFile(ctx, c.opts.Blobs, console, dst); err != nil {
			c.log.WithError(err).WithField("run", rc.RunName).Warn("upload console log")
		}
	}
	for _, dir := range rc.AfterFiles.Dirs {
		src := filepath.Join(c.opts.WorkDir, dir)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := blobstore.RunPath(rc.Workspace, rc.RunName, "after", filepath.ToSlash(dir))
		if _, err := blobstore.UploadTree(ctx, c.opts.Blobs, src, dst, nil, rc.AfterFiles.Omit); err != nil {
			c.log.WithError(err).WithField("run", rc.RunName).Warn("upload after files")
		}
	}
}

// RPC surface.

func stageOf(status string) string {
	switch status {
	case models.RunSpawning, models.RunRunning:
		return StageActive
	case models.RunCreated, models.RunQueued, models.RunAllocating:
		return StageQueued
	}
	return StageCompleted
}

func (c *Controller) Runs(stages Stages, ws, runName string) []RunInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []RunInfo
	for _, name := range c.order {
		st := c.runs[name]
		if ws != "" && st.rc.Workspace != ws {
			continue
		}
		if runName != "" && name != runName {
			continue
		}
		switch stageOf(st.status) {
		case StageQueued:
			if !stages.Queued {
				continue
			}
		case StageActive:
			if !stages.Active {
				continue
			}
		default:
			if !stages.Completed {
				continue
			}
		}
		info := RunInfo{Workspace: st.rc.Workspace, Name: name, Status: st.status, ExitCode: st.exitCode}
		switch {
		case !st.ended.IsZero() && !st.started.IsZero():
			info.Elapsed = st.ended.Sub(st.started).Seconds()
		case !st.started.IsZero():
			info.Elapsed = time.Since(st.started).Seconds()
		}
		out = append(out, info)
	}
	return out
}

// CancelRuns writes each named run as cancelled and kills its process. A
// run that already ended reports its final status.
func (c *Controller) CancelRuns(ctx context.Context, names []string) []RunCancel {
	out := make([]RunCancel, 0, len(names))
	for _, name := range names {
		out = append(out, c.cancelRun(ctx, name))
	}
	return out
}

func (c *Controller) cancelRun(ctx context.Context, name string) RunCancel {
	c.mu.Lock()
	st, ok := c.runs[name]
	if !ok {
		c.mu.Unlock()
		return RunCancel{RunName: name, Status: models.RunUnknown}
	}
	res := RunCancel{Workspace: st.rc.Workspace, RunName: name}
	if models.IsTerminalRun(st.status) {
		res.Status = st.status
		res.Cancelled = st.status == models.RunCancelled
		c.mu.Unlock()
		return res
	}
	st.status = models.RunCancelled
	proc := st.proc
	c.mu.Unlock()

	code := 0
	c.setStatus(ctx, name, models.RunCancelled, false, models.Update{Set: map[string]interface{}{"exit_code": code}})
	if proc != nil {
		if err := proc.Kill(); err != nil {
			c.log.WithError(err).WithField("run", name).Warn("kill run")
		}
	} else if err := c.opts.Store.LogRunEvent(ctx, st.rc.Workspace, name, models.EventEnded, map[string]interface{}{"status": models.RunCancelled, "exit_code": code}); err != nil {
		c.log.WithError(err).WithField("run", name).Warn("log ended event")
	}
	metrics.RunsCancelled(1)
	res.Status = models.RunCancelled
	res.Cancelled = true
	return res
}

// CancelRunsByProperty cancels every run whose context field name renders
// as value.
func (c *Controller) CancelRunsByProperty(ctx context.Context, name, value string) []RunCancel {
	c.mu.Lock()
	var names []string
	for _, run := range c.order {
		doc, err := models.ToDocument(c.runs[run].rc)
		if err != nil {
			continue
		}
		if v, ok := doc.Lookup(name); ok && fmt.Sprint(models.Normalize(v)) == value {
			names = append(names, run)
		}
	}
	c.mu.Unlock()
	return c.CancelRuns(ctx, names)
}

func (c *Controller) StatusOfRuns(ws string, names []string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(names))
	for _, n := range names {
		st, ok := c.runs[n]
		if !ok || (ws != "" && st.rc.Workspace != ws) {
			out[n] = models.RunUnknown
			continue
		}
		out[n] = st.status
	}
	return out
}

func (c *Controller) Concurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.concurrent
}

func (c *Controller) SetConcurrent(n int) error {
	if n < 1 {
		return xterr.Syntax("concurrent must be at least 1, got %d", n)
	}
	c.mu.Lock()
	c.concurrent = n
	c.mu.Unlock()
	c.slotFree.Broadcast()
	c.log.WithField("concurrent", n).Info("concurrency changed")
	return nil
}

func (c *Controller) Elapsed() time.Duration { return time.Since(c.started) }

func (c *Controller) Log() string { return c.logBuf.String() }

// Restart stops taking work, kills the active runs and calls OnRestart
// after delay. Killed runs keep their record status so the next controller
// resumes them.
func (c *Controller) Restart(_ context.Context, delay time.Duration) error {
	c.mu.Lock()
	c.stopping = true
	var procs []Process
	for _, name := range c.order {
		if p := c.runs[name].proc; p != nil {
			procs = append(procs, p)
		}
	}
	c.mu.Unlock()
	c.slotFree.Broadcast()
	for _, p := range procs {
		if err := p.Kill(); err != nil {
			c.log.WithError(err).Warn("kill run for restart")
		}
	}
	c.log.WithFields(logrus.Fields{"killed": len(procs), "delay": delay.String()}).Info("controller restarting")

	if c.opts.OnRestart != nil {
		go func() {
			time.Sleep(delay)
			c.opts.OnRestart()
		}()
	}
	return nil
}
