package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/backend"
	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/events"
	"github.com/xt-ml/xt/pkg/fanout"
	"github.com/xt-ml/xt/pkg/observability/metrics"
	"github.com/xt-ml/xt/pkg/search"
	"github.com/xt-ml/xt/pkg/snapshot"
	"github.com/xt-ml/xt/pkg/supervisor"
)

// SubmitRequest is one "xt run". Zero fields fall back to the config file.
type SubmitRequest struct {
	Cmds       []string
	Target     string
	Workspace  string
	Experiment string
	Nodes      int
	// Runs is the repeat count, the static run cap or the dynamic run total.
	Runs       int
	SearchType string
	// SweepFile is a local YAML file of hparam sweeps.
	SweepFile  string
	Concurrent int
	DirectRun  bool
	Schedule   string
	Tags       []string
	CodeDirs   []string
	// WorkDir resolves relative code dirs and the sweep file.
	WorkDir string
	Seed    int64
}

type SubmitResult struct {
	JobID       string   `json:"job_id"`
	Workspace   string   `json:"ws_name"`
	SearchStyle string   `json:"search_style"`
	RunNames    []string `json:"run_names"`
	Nodes       []string `json:"nodes"`
}

// submission carries the resolved request through the submit steps.
type submission struct {
	req        SubmitRequest
	target     config.ComputeTarget
	svc        config.ServiceAccount
	nodes      int
	baseCmd    string
	sweep      *search.Sweep
	style      string
	expansions []search.Expansion
	runs       []fanout.Run
	total      int
	tags       models.Tags
}

// Submit validates a run request, records the job and its runs, uploads the
// code snapshot and hands the job to the target's backend.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	s, err := e.resolve(req)
	if err != nil {
		return nil, err
	}
	log := e.log.WithFields(logrus.Fields{"target": s.req.Target, "ws": s.req.Workspace})

	useController := !s.req.DirectRun
	plan, err := e.planner.Plan(fanout.Input{
		Nodes:         s.nodes,
		TotalRuns:     s.total,
		Concurrent:    s.req.Concurrent,
		Schedule:      s.req.Schedule,
		SearchStyle:   s.style,
		UseController: useController,
		Runs:          s.runs,
	})
	if err != nil {
		return nil, err
	}
	be, err := e.Backend(ctx, s.req.Target)
	if err != nil {
		return nil, err
	}
	if err := e.ensureWorkspace(ctx, s.req.Workspace); err != nil {
		return nil, err
	}

	job, err := e.createJob(ctx, s, plan)
	if err != nil {
		return nil, err
	}
	log = log.WithField("job_id", job.JobID)

	tr := &launchTrace{}
	result, err := e.launch(ctx, s, plan, job, be, tr, log)
	if err != nil {
		e.markSubmitFailed(ctx, be, job, tr, err, log)
		return nil, err
	}
	metrics.JobSubmitted(s.total)
	e.emit(ctx, events.JobSubmitted, job.JobID, map[string]interface{}{
		"job_id": job.JobID, "ws_name": job.Workspace, "runs": result.RunNames,
		"search_style": s.style, "compute": job.Compute,
	})
	log.WithFields(logrus.Fields{"runs": len(result.RunNames), "style": s.style}).Info("job submitted")
	return result, nil
}

func (e *Engine) resolve(req SubmitRequest) (*submission, error) {
	gen := e.file.General
	if req.Target == "" {
		req.Target = gen.Target
	}
	if req.Workspace == "" {
		req.Workspace = gen.Workspace
	}
	if req.Experiment == "" {
		req.Experiment = gen.Experiment
	}
	if req.Concurrent <= 0 {
		req.Concurrent = gen.Concurrent
	}
	if req.Concurrent <= 0 {
		req.Concurrent = 1
	}
	if req.Runs <= 0 {
		req.Runs = gen.MaxRuns
	}
	if !req.DirectRun {
		req.DirectRun = gen.DirectRun
	}
	if req.Seed == 0 {
		req.Seed = e.file.HPSearch.Seed
	}
	if req.Workspace == "" {
		return nil, xterr.Config("no workspace given and general.workspace is not set")
	}
	target, svc, err := e.file.Target(req.Target)
	if err != nil {
		return nil, err
	}
	s := &submission{req: req, target: target, svc: svc, nodes: req.Nodes}
	if s.nodes <= 0 {
		s.nodes = target.Nodes
	}
	if s.nodes <= 0 {
		s.nodes = len(target.Boxes)
	}
	if s.nodes <= 0 {
		s.nodes = 1
	}

	s.tags = models.Tags{}
	for _, spec := range req.Tags {
		name, value := models.ParseTag(spec)
		if name == "" {
			return nil, xterr.Syntax("empty tag name in %q", spec)
		}
		s.tags[name] = value
	}

	prefix := e.file.HPSearch.OptionPrefix
	s.sweep = &search.Sweep{}
	if len(req.Cmds) == 1 {
		s.baseCmd, s.sweep, err = search.ExtractSweep(req.Cmds[0], prefix)
		if err != nil {
			return nil, err
		}
	}
	if req.SweepFile != "" {
		fromFile, err := e.readSweepFile(req.SweepFile, req.WorkDir)
		if err != nil {
			return nil, err
		}
		for _, name := range fromFile.Names() {
			p, _ := fromFile.Param(name)
			s.sweep.Add(p)
		}
	}

	s.style, err = search.Classify(search.Request{
		Cmds:         req.Cmds,
		Runs:         req.Runs,
		Nodes:        s.nodes,
		Sweep:        s.sweep,
		SearchType:   req.SearchType,
		OptionPrefix: prefix,
		InCluster:    e.file.HPSearch.InCluster,
	})
	if err != nil {
		return nil, err
	}

	switch s.style {
	case models.StyleSingle:
		s.runs = []fanout.Run{{Cmd: s.baseCmd}}
		s.total = s.nodes
	case models.StyleRepeat:
		s.runs = []fanout.Run{{Cmd: s.baseCmd}}
		s.total = req.Runs
	case models.StyleMulti:
		for _, c := range req.Cmds {
			s.runs = append(s.runs, fanout.Run{Cmd: c})
		}
		s.total = len(s.runs)
	case models.StyleStatic:
		s.expansions, err = search.ExpandStatic(s.baseCmd, s.sweep, req.SearchType, prefix, req.Runs, req.Seed)
		if err != nil {
			return nil, err
		}
		for _, x := range s.expansions {
			s.runs = append(s.runs, fanout.Run{Cmd: x.Cmd, HParams: x.HParams})
		}
		s.total = len(s.runs)
	case models.StyleDynamic:
		s.total = req.Runs
		if s.total <= 0 && s.sweep.Discrete() {
			s.total = s.sweep.Size()
		}
		if req.DirectRun {
			return nil, xterr.Combo("dynamic search cannot be combined with direct-run")
		}
	}
	return s, nil
}

func (e *Engine) readSweepFile(name, workDir string) (*search.Sweep, error) {
	if !filepath.IsAbs(name) && workDir != "" {
		name = filepath.Join(workDir, name)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "read sweep file "+name)
	}
	return search.ParseSweepYAML(data)
}

func (e *Engine) ensureWorkspace(ctx context.Context, ws string) error {
	ok, err := e.store.WorkspaceExists(ctx, ws)
	if err != nil || ok {
		return err
	}
	err = e.store.CreateWorkspace(ctx, ws)
	if errors.Is(err, xterr.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (e *Engine) createJob(ctx context.Context, s *submission, plan *fanout.Plan) (*models.Job, error) {
	hp := e.file.HPSearch
	job := &models.Job{
		Workspace:            s.req.Workspace,
		Experiment:           s.req.Experiment,
		Username:             e.username(),
		Compute:              s.req.Target,
		PoolInfo:             poolInfo(s.target),
		ServiceType:          s.svc.Kind,
		SearchType:           s.req.SearchType,
		SearchStyle:          s.style,
		RunCount:             s.total,
		NodeCount:            s.nodes,
		Schedule:             plan.Schedule,
		Concurrent:           s.req.Concurrent,
		PrimaryMetric:        hp.PrimaryMetric,
		Maximize:             hp.Maximize,
		DynamicRunsRemaining: plan.DynamicRuns,
		Status:               models.JobSubmitted,
		JobGUID:              uuid.NewString(),
		JobSecret:            uuid.NewString(),
		SecretsByNode:        plan.SecretsByNode(),
		CmdLines:             s.req.Cmds,
	}
	if s.style == models.StyleRepeat {
		job.RepeatCount = s.total
	}
	if len(s.tags) > 0 {
		job.Tags = s.tags
	}
	if s.style == models.StyleDynamic {
		spec, err := s.sweep.YAML()
		if err != nil {
			return nil, xterr.Wrap(xterr.CategoryInternal, err, "encode sweep")
		}
		job.HPConfig = string(spec)
	}
	if _, err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func poolInfo(t config.ComputeTarget) map[string]interface{} {
	info := map[string]interface{}{
		"service": t.Service,
		"nodes":   t.Nodes,
	}
	if len(t.Boxes) > 0 {
		info["boxes"] = t.Boxes
	}
	if t.VMSize != "" {
		info["vm_size"] = t.VMSize
	}
	if t.Docker != "" {
		info["docker"] = t.Docker
	}
	if t.LowPriority {
		info["low_pri"] = true
	}
	return info
}

func boxName(t config.ComputeTarget, index int) string {
	if index < len(t.Boxes) {
		return t.Boxes[index]
	}
	return models.NodeID(index)
}

// LibCaptureDir holds the xtlib-capture copy, below snapshot.AuxDir.
const LibCaptureDir = "xtlib"

// launchTrace records what a launch created so a failed one can be undone.
type launchTrace struct {
	runs     []string
	jobInfo  models.ServiceInfo
	nodeInfo map[string]models.ServiceInfo
}

// launch allocates run records, writes the job files and calls the backend.
func (e *Engine) launch(ctx context.Context, s *submission, plan *fanout.Plan, job *models.Job, be backend.Backend, tr *launchTrace, log *logrus.Entry) (*SubmitResult, error) {
	runNames, byNode, err := e.allocateRuns(ctx, s, plan, job, tr)
	if err != nil {
		return nil, err
	}
	runsByBox := map[string][]string{}
	var all []string
	for _, node := range plan.Nodes {
		runsByBox[node.ID] = byNode[node.Index]
		all = append(all, byNode[node.Index]...)
	}
	if err := e.store.UpdateJob(ctx, job.JobID, models.Update{Set: map[string]interface{}{
		"runs_by_box": runsByBox,
		"active_runs": all,
	}}); err != nil {
		return nil, err
	}
	job.RunsByBox = runsByBox

	workDir, err := os.MkdirTemp("", "xt-snapshot-*")
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "create snapshot dir")
	}
	defer os.RemoveAll(workDir)
	snap, err := e.buildSnapshot(ctx, s, workDir, log)
	if err != nil {
		return nil, err
	}

	env := e.jobEnv(s.target)
	creds, err := json.Marshal(supervisor.CredsFromConfig(e.infra))
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryInternal, err, "encode store creds")
	}
	mrc, err := fanout.BuildContext(plan, runNames, fanout.Template{
		JobID:         job.JobID,
		Workspace:     job.Workspace,
		WorkingDir:    e.file.Code.WorkDir,
		Experiment:    job.Experiment,
		Target:        job.Compute,
		StoreCreds:    creds,
		MongoConnStr:  e.infra.PostgresConn,
		Env:           env,
		AfterFiles:    fanout.AfterFiles{Dirs: e.file.AfterFiles.Dirs, Omit: e.file.AfterFiles.Omit},
		SearchType:    s.req.SearchType,
		SearchStyle:   s.style,
		Concurrent:    s.req.Concurrent,
		PrimaryMetric: job.PrimaryMetric,
		Maximize:      job.Maximize,
		BaseCmd:       s.baseCmd,
		OptionPrefix:  e.file.HPSearch.OptionPrefix,
		MinTrials:     e.file.HPSearch.MinTrials,
	})
	if err != nil {
		return nil, err
	}
	mrcData, err := mrc.Encode()
	if err != nil {
		return nil, err
	}
	if err := snap.AddFile(blobstore.MultiRunContextName, mrcData, 0o644); err != nil {
		return nil, err
	}
	if err := blobstore.UploadBytes(ctx, e.blobs, blobstore.JobPath(job.JobID, blobstore.MultiRunContextName), mrcData); err != nil {
		return nil, err
	}
	if s.style == models.StyleStatic || s.style == models.StyleDynamic {
		data, err := search.SweepFile(s.style, s.expansions, s.sweep)
		if err != nil {
			return nil, err
		}
		if err := snap.AddFile(blobstore.SweepFileName, data, 0o644); err != nil {
			return nil, err
		}
		if err := blobstore.UploadBytes(ctx, e.blobs, blobstore.JobPath(job.JobID, blobstore.SweepFileName), data); err != nil {
			return nil, err
		}
	}

	nodeCmds := fanout.NodeCommands(plan)
	if err := be.AdjustRunCommands(ctx, &backend.AdjustRequest{
		JobID:       job.JobID,
		Workspace:   job.Workspace,
		Experiment:  job.Experiment,
		ServiceType: s.svc.Kind,
		UsingHP:     !s.sweep.Empty(),
		Snapshot:    snap,
		NodeCmds:    nodeCmds,
		Image:       s.target.Docker,
		Env:         env,
		CodeZip:     e.file.Code.CodeZip,
		Setup:       s.target.Setup,
	}); err != nil {
		return nil, err
	}
	if _, err := snap.Upload(ctx, e.blobs, job.JobID, e.file.Code.CodeZip); err != nil {
		return nil, err
	}

	nodes, err := e.nodeSubmits(ctx, plan, job, nodeCmds, byNode)
	if err != nil {
		return nil, err
	}
	jobInfo, nodeInfo, err := be.SubmitJob(ctx, backend.SubmitRequest{
		JobID:      job.JobID,
		Workspace:  job.Workspace,
		Experiment: job.Experiment,
		Target:     job.Compute,
		Team:       e.file.General.Team,
		Username:   job.Username,
		Nodes:      nodes,
		CodePath:   blobstore.JobPath(job.JobID, blobstore.BeforeCodeDir),
		CodeZip:    e.file.Code.CodeZip,
		Env:        env,
	})
	tr.jobInfo, tr.nodeInfo = jobInfo, nodeInfo
	if err != nil {
		metrics.BackendError()
		return nil, err
	}
	if err := e.store.UpdateJob(ctx, job.JobID, models.Update{Set: map[string]interface{}{
		"service_job_info":     jobInfo,
		"service_info_by_node": nodeInfo,
	}}); err != nil {
		return nil, err
	}
	if _, err := e.store.SetJobStatus(ctx, job.JobID, models.JobAllocating, models.Update{}); err != nil {
		return nil, err
	}
	for _, name := range all {
		if _, err := e.store.SetRunStatus(ctx, job.Workspace, name, models.RunQueued, false, models.Update{}); err != nil {
			return nil, err
		}
	}

	nodeIDs := make([]string, 0, len(plan.Nodes))
	for _, n := range plan.Nodes {
		nodeIDs = append(nodeIDs, n.ID)
	}
	return &SubmitResult{
		JobID:       job.JobID,
		Workspace:   job.Workspace,
		SearchStyle: s.style,
		RunNames:    all,
		Nodes:       nodeIDs,
	}, nil
}

// allocateRuns writes one record per planned run, or one parent per node for
// dynamic search. It returns the names in plan order and per node index.
func (e *Engine) allocateRuns(ctx context.Context, s *submission, plan *fanout.Plan, job *models.Job, tr *launchTrace) ([]string, map[int][]string, error) {
	newRun := func(nodeIndex int, cmd string, hp map[string]interface{}) *models.Run {
		run := &models.Run{
			Workspace:   job.Workspace,
			JobID:       job.JobID,
			NodeIndex:   nodeIndex,
			BoxName:     boxName(s.target, nodeIndex),
			Experiment:  job.Experiment,
			Username:    job.Username,
			Compute:     job.Compute,
			ServiceType: job.ServiceType,
			SKU:         s.target.VMSize,
			HParams:     hp,
			CmdLine:     cmd,
			SearchType:  s.req.SearchType,
			SearchStyle: s.style,
		}
		if len(s.tags) > 0 {
			run.Tags = models.Tags{}
			for k, v := range s.tags {
				run.Tags[k] = v
			}
		}
		return run
	}
	start := func(run *models.Run) (string, error) {
		name, err := e.store.StartRun(ctx, run)
		if err != nil {
			return "", err
		}
		tr.runs = append(tr.runs, name)
		if run.CmdLine != "" {
			if err := e.store.LogRunEvent(ctx, run.Workspace, name, models.EventCmd, map[string]interface{}{"cmd": run.CmdLine}); err != nil {
				return "", err
			}
		}
		if len(run.HParams) > 0 {
			if err := e.store.LogRunEvent(ctx, run.Workspace, name, models.EventHParams, run.HParams); err != nil {
				return "", err
			}
		}
		return name, nil
	}

	byNode := map[int][]string{}
	if plan.DynamicRuns > 0 {
		names := make([]string, len(plan.Nodes))
		for _, node := range plan.Nodes {
			run := newRun(node.Index, s.baseCmd, nil)
			run.IsParent = true
			name, err := start(run)
			if err != nil {
				return nil, nil, err
			}
			names[node.Index] = name
			byNode[node.Index] = []string{name}
		}
		return names, byNode, nil
	}

	nodeOf := make([]int, len(plan.Runs))
	for _, node := range plan.Nodes {
		for _, idx := range node.Runs {
			nodeOf[idx] = node.Index
		}
	}
	names := make([]string, len(plan.Runs))
	for idx, r := range plan.Runs {
		name, err := start(newRun(nodeOf[idx], r.Cmd, r.HParams))
		if err != nil {
			return nil, nil, err
		}
		names[idx] = name
	}
	for _, node := range plan.Nodes {
		for _, idx := range node.Runs {
			byNode[node.Index] = append(byNode[node.Index], names[idx])
		}
	}
	return names, byNode, nil
}

func (e *Engine) buildSnapshot(ctx context.Context, s *submission, workDir string, log *logrus.Entry) (*snapshot.Snapshot, error) {
	specs := s.req.CodeDirs
	if len(specs) == 0 {
		specs = e.file.Code.Dirs
	}
	dirs, err := snapshot.ParseCodeDirs(specs)
	if err != nil {
		return nil, err
	}
	for i := range dirs {
		if !filepath.IsAbs(dirs[i].Src) && s.req.WorkDir != "" {
			dirs[i].Src = filepath.Join(s.req.WorkDir, dirs[i].Src)
		}
	}
	if !e.file.Code.Upload {
		dirs = nil
	}
	opts := snapshot.Options{
		CodeDirs: dirs,
		Omit:     e.file.Code.Omit,
		CodeZip:  e.file.Code.CodeZip,
	}
	if e.file.Code.Capture {
		if opts.Aux, err = e.libCapture(); err != nil {
			return nil, err
		}
	}
	return snapshot.Build(ctx, opts, workDir, log)
}

// libCapture is copied under the snapshot's aux dir so nodes can run the
// submitting version of xt.
func (e *Engine) libCapture() ([]snapshot.CodeDir, error) {
	src := e.file.Code.LibPath
	if src == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, xterr.Wrap(xterr.CategoryEnv, err, "locate the xt executable")
		}
		src = exe
	}
	return []snapshot.CodeDir{{Src: src, Dst: LibCaptureDir}}, nil
}

// jobEnv merges the general env vars with the target's.
func (e *Engine) jobEnv(t config.ComputeTarget) map[string]string {
	env := map[string]string{}
	for k, v := range e.file.General.Env {
		env[k] = v
	}
	for k, v := range t.Env {
		env[k] = v
	}
	return env
}

func (e *Engine) nodeSubmits(ctx context.Context, plan *fanout.Plan, job *models.Job, nodeCmds map[string][]string, byNode map[int][]string) ([]backend.NodeSubmit, error) {
	var cert []byte
	if plan.UseController && e.vault != nil {
		pem, err := e.vault.Secret(ctx, e.certName)
		switch {
		case err == nil:
			cert = pem
		case errors.Is(err, xterr.ErrNotFound):
			e.log.WithField("cert", e.certName).Warn("no supervisor certificate in vault; supervisors will serve plain http")
		default:
			return nil, err
		}
	}
	creds := supervisor.CredsFromConfig(e.infra)
	out := make([]backend.NodeSubmit, 0, len(plan.Nodes))
	for _, node := range plan.Nodes {
		vars, err := supervisor.NodeEnv{
			JobID:         job.JobID,
			NodeID:        node.ID,
			BoxSecret:     node.BoxSecret,
			ServerCert:    cert,
			StoreCreds:    creds,
			MongoConnStr:  e.infra.PostgresConn,
			StoreCodePath: blobstore.JobPath(job.JobID, blobstore.BeforeCodeDir),
		}.Vars()
		if err != nil {
			return nil, err
		}
		out = append(out, backend.NodeSubmit{
			ID:        node.ID,
			Index:     node.Index,
			BoxSecret: node.BoxSecret,
			Cmds:      nodeCmds[node.ID],
			Env:       vars,
			RunNames:  byNode[node.Index],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// markSubmitFailed terminates a job whose launch failed: whatever the backend
// already created is cancelled and every run record written is marked error.
// Its blobs stay for post-mortem.
func (e *Engine) markSubmitFailed(ctx context.Context, be backend.Backend, job *models.Job, tr *launchTrace, cause error, log *logrus.Entry) {
	metrics.SubmitFailed()
	log.WithError(cause).Error("submit failed")
	ctx = context.WithoutCancel(ctx)
	if len(tr.jobInfo) > 0 || len(tr.nodeInfo) > 0 {
		if _, err := be.CancelJob(ctx, tr.jobInfo, tr.nodeInfo); err != nil && !errors.Is(err, backend.ErrUnsupported) {
			metrics.BackendError()
			log.WithError(err).Warn("could not release backend job")
		}
	}
	for _, name := range tr.runs {
		if _, err := e.store.SetRunStatus(ctx, job.Workspace, name, models.RunError, false, models.Update{}); err != nil {
			log.WithError(err).WithField("run", name).Warn("could not mark run failed")
		}
	}
	if _, err := e.store.SetJobStatus(ctx, job.JobID, models.JobCompleted, models.Update{Set: map[string]interface{}{
		"error_runs": job.RunCount,
	}}); err != nil {
		log.WithError(err).Warn("could not mark job failed")
	}
	e.emit(ctx, events.JobSubmitFailed, job.JobID, map[string]interface{}{
		"job_id": job.JobID, "error": cause.Error(),
	})
}
