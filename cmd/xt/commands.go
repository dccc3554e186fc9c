package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/engine"
	"github.com/xt-ml/xt/pkg/events"
	"github.com/xt-ml/xt/pkg/query"
	"github.com/xt-ml/xt/pkg/report"
	"github.com/xt-ml/xt/pkg/supervisor"
)

func commands() []command {
	return []command{
		{words: []string{"run"}, usage: "run [--target T] [--nodes N] [--runs N] [--search TYPE] [--sweeps FILE] [--multi FILE] <cmd...>", run: cmdRun},
		{words: []string{"monitor"}, usage: "monitor <job> [--node N] [--offset N]", run: cmdMonitor},

		{words: []string{"view", "log"}, usage: "view log <run>", run: cmdViewLog},
		{words: []string{"view", "console"}, usage: "view console <job> [--node N] [--start N] [--end N]", run: cmdViewConsole},
		{words: []string{"view", "metrics"}, usage: "view metrics <run>", run: cmdViewMetrics},
		{words: []string{"view", "controller", "status"}, usage: "view controller status <job> [--node N] [--stage S]", run: cmdControllerStatus},
		{words: []string{"view", "controller", "log"}, usage: "view controller log <job> [--node N]", run: cmdControllerLog},
		{words: []string{"view", "events"}, usage: "view events", run: cmdViewEvents},
		{words: []string{"view", "config"}, usage: "view config", run: cmdViewConfig},

		{words: []string{"cancel", "run"}, usage: "cancel run <runs...>", run: cmdCancelRun},
		{words: []string{"cancel", "job"}, usage: "cancel job <jobs...>", run: cmdCancelJob},
		{words: []string{"cancel", "all"}, usage: "cancel all [target]", run: cmdCancelAll},

		{words: []string{"list", "runs"}, usage: "list runs [runs...] [--filter P] [--columns C] [--first N|--last N|--all]", run: cmdListRuns},
		{words: []string{"list", "jobs"}, usage: "list jobs [jobs...] [--filter P] [--columns C] [--first N|--last N|--all]", run: cmdListJobs},
		{words: []string{"list", "workspaces"}, usage: "list workspaces", run: cmdListWorkspaces},
		{words: []string{"list", "blobs"}, usage: "list blobs [prefix]", run: cmdListBlobs},
		{words: []string{"list", "shares"}, usage: "list shares", run: cmdListShares},
		{words: []string{"list", "queue"}, usage: "list queue <job> [--node N]", run: cmdListQueue},
		{words: []string{"list", "tags"}, usage: "list tags <runs or jobs...>", run: cmdListTags},

		{words: []string{"upload"}, usage: "upload <local> <blob path>", run: cmdUpload},
		{words: []string{"download"}, usage: "download <blob path> <local>", run: cmdDownload},
		{words: []string{"extract"}, usage: "extract <run> <dir>", run: cmdExtract},
		{words: []string{"export", "workspace"}, usage: "export workspace <zip> [--jobs J] [--exper E]", run: cmdExport},
		{words: []string{"import", "workspace"}, usage: "import workspace <zip> [--new-ws W] [--job-prefix P] [--overwrite]", run: cmdImport},

		{words: []string{"create", "workspace"}, usage: "create workspace <name>", run: cmdCreateWorkspace},
		{words: []string{"delete", "workspace"}, usage: "delete workspace <name> --response <name>", run: cmdDeleteWorkspace},
		{words: []string{"create", "share"}, usage: "create share <name>", run: cmdCreateShare},
		{words: []string{"delete", "share"}, usage: "delete share <name> --response <name>", run: cmdDeleteShare},
		{words: []string{"migrate", "workspace"}, usage: "migrate workspace <name>", run: cmdMigrate},

		{words: []string{"set", "tags"}, usage: "set tags <runs or jobs...> --tags name[=value],...", run: cmdSetTags},
		{words: []string{"clear", "tags"}, usage: "clear tags <runs or jobs...> --tags name,...", run: cmdClearTags},
		{words: []string{"set", "concurrent"}, usage: "set concurrent <job> <n> [--node N]", run: cmdSetConcurrent},
		{words: []string{"refresh", "job"}, usage: "refresh job <jobs...>", run: cmdRefreshJob},

		{words: []string{"help"}, usage: "help", local: cmdHelp},
		{words: []string{"version"}, usage: "version", local: cmdVersion},
	}
}

func cmdHelp(out io.Writer, _ []string) error {
	fmt.Fprintln(out, "usage: xt [--config FILE] [--ws NAME] [--json] <command>")
	fmt.Fprintln(out, "keywords may be abbreviated to four characters")
	fmt.Fprintln(out)
	for _, c := range commands() {
		fmt.Fprintf(out, "  %s\n", c.usage)
	}
	return nil
}

func cmdVersion(out io.Writer, _ []string) error {
	_, err := fmt.Fprintf(out, "xt %s\n", supervisor.Version)
	return err
}

// show prints v as JSON in --json mode and through text otherwise.
func (a *app) show(v interface{}, text func(w io.Writer) error) error {
	if a.jsonOut {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(a.out)
}

func (a *app) workspace() string { return a.file.General.Workspace }

// isJobSpec tells job specs ("job3", "job*", "imp_job2") from run specs.
func isJobSpec(specs []string) bool {
	for _, s := range specs {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" && !strings.Contains(part, "job") {
				return false
			}
		}
	}
	return len(specs) > 0
}

func cmdRun(ctx context.Context, a *app, args []string) error {
	fs := newFlags("run")
	var (
		req      engine.SubmitRequest
		tags     listFlag
		codeDirs listFlag
		multi    string
		follow   bool
	)
	fs.StringVar(&req.Target, "target", "", "compute target")
	fs.StringVar(&req.Experiment, "exper", "", "experiment name")
	fs.IntVar(&req.Nodes, "nodes", 0, "node count")
	fs.IntVar(&req.Runs, "runs", 0, "repeat count, static run cap or dynamic run total")
	fs.StringVar(&req.SearchType, "search", "", "random, grid, bayesian or dgd")
	fs.StringVar(&req.SweepFile, "sweeps", "", "hyperparameter sweep YAML file")
	fs.IntVar(&req.Concurrent, "concurrent", 0, "runs per node at once")
	fs.BoolVar(&req.DirectRun, "direct-run", false, "run commands without the node controller")
	fs.StringVar(&req.Schedule, "schedule", "", "static or dynamic")
	fs.Int64Var(&req.Seed, "seed", 0, "search seed")
	fs.Var(&tags, "tags", "tags to set on the job and its runs")
	fs.Var(&codeDirs, "code-dirs", "code dirs to snapshot")
	fs.StringVar(&multi, "multi", "", "file with one command per line")
	fs.BoolVar(&follow, "monitor", false, "follow node0 after submit")
	if err := fs.Parse(args); err != nil {
		return xterr.Syntax("run: %v", err)
	}
	req.Tags = tags
	req.CodeDirs = codeDirs
	req.WorkDir = a.workDir
	if multi != "" {
		cmds, err := readCommandFile(multi)
		if err != nil {
			return err
		}
		req.Cmds = cmds
	}
	if rest := fs.Args(); len(rest) > 0 {
		if multi != "" {
			return xterr.Combo("give either --multi or a command, not both")
		}
		req.Cmds = []string{strings.Join(rest, " ")}
	}
	if len(req.Cmds) == 0 {
		return xterr.Syntax("run needs a command")
	}

	res, err := a.eng.Submit(ctx, req)
	if err != nil {
		return err
	}
	if err := a.show(res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s submitted (%s): %d run(s) on %s\n  %s\n",
			res.JobID, res.SearchStyle, len(res.RunNames), strings.Join(res.Nodes, ", "), strings.Join(res.RunNames, ", "))
		return err
	}); err != nil {
		return err
	}
	if !follow {
		return nil
	}
	return a.monitor(ctx, res.JobID, engine.MonitorOptions{})
}

func readCommandFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "open "+name)
	}
	defer f.Close()
	var cmds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmds = append(cmds, line)
	}
	if err := sc.Err(); err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "read "+name)
	}
	return cmds, nil
}

func cmdMonitor(ctx context.Context, a *app, args []string) error {
	fs := newFlags("monitor")
	var opts engine.MonitorOptions
	fs.IntVar(&opts.Node, "node", 0, "node index")
	fs.Int64Var(&opts.StartOffset, "offset", 0, "resume the log at this byte offset")
	fs.StringVar(&opts.LogName, "log", "", "node log name")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if err := needArgs("monitor", pos, 1); err != nil {
		return err
	}
	return a.monitor(ctx, pos[0], opts)
}

// monitor follows one node log with the escape keys armed.
func (a *app) monitor(ctx context.Context, jobID string, opts engine.MonitorOptions) error {
	var restore func()
	opts.Out = a.out
	if !a.jsonOut && a.out == os.Stdout {
		opts.Escape, opts.Out, restore = watchEscape(os.Stdin, a.out)
	}
	res, err := a.eng.Monitor(ctx, jobID, opts)
	if restore != nil {
		restore()
	}
	if err != nil {
		return err
	}
	return a.show(res, func(w io.Writer) error {
		if res.Escaped {
			_, err := fmt.Fprintf(w, "\nstopped monitoring %s %s; resume with --offset %d\n", res.JobID, res.Node, res.NextOffset)
			return err
		}
		_, err := fmt.Fprintf(w, "%s %s: %s\n", res.JobID, res.Node, res.Status)
		return err
	})
}

func cmdViewLog(ctx context.Context, a *app, args []string) error {
	if err := needArgs("view log", args, 1); err != nil {
		return err
	}
	data, err := a.eng.RunLog(ctx, a.workspace(), args[0])
	if err != nil {
		return err
	}
	_, err = a.out.Write(data)
	return err
}

func cmdViewConsole(ctx context.Context, a *app, args []string) error {
	fs := newFlags("view console")
	node := fs.Int("node", 0, "node index")
	start := fs.Int64("start", 0, "first byte")
	end := fs.Int64("end", -1, "end byte, -1 for the whole log")
	logName := fs.String("log", "", "node log name")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if err := needArgs("view console", pos, 1); err != nil {
		return err
	}
	chunk, err := a.eng.ReadConsole(ctx, pos[0], *node, *logName, *start, *end)
	if err != nil {
		return err
	}
	return a.show(chunk, func(w io.Writer) error {
		_, err := io.WriteString(w, chunk.NewText)
		return err
	})
}

func cmdViewMetrics(ctx context.Context, a *app, args []string) error {
	if err := needArgs("view metrics", args, 1); err != nil {
		return err
	}
	sets, err := a.eng.RunMetrics(ctx, a.workspace(), args[0])
	if err != nil {
		return err
	}
	return a.show(sets, func(w io.Writer) error {
		if len(sets) == 0 {
			_, err := fmt.Fprintf(w, "%s has logged no metrics\n", args[0])
			return err
		}
		for i, set := range sets {
			if i > 0 {
				fmt.Fprintln(w)
			}
			docs := make([]models.Document, 0, len(set.Records))
			for _, rec := range set.Records {
				docs = append(docs, models.Document(rec))
			}
			tbl, err := report.Build(docs, set.Keys, nil, report.Runs)
			if err != nil {
				return err
			}
			if err := tbl.Write(w); err != nil {
				return err
			}
		}
		return nil
	})
}

func cmdControllerStatus(ctx context.Context, a *app, args []string) error {
	fs := newFlags("view controller status")
	node := fs.Int("node", 0, "node index")
	stage := fs.String("stage", "queued,active,completed", "run stages to show")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if err := needArgs("view controller status", pos, 1); err != nil {
		return err
	}
	st, err := a.eng.ControllerStatus(ctx, pos[0], *node, *stage)
	if err != nil {
		return err
	}
	return a.show(st, func(w io.Writer) error {
		fmt.Fprintf(w, "%s %s: xt %s, up %.0fs, concurrent %d\n", pos[0], st.Node, st.Version, st.Elapsed, st.Concurrent)
		docs := make([]models.Document, 0, len(st.Runs))
		for _, r := range st.Runs {
			d, err := models.ToDocument(r)
			if err != nil {
				return xterr.Wrap(xterr.CategoryInternal, err, "encode run info")
			}
			docs = append(docs, d)
		}
		tbl, err := report.Build(docs, []string{"name", "status", "elapsed:.1f", "exit_code"}, nil, report.Runs)
		if err != nil {
			return err
		}
		return tbl.Write(w)
	})
}

func cmdControllerLog(ctx context.Context, a *app, args []string) error {
	fs := newFlags("view controller log")
	node := fs.Int("node", 0, "node index")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if err := needArgs("view controller log", pos, 1); err != nil {
		return err
	}
	text, err := a.eng.ControllerLog(ctx, pos[0], *node)
	if err != nil {
		return err
	}
	_, err = io.WriteString(a.out, text)
	return err
}

func cmdViewEvents(ctx context.Context, a *app, _ []string) error {
	return events.Tail(ctx, a.cfg, a.log, func(e models.Event) {
		if a.jsonOut {
			_ = json.NewEncoder(a.out).Encode(e)
			return
		}
		data, _ := json.Marshal(e.Data)
		fmt.Fprintf(a.out, "%s  %-20s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Type, data)
	})
}

func cmdViewConfig(_ context.Context, a *app, _ []string) error {
	_, err := io.WriteString(a.out, a.file.String())
	return err
}

func cmdCancelRun(ctx context.Context, a *app, args []string) error {
	if err := needArgs("cancel run", args, 1); err != nil {
		return err
	}
	names, err := a.eng.ExpandRunNames(ctx, a.workspace(), args)
	if err != nil {
		return err
	}
	res, err := a.eng.CancelRuns(ctx, a.workspace(), names)
	if err != nil {
		return err
	}
	return a.show(res, func(w io.Writer) error {
		for _, rc := range res {
			verb := "cancelled"
			if !rc.Cancelled {
				verb = "already " + rc.Status
			}
			fmt.Fprintf(w, "%s: %s (via %s)\n", rc.RunName, verb, rc.Via)
		}
		return nil
	})
}

func printJobCancel(w io.Writer, jc *engine.JobCancel) {
	state := "cancelled"
	if jc.Partial {
		state = "partially cancelled"
	}
	if len(jc.Nodes) == 0 {
		state = "already " + jc.Status
	}
	fmt.Fprintf(w, "%s: %s, %d run(s) ended\n", jc.JobID, state, jc.Ended)
	for _, nc := range jc.Nodes {
		line := fmt.Sprintf("  %s: %s via %s", nc.Node, nc.Status, nc.Via)
		if nc.Error != "" {
			line += " (" + nc.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func cmdCancelJob(ctx context.Context, a *app, args []string) error {
	if err := needArgs("cancel job", args, 1); err != nil {
		return err
	}
	ids, err := a.eng.ExpandJobNames(ctx, args)
	if err != nil {
		return err
	}
	var out []*engine.JobCancel
	for _, id := range ids {
		jc, err := a.eng.CancelJob(ctx, id)
		if err != nil {
			return err
		}
		out = append(out, jc)
	}
	return a.show(out, func(w io.Writer) error {
		for _, jc := range out {
			printJobCancel(w, jc)
		}
		return nil
	})
}

func cmdCancelAll(ctx context.Context, a *app, args []string) error {
	target := a.file.General.Target
	if len(args) > 0 {
		target = args[0]
	}
	out, err := a.eng.CancelAll(ctx, target)
	if showErr := a.show(out, func(w io.Writer) error {
		if len(out) == 0 && err == nil {
			fmt.Fprintf(w, "no active jobs on %s\n", target)
		}
		for _, jc := range out {
			printJobCancel(w, jc)
		}
		return nil
	}); showErr != nil {
		return showErr
	}
	return err
}

// listFlags are the filter, sort and column options of list commands.
type listFlags struct {
	filters  listFlag
	tagsAll  listFlag
	tagsAny  listFlag
	columns  listFlag
	exper    string
	target   string
	user     string
	job      string
	sortSpec string
	reverse  bool
	first    int
	last     int
	all      bool
}

func (lf *listFlags) register(fs *flag.FlagSet) {
	fs.Var(&lf.filters, "filter", "property filter such as \"acc>=.7\"")
	fs.Var(&lf.tagsAll, "tags-all", "records carrying every tag")
	fs.Var(&lf.tagsAny, "tags-any", "records carrying any tag")
	fs.Var(&lf.columns, "columns", "report columns")
	fs.StringVar(&lf.exper, "exper", "", "experiment")
	fs.StringVar(&lf.target, "target", "", "compute target")
	fs.StringVar(&lf.user, "user", "", "username")
	fs.StringVar(&lf.job, "job", "", "runs of one job")
	fs.StringVar(&lf.sortSpec, "sort", "", "sort column")
	fs.BoolVar(&lf.reverse, "reverse", false, "sort descending")
	fs.IntVar(&lf.first, "first", 0, "first N records")
	fs.IntVar(&lf.last, "last", 0, "last N records")
	fs.BoolVar(&lf.all, "all", false, "every record")
}

// sortPath maps a sort spec to a document path. "name" sorts by number.
func sortPath(spec string, kind report.Kind) (string, error) {
	if spec == "" || spec == "name" {
		if kind == report.Jobs {
			return "job_num", nil
		}
		return "run_num", nil
	}
	c, err := report.ParseColumn(spec, kind)
	if err != nil {
		return "", err
	}
	return c.Path(), nil
}

func (lf *listFlags) query(names []string, nameField, ws, defaultSort string, kind report.Kind) (query.Query, error) {
	props := append([]string(nil), lf.filters...)
	if lf.job != "" {
		props = append(props, "job_id="+lf.job)
	}
	f, err := query.Build(query.Options{
		NameField:  nameField,
		Names:      names,
		Workspace:  ws,
		Experiment: lf.exper,
		Target:     lf.target,
		Username:   lf.user,
		Props:      props,
		TagsAll:    lf.tagsAll,
		TagsAny:    lf.tagsAny,
	})
	if err != nil {
		return query.Query{}, err
	}
	spec := lf.sortSpec
	if spec == "" {
		spec = defaultSort
	}
	field, err := sortPath(spec, kind)
	if err != nil {
		return query.Query{}, err
	}
	first, last := query.Limits(lf.first, lf.last, lf.all)
	return query.Query{Filter: f, SortField: field, Descending: lf.reverse, First: first, Last: last}, nil
}

func (a *app) showDocs(docs []models.Document, columns, defaults []string, kind report.Kind) error {
	if a.jsonOut {
		return a.show(docs, nil)
	}
	tbl, err := report.Build(docs, columns, defaults, kind)
	if err != nil {
		return err
	}
	if err := tbl.Write(a.out); err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "\n%d record(s)\n", len(docs))
	return err
}

func cmdListRuns(ctx context.Context, a *app, args []string) error {
	fs := newFlags("list runs")
	var lf listFlags
	lf.register(fs)
	specs, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	ws := a.workspace()
	var names []string
	if len(specs) > 0 {
		if names, err = a.eng.ExpandRunNames(ctx, ws, specs); err != nil {
			return err
		}
		if len(names) == 0 {
			return a.showDocs(nil, lf.columns, a.file.General.DefaultColumns, report.Runs)
		}
	}
	q, err := lf.query(names, "run_name", ws, a.file.General.DefaultSort, report.Runs)
	if err != nil {
		return err
	}
	docs, err := a.eng.ListRuns(ctx, ws, q)
	if err != nil {
		return err
	}
	return a.showDocs(docs, lf.columns, a.file.General.DefaultColumns, report.Runs)
}

func cmdListJobs(ctx context.Context, a *app, args []string) error {
	fs := newFlags("list jobs")
	var lf listFlags
	lf.register(fs)
	anyWS := fs.Bool("any-ws", false, "jobs of every workspace")
	specs, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	var names []string
	if len(specs) > 0 {
		if names, err = a.eng.ExpandJobNames(ctx, specs); err != nil {
			return err
		}
		if len(names) == 0 {
			return a.showDocs(nil, lf.columns, a.file.General.JobColumns, report.Jobs)
		}
	}
	ws := a.workspace()
	if *anyWS {
		ws = ""
	}
	q, err := lf.query(names, "job_id", ws, "", report.Jobs)
	if err != nil {
		return err
	}
	docs, err := a.eng.ListJobs(ctx, q)
	if err != nil {
		return err
	}
	return a.showDocs(docs, lf.columns, a.file.General.JobColumns, report.Jobs)
}

func printLines(w io.Writer, lines []string) error {
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func cmdListWorkspaces(ctx context.Context, a *app, _ []string) error {
	names, err := a.eng.ListWorkspaces(ctx)
	if err != nil {
		return err
	}
	return a.show(names, func(w io.Writer) error { return printLines(w, names) })
}

func cmdListBlobs(ctx context.Context, a *app, args []string) error {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	objs, err := a.eng.ListBlobs(ctx, prefix)
	if err != nil {
		return err
	}
	return a.show(objs, func(w io.Writer) error {
		for _, o := range objs {
			fmt.Fprintf(w, "%10d  %s  %s\n", o.Size, o.Modified.Local().Format("2006-01-02 15:04:05"), o.Path)
		}
		return nil
	})
}

func cmdListShares(ctx context.Context, a *app, _ []string) error {
	names, err := a.eng.ListShares(ctx)
	if err != nil {
		return err
	}
	return a.show(names, func(w io.Writer) error { return printLines(w, names) })
}

func cmdListQueue(ctx context.Context, a *app, args []string) error {
	fs := newFlags("list queue")
	node := fs.Int("node", 0, "node index")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if err := needArgs("list queue", pos, 1); err != nil {
		return err
	}
	entries, err := a.eng.QueueEntries(ctx, pos[0], *node)
	if err != nil {
		return err
	}
	return a.show(entries, func(w io.Writer) error {
		if len(entries) == 0 {
			_, err := fmt.Fprintf(w, "%s node%d is not queued anywhere\n", pos[0], *node)
			return err
		}
		for _, e := range entries {
			mark := " "
			if e.Current {
				mark = ">"
			}
			fmt.Fprintf(w, "%s %s\n", mark, e.Name)
		}
		return nil
	})
}

func formatTags(tags models.Tags) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := tags[k]; v != nil {
			parts = append(parts, k+"="+*v)
		} else {
			parts = append(parts, k)
		}
	}
	return strings.Join(parts, ", ")
}

func cmdListTags(ctx context.Context, a *app, args []string) error {
	if err := needArgs("list tags", args, 1); err != nil {
		return err
	}
	var (
		tags map[string]models.Tags
		err  error
	)
	if isJobSpec(args) {
		tags, err = a.eng.JobTags(ctx, args)
	} else {
		tags, err = a.eng.RunTags(ctx, a.workspace(), args)
	}
	if err != nil {
		return err
	}
	return a.show(tags, func(w io.Writer) error {
		names := make([]string, 0, len(tags))
		for n := range tags {
			names = append(names, n)
		}
		sort.Slice(names, func(i, j int) bool { return lessName(names[i], names[j]) })
		for _, n := range names {
			fmt.Fprintf(w, "%s: %s\n", n, formatTags(tags[n]))
		}
		return nil
	})
}

// lessName orders run and job names by number.
func lessName(a, b string) bool {
	if x, err := models.RunNum(a); err == nil {
		if y, err := models.RunNum(b); err == nil {
			return x < y
		}
	}
	if x, err := models.ParseJobNum(a); err == nil {
		if y, err := models.ParseJobNum(b); err == nil {
			return x < y
		}
	}
	return a < b
}

func tagArgs(name string, args []string) ([]string, []string, error) {
	fs := newFlags(name)
	var tags listFlag
	fs.Var(&tags, "tags", "tags")
	specs, err := parseInterspersed(fs, args)
	if err != nil {
		return nil, nil, err
	}
	if len(specs) == 0 || len(tags) == 0 {
		return nil, nil, xterr.Syntax("%s needs names and --tags", name)
	}
	return specs, tags, nil
}

func cmdSetTags(ctx context.Context, a *app, args []string) error {
	specs, tags, err := tagArgs("set tags", args)
	if err != nil {
		return err
	}
	var n int
	if isJobSpec(specs) {
		n, err = a.eng.SetJobTags(ctx, specs, tags)
	} else {
		n, err = a.eng.SetRunTags(ctx, a.workspace(), specs, tags)
	}
	if err != nil {
		return err
	}
	return a.show(map[string]int{"updated": n}, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "tagged %d record(s)\n", n)
		return err
	})
}

func cmdClearTags(ctx context.Context, a *app, args []string) error {
	specs, tags, err := tagArgs("clear tags", args)
	if err != nil {
		return err
	}
	var n int
	if isJobSpec(specs) {
		n, err = a.eng.ClearJobTags(ctx, specs, tags)
	} else {
		n, err = a.eng.ClearRunTags(ctx, a.workspace(), specs, tags)
	}
	if err != nil {
		return err
	}
	return a.show(map[string]int{"updated": n}, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "cleared tags on %d record(s)\n", n)
		return err
	})
}

func cmdSetConcurrent(ctx context.Context, a *app, args []string) error {
	fs := newFlags("set concurrent")
	node := fs.Int("node", 0, "node index")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if err := needArgs("set concurrent", pos, 2); err != nil {
		return err
	}
	n, err := strconv.Atoi(pos[1])
	if err != nil || n < 1 {
		return xterr.Syntax("concurrency must be a positive number, not %q", pos[1])
	}
	return a.eng.SetConcurrent(ctx, pos[0], *node, n)
}

func cmdRefreshJob(ctx context.Context, a *app, args []string) error {
	if err := needArgs("refresh job", args, 1); err != nil {
		return err
	}
	ids, err := a.eng.ExpandJobNames(ctx, args)
	if err != nil {
		return err
	}
	var jobs []*models.Job
	for _, id := range ids {
		job, err := a.eng.RefreshJobStatus(ctx, id)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	return a.show(jobs, func(w io.Writer) error {
		for _, j := range jobs {
			fmt.Fprintf(w, "%s: %s (running %d, completed %d, error %d)\n",
				j.JobID, j.Status, j.RunningRuns, j.CompletedRuns, j.ErrorRuns)
		}
		return nil
	})
}

func cmdUpload(ctx context.Context, a *app, args []string) error {
	if err := needArgs("upload", args, 2); err != nil {
		return err
	}
	paths, err := a.eng.Upload(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	return a.show(paths, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "uploaded %d blob(s) to %s\n", len(paths), args[1])
		return err
	})
}

func cmdDownload(ctx context.Context, a *app, args []string) error {
	if err := needArgs("download", args, 2); err != nil {
		return err
	}
	paths, err := a.eng.Download(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	return a.show(paths, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "downloaded %d file(s) to %s\n", len(paths), args[1])
		return err
	})
}

func cmdExtract(ctx context.Context, a *app, args []string) error {
	if err := needArgs("extract", args, 2); err != nil {
		return err
	}
	paths, err := a.eng.Extract(ctx, a.workspace(), args[0], args[1])
	if err != nil {
		return err
	}
	return a.show(paths, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "extracted %d file(s) of %s to %s\n", len(paths), args[0], args[1])
		return err
	})
}

func cmdExport(ctx context.Context, a *app, args []string) error {
	fs := newFlags("export workspace")
	var opts engine.ExportOptions
	var jobs, tagsAll, tagsAny listFlag
	fs.Var(&jobs, "jobs", "jobs to export")
	fs.StringVar(&opts.Experiment, "exper", "", "experiment")
	fs.Var(&tagsAll, "tags-all", "jobs carrying every tag")
	fs.Var(&tagsAny, "tags-any", "jobs carrying any tag")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if err := needArgs("export workspace", pos, 1); err != nil {
		return err
	}
	opts.Jobs, opts.TagsAll, opts.TagsAny = jobs, tagsAll, tagsAny
	if len(jobs) == 0 {
		opts.Workspace = a.workspace()
	}

	name := pos[0]
	if filepath.Ext(name) == "" {
		name += ".zip"
	}
	f, err := os.Create(name)
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "create "+name)
	}
	contents, err := a.eng.ExportWorkspace(ctx, opts, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = xterr.Wrap(xterr.CategoryEnv, cerr, "close "+name)
	}
	if err != nil {
		os.Remove(name)
		return err
	}
	return a.show(contents, func(w io.Writer) error {
		runs := 0
		for _, j := range contents.Jobs {
			runs += len(j.Runs)
		}
		_, err := fmt.Fprintf(w, "exported %d job(s), %d run(s) of %s to %s\n",
			len(contents.Jobs), runs, strings.Join(contents.Workspaces, ","), name)
		return err
	})
}

func cmdImport(ctx context.Context, a *app, args []string) error {
	fs := newFlags("import workspace")
	var opts engine.ImportOptions
	fs.StringVar(&opts.Workspace, "new-ws", "", "name of the new workspace")
	fs.StringVar(&opts.JobPrefix, "job-prefix", "", "prefix for imported job ids")
	fs.BoolVar(&opts.Overwrite, "overwrite", false, "replace records with the same names")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if err := needArgs("import workspace", pos, 1); err != nil {
		return err
	}
	f, err := os.Open(pos[0])
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "open "+pos[0])
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "stat "+pos[0])
	}
	res, err := a.eng.ImportWorkspace(ctx, f, info.Size(), opts)
	if err != nil {
		return err
	}
	return a.show(res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "imported %d job(s), %d run(s), %d blob(s) into %s; next run is run%d\n",
			len(res.Jobs), res.Runs, res.Blobs, res.Workspace, res.NextRun)
		return err
	})
}

func cmdCreateWorkspace(ctx context.Context, a *app, args []string) error {
	if err := needArgs("create workspace", args, 1); err != nil {
		return err
	}
	if err := a.eng.CreateWorkspace(ctx, args[0]); err != nil {
		return err
	}
	_, err := fmt.Fprintf(a.out, "workspace %s created\n", args[0])
	return err
}

// confirmed reads --response, the repeated name that guards a delete.
func confirmed(name string, args []string) (string, string, error) {
	fs := newFlags(name)
	response := fs.String("response", "", "repeat the name to confirm")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return "", "", err
	}
	if err := needArgs(name, pos, 1); err != nil {
		return "", "", err
	}
	return pos[0], *response, nil
}

func cmdDeleteWorkspace(ctx context.Context, a *app, args []string) error {
	ws, response, err := confirmed("delete workspace", args)
	if err != nil {
		return err
	}
	if err := a.eng.DeleteWorkspace(ctx, ws, response); err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "workspace %s deleted\n", ws)
	return err
}

func cmdCreateShare(ctx context.Context, a *app, args []string) error {
	if err := needArgs("create share", args, 1); err != nil {
		return err
	}
	if err := a.eng.CreateShare(ctx, args[0]); err != nil {
		return err
	}
	_, err := fmt.Fprintf(a.out, "share %s created\n", args[0])
	return err
}

func cmdDeleteShare(ctx context.Context, a *app, args []string) error {
	share, response, err := confirmed("delete share", args)
	if err != nil {
		return err
	}
	if err := a.eng.DeleteShare(ctx, share, response); err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "share %s deleted\n", share)
	return err
}

func cmdMigrate(ctx context.Context, a *app, args []string) error {
	if err := needArgs("migrate workspace", args, 1); err != nil {
		return err
	}
	n, err := a.eng.Store().MigrateWorkspace(ctx, args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "%s: %d record(s) upgraded\n", args[0], n)
	return err
}
