package backend

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// SnapshotWriter is the part of a code snapshot a backend may touch.
type SnapshotWriter interface {
	AddFile(rel string, data []byte, mode os.FileMode) error
	Has(rel string) bool
}

// AdjustRequest is the input to AdjustRunCommands. NodeCmds is rewritten
// in place.
type AdjustRequest struct {
	JobID       string
	Workspace   string
	Experiment  string
	ServiceType string
	UsingHP     bool
	Snapshot    SnapshotWriter
	NodeCmds    map[string][]string
	// Image, when set and the backend has no container support, makes the
	// launcher start each command in a container.
	Image   string
	Env     map[string]string
	CodeZip string
	// Setup holds the target's shell lines run before each command.
	Setup []string
}

const launcherPrefix = "sh " + blobstore.LauncherName + " "

// wrapCommands writes the launcher into the snapshot and rewrites every node
// command to go through it. Running it twice gives the same result.
func wrapCommands(_ context.Context, req *AdjustRequest, containerSupport bool) error {
	if req.Snapshot == nil {
		return xterr.Internal("adjust %s: no snapshot to write the launcher into", req.JobID)
	}
	image := req.Image
	if containerSupport {
		image = ""
	}
	script := LauncherScript(LauncherOptions{
		JobID:      req.JobID,
		Workspace:  req.Workspace,
		Experiment: req.Experiment,
		Env:        req.Env,
		Zipped:     req.CodeZip != "" && req.CodeZip != "none",
		Image:      image,
		Setup:      req.Setup,
	})
	if err := req.Snapshot.AddFile(blobstore.LauncherName, []byte(script), 0o755); err != nil {
		return err
	}
	for node, cmds := range req.NodeCmds {
		wrapped := make([]string, len(cmds))
		for i, c := range cmds {
			if strings.HasPrefix(c, launcherPrefix) {
				wrapped[i] = c
			} else {
				wrapped[i] = launcherPrefix + c
			}
		}
		req.NodeCmds[node] = wrapped
	}
	return nil
}

// LauncherOptions shapes wrapped.sh.
type LauncherOptions struct {
	JobID      string
	Workspace  string
	Experiment string
	Env        map[string]string
	Zipped     bool
	Image      string
	Setup      []string
}

// LauncherScript renders wrapped.sh. It exports the job's XT_* variables,
// unpacks the code archive when present, runs the setup lines and execs its
// arguments, inside a container when an image is given.
func LauncherScript(o LauncherOptions) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n")
	fmt.Fprintf(&b, "export XT_JOB_ID=%s\n", shellQuote(o.JobID))
	fmt.Fprintf(&b, "export XT_WORKSPACE=%s\n", shellQuote(o.Workspace))
	fmt.Fprintf(&b, "export XT_EXPERIMENT=%s\n", shellQuote(o.Experiment))
	keys := make([]string, 0, len(o.Env))
	for k := range o.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(o.Env[k]))
	}
	if o.Zipped {
		fmt.Fprintf(&b, "if [ -f %[1]s ]; then unzip -q -o %[1]s && rm -f %[1]s; fi\n", blobstore.CodeArchiveName)
	}
	for _, line := range o.Setup {
		if line = strings.TrimSpace(line); line != "" {
			b.WriteString(line + "\n")
		}
	}
	if o.Image == "" {
		b.WriteString("exec sh -c \"$*\"\n")
		return b.String()
	}
	b.WriteString("exec docker run --rm --network host -v \"$PWD\":/usr/src -w /usr/src")
	for _, k := range append([]string{"XT_JOB_ID", "XT_WORKSPACE", "XT_EXPERIMENT", "XT_NODE_ID", "XT_BOX_SECRET", "XT_STORE_CREDS", "XT_MONGO_CONN_STR", "XT_STORE_CODE_PATH"}, keys...) {
		fmt.Fprintf(&b, " -e %s", k)
	}
	fmt.Fprintf(&b, " %s sh -c \"$*\"\n", shellQuote(o.Image))
	return b.String()
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '-' || r == '_' || r == '.' || r == '/' || r == ':' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
