// Package fanout assigns a job's runs to its nodes and builds the per-node
// secrets and run contexts.
package fanout

import (
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// SecretBytes is the size of a node's box secret.
const SecretBytes = 16

// Run is one enumerated run, before its name is allocated.
type Run struct {
	Cmd     string
	HParams map[string]interface{}
	// Repeat is the run's index within a repeat group.
	Repeat int
}

// Input describes the job being planned.
type Input struct {
	Nodes         int
	TotalRuns     int
	Concurrent    int
	Schedule      string
	SearchStyle   string
	UseController bool
	// Runs is the enumeration for single, multi, repeat and static styles.
	// Repeat and single styles may pass one run as a template.
	Runs []Run
}

// Node is the work bound to one node.
type Node struct {
	ID        string
	Index     int
	BoxSecret string
	// Runs indexes into Plan.Runs in execution order.
	Runs []int
}

// Plan is the fanout result.
type Plan struct {
	Runs  []Run
	Nodes []Node
	// DynamicRuns seeds the shared dynamic_runs_remaining counter.
	DynamicRuns   int
	Schedule      string
	UseController bool
}

// SecretsByNode returns node id -> box secret.
func (p *Plan) SecretsByNode() map[string]string {
	out := make(map[string]string, len(p.Nodes))
	for _, n := range p.Nodes {
		out[n.ID] = n.BoxSecret
	}
	return out
}

// NodeRuns returns the runs bound to node i.
func (p *Plan) NodeRuns(i int) []Run {
	out := make([]Run, 0, len(p.Nodes[i].Runs))
	for _, idx := range p.Nodes[i].Runs {
		out = append(out, p.Runs[idx])
	}
	return out
}

// Planner builds plans. Entropy defaults to crypto/rand.
type Planner struct {
	Entropy io.Reader
}

func (pl Planner) secret() (string, error) {
	src := pl.Entropy
	if src == nil {
		src = rand.Reader
	}
	b := make([]byte, SecretBytes)
	if _, err := io.ReadFull(src, b); err != nil {
		return "", xterr.Wrap(xterr.CategoryInternal, err, "generate box secret")
	}
	return hex.EncodeToString(b), nil
}

// Plan distributes in's runs over its nodes.
func (pl Planner) Plan(in Input) (*Plan, error) {
	if in.Nodes < 1 {
		return nil, xterr.Combo("a job needs at least one node")
	}
	schedule := in.Schedule
	if schedule == "" {
		schedule = models.ScheduleStatic
	}
	p := &Plan{Schedule: schedule, UseController: in.UseController}
	for i := 0; i < in.Nodes; i++ {
		secret, err := pl.secret()
		if err != nil {
			return nil, err
		}
		p.Nodes = append(p.Nodes, Node{ID: models.NodeID(i), Index: i, BoxSecret: secret})
	}

	switch in.SearchStyle {
	case models.StyleDynamic:
		if in.TotalRuns < 1 {
			return nil, xterr.Combo("dynamic search needs a run count")
		}
		if !in.UseController {
			return nil, xterr.Combo("dynamic search needs the in-cluster controller")
		}
		p.Schedule = models.ScheduleDynamic
		p.DynamicRuns = in.TotalRuns
		return p, nil

	case models.StyleRepeat:
		if len(in.Runs) != 1 {
			return nil, xterr.Internal("repeat style takes one run template, got %d", len(in.Runs))
		}
		if in.TotalRuns < 1 {
			return nil, xterr.Combo("repeat needs a run count")
		}
		per := (in.TotalRuns + in.Nodes - 1) / in.Nodes
		left := in.TotalRuns
		for i := range p.Nodes {
			n := per
			if n > left {
				n = left
			}
			for k := 0; k < n; k++ {
				r := in.Runs[0]
				r.Repeat = len(p.Runs)
				p.Nodes[i].Runs = append(p.Nodes[i].Runs, len(p.Runs))
				p.Runs = append(p.Runs, r)
			}
			left -= n
		}
		return p, nil

	case models.StyleSingle:
		if len(in.Runs) != 1 {
			return nil, xterr.Internal("single style takes one run, got %d", len(in.Runs))
		}
		for i := range p.Nodes {
			p.Nodes[i].Runs = []int{len(p.Runs)}
			p.Runs = append(p.Runs, in.Runs[0])
		}
		return p, nil

	case models.StyleMulti, models.StyleStatic:
		if len(in.Runs) == 0 {
			return nil, xterr.Combo("%s search produced no runs", in.SearchStyle)
		}
		p.Runs = append(p.Runs, in.Runs...)
		for idx := range p.Runs {
			node := idx % in.Nodes
			p.Nodes[node].Runs = append(p.Nodes[node].Runs, idx)
		}
		return p, nil
	}
	return nil, xterr.Internal("unknown search style %q", in.SearchStyle)
}
