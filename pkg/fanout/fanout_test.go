package fanout

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

func gridRuns() []Run {
	return []Run{
		{Cmd: "train.py --bs=16 --lr=0.1"},
		{Cmd: "train.py --bs=16 --lr=0.01"},
		{Cmd: "train.py --bs=32 --lr=0.1"},
		{Cmd: "train.py --bs=32 --lr=0.01"},
	}
}

func TestStaticRoundRobin(t *testing.T) {
	plan, err := Planner{}.Plan(Input{Nodes: 2, TotalRuns: 4, SearchStyle: models.StyleStatic, Runs: gridRuns()})
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 2)
	assert.Equal(t, []int{0, 2}, plan.Nodes[0].Runs)
	assert.Equal(t, []int{1, 3}, plan.Nodes[1].Runs)
	assert.Equal(t, "train.py --bs=32 --lr=0.1", plan.NodeRuns(0)[1].Cmd)
	assert.Equal(t, models.ScheduleStatic, plan.Schedule)
}

func TestRepeatTruncatesSurplus(t *testing.T) {
	plan, err := Planner{}.Plan(Input{Nodes: 3, TotalRuns: 7, SearchStyle: models.StyleRepeat, Runs: []Run{{Cmd: "a"}}})
	require.NoError(t, err)
	var sizes []int
	for _, n := range plan.Nodes {
		sizes = append(sizes, len(n.Runs))
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Len(t, plan.Runs, 7)
	assert.Equal(t, 6, plan.Runs[6].Repeat)
}

func TestSecretsAreSixteenBytes(t *testing.T) {
	entropy := bytes.NewReader(bytes.Repeat([]byte{0xab}, 2*SecretBytes))
	plan, err := Planner{Entropy: entropy}.Plan(Input{Nodes: 2, SearchStyle: models.StyleSingle, Runs: []Run{{Cmd: "a"}}})
	require.NoError(t, err)
	secrets := plan.SecretsByNode()
	assert.Len(t, secrets, 2)
	assert.Equal(t, "abababababababababababababababab", secrets["node1"])

	random, err := Planner{}.Plan(Input{Nodes: 2, SearchStyle: models.StyleSingle, Runs: []Run{{Cmd: "a"}}})
	require.NoError(t, err)
	assert.Len(t, random.Nodes[0].BoxSecret, 2*SecretBytes)
	assert.NotEqual(t, random.Nodes[0].BoxSecret, random.Nodes[1].BoxSecret)
}

func TestDynamicPlanUsesController(t *testing.T) {
	plan, err := Planner{}.Plan(Input{Nodes: 2, TotalRuns: 10, SearchStyle: models.StyleDynamic, UseController: true})
	require.NoError(t, err)
	assert.Equal(t, 10, plan.DynamicRuns)
	assert.Equal(t, models.ScheduleDynamic, plan.Schedule)

	mrc, err := BuildContext(plan, nil, Template{JobID: "job4", Workspace: "ws1", SearchStyle: models.StyleDynamic, BaseCmd: "train.py", MongoConnStr: "postgres://x"})
	require.NoError(t, err)
	assert.Empty(t, mrc.Cmds)
	require.Contains(t, mrc.ContextByNodes, "node1")
	assert.Equal(t, "train.py", mrc.ContextByNodes["node1"].Runs[0].Cmd)
	assert.Empty(t, mrc.ContextByNodes["node1"].Runs[0].RunName)
	assert.Equal(t, "cG9zdGdyZXM6Ly94", mrc.ContextByNodes["node0"].Runs[0].MongoConnStr)

	cmds := NodeCommands(plan)
	assert.Equal(t, []string{"xt-supervisor --node-index=1"}, cmds["node1"])

	_, err = Planner{}.Plan(Input{Nodes: 2, TotalRuns: 10, SearchStyle: models.StyleDynamic})
	assert.Equal(t, xterr.CategoryCombo, xterr.CategoryOf(err))
}

func TestContextRoundTrip(t *testing.T) {
	plan, err := Planner{}.Plan(Input{Nodes: 2, TotalRuns: 4, SearchStyle: models.StyleStatic, Runs: gridRuns(), UseController: true})
	require.NoError(t, err)
	names := []string{"run1", "run2", "run3", "run4"}
	mrc, err := BuildContext(plan, names, Template{JobID: "job1", SearchStyle: models.StyleStatic})
	require.NoError(t, err)
	assert.Len(t, mrc.Cmds, 4)

	data, err := mrc.Encode()
	require.NoError(t, err)
	back, err := DecodeContext(data)
	require.NoError(t, err)
	node0 := back.ContextByNodes["node0"]
	require.Len(t, node0.Runs, 2)
	assert.Equal(t, "run1", node0.Runs[0].RunName)
	assert.Equal(t, "run3", node0.Runs[1].RunName)
	assert.Equal(t, "run4", back.ContextByNodes["node1"].Runs[1].RunName)

	_, err = BuildContext(plan, names[:3], Template{})
	assert.Error(t, err)

	direct := *plan
	direct.UseController = false
	assert.Equal(t, []string{"train.py --bs=16 --lr=0.01", "train.py --bs=32 --lr=0.01"}, NodeCommands(&direct)["node1"])
}
