package search

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

func gridSweep(t *testing.T) *Sweep {
	t.Helper()
	_, sweep, err := ExtractSweep("train.py --lr=[0.1, 0.01] --bs=[16, 32] --epochs=3", "--")
	require.NoError(t, err)
	return sweep
}

func TestExtractSweep(t *testing.T) {
	cmd, sweep, err := ExtractSweep("python train.py --lr=[0.1, 0.01] --drop=$uniform(0, 0.5) --epochs=3", "--")
	require.NoError(t, err)
	assert.Equal(t, "python train.py --epochs=3", cmd)
	assert.Equal(t, []string{"drop", "lr"}, sweep.Names())

	lr, _ := sweep.Param("lr")
	assert.Equal(t, []interface{}{0.1, 0.01}, lr.Values)
	drop, _ := sweep.Param("drop")
	assert.Equal(t, DistUniform, drop.Dist)
	assert.False(t, sweep.Discrete())

	_, _, err = ExtractSweep("train.py --lr=$bogus(1, 2)", "--")
	assert.Equal(t, xterr.CategorySyntax, xterr.CategoryOf(err))
}

func TestParseParamExpandsLinspace(t *testing.T) {
	p, err := ParseParam("lr", "@linspace(0, 1, 5)")
	require.NoError(t, err)
	assert.True(t, p.Discrete())
	assert.Equal(t, []interface{}{0.0, 0.25, 0.5, 0.75, 1.0}, p.Values)

	_, err = ParseParam("lr", "$uniform(1)")
	assert.Error(t, err)
}

func TestSweepYAMLRoundTrip(t *testing.T) {
	data := []byte(`
hyperparameter-distributions:
  lr: [0.1, 0.01]
  opt: ["adam", "sgd"]
  drop: $uniform(0, 0.5)
`)
	sweep, err := ParseSweepYAML(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"drop", "lr", "opt"}, sweep.Names())

	out, err := sweep.YAML()
	require.NoError(t, err)
	again, err := ParseSweepYAML(out)
	require.NoError(t, err)
	assert.Equal(t, sweep.Names(), again.Names())
	opt, _ := again.Param("opt")
	assert.Equal(t, []interface{}{"adam", "sgd"}, opt.Values)
	drop, _ := again.Param("drop")
	assert.Equal(t, []float64{0, 0.5}, drop.Args)
}

func TestClassify(t *testing.T) {
	sweep := gridSweep(t)
	cases := []struct {
		name string
		req  Request
		want string
	}{
		{"single", Request{Cmds: []string{"a"}, Runs: 1, Nodes: 1}, models.StyleSingle},
		{"multi", Request{Cmds: []string{"a", "b"}, Nodes: 1}, models.StyleMulti},
		{"repeat", Request{Cmds: []string{"a"}, Runs: 5, Nodes: 1}, models.StyleRepeat},
		{"static grid", Request{Cmds: []string{"a"}, Nodes: 2, Sweep: sweep, SearchType: TypeGrid, OptionPrefix: "--"}, models.StyleStatic},
		{"in-cluster grid", Request{Cmds: []string{"a"}, Nodes: 2, Sweep: sweep, SearchType: TypeGrid, OptionPrefix: "--", InCluster: true}, models.StyleDynamic},
		{"bayesian", Request{Cmds: []string{"a"}, Runs: 10, Nodes: 2, Sweep: sweep, SearchType: TypeBayesian, OptionPrefix: "--"}, models.StyleDynamic},
	}
	for _, c := range cases {
		got, err := Classify(c.req)
		require.NoError(t, err, c.name)
		assert.Equal(t, c.want, got, c.name)
	}

	_, err := Classify(Request{Cmds: []string{"a", "b"}, Sweep: sweep, SearchType: TypeGrid})
	assert.Equal(t, xterr.CategoryCombo, xterr.CategoryOf(err))
	_, err = Classify(Request{Cmds: []string{"a"}, Sweep: sweep, SearchType: "annealing"})
	assert.Equal(t, xterr.CategorySyntax, xterr.CategoryOf(err))
}

func TestExpandStaticGridOrder(t *testing.T) {
	exps, err := ExpandStatic("train.py --epochs=3", gridSweep(t), TypeGrid, "--", 4, 1)
	require.NoError(t, err)
	require.Len(t, exps, 4)

	var pairs [][2]interface{}
	for _, e := range exps {
		pairs = append(pairs, [2]interface{}{e.HParams["lr"], e.HParams["bs"]})
	}
	assert.Equal(t, [][2]interface{}{{0.1, 16.0}, {0.01, 16.0}, {0.1, 32.0}, {0.01, 32.0}}, pairs)
	assert.Equal(t, "train.py --epochs=3 --bs=16 --lr=0.1", exps[0].Cmd)

	file, err := SweepFile(models.StyleStatic, exps, nil)
	require.NoError(t, err)
	var cmds []string
	require.NoError(t, json.Unmarshal(file, &cmds))
	assert.Len(t, cmds, 4)

	short, err := ExpandStatic("train.py", gridSweep(t), TypeGrid, "--", 3, 1)
	require.NoError(t, err)
	assert.Len(t, short, 3)
}

func TestGridSearchWalksProduct(t *testing.T) {
	s, err := New(TypeGrid, 1)
	require.NoError(t, err)
	assert.False(t, s.NeedRuns())
	sweep := gridSweep(t)
	hp, err := s.Search(Context{Sweep: sweep, Index: 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"bs": 16.0, "lr": 0.01}, hp)
	hp, err = s.Search(Context{Sweep: sweep, Index: 5})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"bs": 16.0, "lr": 0.01}, hp)
}

func bayesSweep(t *testing.T) *Sweep {
	t.Helper()
	sweep, err := ParseSweepYAML([]byte("lr: $loguniform(0.0001, 0.1)\nbs: [16, 32, 64]\n"))
	require.NoError(t, err)
	return sweep
}

func TestBayesianRandomUntilMinTrials(t *testing.T) {
	sweep := bayesSweep(t)
	a, err := New(TypeBayesian, 7)
	require.NoError(t, err)
	b, err := New(TypeRandom, 7)
	require.NoError(t, err)
	assert.True(t, a.NeedRuns())

	var prior []Trial
	for i := 0; i < DefaultMinTrials; i++ {
		got, err := a.Search(Context{Sweep: sweep, Prior: prior})
		require.NoError(t, err)
		want, err := b.Search(Context{Sweep: sweep})
		require.NoError(t, err)
		assert.Equal(t, want, got, "call %d should be a random draw", i)
		prior = append(prior, Trial{HParams: got, Score: float64(i), Scored: true})
	}
}

func TestBayesianHonorsMinTrials(t *testing.T) {
	sweep := bayesSweep(t)
	a, err := NewWithOptions(TypeBayesian, Options{Seed: 5, MinTrials: 6})
	require.NoError(t, err)
	assert.Equal(t, 6, a.(*Bayesian).MinTrials)
	b, err := New(TypeRandom, 5)
	require.NoError(t, err)

	var prior []Trial
	for i := 0; i < 6; i++ {
		got, err := a.Search(Context{Sweep: sweep, Prior: prior})
		require.NoError(t, err)
		want, err := b.Search(Context{Sweep: sweep})
		require.NoError(t, err)
		assert.Equal(t, want, got, "call %d should be a random draw", i)
		prior = append(prior, Trial{HParams: got, Score: float64(i), Scored: true})
	}

	d, err := NewWithOptions(TypeBayesian, Options{Seed: 5})
	require.NoError(t, err)
	assert.Equal(t, DefaultMinTrials, d.(*Bayesian).MinTrials)
}

func TestBayesianDependsOnLosses(t *testing.T) {
	sweep := bayesSweep(t)
	prior := func(lossA, lossB float64) []Trial {
		return []Trial{
			{HParams: map[string]interface{}{"lr": 0.001, "bs": 16.0}, Score: lossA, Scored: true},
			{HParams: map[string]interface{}{"lr": 0.05, "bs": 64.0}, Score: lossB, Scored: true},
			{HParams: map[string]interface{}{"lr": 0.01, "bs": 32.0}, Score: 0.5, Scored: true},
		}
	}
	pick := func(trials []Trial) map[string]interface{} {
		s, err := New(TypeBayesian, 11)
		require.NoError(t, err)
		hp, err := s.Search(Context{Sweep: sweep, Prior: trials})
		require.NoError(t, err)
		return hp
	}

	first := pick(prior(0.1, 0.9))
	second := pick(prior(0.9, 0.1))
	assert.NotEqual(t, first, second)
	assert.Equal(t, first, pick(prior(0.1, 0.9)))
	lr := first["lr"].(float64)
	assert.True(t, lr >= 0.0001 && lr <= 0.1)
}

func TestDGDPrefersUnexploredNeighbors(t *testing.T) {
	sweep, err := ParseSweepYAML([]byte("lr: [0.001, 0.01, 0.1]\nbs: [16, 32]\n"))
	require.NoError(t, err)
	prior := []Trial{
		{HParams: map[string]interface{}{"lr": 0.01, "bs": 16.0}, Score: 0.2, Scored: true},
		{HParams: map[string]interface{}{"lr": 0.01, "bs": 16.0}, Score: 0.2, Scored: true},
		{HParams: map[string]interface{}{"lr": 0.001, "bs": 16.0}, Score: 0.9, Scored: true},
	}
	s, err := New(TypeDGD, 3)
	require.NoError(t, err)
	assert.True(t, s.NeedRuns())

	hood := neighborhood(sweep, prior[0].HParams)
	assert.Len(t, hood, 4)
	assert.Equal(t, ConfigKey(prior[0].HParams), ConfigKey(hood[0]))

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		hp, err := s.Search(Context{Sweep: sweep, Prior: prior})
		require.NoError(t, err)
		counts[ConfigKey(hp)]++
	}
	// weights: best runset 1, bs=32 3, lr=0.001 2, lr=0.1 3
	assert.Len(t, counts, 4)
	assert.Less(t, counts[ConfigKey(prior[0].HParams)], counts["bs=32,lr=0.01"])
	assert.Less(t, counts[ConfigKey(prior[0].HParams)], counts["bs=16,lr=0.1"])
}

func TestDGDNeedsDiscreteSweep(t *testing.T) {
	s, err := New(TypeDGD, 1)
	require.NoError(t, err)
	_, err = s.Search(Context{Sweep: bayesSweep(t)})
	assert.Equal(t, xterr.CategoryCombo, xterr.CategoryOf(err))
}
