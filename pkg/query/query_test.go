package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xt-ml/xt/pkg/common/models"
)

func accRuns() []models.Document {
	docs := []models.Document{}
	for i, acc := range []interface{}{nil, 0.5, 0.7, 0.9, 0.95} {
		doc := models.Document{
			"run_name": models.RunName(i + 1),
			"run_num":  float64((i + 1) * 1000000),
			"ws_name":  "ws1",
			"metrics":  map[string]interface{}{"acc": acc},
		}
		docs = append(docs, doc)
	}
	return docs
}

func names(docs []models.Document) []string {
	out := []string{}
	for _, d := range docs {
		out = append(out, d.String("run_name"))
	}
	return out
}

func TestParseClauseOperators(t *testing.T) {
	cases := map[string]string{
		"acc>=.7":            OpGe,
		"acc <= 3":           OpLe,
		"status == running":  OpEq,
		"status <> running":  OpNe,
		"name:regex:^foo":    OpRegex,
		"tags.x :exists: no": OpExists,
		"lr<0.1":             OpLt,
	}
	for expr, op := range cases {
		c, err := ParseClause(expr)
		require.NoError(t, err, expr)
		assert.Equal(t, op, c.Operator, expr)
	}

	_, err := ParseClause("=3")
	require.Error(t, err)
	_, err = ParseClause("acc")
	require.Error(t, err)
}

func TestFilterNumericComparison(t *testing.T) {
	f, err := Build(Options{Props: []string{"acc>=.7"}})
	require.NoError(t, err)

	got := Apply(accRuns(), Query{Filter: f, SortField: "run_num"})
	assert.Equal(t, []string{"run3", "run4", "run5"}, names(got))
}

func TestFilterNoneValue(t *testing.T) {
	f, err := Build(Options{Props: []string{"metrics.acc != $none"}})
	require.NoError(t, err)
	assert.Len(t, Apply(accRuns(), Query{Filter: f}), 4)

	f, err = Build(Options{Props: []string{"metrics.acc = $none"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"run1"}, names(Apply(accRuns(), Query{Filter: f})))
}

func TestFilterTags(t *testing.T) {
	docs := []models.Document{
		{"run_name": "run1", "tags": map[string]interface{}{"best": nil}},
		{"run_name": "run2", "tags": map[string]interface{}{"best": "yes", "keep": nil}},
		{"run_name": "run3"},
	}

	f, _ := Build(Options{TagsAll: []string{"best", "keep"}})
	assert.Equal(t, []string{"run2"}, names(Apply(docs, Query{Filter: f})))

	f, _ = Build(Options{TagsAny: []string{"best", "keep"}})
	assert.Equal(t, []string{"run1", "run2"}, names(Apply(docs, Query{Filter: f})))

	f, _ = Build(Options{Props: []string{"best = $exists"}})
	assert.Equal(t, []string{"run1", "run2"}, names(Apply(docs, Query{Filter: f})))
}

func TestFilterEqualityAndRegex(t *testing.T) {
	docs := []models.Document{
		{"run_name": "run1", "status": "completed", "exper_name": "exp-a"},
		{"run_name": "run2", "status": "error", "exper_name": "exp-b"},
	}
	f, _ := Build(Options{Props: []string{"status = completed"}})
	assert.Equal(t, []string{"run1"}, names(Apply(docs, Query{Filter: f})))

	f, _ = Build(Options{Props: []string{"exper:regex:-b$"}})
	assert.Equal(t, []string{"run2"}, names(Apply(docs, Query{Filter: f})))

	f, _ = Build(Options{Experiment: "exp-a"})
	assert.Equal(t, []string{"run1"}, names(Apply(docs, Query{Filter: f})))
}

func TestFilterMongo(t *testing.T) {
	f, err := Build(Options{Props: []string{`metrics :mongo: {"$or": [{"metrics.acc": {"$gt": 0.9}}, {"run_name": "run2"}]}`}})
	require.NoError(t, err)
	assert.Equal(t, []string{"run2", "run5"}, names(Apply(accRuns(), Query{Filter: f})))

	_, err = Build(Options{Props: []string{`x :mongo: {"a": {"$where": 1}}`}})
	require.Error(t, err)
}

func TestLastReturnsLargestAscending(t *testing.T) {
	got := Apply(accRuns(), Query{SortField: "metrics.acc", Last: 2})
	assert.Equal(t, []string{"run4", "run5"}, names(got))

	got = Apply(accRuns(), Query{SortField: "metrics.acc", First: 2})
	assert.Equal(t, []string{"run1", "run2"}, names(got))

	got = Apply(accRuns(), Query{Last: 2})
	assert.Equal(t, []string{"run4", "run5"}, names(got))
}

func TestLimits(t *testing.T) {
	first, last := Limits(3, 5, false)
	assert.Equal(t, 3, first)
	assert.Equal(t, 0, last)

	first, last = Limits(0, 0, false)
	assert.Equal(t, 0, first)
	assert.Equal(t, DefaultLast, last)

	first, last = Limits(0, 0, true)
	assert.Zero(t, first+last)
}

func TestApplyProjects(t *testing.T) {
	got := Apply(accRuns(), Query{Fields: []string{"run_name"}, First: 1})
	require.Len(t, got, 1)
	assert.Equal(t, models.Document{"run_name": "run1"}, got[0])
}
