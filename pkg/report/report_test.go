package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

func runDocs() []models.Document {
	return []models.Document{
		{
			"run_name": "run1", "job_id": "job1", "status": "completed", "run_duration": 0.0,
			"create_time": "2024-03-05T10:20:30Z",
			"metrics":     map[string]interface{}{"acc": 0.9123, "loss": 0.25},
			"hparams":     map[string]interface{}{"lr": 0.1},
			"tags":        map[string]interface{}{"best": nil, "owner": "ana"},
		},
		{
			"run_name": "run2", "job_id": "job1", "status": "running", "run_duration": 12.5,
			"create_time": "2024-03-05T11:00:00Z",
			"metrics":     map[string]interface{}{"acc": 0.5},
			"hparams":     map[string]interface{}{"lr": 0.01, "bs": 32.0},
		},
	}
}

func headers(t *Table) []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Header
	}
	return out
}

func TestParseColumn(t *testing.T) {
	c, err := ParseColumn("metrics.acc=accuracy:.2f", Runs)
	require.NoError(t, err)
	assert.Equal(t, "accuracy", c.Header)
	assert.Equal(t, []string{".2f"}, c.Formats)
	assert.Equal(t, "metrics.acc", c.Path())

	c, err = ParseColumn("created:$do", Runs)
	require.NoError(t, err)
	assert.Equal(t, "create_time", c.Path())
	assert.Equal(t, "created", c.Header)

	c, err = ParseColumn("status", Jobs)
	require.NoError(t, err)
	assert.Equal(t, "job_status", c.Path())

	_, err = ParseColumn("acc=", Runs)
	assert.Equal(t, xterr.CategorySyntax, xterr.CategoryOf(err))
}

func TestWildcardsExpandAgainstRecords(t *testing.T) {
	tbl, err := Build(runDocs(), []string{"run", "metrics.*", "hparams.*"}, nil, Runs)
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "acc", "loss", "bs", "lr"}, headers(tbl))
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, []string{"run1", "0.9123", "0.25", "", "0.1"}, tbl.Rows[0])
	assert.Equal(t, []string{"run2", "0.5", "", "32", "0.01"}, tbl.Rows[1])
}

func TestExplicitColumnWinsOverWildcard(t *testing.T) {
	tbl, err := Build(runDocs(), []string{"metrics.acc=accuracy:.1f", "metrics.*"}, nil, Runs)
	require.NoError(t, err)
	assert.Equal(t, []string{"accuracy", "loss"}, headers(tbl))
	assert.Equal(t, "0.9", tbl.Rows[0][0])
}

func TestFormatSymbols(t *testing.T) {
	tbl, err := Build(runDocs(), []string{"duration:$bz", "created:$do", "created=at:$to"}, nil, Runs)
	require.NoError(t, err)
	when, err := time.Parse(time.RFC3339, "2024-03-05T10:20:30Z")
	require.NoError(t, err)
	assert.Equal(t, []string{"", when.Local().Format("2006-01-02"), when.Local().Format("15:04:05")}, tbl.Rows[0])
	assert.Equal(t, "12.5", tbl.Rows[1][0])
}

func TestTagsAndMissingValues(t *testing.T) {
	tbl, err := Build(runDocs(), []string{"run", "tags.*", "nosuch"}, nil, Runs)
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "best", "owner", "nosuch"}, headers(tbl))
	assert.Equal(t, []string{"run1", FlagTag, "ana", ""}, tbl.Rows[0])
	assert.Equal(t, []string{"run2", "", "", ""}, tbl.Rows[1])
}

func TestBareNameResolvesToMetricsFirst(t *testing.T) {
	tbl, err := Build(runDocs(), []string{"acc:.2f", "lr"}, nil, Runs)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.91", "0.1"}, tbl.Rows[0])
}

func TestDefaultColumns(t *testing.T) {
	tbl, err := Build(runDocs(), nil, []string{"run", "status"}, Runs)
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "status"}, headers(tbl))

	tbl, err = Build([]models.Document{{"job_id": "job4", "job_status": "running", "node_count": 2.0}}, nil, nil, Jobs)
	require.NoError(t, err)
	assert.Equal(t, "job", tbl.Columns[0].Header)
	assert.Equal(t, "job4", tbl.Rows[0][0])
}

func TestWriteAlignsColumns(t *testing.T) {
	tbl, err := Build(runDocs(), []string{"run", "status"}, nil, Runs)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, tbl.Write(&buf))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "run   status", lines[0])
	assert.Equal(t, "run1  completed", lines[1])

	buf.Reset()
	require.NoError(t, tbl.WriteJSON(&buf))
	var rows []map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	assert.Equal(t, "running", rows[1]["status"])
}
