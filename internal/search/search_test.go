// SPDX-License-Identifier: MIT

package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlfoundry/trackd/internal/tracking"
)

func run(id string, start int64, metrics map[string]float64, params, tags map[string]string) *tracking.Run {
	r := &tracking.Run{
		Info: tracking.RunInfo{
			RunID:        id,
			ExperimentID: "1",
			Status:       tracking.RunStatusFinished,
			StartTime:    start,
			RunName:      "run-" + id,
		},
	}
	for k, v := range metrics {
		r.Data.Metrics = append(r.Data.Metrics, tracking.Metric{Key: k, Value: v})
	}
	for k, v := range params {
		r.Data.Params = append(r.Data.Params, tracking.Param{Key: k, Value: v})
	}
	for k, v := range tags {
		r.Data.Tags = append(r.Data.Tags, tracking.RunTag{Key: k, Value: v})
	}
	return r
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(`metrics.loss <= 0.5 AND params.lr = '0.01' AND attributes.status != "KILLED"`)
	require.NoError(t, err)
	require.Len(t, f, 3)
	assert.Equal(t, Clause{Scope: ScopeMetrics, Key: "loss", Op: OpLe, NumValue: 0.5, IsNumber: true}, f[0])
	assert.Equal(t, Clause{Scope: ScopeParams, Key: "lr", Op: OpEq, StrValue: "0.01"}, f[1])
	assert.Equal(t, Clause{Scope: ScopeAttributes, Key: "status", Op: OpNe, StrValue: "KILLED"}, f[2])
}

func TestParseFilterQuotedKeyAndBareAttribute(t *testing.T) {
	f, err := ParseFilter("metrics.`eval loss` > 1 AND status = 'FINISHED'")
	require.NoError(t, err)
	require.Len(t, f, 2)
	assert.Equal(t, "eval loss", f[0].Key)
	assert.Equal(t, ScopeAttributes, f[1].Scope)
	assert.Equal(t, "status", f[1].Key)
}

func TestParseFilterErrors(t *testing.T) {
	for _, bad := range []string{
		"metrics.loss",                // no comparator
		"metrics.loss = 'oops'",       // string against metric
		"widgets.x = 1",               // unknown scope
		"metrics.a = 1 OR metrics.b = 2", // OR unsupported
		"params.lr LIKE 5",            // LIKE needs a string
		"params.lr = 'unterminated",
	} {
		_, err := ParseFilter(bad)
		require.Error(t, err, "filter %q", bad)
		assert.Equal(t, tracking.CodeInvalidParameterValue, tracking.CodeOf(err))
	}
}

func TestFilterMatchRun(t *testing.T) {
	r := run("a1", 100,
		map[string]float64{"loss": 0.3, "acc": 0.91},
		map[string]string{"lr": "0.01"},
		map[string]string{"team": "Vision"})

	cases := []struct {
		filter string
		match  bool
	}{
		{"metrics.loss < 0.5", true},
		{"metrics.loss > 0.5", false},
		{"metrics.missing > 0", false},
		{"params.lr = '0.01'", true},
		{"params.lr != '0.01'", false},
		{"tags.team LIKE 'Vis%'", true},
		{"tags.team LIKE 'vis%'", false},
		{"tags.team ILIKE 'vis%'", true},
		{"attributes.status = 'FINISHED' AND metrics.acc >= 0.9", true},
		{"attributes.start_time > 50", true},
		{"attributes.run_name LIKE 'run-%'", true},
	}
	for _, tc := range cases {
		f, err := ParseFilter(tc.filter)
		require.NoError(t, err, tc.filter)
		assert.Equal(t, tc.match, f.MatchRun(r), tc.filter)
	}
}

func TestFilterMatchExperiment(t *testing.T) {
	exp := &tracking.Experiment{
		ID:           "42",
		Name:         "churn-model",
		CreationTime: 1000,
		Tags:         []tracking.ExperimentTag{{Key: "owner", Value: "ml-team"}},
	}
	f, err := ParseFilter("name LIKE 'churn%' AND tags.owner = 'ml-team'")
	require.NoError(t, err)
	assert.True(t, f.MatchExperiment(exp))

	f, err = ParseFilter("attributes.creation_time < 1000")
	require.NoError(t, err)
	assert.False(t, f.MatchExperiment(exp))
}

func TestParseOrderBy(t *testing.T) {
	keys, err := ParseOrderBy([]string{"metrics.loss ASC", "attributes.start_time DESC", "params.lr"})
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, OrderKey{Scope: ScopeMetrics, Key: "loss", Ascending: true}, keys[0])
	assert.Equal(t, OrderKey{Scope: ScopeAttributes, Key: "start_time", Ascending: false}, keys[1])
	assert.True(t, keys[2].Ascending)

	_, err = ParseOrderBy([]string{"metrics.loss SIDEWAYS"})
	assert.Error(t, err)
}

func TestParseOrderByQuotedKeyWithSpace(t *testing.T) {
	keys, err := ParseOrderBy([]string{"metrics.`eval loss`"})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, OrderKey{Scope: ScopeMetrics, Key: "eval loss", Ascending: true}, keys[0])

	keys, err = ParseOrderBy([]string{"metrics.`eval loss` DESC"})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, OrderKey{Scope: ScopeMetrics, Key: "eval loss", Ascending: false}, keys[0])
}

func TestSortRunsByMetricMissingLast(t *testing.T) {
	a := run("a", 1, map[string]float64{"loss": 0.9}, nil, nil)
	b := run("b", 2, map[string]float64{"loss": 0.1}, nil, nil)
	c := run("c", 3, nil, nil, nil) // no loss metric

	keys, err := ParseOrderBy([]string{"metrics.loss ASC"})
	require.NoError(t, err)

	runs := []*tracking.Run{a, b, c}
	SortRuns(runs, keys)
	assert.Equal(t, []string{"b", "a", "c"}, runIDs(runs))

	keys, err = ParseOrderBy([]string{"metrics.loss DESC"})
	require.NoError(t, err)
	SortRuns(runs, keys)
	assert.Equal(t, []string{"a", "b", "c"}, runIDs(runs), "missing metric still sorts last")
}

func TestSortRunsDefaultOrder(t *testing.T) {
	a := run("aa", 10, nil, nil, nil)
	b := run("bb", 30, nil, nil, nil)
	c := run("cc", 30, nil, nil, nil)
	runs := []*tracking.Run{a, c, b}
	SortRuns(runs, nil)
	// Start time descending, run ID ascending as tiebreak.
	assert.Equal(t, []string{"bb", "cc", "aa"}, runIDs(runs))
}

func TestSortExperiments(t *testing.T) {
	e1 := &tracking.Experiment{ID: "1", Name: "beta", CreationTime: 5}
	e2 := &tracking.Experiment{ID: "2", Name: "alpha", CreationTime: 9}
	exps := []*tracking.Experiment{e1, e2}

	keys, err := ParseOrderBy([]string{"name ASC"})
	require.NoError(t, err)
	SortExperiments(exps, keys)
	assert.Equal(t, "alpha", exps[0].Name)

	SortExperiments(exps, nil)
	assert.Equal(t, "2", exps[0].ID, "default order is creation time descending")
}

func TestPaginate(t *testing.T) {
	items := []int{0, 1, 2, 3, 4}

	page, next, err := Paginate(items, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, page)
	require.NotEmpty(t, next)

	page, next, err = Paginate(items, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, page)

	page, next, err = Paginate(items, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, page)
	assert.Empty(t, next, "exhausted set yields no token")

	_, _, err = Paginate(items, "not-base64!!", 2)
	require.Error(t, err)
	assert.Equal(t, tracking.CodeInvalidParameterValue, tracking.CodeOf(err))
}

func TestNormalizeMaxResults(t *testing.T) {
	n, err := NormalizeMaxResults(0)
	require.NoError(t, err)
	assert.Equal(t, tracking.SearchMaxResultsDefault, n)

	_, err = NormalizeMaxResults(-1)
	assert.Error(t, err)
	_, err = NormalizeMaxResults(tracking.SearchMaxResultsThreshold + 1)
	assert.Error(t, err)
}

func runIDs(runs []*tracking.Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.Info.RunID
	}
	return out
}
