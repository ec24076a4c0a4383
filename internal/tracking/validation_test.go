// SPDX-License-Identifier: MIT

package tracking

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRunID(t *testing.T) {
	assert.NoError(t, ValidateRunID(NewRunID()))
	assert.Error(t, ValidateRunID(""))
	assert.Error(t, ValidateRunID("not-a-run-id"))
	assert.Error(t, ValidateRunID(strings.Repeat("g", 32)))
	assert.Error(t, ValidateRunID(strings.Repeat("a", 31)))
}

func TestValidateKeyRejectsTraversal(t *testing.T) {
	cases := []struct {
		key string
		ok  bool
	}{
		{"accuracy", true},
		{"eval/loss", true},
		{"nested/deep/metric", true},
		{"", false},
		{"../escape", false},
		{"a/../b", false},
		{"/absolute", false},
		{strings.Repeat("k", MaxKeyLength+1), false},
	}
	for _, tc := range cases {
		err := ValidateKey(tc.key, "metric")
		if tc.ok {
			assert.NoError(t, err, "key %q", tc.key)
		} else {
			assert.Error(t, err, "key %q", tc.key)
		}
	}
}

func TestValidateMetricRejectsNonFinite(t *testing.T) {
	assert.NoError(t, ValidateMetric(Metric{Key: "loss", Value: 0.5}))
	assert.Error(t, ValidateMetric(Metric{Key: "loss", Value: math.NaN()}))
	assert.Error(t, ValidateMetric(Metric{Key: "loss", Value: math.Inf(1)}))
	assert.Error(t, ValidateMetric(Metric{Key: "loss", Value: 1, Timestamp: -5}))
}

func TestValidateBatchLimits(t *testing.T) {
	tooManyParams := make([]Param, MaxBatchParams+1)
	for i := range tooManyParams {
		tooManyParams[i] = Param{Key: "p" + string(rune('a'+i%26)) + strings.Repeat("x", i/26+1), Value: "v"}
	}
	err := ValidateBatch(nil, tooManyParams, nil)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidParameterValue, CodeOf(err))

	dup := []Param{{Key: "lr", Value: "0.1"}, {Key: "lr", Value: "0.2"}}
	assert.Error(t, ValidateBatch(nil, dup, nil))

	// Same key with the same value is tolerated.
	same := []Param{{Key: "lr", Value: "0.1"}, {Key: "lr", Value: "0.1"}}
	assert.NoError(t, ValidateBatch(nil, same, nil))
}

func TestMetricBetterOrdering(t *testing.T) {
	a := Metric{Key: "m", Step: 2, Timestamp: 10, Value: 1}
	b := Metric{Key: "m", Step: 1, Timestamp: 99, Value: 9}
	assert.True(t, a.Better(b), "higher step wins")

	c := Metric{Key: "m", Step: 2, Timestamp: 11, Value: 0}
	assert.True(t, c.Better(a), "same step, later timestamp wins")

	d := Metric{Key: "m", Step: 2, Timestamp: 11, Value: 5}
	assert.True(t, d.Better(c), "same step and timestamp, larger value wins")
}

func TestNewRunName(t *testing.T) {
	name := NewRunName()
	parts := strings.Split(name, "-")
	require.Len(t, parts, 3)
	assert.NotEmpty(t, parts[0])
	assert.NotEmpty(t, parts[1])
}

func TestViewTypeMatches(t *testing.T) {
	assert.True(t, ViewActiveOnly.Matches(LifecycleActive))
	assert.False(t, ViewActiveOnly.Matches(LifecycleDeleted))
	assert.True(t, ViewDeletedOnly.Matches(LifecycleDeleted))
	assert.True(t, ViewAll.Matches(LifecycleActive))
	assert.True(t, ViewAll.Matches(LifecycleDeleted))
}
