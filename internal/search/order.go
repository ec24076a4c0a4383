// SPDX-License-Identifier: MIT

package search

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mlfoundry/trackd/internal/tracking"
)

// OrderKey is one parsed order-by term.
type OrderKey struct {
	Scope     Scope
	Key       string
	Ascending bool
}

// ParseOrderBy parses order-by terms of the form "<ident> [ASC|DESC]".
// Direction defaults to ascending.
func ParseOrderBy(terms []string) ([]OrderKey, error) {
	keys := make([]OrderKey, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			return nil, tracking.NewError(tracking.CodeInvalidParameterValue, "empty order_by term")
		}
		// Only a trailing ASC/DESC token is a direction; anything else is
		// part of the key, which may itself contain spaces when quoted.
		ident := term
		asc := true
		if i := strings.LastIndexByte(term, ' '); i >= 0 {
			switch strings.ToUpper(strings.TrimSpace(term[i+1:])) {
			case "ASC":
				ident = strings.TrimSpace(term[:i])
			case "DESC":
				ident = strings.TrimSpace(term[:i])
				asc = false
			}
		}

		lx := &lexer{src: ident}
		scope, key, err := lx.identifier()
		if err != nil || !lx.eof() {
			if err == nil {
				err = fmt.Errorf("trailing characters")
			}
			return nil, tracking.WrapError(tracking.CodeInvalidParameterValue, err, "invalid order_by term %q", term)
		}
		keys = append(keys, OrderKey{Scope: scope, Key: key, Ascending: asc})
	}
	return keys, nil
}

// SortExperiments orders experiments in place by the given keys, then by
// creation time descending and ID ascending for a stable total order.
func SortExperiments(exps []*tracking.Experiment, keys []OrderKey) {
	sort.SliceStable(exps, func(i, j int) bool {
		for _, k := range keys {
			cmp := compareExperiments(exps[i], exps[j], k)
			if cmp != 0 {
				if k.Ascending {
					return cmp < 0
				}
				return cmp > 0
			}
		}
		if exps[i].CreationTime != exps[j].CreationTime {
			return exps[i].CreationTime > exps[j].CreationTime
		}
		return exps[i].ID < exps[j].ID
	})
}

func compareExperiments(a, b *tracking.Experiment, k OrderKey) int {
	if k.Scope != ScopeAttributes {
		return 0
	}
	switch k.Key {
	case "name":
		return strings.Compare(a.Name, b.Name)
	case "experiment_id":
		return strings.Compare(a.ID, b.ID)
	case "creation_time":
		return compareInt64(a.CreationTime, b.CreationTime)
	case "last_update_time":
		return compareInt64(a.LastUpdateTime, b.LastUpdateTime)
	}
	return 0
}

// SortRuns orders runs in place by the given keys, then by start time
// descending and run ID ascending. Runs missing an ordered metric, param or
// tag sort last regardless of direction.
func SortRuns(runs []*tracking.Run, keys []OrderKey) {
	sort.SliceStable(runs, func(i, j int) bool {
		for _, k := range keys {
			cmp, decided := compareRuns(runs[i], runs[j], k)
			if !decided {
				continue
			}
			if cmp != 0 {
				if k.Ascending {
					return cmp < 0
				}
				return cmp > 0
			}
		}
		if runs[i].Info.StartTime != runs[j].Info.StartTime {
			return runs[i].Info.StartTime > runs[j].Info.StartTime
		}
		return runs[i].Info.RunID < runs[j].Info.RunID
	})
}

// compareRuns returns (cmp, true) when both runs carry the ordered value, or
// pushes the run missing the value to the end via the boolean protocol below.
func compareRuns(a, b *tracking.Run, k OrderKey) (int, bool) {
	switch k.Scope {
	case ScopeAttributes:
		return compareRunAttribute(a.Info, b.Info, k.Key), true
	case ScopeMetrics:
		av, aok := latestMetric(a, k.Key)
		bv, bok := latestMetric(b, k.Key)
		if !aok && !bok {
			return 0, true
		}
		if !aok || !bok {
			// Missing values always sort last; flip so direction cannot
			// bring them to the front.
			if k.Ascending {
				return boolCompare(aok, bok), true
			}
			return boolCompare(bok, aok), true
		}
		return compareFloat64(av, bv), true
	case ScopeParams:
		av, aok := runParam(a, k.Key)
		bv, bok := runParam(b, k.Key)
		return compareOptionalString(av, aok, bv, bok, k.Ascending), true
	case ScopeTags:
		av, aok := runTag(a, k.Key)
		bv, bok := runTag(b, k.Key)
		return compareOptionalString(av, aok, bv, bok, k.Ascending), true
	}
	return 0, false
}

func compareOptionalString(a string, aok bool, b string, bok bool, asc bool) int {
	if aok && bok {
		return strings.Compare(a, b)
	}
	if !aok && !bok {
		return 0
	}
	if asc {
		return boolCompare(aok, bok)
	}
	return boolCompare(bok, aok)
}

func compareRunAttribute(a, b tracking.RunInfo, key string) int {
	switch key {
	case "run_id":
		return strings.Compare(a.RunID, b.RunID)
	case "run_name":
		return strings.Compare(a.RunName, b.RunName)
	case "status":
		return strings.Compare(string(a.Status), string(b.Status))
	case "user_id":
		return strings.Compare(a.UserID, b.UserID)
	case "experiment_id":
		return strings.Compare(a.ExperimentID, b.ExperimentID)
	case "start_time":
		return compareInt64(a.StartTime, b.StartTime)
	case "end_time":
		return compareInt64(a.EndTime, b.EndTime)
	}
	return 0
}

func latestMetric(run *tracking.Run, key string) (float64, bool) {
	for _, m := range run.Data.Metrics {
		if m.Key == key {
			return m.Value, true
		}
	}
	return 0, false
}

func runParam(run *tracking.Run, key string) (string, bool) {
	for _, p := range run.Data.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func runTag(run *tracking.Run, key string) (string, bool) {
	for _, t := range run.Data.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// boolCompare treats true < false so present values win a "missing last" tie.
func boolCompare(a, b bool) int {
	if a == b {
		return 0
	}
	if a {
		return -1
	}
	return 1
}
