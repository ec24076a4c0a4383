// SPDX-License-Identifier: MIT

// Package search implements the filter grammar, ordering and pagination used
// by experiment, run and trace search.
//
// The filter grammar is a conjunction of comparisons:
//
//	metrics.loss <= 0.5 AND params.lr = '0.01' AND attributes.status = 'FINISHED'
//
// Scopes are attributes (default for bare identifiers), metrics, params and
// tags. Keys may be quoted with backticks or double quotes when they contain
// special characters. String values use single or double quotes.
package search

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/mlfoundry/trackd/internal/tracking"
)

// Comparator is a comparison operator in a filter clause.
type Comparator string

const (
	OpEq    Comparator = "="
	OpNe    Comparator = "!="
	OpGt    Comparator = ">"
	OpGe    Comparator = ">="
	OpLt    Comparator = "<"
	OpLe    Comparator = "<="
	OpLike  Comparator = "LIKE"
	OpILike Comparator = "ILIKE"
)

// Scope identifies which entity namespace a clause addresses.
type Scope string

const (
	ScopeAttributes Scope = "attributes"
	ScopeMetrics    Scope = "metrics"
	ScopeParams     Scope = "params"
	ScopeTags       Scope = "tags"
)

// Clause is a single comparison.
type Clause struct {
	Scope Scope
	Key   string
	Op    Comparator

	// Exactly one of the two is populated depending on the literal kind.
	StrValue string
	NumValue float64
	IsNumber bool
}

// Filter is a conjunction of clauses. An empty filter matches everything.
type Filter []Clause

// ParseFilter parses a filter string. An empty or blank input yields an
// empty filter.
func ParseFilter(input string) (Filter, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}
	lx := &lexer{src: input}
	var filter Filter
	for {
		clause, err := lx.clause()
		if err != nil {
			return nil, tracking.WrapError(tracking.CodeInvalidParameterValue, err, "malformed filter %q", input)
		}
		filter = append(filter, clause)
		if lx.eof() {
			return filter, nil
		}
		if !lx.keyword("AND") {
			return nil, tracking.NewError(tracking.CodeInvalidParameterValue,
				"malformed filter %q: expected AND at position %d", input, lx.pos)
		}
	}
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
}

func (l *lexer) eof() bool {
	l.skipSpace()
	return l.pos >= len(l.src)
}

// keyword consumes a case-insensitive keyword if present.
func (l *lexer) keyword(kw string) bool {
	l.skipSpace()
	if len(l.src)-l.pos < len(kw) {
		return false
	}
	if !strings.EqualFold(l.src[l.pos:l.pos+len(kw)], kw) {
		return false
	}
	end := l.pos + len(kw)
	if end < len(l.src) && !unicode.IsSpace(rune(l.src[end])) {
		return false
	}
	l.pos = end
	return true
}

func (l *lexer) clause() (Clause, error) {
	scope, key, err := l.identifier()
	if err != nil {
		return Clause{}, err
	}
	op, err := l.comparator()
	if err != nil {
		return Clause{}, err
	}
	clause := Clause{Scope: scope, Key: key, Op: op}
	if err := l.value(&clause); err != nil {
		return Clause{}, err
	}
	if clause.Scope == ScopeMetrics && !clause.IsNumber {
		return Clause{}, fmt.Errorf("metric comparison requires a numeric value at position %d", l.pos)
	}
	if (op == OpLike || op == OpILike) && clause.IsNumber {
		return Clause{}, fmt.Errorf("%s requires a string value", op)
	}
	return clause, nil
}

func (l *lexer) identifier() (Scope, string, error) {
	l.skipSpace()
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '.' || c == ' ' || c == '=' || c == '!' || c == '<' || c == '>' {
			break
		}
		l.pos++
	}
	head := l.src[start:l.pos]
	if head == "" {
		return "", "", fmt.Errorf("expected identifier at position %d", start)
	}

	// Bare identifier defaults to the attributes scope.
	if l.pos >= len(l.src) || l.src[l.pos] != '.' {
		return ScopeAttributes, head, nil
	}

	scope := Scope(head)
	switch scope {
	case ScopeAttributes, ScopeMetrics, ScopeParams, ScopeTags:
	default:
		return "", "", fmt.Errorf("unknown scope %q", head)
	}
	l.pos++ // consume '.'

	key, err := l.key()
	if err != nil {
		return "", "", err
	}
	return scope, key, nil
}

// key reads a possibly quoted key (backticks or double quotes).
func (l *lexer) key() (string, error) {
	if l.pos >= len(l.src) {
		return "", fmt.Errorf("expected key at position %d", l.pos)
	}
	if quote := l.src[l.pos]; quote == '`' || quote == '"' {
		l.pos++
		start := l.pos
		for l.pos < len(l.src) && l.src[l.pos] != quote {
			l.pos++
		}
		if l.pos >= len(l.src) {
			return "", fmt.Errorf("unterminated quoted key")
		}
		key := l.src[start:l.pos]
		l.pos++
		return key, nil
	}
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == '=' || c == '!' || c == '<' || c == '>' {
			break
		}
		l.pos++
	}
	if l.pos == start {
		return "", fmt.Errorf("expected key at position %d", start)
	}
	return l.src[start:l.pos], nil
}

func (l *lexer) comparator() (Comparator, error) {
	l.skipSpace()
	rest := l.src[l.pos:]
	switch {
	case strings.HasPrefix(rest, "!="):
		l.pos += 2
		return OpNe, nil
	case strings.HasPrefix(rest, ">="):
		l.pos += 2
		return OpGe, nil
	case strings.HasPrefix(rest, "<="):
		l.pos += 2
		return OpLe, nil
	case strings.HasPrefix(rest, "="):
		l.pos++
		return OpEq, nil
	case strings.HasPrefix(rest, ">"):
		l.pos++
		return OpGt, nil
	case strings.HasPrefix(rest, "<"):
		l.pos++
		return OpLt, nil
	}
	if l.keyword("ILIKE") {
		return OpILike, nil
	}
	if l.keyword("LIKE") {
		return OpLike, nil
	}
	return "", fmt.Errorf("expected comparator at position %d", l.pos)
}

func (l *lexer) value(clause *Clause) error {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return fmt.Errorf("expected value at position %d", l.pos)
	}
	if quote := l.src[l.pos]; quote == '\'' || quote == '"' {
		l.pos++
		start := l.pos
		for l.pos < len(l.src) && l.src[l.pos] != quote {
			l.pos++
		}
		if l.pos >= len(l.src) {
			return fmt.Errorf("unterminated string value")
		}
		clause.StrValue = l.src[start:l.pos]
		l.pos++
		return nil
	}
	start := l.pos
	for l.pos < len(l.src) && !unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	raw := l.src[start:l.pos]
	num, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("expected quoted string or number, got %q", raw)
	}
	clause.NumValue = num
	clause.IsNumber = true
	return nil
}

// likeMatch implements SQL LIKE semantics: % matches any sequence, _ any
// single character.
func likeMatch(pattern, value string, caseInsensitive bool) bool {
	var sb strings.Builder
	sb.WriteString("^")
	if caseInsensitive {
		sb.Reset()
		sb.WriteString("(?i)^")
	}
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func (c Clause) matchString(value string) bool {
	switch c.Op {
	case OpEq:
		return value == c.StrValue
	case OpNe:
		return value != c.StrValue
	case OpLike:
		return likeMatch(c.StrValue, value, false)
	case OpILike:
		return likeMatch(c.StrValue, value, true)
	case OpGt:
		return value > c.StrValue
	case OpGe:
		return value >= c.StrValue
	case OpLt:
		return value < c.StrValue
	case OpLe:
		return value <= c.StrValue
	}
	return false
}

func (c Clause) matchNumber(value float64) bool {
	switch c.Op {
	case OpEq:
		return value == c.NumValue
	case OpNe:
		return value != c.NumValue
	case OpGt:
		return value > c.NumValue
	case OpGe:
		return value >= c.NumValue
	case OpLt:
		return value < c.NumValue
	case OpLe:
		return value <= c.NumValue
	}
	return false
}

// MatchRun evaluates the filter against a run. Metric clauses compare the
// latest value per key; missing keys never match.
func (f Filter) MatchRun(run *tracking.Run) bool {
	for _, c := range f {
		if !c.matchRun(run) {
			return false
		}
	}
	return true
}

func (c Clause) matchRun(run *tracking.Run) bool {
	switch c.Scope {
	case ScopeAttributes:
		return c.matchRunAttribute(run.Info)
	case ScopeMetrics:
		for _, m := range run.Data.Metrics {
			if m.Key == c.Key {
				return c.matchNumber(m.Value)
			}
		}
		return false
	case ScopeParams:
		for _, p := range run.Data.Params {
			if p.Key == c.Key {
				return c.matchString(p.Value)
			}
		}
		return false
	case ScopeTags:
		for _, t := range run.Data.Tags {
			if t.Key == c.Key {
				return c.matchString(t.Value)
			}
		}
		return false
	}
	return false
}

func (c Clause) matchRunAttribute(info tracking.RunInfo) bool {
	switch c.Key {
	case "run_id":
		return c.matchString(info.RunID)
	case "run_name":
		return c.matchString(info.RunName)
	case "status":
		return c.matchString(string(info.Status))
	case "user_id":
		return c.matchString(info.UserID)
	case "artifact_uri":
		return c.matchString(info.ArtifactURI)
	case "experiment_id":
		return c.matchString(info.ExperimentID)
	case "start_time":
		return c.IsNumber && c.matchNumber(float64(info.StartTime))
	case "end_time":
		return c.IsNumber && c.matchNumber(float64(info.EndTime))
	}
	return false
}

// MatchExperiment evaluates the filter against an experiment. Only the
// attributes and tags scopes apply.
func (f Filter) MatchExperiment(exp *tracking.Experiment) bool {
	for _, c := range f {
		if !c.matchExperiment(exp) {
			return false
		}
	}
	return true
}

func (c Clause) matchExperiment(exp *tracking.Experiment) bool {
	switch c.Scope {
	case ScopeAttributes:
		switch c.Key {
		case "name":
			return c.matchString(exp.Name)
		case "experiment_id":
			return c.matchString(exp.ID)
		case "creation_time":
			return c.IsNumber && c.matchNumber(float64(exp.CreationTime))
		case "last_update_time":
			return c.IsNumber && c.matchNumber(float64(exp.LastUpdateTime))
		}
		return false
	case ScopeTags:
		for _, t := range exp.Tags {
			if t.Key == c.Key {
				return c.matchString(t.Value)
			}
		}
		return false
	}
	return false
}
