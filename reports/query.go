// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reports

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Operator defines the type of comparison for a filter.
type Operator string

const (
	OpEqual          Operator = "="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpRange          Operator = ".." // started:2026-01-01..2026-01-31
)

// Filter is one key:value term of a query.
type Filter struct {
	Key      string
	Value    string
	MaxValue string // Used only for OpRange
	Operator Operator
}

// Query selects stored runs. Free text matches the project name or the run
// id.
//
// Supported filters:
//
//	project:<name>
//	is:passed, is:failed
//	started:<date> with =, >, >=, <, <= or a from..to range
//	executed:<n>, failed:<n>, mismatches:<n> with the same operators
type Query struct {
	Filters  []Filter
	FreeText []string
}

const dateLayout = "2006-01-02"

var numericKeys = map[string]bool{"executed": true, "failed": true, "mismatches": true}

// ParseQuery parses a query string. Unknown keys and malformed values are
// errors.
func ParseQuery(input string) (Query, error) {
	var q Query
	for _, token := range tokenize(input) {
		key, val, ok := strings.Cut(token, ":")
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		if !ok || key == "" || val == "" || strings.HasPrefix(key, "\"") || strings.HasPrefix(key, "'") {
			q.FreeText = append(q.FreeText, strings.ToLower(removeQuotes(token)))
			continue
		}
		f := parseFilter(key, val)
		if err := f.validate(); err != nil {
			return Query{}, err
		}
		q.Filters = append(q.Filters, f)
	}
	return q, nil
}

func parseFilter(key, val string) Filter {
	// Only ordered keys take ranges, so a quoted name may contain "..".
	if key == "started" || numericKeys[key] {
		if from, to, ok := strings.Cut(val, ".."); ok {
			return Filter{Key: key, Value: removeQuotes(from), MaxValue: removeQuotes(to), Operator: OpRange}
		}
	}
	// Longest operators first.
	for _, op := range []Operator{OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess} {
		if rest, ok := strings.CutPrefix(val, string(op)); ok {
			return Filter{Key: key, Value: removeQuotes(rest), Operator: op}
		}
	}
	return Filter{Key: key, Value: removeQuotes(val), Operator: OpEqual}
}

func (f Filter) validate() error {
	switch {
	case f.Key == "project":
		if f.Operator != OpEqual {
			return fmt.Errorf("project: only equality is supported")
		}
	case f.Key == "is":
		if f.Operator != OpEqual || (f.Value != "passed" && f.Value != "failed") {
			return fmt.Errorf("is: want passed or failed, got %q", f.Value)
		}
	case f.Key == "started":
		for _, v := range f.values() {
			if _, err := time.Parse(dateLayout, v); err != nil {
				return fmt.Errorf("started: invalid date %q", v)
			}
		}
	case numericKeys[f.Key]:
		for _, v := range f.values() {
			if _, err := strconv.Atoi(v); err != nil {
				return fmt.Errorf("%s: invalid number %q", f.Key, v)
			}
		}
	default:
		return fmt.Errorf("unknown filter %q", f.Key)
	}
	return nil
}

func (f Filter) values() []string {
	if f.Operator == OpRange {
		return []string{f.Value, f.MaxValue}
	}
	return []string{f.Value}
}

// Match reports whether m satisfies every term of q.
func (q Query) Match(m RunMetadata) bool {
	for _, text := range q.FreeText {
		if !strings.Contains(strings.ToLower(m.Project), text) && !strings.HasPrefix(m.ID, text) {
			return false
		}
	}
	for _, f := range q.Filters {
		if !f.match(m) {
			return false
		}
	}
	return true
}

func (f Filter) match(m RunMetadata) bool {
	switch f.Key {
	case "project":
		return strings.EqualFold(m.Project, f.Value)
	case "is":
		return m.Passed == (f.Value == "passed")
	case "started":
		// Dates compare by calendar day in UTC.
		day := m.StartedAt.UTC().Format(dateLayout)
		return compare(strings.Compare(day, f.Value), strings.Compare(day, f.MaxValue), f.Operator)
	}
	var n int
	switch f.Key {
	case "executed":
		n = m.Executed
	case "failed":
		n = m.Failed
	case "mismatches":
		n = m.Mismatches
	}
	lo, _ := strconv.Atoi(f.Value)
	hi, _ := strconv.Atoi(f.MaxValue)
	return compare(cmpInt(n, lo), cmpInt(n, hi), f.Operator)
}

// compare applies op given the comparison of the value with the filter's
// Value (c) and MaxValue (cmax).
func compare(c, cmax int, op Operator) bool {
	switch op {
	case OpGreater:
		return c > 0
	case OpGreaterOrEqual:
		return c >= 0
	case OpLess:
		return c < 0
	case OpLessOrEqual:
		return c <= 0
	case OpRange:
		return c >= 0 && cmax <= 0
	default:
		return c == 0
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// tokenize splits the string by spaces, respecting quotes.
func tokenize(input string) []string {
	var tokens []string
	var current strings.Builder
	var quote rune
	for _, r := range input {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			current.WriteRune(r)
		case unicode.IsSpace(r):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		case r == '"' || r == '\'':
			quote = r
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func removeQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// FindRuns returns the metadata of the stored runs that match q, most
// recent first.
func (s *Store) FindRuns(q Query) ([]RunMetadata, error) {
	runs, err := s.ListRuns()
	if err != nil {
		return nil, err
	}
	out := runs[:0]
	for _, m := range runs {
		if q.Match(m) {
			out = append(out, m)
		}
	}
	return out, nil
}
