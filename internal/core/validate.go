package core

// validate.go provides row-level validation ahead of persistence.
//
// Rules are declarative and serializable, so the same rule set can load
// from a YAML file, travel over the HTTP API, or be built in code. A
// RuleSet is compiled once per run; per-row checks never re-parse
// parameters or regular expressions.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Rule is one validation constraint on one column.
type Rule struct {
	// Field is the column the rule applies to.
	Field string `json:"field" yaml:"field"`

	// Type names the check: required, email, numeric, integer, min, max,
	// min_length, max_length, in, regex, date.
	Type string `json:"type" yaml:"type"`

	// Param carries the argument for min, max, min_length, max_length,
	// and regex.
	Param string `json:"param,omitempty" yaml:"param,omitempty"`

	// Values lists the accepted values for in.
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// emailRegexp accepts anything shaped local@domain.tld without attempting
// full RFC 5322 fidelity.
var emailRegexp = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// integerRegexp matches optionally signed whole numbers.
var integerRegexp = regexp.MustCompile(`^[+-]?\d+$`)

// compiledRule is a rule with its parameters parsed ahead of time.
type compiledRule struct {
	rule   Rule
	number float64
	length int
	re     *regexp.Regexp
}

// RuleSet is a compiled collection of rules, ready for per-row checks.
type RuleSet struct {
	rules []compiledRule
}

// NewRuleSet compiles rules, failing fast on unknown types, bad numeric
// parameters, or invalid regular expressions.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	compiled := make([]compiledRule, 0, len(rules))

	for i, r := range rules {
		if r.Field == "" {
			return nil, fmt.Errorf("rule %d (%s): missing field", i, r.Type)
		}
		cr := compiledRule{rule: r}

		switch r.Type {
		case "required", "email", "numeric", "integer", "date":

		case "min", "max":
			n, err := strconv.ParseFloat(r.Param, 64)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s %s): numeric param required, got %q", i, r.Type, r.Field, r.Param)
			}
			cr.number = n

		case "min_length", "max_length":
			n, err := strconv.Atoi(r.Param)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("rule %d (%s %s): non-negative integer param required, got %q", i, r.Type, r.Field, r.Param)
			}
			cr.length = n

		case "in":
			if len(r.Values) == 0 {
				return nil, fmt.Errorf("rule %d (in %s): values list required", i, r.Field)
			}

		case "regex":
			re, err := regexp.Compile(r.Param)
			if err != nil {
				return nil, fmt.Errorf("rule %d (regex %s): %w", i, r.Field, err)
			}
			cr.re = re

		default:
			return nil, fmt.Errorf("rule %d: unknown rule type %q", i, r.Type)
		}

		compiled = append(compiled, cr)
	}

	return &RuleSet{rules: compiled}, nil
}

// Empty reports whether the set holds no rules.
func (rs *RuleSet) Empty() bool {
	return rs == nil || len(rs.rules) == 0
}

// Validate checks a record against every rule and returns all failure
// messages. An empty slice means the record passed.
//
// Except for required, every rule passes on a missing or blank value:
// presence is required's job, everything else judges the value it finds.
func (rs *RuleSet) Validate(rec Record) []string {
	if rs.Empty() {
		return nil
	}

	var msgs []string
	for _, cr := range rs.rules {
		if msg := cr.check(rec); msg != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", cr.rule.Field, msg))
		}
	}
	return msgs
}

// check returns a failure message, or "" when the rule passes.
func (cr compiledRule) check(rec Record) string {
	v, present := rec[cr.rule.Field]
	s := strings.TrimSpace(FormatValue(v))
	blank := !present || v == nil || s == ""

	if cr.rule.Type == "required" {
		if blank {
			return "value is required"
		}
		return ""
	}
	if blank {
		return ""
	}

	switch cr.rule.Type {
	case "email":
		if !emailRegexp.MatchString(s) {
			return "must be a valid email address"
		}

	case "numeric":
		if !isNumericValue(v, s) {
			return "must be a number"
		}

	case "integer":
		if !isIntegerValue(v, s) {
			return "must be an integer"
		}

	case "min":
		n, ok := numericValue(v, s)
		if !ok {
			return "must be a number"
		}
		if n < cr.number {
			return fmt.Sprintf("must be at least %s", cr.rule.Param)
		}

	case "max":
		n, ok := numericValue(v, s)
		if !ok {
			return "must be a number"
		}
		if n > cr.number {
			return fmt.Sprintf("must be at most %s", cr.rule.Param)
		}

	case "min_length":
		if len([]rune(s)) < cr.length {
			return fmt.Sprintf("must be at least %d characters", cr.length)
		}

	case "max_length":
		if len([]rune(s)) > cr.length {
			return fmt.Sprintf("must be at most %d characters", cr.length)
		}

	case "in":
		for _, allowed := range cr.rule.Values {
			if s == allowed {
				return ""
			}
		}
		return fmt.Sprintf("must be one of: %s", strings.Join(cr.rule.Values, ", "))

	case "regex":
		if !cr.re.MatchString(s) {
			return "format is invalid"
		}

	case "date":
		if _, isTime := v.(time.Time); isTime {
			return ""
		}
		if _, ok := ParseDate(s); !ok {
			return "must be a valid date"
		}
	}

	return ""
}

// isNumericValue accepts native numeric scalars and numeric-looking text.
func isNumericValue(v any, s string) bool {
	switch v.(type) {
	case int, int64, float64:
		return true
	}
	_, ok := CleanNumeric(s)
	return ok
}

// isIntegerValue accepts whole-number scalars and whole-number text.
func isIntegerValue(v any, s string) bool {
	switch x := v.(type) {
	case int, int64:
		return true
	case float64:
		return x == float64(int64(x))
	}
	return integerRegexp.MatchString(s)
}

// numericValue extracts a float for min/max comparisons.
func numericValue(v any, s string) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	cleaned, ok := CleanNumeric(s)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
