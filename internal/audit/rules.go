package audit

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"extract-sync-service/internal/identity"
)

// Rule types.
const (
	RuleRequired = "required"
	RuleRegex    = "regex"
	RuleNumeric  = "numeric"
	RuleInteger  = "integer"
	RuleIn       = "in"
	RuleCustom   = "custom"
)

// Rule is one constraint on a column value. Check returns an empty string
// when the value passes.
type Rule struct {
	Type  string
	check func(column string, v any) string
}

// RuleBuilder accumulates the constraints of one column in call order.
type RuleBuilder struct {
	rules []Rule
	err   error
}

// Rules starts an empty rule list.
func Rules() *RuleBuilder {
	return &RuleBuilder{}
}

func (b *RuleBuilder) add(t string, check func(column string, v any) string) *RuleBuilder {
	b.rules = append(b.rules, Rule{Type: t, check: check})
	return b
}

// Required fails null values and blank strings.
func (b *RuleBuilder) Required() *RuleBuilder {
	return b.add(RuleRequired, func(column string, v any) string {
		if blank(v) {
			return column + " is required"
		}
		return ""
	})
}

// Regex fails values that do not match pattern. Blank values pass; combine
// with Required to reject them.
func (b *RuleBuilder) Regex(pattern string) *RuleBuilder {
	re, err := regexp.Compile(pattern)
	if err != nil {
		if b.err == nil {
			b.err = fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		return b
	}
	return b.add(RuleRegex, func(column string, v any) string {
		if blank(v) || re.MatchString(identity.Scalar(v)) {
			return ""
		}
		return fmt.Sprintf("%s does not match %s", column, pattern)
	})
}

func (b *RuleBuilder) Numeric() *RuleBuilder {
	return b.add(RuleNumeric, func(column string, v any) string {
		if blank(v) {
			return ""
		}
		if _, ok := number(v); ok {
			return ""
		}
		return column + " is not numeric"
	})
}

func (b *RuleBuilder) Integer() *RuleBuilder {
	return b.add(RuleInteger, func(column string, v any) string {
		if blank(v) {
			return ""
		}
		if f, ok := number(v); ok && f == math.Trunc(f) && !strings.ContainsAny(identity.Scalar(v), ".eE") {
			return ""
		}
		return column + " is not an integer"
	})
}

// In fails values outside allowed, compared by their text form.
func (b *RuleBuilder) In(allowed ...string) *RuleBuilder {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	return b.add(RuleIn, func(column string, v any) string {
		if blank(v) || set[identity.Scalar(v)] {
			return ""
		}
		return fmt.Sprintf("%s is not one of [%s]", column, strings.Join(allowed, ", "))
	})
}

// Custom fails values for which pass returns false. It sees the raw value,
// nulls included.
func (b *RuleBuilder) Custom(name string, pass func(v any) bool) *RuleBuilder {
	return b.add(RuleCustom, func(column string, v any) string {
		if pass(v) {
			return ""
		}
		return fmt.Sprintf("%s failed %s", column, name)
	})
}

func (b *RuleBuilder) List() []Rule {
	return append([]Rule(nil), b.rules...)
}

func blank(v any) bool {
	if v == nil {
		return true
	}
	return strings.TrimSpace(identity.Scalar(v)) == ""
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(identity.Scalar(v)), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
