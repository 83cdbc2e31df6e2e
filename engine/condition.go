package engine

import (
	"regexp"
	"strings"
	"time"

	"github.com/arturoeanton/nflow-automate/cache"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
)

var patternCache = cache.New[string, *regexp.Regexp](time.Hour)

// EvaluateCondition combines the rules of c against vars. An empty rule list
// never blocks.
func EvaluateCondition(c model.Condition, vars *Variables) bool {
	if len(c.Rules) == 0 {
		return true
	}
	if len(c.Rules) == 1 {
		return EvaluateRule(c.Rules[0], vars)
	}

	switch c.Connector {
	case model.LogicOr:
		for _, r := range c.Rules {
			if EvaluateRule(r, vars) {
				return true
			}
		}
		return false
	default:
		// and; a missing connector on several rules is rejected by Validate
		for _, r := range c.Rules {
			if !EvaluateRule(r, vars) {
				return false
			}
		}
		return true
	}
}

// EvaluateRule tests one rule. Comparisons are case-sensitive and a variable
// missing from the table makes the rule false for every operator.
func EvaluateRule(r model.Rule, vars *Variables) bool {
	value, ok := vars.Get(variableName(r.VariableRef))
	if !ok {
		return false
	}
	input := vars.Resolve(r.Input)

	switch r.Operator {
	case model.OpEquals:
		return value == input
	case model.OpNotEquals:
		return value != input
	case model.OpContains:
		return strings.Contains(value, input)
	case model.OpNotContains:
		return !strings.Contains(value, input)
	case model.OpMatchesPattern:
		re, err := compilePattern(input)
		if err != nil {
			logger.Warn("invalid rule pattern", "pattern", input, logger.Err(err))
			return false
		}
		return re.MatchString(value)
	}
	return false
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	return patternCache.GetOrCompute(pattern, func() (*regexp.Regexp, error) {
		return regexp.Compile(pattern)
	})
}
