// Package analyzer scans Script_Run sources for patterns that should not
// reach the script sandbox. It works on the source text only; the sandbox
// still enforces its own limits at run time.
package analyzer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Severity levels for findings
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

var severityRank = map[string]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3}

// Issue is one finding in a script.
type Issue struct {
	Rule        string `json:"rule"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	Column      int    `json:"column"`
	Snippet     string `json:"snippet"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s (%s) at %d:%d", i.Rule, i.Severity, i.Line, i.Column)
}

// Rule is a named pattern with the severity reported when it matches.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Severity    string
	Description string
}

// RejectedError is returned by Check when a script has findings at or above
// the blocking severity.
type RejectedError struct {
	Issues []Issue
}

func (e *RejectedError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return "script rejected: " + strings.Join(parts, ", ")
}

// Analyzer holds the rule set. It is safe for concurrent use.
type Analyzer struct {
	mu       sync.RWMutex
	rules    []Rule
	blocking string
}

// New returns an analyzer with the default rules that blocks high severity
// findings.
func New() *Analyzer {
	return &Analyzer{rules: defaultRules(), blocking: SeverityHigh}
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name:        "eval_usage",
			Pattern:     regexp.MustCompile(`\beval\s*\(`),
			Severity:    SeverityHigh,
			Description: "eval() runs arbitrary code",
		},
		{
			Name:        "function_constructor",
			Pattern:     regexp.MustCompile(`\bnew\s+Function\s*\(|\bFunction\s*\(\s*['"]`),
			Severity:    SeverityHigh,
			Description: "Function constructor builds code from strings",
		},
		{
			Name:        "host_module",
			Pattern:     regexp.MustCompile(`require\s*\(\s*['"](?:fs|child_process|os|process|net|http|https|dgram|vm)['"]`),
			Severity:    SeverityHigh,
			Description: "host module is not available to scripts",
		},
		{
			Name:        "dynamic_require",
			Pattern:     regexp.MustCompile(`require\s*\(\s*[^'")\s]`),
			Severity:    SeverityMedium,
			Description: "require with a non literal argument",
		},
		{
			Name:        "prototype_pollution",
			Pattern:     regexp.MustCompile(`__proto__|\bObject\.prototype\s*\.\s*\w+\s*=`),
			Severity:    SeverityMedium,
			Description: "changes shared prototypes",
		},
		{
			Name:        "infinite_loop",
			Pattern:     regexp.MustCompile(`while\s*\(\s*(?:true|1)\s*\)|for\s*\(\s*;\s*;\s*\)`),
			Severity:    SeverityMedium,
			Description: "loop without exit condition, relies on the execution limit",
		},
		{
			Name:        "global_assignment",
			Pattern:     regexp.MustCompile(`\b(?:globalThis|global)\s*\.\s*\w+\s*=[^=]`),
			Severity:    SeverityLow,
			Description: "writes to the global scope",
		},
	}
}

// SetBlocking changes the lowest severity that makes Check fail. Unknown
// levels are rejected.
func (a *Analyzer) SetBlocking(severity string) error {
	if _, ok := severityRank[severity]; !ok {
		return fmt.Errorf("unknown severity %q", severity)
	}
	a.mu.Lock()
	a.blocking = severity
	a.mu.Unlock()
	return nil
}

// AddRule registers an extra pattern.
func (a *Analyzer) AddRule(name, pattern, severity, description string) error {
	if _, ok := severityRank[severity]; !ok {
		return fmt.Errorf("unknown severity %q", severity)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid rule pattern: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, Rule{Name: name, Pattern: re, Severity: severity, Description: description})
	return nil
}

func (a *Analyzer) RemoveRule(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r := range a.rules {
		if r.Name == name {
			a.rules = append(a.rules[:i], a.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Analyze returns every finding ordered by position.
func (a *Analyzer) Analyze(code string) []Issue {
	if code == "" {
		return nil
	}
	a.mu.RLock()
	rules := a.rules
	a.mu.RUnlock()

	lines := strings.Split(code, "\n")
	var issues []Issue
	for _, r := range rules {
		for _, m := range r.Pattern.FindAllStringIndex(code, -1) {
			line, col := position(code, m[0])
			issues = append(issues, Issue{
				Rule:        r.Name,
				Severity:    r.Severity,
				Description: r.Description,
				Line:        line,
				Column:      col,
				Snippet:     snippet(lines[line-1], col),
			})
		}
	}
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Line != issues[j].Line {
			return issues[i].Line < issues[j].Line
		}
		return issues[i].Column < issues[j].Column
	})
	return issues
}

// Check analyzes code and returns a *RejectedError carrying the blocking
// findings, if any.
func (a *Analyzer) Check(code string) error {
	a.mu.RLock()
	blocking := a.blocking
	a.mu.RUnlock()

	blocked := AtLeast(a.Analyze(code), blocking)
	if len(blocked) == 0 {
		return nil
	}
	return &RejectedError{Issues: blocked}
}

// AtLeast keeps the issues whose severity is at or above min.
func AtLeast(issues []Issue, min string) []Issue {
	var out []Issue
	for _, issue := range issues {
		if severityRank[issue.Severity] >= severityRank[min] {
			out = append(out, issue)
		}
	}
	return out
}

func position(text string, offset int) (line, column int) {
	line = 1 + strings.Count(text[:offset], "\n")
	column = offset - strings.LastIndex(text[:offset], "\n")
	return line, column
}

const snippetRadius = 40

func snippet(line string, column int) string {
	start := column - 1 - snippetRadius
	if start < 0 {
		start = 0
	}
	end := column - 1 + snippetRadius
	if end > len(line) {
		end = len(line)
	}
	out := line[start:end]
	if start > 0 {
		out = "..." + out
	}
	if end < len(line) {
		out += "..."
	}
	return strings.TrimSpace(out)
}
