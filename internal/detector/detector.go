// Package detector classifies output text against the trigger-phrase
// rule table. Detection is pure: the same content always yields the
// same violations, and an empty result is the sole condition for a
// compliant output.
package detector

import (
	"regexp"
	"sort"
	"strings"

	"github.com/memoryos/outputguard/internal/domain"
)

// Rule is one versioned entry in the trigger table. Expr is matched
// case-insensitively against the whole content.
type Rule struct {
	Category domain.ViolationCategory
	Expr     string
}

// RuleTableVersion identifies the trigger table in audit records so
// detections stay reproducible across rule changes.
const RuleTableVersion = "v1"

// DefaultRules is the built-in trigger table: first-person action
// language, completion claims, status claims, and feature claims.
var DefaultRules = []Rule{
	{domain.CategoryActionLanguage, `\bi'll\s+\w+|\bi\s+am\s+\w+ing|\bi\s+will\s+\w+|\bi\s+have\s+\w+ed`},
	{domain.CategoryActionLanguage, `\bi'm\s+\w+ing|\bi've\s+\w+ed|\bi\s+can\s+now\s+\w+`},
	{domain.CategoryCompletionClaim, `\bcomplete\b|\bfinished\b|\bdone\b|\bready\b|\blive\b|\bactive\b`},
	{domain.CategoryCompletionClaim, `\bdeployed\b|\brunning\b|\bworking\b|\bsuccessful\b|\bimplemented\b`},
	{domain.CategoryStatusClaim, `\bstep\s+complete\b|\btask\s+finished\b|\bhas\s+been\s+\w+ed\b`},
	{domain.CategoryStatusClaim, `\bnow\s+\w+ing\b|\bcurrently\s+\w+ing\b`},
	{domain.CategoryStatusClaim, `\bis\s+now\s+\w+|\bshould\s+now\s+work\b|\bwill\s+now\s+\w+`},
	{domain.CategoryStatusClaim, `\benabled\b|\bactivated\b|\bexecuted\b|\bprocessed\b`},
	{domain.CategoryFeatureClaim, `\bfeature\s+is\s+live\b|\bsystem\s+is\s+ready\b|\bapi\s+is\s+working\b`},
}

type compiledRule struct {
	category domain.ViolationCategory
	re       *regexp.Regexp
}

// Detector matches content against a compiled rule table.
type Detector struct {
	rules []compiledRule
}

// New compiles the given rules. Passing no rules uses DefaultRules.
func New(rules ...Rule) (*Detector, error) {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Expr)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{category: r.Category, re: re})
	}
	return &Detector{rules: compiled}, nil
}

// MustNew compiles the rules and panics on an invalid expression. The
// built-in table is covered by tests, so this is for wiring paths that
// only ever see DefaultRules.
func MustNew(rules ...Rule) *Detector {
	d, err := New(rules...)
	if err != nil {
		panic(err)
	}
	return d
}

// Detect returns every trigger phrase found in content, deduplicated
// by the exact matched substring. The first category that matched a
// substring is the one reported for it.
func (d *Detector) Detect(content string) []domain.Violation {
	if content == "" {
		return nil
	}
	lower := strings.ToLower(content)

	seen := make(map[string]domain.ViolationCategory)
	for _, rule := range d.rules {
		for _, match := range rule.re.FindAllString(lower, -1) {
			if _, ok := seen[match]; !ok {
				seen[match] = rule.category
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}

	violations := make([]domain.Violation, 0, len(seen))
	for match, category := range seen {
		violations = append(violations, domain.Violation{Category: category, Match: match})
	}
	// Map order is random; keep the result stable for audit records.
	sort.Slice(violations, func(i, j int) bool {
		return violations[i].Match < violations[j].Match
	})
	return violations
}
