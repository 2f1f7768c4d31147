// Package politeness governs every outbound fetch to the scraped origin:
// robots.txt compliance, per-host throttling, conditional caching, and the
// global kill switch.
package politeness

import (
	"strings"
	"time"

	"github.com/JaysonBrenton/MRE-sub001/internal/config"
)

// Rule is the runtime form of one politeness policy entry.
type Rule struct {
	Pattern            string
	CrawlDelay         time.Duration
	MaxConcurrency     int
	RespectRobots      bool
	ConditionalRequest bool
}

// DefaultRule is applied to hosts no configured pattern matches. It is the
// conservative end of the policy: one request at a time, one second apart,
// robots respected, no conditional caching.
var DefaultRule = Rule{
	Pattern:            "*",
	CrawlDelay:         time.Second,
	MaxConcurrency:     1,
	RespectRobots:      true,
	ConditionalRequest: false,
}

// RuleMatcher resolves a host to its politeness rule. The rule list is
// immutable after construction; matching is first-match-wins in list order,
// so configuration authors order exact hosts before wildcard suffixes.
type RuleMatcher struct {
	rules []Rule
}

// NewRuleMatcher converts configured host rules into a matcher.
func NewRuleMatcher(hosts []config.HostRule) *RuleMatcher {
	rules := make([]Rule, 0, len(hosts))
	for _, h := range hosts {
		rules = append(rules, Rule{
			Pattern:            strings.ToLower(h.Pattern),
			CrawlDelay:         h.CrawlDelay(),
			MaxConcurrency:     h.MaxConcurrency,
			RespectRobots:      h.RespectRobots,
			ConditionalRequest: h.ConditionalRequest,
		})
	}
	return &RuleMatcher{rules: rules}
}

// Match returns the first rule whose pattern covers host, or DefaultRule.
func (m *RuleMatcher) Match(host string) Rule {
	key := strings.ToLower(host)
	for _, rule := range m.rules {
		if patternMatches(rule.Pattern, key) {
			return rule
		}
	}
	return DefaultRule
}

// patternMatches supports exact hosts, the catch-all "*", and wildcard
// suffixes of the form "*.example.com" (which also covers "example.com").
func patternMatches(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}
