package utils

import (
	"regexp"
	"strings"
	"sync"
)

// Match checks whether value matches pattern in full. The only wildcard is
// '*', which matches any run of characters including none; every other
// character is literal, so regex metacharacters inside resource identifiers
// (dots, slashes, colons) never need escaping by the caller. Matching is
// case-sensitive and anchored at both ends.
func Match(pattern, value string) bool {
	if !strings.ContainsRune(pattern, '*') {
		return pattern == value
	}
	if pattern == "*" {
		return true
	}
	return compile(pattern).MatchString(value)
}

// MatchAny reports whether value matches at least one of the patterns.
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if Match(p, value) {
			return true
		}
	}
	return false
}

var (
	patternMu    sync.RWMutex
	patternCache = map[string]*regexp.Regexp{}
)

// compile turns a wildcard pattern into an anchored regexp, quoting the
// literal runs between '*' occurrences. Compiled patterns are cached since
// policy sets reuse a small number of patterns across many checks.
func compile(pattern string) *regexp.Regexp {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re
	}

	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re = regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")

	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re
}
