// Package pattern provides domain pattern matching for Foredns.
// It supports three types of patterns:
//   - Exact: example.com
//   - Wildcard: *.example.com
//   - Regex: (\.|^)example\.com$
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// PatternType represents the type of domain pattern.
type PatternType int

const (
	// PatternTypeExact matches exact domain names (e.g., example.com)
	PatternTypeExact PatternType = iota
	// PatternTypeWildcard matches wildcard patterns (e.g., *.example.com)
	PatternTypeWildcard
	// PatternTypeRegex matches regex patterns (e.g., (\.|^)example\.com$)
	PatternTypeRegex
)

// String returns a human-readable name for the pattern type.
func (pt PatternType) String() string {
	switch pt {
	case PatternTypeExact:
		return "exact"
	case PatternTypeWildcard:
		return "wildcard"
	case PatternTypeRegex:
		return "regex"
	default:
		return "unknown"
	}
}

// Pattern represents a domain matching pattern.
type Pattern struct {
	Raw      string         // Original pattern string
	Type     PatternType    // Pattern type
	Compiled *regexp.Regexp // Compiled regex (only for regex patterns)
}

// isRegexPattern detects if a pattern contains regex metacharacters.
func isRegexPattern(pattern string) bool {
	// Check for common regex metacharacters
	regexChars := []string{
		"(", ")", "[", "]", "{", "}",
		"^", "$", "|", "\\",
		"+", "?",
	}

	for _, char := range regexChars {
		if strings.Contains(pattern, char) {
			return true
		}
	}

	// Check for .* or .+ patterns (common regex)
	if strings.Contains(pattern, ".*") || strings.Contains(pattern, ".+") {
		return true
	}

	return false
}

// ParsePattern parses a pattern string and determines its type.
// It automatically detects whether the pattern is exact, wildcard, or regex.
func ParsePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	// Detect wildcards (*.example.com)
	if strings.HasPrefix(pattern, "*.") {
		return &Pattern{
			Raw:  pattern,
			Type: PatternTypeWildcard,
		}, nil
	}

	// Detect regex (contains regex metacharacters)
	if isRegexPattern(pattern) {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
		}
		return &Pattern{
			Raw:      pattern,
			Type:     PatternTypeRegex,
			Compiled: compiled,
		}, nil
	}

	// Default to exact match
	return &Pattern{
		Raw:  pattern,
		Type: PatternTypeExact,
	}, nil
}

// Match checks if a domain matches this pattern.
func (p *Pattern) Match(domain string) bool {
	switch p.Type {
	case PatternTypeExact:
		return domain == p.Raw
	case PatternTypeWildcard:
		// *.example.com matches foo.example.com but not example.com
		suffix := strings.TrimPrefix(p.Raw, "*.")
		return strings.HasSuffix(domain, suffix) && domain != suffix
	case PatternTypeRegex:
		if p.Compiled == nil {
			return false
		}
		return p.Compiled.MatchString(domain)
	}
	return false
}

// String returns a string representation of the pattern.
func (p *Pattern) String() string {
	return fmt.Sprintf("%s(%s)", p.Type, p.Raw)
}

// Matcher provides efficient multi-tier pattern matching.
// Exact and wildcard patterns share a label trie walked right-to-left in
// O(labels); regex patterns are evaluated linearly after a trie miss.
type Matcher struct {
	trie       *LabelTrie
	exactCount int
	wildCount  int
	regex      []*Pattern // O(n) regex matching, evaluated after trie miss
}

// NewMatcher creates a new Matcher from a list of pattern strings.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{
		trie:  NewLabelTrie(),
		regex: make([]*Pattern, 0),
	}

	for _, patternStr := range patterns {
		pattern, err := ParsePattern(patternStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse pattern %q: %w", patternStr, err)
		}

		switch pattern.Type {
		case PatternTypeExact:
			m.trie.Insert(pattern.Raw)
			m.exactCount++
		case PatternTypeWildcard:
			m.trie.Insert(pattern.Raw)
			m.wildCount++
		case PatternTypeRegex:
			m.regex = append(m.regex, pattern)
		}
	}

	return m, nil
}

// Match checks if a domain matches any pattern in this matcher.
// It uses a multi-tier strategy for optimal performance:
//  1. Trie lookup covers exact and wildcard patterns in O(labels).
//  2. Regex patterns are evaluated linearly on trie miss.
func (m *Matcher) Match(domain string) bool {
	if m.trie.Match(domain) {
		return true
	}

	for _, pattern := range m.regex {
		if pattern.Match(domain) {
			return true
		}
	}

	return false
}

// MatchPattern behaves like Match but also reports the pattern that matched.
// For trie hits (exact/wildcard) the returned Pattern is synthesized since
// the trie itself only tracks terminal/wildcard flags, not the original
// pattern text.
func (m *Matcher) MatchPattern(domain string) (*Pattern, bool) {
	if matched, wildcard := m.trie.MatchDetail(domain); matched {
		if wildcard {
			return &Pattern{Raw: domain, Type: PatternTypeWildcard}, true
		}
		return &Pattern{Raw: domain, Type: PatternTypeExact}, true
	}

	for _, p := range m.regex {
		if p.Match(domain) {
			return p, true
		}
	}

	return nil, false
}

// Stats returns statistics about the patterns in this matcher.
func (m *Matcher) Stats() map[string]int {
	return map[string]int{
		"exact":    m.exactCount,
		"wildcard": m.wildCount,
		"regex":    len(m.regex),
		"total":    m.exactCount + m.wildCount + len(m.regex),
	}
}
