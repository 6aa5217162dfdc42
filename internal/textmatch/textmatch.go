// Package textmatch implements the text-match element shared by
// calendar-query and addressbook-query filters.
package textmatch

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

type Collation string

const (
	ASCIICasemap   Collation = "i;ascii-casemap"
	UnicodeCasemap Collation = "i;unicode-casemap"
	Octet          Collation = "i;octet"
)

type MatchType string

const (
	Equals     MatchType = "equals"
	Contains   MatchType = "contains"
	StartsWith MatchType = "starts-with"
	EndsWith   MatchType = "ends-with"
)

// Matcher is a parsed text-match element.
type Matcher struct {
	Value     string
	Collation Collation
	MatchType MatchType
	Negate    bool
}

// New validates the attributes and applies the defaults (ascii-casemap, contains).
func New(value, collation, matchType string, negate bool) (Matcher, error) {
	m := Matcher{Value: value, Collation: Collation(collation), MatchType: MatchType(matchType), Negate: negate}
	if m.Collation == "" {
		m.Collation = ASCIICasemap
	}
	if m.MatchType == "" {
		m.MatchType = Contains
	}
	switch m.Collation {
	case ASCIICasemap, UnicodeCasemap, Octet:
	default:
		return Matcher{}, fmt.Errorf("unsupported collation %q", collation)
	}
	switch m.MatchType {
	case Equals, Contains, StartsWith, EndsWith:
	default:
		return Matcher{}, fmt.Errorf("unsupported match-type %q", matchType)
	}
	return m, nil
}

// Match applies the matcher to one property value.
func (m Matcher) Match(s string) bool {
	needle, hay := m.fold(m.Value), m.fold(s)
	var ok bool
	switch m.MatchType {
	case Equals:
		ok = hay == needle
	case StartsWith:
		ok = strings.HasPrefix(hay, needle)
	case EndsWith:
		ok = strings.HasSuffix(hay, needle)
	default:
		ok = strings.Contains(hay, needle)
	}
	return ok != m.Negate
}

// MatchAny reports whether any value matches. A negated matcher over no
// values matches.
func (m Matcher) MatchAny(values []string) bool {
	if len(values) == 0 {
		return m.Negate
	}
	for _, v := range values {
		if m.Match(v) {
			return true
		}
	}
	return false
}

func (m Matcher) fold(s string) string {
	switch m.Collation {
	case Octet:
		return s
	case UnicodeCasemap:
		return cases.Fold().String(s)
	default:
		return asciiLower(s)
	}
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
