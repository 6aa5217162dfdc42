package carddata

import (
	"strings"

	"github.com/emersion/go-vcard"

	"github.com/jw6ventures/calcore/internal/textmatch"
)

// Test combinators of addressbook-query filters.
const (
	TestAnyOf = "anyof"
	TestAllOf = "allof"
)

// Query is a parsed addressbook-query filter plus its result limit.
type Query struct {
	Test    string
	Filters []PropFilter
	Limit   int
}

// PropFilter is an addressbook-query prop-filter.
type PropFilter struct {
	Name         string
	Test         string
	IsNotDefined bool
	TextMatches  []textmatch.Matcher
	Params       []ParamFilter
}

// ParamFilter is an addressbook-query param-filter.
type ParamFilter struct {
	Name         string
	IsNotDefined bool
	TextMatch    *textmatch.Matcher
}

// Match reports whether the card satisfies the query. An empty filter matches.
func (q Query) Match(card vcard.Card) bool {
	if len(q.Filters) == 0 {
		return true
	}
	all := strings.EqualFold(q.Test, TestAllOf)
	for _, f := range q.Filters {
		ok := f.match(card)
		if all && !ok {
			return false
		}
		if !all && ok {
			return true
		}
	}
	return all
}

func (f PropFilter) match(card vcard.Card) bool {
	fields := card[strings.ToUpper(f.Name)]
	if f.IsNotDefined {
		return len(fields) == 0
	}
	if len(fields) == 0 {
		return false
	}
	if len(f.TextMatches) == 0 && len(f.Params) == 0 {
		return true
	}
	for _, field := range fields {
		if f.fieldMatches(field) {
			return true
		}
	}
	return false
}

func (f PropFilter) fieldMatches(field *vcard.Field) bool {
	all := strings.EqualFold(f.Test, TestAllOf)
	var results []bool
	for _, m := range f.TextMatches {
		results = append(results, m.Match(field.Value))
	}
	for _, pf := range f.Params {
		results = append(results, pf.match(field))
	}
	for _, ok := range results {
		if all && !ok {
			return false
		}
		if !all && ok {
			return true
		}
	}
	return all
}

func (pf ParamFilter) match(field *vcard.Field) bool {
	var values []string
	for k, v := range field.Params {
		if strings.EqualFold(k, pf.Name) {
			values = append(values, v...)
		}
	}
	if pf.IsNotDefined {
		return len(values) == 0
	}
	if len(values) == 0 {
		return false
	}
	return pf.TextMatch == nil || pf.TextMatch.MatchAny(values)
}
