package carddata

import (
	"strings"
	"testing"

	"github.com/emersion/go-vcard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jw6ventures/calcore/internal/textmatch"
)

const bobCard = "BEGIN:VCARD\r\n" +
	"VERSION:4.0\r\n" +
	"UID:bob-1\r\n" +
	"FN:Bob Builder\r\n" +
	"N:Builder;Bob;;;\r\n" +
	"EMAIL;TYPE=work:Bob@Example.com\r\n" +
	"EMAIL;TYPE=home:bob@home.test\r\n" +
	"TEL;TYPE=cell:+33600000000\r\n" +
	"END:VCARD\r\n"

const aliceCard = "BEGIN:VCARD\r\n" +
	"VERSION:4.0\r\n" +
	"UID:alice-1\r\n" +
	"FN:Alice Ärger\r\n" +
	"EMAIL:alice@example.com\r\n" +
	"END:VCARD\r\n"

func matcher(t *testing.T, value, collation, matchType string) textmatch.Matcher {
	t.Helper()
	m, err := textmatch.New(value, collation, matchType, false)
	require.NoError(t, err)
	return m
}

func TestParse(t *testing.T) {
	card, err := Parse(bobCard)
	require.NoError(t, err)
	assert.Equal(t, "bob-1", card.UID())
	assert.Equal(t, "Bob Builder", card.FormattedName())
	assert.Equal(t, []string{"bob@example.com", "bob@home.test"}, card.Emails())

	_, err = Parse(strings.Replace(bobCard, "UID:bob-1\r\n", "", 1))
	assert.ErrorIs(t, err, ErrMissingUID)
	_, err = Parse("")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse(bobCard + aliceCard)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestQueryMatch(t *testing.T) {
	bob, err := Parse(bobCard)
	require.NoError(t, err)
	alice, err := Parse(aliceCard)
	require.NoError(t, err)

	byEmail := Query{Filters: []PropFilter{{Name: "EMAIL", TextMatches: []textmatch.Matcher{matcher(t, "bob@example.com", "", "equals")}}}}
	assert.True(t, byEmail.Match(bob.Card))
	assert.False(t, byEmail.Match(alice.Card))

	byUID := Query{Filters: []PropFilter{{Name: "UID", TextMatches: []textmatch.Matcher{matcher(t, "ALICE", "", "starts-with")}}}}
	assert.True(t, byUID.Match(alice.Card))

	octet := Query{Filters: []PropFilter{{Name: "UID", TextMatches: []textmatch.Matcher{matcher(t, "ALICE", "i;octet", "starts-with")}}}}
	assert.False(t, octet.Match(alice.Card))

	unicode := Query{Filters: []PropFilter{{Name: "FN", TextMatches: []textmatch.Matcher{matcher(t, "ärger", "i;unicode-casemap", "ends-with")}}}}
	assert.True(t, unicode.Match(alice.Card))

	nothing := Query{Filters: []PropFilter{{Name: "EMAIL", TextMatches: []textmatch.Matcher{matcher(t, "nobody", "", "contains")}}}}
	assert.False(t, nothing.Match(bob.Card))
	assert.False(t, nothing.Match(alice.Card))
}

func TestQueryCombinators(t *testing.T) {
	bob, err := Parse(bobCard)
	require.NoError(t, err)

	filters := []PropFilter{
		{Name: "FN", TextMatches: []textmatch.Matcher{matcher(t, "bob", "", "contains")}},
		{Name: "NICKNAME"},
	}
	assert.True(t, Query{Filters: filters}.Match(bob.Card))
	assert.False(t, Query{Test: TestAllOf, Filters: filters}.Match(bob.Card))

	notDefined := Query{Filters: []PropFilter{{Name: "NICKNAME", IsNotDefined: true}}}
	assert.True(t, notDefined.Match(bob.Card))

	withinProp := PropFilter{Name: "FN", Test: TestAllOf, TextMatches: []textmatch.Matcher{
		matcher(t, "bob", "", "starts-with"),
		matcher(t, "builder", "", "ends-with"),
	}}
	assert.True(t, Query{Filters: []PropFilter{withinProp}}.Match(bob.Card))

	home := matcher(t, "home", "", "equals")
	byParam := Query{Filters: []PropFilter{{Name: "EMAIL", Params: []ParamFilter{{Name: "TYPE", TextMatch: &home}}}}}
	assert.True(t, byParam.Match(bob.Card))
}

func TestJCardRoundTrip(t *testing.T) {
	bob, err := Parse(bobCard)
	require.NoError(t, err)

	raw, err := MarshalJCard(bob.Card)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), `["vcard",[["version",{},"text","4.0"]`))

	back, err := FromJCard(raw)
	require.NoError(t, err)
	assert.Equal(t, "bob-1", back.Value(vcard.FieldUID))
	assert.Equal(t, "Builder;Bob;;;", back.Value(vcard.FieldName))
	assert.Len(t, back[vcard.FieldEmail], 2)

	_, err = FromJCard([]byte(`["vcard",[["fn",{},"text","x"]]]`))
	assert.ErrorIs(t, err, ErrMissingUID)
	_, err = FromJCard([]byte(`["vcalendar",[],[]]`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestExportConcatenates(t *testing.T) {
	out, skipped := Export(map[string]string{"a.vcf": bobCard, "b.vcf": aliceCard, "c.vcf": "junk"}, []string{"a.vcf", "b.vcf", "c.vcf"})
	assert.Equal(t, []string{"c.vcf"}, skipped)
	assert.Equal(t, 2, strings.Count(out, "BEGIN:VCARD"))
	assert.Less(t, strings.Index(out, "bob-1"), strings.Index(out, "alice-1"))
}

func TestSelectAndClone(t *testing.T) {
	bob, err := Parse(bobCard)
	require.NoError(t, err)

	partial := Select(bob.Card, []string{"email"})
	assert.Contains(t, partial, vcard.FieldEmail)
	assert.Contains(t, partial, vcard.FieldUID)
	assert.NotContains(t, partial, vcard.FieldTelephone)

	cp := Clone(bob.Card)
	cp[vcard.FieldFormattedName][0].Value = "Changed"
	assert.Equal(t, "Bob Builder", bob.FormattedName())
}
