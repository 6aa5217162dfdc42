// Package carddata parses vCards and evaluates addressbook-query filters.
package carddata

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-vcard"
)

// Media types of stored and JSON-encoded contacts.
const (
	ContentType      = "text/vcard; charset=utf-8"
	ContentTypeJCard = "application/vcard+json"
)

var (
	ErrInvalid    = errors.New("invalid vCard data")
	ErrMissingUID = errors.New("vCard has no UID")
)

// Card is one decoded contact resource.
type Card struct {
	vcard.Card
}

// Parse decodes a stored contact. The body must hold exactly one vCard with a UID.
func Parse(data string) (*Card, error) {
	card, err := decode(data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(card.Value(vcard.FieldUID)) == "" {
		return nil, ErrMissingUID
	}
	return &Card{Card: card}, nil
}

func decode(data string) (vcard.Card, error) {
	if strings.TrimSpace(data) == "" {
		return nil, fmt.Errorf("%w: empty body", ErrInvalid)
	}
	dec := vcard.NewDecoder(strings.NewReader(data))
	card, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: more than one vCard", ErrInvalid)
	}
	return card, nil
}

// UID returns the contact UID.
func (c *Card) UID() string {
	return strings.TrimSpace(c.Value(vcard.FieldUID))
}

// FormattedName returns FN.
func (c *Card) FormattedName() string {
	return c.Value(vcard.FieldFormattedName)
}

// Emails returns every EMAIL value, lowercased.
func (c *Card) Emails() []string {
	var out []string
	for _, v := range c.Values(vcard.FieldEmail) {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Encode serializes a card.
func Encode(card vcard.Card) (string, error) {
	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return "", fmt.Errorf("encode vcard: %w", err)
	}
	return buf.String(), nil
}

// Clone deep copies a card.
func Clone(card vcard.Card) vcard.Card {
	out := make(vcard.Card, len(card))
	for name, fields := range card {
		copied := make([]*vcard.Field, len(fields))
		for i, f := range fields {
			cp := *f
			if f.Params != nil {
				cp.Params = make(vcard.Params, len(f.Params))
				for k, v := range f.Params {
					cp.Params[k] = append([]string(nil), v...)
				}
			}
			copied[i] = &cp
		}
		out[name] = copied
	}
	return out
}

// Select keeps only the named properties for address-data partial retrieval.
// VERSION, UID and FN are always kept.
func Select(card vcard.Card, names []string) vcard.Card {
	if len(names) == 0 {
		return card
	}
	out := make(vcard.Card)
	keep := append([]string{vcard.FieldVersion, vcard.FieldUID, vcard.FieldFormattedName}, names...)
	for _, name := range keep {
		name = strings.ToUpper(name)
		if fields, ok := card[name]; ok {
			out[name] = fields
		}
	}
	return out
}

// Export concatenates the stored vCards in order. Unparseable entries are
// skipped and returned by name.
func Export(objects map[string]string, order []string) (string, []string) {
	var b strings.Builder
	var skipped []string
	for _, name := range order {
		card, err := decode(objects[name])
		if err != nil {
			skipped = append(skipped, name)
			continue
		}
		out, err := Encode(card)
		if err != nil {
			skipped = append(skipped, name)
			continue
		}
		b.WriteString(out)
	}
	return b.String(), skipped
}
