package carddata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-vcard"
)

var jcardTypes = map[string]string{
	vcard.FieldURL:         "uri",
	vcard.FieldPhoto:       "uri",
	vcard.FieldLogo:        "uri",
	vcard.FieldSource:      "uri",
	vcard.FieldBirthday:    "date-and-or-time",
	vcard.FieldAnniversary: "date-and-or-time",
	vcard.FieldRevision:    "timestamp",
}

// ToJCard converts a card into its jCard array form.
func ToJCard(card vcard.Card) []any {
	names := make([]string, 0, len(card))
	for name := range card {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		// VERSION must come first.
		if names[i] == vcard.FieldVersion || names[j] == vcard.FieldVersion {
			return names[i] == vcard.FieldVersion
		}
		return names[i] < names[j]
	})

	props := make([]any, 0, len(names))
	for _, name := range names {
		for _, f := range card[name] {
			params := map[string]any{}
			for k, v := range f.Params {
				if len(v) == 1 {
					params[strings.ToLower(k)] = v[0]
				} else {
					params[strings.ToLower(k)] = v
				}
			}
			if f.Group != "" {
				params["group"] = f.Group
			}
			typ := jcardTypes[name]
			if typ == "" {
				typ = "text"
			}
			entry := []any{strings.ToLower(name), params, typ}
			if strings.Contains(f.Value, ";") && (name == vcard.FieldName || name == vcard.FieldAddress || name == vcard.FieldOrganization) {
				parts := strings.Split(f.Value, ";")
				structured := make([]any, len(parts))
				for i, p := range parts {
					structured[i] = p
				}
				entry = append(entry, structured)
			} else {
				entry = append(entry, f.Value)
			}
			props = append(props, entry)
		}
	}
	return []any{"vcard", props}
}

// MarshalJCard serializes a card as jCard JSON.
func MarshalJCard(card vcard.Card) ([]byte, error) {
	return json.Marshal(ToJCard(card))
}

// FromJCard decodes a jCard document.
func FromJCard(data []byte) (vcard.Card, error) {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(raw) != 2 || !strings.EqualFold(fmt.Sprint(raw[0]), "vcard") {
		return nil, fmt.Errorf("%w: jCard must be [\"vcard\", [...]]", ErrInvalid)
	}
	props, ok := raw[1].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: jCard properties", ErrInvalid)
	}
	card := make(vcard.Card)
	for _, rp := range props {
		arr, ok := rp.([]any)
		if !ok || len(arr) < 4 {
			return nil, fmt.Errorf("%w: jCard property", ErrInvalid)
		}
		name, _ := arr[0].(string)
		if name == "" {
			return nil, fmt.Errorf("%w: jCard property name", ErrInvalid)
		}
		field := &vcard.Field{Params: make(vcard.Params)}
		if params, ok := arr[1].(map[string]any); ok {
			for k, v := range params {
				if strings.EqualFold(k, "group") {
					field.Group = fmt.Sprint(v)
					continue
				}
				key := strings.ToUpper(k)
				switch tv := v.(type) {
				case []any:
					for _, item := range tv {
						field.Params.Add(key, fmt.Sprint(item))
					}
				default:
					field.Params.Set(key, fmt.Sprint(tv))
				}
			}
		}
		var values []string
		for _, v := range arr[3:] {
			switch tv := v.(type) {
			case []any:
				parts := make([]string, len(tv))
				for i, p := range tv {
					parts[i] = fmt.Sprint(p)
				}
				values = append(values, strings.Join(parts, ";"))
			default:
				values = append(values, fmt.Sprint(tv))
			}
		}
		field.Value = strings.Join(values, ",")
		if len(field.Params) == 0 {
			field.Params = nil
		}
		card.Add(strings.ToUpper(name), field)
	}
	if strings.TrimSpace(card.Value(vcard.FieldUID)) == "" {
		return nil, ErrMissingUID
	}
	return card, nil
}
