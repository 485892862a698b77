package types

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Field is a single (name, value) pair from a form submission.
// It is serialized as a two-element JSON array: ["punto_id", "P123"].
type Field struct {
	Name  string
	Value string
}

// MarshalJSON implements json.Marshaler for Field.
func (f Field) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{f.Name, f.Value})
}

// UnmarshalJSON implements json.Unmarshaler for Field.
func (f *Field) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("field must be a [name, value] array: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("field must have exactly 2 elements, got %d", len(pair))
	}
	f.Name, f.Value = pair[0], pair[1]
	return nil
}

// Fields is an ordered list of form fields. Duplicate names are allowed and
// kept in submission order.
type Fields []Field

// Get returns the first value for name.
func (fs Fields) Get(name string) (string, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Encode renders the fields as an application/x-www-form-urlencoded body,
// preserving order. url.Values cannot be used here because it sorts keys.
func (fs Fields) Encode() string {
	var b strings.Builder
	for i, f := range fs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(f.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.Value))
	}
	return b.String()
}

// Clone returns a copy that shares no backing array with fs.
func (fs Fields) Clone() Fields {
	if fs == nil {
		return nil
	}
	out := make(Fields, len(fs))
	copy(out, fs)
	return out
}

// ParseFormBody parses a urlencoded form body into ordered fields.
func ParseFormBody(body string) (Fields, error) {
	fields := Fields{}
	for _, part := range strings.Split(body, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		n, err := url.QueryUnescape(name)
		if err != nil {
			return nil, fmt.Errorf("decode field name %q: %w", name, err)
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("decode value of %q: %w", n, err)
		}
		fields = append(fields, Field{Name: n, Value: v})
	}
	return fields, nil
}
