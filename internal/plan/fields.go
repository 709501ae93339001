package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Field is one declared field change. Value is the raw text the model emitted;
// an empty Value clears optional fields.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FieldSet keeps declared fields in the order the model wrote them.
type FieldSet []Field

func (fs FieldSet) Get(name string) (string, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func (fs FieldSet) Names() []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name
	}
	return out
}

func (fs FieldSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (fs *FieldSet) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*fs = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("fields must be an object")
	}
	var out FieldSet
	seen := map[string]bool{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("fields key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		value, err := scalarText(raw)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		name := strings.ToLower(strings.TrimSpace(key))
		if seen[name] {
			return fmt.Errorf("field %q declared twice", key)
		}
		seen[name] = true
		out = append(out, Field{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*fs = out
	return nil
}

// scalarText flattens a JSON value into the text form the executor parses.
// Arrays are joined into a comma separated list; objects are rejected.
func scalarText(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, el := range t {
			switch e := el.(type) {
			case string:
				parts = append(parts, e)
			case json.Number:
				parts = append(parts, e.String())
			default:
				return "", fmt.Errorf("list elements must be strings or numbers")
			}
		}
		return strings.Join(parts, ", "), nil
	default:
		return "", fmt.Errorf("nested objects are not allowed")
	}
}
