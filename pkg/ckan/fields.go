package ckan

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Field is one value of an action payload: either a ScalarField or a
// StructuredField. How it is put on the wire is decided by the client's
// structured-field table, not by the Go type of the value.
type Field interface {
	isField()
}

// ScalarField is a plain string value.
type ScalarField string

func (ScalarField) isField() {}

// StructuredField carries a list or mapping that the catalog expects as a JSON
// array or object (tags, extras).
type StructuredField struct {
	Value any
}

func (StructuredField) isField() {}

// DefaultStructuredFields are sent as JSON values in JSON mode; every other
// field is coerced to its string form.
var DefaultStructuredFields = []string{"tags", "extras"}

// Fields is an action payload keyed by field name.
type Fields map[string]Field

// Scalar returns the string value of key when it is a ScalarField.
func (f Fields) Scalar(key string) (string, bool) {
	v, ok := f[key].(ScalarField)
	return string(v), ok
}

// SetScalar stores a scalar value.
func (f Fields) SetScalar(key, value string) {
	f[key] = ScalarField(value)
}

// SetStructured stores a structured value.
func (f Fields) SetStructured(key string, value any) {
	f[key] = StructuredField{Value: value}
}

// Compact returns a copy without empty-string scalars and nil entries.
func (f Fields) Compact() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		switch tv := v.(type) {
		case nil:
			continue
		case ScalarField:
			if tv == "" {
				continue
			}
		case StructuredField:
			if tv.Value == nil {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON renders every field with its natural JSON shape. It is used for
// dry-run output; the client applies its own coercion table instead.
func (f Fields) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(f))
	for k, v := range f {
		switch tv := v.(type) {
		case ScalarField:
			m[k] = string(tv)
		case StructuredField:
			m[k] = tv.Value
		}
	}
	return json.Marshal(m)
}

// stringValue renders a field as text. Structured values become their JSON
// encoding.
func stringValue(v Field) (string, error) {
	switch tv := v.(type) {
	case ScalarField:
		return string(tv), nil
	case StructuredField:
		if s, ok := tv.Value.(string); ok {
			return s, nil
		}
		b, err := json.Marshal(tv.Value)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unsupported field type %T", v)
	}
}

// jsonBody applies the coercion table: structured keys keep their value,
// everything else is sent as a string.
func jsonBody(fields Fields, structured map[string]struct{}) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if sf, ok := v.(StructuredField); ok {
			if _, keep := structured[k]; keep {
				out[k] = sf.Value
				continue
			}
		}
		s, err := stringValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}
