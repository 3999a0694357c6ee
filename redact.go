package helio

import (
	"encoding/json"
	"strings"
)

const redactedValue = "[REDACTED]"

var DefaultSensitiveFields = []string{
	"password", "secret", "token", "access_token", "refresh_token", "api_key", "authorization",
}

// Redactor masks sensitive fields in snapshots written to execution records.
// Field names match case-insensitively at any depth.
type Redactor struct {
	fields map[string]struct{}
}

// NewRedactor masks the given fields, or DefaultSensitiveFields when none
// are given.
func NewRedactor(fields ...string) *Redactor {
	if len(fields) == 0 {
		fields = DefaultSensitiveFields
	}
	r := &Redactor{fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		r.fields[strings.ToLower(f)] = struct{}{}
	}

	return r
}

// Redact returns a deep copy of v with sensitive values replaced.
func (r *Redactor) Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if r.sensitive(k) {
				out[k] = redactedValue

				continue
			}
			out[k] = r.Redact(item)
		}

		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.Redact(item)
		}

		return out
	default:
		return v
	}
}

// Snapshot redacts v and encodes it for storage.
func (r *Redactor) Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	normalized, err := normalizeJSON(v)
	if err != nil {
		return nil
	}
	data, err := json.Marshal(r.Redact(normalized))
	if err != nil {
		return nil
	}

	return data
}

func (r *Redactor) sensitive(key string) bool {
	if r == nil {
		return false
	}
	_, ok := r.fields[strings.ToLower(key)]

	return ok
}

// normalizeJSON converts typed values into the generic map/slice form.
func normalizeJSON(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any, string, float64, bool, nil:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	return out, nil
}
