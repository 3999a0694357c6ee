package helio

import (
	"fmt"
)

type FieldType string

const (
	FieldAny    FieldType = "any"
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldList   FieldType = "list"
)

func (t FieldType) valid() bool {
	switch t {
	case FieldAny, FieldString, FieldNumber, FieldBool, FieldObject, FieldList:
		return true
	default:
		return false
	}
}

// compatible reports whether a value of type t may be bound to a field of type other.
func (t FieldType) compatible(other FieldType) bool {
	return t == FieldAny || other == FieldAny || t == other
}

type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

func Required(name string, typ FieldType) Field {
	return Field{Name: name, Type: typ, Required: true}
}

func Optional(name string, typ FieldType) Field {
	return Field{Name: name, Type: typ}
}

// Schema is the advertised shape of a capability's inputs or outputs.
type Schema []Field

func NewSchema(fields ...Field) Schema {
	return fields
}

func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}

	return Field{}, false
}

func (s Schema) validate() []string {
	var problems []string
	seen := make(map[string]struct{}, len(s))
	for i, f := range s {
		if f.Name == "" {
			problems = append(problems, fmt.Sprintf("field #%d has empty name", i))

			continue
		}
		if _, dup := seen[f.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate field %q", f.Name))
		}
		seen[f.Name] = struct{}{}
		if !f.Type.valid() {
			problems = append(problems, fmt.Sprintf("field %q has unknown type %q", f.Name, f.Type))
		}
	}

	return problems
}

// fieldTypeOf maps a decoded JSON value to the schema type it satisfies.
func fieldTypeOf(v any) FieldType {
	switch v.(type) {
	case string:
		return FieldString
	case float64, float32, int, int64, int32:
		return FieldNumber
	case bool:
		return FieldBool
	case map[string]any:
		return FieldObject
	case []any:
		return FieldList
	default:
		return FieldAny
	}
}
