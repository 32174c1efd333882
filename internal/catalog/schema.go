package catalog

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// FieldType is a primitive JSON type.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeAny     FieldType = ""
)

// Field describes one input field.
type Field struct {
	Name        string    `yaml:"name"`
	Type        FieldType `yaml:"type"`
	Required    bool      `yaml:"required"`
	Description string    `yaml:"description"`
}

// Schema is the structural input shape of a capability.
type Schema struct {
	Fields []Field
}

func (s Schema) check() error {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema field with empty name")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate schema field %q", f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray, TypeAny:
		default:
			return fmt.Errorf("field %q: unknown type %q", f.Name, f.Type)
		}
	}
	return nil
}

// Describe renders the schema as a compact one-line signature for prompts.
func (s Schema) Describe() string {
	if len(s.Fields) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		typ := string(f.Type)
		if typ == "" {
			typ = "any"
		}
		p := f.Name + ": " + typ
		if !f.Required {
			p += "?"
		}
		parts = append(parts, p)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ValidateInput checks input against schema: every required field must be
// present and non-null, and every declared field must have its primitive type.
// Undeclared fields pass through untouched.
func ValidateInput(schema Schema, input map[string]any) error {
	var problems []string
	for _, f := range schema.Fields {
		v, ok := input[f.Name]
		if !ok || v == nil {
			if f.Required {
				problems = append(problems, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		if !matches(f.Type, v) {
			problems = append(problems, fmt.Sprintf("field %q must be %s, got %s", f.Name, f.Type, typeName(v)))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
}

func matches(t FieldType, v any) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}
