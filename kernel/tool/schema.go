package tool

import (
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// schemaForType derives a JSON schema from the struct tags of T:
//
//	json:"name,omitempty"  property name; omitempty makes it optional
//	desc:"..."             property description
//	min:"1"                numeric minimum
func schemaForType[T any]() map[string]any {
	var zero T
	return schemaForReflectType(reflect.TypeOf(zero))
}

func schemaForReflectType(t reflect.Type) map[string]any {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return map[string]any{"type": "object"}
	}

	switch t.Kind() {
	case reflect.Struct:
		return structSchema(t)
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": schemaForReflectType(t.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object"}
	default:
		return map[string]any{"type": "string"}
	}
}

func structSchema(t reflect.Type) map[string]any {
	properties := map[string]any{}
	var required []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, optional, ok := propertyName(field)
		if !ok {
			continue
		}
		if !optional {
			required = append(required, name)
		}
		prop := schemaForReflectType(field.Type)
		if desc := strings.TrimSpace(field.Tag.Get("desc")); desc != "" {
			prop["description"] = desc
		}
		if minimum, err := strconv.ParseFloat(strings.TrimSpace(field.Tag.Get("min")), 64); err == nil {
			if minimum == float64(int64(minimum)) {
				prop["minimum"] = int64(minimum)
			} else {
				prop["minimum"] = minimum
			}
		}
		properties[name] = prop
	}
	out := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// propertyName applies encoding/json naming so the schema matches how
// arguments are decoded.
func propertyName(field reflect.StructField) (name string, optional, ok bool) {
	if !field.IsExported() {
		return "", false, false
	}
	tag, hasTag := field.Tag.Lookup("json")
	if !hasTag {
		return field.Name, false, true
	}
	parts := strings.Split(tag, ",")
	if parts[0] == "-" {
		return "", false, false
	}
	name = strings.TrimSpace(parts[0])
	if name == "" {
		name = field.Name
	}
	return name, slices.Contains(parts[1:], "omitempty"), true
}
