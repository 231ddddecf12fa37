package tools

import (
	"encoding/json"
	"fmt"
	"math"
)

// Validate checks args against a JSON-schema style parameter definition.
// It covers required fields and primitive type checks only; nested
// schemas are not descended into.
func Validate(args map[string]any, schema map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	for _, field := range requiredFields(schema["required"]) {
		if _, exists := args[field]; !exists {
			return fmt.Errorf("missing required field: %s", field)
		}
	}

	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}

	for key, value := range args {
		def, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		expected, _ := def["type"].(string)
		if expected == "" {
			continue
		}
		if err := validateType(value, expected); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}
	return nil
}

// requiredFields accepts both []string (schemas built in Go) and []any
// (schemas decoded from JSON).
func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func validateType(value any, expected string) error {
	switch expected {
	case "string":
		if _, ok := value.(string); ok {
			return nil
		}
	case "number":
		if isNumber(value) {
			return nil
		}
	case "integer":
		if isInteger(value) {
			return nil
		}
	case "boolean":
		if _, ok := value.(bool); ok {
			return nil
		}
	case "object":
		if _, ok := value.(map[string]any); ok {
			return nil
		}
	case "array":
		switch value.(type) {
		case []any, []string:
			return nil
		}
	case "null":
		if value == nil {
			return nil
		}
	default:
		return fmt.Errorf("unsupported schema type %q", expected)
	}
	return fmt.Errorf("expected %s but got %T", expected, value)
}

func isNumber(value any) bool {
	switch v := value.(type) {
	case float32, float64:
		return true
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	}
	return false
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return math.Trunc(float64(v)) == float64(v)
	case float64:
		return math.Trunc(v) == v
	case json.Number:
		_, err := v.Int64()
		return err == nil
	}
	return false
}
