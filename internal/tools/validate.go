// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// =============================================================================
// ARGUMENTS
// =============================================================================

// Args holds decoded tool arguments.
type Args map[string]any

// DecodeArgs parses raw JSON arguments. Empty input and null decode to an
// empty set.
func DecodeArgs(raw json.RawMessage) (Args, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = Args{}
	}
	return args, nil
}

// String gets a string argument with a default value.
func (a Args) String(name, defaultVal string) string {
	if val, ok := a[name]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultVal
}

// Int gets an integer argument with a default value.
func (a Args) Int(name string, defaultVal int) int {
	if val, ok := a[name]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultVal
}

// Bool gets a boolean argument with a default value.
func (a Args) Bool(name string, defaultVal bool) bool {
	if val, ok := a[name]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// applyDefaults fills absent parameters from the schema.
func applyDefaults(schema *Schema, args Args) {
	for _, p := range schema.Parameters {
		if _, exists := args[p.Name]; !exists && p.Default != nil {
			args[p.Name] = p.Default
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a parameter validation error.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Param + ": " + e.Message
}

// ValidateToolArgs validates arguments against a schema: required
// parameters, types, enums, numeric bounds, and string length.
func ValidateToolArgs(schema *Schema, args Args) error {
	if schema == nil {
		return nil
	}

	for _, param := range schema.Parameters {
		val, exists := args[param.Name]

		if param.Required && (!exists || val == nil) {
			return &ValidationError{Param: param.Name, Message: "missing required argument"}
		}
		if !exists || val == nil {
			continue
		}

		if err := validateArgType(param, val); err != nil {
			return err
		}

		switch param.Type {
		case TypeInteger, TypeNumber:
			if err := validateNumericBounds(param, toFloat(val)); err != nil {
				return err
			}
		case TypeString:
			if err := validateString(param, val.(string)); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateArgType validates the type of an argument.
func validateArgType(param Parameter, val any) error {
	ok := true
	switch param.Type {
	case TypeString:
		_, ok = val.(string)
	case TypeInteger:
		switch v := val.(type) {
		case int, int64:
		case float64:
			ok = v == math.Trunc(v) && !math.IsInf(v, 0)
		default:
			ok = false
		}
	case TypeNumber:
		switch val.(type) {
		case int, int64, float64:
		default:
			ok = false
		}
	case TypeBoolean:
		_, ok = val.(bool)
	case TypeArray:
		_, ok = val.([]any)
	case TypeObject:
		_, ok = val.(map[string]any)
	}
	if !ok {
		return &ValidationError{Param: param.Name, Message: "expected " + param.Type + " type"}
	}
	return nil
}

func toFloat(val any) float64 {
	switch v := val.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// validateNumericBounds checks schema bounds.
func validateNumericBounds(param Parameter, v float64) error {
	if param.Minimum != nil && v < *param.Minimum {
		return &ValidationError{Param: param.Name, Message: fmt.Sprintf("must be >= %g", *param.Minimum)}
	}
	if param.Maximum != nil && v > *param.Maximum {
		return &ValidationError{Param: param.Name, Message: fmt.Sprintf("must be <= %g", *param.Maximum)}
	}
	return nil
}

// validateString checks enum membership and length.
func validateString(param Parameter, s string) error {
	if len(param.Enum) > 0 {
		found := false
		for _, allowed := range param.Enum {
			if s == allowed {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{
				Param:   param.Name,
				Message: "must be one of: " + strings.Join(param.Enum, ", "),
			}
		}
	}
	if param.MaxLength > 0 && utf8.RuneCountInString(s) > param.MaxLength {
		return &ValidationError{
			Param:   param.Name,
			Message: fmt.Sprintf("exceeds maximum length of %d", param.MaxLength),
		}
	}
	return nil
}
