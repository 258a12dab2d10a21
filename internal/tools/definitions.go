// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/llm"
)

// =============================================================================
// CAPABILITIES
// =============================================================================

// Capability tags declared by built-in tools. The router denies tags per
// request; a tool is offered only when none of its tags are denied.
const (
	CapabilityWeb    = "web"
	CapabilityData   = "data"
	CapabilityMemory = "memory"
)

// =============================================================================
// SCHEMA
// =============================================================================

// Parameter types accepted in a Schema.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Parameter defines a single tool parameter.
type Parameter struct {
	// Name of the parameter
	Name string

	// Type is one of the Type* constants
	Type string

	// Required indicates if the parameter must be provided
	Required bool

	// Description explains the parameter to the model
	Description string

	// Default is applied when the parameter is absent
	Default any

	// Enum restricts string values
	Enum []string

	// Minimum and Maximum bound numeric values when set
	Minimum *float64
	Maximum *float64

	// MaxLength bounds string length in runes when > 0
	MaxLength int

	// Items is the element type for arrays
	Items string
}

// Schema defines a tool's parameters in declaration order.
type Schema struct {
	Parameters []Parameter
}

// Bound returns a pointer to v for Parameter.Minimum and Parameter.Maximum.
func Bound(v float64) *float64 {
	return &v
}

// property is the JSON Schema rendering of one Parameter.
type property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	MaxLength   int      `json:"maxLength,omitempty"`
	Items       *struct {
		Type string `json:"type"`
	} `json:"items,omitempty"`
}

func toProperty(p Parameter) property {
	prop := property{
		Type:        p.Type,
		Description: p.Description,
		Enum:        p.Enum,
		Default:     p.Default,
		Minimum:     p.Minimum,
		Maximum:     p.Maximum,
		MaxLength:   p.MaxLength,
	}
	if p.Type == TypeArray && p.Items != "" {
		prop.Items = &struct {
			Type string `json:"type"`
		}{Type: p.Items}
	}
	return prop
}

func fromProperty(name string, prop property, required bool) Parameter {
	p := Parameter{
		Name:        name,
		Type:        prop.Type,
		Required:    required,
		Description: prop.Description,
		Enum:        prop.Enum,
		Default:     prop.Default,
		Minimum:     prop.Minimum,
		Maximum:     prop.Maximum,
		MaxLength:   prop.MaxLength,
	}
	if prop.Items != nil {
		p.Items = prop.Items.Type
	}
	// JSON numbers decode as float64; integer defaults go back to int.
	if f, ok := p.Default.(float64); ok && p.Type == TypeInteger && f == math.Trunc(f) {
		p.Default = int(f)
	}
	return p
}

// properties marshals as a JSON object whose keys keep parameter order.
type properties []Parameter

func (ps properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range ps {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(toProperty(p))
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// jsonSchemaDoc is the {type: object, properties, required} document.
type jsonSchemaDoc struct {
	Type       string     `json:"type"`
	Properties properties `json:"properties"`
	Required   []string   `json:"required,omitempty"`
}

func (s Schema) doc() jsonSchemaDoc {
	doc := jsonSchemaDoc{Type: TypeObject, Properties: properties(s.Parameters)}
	if doc.Properties == nil {
		doc.Properties = properties{}
	}
	for _, p := range s.Parameters {
		if p.Required {
			doc.Required = append(doc.Required, p.Name)
		}
	}
	sort.Strings(doc.Required)
	return doc
}

// MarshalJSON renders the schema as a JSON Schema object.
func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.doc())
}

// UnmarshalJSON rebuilds a Schema from a JSON Schema object, keeping the
// order of the properties keys.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
		Required   []string        `json:"required"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type != "" && raw.Type != TypeObject {
		return fmt.Errorf("schema type must be object, got %q", raw.Type)
	}

	required := make(map[string]bool, len(raw.Required))
	for _, name := range raw.Required {
		required[name] = true
	}

	s.Parameters = nil
	if len(raw.Properties) == 0 || string(raw.Properties) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Properties))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return fmt.Errorf("schema properties must be an object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("schema property name must be a string")
		}
		var prop property
		if err := dec.Decode(&prop); err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
		s.Parameters = append(s.Parameters, fromProperty(name, prop, required[name]))
	}
	if s.Parameters == nil {
		s.Parameters = []Parameter{}
	}
	return nil
}

// JSONSchema returns the schema as a generic map, the form sent to the model.
func (s Schema) JSONSchema() map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": TypeObject, "properties": map[string]any{}}
	}
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// Handler executes a tool with validated, defaulted arguments. The returned
// value becomes the result's data and must be JSON-serializable.
type Handler func(ctx context.Context, args Args) (any, error)

// ToolDefinition describes a callable tool.
type ToolDefinition struct {
	// Name is the unique tool identifier
	Name string

	// Description explains what the tool does
	Description string

	// Schema defines the tool's parameters
	Schema Schema

	// RequiredCapabilities are the capability tags the tool needs
	RequiredCapabilities []string

	// Handler runs the tool. Not serialized.
	Handler Handler

	// Timeout overrides the registry timeout when > 0. Not serialized.
	Timeout time.Duration
}

type definitionJSON struct {
	Name                 string   `json:"name"`
	Description          string   `json:"description"`
	JSONSchema           Schema   `json:"jsonSchema"`
	RequiredCapabilities []string `json:"requiredCapabilities"`
}

// MarshalJSON renders the tool contract {name, description, jsonSchema,
// requiredCapabilities}.
func (d ToolDefinition) MarshalJSON() ([]byte, error) {
	caps := d.RequiredCapabilities
	if caps == nil {
		caps = []string{}
	}
	return json.Marshal(definitionJSON{
		Name:                 d.Name,
		Description:          d.Description,
		JSONSchema:           d.Schema,
		RequiredCapabilities: caps,
	})
}

// UnmarshalJSON restores everything but the handler and timeout.
func (d *ToolDefinition) UnmarshalJSON(data []byte) error {
	var raw definitionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Name = raw.Name
	d.Description = raw.Description
	d.Schema = raw.JSONSchema
	d.RequiredCapabilities = raw.RequiredCapabilities
	if len(d.RequiredCapabilities) == 0 {
		d.RequiredCapabilities = nil
	}
	return nil
}

// Spec converts the definition to the provider-neutral tool spec sent with a
// model request.
func (d *ToolDefinition) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Schema.JSONSchema(),
	}
}

func (d *ToolDefinition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s has no handler", d.Name)
	}
	seen := make(map[string]bool, len(d.Schema.Parameters))
	for _, p := range d.Schema.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s has an unnamed parameter", d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %s declares parameter %s twice", d.Name, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		default:
			return fmt.Errorf("tool %s parameter %s has unknown type %q", d.Name, p.Name, p.Type)
		}
	}
	return nil
}
