// Package tools maps function calls issued by the model mid-call to
// registered handlers.
package tools

import (
	"encoding/json"
	"sort"
)

// Parameter types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Param describes one argument.
type Param struct {
	Type        string
	Description string
	Enum        []string
	// Items describes array elements.
	Items *Param
	// Properties and Required describe object fields.
	Properties map[string]Param
	Required   []string
}

// Declaration is a callable tool advertised to the model at session open.
type Declaration struct {
	Name        string
	Description string
	Params      map[string]Param
	Required    []string
	// Once marks a tool whose identical repeat inside the dedup window is
	// treated as a redelivery. Calls with an id are always deduplicated by id.
	Once bool
}

// JSONSchema renders the declaration's parameters as a JSON Schema object.
func (d Declaration) JSONSchema() map[string]any {
	return objectSchema(d.Params, d.Required)
}

// JSONSchemaBytes is JSONSchema encoded for schema compilers.
func (d Declaration) JSONSchemaBytes() ([]byte, error) {
	return json.Marshal(d.JSONSchema())
}

func (p Param) schema() map[string]any {
	out := map[string]any{"type": p.Type}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		enum := make([]any, len(p.Enum))
		for i, v := range p.Enum {
			enum[i] = v
		}
		out["enum"] = enum
	}
	switch p.Type {
	case TypeArray:
		if p.Items != nil {
			out["items"] = p.Items.schema()
		}
	case TypeObject:
		for k, v := range objectSchema(p.Properties, p.Required) {
			out[k] = v
		}
	}
	return out
}

func objectSchema(params map[string]Param, required []string) map[string]any {
	props := make(map[string]any, len(params))
	for name, p := range params {
		props[name] = p.schema()
	}
	out := map[string]any{
		"type":       TypeObject,
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		out["required"] = req
	}
	return out
}

// SortedParamNames returns parameter names in a stable order.
func SortedParamNames(params map[string]Param) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
