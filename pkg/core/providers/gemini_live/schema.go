package gemini_live

import (
	"google.golang.org/genai"

	"github.com/vango-go/vai-companion/pkg/core/tools"
)

func functionDeclarations(decls []tools.Declaration) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		fd := &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
		}
		if len(d.Params) > 0 {
			fd.Parameters = objectSchema(d.Params, d.Required)
		}
		out = append(out, fd)
	}
	return out
}

func objectSchema(params map[string]tools.Param, required []string) *genai.Schema {
	s := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(params)),
	}
	for _, name := range tools.SortedParamNames(params) {
		s.Properties[name] = paramSchema(params[name])
	}
	if len(required) > 0 {
		s.Required = append([]string(nil), required...)
	}
	return s
}

func paramSchema(p tools.Param) *genai.Schema {
	if p.Type == tools.TypeObject {
		s := objectSchema(p.Properties, p.Required)
		s.Description = p.Description
		return s
	}
	s := &genai.Schema{
		Type:        schemaType(p.Type),
		Description: p.Description,
	}
	if len(p.Enum) > 0 {
		s.Enum = append([]string(nil), p.Enum...)
	}
	if p.Type == tools.TypeArray && p.Items != nil {
		s.Items = paramSchema(*p.Items)
	}
	return s
}

func schemaType(t string) genai.Type {
	switch t {
	case tools.TypeNumber:
		return genai.TypeNumber
	case tools.TypeInteger:
		return genai.TypeInteger
	case tools.TypeBoolean:
		return genai.TypeBoolean
	case tools.TypeArray:
		return genai.TypeArray
	case tools.TypeObject:
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
