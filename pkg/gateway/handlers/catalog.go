package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/call"
	"github.com/vango-go/vai-companion/pkg/core/companion"
	"github.com/vango-go/vai-companion/pkg/core/tools"
	"github.com/vango-go/vai-companion/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-companion/pkg/gateway/mw"
)

// DefaultPersona resolves a configured persona name to a built-in persona.
// Unknown names fall back to Agent Zero.
func DefaultPersona(name string) call.Persona {
	if strings.EqualFold(strings.TrimSpace(name), companion.AgentZara.Name) {
		return companion.AgentZara
	}
	return companion.AgentZero
}

func wirePersonas() []protocol.Persona {
	return []protocol.Persona{
		{Name: companion.AgentZero.Name, Voice: companion.AgentZero.Voice},
		{Name: companion.AgentZara.Name, Voice: companion.AgentZara.Voice},
	}
}

var (
	catalogOnce  sync.Once
	catalogDecls []tools.Declaration
)

// toolDeclarations is the tool set a call advertises to the model.
func toolDeclarations() []tools.Declaration {
	catalogOnce.Do(func() {
		r := tools.NewRegistry()
		_ = r.Register(tools.EndCallDeclaration, func(context.Context, map[string]any) (map[string]any, error) { return nil, nil })
		_ = tools.RegisterCompanionTools(r, tools.NopCallbacks{}, tools.CompanionOptions{})
		catalogDecls = r.Declarations()
	})
	return catalogDecls
}

func toolNames() []string {
	decls := toolDeclarations()
	out := make([]string, 0, len(decls))
	for _, d := range decls {
		out = append(out, d.Name)
	}
	return out
}

type VoicesHandler struct{}

func (h VoicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, r, http.StatusMethodNotAllowed, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"voices":   companion.Voices,
		"personas": wirePersonas(),
	})
}

type ToolsHandler struct{}

type toolEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

func (h ToolsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, r, http.StatusMethodNotAllowed, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	decls := toolDeclarations()
	out := make([]toolEntry, 0, len(decls))
	for _, d := range decls {
		out = append(out, toolEntry{Name: d.Name, Description: d.Description, Parameters: d.JSONSchema()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
