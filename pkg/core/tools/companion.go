package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Default enumerations advertised by the companion tool set.
var (
	DefaultModes       = []string{"default", "news", "study", "translator", "storyteller", "whiteboard"}
	DefaultViews       = []string{"chat", "emojiChat", "settings"}
	DefaultSettingKeys = []string{"voiceName", "personality", "responseLength", "fontSize", "theme"}
)

// WhiteboardElement is one primitive drawn on the shared whiteboard.
type WhiteboardElement struct {
	Type        string  `json:"type"`
	D           string  `json:"d,omitempty"`
	CX          float64 `json:"cx,omitempty"`
	CY          float64 `json:"cy,omitempty"`
	R           float64 `json:"r,omitempty"`
	X           float64 `json:"x,omitempty"`
	Y           float64 `json:"y,omitempty"`
	Width       float64 `json:"width,omitempty"`
	Height      float64 `json:"height,omitempty"`
	Text        string  `json:"text,omitempty"`
	FontSize    float64 `json:"fontSize,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Fill        string  `json:"fill,omitempty"`
}

// CalendarEvent is an event the model asked to schedule. Times are ISO 8601.
type CalendarEvent struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime,omitempty"`
}

// ChatMessage is text the model wants shown in the chat log.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Suggestion is a follow-up action offered to the user.
type Suggestion struct {
	Label  string `json:"label"`
	Prompt string `json:"prompt"`
}

// Memory is a fact the model wants retained about the user.
type Memory struct {
	Topic           string   `json:"topic"`
	Summary         string   `json:"summary"`
	RelatedEntities []string `json:"related_entities,omitempty"`
}

// Proactive is a mode switch offered or taken by the model on its own initiative.
type Proactive struct {
	Kind          string `json:"kind"`
	TargetMode    string `json:"targetMode"`
	Text          string `json:"text"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
}

// ChartSeries names one plotted value key.
type ChartSeries struct {
	Key   string `json:"key"`
	Color string `json:"color,omitempty"`
}

// Chart is an interactive chart the model generated.
type Chart struct {
	Title     string           `json:"title"`
	ChartType string           `json:"chartType"`
	Data      []map[string]any `json:"data"`
	XAxisKey  string           `json:"xAxisKey"`
	YAxisKeys []ChartSeries    `json:"yAxisKeys"`
}

// ImageRequest asks the application to generate an image.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Story  bool   `json:"story,omitempty"`
}

// AppCallbacks are the application-level effects the companion tools trigger.
// None of them touch call state.
type AppCallbacks interface {
	OnModeChange(mode string)
	OnSettingChange(key, value string)
	OnWhiteboardDraw(elements []WhiteboardElement)
	OnScheduleEvent(ev CalendarEvent)
	OnChatMessage(msg ChatMessage)
	OnViewChange(view string)
	OnTogglePersona()
	OnClearChat()
	OnExportChat()
	OnSuggestions(suggestions []Suggestion)
	OnMemory(m Memory)
	OnProactive(p Proactive)
	OnImageRequest(req ImageRequest)
	OnChart(c Chart)
}

// NopCallbacks ignores every callback. Embed it to implement a subset.
type NopCallbacks struct{}

func (NopCallbacks) OnModeChange(string)                  {}
func (NopCallbacks) OnSettingChange(string, string)       {}
func (NopCallbacks) OnWhiteboardDraw([]WhiteboardElement) {}
func (NopCallbacks) OnScheduleEvent(CalendarEvent)        {}
func (NopCallbacks) OnChatMessage(ChatMessage)            {}
func (NopCallbacks) OnViewChange(string)                  {}
func (NopCallbacks) OnTogglePersona()                     {}
func (NopCallbacks) OnClearChat()                         {}
func (NopCallbacks) OnExportChat()                        {}
func (NopCallbacks) OnSuggestions([]Suggestion)           {}
func (NopCallbacks) OnMemory(Memory)                      {}
func (NopCallbacks) OnProactive(Proactive)                {}
func (NopCallbacks) OnImageRequest(ImageRequest)          {}
func (NopCallbacks) OnChart(Chart)                        {}

// CompanionOptions narrows the enumerations advertised to the model.
type CompanionOptions struct {
	Modes       []string
	Views       []string
	SettingKeys []string
}

// EndCallDeclaration is the only tool that changes call state. The call state
// machine registers it itself.
var EndCallDeclaration = Declaration{
	Name:        "end_call",
	Description: "Ends the current voice call. Use when the user says goodbye or asks to hang up.",
	Once:        true,
}

// RegisterCompanionTools registers the application tool set on r.
func RegisterCompanionTools(r *Registry, app AppCallbacks, opts CompanionOptions) error {
	if app == nil {
		app = NopCallbacks{}
	}
	if len(opts.Modes) == 0 {
		opts.Modes = DefaultModes
	}
	if len(opts.Views) == 0 {
		opts.Views = DefaultViews
	}
	if len(opts.SettingKeys) == 0 {
		opts.SettingKeys = DefaultSettingKeys
	}

	str := func(desc string) Param { return Param{Type: TypeString, Description: desc} }
	num := Param{Type: TypeNumber}

	defs := []struct {
		decl Declaration
		h    Handler
	}{
		{
			Declaration{
				Name:        "set_ai_mode",
				Description: "Switches the assistant into a specialized mode.",
				Params:      map[string]Param{"mode": {Type: TypeString, Description: "The mode to switch to.", Enum: opts.Modes}},
				Required:    []string{"mode"},
				Once:        true,
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				mode := stringArg(args, "mode")
				app.OnModeChange(mode)
				return ok("mode", mode), nil
			},
		},
		{
			Declaration{
				Name:        "navigate_to_view",
				Description: "Opens a view of the application.",
				Params:      map[string]Param{"view": {Type: TypeString, Description: "The view to open.", Enum: opts.Views}},
				Required:    []string{"view"},
				Once:        true,
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				view := stringArg(args, "view")
				app.OnViewChange(view)
				return ok("view", view), nil
			},
		},
		{
			Declaration{
				Name:        "update_setting",
				Description: "Changes one user setting.",
				Params: map[string]Param{
					"setting_key":   {Type: TypeString, Description: "The setting to change.", Enum: opts.SettingKeys},
					"setting_value": str("The new value."),
				},
				Required: []string{"setting_key", "setting_value"},
				Once:     true,
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				key, value := stringArg(args, "setting_key"), stringArg(args, "setting_value")
				app.OnSettingChange(key, value)
				return ok("setting_key", key), nil
			},
		},
		{
			Declaration{Name: "toggle_persona", Description: "Switches between the two assistant personas.", Once: true},
			func(context.Context, map[string]any) (map[string]any, error) {
				app.OnTogglePersona()
				return nil, nil
			},
		},
		{
			Declaration{Name: "clear_chat_log", Description: "Clears the chat history.", Once: true},
			func(context.Context, map[string]any) (map[string]any, error) {
				app.OnClearChat()
				return nil, nil
			},
		},
		{
			Declaration{Name: "export_chat_log", Description: "Exports the chat history for download.", Once: true},
			func(context.Context, map[string]any) (map[string]any, error) {
				app.OnExportChat()
				return nil, nil
			},
		},
		{
			Declaration{
				Name:        "display_in_text_mode",
				Description: "Shows content in the chat log instead of speaking it, e.g. code or long lists.",
				Params:      map[string]Param{"content": str("The text to display.")},
				Required:    []string{"content"},
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				app.OnChatMessage(ChatMessage{Role: "model", Content: stringArg(args, "content")})
				return nil, nil
			},
		},
		{
			Declaration{
				Name:        "whiteboard_draw",
				Description: "Draws shapes and text on the whiteboard.",
				Params: map[string]Param{
					"elements": {
						Type:        TypeArray,
						Description: "Elements to draw.",
						Items: &Param{
							Type: TypeObject,
							Properties: map[string]Param{
								"type": {Type: TypeString, Enum: []string{"path", "circle", "rect", "text"}},
								"d":    str("SVG path data."),
								"cx":   num, "cy": num, "r": num,
								"x": num, "y": num, "width": num, "height": num,
								"text":        str("Text content."),
								"fontSize":    num,
								"stroke":      str("Stroke color."),
								"strokeWidth": num,
								"fill":        str("Fill color."),
							},
							Required: []string{"type"},
						},
					},
				},
				Required: []string{"elements"},
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				var in struct {
					Elements []WhiteboardElement `json:"elements"`
				}
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				app.OnWhiteboardDraw(in.Elements)
				return ok("drawn", len(in.Elements)), nil
			},
		},
		{
			Declaration{
				Name:        "schedule_event",
				Description: "Adds an event to the user's calendar.",
				Params: map[string]Param{
					"title":       str("Event title."),
					"description": str("Event details."),
					"startTime":   str("Start time, ISO 8601."),
					"endTime":     str("End time, ISO 8601."),
				},
				Required: []string{"title", "startTime"},
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				var ev CalendarEvent
				if err := decodeArgs(args, &ev); err != nil {
					return nil, err
				}
				app.OnScheduleEvent(ev)
				return ok("title", ev.Title), nil
			},
		},
		{
			Declaration{
				Name:        "propose_next_actions",
				Description: "Offers the user a few follow-up actions.",
				Params: map[string]Param{
					"suggestions": {
						Type: TypeArray,
						Items: &Param{
							Type:       TypeObject,
							Properties: map[string]Param{"label": str("Button label."), "prompt": str("Prompt sent when chosen.")},
							Required:   []string{"label", "prompt"},
						},
					},
				},
				Required: []string{"suggestions"},
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				var in struct {
					Suggestions []Suggestion `json:"suggestions"`
				}
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				app.OnSuggestions(in.Suggestions)
				return nil, nil
			},
		},
		{
			Declaration{
				Name:        "create_memory",
				Description: "Remembers a fact about the user for future conversations.",
				Params: map[string]Param{
					"topic":            str("Short topic."),
					"summary":          str("What to remember."),
					"related_entities": {Type: TypeArray, Items: &Param{Type: TypeString}},
				},
				Required: []string{"topic", "summary"},
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				var m Memory
				if err := decodeArgs(args, &m); err != nil {
					return nil, err
				}
				app.OnMemory(m)
				return nil, nil
			},
		},
		{
			Declaration{
				Name:        "generate_image",
				Description: "Generates an image from a prompt.",
				Params:      map[string]Param{"prompt": str("Image description.")},
				Required:    []string{"prompt"},
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				app.OnImageRequest(ImageRequest{Prompt: stringArg(args, "prompt")})
				return nil, nil
			},
		},
		{
			Declaration{
				Name:        "generate_story_image",
				Description: "Generates an illustration for the story being told.",
				Params:      map[string]Param{"prompt": str("Scene description.")},
				Required:    []string{"prompt"},
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				app.OnImageRequest(ImageRequest{Prompt: stringArg(args, "prompt"), Story: true})
				return nil, nil
			},
		},
		{
			Declaration{
				Name:        "proactive_suggestion",
				Description: "Suggests switching to a mode that fits the conversation.",
				Params: map[string]Param{
					"targetMode":     {Type: TypeString, Enum: opts.Modes},
					"suggestionText": str("What to tell the user."),
					"initialPrompt":  str("Prompt to start the mode with."),
				},
				Required: []string{"targetMode", "suggestionText"},
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				app.OnProactive(Proactive{
					Kind:          "suggestion",
					TargetMode:    stringArg(args, "targetMode"),
					Text:          stringArg(args, "suggestionText"),
					InitialPrompt: stringArg(args, "initialPrompt"),
				})
				return nil, nil
			},
		},
		{
			Declaration{
				Name:        "proactive_action",
				Description: "Switches to a mode on the user's behalf and explains why.",
				Params: map[string]Param{
					"targetMode":        {Type: TypeString, Enum: opts.Modes},
					"actionDescription": str("What is being done."),
					"initialPrompt":     str("Prompt to start the mode with."),
				},
				Required: []string{"targetMode", "actionDescription"},
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				p := Proactive{
					Kind:          "action",
					TargetMode:    stringArg(args, "targetMode"),
					Text:          stringArg(args, "actionDescription"),
					InitialPrompt: stringArg(args, "initialPrompt"),
				}
				app.OnProactive(p)
				app.OnModeChange(p.TargetMode)
				return ok("mode", p.TargetMode), nil
			},
		},
		{
			Declaration{
				Name:        "generate_interactive_chart",
				Description: "Renders a chart from structured data.",
				Params: map[string]Param{
					"title":     str("Chart title."),
					"chartType": {Type: TypeString, Enum: []string{"line", "bar"}},
					"data":      {Type: TypeArray, Items: &Param{Type: TypeObject}},
					"xAxisKey":  str("Key of the x value in each data row."),
					"yAxisKeys": {
						Type: TypeArray,
						Items: &Param{
							Type:       TypeObject,
							Properties: map[string]Param{"key": str("Data key."), "color": str("Series color.")},
							Required:   []string{"key"},
						},
					},
				},
				Required: []string{"title", "chartType", "data", "xAxisKey", "yAxisKeys"},
			},
			func(_ context.Context, args map[string]any) (map[string]any, error) {
				var c Chart
				if err := decodeArgs(args, &c); err != nil {
					return nil, err
				}
				app.OnChart(c)
				return nil, nil
			},
		},
	}

	for _, d := range defs {
		if err := r.Register(d.decl, d.h); err != nil {
			return err
		}
	}
	return nil
}

func ok(key string, value any) map[string]any {
	return map[string]any{"status": StatusOK, key: value}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
