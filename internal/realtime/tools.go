package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Param is one argument of a tool. Types are JSON schema primitives.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Tool is a function the upstream model may call mid-conversation.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// JSONSchema renders the parameters as a JSON schema object.
func (t Tool) JSONSchema() map[string]any {
	props := make(map[string]any, len(t.Params))
	required := make([]string, 0, len(t.Params))
	for _, p := range t.Params {
		props[p.Name] = map[string]any{"type": p.Type, "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Registry holds the tools personas may enable by name.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Select returns the named tools in the given order, skipping unknown names.
func (r *Registry) Select(names []string) []Tool {
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[strings.TrimSpace(name)]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// DefaultRegistry registers the built-in tools.
func DefaultRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return NewRegistry(WeatherTool(), ClockTool(now))
}

func WeatherTool() Tool {
	return Tool{
		Name:        "get_weather",
		Description: "Get the weather in a city.",
		Params:      []Param{{Name: "city", Type: "string", Description: "City name.", Required: true}},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			city, _ := args["city"].(string)
			city = strings.TrimSpace(city)
			if city == "" {
				return "", errors.New("city is required")
			}
			return fmt.Sprintf("The weather in %s is sunny.", city), nil
		},
	}
}

func ClockTool(now func() time.Time) Tool {
	return Tool{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in an IANA time zone.",
		Params:      []Param{{Name: "timezone", Type: "string", Description: "IANA zone such as Europe/Rome."}},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			loc := time.UTC
			if name, _ := args["timezone"].(string); strings.TrimSpace(name) != "" {
				l, err := time.LoadLocation(strings.TrimSpace(name))
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", name)
				}
				loc = l
			}
			return now().In(loc).Format("Monday, 2 January 2006 15:04 MST"), nil
		},
	}
}

// callTool runs the named tool and always returns an output string; failures
// are reported to the model as text so the conversation can continue.
func callTool(ctx context.Context, tools []Tool, name string, rawArgs json.RawMessage) string {
	var tool *Tool
	for i := range tools {
		if tools[i].Name == name {
			tool = &tools[i]
			break
		}
	}
	if tool == nil || tool.Handler == nil {
		return fmt.Sprintf("error: unknown tool %q", name)
	}
	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return "error: invalid arguments: " + err.Error()
		}
	}
	return runTool(ctx, *tool, args)
}

func runTool(ctx context.Context, tool Tool, args map[string]any) string {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := tool.Handler(ctx, args)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}
