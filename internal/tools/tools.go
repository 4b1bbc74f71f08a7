// Package tools registers the tools a model may call and dispatches calls to
// them on behalf of a turn.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownTool is returned when a tool name does not resolve.
var ErrUnknownTool = errors.New("unknown tool")

// Definition describes a tool for the model.
type Definition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
}

// Progress is an interim report from a running tool.
type Progress struct {
	Progress float64
	Total    *float64
	Message  string
}

// ProgressFunc receives interim progress. It is safe to call from any goroutine.
type ProgressFunc func(Progress)

// Invoker executes tools by name. Implementations must honour ctx
// cancellation.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, report ProgressFunc) (string, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, name string, args map[string]any, report ProgressFunc) (string, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, name string, args map[string]any, report ProgressFunc) (string, error) {
	return f(ctx, name, args, report)
}

// Tool pairs a definition with the invoker that runs it.
type Tool struct {
	Definition Definition
	Invoker    Invoker
}

// Registry maps tool names to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces tools.
func (r *Registry) Register(tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.tools[t.Definition.Name] = t
	}
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return t, nil
}

// Definitions returns all definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, name := range slices.Sorted(maps.Keys(r.tools)) {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.tools))
}

// Clone returns a registry with the same tools. Sessions clone the shared
// registry and add their own session-bound tools.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Registry{tools: maps.Clone(r.tools)}
}

// ParseArguments decodes tool arguments as produced by model providers: a
// JSON object, a JSON string containing an object, or nothing.
func ParseArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("invalid tool arguments: %w", err)
		}
		return ParseArguments(json.RawMessage(inner))
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// StringArg returns a string argument.
func StringArg(args map[string]any, key string) (string, bool) {
	s, ok := args[key].(string)
	return s, ok
}

// IntArg returns an integer argument. JSON numbers decode as float64.
func IntArg(args map[string]any, key string) (int, bool) {
	switch n := args[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// BoolArg returns a boolean argument.
func BoolArg(args map[string]any, key string) (bool, bool) {
	b, ok := args[key].(bool)
	return b, ok
}

// StringsArg returns a list-of-strings argument.
func StringsArg(args map[string]any, key string) ([]string, bool) {
	switch v := args[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
