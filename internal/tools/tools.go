// Package tools defines the darktable tools exposed to protocol clients
// and turns each tool call into Lua scripts run through the remote
// channel.
//
// The catalog in catalog.go is the single declaration point: every
// entry carries both the descriptor advertised by listTools and the
// handler that callTool runs, so the two cannot drift apart.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuri-schmaltz/darktable-mcp/internal/config"
	"github.com/yuri-schmaltz/darktable-mcp/internal/remote"
)

// Param describes one tool parameter in the input schema.
type Param struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Runner executes one Lua script on the remote side and returns its
// raw string result.
type Runner func(ctx context.Context, script string) (string, error)

// Handler builds and runs the scripts for one tool. Arguments have
// already been checked against the tool's schema.
type Handler func(ctx context.Context, run Runner, args map[string]any) (string, error)

// Tool is an immutable tool descriptor plus the handler that implements it.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]Param
	Required    []string

	handler Handler
}

// inputSchema is the JSON Schema object advertised for a tool.
type inputSchema struct {
	Type       string           `json:"type"`
	Properties map[string]Param `json:"properties"`
	Required   []string         `json:"required"`
}

// MarshalJSON renders the descriptor in the listTools wire shape:
// {"name", "description", "inputSchema": {"type": "object", ...}}.
func (t *Tool) MarshalJSON() ([]byte, error) {
	props := t.Parameters
	if props == nil {
		props = map[string]Param{}
	}
	required := t.Required
	if required == nil {
		required = []string{}
	}
	return json.Marshal(struct {
		Name        string      `json:"name"`
		Description string      `json:"description"`
		InputSchema inputSchema `json:"inputSchema"`
	}{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: inputSchema{Type: "object", Properties: props, Required: required},
	})
}

// RemoteRunner returns a Runner that sends each script to method on ch.
func RemoteRunner(ch remote.Channel, method string) Runner {
	return func(ctx context.Context, script string) (string, error) {
		return ch.Invoke(ctx, method, script)
	}
}

// Registry holds the tool catalog and invokes tools by name.
type Registry struct {
	tools  []*Tool
	byName map[string]*Tool
	run    Runner
	strict bool
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrictTools makes Call return *ErrUnknownTool for names that are
// not in the catalog. Without it an unknown tool succeeds with an empty
// result.
func WithStrictTools() Option {
	return func(r *Registry) { r.strict = true }
}

// WithLogger sets the registry's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry over the built-in catalog. Scripts are
// executed through run.
func NewRegistry(run Runner, opts ...Option) *Registry {
	r := &Registry{
		byName: make(map[string]*Tool, len(catalog)),
		run:    run,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, t := range catalog {
		if _, dup := r.byName[t.Name]; dup {
			panic("tools: duplicate tool name " + t.Name)
		}
		r.tools = append(r.tools, t)
		r.byName[t.Name] = t
	}
	return r
}

// List returns the tool descriptors in catalog order. The order and
// content never change over the registry's lifetime.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.byName[name]
}

// Call runs the named tool with args and returns its normalized result.
// Remote failures are returned as errors matching
// remote.ErrRemoteCallFailed; invalid arguments as *ArgumentError.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (Content, error) {
	tool := r.byName[name]
	if tool == nil {
		if r.strict {
			return nil, &ErrUnknownTool{ToolName: name}
		}
		r.logger.Debug("ignoring call to unknown tool", "tool", name)
		return Normalize(""), nil
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := tool.validate(args); err != nil {
		return nil, err
	}

	ctx = WithToolName(ctx, name)
	start := time.Now()
	raw, err := tool.handler(ctx, r.traced(name), args)
	if err != nil {
		r.logger.Debug("tool failed", "tool", name, "elapsed", time.Since(start), "error", err)
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	r.logger.Debug("tool completed", "tool", name, "elapsed", time.Since(start), "result_len", len(raw))
	return Normalize(raw), nil
}

// traced wraps the runner to log every script at trace level.
func (r *Registry) traced(name string) Runner {
	return func(ctx context.Context, script string) (string, error) {
		r.logger.Log(ctx, config.LevelTrace, "remote script", "tool", name, "script", script)
		return r.run(ctx, script)
	}
}

// validate checks args against the tool's schema: every required
// parameter must be present and every known parameter must have the
// declared JSON type. Unknown arguments are ignored.
func (t *Tool) validate(args map[string]any) error {
	for _, name := range t.Required {
		if v, ok := args[name]; !ok || v == nil {
			return &ArgumentError{Tool: t.Name, Param: name, Reason: "is required"}
		}
	}
	for name, p := range t.Parameters {
		v, ok := args[name]
		if !ok || v == nil {
			continue
		}
		switch p.Type {
		case "number":
			if _, err := toFloat(v); err != nil {
				return &ArgumentError{Tool: t.Name, Param: name, Reason: fmt.Sprintf("must be a number, got %T", v)}
			}
		case "string":
			if _, isString := v.(string); !isString {
				return &ArgumentError{Tool: t.Name, Param: name, Reason: fmt.Sprintf("must be a string, got %T", v)}
			}
		}
	}
	return nil
}

// toFloat accepts the numeric forms produced by encoding/json and by
// direct Go callers.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
