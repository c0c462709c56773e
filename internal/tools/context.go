package tools

import "context"

type contextKey string

const toolNameKey contextKey = "tool_name"

// WithToolName records the tool being executed so lower layers, such as
// the call journal, can attribute remote calls to it.
func WithToolName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, toolNameKey, name)
}

// ToolNameFromContext extracts the tool name from the context.
// Returns "" if not set.
func ToolNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(toolNameKey).(string)
	return name
}
