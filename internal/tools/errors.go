package tools

import "fmt"

// ErrUnknownTool is returned by a strict registry when a call names a
// tool that is not in the catalog.
type ErrUnknownTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}

// ArgumentError reports a tool argument that is missing or has the
// wrong type. It is raised before any remote call is made.
type ArgumentError struct {
	Tool   string
	Param  string
	Reason string
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	return fmt.Sprintf("tool %s: argument %q %s", e.Tool, e.Param, e.Reason)
}
