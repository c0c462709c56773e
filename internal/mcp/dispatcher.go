package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/yuri-schmaltz/darktable-mcp/internal/buildinfo"
	"github.com/yuri-schmaltz/darktable-mcp/internal/config"
	"github.com/yuri-schmaltz/darktable-mcp/internal/events"
	"github.com/yuri-schmaltz/darktable-mcp/internal/remote"
	"github.com/yuri-schmaltz/darktable-mcp/internal/tools"
)

// Dispatcher turns one request line into at most one response. It holds
// no per-request state and is driven by a single Session.
type Dispatcher struct {
	registry      *tools.Registry
	strictMethods bool
	bus           *events.Bus
	logger        *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStrictMethods answers requests for unrecognized methods with a
// method-not-found error instead of ignoring them. Notifications are
// still ignored.
func WithStrictMethods() Option {
	return func(d *Dispatcher) { d.strictMethods = true }
}

// WithEventBus publishes tool_call and tool_done events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *tools.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// errUnknownMethod marks a request whose method is not routed.
var errUnknownMethod = errors.New("unknown method")

// paramsError reports params that could not be decoded for a method.
type paramsError struct {
	method string
	err    error
}

func (e *paramsError) Error() string {
	return fmt.Sprintf("invalid params for %s: %v", e.method, e.err)
}

func (e *paramsError) Unwrap() error { return e.err }

// panicError carries a value recovered from a panicking handler.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// Handle processes one input line. It returns nil when nothing should be
// written: blank or undecodable lines, notifications, and unrecognized
// methods unless strict methods are enabled.
func (d *Dispatcher) Handle(ctx context.Context, line []byte) *Response {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	d.logger.Log(ctx, config.LevelTrace, "request received", "line", string(line))

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		d.logger.Debug("dropping undecodable request line", "error", err, "len", len(line))
		return nil
	}

	result, err := d.route(ctx, &req)

	if errors.Is(err, errUnknownMethod) {
		if d.strictMethods && !req.IsNotification() {
			return newError(req.ID, &RPCError{
				Code:    CodeMethodNotFound,
				Message: fmt.Sprintf("method not found: %s", req.Method),
			})
		}
		d.logger.Debug("ignoring unrecognized method", "method", req.Method)
		return nil
	}

	if req.IsNotification() {
		if err != nil {
			d.logger.Debug("notification failed", "method", req.Method, "error", err)
		}
		return nil
	}

	if err != nil {
		return newError(req.ID, d.toRPCError(req.Method, err))
	}
	return newResult(req.ID, result)
}

// route executes a request and returns its result payload. Panics in
// handlers are recovered and returned as errors.
func (d *Dispatcher) route(ctx context.Context, req *Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("recovered panic while handling request",
				"method", req.Method, "panic", p, "stack", string(debug.Stack()))
			result, err = nil, &panicError{value: p}
		}
	}()

	switch req.Method {
	case MethodInitialize:
		return InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    ServerCapabilities{Tools: &struct{}{}},
			ServerInfo:      ServerInfo{Name: buildinfo.ServerName, Version: buildinfo.Version},
		}, nil
	case MethodListTools, MethodToolsList:
		return ListToolsResult{Tools: d.registry.List()}, nil
	case MethodCallTool, MethodToolsCall:
		return d.callTool(ctx, req)
	case MethodPing:
		return struct{}{}, nil
	default:
		return nil, errUnknownMethod
	}
}

func (d *Dispatcher) callTool(ctx context.Context, req *Request) (any, error) {
	var params CallToolParams
	if len(req.Params) > 0 && !bytes.Equal(req.Params, []byte("null")) {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &paramsError{method: req.Method, err: err}
		}
	}

	d.bus.Emit(events.SourceDispatcher, events.KindToolCall, map[string]any{"tool": params.Name})
	start := time.Now()

	content, err := d.registry.Call(ctx, params.Name, params.Arguments)

	done := map[string]any{
		"tool":        params.Name,
		"ok":          err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		done["error"] = err.Error()
	}
	d.bus.Emit(events.SourceDispatcher, events.KindToolDone, done)

	if err != nil {
		return nil, err
	}

	d.logger.Info("tool call completed",
		"tool", params.Name, "elapsed", time.Since(start).Round(time.Millisecond))

	return CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: tools.Render(content)}},
	}, nil
}

// toRPCError maps a routing error onto a JSON-RPC error object.
func (d *Dispatcher) toRPCError(method string, err error) *RPCError {
	var (
		argErr     *tools.ArgumentError
		unknown    *tools.ErrUnknownTool
		badParams  *paramsError
		callErr    *remote.CallError
		panicked   *panicError
		remoteFail = errors.Is(err, remote.ErrRemoteCallFailed)
	)

	switch {
	case errors.As(err, &argErr):
		return &RPCError{Code: CodeInvalidParams, Message: argErr.Error(),
			Data: map[string]any{"tool": argErr.Tool, "param": argErr.Param}}
	case errors.As(err, &unknown):
		return &RPCError{Code: CodeInvalidParams, Message: unknown.Error(),
			Data: map[string]any{"tool": unknown.ToolName}}
	case errors.As(err, &badParams):
		return &RPCError{Code: CodeInvalidParams, Message: badParams.Error()}
	case remoteFail:
		d.logger.Warn("remote call failed", "method", method, "error", err)
		cause := err.Error()
		if errors.As(err, &callErr) && callErr.Err != nil {
			cause = callErr.Err.Error()
		}
		return &RPCError{Code: CodeRemoteCallFailed, Message: "remote call failed: " + cause,
			Data: map[string]any{"detail": err.Error()}}
	case errors.As(err, &panicked):
		return &RPCError{Code: CodeInternalError, Message: "internal error"}
	default:
		d.logger.Error("request failed", "method", method, "error", err)
		return &RPCError{Code: CodeInternalError, Message: "internal error: " + err.Error()}
	}
}
