package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/yuri-schmaltz/darktable-mcp/internal/remote"
)

// scriptRecorder is a Runner that records scripts and answers from a
// canned function.
type scriptRecorder struct {
	scripts []string
	answer  func(n int, script string) (string, error)
}

func (s *scriptRecorder) run(_ context.Context, script string) (string, error) {
	s.scripts = append(s.scripts, script)
	if s.answer == nil {
		return "", nil
	}
	return s.answer(len(s.scripts), script)
}

func reply(result string) func(int, string) (string, error) {
	return func(int, string) (string, error) { return result, nil }
}

func TestRegistry_ListOrderAndShape(t *testing.T) {
	r := NewRegistry((&scriptRecorder{}).run)

	var names []string
	for _, tool := range r.List() {
		names = append(names, tool.Name)
	}
	want := "get_active_image,apply_exposure,lua_query,ask_ai_about_image"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("List() order = %s, want %s", got, want)
	}

	data, err := json.Marshal(r.List())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		InputSchema struct {
			Type       string                     `json:"type"`
			Properties map[string]json.RawMessage `json:"properties"`
			Required   []string                   `json:"required"`
		} `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded) != 4 {
		t.Fatalf("got %d tools, want 4", len(decoded))
	}

	first := decoded[0]
	if first.InputSchema.Type != "object" {
		t.Errorf("inputSchema.type = %q, want object", first.InputSchema.Type)
	}
	if first.InputSchema.Properties == nil || len(first.InputSchema.Properties) != 0 {
		t.Errorf("get_active_image properties = %v, want empty object", first.InputSchema.Properties)
	}
	if first.InputSchema.Required == nil || len(first.InputSchema.Required) != 0 {
		t.Errorf("get_active_image required = %v, want empty array", first.InputSchema.Required)
	}

	exposure := decoded[1]
	if _, ok := exposure.InputSchema.Properties["ev"]; !ok {
		t.Error("apply_exposure should declare ev")
	}
	if len(exposure.InputSchema.Required) != 1 || exposure.InputSchema.Required[0] != "ev" {
		t.Errorf("apply_exposure required = %v, want [ev]", exposure.InputSchema.Required)
	}
}

func TestRegistry_ListIsStable(t *testing.T) {
	r := NewRegistry((&scriptRecorder{}).run)

	a, _ := json.Marshal(r.List())
	list := r.List()
	list[0] = nil
	b, _ := json.Marshal(r.List())
	if string(a) != string(b) {
		t.Error("List() changed after the caller modified a returned slice")
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry((&scriptRecorder{}).run)
	if r.Get("lua_query") == nil {
		t.Error("Get(lua_query) = nil")
	}
	if r.Get("crop") != nil {
		t.Error("Get(crop) should be nil")
	}
}

func TestRegistry_CallScripts(t *testing.T) {
	tests := []struct {
		name   string
		tool   string
		args   map[string]any
		answer string
		script string
		want   string
	}{
		{
			name:   "active image",
			tool:   "get_active_image",
			answer: `{"filename":"IMG_0001.CR3","iso":200}`,
			script: "return mcp_call('get_active_image')",
			want:   "{\n  \"filename\": \"IMG_0001.CR3\",\n  \"iso\": 200\n}",
		},
		{
			name:   "exposure",
			tool:   "apply_exposure",
			args:   map[string]any{"ev": 0.5},
			answer: "OK",
			script: "darktable.gui.action('iop/exposure/exposure', 0, nil, 'set', 0.5); return 'OK'",
			want:   `"OK"`,
		},
		{
			name:   "negative integral exposure",
			tool:   "apply_exposure",
			args:   map[string]any{"ev": -1.0},
			answer: "OK",
			script: "darktable.gui.action('iop/exposure/exposure', 0, nil, 'set', -1); return 'OK'",
			want:   `"OK"`,
		},
		{
			name:   "lua passthrough",
			tool:   "lua_query",
			args:   map[string]any{"code": "return 1+1"},
			answer: "2",
			script: "return 1+1",
			want:   "2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &scriptRecorder{answer: reply(tt.answer)}
			r := NewRegistry(rec.run)

			got, err := r.Call(context.Background(), tt.tool, tt.args)
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if len(rec.scripts) != 1 || rec.scripts[0] != tt.script {
				t.Errorf("scripts = %q, want [%q]", rec.scripts, tt.script)
			}
			if text := Render(got); text != tt.want {
				t.Errorf("Render = %q, want %q", text, tt.want)
			}
		})
	}
}

func TestRegistry_AskAIIssuesTwoCallsInOrder(t *testing.T) {
	rec := &scriptRecorder{answer: func(n int, _ string) (string, error) {
		if n == 1 {
			return `{"iso":100}`, nil
		}
		return "Lower the highlights.", nil
	}}
	r := NewRegistry(rec.run)

	got, err := r.Call(context.Background(), "ask_ai_about_image", map[string]any{"prompt": "too bright?"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(rec.scripts) != 2 {
		t.Fatalf("got %d remote calls, want 2", len(rec.scripts))
	}
	if rec.scripts[0] != activeImageScript {
		t.Errorf("first script = %q, want %q", rec.scripts[0], activeImageScript)
	}
	wantChat := "return require('ollama_client').chat([[ IMAGE METADATA: {\"iso\":100}\n\n" +
		"USER QUESTION: too bright?\n\nProvide specific editing advice based on the metadata. ]])"
	if rec.scripts[1] != wantChat {
		t.Errorf("second script = %q, want %q", rec.scripts[1], wantChat)
	}
	if Render(got) != `"Lower the highlights."` {
		t.Errorf("Render = %q", Render(got))
	}
}

func TestRegistry_AskAIStopsWhenMetadataFails(t *testing.T) {
	rec := &scriptRecorder{answer: func(int, string) (string, error) {
		return "", &remote.CallError{Method: "Lua", Err: errors.New("darktable not responding")}
	}}
	r := NewRegistry(rec.run)

	_, err := r.Call(context.Background(), "ask_ai_about_image", map[string]any{"prompt": "?"})
	if !errors.Is(err, remote.ErrRemoteCallFailed) {
		t.Fatalf("Call = %v, want ErrRemoteCallFailed", err)
	}
	if len(rec.scripts) != 1 {
		t.Errorf("got %d remote calls, want 1", len(rec.scripts))
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	t.Run("permissive", func(t *testing.T) {
		rec := &scriptRecorder{}
		r := NewRegistry(rec.run)

		got, err := r.Call(context.Background(), "crop", nil)
		if err != nil {
			t.Fatalf("Call = %v, want nil error", err)
		}
		if Render(got) != `""` {
			t.Errorf("Render = %q, want %q", Render(got), `""`)
		}
		if len(rec.scripts) != 0 {
			t.Errorf("unknown tool issued %d remote calls", len(rec.scripts))
		}
	})

	t.Run("strict", func(t *testing.T) {
		r := NewRegistry((&scriptRecorder{}).run, WithStrictTools())

		_, err := r.Call(context.Background(), "crop", nil)
		var unknown *ErrUnknownTool
		if !errors.As(err, &unknown) {
			t.Fatalf("Call = %v, want *ErrUnknownTool", err)
		}
		if unknown.ToolName != "crop" {
			t.Errorf("ToolName = %q, want crop", unknown.ToolName)
		}
	})
}

func TestRegistry_ArgumentValidation(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		args  map[string]any
		param string
	}{
		{name: "missing ev", tool: "apply_exposure", args: nil, param: "ev"},
		{name: "null ev", tool: "apply_exposure", args: map[string]any{"ev": nil}, param: "ev"},
		{name: "string ev", tool: "apply_exposure", args: map[string]any{"ev": "0.5"}, param: "ev"},
		{name: "missing code", tool: "lua_query", args: map[string]any{}, param: "code"},
		{name: "numeric prompt", tool: "ask_ai_about_image", args: map[string]any{"prompt": 3.0}, param: "prompt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &scriptRecorder{}
			r := NewRegistry(rec.run)

			_, err := r.Call(context.Background(), tt.tool, tt.args)
			var argErr *ArgumentError
			if !errors.As(err, &argErr) {
				t.Fatalf("Call = %v, want *ArgumentError", err)
			}
			if argErr.Tool != tt.tool || argErr.Param != tt.param {
				t.Errorf("ArgumentError = %+v, want tool %s param %s", argErr, tt.tool, tt.param)
			}
			if len(rec.scripts) != 0 {
				t.Errorf("invalid arguments issued %d remote calls", len(rec.scripts))
			}
		})
	}
}

func TestRegistry_AcceptsJSONNumber(t *testing.T) {
	rec := &scriptRecorder{answer: reply("OK")}
	r := NewRegistry(rec.run)

	if _, err := r.Call(context.Background(), "apply_exposure", map[string]any{"ev": json.Number("1.25")}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(rec.scripts[0], "'set', 1.25)") {
		t.Errorf("script = %q, want ev 1.25", rec.scripts[0])
	}
}

func TestRegistry_CallSetsToolName(t *testing.T) {
	var seen string
	r := NewRegistry(func(ctx context.Context, _ string) (string, error) {
		seen = ToolNameFromContext(ctx)
		return "", nil
	})

	if _, err := r.Call(context.Background(), "get_active_image", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if seen != "get_active_image" {
		t.Errorf("tool name in context = %q, want get_active_image", seen)
	}
}

// invokeChannel is a remote.Channel that echoes its arguments.
type invokeChannel struct {
	method, argument string
}

func (c *invokeChannel) Connect(context.Context) error { return nil }
func (c *invokeChannel) Ping(context.Context) error    { return nil }
func (c *invokeChannel) Close() error                  { return nil }

func (c *invokeChannel) Invoke(_ context.Context, method, argument string) (string, error) {
	c.method, c.argument = method, argument
	return fmt.Sprintf("%q", argument), nil
}

func TestRemoteRunner(t *testing.T) {
	ch := &invokeChannel{}
	run := RemoteRunner(ch, "Lua")

	got, err := run(context.Background(), "return 1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ch.method != "Lua" || ch.argument != "return 1" {
		t.Errorf("Invoke(%q, %q), want Invoke(Lua, return 1)", ch.method, ch.argument)
	}
	if got != `"return 1"` {
		t.Errorf("run = %q", got)
	}
}
