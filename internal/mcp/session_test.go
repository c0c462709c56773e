package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/yuri-schmaltz/darktable-mcp/internal/tools"
)

func runSession(t *testing.T, stub *stubRemote, input string) []map[string]any {
	t.Helper()
	d := NewDispatcher(tools.NewRegistry(stub.run))
	var out bytes.Buffer
	if err := NewSession(d, strings.NewReader(input), &out, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}

	var responses []map[string]any
	for _, line := range strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("output line %q is not JSON: %v", line, err)
		}
		responses = append(responses, m)
	}
	return responses
}

func TestSession_InOrderOneResponsePerRequest(t *testing.T) {
	stub := &stubRemote{
		answers: map[string]string{"return 1+1": "2"},
		fail:    map[string]bool{"error('x')": true},
	}
	input := strings.Join([]string{
		`{"method":"initialize","id":1}`,
		`garbage`,
		`{"method":"listTools","id":2}`,
		`{"method":"unknown","id":3}`,
		`{"method":"callTool","id":4,"params":{"name":"lua_query","arguments":{"code":"error('x')"}}}`,
		``,
		`{"method":"callTool","id":5,"params":{"name":"lua_query","arguments":{"code":"return 1+1"}}}`,
	}, "\n") + "\n"

	responses := runSession(t, stub, input)

	var ids []float64
	for _, r := range responses {
		id, _ := r["id"].(float64)
		ids = append(ids, id)
	}
	want := []float64{1, 2, 4, 5}
	if len(ids) != len(want) {
		t.Fatalf("response ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("response %d id = %v, want %v", i, ids[i], want[i])
		}
	}

	if _, ok := responses[2]["error"]; !ok {
		t.Errorf("response for id 4 = %v, want error", responses[2])
	}
	if text := contentText(t, responses[3]); text != "2" {
		t.Errorf("content text = %q, want 2", text)
	}
}

func TestSession_HandlesUnterminatedFinalLine(t *testing.T) {
	responses := runSession(t, &stubRemote{}, `{"method":"initialize","id":"last"}`)
	if len(responses) != 1 || responses[0]["id"] != "last" {
		t.Errorf("responses = %v, want one for id last", responses)
	}
}

func TestSession_EmptyInput(t *testing.T) {
	if responses := runSession(t, &stubRemote{}, ""); len(responses) != 0 {
		t.Errorf("responses = %v, want none", responses)
	}
}

func TestSession_LongLine(t *testing.T) {
	code := "return '" + strings.Repeat("x", 3*readBufferSize) + "'"
	stub := &stubRemote{fallback: "ok"}
	line, _ := json.Marshal(map[string]any{
		"method": "callTool",
		"id":     1,
		"params": map[string]any{"name": "lua_query", "arguments": map[string]any{"code": code}},
	})

	responses := runSession(t, stub, string(line)+"\n")
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if len(stub.scripts) != 1 || stub.scripts[0] != code {
		t.Error("long script was not passed through intact")
	}
}

func TestSession_StopsOnCancelledContext(t *testing.T) {
	d := NewDispatcher(tools.NewRegistry((&stubRemote{}).run))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := NewSession(d, strings.NewReader(`{"method":"initialize","id":1}`+"\n"), &out, nil).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if out.Len() != 0 {
		t.Errorf("wrote %q after cancellation", out.String())
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stdin broken") }

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestSession_ReadAndWriteErrors(t *testing.T) {
	d := NewDispatcher(tools.NewRegistry((&stubRemote{}).run))

	err := NewSession(d, failingReader{}, io.Discard, nil).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "stdin broken") {
		t.Errorf("Run with failing reader = %v, want read error", err)
	}

	err = NewSession(d, strings.NewReader(`{"method":"ping","id":1}`+"\n"), failingWriter{}, nil).Run(context.Background())
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Run with failing writer = %v, want io.ErrClosedPipe", err)
	}
}
