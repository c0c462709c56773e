package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Content is a normalized tool result: the decoded JSON value when the
// raw remote result was valid JSON, otherwise the raw string.
type Content any

// Normalize decodes raw as a single JSON value. Numbers keep their
// literal form. Anything that is not exactly one JSON value is returned
// unchanged as a string.
func Normalize(raw string) Content {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	if _, err := dec.Token(); err != io.EOF {
		return raw
	}
	return v
}

// Render re-encodes c as two-space indented JSON for a text content
// block. A bare string therefore renders quoted.
func Render(c Content) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return fmt.Sprint(c)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
