package tools

import (
	"context"
	"fmt"
	"strconv"
)

// activeImageScript asks the darktable-side Lua plugin for the metadata
// of the image open in the darkroom.
const activeImageScript = "return mcp_call('get_active_image')"

// catalog is the fixed, ordered tool set. listTools advertises it in
// this order.
var catalog = []*Tool{
	{
		Name:        "get_active_image",
		Description: "Get metadata of the current image in Darkroom",
		Parameters:  map[string]Param{},
		handler:     getActiveImage,
	},
	{
		Name:        "apply_exposure",
		Description: "Adjust exposure of the active image",
		Parameters: map[string]Param{
			"ev": {Type: "number", Description: "Exposure value in EV (e.g. 0.5, -1.0)"},
		},
		Required: []string{"ev"},
		handler:  applyExposure,
	},
	{
		Name:        "lua_query",
		Description: "Execute arbitrary Lua script in darktable",
		Parameters: map[string]Param{
			"code": {Type: "string"},
		},
		Required: []string{"code"},
		handler:  luaQuery,
	},
	{
		Name:        "ask_ai_about_image",
		Description: "Ask a local LLM for advice about the current image",
		Parameters: map[string]Param{
			"prompt": {Type: "string"},
		},
		Required: []string{"prompt"},
		handler:  askAIAboutImage,
	},
}

func getActiveImage(ctx context.Context, run Runner, _ map[string]any) (string, error) {
	return run(ctx, activeImageScript)
}

func applyExposure(ctx context.Context, run Runner, args map[string]any) (string, error) {
	ev, err := toFloat(args["ev"])
	if err != nil {
		return "", err
	}
	return run(ctx, exposureScript(ev))
}

// exposureScript sets the exposure slider through darktable's action
// system. The value uses the shortest decimal form, so 0.5 stays "0.5".
func exposureScript(ev float64) string {
	return fmt.Sprintf("darktable.gui.action('iop/exposure/exposure', 0, nil, 'set', %s); return 'OK'",
		strconv.FormatFloat(ev, 'f', -1, 64))
}

func luaQuery(ctx context.Context, run Runner, args map[string]any) (string, error) {
	code, _ := args["code"].(string)
	return run(ctx, code)
}

// askAIAboutImage fetches the active image metadata and hands it, with
// the user's question, to the ollama_client Lua module. The chat call is
// only issued once the metadata call has succeeded.
func askAIAboutImage(ctx context.Context, run Runner, args map[string]any) (string, error) {
	prompt, _ := args["prompt"].(string)

	metadata, err := run(ctx, activeImageScript)
	if err != nil {
		return "", fmt.Errorf("fetch image metadata: %w", err)
	}

	return run(ctx, chatScript(metadata, prompt))
}

func chatScript(metadata, prompt string) string {
	full := fmt.Sprintf("IMAGE METADATA: %s\n\nUSER QUESTION: %s\n\nProvide specific editing advice based on the metadata.",
		metadata, prompt)
	return "return require('ollama_client').chat([[ " + full + " ]])"
}
