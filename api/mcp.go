package api

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/designloop/kit"
)

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	htmlProp   = map[string]any{"type": "string", "description": "HTML markup (fragment or full document)"}
	cssProp    = map[string]any{"type": "string", "description": "CSS stylesheet"}
	deviceProp = map[string]any{"type": "string", "enum": []string{"desktop", "tablet", "mobile"}, "description": "Viewport, default desktop"}
	imageProp  = func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc + " (base64 or data URL)"}
	}
)

// RegisterMCP registers the designloop tools on srv. Tools share the HTTP
// endpoints, so validation and logging are identical on both transports.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "designloop_iterate",
		Description: "Render HTML/CSS, diff it against a target design image and refine the CSS until the diff converges or the iteration budget runs out. Returns every iteration with screenshots and diff images.",
		InputSchema: inputSchema(map[string]any{
			"html":          htmlProp,
			"css":           cssProp,
			"targetImage":   imageProp("Target design image"),
			"maxIterations": map[string]any{"type": "integer", "minimum": 1, "description": "Iteration budget, default 5"},
			"device":        deviceProp,
			"baseline":      map[string]any{"type": "boolean", "description": "Record the unmodified document as iteration 0"},
		}, []string{"html", "css", "targetImage"}),
	}, s.iterateEP, kit.DecodeJSON[IterateRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "designloop_screenshot",
		Description: "Render HTML/CSS at a device viewport and return a full-page PNG screenshot as a data URL.",
		InputSchema: inputSchema(map[string]any{
			"html":   htmlProp,
			"css":    cssProp,
			"device": deviceProp,
		}, []string{"html"}),
	}, s.screenshotEP, kit.DecodeJSON[ScreenshotRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "designloop_compare",
		Description: "Pixel-diff two images. Returns the percentage of differing pixels and a diff visualisation.",
		InputSchema: inputSchema(map[string]any{
			"original":  imageProp("Reference image"),
			"generated": imageProp("Candidate image"),
			"tolerance": map[string]any{"type": "number", "minimum": 0, "maximum": 1, "description": "Per-pixel colour threshold, default 0.1; 0 compares exactly"},
		}, []string{"original", "generated"}),
	}, s.compareEP, kit.DecodeJSON[CompareRequest]())

	if s.generator.Available() {
		kit.RegisterMCPTool(srv, &mcp.Tool{
			Name:        "designloop_generate",
			Description: "Generate HTML, CSS and JS reproducing design images (or PDF pages) with the configured vision model.",
			InputSchema: inputSchema(map[string]any{
				"designs": map[string]any{
					"type": "array",
					"items": inputSchema(map[string]any{
						"label": map[string]any{"type": "string", "description": "desktop, mobile, ..."},
						"data":  imageProp("Design image or PDF"),
					}, []string{"data"}),
				},
				"instructions": map[string]any{"type": "string"},
			}, []string{"designs"}),
		}, s.generateEP, kit.DecodeJSON[GenerateRequest]())
	}
}
