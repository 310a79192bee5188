// Package codegen turns design images into HTML/CSS/JS through a vision
// language model. Providers are injected; responses go through an explicit
// extraction chain and an HTML sanitizer before they reach the render loop.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoProvider is returned when no vision provider is configured.
var ErrNoProvider = errors.New("codegen: no vision provider configured")

// ImageInput is one design image sent to the model.
type ImageInput struct {
	// Label tells the model what the image shows ("desktop", "mobile").
	Label    string
	MIMEType string
	Data     []byte
}

// Request is a generation request.
type Request struct {
	Images       []ImageInput
	Instructions string
}

// Vision is a vision language model returning raw text.
type Vision interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// ProviderError wraps a failed provider call.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("codegen: %s: HTTP %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("codegen: %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Generator ties a Vision provider to parsing and sanitizing.
type Generator struct {
	vision Vision
	logger *slog.Logger
}

// NewGenerator creates a Generator. vision may be nil, in which case
// Generate returns ErrNoProvider.
func NewGenerator(vision Vision, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{vision: vision, logger: logger}
}

// Available reports whether a provider is configured.
func (g *Generator) Available() bool { return g != nil && g.vision != nil }

// Generate asks the model for code matching images and returns it parsed
// and sanitized.
func (g *Generator) Generate(ctx context.Context, images []ImageInput, instructions string) (Code, error) {
	if !g.Available() {
		return Code{}, ErrNoProvider
	}
	if len(images) == 0 {
		return Code{}, errors.New("codegen: generate: no images")
	}

	raw, err := g.vision.Generate(ctx, Request{Images: images, Instructions: BuildPrompt(images, instructions)})
	if err != nil {
		return Code{}, fmt.Errorf("codegen: generate: %w", err)
	}

	res := ParseResponse(raw)
	if res.Failure != nil {
		g.logger.WarnContext(ctx, "codegen: unparseable response",
			"provider", g.vision.Name(),
			"raw_len", len(raw))
		return Code{}, res.Failure
	}
	code := Sanitize(res.Code)
	g.logger.InfoContext(ctx, "codegen: generated",
		"provider", g.vision.Name(),
		"strategy", res.Strategy,
		"html_len", len(code.HTML),
		"css_len", len(code.CSS))
	return code, nil
}

// BuildPrompt returns the instruction text sent with the images.
func BuildPrompt(images []ImageInput, extra string) string {
	var b strings.Builder
	b.WriteString("You are a front-end engineer. Reproduce the attached design")
	if len(images) > 1 {
		b.WriteString("s")
	}
	b.WriteString(" as semantic HTML5 and CSS that match them pixel for pixel.\n")
	for i, img := range images {
		label := img.Label
		if label == "" {
			label = "design"
		}
		fmt.Fprintf(&b, "Image %d is the %s layout.\n", i+1, label)
	}
	b.WriteString("Use CSS grid and flexbox, a mobile breakpoint at 768px, and no external assets; ")
	b.WriteString("use plain colour blocks where the design shows photos.\n")
	b.WriteString(`Reply with JSON only: {"html": "<body markup>", "css": "<stylesheet>", "js": "<optional script>"}.` + "\n")
	if extra = strings.TrimSpace(extra); extra != "" {
		b.WriteString("Additional instructions: ")
		b.WriteString(extra)
		b.WriteString("\n")
	}
	return b.String()
}
