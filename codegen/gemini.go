package codegen

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// GeminiClient calls Gemini through the genai SDK.
type GeminiClient struct {
	cfg ClientConfig

	once   sync.Once
	client *genai.Client
	err    error
}

// NewGeminiClient creates a client. Default model: gemini-2.5-flash. An
// empty Endpoint keeps the SDK's own base URL.
func NewGeminiClient(cfg ClientConfig) *GeminiClient {
	cfg.defaults("gemini-2.5-flash", "")
	return &GeminiClient{cfg: cfg}
}

func (c *GeminiClient) Name() string { return "gemini" }

func (c *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	c.once.Do(func() {
		c.client, c.err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:      c.cfg.APIKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPClient:  c.cfg.HTTP,
			HTTPOptions: genai.HTTPOptions{BaseURL: c.cfg.Endpoint},
		})
	})
	return c.client, c.err
}

// Generate sends the prompt and images as one user turn and returns the
// response text.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	if c.cfg.APIKey == "" {
		return "", &ProviderError{Provider: c.Name(), Err: errors.New("missing API key")}
	}
	client, err := c.sdk(ctx)
	if err != nil {
		return "", &ProviderError{Provider: c.Name(), Err: fmt.Errorf("client: %w", err)}
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Instructions)}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, mimeOrPNG(img.MIMEType)))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := client.Models.GenerateContent(ctx, c.cfg.Model, contents, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.2),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", &ProviderError{Provider: c.Name(), Status: apiStatus(err), Err: err}
	}
	text := resp.Text()
	if text == "" {
		return "", &ProviderError{Provider: c.Name(), Err: errors.New("empty response")}
	}
	return text, nil
}

// apiStatus extracts the HTTP status the API reported, or 0.
func apiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}
