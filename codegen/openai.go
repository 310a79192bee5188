package codegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OpenAIClient calls the chat completions API with image inputs.
type OpenAIClient struct {
	cfg ClientConfig
}

// NewOpenAIClient creates a client. Default model: gpt-4o.
func NewOpenAIClient(cfg ClientConfig) *OpenAIClient {
	cfg.defaults("gpt-4o", "https://api.openai.com/v1")
	return &OpenAIClient{cfg: cfg}
}

func (c *OpenAIClient) Name() string { return "openai" }

type openaiContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type openaiMessage struct {
	Role    string          `json:"role"`
	Content []openaiContent `json:"content"`
}

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends the prompt and images as one user message.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	if c.cfg.APIKey == "" {
		return "", &ProviderError{Provider: c.Name(), Err: errors.New("missing API key")}
	}

	content := []openaiContent{{Type: "text", Text: req.Instructions}}
	for _, img := range req.Images {
		content = append(content, openaiContent{
			Type: "image_url",
			ImageURL: &openaiImageURL{
				URL:    "data:" + mimeOrPNG(img.MIMEType) + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
				Detail: "high",
			},
		})
	}
	body := openaiRequest{
		Model:       c.cfg.Model,
		Messages:    []openaiMessage{{Role: "user", Content: content}},
		Temperature: 0.2,
	}
	body.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("codegen: openai: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("codegen: openai: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.cfg.HTTP.Do(httpReq)
	if err != nil {
		return "", &ProviderError{Provider: c.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &ProviderError{Provider: c.Name(), Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(msg)))}
	}

	var out openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ProviderError{Provider: c.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Error != nil {
		return "", &ProviderError{Provider: c.Name(), Err: errors.New(out.Error.Message)}
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", &ProviderError{Provider: c.Name(), Err: errors.New("empty response")}
	}
	return out.Choices[0].Message.Content, nil
}
