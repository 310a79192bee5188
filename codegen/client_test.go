package codegen

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var pngStub = []byte{0x89, 'P', 'N', 'G'}

func TestGeminiClient_Generate(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		if gotKey == "" {
			gotKey = r.URL.Query().Get("key")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"html\":\"<p>x</p>\"}"}]}}]}`)
	}))
	defer srv.Close()

	c := NewGeminiClient(ClientConfig{APIKey: "k1", Endpoint: srv.URL, HTTP: srv.Client()})
	out, err := c.Generate(context.Background(), Request{
		Images:       []ImageInput{{Label: "desktop", Data: pngStub}},
		Instructions: "make it",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"html":"<p>x</p>"}` {
		t.Fatalf("got %q", out)
	}
	if !strings.HasSuffix(gotPath, "models/gemini-2.5-flash:generateContent") {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "k1" {
		t.Errorf("key = %q", gotKey)
	}
	contents, _ := gotBody["contents"].([]any)
	if len(contents) != 1 {
		t.Fatalf("contents = %v", gotBody["contents"])
	}
	parts, _ := contents[0].(map[string]any)["parts"].([]any)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want text + image", len(parts))
	}
	if _, ok := parts[1].(map[string]any)["inlineData"]; !ok {
		t.Errorf("image part = %v", parts[1])
	}
}

func TestGeminiClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	c := NewGeminiClient(ClientConfig{APIKey: "k", Endpoint: srv.URL, HTTP: srv.Client()})
	_, err := c.Generate(context.Background(), Request{Instructions: "x"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Status != http.StatusTooManyRequests || pe.Provider != "gemini" {
		t.Fatalf("got %v", err)
	}
}

func TestClients_MissingKey(t *testing.T) {
	for _, v := range []Vision{NewGeminiClient(ClientConfig{}), NewOpenAIClient(ClientConfig{})} {
		if _, err := v.Generate(context.Background(), Request{}); err == nil {
			t.Errorf("%s: expected missing key error", v.Name())
		}
	}
}

func TestOpenAIClient_Generate(t *testing.T) {
	var auth string
	var body openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"{\"html\":\"<b>y</b>\"}"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(ClientConfig{APIKey: "sk", Endpoint: srv.URL, HTTP: srv.Client()})
	out, err := c.Generate(context.Background(), Request{
		Images:       []ImageInput{{MIMEType: "image/jpeg", Data: []byte("jpg")}},
		Instructions: "go",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"html":"<b>y</b>"}` {
		t.Fatalf("got %q", out)
	}
	if auth != "Bearer sk" {
		t.Errorf("auth = %q", auth)
	}
	if body.Model != "gpt-4o" || len(body.Messages) != 1 || len(body.Messages[0].Content) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if url := body.Messages[0].Content[1].ImageURL.URL; !strings.HasPrefix(url, "data:image/jpeg;base64,") {
		t.Errorf("image url = %q", url)
	}
}

type fakeVision struct {
	name  string
	out   string
	err   error
	calls int
}

func (f *fakeVision) Name() string { return f.name }

func (f *fakeVision) Generate(ctx context.Context, req Request) (string, error) {
	f.calls++
	return f.out, f.err
}

func TestFallback_UsesSecondaryOnFailure(t *testing.T) {
	primary := &fakeVision{name: "gemini", err: errors.New("down")}
	secondary := &fakeVision{name: "openai", out: "ok"}
	v := Fallback(quietLogger(), primary, secondary)

	out, err := v.Generate(context.Background(), Request{})
	if err != nil || out != "ok" {
		t.Fatalf("got %q, %v", out, err)
	}
	if v.Name() != "gemini>openai" {
		t.Errorf("name = %q", v.Name())
	}
}

func TestFallback_AllFail(t *testing.T) {
	v := Fallback(quietLogger(), &fakeVision{name: "a", err: errors.New("e1")}, &fakeVision{name: "b", err: errors.New("e2")})
	_, err := v.Generate(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "e1") || !strings.Contains(err.Error(), "e2") {
		t.Fatalf("got %v", err)
	}
}

func TestFallback_NoFallbackOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	secondary := &fakeVision{name: "b", out: "ok"}
	v := Fallback(quietLogger(), &fakeVision{name: "a", err: context.Canceled}, secondary)
	if _, err := v.Generate(ctx, Request{}); err == nil {
		t.Fatal("expected error")
	}
	if secondary.calls != 0 {
		t.Fatal("secondary called after cancellation")
	}
}

func TestFallback_Collapses(t *testing.T) {
	if Fallback(nil) != nil || Fallback(nil, nil, nil) != nil {
		t.Fatal("empty fallback not nil")
	}
	only := &fakeVision{name: "only"}
	if Fallback(nil, nil, only) != Vision(only) {
		t.Fatal("single provider not returned as is")
	}
}

func TestGenerator_Generate(t *testing.T) {
	v := &fakeVision{name: "fake", out: "```html\n<div onclick=\"x()\">A</div>\n```\n```css\ndiv{color:red}\n```"}
	g := NewGenerator(v, quietLogger())

	code, err := g.Generate(context.Background(), []ImageInput{{Label: "desktop", Data: pngStub}}, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if code.HTML != "<div>A</div>" || code.CSS != "div{color:red}" {
		t.Fatalf("code = %+v", code)
	}
}

func TestGenerator_Errors(t *testing.T) {
	if _, err := NewGenerator(nil, nil).Generate(context.Background(), nil, ""); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("got %v, want ErrNoProvider", err)
	}
	g := NewGenerator(&fakeVision{name: "f", out: "no code here"}, quietLogger())
	_, err := g.Generate(context.Background(), []ImageInput{{Data: pngStub}}, "")
	var pf *ParseFailure
	if !errors.As(err, &pf) {
		t.Fatalf("got %v, want ParseFailure", err)
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt([]ImageInput{{Label: "desktop"}, {Label: "mobile"}}, "  dark theme ")
	for _, want := range []string{"designs", "Image 1 is the desktop", "Image 2 is the mobile", "dark theme", `"html"`} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt lacks %q:\n%s", want, p)
		}
	}
}
