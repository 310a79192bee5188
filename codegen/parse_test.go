package codegen

import (
	"strings"
	"testing"
)

func TestParseResponse_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		strategy string
		html     string
		css      string
		js       string
	}{
		{
			name:     "plain json",
			raw:      `{"html":"<div>A</div>","css":"div{color:red}","js":""}`,
			strategy: "json", html: "<div>A</div>", css: "div{color:red}",
		},
		{
			name:     "fenced json with prose",
			raw:      "Here you go:\n```json\n{\"html\":\"<p>x</p>\",\"css\":\"p{}\",\"js\":\"console.log(1)\"}\n```\nEnjoy.",
			strategy: "json", html: "<p>x</p>", css: "p{}", js: "console.log(1)",
		},
		{
			name:     "json with embedded full document",
			raw:      `{"html":"<!DOCTYPE html><html><head><style>.a{}</style></head><body><main>m</main><script>go()</script></body></html>","css":"body{}"}`,
			strategy: "json", html: "<main>m</main>", css: "body{}\n.a{}", js: "go()",
		},
		{
			name:     "fenced blocks",
			raw:      "```html\n<section>s</section>\n```\n```css\nsection{margin:0}\n```\n```javascript\nx()\n```",
			strategy: "fenced", html: "<section>s</section>", css: "section{margin:0}", js: "x()",
		},
		{
			name:     "bare document",
			raw:      "Sure!\n<!DOCTYPE html><html><head><style>h1{}</style></head><body><h1>T</h1></body></html>",
			strategy: "document", html: "<h1>T</h1>", css: "h1{}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseResponse(tt.raw)
			if !res.OK() {
				t.Fatalf("parse failed: %v", res.Failure)
			}
			if res.Strategy != tt.strategy {
				t.Errorf("strategy = %q, want %q", res.Strategy, tt.strategy)
			}
			if res.Code.HTML != tt.html {
				t.Errorf("html = %q, want %q", res.Code.HTML, tt.html)
			}
			if res.Code.CSS != tt.css {
				t.Errorf("css = %q, want %q", res.Code.CSS, tt.css)
			}
			if res.Code.JS != tt.js {
				t.Errorf("js = %q, want %q", res.Code.JS, tt.js)
			}
		})
	}
}

func TestParseResponse_Failure(t *testing.T) {
	for _, raw := range []string{"", "I cannot help with that.", `{"css":"a{}"}`, "```css\na{}\n```"} {
		res := ParseResponse(raw)
		if res.OK() {
			t.Errorf("%q parsed with strategy %s", raw, res.Strategy)
			continue
		}
		if res.Failure.Raw != raw {
			t.Errorf("raw not preserved")
		}
		if !strings.Contains(res.Failure.Error(), "not parseable") {
			t.Errorf("error = %v", res.Failure)
		}
	}
}
