package codegen

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Code is generated front-end code.
type Code struct {
	HTML string `json:"html"`
	CSS  string `json:"css"`
	JS   string `json:"js"`
}

// ParseFailure carries a response no strategy could read.
type ParseFailure struct {
	Raw string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("codegen: response not parseable (%d bytes)", len(e.Raw))
}

// Result is either Code or a ParseFailure.
type Result struct {
	Code     Code
	Strategy string
	Failure  *ParseFailure
}

// OK reports whether a strategy produced code.
func (r Result) OK() bool { return r.Failure == nil }

type strategy struct {
	name string
	fn   func(raw string) (Code, bool)
}

var strategies = []strategy{
	{"json", parseJSON},
	{"fenced", parseFenced},
	{"document", parseDocument},
}

// ParseResponse runs the extraction strategies in order: a JSON object
// (optionally inside a code fence), fenced html/css/js blocks, then a full
// HTML document split into body, styles and scripts.
func ParseResponse(raw string) Result {
	for _, s := range strategies {
		if code, ok := s.fn(raw); ok {
			return Result{Code: code, Strategy: s.name}
		}
	}
	return Result{Failure: &ParseFailure{Raw: raw}}
}

var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")

func parseJSON(raw string) (Code, bool) {
	candidates := []string{}
	if m := jsonFence.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, m[1])
	}
	if i, j := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); i >= 0 && j > i {
		candidates = append(candidates, raw[i:j+1])
	}
	for _, c := range candidates {
		var code Code
		if err := json.Unmarshal([]byte(c), &code); err != nil {
			continue
		}
		if strings.TrimSpace(code.HTML) == "" {
			continue
		}
		return splitEmbedded(code), true
	}
	return Code{}, false
}

var fencedBlock = regexp.MustCompile("(?s)```(html|css|javascript|js)\\s*\\n(.*?)```")

func parseFenced(raw string) (Code, bool) {
	var code Code
	for _, m := range fencedBlock.FindAllStringSubmatch(raw, -1) {
		body := strings.TrimSpace(m[2])
		switch m[1] {
		case "html":
			if code.HTML == "" {
				code.HTML = body
			}
		case "css":
			code.CSS = joinNonEmpty(code.CSS, body)
		default:
			code.JS = joinNonEmpty(code.JS, body)
		}
	}
	if code.HTML == "" {
		return Code{}, false
	}
	return splitEmbedded(code), true
}

var documentStart = regexp.MustCompile(`(?i)<(!doctype html|html|body)[\s>]`)

func parseDocument(raw string) (Code, bool) {
	loc := documentStart.FindStringIndex(raw)
	if loc == nil {
		return Code{}, false
	}
	code := splitEmbedded(Code{HTML: raw[loc[0]:]})
	if strings.TrimSpace(code.HTML) == "" {
		return Code{}, false
	}
	return code, true
}

// splitEmbedded moves <style> and <script> contents out of the markup and
// reduces a full document to its body children.
func splitEmbedded(code Code) Code {
	lower := strings.ToLower(code.HTML)
	if !strings.Contains(lower, "<style") && !strings.Contains(lower, "<script") &&
		!strings.Contains(lower, "<body") && !strings.Contains(lower, "<html") {
		return code
	}
	root, err := html.Parse(strings.NewReader(code.HTML))
	if err != nil {
		return code
	}

	var css, js []string
	var body *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if c.Type == html.ElementNode {
				switch c.DataAtom {
				case atom.Style:
					css = append(css, textOf(c))
					n.RemoveChild(c)
					c = next
					continue
				case atom.Script:
					js = append(js, textOf(c))
					n.RemoveChild(c)
					c = next
					continue
				case atom.Body:
					if body == nil {
						body = c
					}
				}
			}
			walk(c)
			c = next
		}
	}
	walk(root)

	if body != nil {
		var b strings.Builder
		for c := body.FirstChild; c != nil; c = c.NextSibling {
			_ = html.Render(&b, c)
		}
		code.HTML = strings.TrimSpace(b.String())
	}
	code.CSS = joinNonEmpty(append([]string{code.CSS}, css...)...)
	code.JS = joinNonEmpty(append([]string{code.JS}, js...)...)
	return code
}

func textOf(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return strings.TrimSpace(b.String())
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
