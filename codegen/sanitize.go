package codegen

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// markupPolicy allows layout and text elements with class, id and inline
// style; scripts, event handlers and embeds are removed.
var markupPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowDataURIImages()
	p.AllowAttrs("class", "id", "style", "role", "aria-label", "aria-hidden").Globally()
	p.AllowElements("header", "footer", "nav", "main", "section", "article", "aside",
		"figure", "figcaption", "button", "label", "span", "div", "small", "time")
	p.AllowAttrs("type").OnElements("button")
	p.AllowAttrs("width", "height").OnElements("img")
	return p
}()

var cssScriptish = regexp.MustCompile(`(?i)(expression\s*\(|javascript:|@import\s+url\(\s*['"]?https?:|behavior\s*:)`)

// Sanitize cleans generated code. Markup goes through bluemonday; the
// stylesheet loses constructs that execute code or pull remote styles. JS is
// returned unchanged and is never rendered by the loop.
func Sanitize(code Code) Code {
	code.HTML = strings.TrimSpace(markupPolicy.Sanitize(code.HTML))
	code.CSS = cssScriptish.ReplaceAllString(code.CSS, "/* removed */")
	return code
}
