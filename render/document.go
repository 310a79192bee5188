package render

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document is a renderable page: markup for the body and a stylesheet.
// Neither string is interpreted beyond what Compose needs.
type Document struct {
	Markup     string `json:"html"`
	Stylesheet string `json:"css"`
}

// Viewport is a named device class with fixed pixel dimensions.
type Viewport struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

var (
	Desktop = Viewport{Name: "desktop", Width: 1920, Height: 1080}
	Tablet  = Viewport{Name: "tablet", Width: 768, Height: 1024}
	Mobile  = Viewport{Name: "mobile", Width: 375, Height: 812}
)

// Viewports lists the supported device classes.
func Viewports() []Viewport { return []Viewport{Desktop, Tablet, Mobile} }

// ParseViewport resolves a device name. Unknown or empty names yield
// Desktop and ok=false.
func ParseViewport(name string) (vp Viewport, ok bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "desktop", "pc":
		return Desktop, true
	case "tablet":
		return Tablet, true
	case "mobile", "sp":
		return Mobile, true
	}
	return Desktop, false
}

// hexToken matches values like "ffffff" or "#a0b": colour codes that leaked
// into a URL position and would otherwise be fetched as relative resources.
var hexToken = regexp.MustCompile(`^#?[0-9a-fA-F]{3,8}$`)

var cssHexURL = regexp.MustCompile(`url\(\s*['"]?#?[0-9a-fA-F]{3,8}['"]?\s*\)`)

var styleClose = regexp.MustCompile(`(?i)</style`)

// resourceAttrs are attributes whose value the engine fetches.
var resourceAttrs = map[string]bool{
	"src":        true,
	"srcset":     true,
	"poster":     true,
	"data":       true,
	"background": true,
}

// Compose wraps doc in a complete HTML5 page. The markup is parsed with the
// HTML5 algorithm so partial or malformed input still yields a well-formed
// tree; when the markup is already a full document, its head styles and body
// children are kept.
func Compose(doc Document) string {
	headExtra, body := normalizeMarkup(doc.Markup)

	var b strings.Builder
	b.Grow(len(doc.Markup) + len(doc.Stylesheet) + 256)
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"UTF-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	b.WriteString(headExtra)
	b.WriteString("<style>\n")
	b.WriteString(NeutralizeCSS(doc.Stylesheet))
	b.WriteString("\n</style>\n</head>\n<body>\n")
	b.WriteString(body)
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

// NeutralizeCSS replaces url() references to bare hex tokens and prevents
// the stylesheet from closing its <style> element early.
func NeutralizeCSS(css string) string {
	css = cssHexURL.ReplaceAllString(css, "none")
	return styleClose.ReplaceAllString(css, `<\/style`)
}

func normalizeMarkup(markup string) (head, body string) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", markup
	}
	scrub(root)

	var headNode, bodyNode *html.Node
	var find func(*html.Node)
	find = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Head:
				if headNode == nil {
					headNode = n
				}
			case atom.Body:
				if bodyNode == nil {
					bodyNode = n
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(root)

	var hb, bb strings.Builder
	if headNode != nil {
		for c := headNode.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Style {
				_ = html.Render(&hb, c)
				hb.WriteByte('\n')
			}
		}
	}
	if bodyNode != nil {
		for c := bodyNode.FirstChild; c != nil; c = c.NextSibling {
			_ = html.Render(&bb, c)
		}
	}
	return hb.String(), bb.String()
}

// scrub drops resource attributes holding hex tokens and rewrites hex url()
// references inside inline styles.
func scrub(n *html.Node) {
	if n.Type == html.ElementNode {
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			key := strings.ToLower(a.Key)
			if resourceAttrs[key] && hexToken.MatchString(strings.TrimSpace(a.Val)) {
				continue
			}
			if key == "href" && n.DataAtom == atom.Link && hexToken.MatchString(strings.TrimSpace(a.Val)) {
				continue
			}
			if key == "style" {
				a.Val = cssHexURL.ReplaceAllString(a.Val, "none")
			}
			kept = append(kept, a)
		}
		n.Attr = kept
		if n.DataAtom == atom.Style {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					c.Data = cssHexURL.ReplaceAllString(c.Data, "none")
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		scrub(c)
	}
}
