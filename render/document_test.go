package render

import (
	"net/url"
	"strings"
	"testing"
)

func TestParseViewport(t *testing.T) {
	tests := []struct {
		in   string
		want Viewport
		ok   bool
	}{
		{"desktop", Desktop, true},
		{"PC", Desktop, true},
		{"tablet", Tablet, true},
		{" Mobile ", Mobile, true},
		{"sp", Mobile, true},
		{"", Desktop, false},
		{"watch", Desktop, false},
	}
	for _, tt := range tests {
		got, ok := ParseViewport(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseViewport(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestViewports_Dimensions(t *testing.T) {
	want := map[string][2]int{
		"desktop": {1920, 1080},
		"tablet":  {768, 1024},
		"mobile":  {375, 812},
	}
	for _, vp := range Viewports() {
		d, ok := want[vp.Name]
		if !ok {
			t.Fatalf("unexpected viewport %q", vp.Name)
		}
		if vp.Width != d[0] || vp.Height != d[1] {
			t.Errorf("%s: got %dx%d, want %dx%d", vp.Name, vp.Width, vp.Height, d[0], d[1])
		}
	}
}

func TestCompose_Fragment(t *testing.T) {
	out := Compose(Document{Markup: "<div>A</div>", Stylesheet: "div{color:red}"})
	for _, want := range []string{
		"<!DOCTYPE html>",
		`<meta charset="UTF-8">`,
		"div{color:red}",
		"<body>\n<div>A</div>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestCompose_MalformedMarkup(t *testing.T) {
	out := Compose(Document{Markup: "<div><p>unclosed <b>bold", Stylesheet: ""})
	if !strings.Contains(out, "<div><p>unclosed <b>bold</b></p></div>") {
		t.Fatalf("markup not normalised:\n%s", out)
	}
}

func TestCompose_FullDocumentKeepsHeadStyles(t *testing.T) {
	markup := `<!DOCTYPE html><html><head><title>x</title><style>.x{margin:0}</style></head><body><p>hi</p></body></html>`
	out := Compose(Document{Markup: markup})
	if !strings.Contains(out, "<style>.x{margin:0}</style>") {
		t.Errorf("head style dropped:\n%s", out)
	}
	if strings.Contains(out, "<title>") {
		t.Errorf("only styles should be kept from head:\n%s", out)
	}
	if strings.Count(out, "<body>") != 1 {
		t.Errorf("nested body:\n%s", out)
	}
	if !strings.Contains(out, "<p>hi</p>") {
		t.Errorf("body content lost:\n%s", out)
	}
}

func TestCompose_DropsHexTokenResources(t *testing.T) {
	markup := `<img src="ffffff" alt="a"><img src="logo.png"><div style="background:url(#a0b0c0)">x</div><link rel="stylesheet" href="#333">`
	out := Compose(Document{Markup: markup})
	if strings.Contains(out, `src="ffffff"`) {
		t.Errorf("hex src kept:\n%s", out)
	}
	if !strings.Contains(out, `src="logo.png"`) {
		t.Errorf("real src dropped:\n%s", out)
	}
	if strings.Contains(out, "url(#a0b0c0)") {
		t.Errorf("hex url() kept in inline style:\n%s", out)
	}
	if strings.Contains(out, `href="#333"`) {
		t.Errorf("hex link href kept:\n%s", out)
	}
}

func TestNeutralizeCSS(t *testing.T) {
	got := NeutralizeCSS(`body{background:url("#fff")} .a{background-image:url(img.png)} </style><script>`)
	if strings.Contains(got, `url("#fff")`) {
		t.Errorf("hex url kept: %s", got)
	}
	if !strings.Contains(got, "url(img.png)") {
		t.Errorf("real url dropped: %s", got)
	}
	if strings.Contains(got, "</style>") {
		t.Errorf("style close not escaped: %s", got)
	}
}

func TestAllowResource(t *testing.T) {
	tests := []struct {
		raw         string
		allowRemote bool
		want        bool
	}{
		{"data:image/png;base64,AAAA", false, true},
		{"about:blank", false, true},
		{"blob:https://x/1", false, true},
		{"https://cdn.example.com/a.png", false, false},
		{"https://cdn.example.com/a.png", true, true},
		{"https://example.com/ffffff", true, false},
		{"http://localhost/abc123", true, false},
		{"file:///etc/passwd", true, false},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.raw, err)
		}
		if got := AllowResource(u, tt.allowRemote); got != tt.want {
			t.Errorf("AllowResource(%q, %v) = %v, want %v", tt.raw, tt.allowRemote, got, tt.want)
		}
	}
	if AllowResource(nil, true) {
		t.Error("nil URL allowed")
	}
}
