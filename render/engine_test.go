package render

import (
	"context"
	"os"
	"testing"
	"time"
)

// Real-browser tests need Chrome on the host.
func requireChrome(t *testing.T) EngineConfig {
	t.Helper()
	if os.Getenv("DESIGNLOOP_CHROME") != "1" {
		t.Skip("set DESIGNLOOP_CHROME=1 to run real-browser tests")
	}
	return EngineConfig{
		Bin:       os.Getenv("CHROME_BIN"),
		NoSandbox: os.Getenv("CHROME_NO_SANDBOX") == "1",
		Timeout:   20 * time.Second,
		Tracker:   &Tracker{},
		Logger:    quietLogger(),
	}
}

func TestEngines_RenderFullPage(t *testing.T) {
	cfg := requireChrome(t)
	doc := Document{
		Markup:     `<div class="tall">A</div><img src="ffffff">`,
		Stylesheet: `body{margin:0} .tall{height:2000px;background:#000}`,
	}
	engines := map[string]Renderer{
		"rod":      NewRodEngine(cfg),
		"chromedp": NewCDPEngine(cfg),
	}
	for name, eng := range engines {
		t.Run(name, func(t *testing.T) {
			img, err := eng.Render(context.Background(), doc, Mobile)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if img.Width() != Mobile.Width {
				t.Errorf("width = %d, want %d", img.Width(), Mobile.Width)
			}
			if img.Height() < 2000 {
				t.Errorf("height = %d, want full page >= 2000", img.Height())
			}
		})
	}
	if live := cfg.Tracker.Live(); live != 0 {
		t.Fatalf("live = %d, want 0", live)
	}
}

func TestRodEngine_LaunchFailure(t *testing.T) {
	cfg := requireChrome(t)
	cfg.Bin = "/nonexistent/chrome"
	e := NewRodEngine(cfg)
	_, err := e.Render(context.Background(), Document{}, Desktop)
	if err == nil {
		t.Fatal("expected launch failure")
	}
	if cfg.Tracker.Live() != 0 {
		t.Fatalf("live = %d after failed launch", cfg.Tracker.Live())
	}
}
