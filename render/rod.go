package render

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/designloop/raster"
)

// EngineConfig configures a browser engine.
type EngineConfig struct {
	// Bin is the Chrome executable. Empty lets the engine find or download one.
	Bin string

	// NoSandbox disables the Chrome sandbox (required when running as root
	// in containers).
	NoSandbox bool

	// Stealth opens pages through go-rod/stealth. Rod only.
	Stealth bool

	// AllowRemote lets pages fetch http(s) resources. Default: blocked.
	AllowRemote bool

	// Timeout bounds one render from launch to capture. Default and
	// ceiling: MaxTimeout.
	Timeout time.Duration

	// IdleWait is how long the network must be quiet before capture.
	// Default: 300ms.
	IdleWait time.Duration

	// MinBytes rejects screenshots shorter than this. Default: MinScreenshotBytes.
	MinBytes int

	Tracker *Tracker
	Logger  *slog.Logger
}

func (c *EngineConfig) defaults() {
	c.Timeout = clampTimeout(c.Timeout)
	if c.IdleWait <= 0 {
		c.IdleWait = 300 * time.Millisecond
	}
	if c.MinBytes <= 0 {
		c.MinBytes = MinScreenshotBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RodEngine renders with go-rod, one Chrome process per call.
type RodEngine struct {
	cfg EngineConfig
}

// NewRodEngine creates a go-rod engine.
func NewRodEngine(cfg EngineConfig) *RodEngine {
	cfg.defaults()
	return &RodEngine{cfg: cfg}
}

// Name identifies the engine in logs and attempts.
func (e *RodEngine) Name() string { return "rod" }

// Render launches Chrome, loads the composed page, and captures it.
func (e *RodEngine) Render(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	release := e.cfg.Tracker.Acquire()
	defer release()

	l := launcher.New().
		Context(ctx).
		Headless(true).
		NoSandbox(e.cfg.NoSandbox).
		Set("disable-gpu").
		Set("hide-scrollbars").
		Set("disable-blink-features", "AutomationControlled")
	if e.cfg.Bin != "" {
		l = l.Bin(e.cfg.Bin)
	}

	wsURL, err := l.Launch()
	if err != nil {
		// Cleanup blocks until the process exits, which never happens when
		// it was not started; remove the profile directly.
		if l.PID() != 0 {
			l.Kill()
		}
		_ = os.RemoveAll(l.Get(flags.UserDataDir))
		return nil, failure(e.Name(), ReasonLaunch, ctx, err)
	}
	defer func() {
		l.Kill()
		l.Cleanup()
	}()

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, failure(e.Name(), ReasonLaunch, ctx, err)
	}
	defer b.Close()

	var page *rod.Page
	if e.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, failure(e.Name(), ReasonLaunch, ctx, err)
	}
	page = page.Context(ctx)

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if !AllowResource(h.Request.URL(), e.cfg.AllowRemote) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	defer func() { _ = router.Stop() }()

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1,
		Mobile:            vp.Name == Mobile.Name,
	}); err != nil {
		return nil, failure(e.Name(), ReasonNavigate, ctx, err)
	}

	idle := page.WaitRequestIdle(e.cfg.IdleWait, nil, nil, nil)
	if err := page.SetDocumentContent(Compose(doc)); err != nil {
		return nil, failure(e.Name(), ReasonNavigate, ctx, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, failure(e.Name(), ReasonNavigate, ctx, err)
	}
	idle()
	if err := ctx.Err(); err != nil {
		return nil, failure(e.Name(), ReasonTimeout, ctx, err)
	}

	data, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, failure(e.Name(), ReasonCapture, ctx, err)
	}

	e.cfg.Logger.DebugContext(ctx, "render: captured",
		"engine", e.Name(),
		"viewport", vp.Name,
		"bytes", len(data))
	return decodeScreenshot(e.Name(), data, e.cfg.MinBytes)
}
