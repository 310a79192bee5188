package render

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/hazyhaar/designloop/raster"
)

// CDPEngine renders with chromedp, one exec allocator (and Chrome process)
// per call. Cancelling the allocator kills the process and removes its
// profile directory.
type CDPEngine struct {
	cfg EngineConfig
}

// NewCDPEngine creates a chromedp engine. Stealth is ignored.
func NewCDPEngine(cfg EngineConfig) *CDPEngine {
	cfg.defaults()
	return &CDPEngine{cfg: cfg}
}

// Name identifies the engine in logs and attempts.
func (e *CDPEngine) Name() string { return "chromedp" }

// Render launches Chrome, loads the composed page, and captures it.
func (e *CDPEngine) Render(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	release := e.cfg.Tracker.Acquire()
	defer release()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-gpu", true),
	)
	if e.cfg.Bin != "" {
		opts = append(opts, chromedp.ExecPath(e.cfg.Bin))
	}
	if e.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	// Starts the browser; failures here are launch failures.
	if err := chromedp.Run(browserCtx); err != nil {
		return nil, failure(e.Name(), ReasonLaunch, ctx, err)
	}

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(browserCtx)
			execCtx := cdp.WithExecutor(browserCtx, c.Target)
			if AllowResourceString(paused.Request.URL, e.cfg.AllowRemote) {
				_ = fetch.ContinueRequest(paused.RequestID).Do(execCtx)
				return
			}
			_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
		}()
	})

	markup := Compose(doc)
	if err := chromedp.Run(browserCtx,
		fetch.Enable(),
		chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height)),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, markup).Do(ctx)
		}),
		chromedp.WaitReady("body"),
	); err != nil {
		return nil, failure(e.Name(), ReasonNavigate, ctx, err)
	}

	var ready bool
	if err := chromedp.Run(browserCtx,
		chromedp.Poll(`document.readyState === "complete"`, &ready),
	); err != nil {
		return nil, failure(e.Name(), ReasonNavigate, ctx, err)
	}

	var buf []byte
	if err := chromedp.Run(browserCtx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, failure(e.Name(), ReasonCapture, ctx, err)
	}

	e.cfg.Logger.DebugContext(ctx, "render: captured",
		"engine", e.Name(),
		"viewport", vp.Name,
		"bytes", len(buf))
	return decodeScreenshot(e.Name(), buf, e.cfg.MinBytes)
}
