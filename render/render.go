// Package render turns a Document into a full-page raster screenshot at a
// named viewport.
//
// Two browser engines are provided: RodEngine (go-rod, primary) and
// CDPEngine (chromedp, secondary). Each Render call launches its own Chrome
// process and tears it down on every exit path. Chain composes engines with
// a deterministic placeholder so callers always get an image.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/designloop/raster"
)

// MaxTimeout is the ceiling for a single render, launch to capture.
const MaxTimeout = 30 * time.Second

// MinScreenshotBytes rejects engine output too short to be a real PNG.
const MinScreenshotBytes = 64

// Renderer produces a full-page image of doc at vp.
type Renderer interface {
	Render(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error)

// Render calls f.
func (f RenderFunc) Render(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error) {
	return f(ctx, doc, vp)
}

// Reason classifies a RenderFailure.
type Reason string

const (
	ReasonLaunch      Reason = "launch"
	ReasonNavigate    Reason = "navigate"
	ReasonTimeout     Reason = "timeout"
	ReasonCancelled   Reason = "cancelled"
	ReasonCapture     Reason = "capture"
	ReasonDecode      Reason = "decode"
	ReasonTooSmall    Reason = "too_small"
	ReasonBreakerOpen Reason = "breaker_open"
	ReasonPanic       Reason = "panic"
)

// RenderFailure is returned when an engine cannot produce an image.
type RenderFailure struct {
	Engine string
	Reason Reason
	Err    error
}

func (e *RenderFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("render: %s: %s", e.Engine, e.Reason)
	}
	return fmt.Sprintf("render: %s: %s: %v", e.Engine, e.Reason, e.Err)
}

func (e *RenderFailure) Unwrap() error { return e.Err }

// failure builds a RenderFailure, reclassifying context errors so a deadline
// is always reported as a timeout regardless of which step hit it.
func failure(engine string, reason Reason, ctx context.Context, err error) *RenderFailure {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = ReasonTimeout
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		reason = ReasonCancelled
	}
	return &RenderFailure{Engine: engine, Reason: reason, Err: err}
}

// decodeScreenshot validates and decodes engine PNG output.
func decodeScreenshot(engine string, data []byte, minBytes int) (*raster.Image, error) {
	if len(data) < minBytes {
		return nil, &RenderFailure{Engine: engine, Reason: ReasonTooSmall,
			Err: fmt.Errorf("screenshot is %d bytes, want >= %d", len(data), minBytes)}
	}
	img, err := raster.Decode(data)
	if err != nil {
		return nil, &RenderFailure{Engine: engine, Reason: ReasonDecode, Err: err}
	}
	return img, nil
}

// clampTimeout keeps d within (0, MaxTimeout].
func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 || d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Tracker counts live browser processes owned by engines.
type Tracker struct {
	live     atomic.Int64
	launched atomic.Int64
}

// Acquire records a new live process and returns its release function.
// Release is idempotent. A nil Tracker returns a no-op.
func (t *Tracker) Acquire() (release func()) {
	if t == nil {
		return func() {}
	}
	t.live.Add(1)
	t.launched.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { t.live.Add(-1) })
	}
}

// Live returns the number of processes not yet released.
func (t *Tracker) Live() int64 {
	if t == nil {
		return 0
	}
	return t.live.Load()
}

// Launched returns the total number of processes ever acquired.
func (t *Tracker) Launched() int64 {
	if t == nil {
		return 0
	}
	return t.launched.Load()
}

// Limiter bounds the number of concurrent renders across all wrapped
// renderers. Each browser process costs hundreds of MB.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter allows at most n concurrent renders (n <= 0 means 1).
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Wrap returns a Renderer that holds a slot for the duration of r.Render.
func (l *Limiter) Wrap(name string, r Renderer) Renderer {
	return RenderFunc(func(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error) {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, failure(name, ReasonCancelled, ctx, err)
		}
		defer l.sem.Release(1)
		return r.Render(ctx, doc, vp)
	})
}

// Limit bounds concurrent calls to r alone.
func Limit(r Renderer, n int) Renderer {
	return NewLimiter(n).Wrap("limit", r)
}
