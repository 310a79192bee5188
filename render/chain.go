package render

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"time"

	"github.com/hazyhaar/designloop/raster"
)

// ErrExhausted is returned when no stage, placeholder included, produced an image.
var ErrExhausted = errors.New("render: all stages exhausted")

// PlaceholderColor fills the deterministic fallback image.
var PlaceholderColor = color.NRGBA{R: 240, G: 240, B: 240, A: 255}

// PlaceholderStage names the synthetic last stage.
const PlaceholderStage = "placeholder"

// Stage is one engine in a Chain. Breaker may be nil, in which case the
// chain creates one with default settings.
type Stage struct {
	Name     string
	Renderer Renderer
	Breaker  *Breaker
}

// Attempt records the outcome of one stage for one render.
type Attempt struct {
	Stage    string        `json:"stage"`
	Reason   Reason        `json:"reason,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Result is a chain outcome. Fallback is true when the placeholder produced
// Image.
type Result struct {
	Image    *raster.Image
	Stage    string
	Fallback bool
	Attempts []Attempt
}

// ResultRenderer is implemented by renderers that can report which stage
// produced an image.
type ResultRenderer interface {
	RenderResult(ctx context.Context, doc Document, vp Viewport) (*Result, error)
}

// Chain tries its stages in order and falls back to a flat placeholder image
// sized to the requested viewport.
type Chain struct {
	stages      []Stage
	placeholder bool
	fill        color.Color
	logger      *slog.Logger
}

// NewChain builds a chain over stages. Stages with a nil Renderer are skipped.
func NewChain(logger *slog.Logger, stages ...Stage) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{placeholder: true, fill: PlaceholderColor, logger: logger}
	for _, s := range stages {
		if s.Renderer == nil {
			continue
		}
		if s.Breaker == nil {
			s.Breaker = NewBreaker()
		}
		c.stages = append(c.stages, s)
	}
	return c
}

// WithoutPlaceholder disables the placeholder stage. A chain without it can
// fail with ErrExhausted.
func (c *Chain) WithoutPlaceholder() *Chain {
	c.placeholder = false
	return c
}

// WithFill sets the placeholder colour.
func (c *Chain) WithFill(col color.Color) *Chain {
	if col != nil {
		c.fill = col
	}
	return c
}

// Stages returns the configured engine stage names, in order.
func (c *Chain) Stages() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name
	}
	return names
}

// Render implements Renderer.
func (c *Chain) Render(ctx context.Context, doc Document, vp Viewport) (*raster.Image, error) {
	res, err := c.RenderResult(ctx, doc, vp)
	if err != nil {
		return nil, err
	}
	return res.Image, nil
}

// RenderResult runs the stages in order. Once ctx is done, remaining engine
// stages are skipped but the placeholder still runs.
func (c *Chain) RenderResult(ctx context.Context, doc Document, vp Viewport) (*Result, error) {
	res := &Result{}
	var errs []error

	for _, s := range c.stages {
		start := time.Now()
		if ctx.Err() != nil {
			err := failure(s.Name, ReasonCancelled, ctx, ctx.Err())
			res.Attempts = append(res.Attempts, attemptOf(s.Name, err, 0))
			errs = append(errs, err)
			continue
		}
		if !s.Breaker.Allow() {
			err := &RenderFailure{Engine: s.Name, Reason: ReasonBreakerOpen}
			res.Attempts = append(res.Attempts, attemptOf(s.Name, err, 0))
			errs = append(errs, err)
			c.logger.DebugContext(ctx, "render: stage skipped", "stage", s.Name, "breaker", BreakerOpen.String())
			continue
		}

		img, err := safeRender(ctx, s, doc, vp)
		if err == nil && (img == nil || img.Width() == 0 || img.Height() == 0) {
			err = &RenderFailure{Engine: s.Name, Reason: ReasonTooSmall, Err: raster.ErrEmpty}
		}
		elapsed := time.Since(start)
		if err != nil {
			// A caller giving up says nothing about engine health.
			if ctx.Err() == nil {
				s.Breaker.RecordFailure()
			}
			res.Attempts = append(res.Attempts, attemptOf(s.Name, err, elapsed))
			errs = append(errs, err)
			c.logger.WarnContext(ctx, "render: stage failed",
				"stage", s.Name,
				"viewport", vp.Name,
				"duration_ms", elapsed.Milliseconds(),
				"error", err)
			continue
		}

		s.Breaker.RecordSuccess()
		res.Attempts = append(res.Attempts, attemptOf(s.Name, nil, elapsed))
		res.Image = img
		res.Stage = s.Name
		return res, nil
	}

	if !c.placeholder {
		return res, fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
	}

	w, h := vp.Width, vp.Height
	if w <= 0 || h <= 0 {
		w, h = Desktop.Width, Desktop.Height
	}
	res.Image = raster.Solid(w, h, c.fill)
	res.Stage = PlaceholderStage
	res.Fallback = true
	res.Attempts = append(res.Attempts, Attempt{Stage: PlaceholderStage})
	c.logger.InfoContext(ctx, "render: placeholder used",
		"viewport", vp.Name,
		"width", w,
		"height", h,
		"failed_stages", len(errs))
	return res, nil
}

func safeRender(ctx context.Context, s Stage, doc Document, vp Viewport) (img *raster.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = &RenderFailure{Engine: s.Name, Reason: ReasonPanic, Err: fmt.Errorf("%v", r)}
		}
	}()
	return s.Renderer.Render(ctx, doc, vp)
}

func attemptOf(stage string, err error, d time.Duration) Attempt {
	a := Attempt{Stage: stage, Duration: d}
	if err == nil {
		return a
	}
	a.Error = err.Error()
	var rf *RenderFailure
	if errors.As(err, &rf) {
		a.Reason = rf.Reason
	} else {
		a.Reason = ReasonCapture
	}
	return a
}
