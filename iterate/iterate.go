// Package iterate drives the render, diff, adjust loop that refines a
// stylesheet until its render matches a target image or the iteration
// budget runs out.
package iterate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hazyhaar/designloop/idgen"
	"github.com/hazyhaar/designloop/pixeldiff"
	"github.com/hazyhaar/designloop/raster"
	"github.com/hazyhaar/designloop/render"
)

// NoDiff is the DiffPercentage of an iteration whose diff could not be computed.
const NoDiff = -1.0

// State is the terminal (or current) state of a Run.
type State string

const (
	StateRunning   State = "running"
	StateConverged State = "converged"
	StateExhausted State = "exhausted_budget"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Config tunes a Controller. Zero values take defaults.
type Config struct {
	// MaxIterations is the loop budget. Default: 5. Capped at MaxIterationsCap.
	MaxIterations int `yaml:"max_iterations"`

	// MaxIterationsCap bounds caller-supplied budgets. Default: 20.
	MaxIterationsCap int `yaml:"max_iterations_cap"`

	// ConvergeBelow stops the loop once the diff percentage is below it. Default: 5.
	ConvergeBelow float64 `yaml:"converge_below"`

	// Tolerance is the per-pixel colour threshold. Zero takes
	// pixeldiff.DefaultTolerance.
	Tolerance float64 `yaml:"tolerance"`

	// Viewport to render at. Default: render.Desktop.
	Viewport render.Viewport `yaml:"-"`

	// Tiers are the adjustment blocks. Default: DefaultTiers().
	Tiers []Tier `yaml:"tiers"`

	// Baseline records the unmodified document as iteration 0, outside the budget.
	Baseline bool `yaml:"baseline"`

	// NewID generates run IDs. Default: idgen.New.
	NewID idgen.Generator `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxIterationsCap <= 0 {
		c.MaxIterationsCap = 20
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if c.MaxIterations > c.MaxIterationsCap {
		c.MaxIterations = c.MaxIterationsCap
	}
	if c.ConvergeBelow <= 0 || math.IsNaN(c.ConvergeBelow) {
		c.ConvergeBelow = 5
	}
	if c.Tolerance <= 0 || math.IsNaN(c.Tolerance) {
		c.Tolerance = pixeldiff.DefaultTolerance
	}
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		c.Viewport = render.Desktop
	}
	if c.Tiers == nil {
		c.Tiers = DefaultTiers()
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("run_", idgen.Default)
	}
}

// Iteration is one render, diff pass. Adjustments lists the tier types
// derived from this pass and applied to the next one.
type Iteration struct {
	Index          int               `json:"iteration"`
	Document       render.Document   `json:"document"`
	Rendered       *raster.Image     `json:"-"`
	Diff           *pixeldiff.Result `json:"-"`
	DiffPercentage float64           `json:"diffPercentage"`
	Fallback       bool              `json:"fallback,omitempty"`
	Stage          string            `json:"stage,omitempty"`
	Attempts       []render.Attempt  `json:"attempts,omitempty"`
	Adjustments    []string          `json:"adjustments,omitempty"`
	Baseline       bool              `json:"baseline,omitempty"`
	Err            string            `json:"error,omitempty"`
	Duration       time.Duration     `json:"duration_ns"`
}

// Synthetic reports whether the iteration stands in for a failed pass.
func (it Iteration) Synthetic() bool { return it.Err != "" }

// Run is the ordered history of one refinement. It always holds at least
// one iteration.
type Run struct {
	ID         string      `json:"runId"`
	Iterations []Iteration `json:"iterations"`
	State      State       `json:"state"`
	Best       int         `json:"best"`
	Viewport   string      `json:"viewport"`
	Started    time.Time   `json:"started"`
	Finished   time.Time   `json:"finished"`
}

// BestIteration returns the real render with the lowest valid diff, or the
// last iteration when none has one.
func (r *Run) BestIteration() Iteration {
	for _, it := range r.Iterations {
		if it.Index == r.Best {
			return it
		}
	}
	return r.Iterations[len(r.Iterations)-1]
}

// BestDocument returns the document of the best iteration.
func (r *Run) BestDocument() render.Document {
	return r.BestIteration().Document
}

// Last returns the final iteration.
func (r *Run) Last() Iteration {
	return r.Iterations[len(r.Iterations)-1]
}

func (r *Run) pickBest() {
	best, bestPct := -1, math.Inf(1)
	for _, it := range r.Iterations {
		if it.Diff == nil || it.DiffPercentage < 0 || it.Fallback {
			continue
		}
		if it.DiffPercentage < bestPct {
			best, bestPct = it.Index, it.DiffPercentage
		}
	}
	if best < 0 {
		best = r.Iterations[len(r.Iterations)-1].Index
	}
	r.Best = best
}

// Controller runs refinement loops. It is safe for concurrent use; each Run
// call is sequential.
type Controller struct {
	renderer render.Renderer
	cfg      Config
	logger   *slog.Logger
}

// New creates a Controller. renderer is usually a *render.Chain.
func New(renderer render.Renderer, cfg Config, logger *slog.Logger) *Controller {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{renderer: renderer, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Option overrides Config fields for one run.
type Option func(*Config)

// WithMaxIterations sets the budget for one run, capped at MaxIterationsCap.
func WithMaxIterations(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxIterations = n
		}
	}
}

// WithViewport renders one run at vp.
func WithViewport(vp render.Viewport) Option {
	return func(c *Config) { c.Viewport = vp }
}

// WithBaseline toggles the iteration 0 record for one run.
func WithBaseline(on bool) Option {
	return func(c *Config) { c.Baseline = on }
}

// RunBytes decodes target and runs the loop. A target that cannot be
// decoded yields a failed run with one synthetic iteration.
func (c *Controller) RunBytes(ctx context.Context, target []byte, doc render.Document, opts ...Option) *Run {
	img, err := raster.Decode(target)
	if err != nil {
		cfg := c.runConfig(opts)
		run := c.newRun(cfg)
		c.logger.WarnContext(ctx, "iterate: target decode failed", "run_id", run.ID, "error", err)
		run.Iterations = append(run.Iterations, c.synthetic(cfg, 1, doc, fmt.Errorf("iterate: decode target: %w", err)))
		return c.finish(ctx, run, StateFailed)
	}
	return c.Run(ctx, img, doc, opts...)
}

// Run refines doc against target. It never returns an empty history.
func (c *Controller) Run(ctx context.Context, target *raster.Image, doc render.Document, opts ...Option) *Run {
	cfg := c.runConfig(opts)
	run := c.newRun(cfg)
	log := c.logger.With("run_id", run.ID)

	if target.Width() == 0 || target.Height() == 0 {
		run.Iterations = append(run.Iterations, c.synthetic(cfg, 1, doc, errors.New("iterate: target image is empty")))
		return c.finish(ctx, run, StateFailed)
	}

	log.InfoContext(ctx, "iterate: run started",
		"max_iterations", cfg.MaxIterations,
		"viewport", cfg.Viewport.Name,
		"target_width", target.Width(),
		"target_height", target.Height())

	if cfg.Baseline {
		it, err := c.step(ctx, cfg, target, doc, 0)
		if err != nil {
			run.Iterations = append(run.Iterations, c.synthetic(cfg, 0, doc, err))
			return c.finish(ctx, run, StateFailed)
		}
		it.Baseline = true
		run.Iterations = append(run.Iterations, it)
	}

	state := StateRunning
	for i := 1; state == StateRunning; i++ {
		if ctx.Err() != nil {
			state = StateCancelled
			break
		}

		it, err := c.step(ctx, cfg, target, doc, i)
		if err != nil {
			if ctx.Err() != nil {
				state = StateCancelled
				break
			}
			log.WarnContext(ctx, "iterate: render failed", "iteration", i, "error", err)
			run.Iterations = append(run.Iterations, c.synthetic(cfg, i, doc, err))
			state = StateFailed
			break
		}

		// A render cut short by cancellation falls back to the placeholder;
		// it says nothing about the document, so it is not recorded.
		if it.Fallback && ctx.Err() != nil {
			state = StateCancelled
			break
		}

		log.DebugContext(ctx, "iterate: iteration done",
			"iteration", i,
			"diff_percentage", it.DiffPercentage,
			"stage", it.Stage,
			"fallback", it.Fallback)

		// A placeholder render carries no signal: it can neither converge
		// nor steer the stylesheet, so the next pass retries the engines.
		switch {
		case it.Fallback && i >= cfg.MaxIterations:
			state = StateExhausted
			if allFallback(run, it) {
				state = StateFailed
			}
		case it.Fallback:
		case it.DiffPercentage < cfg.ConvergeBelow:
			state = StateConverged
		case i >= cfg.MaxIterations:
			state = StateExhausted
		default:
			doc.Stylesheet, it.Adjustments = ApplyAdjustments(doc.Stylesheet, it.DiffPercentage, i, cfg.Tiers)
		}
		run.Iterations = append(run.Iterations, it)
	}

	if state == StateCancelled && loopIterations(run) == 0 {
		run.Iterations = append(run.Iterations, c.synthetic(cfg, 1, doc, fmt.Errorf("iterate: %w", ctx.Err())))
	}
	return c.finish(ctx, run, state)
}

func (c *Controller) runConfig(opts []Option) Config {
	cfg := c.cfg
	for _, o := range opts {
		o(&cfg)
	}
	cfg.defaults()
	return cfg
}

func (c *Controller) newRun(cfg Config) *Run {
	return &Run{
		ID:       cfg.NewID(),
		State:    StateRunning,
		Viewport: cfg.Viewport.Name,
		Started:  time.Now().UTC(),
	}
}

func (c *Controller) finish(ctx context.Context, run *Run, state State) *Run {
	run.State = state
	run.Finished = time.Now().UTC()
	run.pickBest()
	last := run.Last()
	c.logger.InfoContext(ctx, "iterate: run finished",
		"run_id", run.ID,
		"state", string(state),
		"iterations", len(run.Iterations),
		"best", run.Best,
		"last_diff_percentage", last.DiffPercentage,
		"duration_ms", run.Finished.Sub(run.Started).Milliseconds())
	return run
}

// step renders doc and diffs it against target.
func (c *Controller) step(ctx context.Context, cfg Config, target *raster.Image, doc render.Document, index int) (Iteration, error) {
	start := time.Now()
	it := Iteration{Index: index, Document: doc}

	var img *raster.Image
	if rr, ok := c.renderer.(render.ResultRenderer); ok {
		res, err := rr.RenderResult(ctx, doc, cfg.Viewport)
		if err != nil {
			return it, err
		}
		img = res.Image
		it.Stage = res.Stage
		it.Fallback = res.Fallback
		it.Attempts = res.Attempts
	} else {
		var err error
		img, err = c.renderer.Render(ctx, doc, cfg.Viewport)
		if err != nil {
			return it, err
		}
	}

	diff, err := pixeldiff.Diff(target, img, cfg.Tolerance)
	if err != nil {
		return it, fmt.Errorf("iterate: diff: %w", err)
	}
	it.Rendered = img
	it.Diff = diff
	it.DiffPercentage = diff.DiffPercentage
	it.Duration = time.Since(start)
	return it, nil
}

// synthetic builds the stand-in record for a pass that produced no diff.
func (c *Controller) synthetic(cfg Config, index int, doc render.Document, err error) Iteration {
	return Iteration{
		Index:          index,
		Document:       doc,
		Rendered:       raster.Solid(cfg.Viewport.Width, cfg.Viewport.Height, render.PlaceholderColor),
		DiffPercentage: NoDiff,
		Fallback:       true,
		Stage:          render.PlaceholderStage,
		Err:            err.Error(),
	}
}

// allFallback reports whether last and every loop iteration before it came
// from the placeholder.
func allFallback(run *Run, last Iteration) bool {
	if !last.Fallback {
		return false
	}
	for _, it := range run.Iterations {
		if !it.Baseline && !it.Fallback {
			return false
		}
	}
	return true
}

func loopIterations(run *Run) int {
	n := 0
	for _, it := range run.Iterations {
		if !it.Baseline {
			n++
		}
	}
	return n
}
